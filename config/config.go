package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    Server    `env:", prefix=TREADLE_SERVER_"`
	Pipelines Pipelines `env:", prefix=TREADLE_PIPELINES_"`
	Runner    Runner    `env:", prefix=TREADLE_RUNNER_"`
	Artifacts Artifacts `env:", prefix=TREADLE_ARTIFACTS_"`
}

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6885"`
	DBPath     string `env:"DB_PATH, default=treadle.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	// QueueSize bounds how many triggered pipelines may wait for a
	// worker before submissions are refused.
	QueueSize int `env:"QUEUE_SIZE, default=100"`
	Workers   int `env:"WORKERS, default=2"`

	RunTimeout time.Duration `env:"RUN_TIMEOUT, default=30m"`
	JobTimeout time.Duration `env:"JOB_TIMEOUT, default=10m"`

	// ManualExpiry caps how long an unplayed manual job stays
	// triggerable once its stage opens. Zero means no expiry.
	ManualExpiry       time.Duration `env:"MANUAL_EXPIRY, default=0"`
	ManualExpiryAction string        `env:"MANUAL_EXPIRY_ACTION, default=skip"`

	LogDir       string `env:"LOG_DIR, default=/var/log/treadle"`
	WorkspaceDir string `env:"WORKSPACE_DIR, default=/var/lib/treadle/workspaces"`
}

const (
	ManualExpirySkip = "skip"
	ManualExpiryFail = "fail"
)

type Runner struct {
	Labels []string `env:"LABELS, default=docker"`
	Docker Docker   `env:", prefix=DOCKER_"`
}

type Docker struct {
	DefaultImage string `env:"DEFAULT_IMAGE, default=alpine:3.21"`
	Parallelism  int64  `env:"PARALLELISM, default=4"`
	PullAttempts uint   `env:"PULL_ATTEMPTS, default=3"`
}

type Artifacts struct {
	// Provider is one of "fs" or "minio".
	Provider string `env:"PROVIDER, default=fs"`
	Dir      string `env:"DIR, default=/var/lib/treadle/artifacts"`
	Minio    Minio  `env:", prefix=MINIO_"`
}

type Minio struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET, default=treadle-artifacts"`
	Region    string `env:"REGION, default=us-east-1"`
	UseSSL    bool   `env:"USE_SSL, default=false"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
