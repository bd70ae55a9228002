package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"

	"tangled.org/treadle/artifact"
	"tangled.org/treadle/config"
	"tangled.org/treadle/db"
	"tangled.org/treadle/engine"
	"tangled.org/treadle/log"
	"tangled.org/treadle/notifier"
	"tangled.org/treadle/queue"
	"tangled.org/treadle/runner"
	"tangled.org/treadle/runner/docker"
)

type Server struct {
	cfg *config.Config
	db  *db.DB
	n   *notifier.Notifier
	eng *engine.Engine
	jq  *queue.Queue
	l   *slog.Logger

	// baseCtx outlives individual requests; queued pipelines execute
	// against it rather than against the submitting request
	baseCtx context.Context
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the treadle server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:

	TREADLE_SERVER_LISTEN_ADDR              (default: 0.0.0.0:6885)
	TREADLE_SERVER_DB_PATH                  (default: treadle.db)
	TREADLE_SERVER_DEV                      (default: false)
	TREADLE_PIPELINES_QUEUE_SIZE            (default: 100)
	TREADLE_PIPELINES_WORKERS               (default: 2)
	TREADLE_PIPELINES_RUN_TIMEOUT           (default: 30m)
	TREADLE_PIPELINES_JOB_TIMEOUT           (default: 10m)
	TREADLE_PIPELINES_MANUAL_EXPIRY         (default: 0, never expire)
	TREADLE_PIPELINES_MANUAL_EXPIRY_ACTION  (skip or fail, default: skip)
	TREADLE_PIPELINES_LOG_DIR               (default: /var/log/treadle)
	TREADLE_PIPELINES_WORKSPACE_DIR         (default: /var/lib/treadle/workspaces)
	TREADLE_RUNNER_LABELS                   (default: docker)
	TREADLE_RUNNER_DOCKER_DEFAULT_IMAGE     (default: alpine:3.21)
	TREADLE_RUNNER_DOCKER_PARALLELISM       (default: 4)
	TREADLE_RUNNER_DOCKER_PULL_ATTEMPTS     (default: 3)
	TREADLE_ARTIFACTS_PROVIDER              (fs or minio, default: fs)
	TREADLE_ARTIFACTS_DIR                   (default: /var/lib/treadle/artifacts)
	TREADLE_ARTIFACTS_MINIO_ENDPOINT
	TREADLE_ARTIFACTS_MINIO_ACCESS_KEY
	TREADLE_ARTIFACTS_MINIO_SECRET_KEY
	TREADLE_ARTIFACTS_MINIO_BUCKET          (default: treadle-artifacts)
`,
	}
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	store, err := artifact.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to setup artifact store: %w", err)
	}

	dockerRunner, err := docker.New(ctx, cfg.Runner)
	if err != nil {
		return fmt.Errorf("failed to setup docker runner: %w", err)
	}
	runners := runner.NewRegistry(dockerRunner)

	eng := engine.New(ctx, d, &n, runners, store, cfg)

	jq := queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers)
	jq.Start()
	defer jq.Stop()

	server := &Server{
		cfg:     cfg,
		db:      d,
		n:       &n,
		eng:     eng,
		jq:      jq,
		l:       logger,
		baseCtx: ctx,
	}

	logger.Info("starting treadle server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, server.Router()))

	return nil
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)

	mux.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is a treadle server: pipelines go in, verdicts come out"))
	})

	mux.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.SubmitPipeline)
		r.Get("/", s.ListPipelines)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetPipeline)
			r.Post("/cancel", s.CancelPipeline)
			r.Post("/jobs/{job}/play", s.PlayJob)
		})
	})

	mux.Get("/logs/{id}/{job}", s.Logs)
	mux.HandleFunc("/events", s.Events)

	return mux
}
