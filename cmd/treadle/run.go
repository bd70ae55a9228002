package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"tangled.org/treadle/artifact"
	"tangled.org/treadle/config"
	"tangled.org/treadle/db"
	"tangled.org/treadle/engine"
	"tangled.org/treadle/gitref"
	"tangled.org/treadle/log"
	"tangled.org/treadle/models"
	"tangled.org/treadle/notifier"
	"tangled.org/treadle/pipeline"
	"tangled.org/treadle/runner"
	"tangled.org/treadle/runner/docker"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "execute a pipeline against the local repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "pipeline definition to execute",
				Value:   ".treadle.yml",
			},
			&cli.StringFlag{
				Name:  "repo",
				Usage: "repository to resolve the current ref from",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "run against this ref instead of the repository HEAD",
			},
			&cli.BoolFlag{
				Name:  "tag",
				Usage: "treat --ref as a tag",
			},
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "extra pipeline variable, KEY=VALUE (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "play",
				Usage: "manual job to trigger immediately (repeatable)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "where to record the run",
				Value: ":memory:",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "scratch directory for workspaces, logs and artifacts",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	contents, err := os.ReadFile(cmd.String("file"))
	if err != nil {
		return err
	}

	def, err := pipeline.Parse(contents)
	if err != nil {
		return err
	}

	diags := def.Validate()
	printDiagnostics(diags)
	if diags.IsErr() {
		return cli.Exit("pipeline is invalid", 1)
	}

	ref, err := resolveRef(ctx, cmd)
	if err != nil {
		return err
	}

	vars, err := parseVars(cmd.StringSlice("var"))
	if err != nil {
		return err
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	workDir := cmd.String("workdir")
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "treadle-*")
		if err != nil {
			return err
		}
	}
	cfg.Pipelines.LogDir = filepath.Join(workDir, "logs")
	cfg.Pipelines.WorkspaceDir = filepath.Join(workDir, "workspaces")
	cfg.Artifacts.Provider = "fs"
	cfg.Artifacts.Dir = filepath.Join(workDir, "artifacts")

	d, err := db.Make(cmd.String("db"))
	if err != nil {
		return err
	}

	n := notifier.New()

	store, err := artifact.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	dockerRunner, err := docker.New(ctx, cfg.Runner)
	if err != nil {
		return err
	}

	eng := engine.New(ctx, d, &n, runner.NewRegistry(dockerRunner), store, cfg)

	rctx := pipeline.RunContext{
		Ref:       ref.Name,
		IsTag:     ref.IsTag,
		Variables: vars,
		Manual:    manualSet(cmd.StringSlice("play")),
	}

	// ^C cancels the run; in-flight jobs are torn down and recorded
	// as cancelled before the summary prints
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("running pipeline", "ref", ref.Name, "tag", ref.IsTag, "workdir", workDir)

	pr, err := eng.Execute(ctx, def, rctx, uuid.NewString())
	if err != nil {
		return err
	}

	printSummary(pr)

	switch pr.Status {
	case models.StatusSuccess:
		return nil
	case models.StatusCancelled:
		return cli.Exit("pipeline cancelled", 2)
	default:
		msg := "pipeline failed"
		if pr.Error != "" {
			msg = pr.Error
		}
		return cli.Exit(msg, 1)
	}
}

func resolveRef(ctx context.Context, cmd *cli.Command) (gitref.Ref, error) {
	var provider gitref.Provider
	if name := cmd.String("ref"); name != "" {
		provider = gitref.Static{Ref: gitref.Ref{Name: name, IsTag: cmd.Bool("tag")}}
	} else {
		provider = gitref.Repo{Path: cmd.String("repo")}
	}
	return provider.CurrentRef(ctx)
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func manualSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

func printDiagnostics(diags pipeline.Diagnostics) {
	for _, e := range diags.Errors {
		fmt.Fprintln(os.Stderr, e.String())
	}
	for _, w := range diags.Warnings {
		fmt.Fprintln(os.Stderr, w.String())
	}
}

func printSummary(pr *models.PipelineRun) {
	fmt.Println()
	for _, name := range pr.Order {
		jr := pr.Jobs[name]
		line := fmt.Sprintf("%-10s %-24s %s", jr.Stage, jr.Name, jr.State)
		if jr.Reason != "" {
			line += fmt.Sprintf(" (%s)", jr.Reason)
		}
		fmt.Println(line)
	}
	fmt.Printf("\npipeline: %s\n", pr.Status)
}
