package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"tangled.org/treadle/pipeline"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check a pipeline definition without running it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "pipeline definition to check",
				Value:   ".treadle.yml",
			},
		},
		Action: validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
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

	fmt.Printf("%s: %d stages, %d jobs\n", cmd.String("file"), len(def.Stages), len(def.Jobs))
	return nil
}
