package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"tangled.org/treadle/log"
	"tangled.org/treadle/server"
)

func main() {
	cmd := &cli.Command{
		Name:    "treadle",
		Usage:   "staged pipeline runner",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			server.Command(),
		},
	}

	ctx := context.Background()
	logger := log.New("treadle")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
