package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kdispatch/internal/logger"
)

// loadedConfig is the config file merged with the environment, available to
// commands after the root Before hook ran.
var loadedConfig Config

func main() {
	app := &cli.Command{
		Name:   "kdispatch",
		Usage:  "Image kernel dispatch and work-group tuning CLI",
		Flags:  append(globalFlags(), loggingFlags()...),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			tuneCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup merges the config file and environment into the flag variables and
// installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, err
	}
	if err := applyEnv(&cfg); err != nil {
		return ctx, err
	}
	applyGlobalConfig(cmd, cfg)
	loadedConfig = cfg

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
