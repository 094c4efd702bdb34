package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	backendName     string
	logLevel        string
	logFormat       string
	debug           bool
	outOfRangeCheck bool
	obfuscate       bool
	dataType        string
	workers         int64
	kernelTimeLimit time.Duration
	tuningFile      string
	tuningEnabled   bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device runtime (auto, host, webgpu)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "data-type",
			Aliases:     []string{"dtype"},
			Usage:       "image element type (float32, float16)",
			Value:       "float32",
			Destination: &dataType,
		},
		&cli.BoolFlag{
			Name:        "out-of-range-check",
			Usage:       "compile kernels with image bounds diagnostics",
			Destination: &outOfRangeCheck,
		},
		&cli.BoolFlag{
			Name:        "obfuscate",
			Usage:       "rename kernel entry points to opaque aliases",
			Destination: &obfuscate,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "host runtime worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.DurationFlag{
			Name:        "kernel-time-limit",
			Usage:       "split tuned launches so each command stays under this duration (0 = off)",
			Destination: &kernelTimeLimit,
		},
		&cli.BoolFlag{
			Name:        "tune",
			Usage:       "tune work-group sizes for launches without a recorded result",
			Destination: &tuningEnabled,
		},
		&cli.StringFlag{
			Name:        "tuning-file",
			Usage:       "path of the persisted tuning results",
			Destination: &tuningFile,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
