package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/logger"
	"github.com/samcharles93/kdispatch/internal/ops"
	"github.com/samcharles93/kdispatch/internal/tuning"
)

func tuneCmd() *cli.Command {
	var (
		opName     string
		shapesText string
		block      int64
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Tune work-group sizes for a set of shapes and record the results",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "op",
				Usage:       "operator to tune (default: all)",
				Destination: &opName,
			},
			&cli.StringFlag{
				Name:        "shapes",
				Usage:       "semicolon-separated input shapes, e.g. 1,32,32,16;1,64,64,8",
				Required:    true,
				Destination: &shapesText,
			},
			&cli.Int64Flag{
				Name:        "block",
				Aliases:     []string{"b"},
				Usage:       "block size",
				Value:       2,
				Destination: &block,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			shapes, err := parseShapeList(shapesText)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			names := ops.Names()
			if opName != "" {
				names = []string{opName}
			}
			if tuningFile == "" {
				logger.FromContext(ctx).Warn("no --tuning-file given; results are discarded on exit")
			}

			s, err := openSession(ctx, true)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open device: %v", err), 1)
			}
			defer s.Close()

			for _, name := range names {
				op, err := ops.New(s.env, name, int(block))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				for _, shape := range shapes {
					if _, err := ops.Apply(ctx, s.env, op, shape, nil); err != nil {
						if errors.Is(err, errdefs.ErrShape) {
							s.log.Warn("skipping shape", "op", name, "shape", shape.String(), "reason", err)
							continue
						}
						_ = op.Close()
						return cli.Exit(fmt.Sprintf("error: %s %v: %v", name, shape, err), 1)
					}
				}
				_ = op.Close()
			}

			writeTuningTable(os.Stdout, s.env.Tuner.Store)
			return nil
		},
	}
}

func parseShapeList(text string) ([]layout.Shape, error) {
	var shapes []layout.Shape
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := layout.ParseShape(part)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, s)
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("no shapes in %q", text)
	}
	return shapes, nil
}

func writeTuningTable(w io.Writer, store tuning.Store) {
	entries := store.Entries()
	sigs := make([]string, 0, len(entries))
	for sig := range entries {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	if len(sigs) == 0 {
		_, _ = fmt.Fprintln(w, "no tuning results recorded")
		return
	}
	_, _ = fmt.Fprintf(w, "%-60s %s\n", "SIGNATURE", "PARAMS")
	for _, sig := range sigs {
		_, _ = fmt.Fprintf(w, "%-60s %s\n", sig, entries[sig])
	}
}
