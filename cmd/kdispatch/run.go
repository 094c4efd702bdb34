package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/ops"
)

func runCmd() *cli.Command {
	var (
		opName    string
		shapeText string
		block     int64
		repeat    int64
		printOut  bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run an operator once on a ramp input and report the result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "op",
				Usage:       "operator (" + strings.Join(ops.Names(), ", ") + ")",
				Value:       ops.SpaceToDepthName,
				Destination: &opName,
			},
			&cli.StringFlag{
				Name:        "shape",
				Aliases:     []string{"s"},
				Usage:       "input shape n,h,w,c",
				Required:    true,
				Destination: &shapeText,
			},
			&cli.Int64Flag{
				Name:        "block",
				Aliases:     []string{"b"},
				Usage:       "block size",
				Value:       2,
				Destination: &block,
			},
			&cli.Int64Flag{
				Name:        "repeat",
				Aliases:     []string{"n"},
				Usage:       "number of executions; timings are averaged",
				Value:       1,
				Destination: &repeat,
			},
			&cli.BoolFlag{
				Name:        "print",
				Usage:       "print the output tensor",
				Destination: &printOut,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			shape, err := layout.ParseShape(shapeText)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			s, err := openSession(ctx, tuningEnabled)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open device: %v", err), 1)
			}
			defer s.Close()

			op, err := ops.New(s.env, opName, int(block))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer op.Close()

			var (
				res   ops.Result
				total time.Duration
			)
			runs := max(repeat, 1)
			for range runs {
				res, err = ops.Apply(ctx, s.env, op, shape, nil)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", opName, err), 1)
				}
				total += res.Stats.Duration()
			}

			fmt.Printf("op:      %s (block %d)\n", opName, block)
			fmt.Printf("device:  %s\n", s.rt.Info().Identity())
			fmt.Printf("input:   %v\n", shape)
			fmt.Printf("output:  %v\n", res.Shape)
			fmt.Printf("time:    %v (mean of %d)\n", total/time.Duration(runs), runs)
			if printOut {
				printTensor(os.Stdout, res.Shape, res.Data)
			}
			return nil
		},
	}
}

// printTensor writes one line per (n, h, w) position with its channels.
func printTensor(w io.Writer, shape layout.Shape, data []float32) {
	c := shape.Channels()
	for n := range shape.Batch() {
		for y := range shape.Height() {
			for x := range shape.Width() {
				base := ((n*shape.Height()+y)*shape.Width() + x) * c
				_, _ = fmt.Fprintf(w, "[%d,%d,%d] %v\n", n, y, x, data[base:base+c])
			}
		}
	}
}
