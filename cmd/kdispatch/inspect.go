package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kdispatch/internal/backend"
	"github.com/samcharles93/kdispatch/internal/device"
)

func inspectCmd() *cli.Command {
	var showTuning bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the selected device and its recorded tuning results",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "tuning",
				Usage:       "also list the recorded tuning results",
				Value:       true,
				Destination: &showTuning,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(ctx, false)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open device: %v", err), 1)
			}
			defer s.Close()

			writeDeviceInfo(os.Stdout, s.rt.Info())
			fmt.Printf("backends:        %s\n", backend.Available())
			if showTuning {
				fmt.Println()
				writeTuningTable(os.Stdout, s.env.Tuner.Store)
			}
			return nil
		},
	}
}

func writeDeviceInfo(w io.Writer, info device.Info) {
	_, _ = fmt.Fprintf(w, "identity:        %s\n", info.Identity())
	_, _ = fmt.Fprintf(w, "name:            %s\n", info.Name)
	_, _ = fmt.Fprintf(w, "vendor:          %s\n", info.Vendor)
	_, _ = fmt.Fprintf(w, "backend:         %s\n", info.Backend)
	_, _ = fmt.Fprintf(w, "compute units:   %d\n", info.ComputeUnits)
	_, _ = fmt.Fprintf(w, "work-group size: %s (items %s)\n", humanize.Comma(int64(info.MaxWorkGroupSize)), info.MaxWorkItemSizes)
	_, _ = fmt.Fprintf(w, "cache:           %s\n", humanize.Bytes(info.GlobalMemCacheSize))
	_, _ = fmt.Fprintf(w, "image limits:    %s x %s\n", humanize.Comma(int64(info.MaxImageWidth)), humanize.Comma(int64(info.MaxImageHeight)))
	_, _ = fmt.Fprintf(w, "non-uniform:     %t\n", info.NonUniformWorkGroups)
}
