package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samcharles93/kdispatch/internal/logger"
)

const (
	DefaultWarmup = 2
	DefaultRuns   = 10
)

// Request describes one selection.
type Request struct {
	// Signature identifies the kernel launch; see Key.
	Signature string
	// Default is returned when tuning is disabled and nothing is recorded.
	Default Params
	// Candidates are tried in order. Ties keep the earlier candidate.
	Candidates []Params
	// Run executes the kernel once with p and returns its device time.
	Run func(ctx context.Context, p Params) (time.Duration, error)
	// Finalize, if set, adjusts the winner using its mean device time.
	Finalize func(best Params, mean time.Duration) Params
}

// Tuner picks launch parameters. With Enabled false it never runs trials.
type Tuner struct {
	Enabled bool
	Warmup  int
	Runs    int
	Store   Store
	Log     logger.Logger
}

func New(store Store, enabled bool) *Tuner {
	return &Tuner{
		Enabled: enabled,
		Warmup:  DefaultWarmup,
		Runs:    DefaultRuns,
		Store:   store,
	}
}

// Select returns the recorded result for the signature if any, the default
// when tuning is disabled, and otherwise times every candidate and records
// the one with the lowest mean.
func (t *Tuner) Select(ctx context.Context, req Request) (Params, error) {
	if t.Store != nil {
		if p, ok := t.Store.Lookup(req.Signature); ok {
			return p, nil
		}
	}
	if !t.Enabled || req.Run == nil || len(req.Candidates) == 0 {
		return req.Default, nil
	}

	runs := t.Runs
	if runs < 1 {
		runs = 1
	}
	warmup := max(t.Warmup, 0)

	var (
		best     Params
		bestMean time.Duration
		found    bool
		lastErr  error
	)
	for _, cand := range req.Candidates {
		mean, err := t.measure(ctx, req, cand, warmup, runs)
		if err != nil {
			if ctx.Err() != nil {
				return Params{}, ctx.Err()
			}
			t.log().Debug("tuning candidate failed", "signature", req.Signature, "params", cand.String(), "error", err)
			lastErr = err
			continue
		}
		if log := t.log(); log.Enabled(slog.LevelDebug) {
			log.Debug("tuning candidate", "signature", req.Signature, "params", cand.String(), "mean", mean)
		}
		if !found || mean < bestMean {
			best, bestMean, found = cand, mean, true
		}
	}
	if !found {
		return Params{}, fmt.Errorf("tune %s: every candidate failed: %w", req.Signature, lastErr)
	}
	if req.Finalize != nil {
		best = req.Finalize(best, bestMean)
	}

	if t.Store != nil {
		t.Store.Record(req.Signature, best)
	}
	t.log().Debug("tuned kernel",
		"signature", req.Signature,
		"params", best.String(),
		"mean", bestMean,
		"candidates", len(req.Candidates),
	)
	return best, nil
}

func (t *Tuner) measure(ctx context.Context, req Request, p Params, warmup, runs int) (time.Duration, error) {
	for range warmup {
		if _, err := req.Run(ctx, p); err != nil {
			return 0, err
		}
	}
	var total time.Duration
	for range runs {
		d, err := req.Run(ctx, p)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total / time.Duration(runs), nil
}

func (t *Tuner) log() logger.Logger {
	return logger.OrDiscard(t.Log)
}
