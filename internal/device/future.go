package device

import (
	"context"
	"sync"
	"time"
)

// CallStats are the profiling timestamps of one completed command.
type CallStats struct {
	Queued time.Time
	Start  time.Time
	End    time.Time
}

// Duration is the device execution time (Start to End).
func (s CallStats) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Future is the completion handle of an enqueued command. Exactly one is
// produced per enqueue; the caller owns it and may wait on it or drop it.
type Future interface {
	// Done is closed when the command finished, successfully or not.
	Done() <-chan struct{}
	// Wait blocks until the command finished or ctx is cancelled. Cancelling
	// ctx abandons the wait; the command still runs to completion.
	Wait(ctx context.Context) error
	// Stats returns the profiling timestamps. Zero until Done is closed.
	Stats() CallStats
}

// Completion is a Future that a runtime completes exactly once.
type Completion struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	stats CallStats
	err   error
}

func NewCompletion(queued time.Time) *Completion {
	return &Completion{
		done:  make(chan struct{}),
		stats: CallStats{Queued: queued},
	}
}

// Complete records the outcome. Calls after the first are ignored.
func (c *Completion) Complete(start, end time.Time, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.stats.Start = start
		c.stats.End = end
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) Stats() CallStats {
	select {
	case <-c.done:
	default:
		return CallStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Completed returns a Future that is already done.
func Completed(stats CallStats, err error) Future {
	c := NewCompletion(stats.Queued)
	c.Complete(stats.Start, stats.End, err)
	return c
}

// Join returns a Future that completes when all fs complete. Its stats span
// the earliest start to the latest end; its error is the first non-nil one
// in argument order.
func Join(fs ...Future) Future {
	switch len(fs) {
	case 0:
		now := time.Now()
		return Completed(CallStats{Queued: now, Start: now, End: now}, nil)
	case 1:
		return fs[0]
	}

	joined := NewCompletion(time.Now())
	go func() {
		var (
			stats CallStats
			first error
		)
		for i, f := range fs {
			<-f.Done()
			if err := f.Wait(context.Background()); err != nil && first == nil {
				first = err
			}
			s := f.Stats()
			if i == 0 || s.Start.Before(stats.Start) {
				stats.Start = s.Start
			}
			if s.End.After(stats.End) {
				stats.End = s.End
			}
		}
		joined.Complete(stats.Start, stats.End, first)
	}()
	return joined
}
