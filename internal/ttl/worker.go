package ttl

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Sweeper removes expired state and reports how many items it dropped.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc func(ctx context.Context) (int64, error)

func (f SweepFunc) Sweep(ctx context.Context) (int64, error) { return f(ctx) }

// Job is a named sweeper.
type Job struct {
	Name    string
	Sweeper Sweeper
}

// Start launches a periodic housekeeping loop that runs every job on each tick.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, jobs ...Job) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunOnce(ctx, logger, jobs...)
		}
	}
}

// RunOnce runs every job once. A failing job does not stop the others.
func RunOnce(ctx context.Context, logger *log.Logger, jobs ...Job) {
	for _, job := range jobs {
		n, err := job.Sweeper.Sweep(ctx)
		if err != nil {
			logger.Warn("ttl sweep failed", "job", job.Name, "error", err)
			continue
		}
		if n > 0 {
			logger.Debug("ttl sweep removed expired entries", "job", job.Name, "count", n)
		}
	}
}
