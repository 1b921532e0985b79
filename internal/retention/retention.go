// Package retention periodically evicts finished downloads that have
// outlived their retention window.
package retention

import (
	"context"
	"time"

	"github.com/ripqueue/ripqueue/internal/logctx"
)

// Purger removes finished items older than the window. The queue
// engine implements it.
type Purger interface {
	PurgeExpired(ctx context.Context, window time.Duration, deleteFiles bool) (int, error)
}

// Sweeper runs the retention policy on a fixed interval.
type Sweeper struct {
	purger      Purger
	window      time.Duration
	interval    time.Duration
	deleteFiles bool
}

func NewSweeper(purger Purger, window, interval time.Duration, deleteFiles bool) *Sweeper {
	return &Sweeper{
		purger:      purger,
		window:      window,
		interval:    interval,
		deleteFiles: deleteFiles,
	}
}

// Run sweeps once immediately, then on every tick until the context is
// canceled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("retention sweeper started",
		"window", s.window.String(), "interval", s.interval.String(), "delete_files", s.deleteFiles)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("retention sweeper stopped")

			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.purger.PurgeExpired(ctx, s.window, s.deleteFiles); err != nil {
		logctx.LoggerFromContext(ctx).Error("retention sweep failed", "err", err)
	}
}
