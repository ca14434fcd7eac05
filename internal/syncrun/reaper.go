package syncrun

import (
	"context"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/logger"
)

// Reaper calls Tracker.Reap on a fixed interval.
type Reaper struct {
	tracker *Tracker
}

func NewReaper(t *Tracker) *Reaper {
	return &Reaper{tracker: t}
}

// Run reaps once immediately, then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", interval).Msg("Reaper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.tracker.Reap(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Reaping sync runs failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
