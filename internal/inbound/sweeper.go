package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper removes archive entries older than a retention window. Error
// entries are never swept.
type Sweeper struct {
	store   MessageStore
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewSweeper(store MessageStore, logger zerolog.Logger, m *Metrics) *Sweeper {
	return &Sweeper{
		store:   store,
		logger:  logger.With().Str("component", "hl7-sweeper").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Sweep deletes archive entries archived more than maxAge ago. A maxAge of
// zero or less disables retention and deletes nothing.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge)
	n, err := s.store.PurgeArchivedBefore(ctx, cutoff)
	if err != nil {
		s.metrics.storeError()
		return 0, fmt.Errorf("purge archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.metrics.purged(n)
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("archive retention sweep")
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		s.logger.Info().Msg("archive retention disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx, maxAge); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("archive retention sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
