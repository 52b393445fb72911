package sweeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"perfwatch/internal/metrics"
	"perfwatch/internal/storage"
)

// DefaultWindow is how long resolved incidents are kept.
const DefaultWindow = 90 * 24 * time.Hour

// Sweeper purges resolved incidents older than the retention window.
// Open incidents are never touched regardless of age.
type Sweeper struct {
	store    storage.IncidentStore
	window   time.Duration
	schedule cron.Schedule
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New parses schedule (standard five-field cron or a descriptor such as @daily).
func New(store storage.IncidentStore, window time.Duration, schedule string, m *metrics.Metrics, logger zerolog.Logger) (*Sweeper, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = "@daily"
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule: %w", err)
	}
	return &Sweeper{
		store:    store,
		window:   window,
		schedule: sched,
		metrics:  m,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Cutoff is the resolution time before which incidents are purged.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	return now.UTC().Add(-s.window)
}

// Start runs SweepOnce on every schedule firing until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next := s.schedule.Next(now)
		s.logger.Debug().Time("next_sweep", next).Msg("waiting for next sweep")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case fired := <-timer.C:
			if _, err := s.SweepOnce(ctx, fired.UTC()); err != nil {
				s.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// SweepOnce deletes resolved incidents whose ResolvedAt precedes now minus the window.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int64, error) {
	cutoff := s.Cutoff(now)
	deleted, err := s.store.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete resolved incidents: %w", err)
	}
	s.metrics.IncidentsSwept(deleted)
	s.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("retention sweep complete")
	return deleted, nil
}

// Preview counts what SweepOnce would delete at now without deleting anything.
func (s *Sweeper) Preview(ctx context.Context, now time.Time) (int64, error) {
	cutoff := s.Cutoff(now)
	// an incident resolved before the cutoff was also triggered before it
	filter := storage.HistoryFilter{Status: storage.StatusResolved, To: &cutoff}

	var count int64
	for page := 1; ; page++ {
		res, err := s.store.QueryHistory(ctx, filter, storage.Page{Number: page, Size: storage.MaxPageSize})
		if err != nil {
			return 0, fmt.Errorf("scan resolved incidents: %w", err)
		}
		for _, inc := range res.Items {
			if inc.ResolvedAt != nil && inc.ResolvedAt.Before(cutoff) {
				count++
			}
		}
		if len(res.Items) < storage.MaxPageSize {
			return count, nil
		}
	}
}
