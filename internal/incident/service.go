// Package incident is the operator-facing query and command surface over
// incidents and alert configurations.
package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perfwatch/internal/metrics"
	"perfwatch/internal/notify"
	"perfwatch/internal/storage"
)

// ErrInvalidInput wraps validation failures on operator commands.
var ErrInvalidInput = errors.New("invalid input")

// Service serves operator reads and writes concurrently with the monitor.
type Service struct {
	configs   storage.AlertConfigStore
	incidents storage.IncidentStore
	publisher notify.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the surface. publisher and m may be nil.
func NewService(configs storage.AlertConfigStore, incidents storage.IncidentStore, publisher notify.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Service{
		configs:   configs,
		incidents: incidents,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With().Str("component", "incident_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Active lists open incidents, newest first.
func (s *Service) Active(ctx context.Context) ([]storage.Incident, error) {
	return s.incidents.QueryActive(ctx)
}

// History pages through incidents matching filter.
func (s *Service) History(ctx context.Context, filter storage.HistoryFilter, page storage.Page) (storage.IncidentPage, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return storage.IncidentPage{}, fmt.Errorf("%w: date range end precedes start", ErrInvalidInput)
	}
	return s.incidents.QueryHistory(ctx, filter, page)
}

// AutoRecoveries pages through incidents the monitor resolved on its own.
func (s *Service) AutoRecoveries(ctx context.Context, filter storage.HistoryFilter, page storage.Page) (storage.IncidentPage, error) {
	auto := true
	filter.Status = storage.StatusResolved
	filter.AutoResolved = &auto
	return s.History(ctx, filter, page)
}

// Frequency aggregates incident counts per day over the last days.
func (s *Service) Frequency(ctx context.Context, days int) ([]storage.FrequencyBucket, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days must be at least 1", ErrInvalidInput)
	}
	return s.incidents.QueryFrequency(ctx, days, s.now())
}

// Summary counts open incidents by severity.
func (s *Service) Summary(ctx context.Context) (storage.Summary, error) {
	return s.incidents.QuerySummary(ctx)
}

// Get loads one incident.
func (s *Service) Get(ctx context.Context, id string) (storage.Incident, error) {
	return s.incidents.GetIncident(ctx, strings.TrimSpace(id))
}

// Acknowledge marks one incident as seen by actor. Repeating it refreshes
// actor and notes; a resolved incident is rejected.
func (s *Service) Acknowledge(ctx context.Context, id, actor, notes string) (storage.Incident, error) {
	id, actor = strings.TrimSpace(id), strings.TrimSpace(actor)
	if id == "" {
		return storage.Incident{}, fmt.Errorf("%w: incident id is required", ErrInvalidInput)
	}
	if actor == "" {
		return storage.Incident{}, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}

	inc, err := s.incidents.AcknowledgeIncident(ctx, id, actor, strings.TrimSpace(notes), s.now())
	if err != nil {
		return storage.Incident{}, err
	}

	s.metrics.IncidentsAcknowledged(1)
	s.publisher.Publish(notify.Event{Type: notify.IncidentAcknowledged, Incident: inc})
	s.logger.Info().Str("incident_id", inc.ID).Str("actor", actor).Msg("incident acknowledged")
	return inc, nil
}

// AcknowledgeAll acknowledges every active incident and returns how many moved.
func (s *Service) AcknowledgeAll(ctx context.Context, actor string) (int, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return 0, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}

	updated, err := s.incidents.AcknowledgeAllActive(ctx, actor, s.now())
	if err != nil {
		return 0, err
	}
	for _, inc := range updated {
		s.publisher.Publish(notify.Event{Type: notify.IncidentAcknowledged, Incident: inc})
	}
	s.metrics.IncidentsAcknowledged(len(updated))
	s.logger.Info().Int("count", len(updated)).Str("actor", actor).Msg("active incidents acknowledged")
	return len(updated), nil
}

// Configs lists every alert configuration.
func (s *Service) Configs(ctx context.Context) ([]storage.AlertConfig, error) {
	return s.configs.List(ctx)
}

// ConfigUpdate carries the fields to change; nil leaves a field untouched.
type ConfigUpdate struct {
	Warning  *float64
	Critical *float64
	Breaches *int
	Normal   *int
	Enabled  *bool
}

// UpdateConfig applies update to metric, creating the config when absent.
func (s *Service) UpdateConfig(ctx context.Context, metric string, update ConfigUpdate) (storage.AlertConfig, error) {
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return storage.AlertConfig{}, fmt.Errorf("%w: metric name is required", ErrInvalidInput)
	}

	cfg, err := s.configs.GetByName(ctx, metric)
	switch {
	case errors.Is(err, storage.ErrConfigNotFound):
		if update.Warning == nil || update.Critical == nil {
			return storage.AlertConfig{}, fmt.Errorf("%w: new config %s needs warning and critical thresholds", ErrInvalidInput, metric)
		}
		cfg = storage.AlertConfig{MetricName: metric, IsEnabled: true}.Normalize()
	case err != nil:
		return storage.AlertConfig{}, err
	}

	if update.Warning != nil {
		cfg.WarningThreshold = *update.Warning
	}
	if update.Critical != nil {
		cfg.CriticalThreshold = *update.Critical
	}
	if update.Breaches != nil {
		cfg.ConsecutiveBreachesRequired = *update.Breaches
	}
	if update.Normal != nil {
		cfg.ConsecutiveNormalRequired = *update.Normal
	}
	if update.Enabled != nil {
		cfg.IsEnabled = *update.Enabled
	}

	if err := validateConfig(cfg); err != nil {
		return storage.AlertConfig{}, err
	}
	if cfg.CriticalThreshold < cfg.WarningThreshold {
		s.logger.Warn().
			Str("metric", metric).
			Float64("warning", cfg.WarningThreshold).
			Float64("critical", cfg.CriticalThreshold).
			Msg("critical threshold below warning; critical readings will always win")
	}

	cfg.UpdatedAt = s.now()
	saved, err := s.configs.Upsert(ctx, cfg)
	if err != nil {
		return storage.AlertConfig{}, err
	}
	s.logger.Info().Str("metric", metric).Bool("enabled", saved.IsEnabled).Msg("alert config updated")
	return saved, nil
}

// SetEnabled toggles monitoring for an existing metric.
func (s *Service) SetEnabled(ctx context.Context, metric string, enabled bool) (storage.AlertConfig, error) {
	if _, err := s.configs.GetByName(ctx, strings.TrimSpace(metric)); err != nil {
		return storage.AlertConfig{}, err
	}
	return s.UpdateConfig(ctx, metric, ConfigUpdate{Enabled: &enabled})
}

func validateConfig(cfg storage.AlertConfig) error {
	if cfg.WarningThreshold < 0 {
		return fmt.Errorf("%w: warning threshold cannot be negative", ErrInvalidInput)
	}
	if cfg.ConsecutiveBreachesRequired < 1 {
		return fmt.Errorf("%w: consecutive breaches required must be at least 1", ErrInvalidInput)
	}
	if cfg.ConsecutiveNormalRequired < 1 {
		return fmt.Errorf("%w: consecutive normal readings required must be at least 1", ErrInvalidInput)
	}
	return nil
}
