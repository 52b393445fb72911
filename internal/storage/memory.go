package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps configs and incidents in process memory. It backs the
// monitor when no database is configured and drives the simulate command.
type MemoryStore struct {
	mu        sync.Mutex
	configs   map[string]AlertConfig
	incidents map[string]Incident
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[string]AlertConfig),
		incidents: make(map[string]Incident),
	}
}

// GetAllEnabled lists enabled configs ordered by metric name.
func (m *MemoryStore) GetAllEnabled(ctx context.Context) ([]AlertConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedConfigs(true), nil
}

// List returns every config ordered by metric name.
func (m *MemoryStore) List(ctx context.Context) ([]AlertConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedConfigs(false), nil
}

func (m *MemoryStore) sortedConfigs(enabledOnly bool) []AlertConfig {
	out := make([]AlertConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		if enabledOnly && !cfg.IsEnabled {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })
	return out
}

// GetByName loads one config.
func (m *MemoryStore) GetByName(ctx context.Context, metric string) (AlertConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[metric]
	if !ok {
		return AlertConfig{}, ErrConfigNotFound
	}
	return cfg, nil
}

// Upsert inserts or replaces one config.
func (m *MemoryStore) Upsert(ctx context.Context, cfg AlertConfig) (AlertConfig, error) {
	cfg = cfg.Normalize()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.MetricName] = cfg
	return cfg, nil
}

// SeedDefaults inserts configs that do not exist yet.
func (m *MemoryStore) SeedDefaults(ctx context.Context, configs []AlertConfig) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	inserted := 0
	for _, cfg := range configs {
		if _, exists := m.configs[cfg.MetricName]; exists {
			continue
		}
		cfg = cfg.Normalize()
		if cfg.UpdatedAt.IsZero() {
			cfg.UpdatedAt = now
		}
		m.configs[cfg.MetricName] = cfg
		inserted++
	}
	return inserted, nil
}

// CreateIncident opens a new active incident, rejecting a second open one for the metric.
func (m *MemoryStore) CreateIncident(ctx context.Context, in NewIncident) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, open := m.openFor(in.MetricName); open {
		return Incident{}, ErrOpenIncidentExists
	}

	triggeredAt := in.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = time.Now().UTC()
	}
	inc := Incident{
		ID:                 uuid.NewString(),
		MetricName:         in.MetricName,
		Severity:           in.Severity,
		TriggerValue:       in.Value,
		ThresholdAtTrigger: in.Threshold,
		TriggeredAt:        triggeredAt,
		Status:             StatusActive,
	}
	m.incidents[inc.ID] = inc
	return cloneIncident(inc), nil
}

// AcknowledgeIncident moves an open incident to acknowledged, refreshing actor and notes.
func (m *MemoryStore) AcknowledgeIncident(ctx context.Context, id, actor, notes string, at time.Time) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}
	if !inc.Status.Open() {
		return Incident{}, ErrIncidentClosed
	}
	inc = acknowledge(inc, actor, notes, at)
	m.incidents[id] = inc
	return cloneIncident(inc), nil
}

// AcknowledgeAllActive acknowledges every active incident and returns the transitioned ones.
func (m *MemoryStore) AcknowledgeAllActive(ctx context.Context, actor string, at time.Time) ([]Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := make([]Incident, 0)
	for id, inc := range m.incidents {
		if inc.Status != StatusActive {
			continue
		}
		inc = acknowledge(inc, actor, "", at)
		m.incidents[id] = inc
		updated = append(updated, cloneIncident(inc))
	}
	sortNewestFirst(updated)
	return updated, nil
}

// ResolveIncident closes an open incident. A resolved incident is never reopened.
func (m *MemoryStore) ResolveIncident(ctx context.Context, id string, autoResolved bool, at time.Time) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}
	if !inc.Status.Open() {
		return Incident{}, ErrIncidentAlreadyResolved
	}
	resolvedAt := at
	inc.Status = StatusResolved
	inc.ResolvedAt = &resolvedAt
	inc.AutoResolved = autoResolved
	m.incidents[id] = inc
	return cloneIncident(inc), nil
}

// GetIncident loads one incident by id.
func (m *MemoryStore) GetIncident(ctx context.Context, id string) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}
	return cloneIncident(inc), nil
}

// GetOpenIncident returns the active or acknowledged incident for a metric, if any.
func (m *MemoryStore) GetOpenIncident(ctx context.Context, metric string) (Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.openFor(metric)
	if !ok {
		return Incident{}, false, nil
	}
	return cloneIncident(inc), true, nil
}

func (m *MemoryStore) openFor(metric string) (Incident, bool) {
	for _, inc := range m.incidents {
		if inc.MetricName == metric && inc.Status.Open() {
			return inc, true
		}
	}
	return Incident{}, false
}

// QueryActive lists open incidents, newest first.
func (m *MemoryStore) QueryActive(ctx context.Context) ([]Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Incident, 0)
	for _, inc := range m.incidents {
		if inc.Status.Open() {
			out = append(out, cloneIncident(inc))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// QueryHistory returns one page of incidents matching filter, newest first.
func (m *MemoryStore) QueryHistory(ctx context.Context, filter HistoryFilter, page Page) (IncidentPage, error) {
	page = page.Normalize()

	m.mu.Lock()
	matched := make([]Incident, 0)
	for _, inc := range m.incidents {
		if matchesFilter(inc, filter) {
			matched = append(matched, cloneIncident(inc))
		}
	}
	m.mu.Unlock()

	sortNewestFirst(matched)
	result := IncidentPage{Total: int64(len(matched)), Page: page.Number, PageSize: page.Size, Items: []Incident{}}
	start := page.Offset()
	if start >= len(matched) {
		return result, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	result.Items = matched[start:end]
	return result, nil
}

func matchesFilter(inc Incident, filter HistoryFilter) bool {
	if filter.MetricName != "" && inc.MetricName != filter.MetricName {
		return false
	}
	if filter.Severity != "" && inc.Severity != filter.Severity {
		return false
	}
	if filter.Status != "" && inc.Status != filter.Status {
		return false
	}
	if filter.AutoResolved != nil && inc.AutoResolved != *filter.AutoResolved {
		return false
	}
	if filter.From != nil && inc.TriggeredAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !inc.TriggeredAt.Before(*filter.To) {
		return false
	}
	return true
}

// QueryFrequency counts incidents per UTC day, metric and severity over the last windowDays.
func (m *MemoryStore) QueryFrequency(ctx context.Context, windowDays int, now time.Time) ([]FrequencyBucket, error) {
	if windowDays < 1 {
		windowDays = 1
	}
	since := dayStart(now).AddDate(0, 0, -(windowDays - 1))

	type key struct {
		day      time.Time
		metric   string
		severity Severity
	}
	counts := make(map[key]int64)

	m.mu.Lock()
	for _, inc := range m.incidents {
		if inc.TriggeredAt.Before(since) {
			continue
		}
		counts[key{day: dayStart(inc.TriggeredAt), metric: inc.MetricName, severity: inc.Severity}]++
	}
	m.mu.Unlock()

	buckets := make([]FrequencyBucket, 0, len(counts))
	for k, count := range counts {
		buckets = append(buckets, FrequencyBucket{Day: k.day, MetricName: k.metric, Severity: k.severity, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		return a.Severity < b.Severity
	})
	return buckets, nil
}

// QuerySummary counts open incidents by severity and status.
func (m *MemoryStore) QuerySummary(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var summary Summary
	for _, inc := range m.incidents {
		if inc.Status.Open() {
			summary.add(inc.Severity, inc.Status, 1)
		}
	}
	return summary, nil
}

// DeleteResolvedBefore hard-deletes resolved incidents closed before cutoff.
func (m *MemoryStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, inc := range m.incidents {
		if inc.Status != StatusResolved || inc.ResolvedAt == nil {
			continue
		}
		if inc.ResolvedAt.Before(cutoff) {
			delete(m.incidents, id)
			deleted++
		}
	}
	return deleted, nil
}

// Insert stores an incident verbatim. It exists for fixtures that need
// back-dated or pre-resolved records and bypasses lifecycle checks.
func (m *MemoryStore) Insert(inc Incident) Incident {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc
	return cloneIncident(inc)
}

func acknowledge(inc Incident, actor, notes string, at time.Time) Incident {
	ackAt := at
	by := actor
	inc.Status = StatusAcknowledged
	inc.AcknowledgedBy = &by
	inc.AcknowledgedAt = &ackAt
	inc.AcknowledgmentNotes = nil
	if notes != "" {
		n := notes
		inc.AcknowledgmentNotes = &n
	}
	return inc
}

func sortNewestFirst(incidents []Incident) {
	sort.Slice(incidents, func(i, j int) bool {
		if incidents[i].TriggeredAt.Equal(incidents[j].TriggeredAt) {
			return incidents[i].ID < incidents[j].ID
		}
		return incidents[i].TriggeredAt.After(incidents[j].TriggeredAt)
	})
}

// cloneIncident copies pointer fields so callers cannot mutate stored state.
func cloneIncident(inc Incident) Incident {
	if inc.AcknowledgedBy != nil {
		v := *inc.AcknowledgedBy
		inc.AcknowledgedBy = &v
	}
	if inc.AcknowledgedAt != nil {
		v := *inc.AcknowledgedAt
		inc.AcknowledgedAt = &v
	}
	if inc.AcknowledgmentNotes != nil {
		v := *inc.AcknowledgmentNotes
		inc.AcknowledgmentNotes = &v
	}
	if inc.ResolvedAt != nil {
		v := *inc.ResolvedAt
		inc.ResolvedAt = &v
	}
	return inc
}

var (
	_ AlertConfigStore = (*MemoryStore)(nil)
	_ IncidentStore    = (*MemoryStore)(nil)
)
