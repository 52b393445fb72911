package storage

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies how far a reading exceeded its thresholds.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts the textual severity used on the CLI and in storage.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityWarning:
		return SeverityWarning, nil
	case SeverityCritical:
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

// Status is the lifecycle position of an incident.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// ParseStatus accepts the textual status used on the CLI and in storage.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, nil
	case StatusAcknowledged:
		return StatusAcknowledged, nil
	case StatusResolved:
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// Open reports whether the status still counts against the one-open-incident rule.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusAcknowledged
}

const (
	DefaultBreachesRequired = 2
	DefaultNormalRequired   = 3
)

// AlertConfig holds the thresholds and hysteresis settings for one metric.
type AlertConfig struct {
	MetricName                  string    `json:"metric_name"`
	WarningThreshold            float64   `json:"warning_threshold"`
	CriticalThreshold           float64   `json:"critical_threshold"`
	IsEnabled                   bool      `json:"is_enabled"`
	ConsecutiveBreachesRequired int       `json:"consecutive_breaches_required"`
	ConsecutiveNormalRequired   int       `json:"consecutive_normal_required"`
	UpdatedAt                   time.Time `json:"updated_at"`
}

// Normalize fills zero streak requirements with the defaults.
func (c AlertConfig) Normalize() AlertConfig {
	if c.ConsecutiveBreachesRequired < 1 {
		c.ConsecutiveBreachesRequired = DefaultBreachesRequired
	}
	if c.ConsecutiveNormalRequired < 1 {
		c.ConsecutiveNormalRequired = DefaultNormalRequired
	}
	return c
}

// Incident is one sustained breach episode for a metric.
type Incident struct {
	ID                  string     `json:"id"`
	MetricName          string     `json:"metric_name"`
	Severity            Severity   `json:"severity"`
	TriggerValue        float64    `json:"trigger_value"`
	ThresholdAtTrigger  float64    `json:"threshold_at_trigger"`
	TriggeredAt         time.Time  `json:"triggered_at"`
	Status              Status     `json:"status"`
	AcknowledgedBy      *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt      *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgmentNotes *string    `json:"acknowledgment_notes,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
	AutoResolved        bool       `json:"auto_resolved"`
}

// NewIncident carries the trigger-time snapshot used to open an incident.
type NewIncident struct {
	MetricName  string
	Severity    Severity
	Value       float64
	Threshold   float64
	TriggeredAt time.Time
}

// HistoryFilter narrows incident history queries. Zero values match everything.
type HistoryFilter struct {
	MetricName   string
	Severity     Severity
	Status       Status
	AutoResolved *bool
	From         *time.Time
	To           *time.Time
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page selects a 1-based page of results.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps page parameters into the supported range.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows skipped before this page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// IncidentPage is one page of history plus the unpaginated total.
type IncidentPage struct {
	Items    []Incident `json:"items"`
	Total    int64      `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// FrequencyBucket counts incidents triggered on one UTC day.
type FrequencyBucket struct {
	Day        time.Time `json:"day"`
	MetricName string    `json:"metric_name"`
	Severity   Severity  `json:"severity"`
	Count      int64     `json:"count"`
}

// Summary counts open incidents for dashboard badges.
type Summary struct {
	Warning      int64 `json:"warning"`
	Critical     int64 `json:"critical"`
	Active       int64 `json:"active"`
	Acknowledged int64 `json:"acknowledged"`
	Total        int64 `json:"total"`
}

func (s *Summary) add(severity Severity, status Status, count int64) {
	switch severity {
	case SeverityWarning:
		s.Warning += count
	case SeverityCritical:
		s.Critical += count
	}
	switch status {
	case StatusActive:
		s.Active += count
	case StatusAcknowledged:
		s.Acknowledged += count
	}
	s.Total += count
}

// DefaultAlertConfigs returns the thresholds seeded on first run.
func DefaultAlertConfigs() []AlertConfig {
	defaults := []AlertConfig{
		{MetricName: "p95_latency_ms", WarningThreshold: 200, CriticalThreshold: 500},
		{MetricName: "error_rate_pct", WarningThreshold: 1, CriticalThreshold: 5},
		{MetricName: "heap_usage_pct", WarningThreshold: 75, CriticalThreshold: 90},
		{MetricName: "goroutines", WarningThreshold: 5000, CriticalThreshold: 20000},
		{MetricName: "db_pool_acquire_wait_ms", WarningThreshold: 50, CriticalThreshold: 250},
	}
	for i := range defaults {
		defaults[i].IsEnabled = true
		defaults[i] = defaults[i].Normalize()
	}
	return defaults
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
