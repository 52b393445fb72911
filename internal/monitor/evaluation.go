package monitor

import (
	"perfwatch/internal/storage"
	"perfwatch/internal/streak"
)

// Classification is the threshold band a reading falls in.
type Classification string

const (
	ClassNormal   Classification = "normal"
	ClassWarning  Classification = "warning"
	ClassCritical Classification = "critical"
)

// Breach reports whether the reading counts towards a breach streak.
func (c Classification) Breach() bool {
	return c == ClassWarning || c == ClassCritical
}

// Severity maps a breaching classification to the incident severity.
func (c Classification) Severity() storage.Severity {
	if c == ClassCritical {
		return storage.SeverityCritical
	}
	return storage.SeverityWarning
}

// Classify places value against cfg's thresholds (inclusive) and returns the
// threshold that was crossed, or zero for a normal reading.
func Classify(value float64, cfg storage.AlertConfig) (Classification, float64) {
	switch {
	case value >= cfg.CriticalThreshold:
		return ClassCritical, cfg.CriticalThreshold
	case value >= cfg.WarningThreshold:
		return ClassWarning, cfg.WarningThreshold
	default:
		return ClassNormal, 0
	}
}

// Action is what a tick did for one metric.
type Action string

const (
	ActionNone     Action = "none"
	ActionCreated  Action = "created"
	ActionResolved Action = "resolved"
	ActionSkipped  Action = "skipped"
	ActionFailed   Action = "failed"
)

// Evaluation is the per-metric outcome of one tick.
type Evaluation struct {
	Metric         string            `json:"metric"`
	Value          float64           `json:"value"`
	Classification Classification    `json:"classification,omitempty"`
	Streak         streak.State      `json:"streak"`
	Action         Action            `json:"action"`
	Incident       *storage.Incident `json:"incident,omitempty"`
	Err            error             `json:"-"`
}
