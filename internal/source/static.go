package source

import (
	"context"
	"fmt"
	"sync"
)

// Static serves values set by the caller. The simulate command and tests
// drive the monitor through it.
type Static struct {
	mu     sync.Mutex
	values map[string]float64
	errs   map[string]error
}

// NewStatic returns a Static source seeded with values.
func NewStatic(values map[string]float64) *Static {
	s := &Static{values: make(map[string]float64), errs: make(map[string]error)}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Set stores the next value for metric and clears any pending error.
func (s *Static) Set(metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[metric] = value
	delete(s.errs, metric)
}

// Fail makes reads of metric return err until the next Set.
func (s *Static) Fail(metric string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[metric] = err
}

// GetCurrentValue implements Source.
func (s *Static) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[metric]; ok {
		return 0, err
	}
	v, ok := s.values[metric]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	return v, nil
}

var _ Source = (*Static)(nil)
