package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownMetric is returned when no provider serves the requested metric.
var ErrUnknownMetric = errors.New("unknown metric")

// Source reads the current value of a named metric.
type Source interface {
	GetCurrentValue(ctx context.Context, metric string) (float64, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context, metric string) (float64, error)

// GetCurrentValue implements Source.
func (f SourceFunc) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	return f(ctx, metric)
}

// Resolver binds the metric sources on demand. The monitor calls it on its
// first tick rather than at construction.
type Resolver interface {
	Resolve(ctx context.Context) (Source, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context) (Source, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context) (Source, error) {
	return f(ctx)
}

// StaticResolver returns a resolver that always yields src.
func StaticResolver(src Source) Resolver {
	return ResolverFunc(func(context.Context) (Source, error) { return src, nil })
}

// Registry dispatches reads to the provider registered for each metric.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register maps one or more metric names to src. Later registrations win.
func (r *Registry) Register(src Source, metrics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range metrics {
		r.sources[m] = src
	}
}

// Lookup returns the provider for metric.
func (r *Registry) Lookup(metric string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[metric]
	return src, ok
}

// Names lists registered metrics in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCurrentValue implements Source.
func (r *Registry) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	src, ok := r.Lookup(metric)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	return src.GetCurrentValue(ctx, metric)
}

var _ Source = (*Registry)(nil)
