package source

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
)

// Metric names served by Runtime.
const (
	MetricHeapAllocBytes = "heap_alloc_bytes"
	MetricHeapUsagePct   = "heap_usage_pct"
	MetricGoroutines     = "goroutines"
	MetricGCPauseP95     = "gc_pause_p95_ms"
)

// RuntimeMetrics lists the metric names Runtime can serve.
var RuntimeMetrics = []string{MetricHeapAllocBytes, MetricHeapUsagePct, MetricGoroutines, MetricGCPauseP95}

// Runtime samples the Go runtime of the current process.
type Runtime struct {
	readMem     func(*runtime.MemStats)
	goroutines  func() int
	memoryLimit func() int64
}

// NewRuntime builds a runtime source backed by the live process.
func NewRuntime() *Runtime {
	return &Runtime{
		readMem:     runtime.ReadMemStats,
		goroutines:  runtime.NumGoroutine,
		memoryLimit: func() int64 { return debug.SetMemoryLimit(-1) },
	}
}

// GetCurrentValue implements Source.
func (r *Runtime) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	switch metric {
	case MetricGoroutines:
		return float64(r.goroutines()), nil
	case MetricHeapAllocBytes, MetricHeapUsagePct, MetricGCPauseP95:
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	var ms runtime.MemStats
	r.readMem(&ms)

	switch metric {
	case MetricHeapAllocBytes:
		return float64(ms.HeapAlloc), nil
	case MetricHeapUsagePct:
		return heapUsagePct(ms, r.memoryLimit()), nil
	default:
		return gcPauseP95(ms), nil
	}
}

// heapUsagePct relates live heap to the soft memory limit, or to the heap
// obtained from the OS when no limit is set.
func heapUsagePct(ms runtime.MemStats, limit int64) float64 {
	capacity := float64(ms.HeapSys)
	if limit > 0 && limit < math.MaxInt64 {
		capacity = float64(limit)
	}
	if capacity <= 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / capacity * 100
}

func gcPauseP95(ms runtime.MemStats) float64 {
	n := int(ms.NumGC)
	if n == 0 {
		return 0
	}
	if n > len(ms.PauseNs) {
		n = len(ms.PauseNs)
	}
	pauses := make([]uint64, n)
	copy(pauses, ms.PauseNs[:n])
	sort.Slice(pauses, func(i, j int) bool { return pauses[i] < pauses[j] })
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return float64(pauses[idx]) / 1e6
}

var _ Source = (*Runtime)(nil)
