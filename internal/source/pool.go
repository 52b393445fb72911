package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Metric names served by PoolStats.
const (
	MetricPoolAcquireWaitMs = "db_pool_acquire_wait_ms"
	MetricPoolAcquired      = "db_pool_acquired_conns"
	MetricPoolIdle          = "db_pool_idle_conns"
	MetricPoolUtilization   = "db_pool_utilization_pct"
)

// PoolMetrics lists the metric names PoolStats can serve.
var PoolMetrics = []string{MetricPoolAcquireWaitMs, MetricPoolAcquired, MetricPoolIdle, MetricPoolUtilization}

// StatProvider is satisfied by *pgxpool.Pool and the storage layer.
type StatProvider interface {
	Stat() *pgxpool.Stat
}

type poolSnapshot struct {
	acquired        int32
	idle            int32
	max             int32
	acquireCount    int64
	acquireDuration float64 // milliseconds
}

// PoolStats samples connection pool health.
type PoolStats struct {
	pool StatProvider
}

// NewPoolStats wraps a pool.
func NewPoolStats(pool StatProvider) *PoolStats {
	return &PoolStats{pool: pool}
}

// GetCurrentValue implements Source.
func (p *PoolStats) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	if p.pool == nil {
		return 0, errors.New("database pool not configured")
	}
	stat := p.pool.Stat()
	if stat == nil {
		return 0, errors.New("database pool returned no stats")
	}
	return poolValue(metric, poolSnapshot{
		acquired:        stat.AcquiredConns(),
		idle:            stat.IdleConns(),
		max:             stat.MaxConns(),
		acquireCount:    stat.AcquireCount(),
		acquireDuration: float64(stat.AcquireDuration().Microseconds()) / 1000,
	})
}

func poolValue(metric string, s poolSnapshot) (float64, error) {
	switch metric {
	case MetricPoolAcquireWaitMs:
		if s.acquireCount == 0 {
			return 0, nil
		}
		return s.acquireDuration / float64(s.acquireCount), nil
	case MetricPoolAcquired:
		return float64(s.acquired), nil
	case MetricPoolIdle:
		return float64(s.idle), nil
	case MetricPoolUtilization:
		if s.max == 0 {
			return 0, nil
		}
		return float64(s.acquired) / float64(s.max) * 100, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
}

var _ Source = (*PoolStats)(nil)
