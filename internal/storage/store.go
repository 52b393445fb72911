package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"perfwatch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrIncidentNotFound is returned for unknown incident ids.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrIncidentClosed is returned when mutating a resolved incident.
	ErrIncidentClosed = errors.New("cannot acknowledge a closed incident")
	// ErrIncidentAlreadyResolved is returned when resolving a resolved incident.
	// It matches ErrIncidentClosed under errors.Is.
	ErrIncidentAlreadyResolved error = closedError{"incident already resolved"}
	// ErrOpenIncidentExists guards the one-open-incident-per-metric rule.
	ErrOpenIncidentExists = errors.New("an open incident already exists for this metric")
	// ErrConfigNotFound is returned for unknown metric names.
	ErrConfigNotFound = errors.New("alert config not found")
)

type closedError struct{ msg string }

func (e closedError) Error() string { return e.msg }

func (e closedError) Is(target error) bool { return target == ErrIncidentClosed }

// AlertConfigStore persists per-metric thresholds.
type AlertConfigStore interface {
	GetAllEnabled(ctx context.Context) ([]AlertConfig, error)
	GetByName(ctx context.Context, metric string) (AlertConfig, error)
	List(ctx context.Context) ([]AlertConfig, error)
	Upsert(ctx context.Context, cfg AlertConfig) (AlertConfig, error)
	SeedDefaults(ctx context.Context, configs []AlertConfig) (int, error)
}

// IncidentStore persists incidents and enforces their lifecycle transitions.
type IncidentStore interface {
	CreateIncident(ctx context.Context, in NewIncident) (Incident, error)
	AcknowledgeIncident(ctx context.Context, id, actor, notes string, at time.Time) (Incident, error)
	AcknowledgeAllActive(ctx context.Context, actor string, at time.Time) ([]Incident, error)
	ResolveIncident(ctx context.Context, id string, autoResolved bool, at time.Time) (Incident, error)
	GetIncident(ctx context.Context, id string) (Incident, error)
	GetOpenIncident(ctx context.Context, metric string) (Incident, bool, error)
	QueryActive(ctx context.Context) ([]Incident, error)
	QueryHistory(ctx context.Context, filter HistoryFilter, page Page) (IncidentPage, error)
	QueryFrequency(ctx context.Context, windowDays int, now time.Time) ([]FrequencyBucket, error)
	QuerySummary(ctx context.Context) (Summary, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
