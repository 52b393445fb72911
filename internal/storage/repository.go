package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

const (
	configColumns = `metric_name,
        warning_threshold::text,
        critical_threshold::text,
        is_enabled,
        consecutive_breaches_required,
        consecutive_normal_required,
        updated_at`

	incidentColumns = `id::text,
        metric_name,
        severity,
        trigger_value::text,
        threshold_at_trigger::text,
        triggered_at,
        status,
        acknowledged_by,
        acknowledged_at,
        acknowledgment_notes,
        resolved_at,
        auto_resolved`

	listEnabledConfigsSQL = `SELECT ` + configColumns + `
    FROM alert_configs
    WHERE is_enabled
    ORDER BY metric_name;`

	listConfigsSQL = `SELECT ` + configColumns + `
    FROM alert_configs
    ORDER BY metric_name;`

	getConfigSQL = `SELECT ` + configColumns + `
    FROM alert_configs
    WHERE metric_name = $1;`

	upsertConfigSQL = `INSERT INTO alert_configs (
        metric_name,
        warning_threshold,
        critical_threshold,
        is_enabled,
        consecutive_breaches_required,
        consecutive_normal_required,
        updated_at
    ) VALUES (
        $1,$2::numeric,$3::numeric,$4,$5,$6,$7
    )
    ON CONFLICT (metric_name) DO UPDATE
    SET
        warning_threshold             = EXCLUDED.warning_threshold,
        critical_threshold            = EXCLUDED.critical_threshold,
        is_enabled                    = EXCLUDED.is_enabled,
        consecutive_breaches_required = EXCLUDED.consecutive_breaches_required,
        consecutive_normal_required   = EXCLUDED.consecutive_normal_required,
        updated_at                    = EXCLUDED.updated_at
    RETURNING ` + configColumns + `;`

	seedConfigSQL = `INSERT INTO alert_configs (
        metric_name,
        warning_threshold,
        critical_threshold,
        is_enabled,
        consecutive_breaches_required,
        consecutive_normal_required,
        updated_at
    ) VALUES (
        $1,$2::numeric,$3::numeric,$4,$5,$6,$7
    )
    ON CONFLICT (metric_name) DO NOTHING;`

	insertIncidentSQL = `INSERT INTO incidents (
        id,
        metric_name,
        severity,
        trigger_value,
        threshold_at_trigger,
        triggered_at,
        status,
        auto_resolved
    ) VALUES (
        $1::uuid,$2,$3,$4::numeric,$5::numeric,$6,'active',FALSE
    )
    RETURNING ` + incidentColumns + `;`

	acknowledgeIncidentSQL = `UPDATE incidents
    SET status = 'acknowledged',
        acknowledged_by = $2,
        acknowledged_at = $3,
        acknowledgment_notes = NULLIF($4, '')
    WHERE id = $1::uuid
      AND status IN ('active', 'acknowledged')
    RETURNING ` + incidentColumns + `;`

	acknowledgeAllActiveSQL = `UPDATE incidents
    SET status = 'acknowledged',
        acknowledged_by = $1,
        acknowledged_at = $2
    WHERE status = 'active'
    RETURNING ` + incidentColumns + `;`

	resolveIncidentSQL = `UPDATE incidents
    SET status = 'resolved',
        resolved_at = $2,
        auto_resolved = $3
    WHERE id = $1::uuid
      AND status IN ('active', 'acknowledged')
    RETURNING ` + incidentColumns + `;`

	getIncidentSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    WHERE id = $1::uuid;`

	getOpenIncidentSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    WHERE metric_name = $1
      AND status IN ('active', 'acknowledged')
    LIMIT 1;`

	listActiveSQL = `SELECT ` + incidentColumns + `
    FROM incidents
    WHERE status IN ('active', 'acknowledged')
    ORDER BY triggered_at DESC;`

	frequencySQL = `SELECT
        date_trunc('day', triggered_at AT TIME ZONE 'UTC') AS day,
        metric_name,
        severity,
        COUNT(*)
    FROM incidents
    WHERE triggered_at >= $1
    GROUP BY 1, 2, 3
    ORDER BY 1, 2, 3;`

	summarySQL = `SELECT severity, status, COUNT(*)
    FROM incidents
    WHERE status IN ('active', 'acknowledged')
    GROUP BY severity, status;`

	deleteResolvedBeforeSQL = `DELETE FROM incidents
    WHERE status = 'resolved'
      AND resolved_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists alert configs and incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Stat exposes pool statistics for the pool metric source.
func (s *Store) Stat() *pgxpool.Stat {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Stat()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetAllEnabled lists the configs evaluated on every tick.
func (s *Store) GetAllEnabled(ctx context.Context) ([]AlertConfig, error) {
	return s.listConfigs(ctx, listEnabledConfigsSQL)
}

// List returns every config including disabled ones.
func (s *Store) List(ctx context.Context) ([]AlertConfig, error) {
	return s.listConfigs(ctx, listConfigsSQL)
}

func (s *Store) listConfigs(ctx context.Context, query string) ([]AlertConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert configs: %w", queryErr)
	}
	defer rows.Close()

	configs := make([]AlertConfig, 0)
	for rows.Next() {
		cfg, scanErr := scanConfig(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		configs = append(configs, cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

// GetByName loads one config.
func (s *Store) GetByName(ctx context.Context, metric string) (AlertConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertConfig{}, err
	}
	cfg, scanErr := scanConfig(pool.QueryRow(ctx, getConfigSQL, metric))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertConfig{}, ErrConfigNotFound
	}
	if scanErr != nil {
		return AlertConfig{}, fmt.Errorf("get alert config: %w", scanErr)
	}
	return cfg, nil
}

// Upsert inserts or replaces one config.
func (s *Store) Upsert(ctx context.Context, cfg AlertConfig) (AlertConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertConfig{}, err
	}
	cfg = cfg.Normalize()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}

	saved, scanErr := scanConfig(pool.QueryRow(ctx, upsertConfigSQL, configArgs(cfg)...))
	if scanErr != nil {
		return AlertConfig{}, fmt.Errorf("upsert alert config: %w", scanErr)
	}
	return saved, nil
}

// SeedDefaults inserts configs that do not exist yet and reports how many were added.
func (s *Store) SeedDefaults(ctx context.Context, configs []AlertConfig) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	inserted := 0
	now := time.Now().UTC()
	for _, cfg := range configs {
		cfg = cfg.Normalize()
		if cfg.UpdatedAt.IsZero() {
			cfg.UpdatedAt = now
		}
		tag, execErr := pool.Exec(ctx, seedConfigSQL, configArgs(cfg)...)
		if execErr != nil {
			return inserted, fmt.Errorf("seed alert config %s: %w", cfg.MetricName, execErr)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CreateIncident opens a new active incident, rejecting a second open one for the metric.
func (s *Store) CreateIncident(ctx context.Context, in NewIncident) (Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return Incident{}, err
	}

	triggeredAt := in.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = time.Now().UTC()
	}

	row := pool.QueryRow(ctx, insertIncidentSQL,
		uuid.NewString(),
		in.MetricName,
		string(in.Severity),
		decimal.NewFromFloat(in.Value).String(),
		decimal.NewFromFloat(in.Threshold).String(),
		triggeredAt,
	)
	inc, scanErr := scanIncident(row)
	if scanErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == uniqueViolation {
			return Incident{}, ErrOpenIncidentExists
		}
		return Incident{}, fmt.Errorf("insert incident: %w", scanErr)
	}
	return inc, nil
}

// AcknowledgeIncident moves an open incident to acknowledged, refreshing actor and notes.
func (s *Store) AcknowledgeIncident(ctx context.Context, id, actor, notes string, at time.Time) (Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return Incident{}, err
	}
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return Incident{}, ErrIncidentNotFound
	}

	inc, scanErr := scanIncident(pool.QueryRow(ctx, acknowledgeIncidentSQL, id, actor, at, notes))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Incident{}, s.explainMiss(ctx, id, ErrIncidentClosed)
	}
	if scanErr != nil {
		return Incident{}, fmt.Errorf("acknowledge incident: %w", scanErr)
	}
	return inc, nil
}

// AcknowledgeAllActive acknowledges every active incident in one statement.
// Rows resolved concurrently fail the status guard and are skipped.
func (s *Store) AcknowledgeAllActive(ctx context.Context, actor string, at time.Time) ([]Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, acknowledgeAllActiveSQL, actor, at)
	if queryErr != nil {
		return nil, fmt.Errorf("acknowledge all active: %w", queryErr)
	}
	return collectIncidents(rows)
}

// ResolveIncident closes an open incident. A resolved incident is never reopened.
func (s *Store) ResolveIncident(ctx context.Context, id string, autoResolved bool, at time.Time) (Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return Incident{}, err
	}
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return Incident{}, ErrIncidentNotFound
	}

	inc, scanErr := scanIncident(pool.QueryRow(ctx, resolveIncidentSQL, id, at, autoResolved))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Incident{}, s.explainMiss(ctx, id, ErrIncidentAlreadyResolved)
	}
	if scanErr != nil {
		return Incident{}, fmt.Errorf("resolve incident: %w", scanErr)
	}
	return inc, nil
}

// explainMiss distinguishes an unknown id from a closed incident after a guarded update matched nothing.
func (s *Store) explainMiss(ctx context.Context, id string, closed error) error {
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if inc.Status == StatusResolved {
		return closed
	}
	return fmt.Errorf("incident %s changed concurrently (status %s)", id, inc.Status)
}

// GetIncident loads one incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return Incident{}, err
	}
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return Incident{}, ErrIncidentNotFound
	}
	inc, scanErr := scanIncident(pool.QueryRow(ctx, getIncidentSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Incident{}, ErrIncidentNotFound
	}
	if scanErr != nil {
		return Incident{}, fmt.Errorf("get incident: %w", scanErr)
	}
	return inc, nil
}

// GetOpenIncident returns the active or acknowledged incident for a metric, if any.
func (s *Store) GetOpenIncident(ctx context.Context, metric string) (Incident, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Incident{}, false, err
	}
	inc, scanErr := scanIncident(pool.QueryRow(ctx, getOpenIncidentSQL, metric))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Incident{}, false, nil
	}
	if scanErr != nil {
		return Incident{}, false, fmt.Errorf("get open incident: %w", scanErr)
	}
	return inc, true, nil
}

// QueryActive lists open incidents, newest first.
func (s *Store) QueryActive(ctx context.Context) ([]Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listActiveSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active incidents: %w", queryErr)
	}
	return collectIncidents(rows)
}

// QueryHistory returns one page of incidents matching filter, newest first.
func (s *Store) QueryHistory(ctx context.Context, filter HistoryFilter, page Page) (IncidentPage, error) {
	pool, err := s.getPool()
	if err != nil {
		return IncidentPage{}, err
	}
	page = page.Normalize()

	where, args := historyWhere(filter)
	var total int64
	if scanErr := pool.QueryRow(ctx, "SELECT COUNT(*) FROM incidents"+where, args...).Scan(&total); scanErr != nil {
		return IncidentPage{}, fmt.Errorf("count incident history: %w", scanErr)
	}

	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf("SELECT %s FROM incidents%s ORDER BY triggered_at DESC, id LIMIT $%d OFFSET $%d",
		incidentColumns, where, len(args)-1, len(args))

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return IncidentPage{}, fmt.Errorf("query incident history: %w", queryErr)
	}
	items, collectErr := collectIncidents(rows)
	if collectErr != nil {
		return IncidentPage{}, collectErr
	}

	return IncidentPage{Items: items, Total: total, Page: page.Number, PageSize: page.Size}, nil
}

func historyWhere(filter HistoryFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.MetricName != "" {
		add("metric_name = $%d", filter.MetricName)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.AutoResolved != nil {
		add("auto_resolved = $%d", *filter.AutoResolved)
	}
	if filter.From != nil {
		add("triggered_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("triggered_at < $%d", *filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryFrequency counts incidents per UTC day, metric and severity over the last windowDays.
func (s *Store) QueryFrequency(ctx context.Context, windowDays int, now time.Time) ([]FrequencyBucket, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if windowDays < 1 {
		windowDays = 1
	}
	since := dayStart(now).AddDate(0, 0, -(windowDays - 1))

	rows, queryErr := pool.Query(ctx, frequencySQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("query incident frequency: %w", queryErr)
	}
	defer rows.Close()

	buckets := make([]FrequencyBucket, 0)
	for rows.Next() {
		var (
			bucket   FrequencyBucket
			severity string
		)
		if scanErr := rows.Scan(&bucket.Day, &bucket.MetricName, &severity, &bucket.Count); scanErr != nil {
			return nil, scanErr
		}
		bucket.Day = dayStart(bucket.Day)
		bucket.Severity = Severity(severity)
		buckets = append(buckets, bucket)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return buckets, nil
}

// QuerySummary counts open incidents by severity and status.
func (s *Store) QuerySummary(ctx context.Context) (Summary, error) {
	pool, err := s.getPool()
	if err != nil {
		return Summary{}, err
	}

	rows, queryErr := pool.Query(ctx, summarySQL)
	if queryErr != nil {
		return Summary{}, fmt.Errorf("query incident summary: %w", queryErr)
	}
	defer rows.Close()

	var summary Summary
	for rows.Next() {
		var (
			severity, status string
			count            int64
		)
		if scanErr := rows.Scan(&severity, &status, &count); scanErr != nil {
			return Summary{}, scanErr
		}
		summary.add(Severity(severity), Status(status), count)
	}
	if rows.Err() != nil {
		return Summary{}, rows.Err()
	}
	return summary, nil
}

// DeleteResolvedBefore hard-deletes resolved incidents closed before cutoff.
func (s *Store) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteResolvedBeforeSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("delete resolved incidents: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func configArgs(cfg AlertConfig) []any {
	return []any{
		cfg.MetricName,
		decimal.NewFromFloat(cfg.WarningThreshold).String(),
		decimal.NewFromFloat(cfg.CriticalThreshold).String(),
		cfg.IsEnabled,
		cfg.ConsecutiveBreachesRequired,
		cfg.ConsecutiveNormalRequired,
		cfg.UpdatedAt,
	}
}

func scanConfig(row pgx.Row) (AlertConfig, error) {
	var (
		cfg                  AlertConfig
		warningStr, critical string
	)
	if err := row.Scan(
		&cfg.MetricName,
		&warningStr,
		&critical,
		&cfg.IsEnabled,
		&cfg.ConsecutiveBreachesRequired,
		&cfg.ConsecutiveNormalRequired,
		&cfg.UpdatedAt,
	); err != nil {
		return AlertConfig{}, err
	}

	var err error
	if cfg.WarningThreshold, err = parseNumeric(warningStr); err != nil {
		return AlertConfig{}, fmt.Errorf("parse warning threshold: %w", err)
	}
	if cfg.CriticalThreshold, err = parseNumeric(critical); err != nil {
		return AlertConfig{}, fmt.Errorf("parse critical threshold: %w", err)
	}
	return cfg, nil
}

func collectIncidents(rows pgx.Rows) ([]Incident, error) {
	defer rows.Close()

	incidents := make([]Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return incidents, nil
}

func scanIncident(row pgx.Row) (Incident, error) {
	var (
		inc                    Incident
		severity, status       string
		valueStr, thresholdStr string
	)
	if err := row.Scan(
		&inc.ID,
		&inc.MetricName,
		&severity,
		&valueStr,
		&thresholdStr,
		&inc.TriggeredAt,
		&status,
		&inc.AcknowledgedBy,
		&inc.AcknowledgedAt,
		&inc.AcknowledgmentNotes,
		&inc.ResolvedAt,
		&inc.AutoResolved,
	); err != nil {
		return Incident{}, err
	}

	var err error
	if inc.TriggerValue, err = parseNumeric(valueStr); err != nil {
		return Incident{}, fmt.Errorf("parse trigger value: %w", err)
	}
	if inc.ThresholdAtTrigger, err = parseNumeric(thresholdStr); err != nil {
		return Incident{}, fmt.Errorf("parse threshold: %w", err)
	}
	inc.Severity = Severity(severity)
	inc.Status = Status(status)
	return inc, nil
}

func parseNumeric(raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

var (
	_ AlertConfigStore = (*Store)(nil)
	_ IncidentStore    = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
