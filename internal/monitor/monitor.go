package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perfwatch/internal/metrics"
	"perfwatch/internal/notify"
	"perfwatch/internal/scheduler"
	"perfwatch/internal/source"
	"perfwatch/internal/storage"
	"perfwatch/internal/streak"
)

// ErrTickInProgress is returned by Tick when another pass is still running.
var ErrTickInProgress = errors.New("monitor tick already in progress")

// Options tune the evaluation loop.
type Options struct {
	Interval        time.Duration
	SourceTimeout   time.Duration
	StartupDelay    time.Duration
	AlignToInterval bool
	AdvisoryLockKey int64
	// Ready, when set, must be closed before the first tick resolves its sources.
	Ready   <-chan struct{}
	Metrics *metrics.Metrics
}

// Monitor samples every enabled metric on a schedule and drives the
// incident lifecycle from the resulting streaks.
type Monitor struct {
	opts      Options
	resolver  source.Resolver
	configs   storage.AlertConfigStore
	incidents storage.IncidentStore
	publisher notify.Publisher
	locker    storage.AdvisoryLocker
	tracker   *streak.Tracker
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	tickMu sync.Mutex

	bindMu  sync.Mutex
	yielded bool
	src     source.Source

	// guarded by tickMu
	unbound map[string]struct{}
}

// New constructs the monitor. It does not touch the resolver; sources are
// bound on the first tick.
func New(opts Options, resolver source.Resolver, configs storage.AlertConfigStore, incidents storage.IncidentStore, publisher notify.Publisher, logger zerolog.Logger) *Monitor {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = notify.Discard{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := incidents.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Monitor{
		opts:      opts,
		resolver:  resolver,
		configs:   configs,
		incidents: incidents,
		publisher: publisher,
		locker:    locker,
		tracker:   streak.NewTracker(),
		unbound:   make(map[string]struct{}),
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Run begins the periodic evaluation loop and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.Interval <= 0 {
		return fmt.Errorf("monitor interval not configured")
	}
	sched := scheduler.New(scheduler.Options{
		Interval:     m.opts.Interval,
		AlignToStart: m.opts.AlignToInterval,
		StartupDelay: m.opts.StartupDelay,
	}, m.logger)

	m.logger.Info().Dur("interval", m.opts.Interval).Msg("monitor loop started")
	return sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := m.Tick(ctx, at)
		if errors.Is(err, ErrTickInProgress) {
			m.logger.Warn().Time("tick", at).Msg("previous tick still running, skipping")
			return nil
		}
		return err
	})
}

// Streaks returns a copy of the current per-metric streaks.
func (m *Monitor) Streaks() map[string]streak.State {
	return m.tracker.Snapshot()
}

// Tick performs one evaluation pass over all enabled configs. A tick that
// finds another in flight returns ErrTickInProgress without doing anything.
func (m *Monitor) Tick(ctx context.Context, at time.Time) ([]Evaluation, error) {
	if !m.tickMu.TryLock() {
		m.metrics.ObserveTick(metrics.TickSkipped, 0)
		return nil, ErrTickInProgress
	}
	defer m.tickMu.Unlock()

	if at.IsZero() {
		at = time.Now().UTC()
	}
	start := time.Now()

	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		m.metrics.ObserveTick(metrics.TickFailed, 0)
		return nil, err
	}
	if !proceed {
		m.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		m.metrics.ObserveTick(metrics.TickLockHeld, 0)
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	src, err := m.bind(ctx)
	if err != nil {
		m.metrics.ObserveTick(metrics.TickUnbound, 0)
		return nil, fmt.Errorf("resolve metric sources: %w", err)
	}

	configs, err := m.configs.GetAllEnabled(ctx)
	if err != nil {
		m.metrics.ObserveTick(metrics.TickFailed, 0)
		return nil, fmt.Errorf("load alert configs: %w", err)
	}

	evals := make([]Evaluation, 0, len(configs))
	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		evals = append(evals, m.evaluate(ctx, src, cfg, at))
	}

	m.refreshOpenGauge(ctx)
	m.metrics.ObserveTick(metrics.TickOK, time.Since(start))
	m.logger.Debug().Time("tick", at).Int("metrics", len(evals)).Dur("elapsed", time.Since(start)).Msg("tick complete")
	return evals, ctx.Err()
}

// bind resolves the metric sources once. The first attempt yields to the
// scheduler and waits for the host ready signal; a failed resolution is
// retried on the next tick.
func (m *Monitor) bind(ctx context.Context) (source.Source, error) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	if m.src != nil {
		return m.src, nil
	}
	if !m.yielded {
		runtime.Gosched()
		if m.opts.Ready != nil {
			select {
			case <-m.opts.Ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		m.yielded = true
	}
	if m.resolver == nil {
		return nil, errors.New("no source resolver configured")
	}

	src, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("resolver returned no source")
	}
	m.src = src
	m.logger.Info().Msg("metric sources resolved")
	return src, nil
}

func (m *Monitor) evaluate(ctx context.Context, src source.Source, cfg storage.AlertConfig, at time.Time) Evaluation {
	cfg = cfg.Normalize()
	eval := Evaluation{Metric: cfg.MetricName, Action: ActionNone}
	log := m.logger.With().Str("metric", cfg.MetricName).Logger()

	value, err := m.read(ctx, src, cfg.MetricName)
	if errors.Is(err, source.ErrUnknownMetric) {
		// configured but not provided by any source: warn on the first tick only
		if _, seen := m.unbound[cfg.MetricName]; !seen {
			m.unbound[cfg.MetricName] = struct{}{}
			log.Warn().Err(err).Msg("no source provides metric, skipping until one is configured")
		}
		eval.Action = ActionSkipped
		eval.Err = err
		return eval
	}
	if err != nil {
		log.Warn().Err(err).Msg("metric read failed, skipping this tick")
		m.metrics.SourceFailed(cfg.MetricName)
		eval.Action = ActionSkipped
		eval.Err = err
		return eval
	}
	eval.Value = value

	class, threshold := Classify(value, cfg)
	eval.Classification = class

	if class.Breach() {
		eval.Streak = m.tracker.RecordBreach(cfg.MetricName)
		if eval.Streak.BreachCount == cfg.ConsecutiveBreachesRequired {
			m.open(ctx, &eval, log, storage.NewIncident{
				MetricName:  cfg.MetricName,
				Severity:    class.Severity(),
				Value:       value,
				Threshold:   threshold,
				TriggeredAt: at,
			})
		}
		return eval
	}

	eval.Streak = m.tracker.RecordNormal(cfg.MetricName)
	if eval.Streak.NormalCount == cfg.ConsecutiveNormalRequired {
		m.resolve(ctx, &eval, log, at)
	}
	return eval
}

func (m *Monitor) open(ctx context.Context, eval *Evaluation, log zerolog.Logger, in storage.NewIncident) {
	existing, found, err := m.incidents.GetOpenIncident(ctx, in.MetricName)
	if err != nil {
		log.Error().Err(err).Msg("lookup open incident failed")
		eval.Action, eval.Err = ActionFailed, err
		return
	}
	if found {
		eval.Incident = &existing
		return
	}

	inc, err := m.incidents.CreateIncident(ctx, in)
	if errors.Is(err, storage.ErrOpenIncidentExists) {
		log.Debug().Msg("open incident created concurrently, nothing to do")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("create incident failed")
		eval.Action, eval.Err = ActionFailed, err
		return
	}

	eval.Action, eval.Incident = ActionCreated, &inc
	m.metrics.IncidentOpened(inc.MetricName, string(inc.Severity))
	m.publisher.Publish(notify.Event{Type: notify.IncidentCreated, Incident: inc})
	log.Info().
		Str("incident_id", inc.ID).
		Str("severity", string(inc.Severity)).
		Float64("value", inc.TriggerValue).
		Float64("threshold", inc.ThresholdAtTrigger).
		Msg("incident opened")
}

func (m *Monitor) resolve(ctx context.Context, eval *Evaluation, log zerolog.Logger, at time.Time) {
	open, found, err := m.incidents.GetOpenIncident(ctx, eval.Metric)
	if err != nil {
		log.Error().Err(err).Msg("lookup open incident failed")
		eval.Action, eval.Err = ActionFailed, err
		return
	}
	if !found {
		return
	}

	inc, err := m.incidents.ResolveIncident(ctx, open.ID, true, at)
	if errors.Is(err, storage.ErrIncidentClosed) || errors.Is(err, storage.ErrIncidentNotFound) {
		log.Debug().Str("incident_id", open.ID).Msg("incident closed concurrently, nothing to do")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("incident_id", open.ID).Msg("resolve incident failed")
		eval.Action, eval.Err = ActionFailed, err
		return
	}

	eval.Action, eval.Incident = ActionResolved, &inc
	m.metrics.IncidentResolved(inc.MetricName)
	m.publisher.Publish(notify.Event{Type: notify.IncidentResolved, Incident: inc})
	log.Info().Str("incident_id", inc.ID).Msg("incident auto-resolved")
}

// read bounds a single source call by the source timeout. A source that
// ignores its context is abandoned once the deadline passes.
func (m *Monitor) read(ctx context.Context, src source.Source, metric string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.SourceTimeout)
	defer cancel()

	type result struct {
		value float64
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("source panic: %v", r)}
			}
		}()
		v, err := src.GetCurrentValue(ctx, metric)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("read %s: %w", metric, ctx.Err())
	}
}

func (m *Monitor) refreshOpenGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	summary, err := m.incidents.QuerySummary(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("refresh open incident gauge")
		return
	}
	m.metrics.SetOpenIncidents(summary.Total)
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.AdvisoryLockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
