package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfwatch/internal/metrics"
	"perfwatch/internal/notify"
	"perfwatch/internal/source"
	"perfwatch/internal/storage"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store   *storage.MemoryStore
	static  *source.Static
	bus     *notify.Bus
	events  <-chan notify.Event
	monitor *Monitor
}

func newHarness(t *testing.T, configs ...storage.AlertConfig) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(),
		static: source.NewStatic(nil),
		bus:    notify.NewBus(64),
	}
	for _, cfg := range configs {
		_, err := h.store.Upsert(context.Background(), cfg)
		require.NoError(t, err)
	}
	h.events = h.bus.Subscribe("test")
	h.monitor = New(Options{Interval: time.Second, SourceTimeout: 50 * time.Millisecond, Metrics: metrics.New()},
		source.StaticResolver(h.static), h.store, h.store, h.bus, zerolog.New(io.Discard))
	return h
}

// feed sets metric to each value in turn and runs one tick per value.
func (h *harness) feed(t *testing.T, metric string, values ...float64) []Evaluation {
	t.Helper()
	out := make([]Evaluation, 0, len(values))
	for i, v := range values {
		h.static.Set(metric, v)
		evals, err := h.monitor.Tick(context.Background(), t0.Add(time.Duration(i)*30*time.Second))
		require.NoError(t, err)
		out = append(out, find(t, evals, metric))
	}
	return out
}

func find(t *testing.T, evals []Evaluation, metric string) Evaluation {
	t.Helper()
	for _, e := range evals {
		if e.Metric == metric {
			return e
		}
	}
	t.Fatalf("no evaluation for %s", metric)
	return Evaluation{}
}

func (h *harness) drain() []notify.Event {
	var out []notify.Event
	for {
		select {
		case evt := <-h.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func latency() storage.AlertConfig {
	return storage.AlertConfig{
		MetricName:                  "p95_latency",
		WarningThreshold:            200,
		CriticalThreshold:           500,
		IsEnabled:                   true,
		ConsecutiveBreachesRequired: 2,
		ConsecutiveNormalRequired:   3,
	}
}

func TestClassifyIsInclusive(t *testing.T) {
	cfg := latency()
	cases := []struct {
		value     float64
		class     Classification
		threshold float64
	}{
		{199.9, ClassNormal, 0},
		{200, ClassWarning, 200},
		{499, ClassWarning, 200},
		{500, ClassCritical, 500},
	}
	for _, tc := range cases {
		class, threshold := Classify(tc.value, cfg)
		assert.Equal(t, tc.class, class, "value %v", tc.value)
		assert.Equal(t, tc.threshold, threshold, "value %v", tc.value)
	}
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t, latency())
	evals := h.feed(t, "p95_latency", 250, 300, 600, 80, 90, 100)

	actions := make([]Action, len(evals))
	for i, e := range evals {
		actions[i] = e.Action
	}
	assert.Equal(t, []Action{ActionNone, ActionCreated, ActionNone, ActionNone, ActionNone, ActionResolved}, actions)

	created := evals[1].Incident
	require.NotNil(t, created)
	assert.Equal(t, storage.SeverityWarning, created.Severity)
	assert.Equal(t, 300.0, created.TriggerValue)
	assert.Equal(t, 200.0, created.ThresholdAtTrigger)
	assert.True(t, created.TriggeredAt.Equal(t0.Add(30*time.Second)))

	assert.Equal(t, ClassCritical, evals[2].Classification)
	assert.Equal(t, 3, evals[2].Streak.BreachCount)

	got, err := h.store.GetIncident(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusResolved, got.Status)
	assert.Equal(t, storage.SeverityWarning, got.Severity)
	assert.True(t, got.AutoResolved)
	require.NotNil(t, got.ResolvedAt)

	events := h.drain()
	require.Len(t, events, 2)
	assert.Equal(t, notify.IncidentCreated, events[0].Type)
	assert.Equal(t, notify.IncidentResolved, events[1].Type)
	assert.Equal(t, created.ID, events[1].Incident.ID)
}

func TestHysteresisCreatesOnceAtThreshold(t *testing.T) {
	h := newHarness(t, latency())
	evals := h.feed(t, "p95_latency", 250, 300, 400)

	assert.Equal(t, ActionNone, evals[0].Action)
	assert.Equal(t, ActionCreated, evals[1].Action)
	assert.Equal(t, ActionNone, evals[2].Action)

	page, err := h.store.QueryHistory(context.Background(), storage.HistoryFilter{MetricName: "p95_latency"}, storage.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, storage.StatusActive, page.Items[0].Status)
}

func TestAutoResolutionAfterNormalStreak(t *testing.T) {
	h := newHarness(t, latency())
	h.feed(t, "p95_latency", 250, 300)

	evals := h.feed(t, "p95_latency", 50, 60, 70)
	assert.Equal(t, ActionNone, evals[0].Action)
	assert.Equal(t, ActionNone, evals[1].Action)
	require.Equal(t, ActionResolved, evals[2].Action)
	assert.Equal(t, storage.StatusResolved, evals[2].Incident.Status)
	assert.True(t, evals[2].Incident.AutoResolved)
	assert.NotNil(t, evals[2].Incident.ResolvedAt)

	more := h.feed(t, "p95_latency", 40, 30)
	assert.Equal(t, ActionNone, more[0].Action)
	assert.Equal(t, ActionNone, more[1].Action)
}

func TestAcknowledgedIncidentStillAutoResolves(t *testing.T) {
	h := newHarness(t, latency())
	evals := h.feed(t, "p95_latency", 250, 300)
	id := evals[1].Incident.ID

	_, err := h.store.AcknowledgeIncident(context.Background(), id, "oncall", "", t0)
	require.NoError(t, err)

	evals = h.feed(t, "p95_latency", 250, 260, 50, 60, 70)
	assert.Equal(t, ActionNone, evals[1].Action)
	require.Equal(t, ActionResolved, evals[4].Action)
	assert.Equal(t, id, evals[4].Incident.ID)
}

func TestAlternationNeverAccumulates(t *testing.T) {
	h := newHarness(t, latency())
	evals := h.feed(t, "p95_latency", 250, 50, 250)

	for _, e := range evals {
		assert.LessOrEqual(t, e.Streak.BreachCount, 1)
		assert.NotEqual(t, ActionCreated, e.Action)
	}
	active, err := h.store.QueryActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSourceFailureIsolatedToMetric(t *testing.T) {
	errCfg := latency()
	errCfg.MetricName = "error_rate_pct"
	errCfg.WarningThreshold, errCfg.CriticalThreshold = 1, 5
	h := newHarness(t, latency(), errCfg)

	h.static.Fail("error_rate_pct", errors.New("connection refused"))
	for i, v := range []float64{250, 300} {
		h.static.Set("p95_latency", v)
		evals, err := h.monitor.Tick(context.Background(), t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.Len(t, evals, 2)
		assert.Equal(t, ActionSkipped, find(t, evals, "error_rate_pct").Action)
		assert.Error(t, find(t, evals, "error_rate_pct").Err)
		if i == 1 {
			assert.Equal(t, ActionCreated, find(t, evals, "p95_latency").Action)
		}
	}

	_, ok := h.monitor.Streaks()["error_rate_pct"]
	assert.False(t, ok, "skipped reads must not touch the streak")
}

func TestHangingAndPanickingSourcesAreSkipped(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	hang := latency()
	hang.MetricName = "hangs"
	boom := latency()
	boom.MetricName = "panics"
	store := storage.NewMemoryStore()
	for _, cfg := range []storage.AlertConfig{latency(), hang, boom} {
		_, err := store.Upsert(context.Background(), cfg)
		require.NoError(t, err)
	}

	src := source.SourceFunc(func(ctx context.Context, metric string) (float64, error) {
		switch metric {
		case "hangs":
			<-release
			return 0, nil
		case "panics":
			panic("driver bug")
		default:
			return 900, nil
		}
	})
	m := New(Options{SourceTimeout: 20 * time.Millisecond}, source.StaticResolver(src), store, store, nil, zerolog.New(io.Discard))

	start := time.Now()
	evals, err := m.Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, ActionSkipped, find(t, evals, "hangs").Action)
	assert.ErrorIs(t, find(t, evals, "hangs").Err, context.DeadlineExceeded)
	assert.Equal(t, ActionSkipped, find(t, evals, "panics").Action)
	assert.Equal(t, ClassCritical, find(t, evals, "p95_latency").Classification)
}

func TestExistingOpenIncidentIsNotDuplicated(t *testing.T) {
	h := newHarness(t, latency())
	manual, err := h.store.CreateIncident(context.Background(), storage.NewIncident{
		MetricName: "p95_latency", Severity: storage.SeverityCritical, Value: 700, Threshold: 500, TriggeredAt: t0.Add(-time.Hour),
	})
	require.NoError(t, err)

	evals := h.feed(t, "p95_latency", 250, 300)
	assert.Equal(t, ActionNone, evals[1].Action)
	require.NotNil(t, evals[1].Incident)
	assert.Equal(t, manual.ID, evals[1].Incident.ID)

	active, err := h.store.QueryActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestDisabledConfigIsIgnored(t *testing.T) {
	cfg := latency()
	cfg.IsEnabled = false
	h := newHarness(t, cfg)
	h.static.Set("p95_latency", 900)

	evals, err := h.monitor.Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, evals)
}

func TestResolutionIsLazyAndRetried(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.Upsert(context.Background(), latency())
	require.NoError(t, err)

	var calls atomic.Int32
	static := source.NewStatic(map[string]float64{"p95_latency": 10})
	resolver := source.ResolverFunc(func(ctx context.Context) (source.Source, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("registry not ready")
		}
		return static, nil
	})

	m := New(Options{}, resolver, store, store, nil, zerolog.New(io.Discard))
	assert.EqualValues(t, 0, calls.Load(), "constructing the monitor must not resolve sources")

	_, err = m.Tick(context.Background(), t0)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	evals, err := m.Tick(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, evals, 1)

	_, err = m.Tick(context.Background(), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "sources are bound once")
}

func TestFirstTickWaitsForReady(t *testing.T) {
	store := storage.NewMemoryStore()
	ready := make(chan struct{})
	var resolved atomic.Bool
	resolver := source.ResolverFunc(func(ctx context.Context) (source.Source, error) {
		resolved.Store(true)
		return source.NewStatic(nil), nil
	})
	m := New(Options{Ready: ready}, resolver, store, store, nil, zerolog.New(io.Discard))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Tick(ctx, t0)
	require.Error(t, err)
	assert.False(t, resolved.Load())

	close(ready)
	_, err = m.Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, resolved.Load())
}

func TestConcurrentTickIsSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.Upsert(context.Background(), latency())
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src := source.SourceFunc(func(ctx context.Context, metric string) (float64, error) {
		once.Do(func() { close(entered) })
		<-release
		return 10, nil
	})
	m := New(Options{SourceTimeout: 5 * time.Second}, source.StaticResolver(src), store, store, nil, zerolog.New(io.Discard))

	done := make(chan error, 1)
	go func() {
		_, err := m.Tick(context.Background(), t0)
		done <- err
	}()
	<-entered

	_, err = m.Tick(context.Background(), t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	require.NoError(t, <-done)
}

type lockingStore struct {
	*storage.MemoryStore
	acquired bool
	unlocked atomic.Int32
}

func (l *lockingStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked.Add(1) }, true, nil
}

func TestAdvisoryLockGuardsTick(t *testing.T) {
	store := &lockingStore{MemoryStore: storage.NewMemoryStore()}
	_, err := store.Upsert(context.Background(), latency())
	require.NoError(t, err)
	static := source.NewStatic(map[string]float64{"p95_latency": 300})

	m := New(Options{AdvisoryLockKey: 42}, source.StaticResolver(static), store, store, nil, zerolog.New(io.Discard))
	evals, err := m.Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Nil(t, evals)

	store.acquired = true
	evals, err = m.Tick(context.Background(), t0)
	require.NoError(t, err)
	assert.Len(t, evals, 1)
	assert.EqualValues(t, 1, store.unlocked.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, latency())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.monitor.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type faultyStore struct {
	*storage.MemoryStore
	createErr  map[string]error
	resolveErr error
	lookupErr  map[string]error
}

func (f *faultyStore) CreateIncident(ctx context.Context, in storage.NewIncident) (storage.Incident, error) {
	if err := f.createErr[in.MetricName]; err != nil {
		return storage.Incident{}, err
	}
	return f.MemoryStore.CreateIncident(ctx, in)
}

func (f *faultyStore) ResolveIncident(ctx context.Context, id string, auto bool, at time.Time) (storage.Incident, error) {
	if f.resolveErr != nil {
		return storage.Incident{}, f.resolveErr
	}
	return f.MemoryStore.ResolveIncident(ctx, id, auto, at)
}

func (f *faultyStore) GetOpenIncident(ctx context.Context, metric string) (storage.Incident, bool, error) {
	if err := f.lookupErr[metric]; err != nil {
		return storage.Incident{}, false, err
	}
	return f.MemoryStore.GetOpenIncident(ctx, metric)
}

func newFaultyMonitor(t *testing.T, store *faultyStore, static *source.Static, bus *notify.Bus, metricNames ...string) *Monitor {
	t.Helper()
	for _, name := range metricNames {
		cfg := latency()
		cfg.MetricName = name
		_, err := store.Upsert(context.Background(), cfg)
		require.NoError(t, err)
	}
	return New(Options{SourceTimeout: 50 * time.Millisecond}, source.StaticResolver(static), store, store, bus, zerolog.New(io.Discard))
}

func TestPersistenceFailureIsIsolatedAndNotRetried(t *testing.T) {
	store := &faultyStore{
		MemoryStore: storage.NewMemoryStore(),
		createErr:   map[string]error{"api": errors.New("connection reset")},
	}
	static := source.NewStatic(map[string]float64{"api": 300, "db": 300})
	bus := notify.NewBus(8)
	events := bus.Subscribe("test")
	m := newFaultyMonitor(t, store, static, bus, "api", "db")

	_, err := m.Tick(context.Background(), t0)
	require.NoError(t, err)

	evals, err := m.Tick(context.Background(), t0.Add(30*time.Second))
	require.NoError(t, err)
	api, db := find(t, evals, "api"), find(t, evals, "db")
	assert.Equal(t, ActionFailed, api.Action)
	assert.Error(t, api.Err)
	assert.Nil(t, api.Incident)
	assert.Equal(t, ActionCreated, db.Action)

	// the streak already moved past the threshold, so a healthy store does not trigger a retry
	store.createErr = nil
	evals, err = m.Tick(context.Background(), t0.Add(60*time.Second))
	require.NoError(t, err)
	api = find(t, evals, "api")
	assert.Equal(t, ActionNone, api.Action)
	assert.Equal(t, 3, api.Streak.BreachCount)
	_, found, err := store.GetOpenIncident(context.Background(), "api")
	require.NoError(t, err)
	assert.False(t, found)

	require.Len(t, events, 1)
	assert.Equal(t, "db", (<-events).Incident.MetricName)
}

func TestDuplicateOpenRaceIsNoop(t *testing.T) {
	store := &faultyStore{
		MemoryStore: storage.NewMemoryStore(),
		createErr:   map[string]error{"api": storage.ErrOpenIncidentExists},
	}
	static := source.NewStatic(map[string]float64{"api": 300})
	bus := notify.NewBus(8)
	events := bus.Subscribe("test")
	m := newFaultyMonitor(t, store, static, bus, "api")

	var last Evaluation
	for i := 0; i < 2; i++ {
		evals, err := m.Tick(context.Background(), t0.Add(time.Duration(i)*30*time.Second))
		require.NoError(t, err)
		last = find(t, evals, "api")
	}
	assert.Equal(t, ActionNone, last.Action)
	assert.NoError(t, last.Err)
	assert.Empty(t, events)
}

func TestResolveAndLookupFailuresDoNotAbortTick(t *testing.T) {
	store := &faultyStore{MemoryStore: storage.NewMemoryStore()}
	static := source.NewStatic(map[string]float64{"api": 300, "db": 300})
	m := newFaultyMonitor(t, store, static, nil, "api", "db")

	for i := 0; i < 2; i++ {
		_, err := m.Tick(context.Background(), t0.Add(time.Duration(i)*30*time.Second))
		require.NoError(t, err)
	}

	store.resolveErr = errors.New("connection reset")
	store.lookupErr = map[string]error{"db": errors.New("connection reset")}
	static.Set("api", 50)
	static.Set("db", 50)

	var evals []Evaluation
	for i := 2; i < 5; i++ {
		var err error
		evals, err = m.Tick(context.Background(), t0.Add(time.Duration(i)*30*time.Second))
		require.NoError(t, err)
	}
	assert.Equal(t, ActionFailed, find(t, evals, "api").Action)
	assert.Equal(t, ActionFailed, find(t, evals, "db").Action)

	open, found, err := store.MemoryStore.GetOpenIncident(context.Background(), "api")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.StatusActive, open.Status)
}

func TestUnboundMetricWarnsOnceWithoutCountingFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	for _, cfg := range storage.DefaultAlertConfigs() {
		_, err := store.Upsert(context.Background(), cfg)
		require.NoError(t, err)
	}
	static := source.NewStatic(map[string]float64{"heap_usage_pct": 10, "goroutines": 10, "db_pool_acquire_wait_ms": 1})
	m := metrics.New()
	var logs bytes.Buffer
	mon := New(Options{Metrics: m}, source.StaticResolver(static), store, store, nil, zerolog.New(&logs))

	for i := 0; i < 3; i++ {
		evals, err := mon.Tick(context.Background(), t0.Add(time.Duration(i)*30*time.Second))
		require.NoError(t, err)
		p95 := find(t, evals, "p95_latency_ms")
		assert.Equal(t, ActionSkipped, p95.Action)
		assert.ErrorIs(t, p95.Err, source.ErrUnknownMetric)
	}

	assert.Equal(t, 2, bytes.Count(logs.Bytes(), []byte("no source provides metric")))
	assert.Zero(t, bytes.Count(logs.Bytes(), []byte("metric read failed")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var failures []*dto.Metric
	for _, f := range families {
		if f.GetName() == "perfwatch_source_failures_total" {
			failures = f.GetMetric()
		}
	}
	assert.Empty(t, failures)
}
