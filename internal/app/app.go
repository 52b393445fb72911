package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"perfwatch/internal/config"
	"perfwatch/internal/incident"
	"perfwatch/internal/logging"
	"perfwatch/internal/metrics"
	"perfwatch/internal/monitor"
	"perfwatch/internal/notify"
	"perfwatch/internal/source"
	"perfwatch/internal/storage"
	"perfwatch/internal/sweeper"
	"perfwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

// backend bundles the stores behind one handle. pg is nil for the in-memory fallback.
type backend struct {
	configs   storage.AlertConfigStore
	incidents storage.IncidentStore
	pg        *storage.Store
}

func (b *backend) close() {
	if b.pg != nil {
		b.pg.Close()
	}
}

// openBackend connects to PostgreSQL when a DSN is configured, applies the
// schema and seeds alert configs. Without a DSN it falls back to memory.
func (a *App) openBackend(ctx context.Context, requireDB bool) (*backend, error) {
	if a.Config.Database.DSN == "" {
		if requireDB {
			return nil, fmt.Errorf("database not configured: %w", storage.ErrNotConfigured)
		}
		a.Logger.Warn().Msg("database.dsn not configured; incidents are kept in memory only")
		mem := storage.NewMemoryStore()
		if _, err := mem.SeedDefaults(ctx, a.seedConfigs()); err != nil {
			return nil, err
		}
		return &backend{configs: mem, incidents: mem}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)

	if a.Config.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	inserted, err := store.SeedDefaults(ctx, a.seedConfigs())
	if err != nil {
		store.Close()
		return nil, err
	}
	if inserted > 0 {
		a.Logger.Info().Int("inserted", inserted).Msg("seeded default alert configs")
	}
	return &backend{configs: store, incidents: store, pg: store}, nil
}

// seedConfigs turns the configured alert seeds into configs, or returns the
// built-in defaults when none are configured.
func (a *App) seedConfigs() []storage.AlertConfig {
	if len(a.Config.Alerts) == 0 {
		return storage.DefaultAlertConfigs()
	}
	out := make([]storage.AlertConfig, 0, len(a.Config.Alerts))
	for _, seed := range a.Config.Alerts {
		enabled := true
		if seed.Enabled != nil {
			enabled = *seed.Enabled
		}
		out = append(out, storage.AlertConfig{
			MetricName:                  seed.Metric,
			WarningThreshold:            seed.Warning,
			CriticalThreshold:           seed.Critical,
			IsEnabled:                   enabled,
			ConsecutiveBreachesRequired: seed.BreachesRequired,
			ConsecutiveNormalRequired:   seed.NormalRequired,
		}.Normalize())
	}
	return out
}

// gatheredMetrics maps monitorable names onto the engine's own Prometheus families.
var gatheredMetrics = map[string]string{
	"monitor_tick_seconds":  "perfwatch_monitor_tick_duration_seconds",
	"source_failures_total": "perfwatch_source_failures_total",
}

// newResolver defers building the source registry until the monitor's first
// tick. The registry includes the engine's own telemetry, which must be fully
// registered first.
func (a *App) newResolver(b *backend, m *metrics.Metrics, closers *[]func()) source.Resolver {
	return source.ResolverFunc(func(ctx context.Context) (source.Source, error) {
		reg := source.NewRegistry()
		reg.Register(source.NewRuntime(), source.RuntimeMetrics...)

		if b.pg != nil {
			reg.Register(source.NewPoolStats(b.pg), source.PoolMetrics...)
		}
		if m != nil {
			g := source.NewGatherer(m.Registry(), gatheredMetrics)
			reg.Register(g, g.Metrics()...)
		}
		for _, hc := range a.Config.Sources.HTTP {
			reg.Register(source.NewHTTPJSON(source.HTTPJSONOptions{
				URL:     hc.URL,
				Field:   hc.Field,
				Timeout: hc.Timeout,
			}, a.Logger), hc.Metric)
		}
		if rc := a.Config.Sources.Redis; rc.Addr != "" {
			r := source.NewRedis(source.RedisOptions{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}, a.Logger)
			*closers = append(*closers, func() { _ = r.Close() })
			reg.Register(r, source.RedisMetrics...)
		}
		if ec := a.Config.Sources.Ethereum; ec.RPCURL != "" {
			reg.Register(source.NewEthNode(source.EthOptions{RPCURL: ec.RPCURL, Timeout: ec.RequestTimeout}, a.Logger), source.EthMetrics...)
		}

		a.Logger.Info().Strs("metrics", reg.Names()).Msg("metric sources registered")
		return reg, nil
	})
}

// Run executes the long-running monitor together with the retention
// sweeper and, when configured, the observer/metrics listener.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := a.openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.close()

	m := metrics.New()
	bus := notify.NewBus(a.Config.Notify.BufferSize)
	ready := make(chan struct{})

	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	mon := monitor.New(monitor.Options{
		Interval:        a.Config.Monitor.Interval,
		SourceTimeout:   a.Config.Monitor.SourceTimeout,
		StartupDelay:    a.Config.Monitor.StartupDelay,
		AlignToInterval: a.Config.Monitor.AlignToInterval,
		AdvisoryLockKey: a.Config.Monitor.AdvisoryLockKey,
		Ready:           ready,
		Metrics:         m,
	}, a.newResolver(b, m, &closers), b.configs, b.incidents, bus, a.Logger)

	sw, err := sweeper.New(b.incidents, a.Config.Retention.Window, a.Config.Retention.Schedule, m, a.Logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		notify.LogEvents(ctx, bus, a.Logger)
	}()
	go func() {
		defer wg.Done()
		if err := sw.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("retention sweeper stopped")
		}
	}()

	srv := a.newServer(bus, b.incidents, m)
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Logger.Info().Str("addr", srv.Addr).Msg("observer listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("observer listener failed")
				cancel()
			}
		}()
	}

	close(ready)
	a.Logger.Info().Str("version", version.String()).Msg("starting monitor loop")
	err = mon.Run(ctx)

	cancel()
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		stop()
	}
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}
	a.Logger.Info().Msg("monitor stopped")
	return nil
}

func (a *App) newServer(bus *notify.Bus, active notify.ActiveLister, m *metrics.Metrics) *http.Server {
	sc := a.Config.Server
	if sc.ListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(sc.WSPath, notify.NewHub(bus, active, a.Logger))
	mux.Handle(sc.MetricsPath, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: sc.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// service opens the backend and wraps it in the operator surface.
func (a *App) service(ctx context.Context, requireDB bool) (*incident.Service, *backend, error) {
	b, err := a.openBackend(ctx, requireDB)
	if err != nil {
		return nil, nil, err
	}
	return incident.NewService(b.configs, b.incidents, nil, nil, a.Logger), b, nil
}
