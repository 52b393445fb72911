package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"perfwatch/internal/monitor"
	"perfwatch/internal/notify"
	"perfwatch/internal/source"
	"perfwatch/internal/storage"
	"perfwatch/internal/sweeper"
)

// SimulateOptions describe one metric and the readings to replay through the monitor.
type SimulateOptions struct {
	Metric   string
	Warning  float64
	Critical float64
	Breaches int
	Normal   int
	Values   []float64
	Interval time.Duration
}

// Simulate 用内存存储和静态数据源回放一组读数，逐 tick 打印评估结果。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Metric == "" {
		return errors.New("--metric is required")
	}
	if len(opts.Values) == 0 {
		return errors.New("--values must list at least one reading")
	}
	if opts.Interval <= 0 {
		opts.Interval = a.Config.Monitor.Interval
	}

	store := storage.NewMemoryStore()
	if _, err := store.Upsert(ctx, storage.AlertConfig{
		MetricName:                  opts.Metric,
		WarningThreshold:            opts.Warning,
		CriticalThreshold:           opts.Critical,
		IsEnabled:                   true,
		ConsecutiveBreachesRequired: opts.Breaches,
		ConsecutiveNormalRequired:   opts.Normal,
	}); err != nil {
		return err
	}

	static := source.NewStatic(nil)
	bus := notify.NewBus(len(opts.Values) + 1)
	events := bus.Subscribe("simulate")
	defer bus.Release("simulate", events)

	mon := monitor.New(monitor.Options{
		Interval:      opts.Interval,
		SourceTimeout: a.Config.Monitor.SourceTimeout,
	}, source.StaticResolver(static), store, store, bus, a.Logger)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Tick\tValue\tClass\tBreaches\tNormals\tAction\tIncident\tStatus")

	start := time.Now().UTC().Truncate(opts.Interval)
	for i, v := range opts.Values {
		static.Set(opts.Metric, v)
		evals, err := mon.Tick(ctx, start.Add(time.Duration(i)*opts.Interval))
		if err != nil {
			return err
		}
		for _, e := range evals {
			id, status := "", ""
			if e.Incident != nil {
				id, status = e.Incident.ID, string(e.Incident.Status)
			}
			fmt.Fprintf(writer, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				i+1, formatValue(e.Value), e.Classification, e.Streak.BreachCount, e.Streak.NormalCount, e.Action, id, status)
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	published := 0
	for drained := false; !drained; {
		select {
		case <-events:
			published++
		default:
			drained = true
		}
	}
	fmt.Fprintf(a.Out, "%d event(s) published\n", published)
	return nil
}

// Sweep deletes expired resolved incidents, or only counts them on a dry run.
func (a *App) Sweep(ctx context.Context, dryRun bool) error {
	_, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	sw, err := sweeper.New(b.incidents, a.Config.Retention.Window, a.Config.Retention.Schedule, nil, a.Logger)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if dryRun {
		n, err := sw.Preview(ctx, now)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%d resolved incident(s) older than %s would be deleted\n", n, sw.Cutoff(now).Format(time.RFC3339))
		return nil
	}

	n, err := sw.SweepOnce(ctx, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%d resolved incident(s) deleted\n", n)
	return nil
}
