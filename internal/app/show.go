package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"perfwatch/internal/incident"
	"perfwatch/internal/storage"
)

// HistoryOptions configure the history and recoveries commands.
type HistoryOptions struct {
	Filter storage.HistoryFilter
	Page   storage.Page
}

// ConfigSetOptions carry a partial alert config update.
type ConfigSetOptions struct {
	Metric string
	Update incident.ConfigUpdate
}

// Incidents prints the currently open incidents.
func (a *App) Incidents(ctx context.Context) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	items, err := svc.Active(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.Out, "no open incidents")
		return nil
	}
	a.printIncidents(items)
	return nil
}

// History prints one page of incident history.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	return a.printPage(ctx, opts, false)
}

// Recoveries prints one page of auto-resolved incidents.
func (a *App) Recoveries(ctx context.Context, opts HistoryOptions) error {
	return a.printPage(ctx, opts, true)
}

func (a *App) printPage(ctx context.Context, opts HistoryOptions, autoOnly bool) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	var page storage.IncidentPage
	if autoOnly {
		page, err = svc.AutoRecoveries(ctx, opts.Filter, opts.Page)
	} else {
		page, err = svc.History(ctx, opts.Filter, opts.Page)
	}
	if err != nil {
		return err
	}
	if len(page.Items) == 0 {
		fmt.Fprintf(a.Out, "no incidents found (total %d)\n", page.Total)
		return nil
	}
	a.printIncidents(page.Items)
	fmt.Fprintf(a.Out, "page %d (size %d) of %d incidents\n", page.Page, page.PageSize, page.Total)
	return nil
}

// Summary prints open incident counts.
func (a *App) Summary(ctx context.Context) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	s, err := svc.Summary(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Warning\tCritical\tActive\tAcknowledged\tTotal")
	fmt.Fprintf(writer, "%d\t%d\t%d\t%d\t%d\n", s.Warning, s.Critical, s.Active, s.Acknowledged, s.Total)
	return writer.Flush()
}

// Acknowledge marks one incident as acknowledged.
func (a *App) Acknowledge(ctx context.Context, id, actor, notes string) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	inc, err := svc.Acknowledge(ctx, id, actor, notes)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "incident %s acknowledged by %s\n", inc.ID, actor)
	return nil
}

// AcknowledgeAll acknowledges every active incident.
func (a *App) AcknowledgeAll(ctx context.Context, actor string) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	n, err := svc.AcknowledgeAll(ctx, actor)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%d incident(s) acknowledged\n", n)
	return nil
}

// Configs prints every alert configuration.
func (a *App) Configs(ctx context.Context) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	configs, err := svc.Configs(ctx)
	if err != nil {
		return err
	}
	a.printConfigs(configs)
	return nil
}

// ConfigSet applies a partial update to one alert configuration.
func (a *App) ConfigSet(ctx context.Context, opts ConfigSetOptions) error {
	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	cfg, err := svc.UpdateConfig(ctx, opts.Metric, opts.Update)
	if err != nil {
		return err
	}
	a.printConfigs([]storage.AlertConfig{cfg})
	return nil
}

func (a *App) printIncidents(items []storage.Incident) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tMetric\tSeverity\tStatus\tValue\tThreshold\tTriggered (UTC)\tAcknowledged By\tResolved (UTC)\tAuto")

	for _, inc := range items {
		ackBy, resolved := "", ""
		if inc.AcknowledgedBy != nil {
			ackBy = sanitizeInline(*inc.AcknowledgedBy)
		}
		if inc.ResolvedAt != nil {
			resolved = inc.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			inc.ID,
			inc.MetricName,
			inc.Severity,
			inc.Status,
			formatValue(inc.TriggerValue),
			formatValue(inc.ThresholdAtTrigger),
			inc.TriggeredAt.UTC().Format(time.RFC3339),
			ackBy,
			resolved,
			inc.AutoResolved,
		)
	}
	writer.Flush()
}

func (a *App) printConfigs(configs []storage.AlertConfig) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Metric\tWarning\tCritical\tEnabled\tBreaches\tNormal\tUpdated (UTC)")
	for _, cfg := range configs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			cfg.MetricName,
			formatValue(cfg.WarningThreshold),
			formatValue(cfg.CriticalThreshold),
			cfg.IsEnabled,
			cfg.ConsecutiveBreachesRequired,
			cfg.ConsecutiveNormalRequired,
			cfg.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

// formatValue trims trailing zeros so 200 prints as "200" and 1.25 as "1.25".
func formatValue(v float64) string {
	return decimal.NewFromFloat(v).Round(3).String()
}
