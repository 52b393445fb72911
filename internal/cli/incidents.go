package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"perfwatch/internal/app"
	"perfwatch/internal/storage"
)

var (
	historyMetric   string
	historySeverity string
	historyStatus   string
	historyFrom     string
	historyTo       string
	historyPage     int
	historyPageSize int

	ackActor string
	ackNotes string
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List open incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Incidents(cmd.Context())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Page through incident history",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := historyOptions()
		if err != nil {
			return err
		}
		return getApp().History(cmd.Context(), opts)
	},
}

var recoveriesCmd = &cobra.Command{
	Use:   "recoveries",
	Short: "Page through automatically resolved incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := historyOptions()
		if err != nil {
			return err
		}
		return getApp().Recoveries(cmd.Context(), opts)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show open incident counts by severity and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Summary(cmd.Context())
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <incident-id>",
	Short: "Acknowledge an incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Acknowledge(cmd.Context(), args[0], ackActor, ackNotes)
	},
}

var ackAllCmd = &cobra.Command{
	Use:   "ack-all",
	Short: "Acknowledge every active incident",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AcknowledgeAll(cmd.Context(), ackActor)
	},
}

func historyOptions() (app.HistoryOptions, error) {
	opts := app.HistoryOptions{
		Filter: storage.HistoryFilter{MetricName: historyMetric},
		Page:   storage.Page{Number: historyPage, Size: historyPageSize},
	}

	if historySeverity != "" {
		sev, err := storage.ParseSeverity(historySeverity)
		if err != nil {
			return opts, fmt.Errorf("invalid --severity value: %w", err)
		}
		opts.Filter.Severity = sev
	}

	if historyStatus != "" {
		status, err := storage.ParseStatus(historyStatus)
		if err != nil {
			return opts, fmt.Errorf("invalid --status value: %w", err)
		}
		opts.Filter.Status = status
	}

	if historyFrom != "" {
		from, err := time.Parse(time.RFC3339, historyFrom)
		if err != nil {
			return opts, fmt.Errorf("invalid --from value: %w", err)
		}
		opts.Filter.From = &from
	}

	if historyTo != "" {
		to, err := time.Parse(time.RFC3339, historyTo)
		if err != nil {
			return opts, fmt.Errorf("invalid --to value: %w", err)
		}
		opts.Filter.To = &to
	}

	return opts, nil
}

func init() {
	for _, cmd := range []*cobra.Command{historyCmd, recoveriesCmd} {
		cmd.Flags().StringVar(&historyMetric, "metric", "", "Only incidents for this metric")
		cmd.Flags().StringVar(&historySeverity, "severity", "", "Only incidents of this severity (warning, critical)")
		cmd.Flags().StringVar(&historyFrom, "from", "", "Triggered at or after (RFC3339, inclusive)")
		cmd.Flags().StringVar(&historyTo, "to", "", "Triggered before (RFC3339, exclusive)")
		cmd.Flags().IntVar(&historyPage, "page", 1, "Page number, starting at 1")
		cmd.Flags().IntVar(&historyPageSize, "page-size", storage.DefaultPageSize, "Incidents per page (max 500)")
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only incidents in this status (active, acknowledged, resolved)")

	for _, cmd := range []*cobra.Command{ackCmd, ackAllCmd} {
		cmd.Flags().StringVar(&ackActor, "actor", "", "Who is acknowledging")
		_ = cmd.MarkFlagRequired("actor")
	}
	ackCmd.Flags().StringVar(&ackNotes, "notes", "", "Free-form acknowledgement notes")
}
