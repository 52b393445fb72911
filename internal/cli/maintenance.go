package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"perfwatch/internal/app"
	"perfwatch/internal/storage"
)

var (
	sweepDryRun bool

	exportDays    int
	exportPNGPath string
	exportCSVPath string

	simulateMetric   string
	simulateWarning  float64
	simulateCritical float64
	simulateBreaches int
	simulateNormal   int
	simulateValues   string
	simulateInterval time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete resolved incidents older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context(), sweepDryRun)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export daily incident frequency as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Days:    exportDays,
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
		})
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一组读数并打印每个 tick 的评估结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseValues(simulateValues)
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Metric:   simulateMetric,
			Warning:  simulateWarning,
			Critical: simulateCritical,
			Breaches: simulateBreaches,
			Normal:   simulateNormal,
			Values:   values,
			Interval: simulateInterval,
		})
	},
}

func parseValues(raw string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --values entry %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Only count what would be deleted")

	exportCmd.Flags().IntVar(&exportDays, "days", 0, "Days of history to export (defaults to config)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")

	simulateCmd.Flags().StringVar(&simulateMetric, "metric", "p95_latency_ms", "Metric name")
	simulateCmd.Flags().Float64Var(&simulateWarning, "warning", 200, "Warning threshold")
	simulateCmd.Flags().Float64Var(&simulateCritical, "critical", 500, "Critical threshold")
	simulateCmd.Flags().IntVar(&simulateBreaches, "breaches", storage.DefaultBreachesRequired, "Consecutive breaches required")
	simulateCmd.Flags().IntVar(&simulateNormal, "normal", storage.DefaultNormalRequired, "Consecutive normal readings required")
	simulateCmd.Flags().StringVar(&simulateValues, "values", "", "Comma separated readings, one per tick")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 0, "Simulated tick spacing (defaults to monitor.interval)")
}
