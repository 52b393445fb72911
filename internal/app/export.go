package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"perfwatch/internal/storage"
)

// ExportOptions hold parameters for exporting incident frequency.
type ExportOptions struct {
	Days    int
	PNGPath string
	CSVPath string
}

// Export renders daily incident frequency as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	days := a.Config.ResolveDays(opts.Days)

	svc, b, err := a.service(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()

	buckets, err := svc.Frequency(ctx, days)
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		a.Logger.Info().Int("days", days).Msg("no incidents found for export window")
		return nil
	}
	a.Logger.Info().Int("days", days).Int("buckets", len(buckets)).Msg("exporting incident frequency")

	if opts.CSVPath != "" {
		if err := writeFrequencyCSV(opts.CSVPath, buckets); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFrequencyPNG(opts.PNGPath, buckets, days, time.Now().UTC()); err != nil {
			return err
		}
	}

	return nil
}

func writeFrequencyCSV(path string, buckets []storage.FrequencyBucket) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"day", "metric_name", "severity", "count"}); err != nil {
		return err
	}
	for _, b := range buckets {
		record := []string{
			b.Day.UTC().Format("2006-01-02"),
			b.MetricName,
			string(b.Severity),
			strconv.FormatInt(b.Count, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// frequencySeries folds buckets into one daily series per metric, filling
// empty days with zero so every line spans the whole window.
func frequencySeries(buckets []storage.FrequencyBucket, days int, now time.Time) ([]time.Time, map[string][]float64) {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -(days - 1))

	x := make([]time.Time, days)
	for i := range x {
		x[i] = start.AddDate(0, 0, i)
	}

	series := make(map[string][]float64)
	for _, b := range buckets {
		idx := int(b.Day.UTC().Sub(start).Hours() / 24)
		if idx < 0 || idx >= days {
			continue
		}
		ys, ok := series[b.MetricName]
		if !ok {
			ys = make([]float64, days)
			series[b.MetricName] = ys
		}
		ys[idx] += float64(b.Count)
	}
	return x, series
}

func writeFrequencyPNG(path string, buckets []storage.FrequencyBucket, days int, now time.Time) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if days < 2 {
		days = 2
	}

	x, series := frequencySeries(buckets, days, now)
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	chartSeries := make([]chart.Series, 0, len(names))
	for _, name := range names {
		chartSeries = append(chartSeries, chart.TimeSeries{
			Name:    name,
			XValues: x,
			YValues: series[name],
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Incidents per day",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: chartSeries,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
