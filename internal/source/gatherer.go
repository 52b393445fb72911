package source

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Gatherer reads values out of a Prometheus registry. Each monitored metric
// maps to a family name; the family's series are summed. Histograms and
// summaries report their mean observation.
type Gatherer struct {
	gatherer prometheus.Gatherer
	families map[string]string
}

// NewGatherer maps monitored metric names to Prometheus family names.
func NewGatherer(g prometheus.Gatherer, families map[string]string) *Gatherer {
	m := make(map[string]string, len(families))
	for k, v := range families {
		m[k] = v
	}
	return &Gatherer{gatherer: g, families: m}
}

// Metrics lists the monitored names this gatherer serves.
func (g *Gatherer) Metrics() []string {
	out := make([]string, 0, len(g.families))
	for k := range g.families {
		out = append(out, k)
	}
	return out
}

// GetCurrentValue implements Source.
func (g *Gatherer) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	family, ok := g.families[metric]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	mfs, err := g.gatherer.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather: %w", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == family {
			return familyValue(mf)
		}
	}
	return 0, fmt.Errorf("metric family %s not registered", family)
}

func familyValue(mf *dto.MetricFamily) (float64, error) {
	var sum, count float64
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_GAUGE:
			sum += m.GetGauge().GetValue()
		case dto.MetricType_COUNTER:
			sum += m.GetCounter().GetValue()
		case dto.MetricType_UNTYPED:
			sum += m.GetUntyped().GetValue()
		case dto.MetricType_HISTOGRAM:
			sum += m.GetHistogram().GetSampleSum()
			count += float64(m.GetHistogram().GetSampleCount())
		case dto.MetricType_SUMMARY:
			sum += m.GetSummary().GetSampleSum()
			count += float64(m.GetSummary().GetSampleCount())
		default:
			return 0, fmt.Errorf("unsupported metric type %s", mf.GetType())
		}
	}
	switch mf.GetType() {
	case dto.MetricType_HISTOGRAM, dto.MetricType_SUMMARY:
		if count == 0 {
			return 0, nil
		}
		return sum / count, nil
	}
	return sum, nil
}

var _ Source = (*Gatherer)(nil)
