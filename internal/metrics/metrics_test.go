package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func TestCountersAndGauge(t *testing.T) {
	m := New()
	m.ObserveTick(TickOK, 20*time.Millisecond)
	m.ObserveTick(TickSkipped, 0)
	m.IncidentOpened("p95_latency_ms", "warning")
	m.IncidentOpened("p95_latency_ms", "warning")
	m.IncidentResolved("p95_latency_ms")
	m.IncidentsAcknowledged(3)
	m.IncidentsSwept(2)
	m.SourceFailed("heap_usage_pct")
	m.SetOpenIncidents(4)

	ticks := family(t, m, "perfwatch_monitor_ticks_total")
	assert.Len(t, ticks.GetMetric(), 2)

	opened := family(t, m, "perfwatch_incidents_opened_total")
	require.Len(t, opened.GetMetric(), 1)
	assert.Equal(t, 2.0, opened.GetMetric()[0].GetCounter().GetValue())

	acked := family(t, m, "perfwatch_incidents_acknowledged_total")
	assert.Equal(t, 3.0, acked.GetMetric()[0].GetCounter().GetValue())

	swept := family(t, m, "perfwatch_incidents_swept_total")
	assert.Equal(t, 2.0, swept.GetMetric()[0].GetCounter().GetValue())

	gauge := family(t, m, "perfwatch_open_incidents")
	assert.Equal(t, 4.0, gauge.GetMetric()[0].GetGauge().GetValue())

	hist := family(t, m, "perfwatch_monitor_tick_duration_seconds")
	assert.EqualValues(t, 1, hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick(TickOK, time.Second)
	m.SourceFailed("x")
	m.IncidentOpened("x", "critical")
	m.IncidentResolved("x")
	m.IncidentsAcknowledged(1)
	m.IncidentsSwept(1)
	m.SetOpenIncidents(1)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesFamilies(t *testing.T) {
	m := New()
	m.IncidentResolved("error_rate_pct")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `perfwatch_incidents_resolved_total{metric="error_rate_pct"} 1`))
}
