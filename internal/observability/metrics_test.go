package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Runs.WithLabelValues("feed", "done").Inc()
	m.Records.WithLabelValues("feed", OutcomeInserted).Add(3)
	m.GeocodeRequests.WithLabelValues("success").Inc()
	m.GeocodeCache.WithLabelValues("hit").Inc()
	m.GeocodeAPIDuration.Observe(0.2)
	m.RunDuration.WithLabelValues("feed").Observe(4)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"accidents_runs_total",
		"accidents_records_total",
		"accidents_run_duration_seconds",
		"accidents_geocode_requests_total",
		"accidents_geocode_cache_total",
		"accidents_geocode_api_duration_seconds",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	assert.InDelta(t, 3, testutil.ToFloat64(m.Records.WithLabelValues("feed", OutcomeInserted)), 0)
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestNewMetricsForTesting_Independent(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.GeocodeCache.WithLabelValues("miss").Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(a.GeocodeCache.WithLabelValues("miss")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.GeocodeCache.WithLabelValues("miss")), 0)
}
