package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.PollTicks.WithLabelValues("unpaid").Inc()
	m.ActivePollers.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["test_poll_ticks_total"])
	assert.Equal(t, float64(1), values["test_active_pollers"])
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics("test", reg)

	assert.Panics(t, func() { NewMetrics("test", reg) })
}
