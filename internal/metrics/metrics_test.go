package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestCounters(t *testing.T) {
	c := NotificationsApplied.WithLabelValues("metrics-test")
	before := value(t, c)
	c.Add(3)
	assert.Equal(t, before+3, value(t, c))
}

func TestGauges(t *testing.T) {
	Lag.WithLabelValues("metrics-test").Set(7)
	assert.Equal(t, float64(7), value(t, Lag.WithLabelValues("metrics-test")))

	RunnerConnBudget.Set(4)
	assert.Equal(t, float64(4), value(t, RunnerConnBudget))
}

func TestRegisteredWithDefaultGatherer(t *testing.T) {
	AppendsTotal.WithLabelValues("ok").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["projector_eventstore_appends_total"])
}
