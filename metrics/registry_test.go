package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterIsIdempotentByName(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("gateway_requests_total", "total requests")
	b := r.Counter("gateway_requests_total", "total requests")
	a.Inc()
	b.Inc()

	metricFamilies, err := r.Prometheus().Gather()
	require.NoError(t, err)
	require.Len(t, metricFamilies, 1)
	require.Equal(t, float64(2), metricFamilies[0].Metric[0].Counter.GetValue())
}

func TestGaugeSetAndCounterVec(t *testing.T) {
	r := NewRegistry()
	g := r.Gauge("gateway_wal_pressure", "wal disk pressure flag")
	g.Set(1)

	cv := r.CounterVec("gateway_dlq_enqueued_total", "entries moved to dlq", []string{"tenant"})
	cv.WithLabelValues("t1").Inc()

	mfs, err := r.Prometheus().Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 2)
}
