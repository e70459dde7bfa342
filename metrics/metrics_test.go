package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSnapshotOfRegistry(t *testing.T) {
	var reg = prometheus.NewRegistry()

	var counter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_test_total",
		Help: "help",
	}, []string{"feed", "kind"})
	var gauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litesync_test_gauge",
		Help: "help",
	})
	var hist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "litesync_test_size",
		Help: "help",
	})
	var other = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "other_total",
		Help: "help",
	})
	reg.MustRegister(counter, gauge, hist, other)

	counter.WithLabelValues("b", "x").Add(2)
	counter.WithLabelValues("a", "y").Inc()
	gauge.Set(7)
	hist.Observe(3)
	hist.Observe(4)
	other.Inc()

	var samples, err = Snapshot(reg, Prefix)
	require.NoError(t, err)
	require.Equal(t, []Sample{
		{Name: "litesync_test_gauge", Value: 7},
		{Name: "litesync_test_size", Value: 7, Count: 2},
		{Name: "litesync_test_total", Labels: map[string]string{"feed": "a", "kind": "y"}, Value: 1},
		{Name: "litesync_test_total", Labels: map[string]string{"feed": "b", "kind": "x"}, Value: 2},
	}, samples)

	require.Equal(t, "feed=a,kind=y", samples[2].LabelString())
	require.Equal(t, "", samples[0].LabelString())
}
