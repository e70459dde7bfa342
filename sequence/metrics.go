package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "litesync_sequence_issued_total",
		Help: "Cumulative number of sequences issued by Trackers.",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litesync_sequence_pending",
		Help: "Number of issued sequences which have not yet completed.",
	})
	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "litesync_sequence_duplicate_completions_total",
		Help: "Cumulative number of completions of already-completed sequences.",
	})
	invalidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "litesync_sequence_invalid_completions_total",
		Help: "Cumulative number of completions of sequences which were never issued.",
	})
)
