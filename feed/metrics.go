package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkpointGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litesync_feed_checkpoint_sequence",
		Help: "Checkpoint sequence of the feed, as of its last delivered batch.",
	}, []string{"feed"})
	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_feed_duplicate_revisions_total",
		Help: "Cumulative number of completed commits whose revision was recently seen, and which were not re-enqueued.",
	}, []string{"feed"})
	saveFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_feed_checkpoint_save_failures_total",
		Help: "Cumulative number of failed checkpoint Saves.",
	}, []string{"feed"})
)
