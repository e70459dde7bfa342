package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_batch_enqueued_items_total",
		Help: "Cumulative number of items enqueued to a Batcher.",
	}, []string{"batcher"})
	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_batch_delivered_items_total",
		Help: "Cumulative number of items successfully processed by a Batcher's processor.",
	}, []string{"batcher"})
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_batch_flushes_total",
		Help: "Cumulative number of batches taken from a Batcher's inbox, by trigger.",
	}, []string{"batcher", "trigger"})
	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "litesync_batch_size_items",
		Help:    "Number of items of batches taken from a Batcher's inbox.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"batcher"})
	processFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_batch_process_failures_total",
		Help: "Cumulative number of batches dropped due to a processor error or panic.",
	}, []string{"batcher"})
)
