package change

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	listenersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litesync_change_listeners",
		Help: "Number of registered change Listeners.",
	})
	notifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "litesync_change_notified_events_total",
		Help: "Cumulative number of change Events passed to Notify.",
	})
	notifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "litesync_change_listener_failures_total",
		Help: "Cumulative number of Listener deliveries which returned an error or panicked.",
	})
)
