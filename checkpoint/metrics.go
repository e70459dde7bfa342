package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_checkpoint_loads_total",
		Help: "Cumulative number of Checkpoints loaded, by store kind.",
	}, []string{"store"})
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litesync_checkpoint_saves_total",
		Help: "Cumulative number of Checkpoints saved, by store kind.",
	}, []string{"store"})
)
