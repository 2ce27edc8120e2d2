package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collsync_sync_runs_total",
		Help: "Collection syncs by direction and result",
	}, []string{"direction", "result"})

	syncItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collsync_sync_items_total",
		Help: "Documents handled by sync, by direction and action",
	}, []string{"direction", "action"})
)

func countRun(direction string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	syncRuns.WithLabelValues(direction, result).Inc()
}
