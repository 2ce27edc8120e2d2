package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var collectionsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collsync_persist_collections_written_total",
	Help: "Number of collection writes, by backend and result",
}, []string{"backend", "result"})

var bytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collsync_persist_bytes_written_total",
	Help: "Serialized record bytes handed to the backend",
}, []string{"backend"})

var collectionsRestored = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collsync_persist_collections_restored_total",
	Help: "Number of tables read back during restore, by backend and result",
}, []string{"backend", "result"})

var storageFullEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collsync_persist_storage_full_total",
	Help: "Number of writes rejected because the backend was out of space",
}, []string{"backend"})

var permissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collsync_persist_permission_denied_total",
	Help: "Number of operations refused by a permission gate",
}, []string{"op"})
