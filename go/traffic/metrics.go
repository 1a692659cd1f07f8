package traffic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deltaBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodex_traffic_delta_bytes_total",
	Help: "Bytes of new client traffic observed across all panels.",
}, []string{"direction"})

var resetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodex_traffic_resets_total",
	Help: "Accounting cycle resets, by what triggered them.",
}, []string{"kind"})

var clientsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nodex_traffic_clients_processed_total",
	Help: "Client emails successfully aggregated.",
})
