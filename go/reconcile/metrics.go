package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodex_reconcile_ops_total",
	Help: "counter of reconcile operations issued to panels, by operation and outcome",
}, []string{"op", "status"})

var nodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nodex_reconcile_node_failures_total",
	Help: "counter of per-node reconcile passes abandoned by a login failure",
})

func countOp(op string, err error) {
	var status = "ok"
	if err != nil {
		status = "error"
	}
	opsTotal.WithLabelValues(op, status).Inc()
}
