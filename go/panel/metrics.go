package panel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodex_panel_requests_total",
	Help: "counter of panel API requests, by panel, operation, and outcome",
}, []string{"panel", "op", "status"})
