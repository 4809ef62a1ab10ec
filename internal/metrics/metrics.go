package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of trade gateway calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of trade gateway calls",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	SettlementAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_attempts_total",
			Help: "Settlement attempts by method, trigger and outcome",
		},
		[]string{"method", "trigger", "outcome"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by type and status",
		},
		[]string{"type", "status"},
	)

	NotifyReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_notify_total",
			Help: "Inbound gateway notifications by result",
		},
		[]string{"result"},
	)
)

// Handler exposes the default registry on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
