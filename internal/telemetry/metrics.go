// Package telemetry exposes prometheus metrics for the control plane.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedSessions tracks live gateway sessions by role.
	ConnectedSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boombox_gateway_sessions",
		Help: "Number of connected gateway sessions.",
	}, []string{"role"})

	// CommandsProcessed counts commands accepted and executed, by type.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boombox_gateway_commands_total",
		Help: "Commands executed by the gateway worker.",
	}, []string{"type"})

	// CommandRejections counts NACKed commands by error code.
	CommandRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boombox_gateway_rejections_total",
		Help: "Commands rejected with a NACK.",
	}, []string{"code"})

	// CommandQueueDepth tracks the occupancy of the command FIFO.
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boombox_gateway_queue_depth",
		Help: "Commands waiting in the gateway FIFO.",
	})

	// ReconcileRuns counts autoplay reconciliation passes by result.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boombox_advancer_reconcile_total",
		Help: "Reconciliation passes by result.",
	}, []string{"result"})

	// SnapshotWrites counts snapshot writes by status.
	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boombox_snapshot_writes_total",
		Help: "Snapshot writes by status.",
	}, []string{"status"})

	// DisplayAckTimeouts counts instructions the display never confirmed.
	DisplayAckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boombox_display_ack_timeouts_total",
		Help: "Dispatched instructions that timed out waiting for the display.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
