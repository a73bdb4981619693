package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_indexer",
		Subsystem: "rpc_client",
		Name:      "operations_total",
		Help:      "Count of node RPC operations.",
	}, []string{"operation", "network", "status"})
	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "token_indexer",
		Subsystem: "rpc_client",
		Name:      "operation_duration_seconds",
		Help:      "Duration of node RPC operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "network", "status"})
)

// RPC tracks calls made to the node.
type RPC struct {
	network string
}

func NewRPC(network string) *RPC {
	if network == "" {
		network = "unknown"
	}
	return &RPC{network: network}
}

// Observe records a single RPC call outcome and duration.
func (m RPC) Observe(operation string, err error, started time.Time) {
	rpcRequestsTotal.WithLabelValues(operation, m.network, status(err)).Inc()
	rpcRequestDuration.WithLabelValues(operation, m.network, status(err)).Observe(time.Since(started).Seconds())
}
