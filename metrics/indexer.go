package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexerBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_indexer",
		Subsystem: "indexer",
		Name:      "blocks_total",
		Help:      "Count of connected and disconnected blocks.",
	}, []string{"network", "op", "status"})
	indexerBlockDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "token_indexer",
		Subsystem: "indexer",
		Name:      "block_duration_seconds",
		Help:      "Duration of indexing a block connect or disconnect.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"network", "op", "status"})
	indexerBlockTxs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "token_indexer",
		Subsystem: "indexer",
		Name:      "block_txs",
		Help:      "Number of txs per indexed block.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"network", "op"})
	indexerMempoolTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_indexer",
		Subsystem: "mempool",
		Name:      "operations_total",
		Help:      "Count of mempool add and remove operations.",
	}, []string{"network", "op", "status"})
	indexerMempoolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "token_indexer",
		Subsystem: "mempool",
		Name:      "operation_duration_seconds",
		Help:      "Duration of mempool operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"network", "op", "status"})
	indexerTipHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "token_indexer",
		Subsystem: "indexer",
		Name:      "tip_height",
		Help:      "Height of the last indexed block.",
	}, []string{"network"})
)

// Indexer tracks block and mempool processing of the writer lane.
type Indexer struct {
	network string
}

func NewIndexer(network string) *Indexer {
	if network == "" {
		network = "unknown"
	}
	return &Indexer{network: network}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m Indexer) observeBlock(op string, err error, numTxs int, started time.Time) {
	indexerBlocksTotal.WithLabelValues(m.network, op, status(err)).Inc()
	indexerBlockDuration.WithLabelValues(m.network, op, status(err)).Observe(time.Since(started).Seconds())
	indexerBlockTxs.WithLabelValues(m.network, op).Observe(float64(numTxs))
}

// ObserveConnect records one block connect.
func (m Indexer) ObserveConnect(err error, numTxs int, started time.Time) {
	m.observeBlock("connect", err, numTxs, started)
}

// ObserveDisconnect records one block disconnect.
func (m Indexer) ObserveDisconnect(err error, numTxs int, started time.Time) {
	m.observeBlock("disconnect", err, numTxs, started)
}

// ObserveMempool records a mempool add or remove.
func (m Indexer) ObserveMempool(op string, err error, started time.Time) {
	indexerMempoolTotal.WithLabelValues(m.network, op, status(err)).Inc()
	indexerMempoolDuration.WithLabelValues(m.network, op, status(err)).Observe(time.Since(started).Seconds())
}

func (m Indexer) SetTip(height int32) {
	indexerTipHeight.WithLabelValues(m.network).Set(float64(height))
}
