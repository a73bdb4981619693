package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	historyNumTxsLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_indexer",
		Subsystem: "history",
		Name:      "num_txs_lookups_total",
		Help:      "Count of num_txs lookups by the source that answered them.",
	}, []string{"group", "source"})
	historyBloomFalsePositives = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_indexer",
		Subsystem: "history",
		Name:      "bloom_false_positives_total",
		Help:      "Count of members the bloom filter reported that had no history.",
	}, []string{"group"})
)

// History tracks how num_txs lookups of one group are answered.
type History struct {
	group string
}

func NewHistory(group string) *History {
	if group == "" {
		group = "unknown"
	}
	return &History{group: group}
}

// BloomMiss counts members the bloom filter ruled out without a read.
func (m History) BloomMiss() {
	historyNumTxsLookups.WithLabelValues(m.group, "bloom").Inc()
}

func (m History) CacheHit() {
	historyNumTxsLookups.WithLabelValues(m.group, "cache").Inc()
}

// Fetched counts members read from the database, falsePositive when the
// bloom filter said maybe but the member had no history.
func (m History) Fetched(falsePositive bool) {
	historyNumTxsLookups.WithLabelValues(m.group, "db").Inc()
	if falsePositive {
		historyBloomFalsePositives.WithLabelValues(m.group).Inc()
	}
}
