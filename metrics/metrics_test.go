package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func delta(t *testing.T, collector prometheus.Collector, observe func()) float64 {
	t.Helper()

	before := testutil.ToFloat64(collector)
	observe()
	return testutil.ToFloat64(collector) - before
}

func TestIndexerRecords(t *testing.T) {
	m := NewIndexer("")
	start := time.Now().Add(-time.Second)

	require.Equal(t, 1.0, delta(t, indexerBlocksTotal.WithLabelValues("unknown", "connect", "success"), func() {
		m.ObserveConnect(nil, 3, start)
	}))
	require.Equal(t, 1.0, delta(t, indexerBlocksTotal.WithLabelValues("unknown", "disconnect", "error"), func() {
		m.ObserveDisconnect(errors.New("boom"), 3, start)
	}))
	require.Equal(t, 1.0, delta(t, indexerMempoolTotal.WithLabelValues("unknown", "add", "success"), func() {
		m.ObserveMempool("add", nil, start)
	}))

	m.SetTip(42)
	require.Equal(t, 42.0, testutil.ToFloat64(indexerTipHeight.WithLabelValues("unknown")))
}

func TestHistoryRecords(t *testing.T) {
	m := NewHistory("script")

	require.Equal(t, 1.0, delta(t, historyNumTxsLookups.WithLabelValues("script", "bloom"), m.BloomMiss))
	require.Equal(t, 1.0, delta(t, historyNumTxsLookups.WithLabelValues("script", "cache"), m.CacheHit))
	require.Equal(t, 1.0, delta(t, historyBloomFalsePositives.WithLabelValues("script"), func() {
		m.Fetched(true)
	}))
	require.Equal(t, 0.0, delta(t, historyBloomFalsePositives.WithLabelValues("script"), func() {
		m.Fetched(false)
	}))
}

func TestRPCRecords(t *testing.T) {
	m := NewRPC("regtest")
	start := time.Now().Add(-200 * time.Millisecond)

	require.Equal(t, 1.0, delta(t, rpcRequestsTotal.WithLabelValues("getblock", "regtest", "success"), func() {
		m.Observe("getblock", nil, start)
	}))
	m.Observe("getblock", errors.New("oops"), start)
}
