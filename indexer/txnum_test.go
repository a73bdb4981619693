package indexer

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/common"
	"github.com/stretchr/testify/require"
)

func TestTxNumCache(t *testing.T) {
	c := NewTxNumCache(2)
	a, b, d := coinbaseTx(1), coinbaseTx(2), coinbaseTx(3)
	c.Push([]*common.Tx{a}, 0)
	c.Push([]*common.Tx{b}, 1)
	c.Push([]*common.Tx{d}, 2)
	require.Equal(t, 2, c.Len())

	_, ok := c.Get(a.TxID)
	require.False(t, ok, "oldest block is evicted")
	n, ok := c.Get(d.TxID)
	require.True(t, ok)
	require.Equal(t, uint64(2), n)

	c.Pop()
	_, ok = c.Get(d.TxID)
	require.False(t, ok)
	n, ok = c.Get(b.TxID)
	require.True(t, ok)
	require.Equal(t, uint64(1), n)

	disabled := NewTxNumCache(0)
	disabled.Push([]*common.Tx{a}, 0)
	require.Equal(t, 0, disabled.Len())
}

func TestPrepareTxsResolvesInputs(t *testing.T) {
	db := openTestDB(t)
	confirmed := coinbaseTx(1, 50)
	b := db.NewBatch()
	require.NoError(t, putTx(b, 41, &TxRecord{TxID: confirmed.TxID}))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	cached := coinbaseTx(2, 60)
	cache := NewTxNumCache(3)
	cache.Push([]*common.Tx{cached}, 42)

	cb := coinbaseTx(3, 1)
	parent := spendTx(4, confirmed, 0, 49)
	child := &common.Tx{TxID: txHash(5), Inputs: []common.TxInput{
		{PrevOut: wire.OutPoint{Hash: parent.TxID}},
		{PrevOut: wire.OutPoint{Hash: cached.TxID}},
	}}

	txs, err := prepareTxs(db, cache, []*common.Tx{cb, parent, child}, 100)
	require.NoError(t, err)
	require.True(t, txs[0].IsCoinbase)
	require.Nil(t, txs[0].InputNums)
	require.Equal(t, uint64(101), txs[1].TxNum)
	require.Equal(t, []uint64{41}, txs[1].InputNums)
	require.Equal(t, []uint64{101, 42}, txs[2].InputNums)

	orphan := spendTx(6, coinbaseTx(9, 1), 0, 1)
	_, err = prepareTxs(db, cache, []*common.Tx{cb, orphan}, 100)
	var unknown *UnknownInputSpentError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, txHash(9), unknown.OutPoint.Hash)
}
