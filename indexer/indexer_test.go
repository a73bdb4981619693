package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/mempool"
	"github.com/metaid/token_indexer/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var valueGroup = group.Value{GroupCFs: storage.GroupCFs{History: 0xf0, NumTxs: 0xf1, Cache: 0xf2, Utxo: 0xf3}}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func newTestIndexer(t *testing.T, db *storage.DB, conf HistoryConf) *Indexer {
	t.Helper()
	idx, err := New(db, Params{Network: "test", History: conf, TxNumCacheDepth: 2, Groups: []group.Group{valueGroup}}, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func txHash(id byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = id
	h[31] = 0x11
	return h
}

func coinbaseTx(id byte, values ...int64) *common.Tx {
	tx := &common.Tx{
		TxID:   txHash(id),
		Inputs: []common.TxInput{{PrevOut: wire.OutPoint{Index: wire.MaxPrevOutIndex}}},
	}
	for _, v := range values {
		tx.Outputs = append(tx.Outputs, common.TxOutput{Value: v})
	}
	return tx
}

func spendTx(id byte, prev *common.Tx, outIdx uint32, values ...int64) *common.Tx {
	tx := &common.Tx{
		TxID: txHash(id),
		Inputs: []common.TxInput{{
			PrevOut: wire.OutPoint{Hash: prev.TxID, Index: outIdx},
			Coin:    &common.Coin{Output: prev.Outputs[outIdx]},
		}},
	}
	for _, v := range values {
		tx.Outputs = append(tx.Outputs, common.TxOutput{Value: v})
	}
	return tx
}

func newBlock(height int32, prev *common.Block, txs ...*common.Tx) *common.Block {
	b := &common.Block{Height: height, Txs: txs}
	b.Hash[0] = 0xb0
	b.Hash[1] = byte(height)
	if prev != nil {
		b.PrevHash = prev.Hash
	}
	return b
}

// s4Chain builds two blocks where every tx except the fourth touches
// value 10.
func s4Chain() (*common.Block, *common.Block) {
	cb0 := coinbaseTx(0, 10)
	block0 := newBlock(0, nil, cb0)

	cb1 := coinbaseTx(1, 10, 20)
	txs := []*common.Tx{cb1, spendTx(2, cb0, 0, 10), spendTx(3, cb1, 1, 20)}
	prev := txs[1]
	for id := byte(4); id <= 9; id++ {
		tx := spendTx(id, prev, 0, 10)
		txs = append(txs, tx)
		prev = tx
	}
	return block0, newBlock(1, block0, txs...)
}

func pages(t *testing.T, db *storage.DB, member []byte, n uint32) [][]uint64 {
	t.Helper()
	hr := NewHistoryReader(db, valueGroup.CFs(), 4)
	out := make([][]uint64, n)
	for page := uint32(0); page < n; page++ {
		nums, err := hr.Page(member, page)
		require.NoError(t, err)
		out[page] = nums
	}
	return out
}

func numTxs(t *testing.T, db *storage.DB, member []byte) uint32 {
	t.Helper()
	n, err := NewHistoryReader(db, valueGroup.CFs(), 4).NumTxs(member)
	require.NoError(t, err)
	return n
}

// snapshot dumps every column family a block touches.
func snapshot(t *testing.T, db *storage.DB) map[string][]byte {
	t.Helper()
	cfs := []storage.CF{
		storage.CFBlocks, storage.CFBlockByHash, storage.CFTx, storage.CFTxNumByTxID, storage.CFSpentBy,
		storage.CFTokenTxData, storage.CFTokenMeta, storage.CFPluginOutputs,
		valueGroup.GroupCFs.History, valueGroup.GroupCFs.NumTxs, valueGroup.GroupCFs.Utxo,
	}
	out := make(map[string][]byte)
	for _, cf := range cfs {
		require.NoError(t, db.Iterate(cf, nil, false, func(k, v []byte) (bool, error) {
			out[cf.String()+"/"+string(k)] = v
			return true, nil
		}))
	}
	return out
}

func TestHistoryPagination(t *testing.T) {
	db := openTestDB(t)
	idx := newTestIndexer(t, db, HistoryConf{PageSize: 4})
	block0, block1 := s4Chain()
	ten := group.ValueMember(10)

	require.NoError(t, idx.HandleBlockConnected(block0))
	before := snapshot(t, db)
	require.NoError(t, idx.HandleBlockConnected(block1))

	require.Equal(t, [][]uint64{{0, 1, 2, 4}, {5, 6, 7, 8}, {9}}, pages(t, db, ten, 3))
	require.Equal(t, uint32(9), numTxs(t, db, ten))
	require.Equal(t, [][]uint64{{1, 3}}, pages(t, db, group.ValueMember(20), 1))

	tip, err := idx.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(1), tip.Height)
	require.Equal(t, uint64(1), tip.FirstTxNum)
	require.Equal(t, uint64(10), tip.EndTxNum())

	require.NoError(t, idx.HandleBlockDisconnected(block1))
	require.Equal(t, [][]uint64{{0}, nil, nil}, pages(t, db, ten, 3))
	require.Equal(t, uint32(1), numTxs(t, db, ten))
	require.Equal(t, uint32(0), numTxs(t, db, group.ValueMember(20)))
	require.Equal(t, before, snapshot(t, db))

	require.NoError(t, db.Compact(context.Background(), valueGroup.GroupCFs.History))
	require.Equal(t, [][]uint64{{0}, nil, nil}, pages(t, db, ten, 3))

	// Reconnecting gives the same layout again.
	require.NoError(t, idx.HandleBlockConnected(block1))
	require.Equal(t, [][]uint64{{0, 1, 2, 4}, {5, 6, 7, 8}, {9}}, pages(t, db, ten, 3))
}

func outpointsOf(utxos []Utxo) []wire.OutPoint {
	out := make([]wire.OutPoint, len(utxos))
	for i, u := range utxos {
		out[i] = u.OutPoint
	}
	return out
}

func TestQueriesMergeMempool(t *testing.T) {
	db := openTestDB(t)
	idx := newTestIndexer(t, db, HistoryConf{PageSize: 4})
	block0, block1 := s4Chain()
	require.NoError(t, idx.HandleBlockConnected(block0))
	require.NoError(t, idx.HandleBlockConnected(block1))
	ten := group.ValueMember(10)
	cb1, t9 := block1.Txs[0], block1.Txs[len(block1.Txs)-1]

	utxos, err := idx.Utxos("value", ten)
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{{Hash: cb1.TxID}, {Hash: t9.TxID}}, outpointsOf(utxos))
	require.Equal(t, int32(1), utxos[0].Height)
	require.True(t, utxos[0].IsCoinbase)

	info, err := idx.Tx(block0.Txs[0].TxID)
	require.NoError(t, err)
	require.Equal(t, int32(0), info.Block.Height)
	require.Equal(t, []Spend{{OutIdx: 0, TxID: txHash(2), InputIdx: 0}}, info.SpentBy)

	events, cancel := idx.Subscribe(4)
	defer cancel()

	m1 := spendTx(0x40, t9, 0, 10)
	require.NoError(t, idx.HandleMempoolAdd(mempool.Tx{Tx: m1, TimeFirstSeen: 1000}))
	require.Equal(t, Event{Kind: EventMempoolAdd, Hash: m1.TxID, Height: -1}, <-events)
	require.ErrorIs(t, idx.HandleMempoolAdd(mempool.Tx{Tx: m1, TimeFirstSeen: 1000}), mempool.ErrDuplicateTx)

	page, err := idx.TxHistoryPage("value", ten, 0, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(10), page.NumTxs)
	require.Equal(t, uint32(3), page.NumPages)
	var ids []chainhash.Hash
	for _, tx := range page.Txs {
		ids = append(ids, tx.TxID)
	}
	require.Equal(t, []chainhash.Hash{m1.TxID, t9.TxID, txHash(8), txHash(7)}, ids)
	require.Nil(t, page.Txs[0].Block)
	require.Equal(t, int32(1), page.Txs[1].Block.Height)

	last, err := idx.TxHistoryPage("value", ten, 2, 4)
	require.NoError(t, err)
	require.Len(t, last.Txs, 2)
	require.Equal(t, txHash(1), last.Txs[0].TxID)
	require.Equal(t, txHash(0), last.Txs[1].TxID)

	empty, err := idx.TxHistoryPage("value", ten, 7, 4)
	require.NoError(t, err)
	require.Empty(t, empty.Txs)

	// Offsets beyond uint32 must not wrap back to the first pages.
	for _, tt := range []struct{ page, size uint32 }{
		{page: 1 << 30, size: 4},
		{page: 1<<32 - 1, size: 4},
		{page: 1, size: 1<<32 - 1},
	} {
		far, err := idx.TxHistoryPage("value", ten, tt.page, tt.size)
		require.NoError(t, err)
		require.Empty(t, far.Txs, "page %d size %d", tt.page, tt.size)
		require.Equal(t, uint32(10), far.NumTxs)
	}
	whole, err := idx.TxHistoryPage("value", ten, 0, 1<<32-1)
	require.NoError(t, err)
	require.Len(t, whole.Txs, 10)
	require.Equal(t, uint32(1), whole.NumPages)

	utxos, err = idx.Utxos("value", ten)
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{{Hash: cb1.TxID}, {Hash: m1.TxID}}, outpointsOf(utxos))
	require.Equal(t, int32(-1), utxos[1].Height)

	bal, err := idx.Balance("value", ten)
	require.NoError(t, err)
	require.Equal(t, &Balance{
		ConfirmedBalanceSatoshi: 20,
		BalanceSatoshi:          20,
		UTXOCount:               2,
		MempoolIncome:           10,
		MempoolSpend:            10,
		MempoolUTXOCount:        1,
	}, bal)

	info, err = idx.Tx(t9.TxID)
	require.NoError(t, err)
	require.Equal(t, []Spend{{OutIdx: 0, TxID: m1.TxID, InputIdx: 0}}, info.SpentBy)

	_, err = idx.Utxos("nope", ten)
	require.ErrorIs(t, err, ErrUnknownGroup)

	// Mining the mempool tx moves it to the confirmed indexes.
	block2 := newBlock(2, block1, coinbaseTx(0x41, 5), m1)
	require.NoError(t, idx.HandleBlockConnected(block2))
	require.Equal(t, Event{Kind: EventBlockConnected, Hash: block2.Hash, Height: 2}, <-events)
	require.Empty(t, idx.MempoolTxIDs())

	info, err = idx.Tx(m1.TxID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), info.Record.TimeFirstSeen)
	require.Equal(t, int32(2), info.Block.Height)

	_, ids2, err := idx.BlockTxs(2)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{txHash(0x41), m1.TxID}, ids2)
}

func TestConnectErrorsLeaveTipUnchanged(t *testing.T) {
	db := openTestDB(t)
	idx := newTestIndexer(t, db, HistoryConf{PageSize: 4})
	block0, _ := s4Chain()
	require.NoError(t, idx.HandleBlockConnected(block0))
	before := snapshot(t, db)

	unknown := &common.Tx{TxID: txHash(0x70), Outputs: []common.TxOutput{{Value: 1}}}
	orphan := spendTx(0x71, unknown, 0, 1)
	err := idx.HandleBlockConnected(newBlock(1, block0, coinbaseTx(0x72, 1), orphan))
	require.ErrorIs(t, err, ErrUnknownInputSpent)

	var mismatch *BlockMismatchError
	err = idx.HandleBlockConnected(newBlock(5, block0, coinbaseTx(0x73, 1)))
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, int32(0), mismatch.TipHeight)

	err = idx.HandleBlockDisconnected(newBlock(1, block0, coinbaseTx(0x74, 1)))
	require.True(t, errors.As(err, &mismatch))

	require.Equal(t, before, snapshot(t, db))
}

func TestBloomFilterLifecycle(t *testing.T) {
	db := openTestDB(t)
	conf := HistoryConf{PageSize: 4, Bloom: &BloomConf{FalsePositiveRate: 0.01, ExpectedNumItems: 1000}}
	block0, block1 := s4Chain()

	idx := newTestIndexer(t, db, conf)
	require.True(t, idx.groups[0].history.BloomEnabled())
	require.NoError(t, idx.HandleBlockConnected(block0))
	require.NoError(t, idx.Shutdown())

	// Same settings at the same height reuse the filter.
	idx = newTestIndexer(t, db, conf)
	require.True(t, idx.groups[0].history.BloomEnabled())
	require.NoError(t, idx.Shutdown())

	// Other settings discard it.
	other := HistoryConf{PageSize: 4, Bloom: &BloomConf{FalsePositiveRate: 0.2, ExpectedNumItems: 1000}}
	idx = newTestIndexer(t, db, other)
	require.False(t, idx.groups[0].history.BloomEnabled())

	// A filter left behind at an older height is refused.
	require.NoError(t, idx.HandleBlockConnected(block1))
	_, err := New(db, Params{Network: "test", History: conf, Groups: []group.Group{valueGroup}}, zap.NewNop())
	var mismatch *MismatchedBloomFilterHeightError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, int32(1), mismatch.DBHeight)
	require.Equal(t, int32(0), mismatch.BloomHeight)

	// Shutting down without a filter deletes the stored one.
	require.NoError(t, idx.Shutdown())
	_, err = db.Get(valueGroup.GroupCFs.Cache, keyCacheBloom)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDisconnectWipesBloomFilter(t *testing.T) {
	db := openTestDB(t)
	conf := HistoryConf{PageSize: 4, Bloom: &BloomConf{FalsePositiveRate: 0.01, ExpectedNumItems: 1000}}
	block0, block1 := s4Chain()

	idx := newTestIndexer(t, db, conf)
	require.NoError(t, idx.HandleBlockConnected(block0))
	require.NoError(t, idx.HandleBlockConnected(block1))
	require.NoError(t, idx.HandleBlockDisconnected(block1))
	require.False(t, idx.groups[0].history.BloomEnabled())
	require.NoError(t, idx.Shutdown())

	idx = newTestIndexer(t, db, conf)
	require.False(t, idx.groups[0].history.BloomEnabled())
	require.Equal(t, uint32(1), numTxs(t, db, group.ValueMember(10)))
}
