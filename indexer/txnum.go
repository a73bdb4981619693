package indexer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/storage"
)

// ErrUnknownInputSpent matches UnknownInputSpentError with errors.Is.
var ErrUnknownInputSpent = errors.New("unknown input spent")

// UnknownInputSpentError means an input references a tx that is neither
// in the batch nor indexed.
type UnknownInputSpentError struct {
	OutPoint wire.OutPoint
}

func (e *UnknownInputSpentError) Error() string {
	return fmt.Sprintf("unknown input spent: %s", e.OutPoint)
}

func (e *UnknownInputSpentError) Is(target error) bool { return target == ErrUnknownInputSpent }

// TxNumCache remembers the txid to tx num mapping of the most recent
// blocks, newest first.
type TxNumCache struct {
	depth  int
	blocks []map[chainhash.Hash]uint64
}

func NewTxNumCache(depth int) *TxNumCache {
	return &TxNumCache{depth: depth}
}

// Push adds the txs of a newly connected block.
func (c *TxNumCache) Push(txs []*common.Tx, firstTxNum uint64) {
	if c.depth <= 0 {
		return
	}
	m := make(map[chainhash.Hash]uint64, len(txs))
	for i, tx := range txs {
		m[tx.TxID] = firstTxNum + uint64(i)
	}
	c.blocks = append([]map[chainhash.Hash]uint64{m}, c.blocks...)
	if len(c.blocks) > c.depth {
		c.blocks = c.blocks[:c.depth]
	}
}

// Pop drops the newest block, on disconnect.
func (c *TxNumCache) Pop() {
	if len(c.blocks) > 0 {
		c.blocks = c.blocks[1:]
	}
}

func (c *TxNumCache) Get(txid chainhash.Hash) (uint64, bool) {
	for _, m := range c.blocks {
		if n, ok := m[txid]; ok {
			return n, true
		}
	}
	return 0, false
}

// Len is the number of cached blocks.
func (c *TxNumCache) Len() int { return len(c.blocks) }

// txNumByTxID looks up a confirmed tx num in the database.
func txNumByTxID(r storage.Reader, txid chainhash.Hash) (uint64, bool, error) {
	v, err := r.Get(storage.CFTxNumByTxID, txid[:])
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("tx num of %s has %d bytes", txid, len(v))
	}
	return common.NewDecoder(v).U64(), true, nil
}

// prepareTxs numbers the txs of a block from firstTxNum and resolves the
// tx num of every spent output: in-batch first, then the cache, then the
// database.
func prepareTxs(r storage.Reader, cache *TxNumCache, txs []*common.Tx, firstTxNum uint64) ([]*group.IndexTx, error) {
	inBatch := make(map[chainhash.Hash]uint64, len(txs))
	for i, tx := range txs {
		inBatch[tx.TxID] = firstTxNum + uint64(i)
	}
	out := make([]*group.IndexTx, len(txs))
	for i, tx := range txs {
		itx := &group.IndexTx{
			Tx:         tx,
			TxNum:      firstTxNum + uint64(i),
			IsCoinbase: i == 0,
		}
		if !itx.IsCoinbase {
			itx.InputNums = make([]uint64, len(tx.Inputs))
			for j, in := range tx.Inputs {
				prev := in.PrevOut.Hash
				if n, ok := inBatch[prev]; ok {
					itx.InputNums[j] = n
					continue
				}
				if n, ok := cache.Get(prev); ok {
					itx.InputNums[j] = n
					continue
				}
				n, ok, err := txNumByTxID(r, prev)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, &UnknownInputSpentError{OutPoint: in.PrevOut}
				}
				itx.InputNums[j] = n
			}
		}
		out[i] = itx
	}
	return out, nil
}
