package indexer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/storage"
)

type spentByOp struct {
	txNum uint64
	entry SpentByEntry
}

// insertSpentBy records the spender of every output spent by txs.
func insertSpentBy(b *storage.Batch, txs []*group.IndexTx) error {
	return applySpentBy(b, spentByOps(txs), true)
}

func deleteSpentBy(b *storage.Batch, txs []*group.IndexTx) error {
	return applySpentBy(b, spentByOps(txs), false)
}

func spentByOps(txs []*group.IndexTx) []spentByOp {
	var ops []spentByOp
	for _, tx := range txs {
		if tx.IsCoinbase {
			continue
		}
		for i, in := range tx.Tx.Inputs {
			ops = append(ops, spentByOp{txNum: tx.InputNums[i], entry: SpentByEntry{
				OutIdx: in.PrevOut.Index, SpenderTxNum: tx.TxNum, InputIdx: uint32(i),
			}})
		}
	}
	return ops
}

func applySpentBy(b *storage.Batch, ops []spentByOp, insert bool) error {
	lists := make(map[uint64][]SpentByEntry)
	var order []uint64
	for _, op := range ops {
		entries, ok := lists[op.txNum]
		if !ok {
			var err error
			entries, err = ReadSpentBy(b, op.txNum)
			if err != nil {
				return err
			}
			order = append(order, op.txNum)
		}
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].OutIdx >= op.entry.OutIdx })
		found := idx < len(entries) && entries[idx].OutIdx == op.entry.OutIdx
		switch {
		case insert && found:
			return fmt.Errorf("output %d:%d already spent by %d:%d",
				op.txNum, op.entry.OutIdx, entries[idx].SpenderTxNum, entries[idx].InputIdx)
		case insert:
			entries = append(entries, SpentByEntry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = op.entry
		case !found || entries[idx] != op.entry:
			return fmt.Errorf("spent-by entry for output %d:%d not found", op.txNum, op.entry.OutIdx)
		default:
			entries = append(entries[:idx], entries[idx+1:]...)
		}
		lists[op.txNum] = entries
	}
	for _, txNum := range order {
		var err error
		if entries := lists[txNum]; len(entries) == 0 {
			err = b.Delete(storage.CFSpentBy, common.BE64(txNum))
		} else {
			err = b.Put(storage.CFSpentBy, common.BE64(txNum), encodeSpentBy(entries))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadSpentBy returns which inputs spent the outputs of txNum.
func ReadSpentBy(r storage.Reader, txNum uint64) ([]SpentByEntry, error) {
	v, err := r.Get(storage.CFSpentBy, common.BE64(txNum))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSpentBy(v)
}
