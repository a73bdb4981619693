package indexer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/storage"
)

// UtxoMissingError means a spent output was not in its member's UTXO set.
type UtxoMissingError struct {
	Group  string
	Member []byte
	Entry  UtxoEntry
}

func (e *UtxoMissingError) Error() string {
	return fmt.Sprintf("%s utxo %d:%d missing from member %x", e.Group, e.Entry.TxNum, e.Entry.OutIdx, e.Member)
}

// GroupUtxos maintains the sorted live outputs of every member of a group.
type GroupUtxos struct {
	group group.Group
	cf    storage.CF
}

func NewGroupUtxos(g group.Group) *GroupUtxos {
	return &GroupUtxos{group: g, cf: g.CFs().Utxo}
}

type utxoOp struct {
	member []byte
	entry  UtxoEntry
	add    bool
}

// Insert spends the inputs and adds the outputs of txs, in tx order.
func (u *GroupUtxos) Insert(b *storage.Batch, txs []*group.IndexTx) error {
	var ops []utxoOp
	for _, tx := range txs {
		if !tx.IsCoinbase {
			for _, item := range u.group.InputMembers(tx) {
				in := tx.Tx.Inputs[item.Idx]
				ops = append(ops, utxoOp{member: item.Member, entry: UtxoEntry{
					TxNum: tx.InputNums[item.Idx], OutIdx: in.PrevOut.Index, Value: coinValue(in),
				}})
			}
		}
		for _, item := range u.group.OutputMembers(tx) {
			ops = append(ops, utxoOp{member: item.Member, add: true, entry: UtxoEntry{
				TxNum: tx.TxNum, OutIdx: uint32(item.Idx), Value: tx.Tx.Outputs[item.Idx].Value,
			}})
		}
	}
	return u.apply(b, ops)
}

// Delete undoes Insert: outputs are removed and spent outputs restored,
// walking txs backwards.
func (u *GroupUtxos) Delete(b *storage.Batch, txs []*group.IndexTx) error {
	var ops []utxoOp
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		for _, item := range u.group.OutputMembers(tx) {
			ops = append(ops, utxoOp{member: item.Member, entry: UtxoEntry{
				TxNum: tx.TxNum, OutIdx: uint32(item.Idx), Value: tx.Tx.Outputs[item.Idx].Value,
			}})
		}
		if !tx.IsCoinbase {
			for _, item := range u.group.InputMembers(tx) {
				in := tx.Tx.Inputs[item.Idx]
				ops = append(ops, utxoOp{member: item.Member, add: true, entry: UtxoEntry{
					TxNum: tx.InputNums[item.Idx], OutIdx: in.PrevOut.Index, Value: coinValue(in),
				}})
			}
		}
	}
	return u.apply(b, ops)
}

func (u *GroupUtxos) apply(b *storage.Batch, ops []utxoOp) error {
	sets := make(map[string][]UtxoEntry)
	var order []string
	for _, op := range ops {
		key := string(op.member)
		entries, ok := sets[key]
		if !ok {
			var err error
			entries, err = readUtxos(b, u.cf, op.member)
			if err != nil {
				return err
			}
			order = append(order, key)
		}
		idx := sort.Search(len(entries), func(i int) bool { return !entries[i].less(op.entry) })
		found := idx < len(entries) && entries[idx].TxNum == op.entry.TxNum && entries[idx].OutIdx == op.entry.OutIdx
		switch {
		case op.add && found:
			return fmt.Errorf("%s utxo %d:%d already in member %x", u.group.Name(), op.entry.TxNum, op.entry.OutIdx, op.member)
		case op.add:
			entries = append(entries, UtxoEntry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = op.entry
		case !found:
			return &UtxoMissingError{Group: u.group.Name(), Member: op.member, Entry: op.entry}
		default:
			entries = append(entries[:idx], entries[idx+1:]...)
		}
		sets[key] = entries
	}
	for _, key := range order {
		var err error
		if entries := sets[key]; len(entries) == 0 {
			err = b.Delete(u.cf, []byte(key))
		} else {
			err = b.Put(u.cf, []byte(key), encodeUtxos(entries))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func coinValue(in common.TxInput) int64 {
	if in.Coin == nil {
		return 0
	}
	return in.Coin.Output.Value
}

func readUtxos(r storage.Reader, cf storage.CF, member []byte) ([]UtxoEntry, error) {
	v, err := r.Get(cf, member)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeUtxos(v)
}

// ReadUtxos returns the confirmed UTXOs of a member ordered by outpoint.
func ReadUtxos(r storage.Reader, cfs storage.GroupCFs, member []byte) ([]UtxoEntry, error) {
	return readUtxos(r, cfs.Utxo, member)
}
