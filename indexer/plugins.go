package indexer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/plugin"
	"github.com/metaid/token_indexer/storage"
)

func pluginKey(txNum uint64, outIdx uint32) []byte {
	return common.ConcatBytes(common.BE64(txNum), common.BE32(outIdx))
}

// putPluginOutputs stores the annotations of every output of txs.
// Annotations are kept after the output is spent, so disconnects and
// spenders can still read them.
func putPluginOutputs(b *storage.Batch, txs []*group.IndexTx) error {
	for _, tx := range txs {
		idxs := make([]int, 0, len(tx.Plugins))
		for idx := range tx.Plugins {
			idxs = append(idxs, int(idx))
		}
		sort.Ints(idxs)
		for _, idx := range idxs {
			v, err := tx.Plugins[uint32(idx)].Encode()
			if err != nil {
				return fmt.Errorf("encode plugin output %s:%d: %w", tx.Tx.TxID, idx, err)
			}
			if err := b.Put(storage.CFPluginOutputs, pluginKey(tx.TxNum, uint32(idx)), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func deletePluginOutputs(b *storage.Batch, txs []*group.IndexTx) error {
	for _, tx := range txs {
		for idx := range tx.Plugins {
			if err := b.Delete(storage.CFPluginOutputs, pluginKey(tx.TxNum, idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadPluginOutput returns the annotations of one confirmed output, nil
// when it has none.
func ReadPluginOutput(r storage.Reader, txNum uint64, outIdx uint32) (plugin.Output, error) {
	v, err := r.Get(storage.CFPluginOutputs, pluginKey(txNum, outIdx))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return plugin.DecodeOutput(v)
}

// ReadTxPlugins returns the annotations of all outputs of a confirmed tx.
func ReadTxPlugins(r storage.Reader, txNum uint64) (plugin.TxOutputs, error) {
	var outputs plugin.TxOutputs
	err := r.Iterate(storage.CFPluginOutputs, common.BE64(txNum), false, func(k, v []byte) (bool, error) {
		if len(k) != 12 {
			return false, fmt.Errorf("plugin output key of %d bytes", len(k))
		}
		out, err := plugin.DecodeOutput(v)
		if err != nil {
			return false, err
		}
		if outputs == nil {
			outputs = make(plugin.TxOutputs)
		}
		outputs[common.NewDecoder(k[8:]).U32()] = out
		return true, nil
	})
	return outputs, err
}
