package indexer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/mempool"
	"github.com/metaid/token_indexer/plugin"
	"github.com/metaid/token_indexer/storage"
	"github.com/metaid/token_indexer/token"
)

var (
	// ErrUnknownGroup is returned for queries on a group the indexer does
	// not index.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrTxConfirmed rejects a mempool add for a tx that is already mined.
	ErrTxConfirmed = errors.New("tx already confirmed")
)

// HistoryTx is one entry of a history page. Block is nil for mempool txs.
type HistoryTx struct {
	TxID          chainhash.Hash `json:"txid"`
	Block         *BlockRecord   `json:"block,omitempty"`
	TimeFirstSeen int64          `json:"time_first_seen"`
	IsCoinbase    bool           `json:"is_coinbase"`
	Tokens        *token.TxData  `json:"tokens,omitempty"`
}

type HistoryPage struct {
	Txs      []HistoryTx `json:"txs"`
	NumPages uint32      `json:"num_pages"`
	NumTxs   uint32      `json:"num_txs"`
}

// Utxo is an unspent output. Height is -1 for mempool outputs.
type Utxo struct {
	OutPoint   wire.OutPoint `json:"outpoint"`
	Value      int64         `json:"value"`
	Height     int32         `json:"height"`
	IsCoinbase bool          `json:"is_coinbase"`
	Token      *token.Token  `json:"token,omitempty"`
	Plugins    plugin.Output `json:"plugins,omitempty"`
}

type Spend struct {
	OutIdx   uint32         `json:"out_idx"`
	TxID     chainhash.Hash `json:"txid"`
	InputIdx uint32         `json:"input_idx"`
}

// TxInfo describes a confirmed or mempool tx. Record and Block are nil for
// mempool txs, which carry Raw instead.
type TxInfo struct {
	TxID          chainhash.Hash   `json:"txid"`
	Record        *TxRecord        `json:"record,omitempty"`
	Block         *BlockRecord     `json:"block,omitempty"`
	Raw           []byte           `json:"raw,omitempty"`
	TimeFirstSeen int64            `json:"time_first_seen"`
	SpentBy       []Spend          `json:"spent_by"`
	Tokens        *token.TxData    `json:"tokens,omitempty"`
	Plugins       plugin.TxOutputs `json:"plugins,omitempty"`
}

type TokenInfo struct {
	Meta        token.Meta         `json:"meta"`
	GenesisInfo *token.GenesisInfo `json:"genesis_info"`
	// Block is nil while the GENESIS is unconfirmed.
	Block *BlockRecord `json:"block,omitempty"`
}

type Balance struct {
	ConfirmedBalanceSatoshi int64 `json:"confirmed_balance_satoshi"`
	BalanceSatoshi          int64 `json:"balance_satoshi"`
	UTXOCount               int   `json:"confirmed_utxo_count"`
	MempoolIncome           int64 `json:"mempool_income_satoshi"`
	MempoolSpend            int64 `json:"mempool_spend_satoshi"`
	MempoolUTXOCount        int   `json:"mempool_utxo_count"`
}

func (i *Indexer) indexed(groupName string) *indexedGroup {
	for _, g := range i.groups {
		if g.group.Name() == groupName {
			return g
		}
	}
	return nil
}

// Tip returns the indexed tip, nil before the first block.
func (i *Indexer) Tip() (*BlockRecord, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return NewBlockReader(i.db).Tip()
}

// TxHistoryPage pages through the history of member, newest first: mempool
// txs come before confirmed ones.
func (i *Indexer) TxHistoryPage(groupName string, member []byte, page, pageSize uint32) (*HistoryPage, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("page size must be positive")
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	g := i.indexed(groupName)
	if g == nil {
		return nil, ErrUnknownGroup
	}
	hr := NewHistoryReader(i.db, g.group.CFs(), i.params.History.PageSize)
	numConfirmed, err := hr.NumTxs(member)
	if err != nil {
		return nil, err
	}
	pending := i.mempool.History(groupName, member)
	numPending := uint32(len(pending))
	total := numPending + numConfirmed
	result := &HistoryPage{
		NumTxs:   total,
		NumPages: uint32((uint64(total) + uint64(pageSize) - 1) / uint64(pageSize)),
	}

	if uint64(page)*uint64(pageSize) >= uint64(total) {
		return result, nil
	}
	from := page * pageSize
	to := total
	if uint64(from)+uint64(pageSize) < uint64(total) {
		to = from + pageSize
	}
	for pos := from; pos < to && pos < numPending; pos++ {
		item := pending[numPending-1-pos]
		e, _ := i.mempool.Tx(item.TxID)
		result.Txs = append(result.Txs, HistoryTx{
			TxID:          item.TxID,
			TimeFirstSeen: item.TimeFirstSeen,
			Tokens:        e.Tokens,
		})
	}
	if to <= numPending {
		return result, nil
	}
	// Confirmed positions counted from the newest.
	newestFrom, newestTo := uint32(0), to-numPending
	if from > numPending {
		newestFrom = from - numPending
	}
	nums, err := hr.Range(member, numConfirmed-newestTo, numConfirmed-newestFrom)
	if err != nil {
		return nil, err
	}
	for n := len(nums) - 1; n >= 0; n-- {
		tx, err := i.confirmedHistoryTx(nums[n])
		if err != nil {
			return nil, err
		}
		result.Txs = append(result.Txs, *tx)
	}
	return result, nil
}

func (i *Indexer) confirmedHistoryTx(txNum uint64) (*HistoryTx, error) {
	rec, err := NewTxReader(i.db).ByTxNum(txNum)
	if err != nil {
		return nil, fmt.Errorf("tx %d: %w", txNum, err)
	}
	block, err := NewBlockReader(i.db).ByTxNum(txNum)
	if err != nil {
		return nil, fmt.Errorf("block of tx %d: %w", txNum, err)
	}
	tokens, err := NewTokenReader(i.db).TxData(txNum)
	if err != nil {
		return nil, err
	}
	return &HistoryTx{
		TxID:          rec.TxID,
		Block:         block,
		TimeFirstSeen: rec.TimeFirstSeen,
		IsCoinbase:    rec.IsCoinbase,
		Tokens:        tokens,
	}, nil
}

// Utxos returns the unspent outputs of member: confirmed ones not spent in
// the mempool, then mempool-created ones.
func (i *Indexer) Utxos(groupName string, member []byte) ([]Utxo, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	g := i.indexed(groupName)
	if g == nil {
		return nil, ErrUnknownGroup
	}
	entries, err := ReadUtxos(i.db, g.group.CFs(), member)
	if err != nil {
		return nil, err
	}
	var (
		txs    = NewTxReader(i.db)
		blocks = NewBlockReader(i.db)
		tokens = NewTokenReader(i.db)
		out    []Utxo
	)
	type txMeta struct {
		rec    *TxRecord
		height int32
		data   *token.TxData
	}
	metas := make(map[uint64]*txMeta)
	for _, e := range entries {
		meta, ok := metas[e.TxNum]
		if !ok {
			meta = &txMeta{}
			if meta.rec, err = txs.ByTxNum(e.TxNum); err != nil {
				return nil, fmt.Errorf("tx %d: %w", e.TxNum, err)
			}
			block, err := blocks.ByTxNum(e.TxNum)
			if err != nil {
				return nil, err
			}
			meta.height = block.Height
			if meta.data, err = tokens.TxData(e.TxNum); err != nil {
				return nil, err
			}
			metas[e.TxNum] = meta
		}
		op := wire.OutPoint{Hash: meta.rec.TxID, Index: e.OutIdx}
		if _, spent := i.mempool.Spender(op); spent {
			continue
		}
		plugins, err := ReadPluginOutput(i.db, e.TxNum, e.OutIdx)
		if err != nil {
			return nil, err
		}
		out = append(out, Utxo{
			OutPoint:   op,
			Value:      e.Value,
			Height:     meta.height,
			IsCoinbase: meta.rec.IsCoinbase,
			Token:      meta.data.Output(int(e.OutIdx)),
			Plugins:    plugins,
		})
	}
	for _, u := range i.mempool.Utxos(groupName, member) {
		e, _ := i.mempool.Tx(u.OutPoint.Hash)
		out = append(out, Utxo{
			OutPoint: u.OutPoint,
			Value:    u.Value,
			Height:   -1,
			Token:    e.Tokens.Output(int(u.OutPoint.Index)),
			Plugins:  e.Plugins[u.OutPoint.Index],
		})
	}
	return out, nil
}

// Balance sums the outputs of member, confirmed and after the mempool.
func (i *Indexer) Balance(groupName string, member []byte) (*Balance, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	g := i.indexed(groupName)
	if g == nil {
		return nil, ErrUnknownGroup
	}
	entries, err := ReadUtxos(i.db, g.group.CFs(), member)
	if err != nil {
		return nil, err
	}
	bal := &Balance{UTXOCount: len(entries)}
	txs := NewTxReader(i.db)
	for _, e := range entries {
		bal.ConfirmedBalanceSatoshi += e.Value
		rec, err := txs.ByTxNum(e.TxNum)
		if err != nil {
			return nil, err
		}
		if _, spent := i.mempool.Spender(wire.OutPoint{Hash: rec.TxID, Index: e.OutIdx}); spent {
			bal.MempoolSpend += e.Value
		}
	}
	for _, u := range i.mempool.Utxos(groupName, member) {
		bal.MempoolIncome += u.Value
		bal.MempoolUTXOCount++
	}
	bal.BalanceSatoshi = bal.ConfirmedBalanceSatoshi + bal.MempoolIncome - bal.MempoolSpend
	return bal, nil
}

// Tx looks a tx up in the mempool, then in the confirmed indexes.
func (i *Indexer) Tx(txid chainhash.Hash) (*TxInfo, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	info := &TxInfo{TxID: txid}
	spenders := i.mempool.SpentBy(txid)

	if e, ok := i.mempool.Tx(txid); ok {
		info.Raw = e.Tx.Raw
		info.TimeFirstSeen = e.TimeFirstSeen
		info.Tokens = e.Tokens
		info.Plugins = e.Plugins
		info.SpentBy = mempoolSpends(spenders, nil)
		return info, nil
	}

	txNum, ok, err := txNumByTxID(i.db, txid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	if info.Record, err = NewTxReader(i.db).ByTxNum(txNum); err != nil {
		return nil, err
	}
	info.TimeFirstSeen = info.Record.TimeFirstSeen
	if info.Block, err = NewBlockReader(i.db).ByTxNum(txNum); err != nil {
		return nil, err
	}
	if info.Tokens, err = NewTokenReader(i.db).TxData(txNum); err != nil {
		return nil, err
	}
	if info.Plugins, err = ReadTxPlugins(i.db, txNum); err != nil {
		return nil, err
	}
	confirmed, err := ReadSpentBy(i.db, txNum)
	if err != nil {
		return nil, err
	}
	txs := NewTxReader(i.db)
	for _, s := range confirmed {
		rec, err := txs.ByTxNum(s.SpenderTxNum)
		if err != nil {
			return nil, err
		}
		info.SpentBy = append(info.SpentBy, Spend{OutIdx: s.OutIdx, TxID: rec.TxID, InputIdx: s.InputIdx})
	}
	info.SpentBy = mempoolSpends(spenders, info.SpentBy)
	return info, nil
}

// mempoolSpends merges mempool spenders into confirmed ones, ordered by
// output index.
func mempoolSpends(spenders map[uint32]mempool.Spender, confirmed []Spend) []Spend {
	out := confirmed
	for idx, s := range spenders {
		out = append(out, Spend{OutIdx: idx, TxID: s.TxID, InputIdx: s.InputIdx})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].OutIdx < out[b].OutIdx })
	return out
}

// TokenInfo describes a token by id, including unconfirmed GENESIS txs.
func (i *Indexer) TokenInfo(id token.ID) (*TokenInfo, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	tokens := NewTokenReader(i.db)
	num, ok, err := tokens.TokenNum(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if e, ok := i.mempool.Tx(chainhash.Hash(id)); ok {
			if genesis := e.Tokens.GenesisSection(); genesis != nil {
				return &TokenInfo{Meta: genesis.Meta, GenesisInfo: genesis.GenesisInfo}, nil
			}
		}
		return nil, storage.ErrNotFound
	}
	meta, err := tokens.Meta(num)
	if err != nil {
		return nil, err
	}
	info := &TokenInfo{Meta: meta.Meta}
	if info.GenesisInfo, err = tokens.Genesis(num); err != nil {
		return nil, err
	}
	if info.Block, err = NewBlockReader(i.db).ByTxNum(meta.GenesisTxNum); err != nil {
		return nil, err
	}
	return info, nil
}

// BlockTxs returns a block and its txids in block order.
func (i *Indexer) BlockTxs(height int32) (*BlockRecord, []chainhash.Hash, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	block, err := NewBlockReader(i.db).ByHeight(height)
	if err != nil {
		return nil, nil, err
	}
	txs := NewTxReader(i.db)
	ids := make([]chainhash.Hash, 0, block.NumTxs)
	for n := block.FirstTxNum; n < block.EndTxNum(); n++ {
		rec, err := txs.ByTxNum(n)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, rec.TxID)
	}
	return block, ids, nil
}

// MempoolTxIDs lists the mempool by first-seen time.
func (i *Indexer) MempoolTxIDs() []chainhash.Hash {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.mempool.TxIDs()
}
