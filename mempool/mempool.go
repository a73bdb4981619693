// Package mempool mirrors the derived views of the indexer (group history,
// group UTXOs, spent-by, tokens and plugin outputs) for unconfirmed txs.
// A Mempool is not safe for concurrent use; the indexer guards it with its
// writer lock.
package mempool

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/plugin"
	"github.com/metaid/token_indexer/token"
	"github.com/metaid/token_indexer/token/verifier"
	"go.uber.org/zap"
)

var (
	ErrDuplicateTx = errors.New("tx already in mempool")
	ErrNoSuchTx    = errors.New("tx not in mempool")
)

// MissingParentError means an input spends a tx that is neither in the
// mempool nor confirmed, or an output index that tx does not have.
type MissingParentError struct {
	TxID     chainhash.Hash
	OutPoint wire.OutPoint
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("mempool tx %s spends missing output %s", e.TxID, e.OutPoint)
}

// DoubleSpendError means an input spends an output another mempool tx
// already spends.
type DoubleSpendError struct {
	TxID     chainhash.Hash
	OutPoint wire.OutPoint
	Spender  chainhash.Hash
}

func (e *DoubleSpendError) Error() string {
	return fmt.Sprintf("mempool tx %s spends %s already spent by %s", e.TxID, e.OutPoint, e.Spender)
}

// ConfirmedView is the confirmed state the mempool builds on.
type ConfirmedView interface {
	// HasOutput reports whether out belongs to a confirmed tx.
	HasOutput(out wire.OutPoint) (bool, error)
	OutputToken(out wire.OutPoint) (*token.Token, error)
	OutputPlugins(out wire.OutPoint) (plugin.Output, error)
}

// Tx is a tx as delivered by the host.
type Tx struct {
	Tx            *common.Tx
	TimeFirstSeen int64
}

// Entry is a mempool tx with its derived data.
type Entry struct {
	Tx            *common.Tx
	TimeFirstSeen int64
	Tokens        *token.TxData
	Plugins       plugin.TxOutputs
	SpentPlugins  []plugin.Output
}

func (e *Entry) indexTx() *group.IndexTx {
	return &group.IndexTx{
		Tx:           e.Tx,
		Tokens:       e.Tokens,
		Plugins:      e.Plugins,
		SpentPlugins: e.SpentPlugins,
	}
}

// HistoryItem orders the mempool history of a member by first-seen time,
// ties broken by txid.
type HistoryItem struct {
	TimeFirstSeen int64
	TxID          chainhash.Hash
}

func (h HistoryItem) less(o HistoryItem) bool {
	if h.TimeFirstSeen != o.TimeFirstSeen {
		return h.TimeFirstSeen < o.TimeFirstSeen
	}
	return string(h.TxID[:]) < string(o.TxID[:])
}

// Utxo is an output created by a mempool tx and not spent in the mempool.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    int64
}

// Spender is the mempool input spending an output.
type Spender struct {
	TxID     chainhash.Hash
	InputIdx uint32
}

type groupView struct {
	group   group.Group
	history map[string][]HistoryItem
	utxos   map[string]map[wire.OutPoint]int64
}

type Mempool struct {
	txs     map[chainhash.Hash]*Entry
	groups  []*groupView
	spentBy map[chainhash.Hash]map[uint32]Spender
	plugins plugin.Runner
	log     *zap.Logger
}

// New creates an empty mempool indexing the given groups. plugins may be nil.
func New(groups []group.Group, plugins plugin.Runner, logger *zap.Logger) *Mempool {
	m := &Mempool{
		txs:     make(map[chainhash.Hash]*Entry),
		spentBy: make(map[chainhash.Hash]map[uint32]Spender),
		plugins: plugins,
		log:     logger.With(zap.String("component", "mempool")),
	}
	for _, g := range groups {
		m.groups = append(m.groups, &groupView{
			group:   g,
			history: make(map[string][]HistoryItem),
			utxos:   make(map[string]map[wire.OutPoint]int64),
		})
	}
	return m
}

func (m *Mempool) Len() int { return len(m.txs) }

func (m *Mempool) Tx(txid chainhash.Hash) (*Entry, bool) {
	e, ok := m.txs[txid]
	return e, ok
}

// Insert adds tx after resolving its parents against the mempool and view.
// Nothing is changed when an error is returned.
func (m *Mempool) Insert(view ConfirmedView, tx Tx) (*Entry, error) {
	txid := tx.Tx.TxID
	if _, ok := m.txs[txid]; ok {
		return nil, ErrDuplicateTx
	}
	entry := &Entry{Tx: tx.Tx, TimeFirstSeen: tx.TimeFirstSeen}
	spentTokens := make([]*token.Token, len(tx.Tx.Inputs))
	entry.SpentPlugins = make([]plugin.Output, len(tx.Tx.Inputs))
	for idx, in := range tx.Tx.Inputs {
		if spender, ok := m.spentBy[in.PrevOut.Hash][in.PrevOut.Index]; ok {
			return nil, &DoubleSpendError{TxID: txid, OutPoint: in.PrevOut, Spender: spender.TxID}
		}
		if parent, ok := m.txs[in.PrevOut.Hash]; ok {
			if int(in.PrevOut.Index) >= len(parent.Tx.Outputs) {
				return nil, &MissingParentError{TxID: txid, OutPoint: in.PrevOut}
			}
			spentTokens[idx] = parent.Tokens.Output(int(in.PrevOut.Index))
			entry.SpentPlugins[idx] = parent.Plugins[in.PrevOut.Index]
			continue
		}
		ok, err := view.HasOutput(in.PrevOut)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &MissingParentError{TxID: txid, OutPoint: in.PrevOut}
		}
		if spentTokens[idx], err = view.OutputToken(in.PrevOut); err != nil {
			return nil, err
		}
		if entry.SpentPlugins[idx], err = view.OutputPlugins(in.PrevOut); err != nil {
			return nil, err
		}
	}
	entry.Tokens = verifier.VerifyTx(tx.Tx, spentTokens)
	if m.plugins != nil {
		outputs, err := m.plugins.Run(tx.Tx, entry.SpentPlugins, entry.Tokens)
		if err != nil {
			return nil, err
		}
		entry.Plugins = outputs
	}

	m.txs[txid] = entry
	itx := entry.indexTx()
	item := HistoryItem{TimeFirstSeen: entry.TimeFirstSeen, TxID: txid}
	for _, gv := range m.groups {
		for _, member := range group.TxMembers(gv.group, itx) {
			gv.addHistory(string(member), item)
		}
		for _, in := range gv.group.InputMembers(itx) {
			gv.removeUtxo(string(in.Member), tx.Tx.Inputs[in.Idx].PrevOut)
		}
		for _, out := range gv.group.OutputMembers(itx) {
			gv.addUtxo(string(out.Member), wire.OutPoint{Hash: txid, Index: uint32(out.Idx)},
				tx.Tx.Outputs[out.Idx].Value)
		}
	}
	for idx, in := range tx.Tx.Inputs {
		spent := m.spentBy[in.PrevOut.Hash]
		if spent == nil {
			spent = make(map[uint32]Spender)
			m.spentBy[in.PrevOut.Hash] = spent
		}
		spent[in.PrevOut.Index] = Spender{TxID: txid, InputIdx: uint32(idx)}
	}
	return entry, nil
}

// Remove drops a tx that left the mempool unmined. Outputs it spent from
// other mempool txs become unspent again.
func (m *Mempool) Remove(txid chainhash.Hash) (*Entry, error) {
	return m.remove(txid, true)
}

// RemoveMined drops a tx that was mined. Its effects reappear from the
// confirmed indexes, so no spent outputs are restored.
func (m *Mempool) RemoveMined(txid chainhash.Hash) (*Entry, error) {
	return m.remove(txid, false)
}

func (m *Mempool) remove(txid chainhash.Hash, restoreSpent bool) (*Entry, error) {
	entry, ok := m.txs[txid]
	if !ok {
		return nil, ErrNoSuchTx
	}
	delete(m.txs, txid)
	itx := entry.indexTx()
	item := HistoryItem{TimeFirstSeen: entry.TimeFirstSeen, TxID: txid}
	for _, gv := range m.groups {
		for _, member := range group.TxMembers(gv.group, itx) {
			gv.removeHistory(string(member), item)
		}
		for _, out := range gv.group.OutputMembers(itx) {
			gv.removeUtxo(string(out.Member), wire.OutPoint{Hash: txid, Index: uint32(out.Idx)})
		}
		if !restoreSpent {
			continue
		}
		for _, in := range gv.group.InputMembers(itx) {
			prev := entry.Tx.Inputs[in.Idx].PrevOut
			if parent, ok := m.txs[prev.Hash]; ok {
				gv.addUtxo(string(in.Member), prev, parent.Tx.Outputs[prev.Index].Value)
			}
		}
	}
	for _, in := range entry.Tx.Inputs {
		spent := m.spentBy[in.PrevOut.Hash]
		delete(spent, in.PrevOut.Index)
		if len(spent) == 0 {
			delete(m.spentBy, in.PrevOut.Hash)
		}
	}
	return entry, nil
}

func (gv *groupView) addHistory(member string, item HistoryItem) {
	items := gv.history[member]
	i := sort.Search(len(items), func(i int) bool { return item.less(items[i]) })
	items = append(items, HistoryItem{})
	copy(items[i+1:], items[i:])
	items[i] = item
	gv.history[member] = items
}

func (gv *groupView) removeHistory(member string, item HistoryItem) {
	items := gv.history[member]
	for i, it := range items {
		if it == item {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(gv.history, member)
		return
	}
	gv.history[member] = items
}

func (gv *groupView) addUtxo(member string, out wire.OutPoint, value int64) {
	utxos := gv.utxos[member]
	if utxos == nil {
		utxos = make(map[wire.OutPoint]int64)
		gv.utxos[member] = utxos
	}
	utxos[out] = value
}

func (gv *groupView) removeUtxo(member string, out wire.OutPoint) {
	utxos, ok := gv.utxos[member]
	if !ok {
		return
	}
	delete(utxos, out)
	if len(utxos) == 0 {
		delete(gv.utxos, member)
	}
}

func (m *Mempool) view(groupName string) *groupView {
	for _, gv := range m.groups {
		if gv.group.Name() == groupName {
			return gv
		}
	}
	return nil
}

// History returns the mempool txs touching member, oldest first.
func (m *Mempool) History(groupName string, member []byte) []HistoryItem {
	gv := m.view(groupName)
	if gv == nil {
		return nil
	}
	return append([]HistoryItem(nil), gv.history[string(member)]...)
}

// Utxos returns the mempool-created unspent outputs of member, ordered by
// outpoint.
func (m *Mempool) Utxos(groupName string, member []byte) []Utxo {
	gv := m.view(groupName)
	if gv == nil {
		return nil
	}
	utxos := gv.utxos[string(member)]
	out := make([]Utxo, 0, len(utxos))
	for op, value := range utxos {
		out = append(out, Utxo{OutPoint: op, Value: value})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].OutPoint, out[j].OutPoint
		if a.Hash != b.Hash {
			return string(a.Hash[:]) < string(b.Hash[:])
		}
		return a.Index < b.Index
	})
	return out
}

// Spender returns the mempool tx spending out, if any. out may be
// confirmed or unconfirmed.
func (m *Mempool) Spender(out wire.OutPoint) (Spender, bool) {
	s, ok := m.spentBy[out.Hash][out.Index]
	return s, ok
}

// SpentBy returns the mempool spenders of the outputs of txid by index.
func (m *Mempool) SpentBy(txid chainhash.Hash) map[uint32]Spender {
	spent := m.spentBy[txid]
	out := make(map[uint32]Spender, len(spent))
	for idx, s := range spent {
		out[idx] = s
	}
	return out
}

// OutputToken returns the token of an unconfirmed output. ok is false
// when the tx is not in the mempool.
func (m *Mempool) OutputToken(out wire.OutPoint) (t *token.Token, ok bool) {
	e, ok := m.txs[out.Hash]
	if !ok {
		return nil, false
	}
	return e.Tokens.Output(int(out.Index)), true
}

// TxIDs returns all mempool txids ordered by first-seen time.
func (m *Mempool) TxIDs() []chainhash.Hash {
	items := make([]HistoryItem, 0, len(m.txs))
	for txid, e := range m.txs {
		items = append(items, HistoryItem{TimeFirstSeen: e.TimeFirstSeen, TxID: txid})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].less(items[j]) })
	out := make([]chainhash.Hash, len(items))
	for i, it := range items {
		out[i] = it.TxID
	}
	return out
}
