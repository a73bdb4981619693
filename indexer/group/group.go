// Package group defines how txs are split into index members. Both the
// confirmed indexer and the mempool mirror index history and UTXOs per
// member of every group.
package group

import (
	"bytes"
	"encoding/binary"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/plugin"
	"github.com/metaid/token_indexer/script"
	"github.com/metaid/token_indexer/storage"
	"github.com/metaid/token_indexer/token"
)

// IndexTx is a tx prepared for indexing: numbered, input-resolved and
// annotated with the token record and plugin outputs it produced.
type IndexTx struct {
	Tx         *common.Tx
	TxNum      uint64
	IsCoinbase bool
	// InputNums holds the tx num of the tx each input spends; empty for
	// the coinbase and for mempool txs.
	InputNums []uint64
	Tokens    *token.TxData
	Plugins   plugin.TxOutputs
	// SpentPlugins is aligned with Tx.Inputs.
	SpentPlugins []plugin.Output
}

// MemberItem is a member reached through input or output Idx.
type MemberItem struct {
	Idx    int
	Member []byte
}

// Group splits a tx into members.
type Group interface {
	Name() string
	CFs() storage.GroupCFs
	InputMembers(tx *IndexTx) []MemberItem
	OutputMembers(tx *IndexTx) []MemberItem
}

// TxMembers returns the distinct members touched by tx, inputs first, in
// first-seen order.
func TxMembers(g Group, tx *IndexTx) [][]byte {
	var members [][]byte
	seen := make(map[string]bool)
	add := func(items []MemberItem) {
		for _, item := range items {
			if seen[string(item.Member)] {
				continue
			}
			seen[string(item.Member)] = true
			members = append(members, item.Member)
		}
	}
	if !tx.IsCoinbase {
		add(g.InputMembers(tx))
	}
	add(g.OutputMembers(tx))
	return members
}

// Script groups by the payloads of output scripts.
type Script struct{}

func (Script) Name() string { return "script" }

func (Script) CFs() storage.GroupCFs { return storage.ScriptGroupCFs }

func (Script) InputMembers(tx *IndexTx) []MemberItem {
	var items []MemberItem
	for idx, in := range tx.Tx.Inputs {
		if in.Coin == nil {
			continue
		}
		for _, p := range script.Payloads(in.Coin.Output.Script) {
			items = append(items, MemberItem{Idx: idx, Member: p.Member()})
		}
	}
	return items
}

func (Script) OutputMembers(tx *IndexTx) []MemberItem {
	var items []MemberItem
	for idx, out := range tx.Tx.Outputs {
		for _, p := range script.Payloads(out.Script) {
			items = append(items, MemberItem{Idx: idx, Member: p.Member()})
		}
	}
	return items
}

// TokenID groups by the id of the token an input spent or an output carries.
type TokenID struct{}

func (TokenID) Name() string { return "token_id" }

func (TokenID) CFs() storage.GroupCFs { return storage.TokenIDGroupCFs }

func (TokenID) InputMembers(tx *IndexTx) []MemberItem {
	if tx.Tokens == nil {
		return nil
	}
	return tokenMembers(tx.Tokens.Inputs)
}

func (TokenID) OutputMembers(tx *IndexTx) []MemberItem {
	if tx.Tokens == nil {
		return nil
	}
	return tokenMembers(tx.Tokens.Outputs)
}

func tokenMembers(tokens []*token.Token) []MemberItem {
	var items []MemberItem
	for idx, t := range tokens {
		if t == nil || t.Meta.ID.IsZero() {
			continue
		}
		id := t.Meta.ID
		items = append(items, MemberItem{Idx: idx, Member: id[:]})
	}
	return items
}

// Plugin groups by the (plugin name, group) pairs plugins assigned to outputs.
type Plugin struct{}

func (Plugin) Name() string { return "plugin" }

func (Plugin) CFs() storage.GroupCFs { return storage.PluginGroupCFs }

func (Plugin) InputMembers(tx *IndexTx) []MemberItem {
	var items []MemberItem
	for idx, out := range tx.SpentPlugins {
		for _, m := range out.Members() {
			items = append(items, MemberItem{Idx: idx, Member: m})
		}
	}
	return items
}

func (Plugin) OutputMembers(tx *IndexTx) []MemberItem {
	var items []MemberItem
	for idx := range tx.Tx.Outputs {
		for _, m := range tx.Plugins[uint32(idx)].Members() {
			items = append(items, MemberItem{Idx: idx, Member: m})
		}
	}
	return items
}

// Value groups outputs by their amount. It only exists to exercise the
// index machinery with easily predictable members.
type Value struct {
	GroupCFs storage.GroupCFs
}

func (Value) Name() string { return "value" }

func (v Value) CFs() storage.GroupCFs { return v.GroupCFs }

func (Value) InputMembers(tx *IndexTx) []MemberItem {
	var items []MemberItem
	for idx, in := range tx.Tx.Inputs {
		if in.Coin == nil {
			continue
		}
		items = append(items, MemberItem{Idx: idx, Member: ValueMember(in.Coin.Output.Value)})
	}
	return items
}

func (Value) OutputMembers(tx *IndexTx) []MemberItem {
	var items []MemberItem
	for idx, out := range tx.Tx.Outputs {
		items = append(items, MemberItem{Idx: idx, Member: ValueMember(out.Value)})
	}
	return items
}

func ValueMember(value int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(value))
	return b[:]
}

// Contains reports whether members holds member.
func Contains(members [][]byte, member []byte) bool {
	for _, m := range members {
		if bytes.Equal(m, member) {
			return true
		}
	}
	return false
}
