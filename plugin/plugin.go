// Package plugin runs output annotators over indexed txs. A plugin tags
// outputs with groups, which are indexed like script members, and with
// opaque data returned alongside the outputs in queries.
package plugin

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/script"
	"github.com/metaid/token_indexer/token"
	"github.com/metaid/token_indexer/token/empp"
	"go.uber.org/zap"
)

// LokadID is the 4-byte protocol tag a plugin subscribes to.
type LokadID [4]byte

// Entry is what a single plugin attached to one output.
type Entry struct {
	Groups [][]byte
	Data   [][]byte
}

// Output holds the entries of all plugins for one output, by plugin name.
type Output map[string]Entry

// TxOutputs maps output index to its annotations.
type TxOutputs map[uint32]Output

// Plugin annotates the outputs of txs carrying one of its LOKAD ids.
type Plugin interface {
	Name() string
	LokadIDs() []LokadID
	// Run receives the annotations of the spent outputs (aligned with
	// tx.Inputs, nil entries for none) and the tx's token record if any.
	Run(tx *common.Tx, spent []Output, tokens *token.TxData) (map[uint32]Entry, error)
}

// Runner is what the indexer calls for every tx.
type Runner interface {
	Run(tx *common.Tx, spent []Output, tokens *token.TxData) (TxOutputs, error)
}

// Context dispatches txs to the loaded plugins.
type Context struct {
	plugins []Plugin
	byLokad map[LokadID][]int
	log     *zap.Logger
}

func NewContext(logger *zap.Logger, plugins ...Plugin) (*Context, error) {
	c := &Context{
		byLokad: make(map[LokadID][]int),
		log:     logger.With(zap.String("component", "plugins")),
	}
	seen := make(map[string]bool)
	for _, p := range plugins {
		if p.Name() == "" || len(p.Name()) > 255 {
			return nil, fmt.Errorf("invalid plugin name %q", p.Name())
		}
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate plugin %q", p.Name())
		}
		seen[p.Name()] = true
		idx := len(c.plugins)
		c.plugins = append(c.plugins, p)
		for _, id := range p.LokadIDs() {
			c.byLokad[id] = append(c.byLokad[id], idx)
		}
		c.log.Info("plugin loaded", zap.String("name", p.Name()), zap.Int("lokad_ids", len(p.LokadIDs())))
	}
	return c, nil
}

// Empty reports whether no plugin is loaded.
func (c *Context) Empty() bool { return c == nil || len(c.plugins) == 0 }

// Run runs every plugin whose LOKAD id the tx carries and merges their
// results. Output indices out of range are rejected.
func (c *Context) Run(tx *common.Tx, spent []Output, tokens *token.TxData) (TxOutputs, error) {
	if c.Empty() {
		return nil, nil
	}
	matched := c.matching(tx)
	if len(matched) == 0 {
		return nil, nil
	}
	var result TxOutputs
	for _, idx := range matched {
		p := c.plugins[idx]
		entries, err := p.Run(tx, spent, tokens)
		if err != nil {
			return nil, fmt.Errorf("plugin %s on tx %s: %w", p.Name(), tx.TxID, err)
		}
		for outIdx, entry := range entries {
			if int(outIdx) >= len(tx.Outputs) {
				return nil, fmt.Errorf("plugin %s tagged output %d of tx %s with %d outputs",
					p.Name(), outIdx, tx.TxID, len(tx.Outputs))
			}
			if result == nil {
				result = make(TxOutputs)
			}
			if result[outIdx] == nil {
				result[outIdx] = make(Output)
			}
			result[outIdx][p.Name()] = entry
		}
	}
	return result, nil
}

// matching returns the indices of plugins interested in tx, in load order.
func (c *Context) matching(tx *common.Tx) []int {
	hit := make(map[int]bool)
	for _, id := range TxLokadIDs(tx) {
		for _, idx := range c.byLokad[id] {
			hit[idx] = true
		}
	}
	out := make([]int, 0, len(hit))
	for idx := range hit {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// TxLokadIDs collects the LOKAD ids a tx carries: the first push after
// OP_RETURN of output 0, the prefix of each eMPP section and the first
// push of every input script.
func TxLokadIDs(tx *common.Tx) []LokadID {
	var ids []LokadID
	add := func(b []byte) {
		if len(b) < 4 {
			return
		}
		ids = append(ids, LokadID(b[:4]))
	}
	if len(tx.Outputs) > 0 {
		out := tx.Outputs[0].Script
		if pushdata, err := empp.Parse(out); err == nil {
			for _, section := range pushdata {
				add(section)
			}
		} else if ops, err := script.Ops(out); err == nil && len(ops) >= 2 &&
			ops[0].Code == txscript.OP_RETURN && ops[1].IsPush() && len(ops[1].Data) == 4 {
			add(ops[1].Data)
		}
	}
	for _, in := range tx.Inputs {
		dec := script.NewDecoder(in.Script)
		if dec.Next() && dec.Op().IsPush() && len(dec.Op().Data) == 4 {
			add(dec.Op().Data)
		}
	}
	return ids
}

// Member is the group-index key of a plugin group:
// len(name) ‖ name ‖ group.
func Member(name string, group []byte) []byte {
	m := make([]byte, 0, 1+len(name)+len(group))
	m = append(m, byte(len(name)))
	m = append(m, name...)
	return append(m, group...)
}

// SplitMember is the inverse of Member.
func SplitMember(member []byte) (name string, group []byte, ok bool) {
	if len(member) == 0 || int(member[0]) > len(member)-1 {
		return "", nil, false
	}
	n := int(member[0])
	return string(member[1 : 1+n]), member[1+n:], true
}

// Members lists the group members of an annotated output, ordered by
// plugin name and then group.
func (o Output) Members() [][]byte {
	if len(o) == 0 {
		return nil
	}
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	var members [][]byte
	for _, name := range names {
		for _, group := range o[name].Groups {
			members = append(members, Member(name, group))
		}
	}
	return members
}

// Encode serializes the output for the plugin_outputs column.
func (o Output) Encode() ([]byte, error) {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	var e common.Encoder
	e.VarInt(uint64(len(names)))
	for _, name := range names {
		entry := o[name]
		e.VarBytes([]byte(name))
		e.VarInt(uint64(len(entry.Groups)))
		for _, g := range entry.Groups {
			e.VarBytes(g)
		}
		e.VarInt(uint64(len(entry.Data)))
		for _, d := range entry.Data {
			e.VarBytes(d)
		}
	}
	return e.Bytes()
}

func DecodeOutput(b []byte) (Output, error) {
	d := common.NewDecoder(b)
	n := d.Count()
	o := make(Output, n)
	for i := 0; i < n; i++ {
		name := string(d.VarBytes("plugin name"))
		var entry Entry
		for j, groups := 0, d.Count(); j < groups; j++ {
			entry.Groups = append(entry.Groups, nonNil(d.VarBytes("plugin group")))
		}
		for j, data := 0, d.Count(); j < data; j++ {
			entry.Data = append(entry.Data, nonNil(d.VarBytes("plugin data")))
		}
		o[name] = entry
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode plugin output: %w", err)
	}
	return o, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Equal compares two outputs entry by entry.
func (o Output) Equal(other Output) bool {
	if len(o) != len(other) {
		return false
	}
	for name, entry := range o {
		oe, ok := other[name]
		if !ok || !equalLists(entry.Groups, oe.Groups) || !equalLists(entry.Data, oe.Data) {
			return false
		}
	}
	return true
}

func equalLists(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
