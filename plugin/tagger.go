package plugin

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/script"
	"github.com/metaid/token_indexer/token"
	"github.com/metaid/token_indexer/token/empp"
)

// Tagger is a built-in plugin. For every tx carrying its LOKAD id it
// groups the spendable outputs under the id and attaches the protocol
// payload that followed the id as data.
type Tagger struct {
	name  string
	lokad LokadID
}

func NewTagger(name string, lokad LokadID) *Tagger {
	return &Tagger{name: name, lokad: lokad}
}

func (t *Tagger) Name() string { return t.name }

func (t *Tagger) LokadIDs() []LokadID { return []LokadID{t.lokad} }

func (t *Tagger) Run(tx *common.Tx, _ []Output, _ *token.TxData) (map[uint32]Entry, error) {
	payload, ok := t.payload(tx)
	if !ok {
		return nil, nil
	}
	entries := make(map[uint32]Entry)
	for idx, out := range tx.Outputs {
		if len(out.Script) > 0 && out.Script[0] == txscript.OP_RETURN {
			continue
		}
		entries[uint32(idx)] = Entry{Groups: [][]byte{t.lokad[:]}, Data: payload}
	}
	return entries, nil
}

// payload finds the data tagged with the LOKAD id in output 0. Txs that
// only carry the id in an input script match with an empty payload.
func (t *Tagger) payload(tx *common.Tx) ([][]byte, bool) {
	if len(tx.Outputs) > 0 {
		out := tx.Outputs[0].Script
		if pushdata, err := empp.Parse(out); err == nil {
			for _, section := range pushdata {
				if len(section) >= 4 && LokadID(section[:4]) == t.lokad {
					return [][]byte{section[4:]}, true
				}
			}
		} else if ops, err := script.Ops(out); err == nil && len(ops) >= 2 &&
			ops[0].Code == txscript.OP_RETURN && len(ops[1].Data) == 4 && LokadID(ops[1].Data) == t.lokad {
			var data [][]byte
			for _, op := range ops[2:] {
				if op.IsPush() {
					data = append(data, op.Data)
				}
			}
			return data, true
		}
	}
	for _, id := range TxLokadIDs(tx) {
		if id == t.lokad {
			return nil, true
		}
	}
	return nil, false
}
