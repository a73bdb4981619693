package token

import (
	"lukechampine.com/uint128"
)

// InputStatus classifies how a tx treated a spent token.
type InputStatus byte

const (
	InputEmpty InputStatus = iota
	InputValid
	InputBurned
)

func (s InputStatus) String() string {
	switch s {
	case InputValid:
		return "valid"
	case InputBurned:
		return "burned"
	}
	return "empty"
}

// Section is one token action in a tx. SLP txs have a single section,
// SLPv2 txs one per successfully colored pushdata.
type Section struct {
	Meta        Meta
	TxType      TxType
	GenesisInfo *GenesisInfo
	// IntentionalBurn is the amount a BURN section declares.
	IntentionalBurn uint64
	// Failed marks the claim of a tx that failed verification. Such a
	// section colors no outputs and never creates a token.
	Failed bool
}

// Burn describes tokens destroyed by a tx for one token.
type Burn struct {
	Meta           Meta
	Amount         uint128.Uint128
	BurnsMintBaton bool
	// IntentionalBurn is the amount an SLPv2 BURN section declared for
	// this token.
	IntentionalBurn uint64
	// IsTotal marks a burn caused by a failed verification.
	IsTotal bool
	Error   string
}

// TxData is the verified token record of a tx.
type TxData struct {
	Protocol     Protocol
	Sections     []Section
	Inputs       []*Token
	InputStatus  []InputStatus
	Outputs      []*Token
	Burns        []Burn
	GroupTokenID *ID
	Errors       []string
}

// HasTokens reports whether the record is worth storing.
func (d *TxData) HasTokens() bool {
	if d == nil {
		return false
	}
	if len(d.Sections) > 0 || len(d.Burns) > 0 || len(d.Errors) > 0 {
		return true
	}
	for _, in := range d.Inputs {
		if in != nil {
			return true
		}
	}
	for _, out := range d.Outputs {
		if out != nil {
			return true
		}
	}
	return false
}

// IsGenesis reports whether any section is a GENESIS.
func (d *TxData) IsGenesis() bool {
	return d.GenesisSection() != nil
}

func (d *TxData) GenesisSection() *Section {
	if d == nil {
		return nil
	}
	for i := range d.Sections {
		if d.Sections[i].TxType == TxTypeGenesis && !d.Sections[i].Failed {
			return &d.Sections[i]
		}
	}
	return nil
}

// Output returns the token of output idx, nil if none.
func (d *TxData) Output(idx int) *Token {
	if d == nil || idx < 0 || idx >= len(d.Outputs) {
		return nil
	}
	return d.Outputs[idx]
}

// BurnedAmount is the recorded burn of one token id.
func (d *TxData) BurnedAmount(id ID) uint128.Uint128 {
	total := uint128.Zero
	for _, b := range d.Burns {
		if b.Meta.ID == id {
			total = total.Add(b.Amount)
		}
	}
	return total
}

// AggregateBurns dedupes burns by token meta in first-seen order, summing
// amounts and OR'ing the baton flags.
func AggregateBurns(burns []Burn) []Burn {
	if len(burns) == 0 {
		return nil
	}
	out := make([]Burn, 0, len(burns))
	index := make(map[Meta]int, len(burns))
	for _, b := range burns {
		i, ok := index[b.Meta]
		if !ok {
			index[b.Meta] = len(out)
			out = append(out, b)
			continue
		}
		agg := &out[i]
		agg.Amount = agg.Amount.Add(b.Amount)
		agg.BurnsMintBaton = agg.BurnsMintBaton || b.BurnsMintBaton
		agg.IntentionalBurn += b.IntentionalBurn
		agg.IsTotal = agg.IsTotal || b.IsTotal
		if agg.Error == "" {
			agg.Error = b.Error
		}
	}
	return out
}

// BurnOf is the burn entry for spending t without passing it on.
func BurnOf(t *Token) Burn {
	return Burn{Meta: t.Meta, Amount: uint128.From64(t.Amount), BurnsMintBaton: t.IsMintBaton}
}
