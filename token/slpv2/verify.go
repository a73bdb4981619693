package slpv2

import (
	"fmt"

	"lukechampine.com/uint128"

	"github.com/metaid/token_indexer/token"
)

type VerifyErrorKind int

const (
	InsufficientInputSum VerifyErrorKind = iota + 1
	MissingMintBaton
)

type VerifyError struct {
	Kind       VerifyErrorKind
	SectionIdx int
	TokenID    token.ID
	InputSum   uint64
	OutputSum  uint64
}

func (e *VerifyError) Error() string {
	if e.Kind == MissingMintBaton {
		return fmt.Sprintf("missing MINT baton for %s at section index %d", e.TokenID, e.SectionIdx)
	}
	return fmt.Sprintf("insufficient token input output sum for %s at section index %d: input sum %d < output sum %d",
		e.TokenID, e.SectionIdx, e.InputSum, e.OutputSum)
}

// Verify checks every colored section against the tokens of the spent
// outputs. Token ids whose section fails are burned in full, their
// sections and outputs dropped; the other sections stand.
func Verify(colored *ColoredTx, spent []*token.Token) (*token.TxData, []*VerifyError) {
	var verifyErrs []*VerifyError
	failed := make(map[token.ID]*VerifyError)
	for idx, section := range colored.Sections {
		if section.TxType != token.TxTypeSend && section.TxType != token.TxTypeMint {
			continue
		}
		var inputSum uint64
		hasBaton := false
		for _, in := range spent {
			if in.IsEmpty() || in.Meta.ID != section.Meta.ID {
				continue
			}
			inputSum += in.Amount
			hasBaton = hasBaton || in.IsMintBaton
		}
		var errs []*VerifyError
		if inputSum < section.RequiredInputSum {
			errs = append(errs, &VerifyError{Kind: InsufficientInputSum, SectionIdx: idx, TokenID: section.Meta.ID,
				InputSum: inputSum, OutputSum: section.RequiredInputSum})
		}
		if section.TxType == token.TxTypeMint && !hasBaton {
			errs = append(errs, &VerifyError{Kind: MissingMintBaton, SectionIdx: idx, TokenID: section.Meta.ID})
		}
		for _, err := range errs {
			verifyErrs = append(verifyErrs, err)
			if _, ok := failed[section.Meta.ID]; !ok {
				failed[section.Meta.ID] = err
			}
		}
	}

	d := &token.TxData{
		Protocol:    token.ProtocolSLPv2,
		Inputs:      make([]*token.Token, len(spent)),
		InputStatus: make([]token.InputStatus, len(spent)),
		Outputs:     make([]*token.Token, len(colored.Outputs)),
	}
	newIdx := make([]int, len(colored.Sections))
	kept := make(map[token.Meta]SectionData)
	unknownTypes := make(map[token.Type]bool)
	for idx, section := range colored.Sections {
		if _, ok := failed[section.Meta.ID]; ok {
			newIdx[idx] = -1
			continue
		}
		newIdx[idx] = len(d.Sections)
		d.Sections = append(d.Sections, token.Section{Meta: section.Meta, TxType: section.TxType, GenesisInfo: section.GenesisInfo})
		if section.TxType == token.TxTypeUnknown {
			unknownTypes[section.Meta.Type] = true
		} else {
			kept[section.Meta] = section
		}
	}
	for idx, out := range colored.Outputs {
		if out == nil || newIdx[out.SectionIdx] < 0 {
			continue
		}
		d.Outputs[idx] = colored.Token(out)
	}

	d.Burns = inputBurns(d, spent, kept, unknownTypes, failed)
	for _, ib := range colored.IntentionalBurns {
		attached := false
		for i := range d.Burns {
			if d.Burns[i].Meta == ib.Meta {
				d.Burns[i].IntentionalBurn = ib.Amount
				attached = true
				break
			}
		}
		if !attached {
			d.Burns = append(d.Burns, token.Burn{Meta: ib.Meta, IntentionalBurn: ib.Amount})
		}
	}

	for _, err := range colored.Errors {
		d.Errors = append(d.Errors, err.Error())
	}
	for _, err := range verifyErrs {
		d.Errors = append(d.Errors, err.Error())
	}
	return d, verifyErrs
}

type inputTotal struct {
	meta      token.Meta
	amount    uint64
	hasBaton  bool
	anyBurned bool
}

// inputBurns classifies every token input and sums what each token loses.
func inputBurns(d *token.TxData, spent []*token.Token, kept map[token.Meta]SectionData,
	unknownTypes map[token.Type]bool, failed map[token.ID]*VerifyError) []token.Burn {
	var order []token.Meta
	totals := make(map[token.Meta]*inputTotal)
	for idx, in := range spent {
		if in.IsEmpty() {
			continue
		}
		c := *in
		d.Inputs[idx] = &c

		status := token.InputBurned
		if section, ok := kept[in.Meta]; ok {
			switch {
			case section.TxType == token.TxTypeSend && !in.IsMintBaton:
				status = token.InputValid
			case section.TxType == token.TxTypeMint && in.IsMintBaton:
				status = token.InputValid
			}
		}
		if in.IsUnknown() && unknownTypes[in.Meta.Type] {
			status = token.InputValid
		}
		d.InputStatus[idx] = status

		total, ok := totals[in.Meta]
		if !ok {
			total = &inputTotal{meta: in.Meta}
			totals[in.Meta] = total
			order = append(order, in.Meta)
		}
		total.amount += in.Amount
		total.hasBaton = total.hasBaton || in.IsMintBaton
		total.anyBurned = total.anyBurned || status == token.InputBurned
	}

	var burns []token.Burn
	for _, meta := range order {
		total := totals[meta]
		burn := token.Burn{Meta: meta}
		if err, ok := failed[meta.ID]; ok {
			burn.Amount = uint128.From64(total.amount)
			burn.BurnsMintBaton = total.hasBaton
			burn.IsTotal = true
			burn.Error = err.Error()
			burns = append(burns, burn)
			continue
		}
		section, hasSection := kept[meta]
		switch {
		case hasSection && section.TxType == token.TxTypeSend:
			if total.amount > section.RequiredInputSum {
				burn.Amount = uint128.From64(total.amount - section.RequiredInputSum)
			}
			burn.BurnsMintBaton = total.hasBaton
		case hasSection && section.TxType == token.TxTypeMint:
			burn.Amount = uint128.From64(total.amount)
		default:
			burn.Amount = uint128.From64(total.amount)
			burn.BurnsMintBaton = total.hasBaton
		}
		if burn.Amount.IsZero() && !burn.BurnsMintBaton && !total.anyBurned {
			continue
		}
		burns = append(burns, burn)
	}
	return burns
}
