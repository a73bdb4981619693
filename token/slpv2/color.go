package slpv2

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/token"
	"github.com/metaid/token_indexer/token/empp"
)

// ErrNoOutputs is recorded for a tx without outputs.
var ErrNoOutputs = errors.New("no outputs")

type Variant byte

const (
	VariantAmount Variant = iota
	VariantMintBaton
	VariantUnknown
)

// OutputToken is the coloring of one output; SectionIdx points into
// ColoredTx.Sections.
type OutputToken struct {
	SectionIdx int
	Variant    Variant
	Amount     uint64
}

// SectionData is a successfully colored section.
type SectionData struct {
	Meta        token.Meta
	TxType      token.TxType
	GenesisInfo *token.GenesisInfo
	// RequiredInputSum is what a SEND needs from its inputs.
	RequiredInputSum uint64
}

type IntentionalBurn struct {
	Meta   token.Meta
	Amount uint64
}

type ColorErrorKind int

const (
	Slpv2ParseError ColorErrorKind = iota + 1
	TooFewOutputs
	GenesisMustBeFirst
	DescendingTokenType
	DuplicateTokenID
	DuplicateIntentionalBurnTokenID
	OverlappingAmount
	OverlappingMintBaton
)

// ColorSectionError rejects one pushdata; the remaining pushdata are still
// colored.
type ColorSectionError struct {
	PushdataIdx int
	Kind        ColorErrorKind
	ParseErr    *ParseError

	Expected, Actual int
	Before, After    byte
	PrevSectionIdx   int
	PrevBurnIdx      int
	BurnIdx          int
	TokenID          token.ID
	PrevToken        *token.Token
	AmountIdx        int
	Amount           uint64
	BatonIdx         int
}

func (e *ColorSectionError) Error() string {
	var msg string
	switch e.Kind {
	case Slpv2ParseError:
		msg = "SLPv2 parse failed: " + e.ParseErr.Error()
	case TooFewOutputs:
		msg = fmt.Sprintf("too few outputs, expected %d but got %d", e.Expected, e.Actual)
	case GenesisMustBeFirst:
		msg = "GENESIS must be the first pushdata"
	case DescendingTokenType:
		msg = fmt.Sprintf("descending token type: %d > %d, token types must be in ascending order", e.Before, e.After)
	case DuplicateTokenID:
		msg = fmt.Sprintf("duplicate token_id %s, found in section %d", e.TokenID, e.PrevSectionIdx)
	case DuplicateIntentionalBurnTokenID:
		msg = fmt.Sprintf("duplicate intentional burn token_id %s, found in burn #%d and #%d", e.TokenID, e.PrevBurnIdx, e.BurnIdx)
	case OverlappingAmount:
		msg = fmt.Sprintf("overlapping amount %d at index %d with %s", e.Amount, e.AmountIdx, e.PrevToken.Meta)
	case OverlappingMintBaton:
		msg = fmt.Sprintf("overlapping mint baton at index %d with %s", e.BatonIdx, e.PrevToken.Meta)
	default:
		msg = "unknown color error"
	}
	return fmt.Sprintf("error at pushdata index %d: %s", e.PushdataIdx, msg)
}

// ColoredTx assigns SLPv2 tokens to the outputs of a tx before any input
// is looked at.
type ColoredTx struct {
	Sections         []SectionData
	IntentionalBurns []IntentionalBurn
	Outputs          []*OutputToken
	// Errors holds at most one envelope error (ErrNoOutputs or an
	// *empp.ParseError), or any number of *ColorSectionError.
	Errors []error
}

// IsEmpty reports a tx that carries no SLPv2 data at all.
func (c *ColoredTx) IsEmpty() bool {
	return len(c.Sections) == 0 && len(c.IntentionalBurns) == 0 && len(c.Errors) == 0
}

// HasEnvelope reports whether output 0 is an eMPP script.
func (c *ColoredTx) HasEnvelope() bool {
	if len(c.Errors) != 1 {
		return true
	}
	var emppErr *empp.ParseError
	return !errors.Is(c.Errors[0], ErrNoOutputs) && !errors.As(c.Errors[0], &emppErr)
}

// ColorTx parses output 0 of tx as eMPP and colors every SLPv2 section.
func ColorTx(tx *common.Tx) *ColoredTx {
	colored := &ColoredTx{Outputs: make([]*OutputToken, len(tx.Outputs))}
	if len(tx.Outputs) == 0 {
		colored.Errors = []error{ErrNoOutputs}
		return colored
	}
	pushdata, err := empp.Parse(tx.Outputs[0].Script)
	if err != nil {
		colored.Errors = []error{err}
		return colored
	}
	colored.colorPushdata(tx.TxID, pushdata)
	return colored
}

// ColorPushdata colors already split pushdata against numOutputs outputs.
func ColorPushdata(txid chainhash.Hash, pushdata [][]byte, numOutputs int) *ColoredTx {
	colored := &ColoredTx{Outputs: make([]*OutputToken, numOutputs)}
	colored.colorPushdata(txid, pushdata)
	return colored
}

func (c *ColoredTx) colorPushdata(txid chainhash.Hash, pushdata [][]byte) {
	var maxTokenType byte
	for idx, data := range pushdata {
		err := c.colorSection(idx, txid, data, &maxTokenType)
		if err == nil {
			continue
		}
		if err.Kind == Slpv2ParseError && err.ParseErr.ShouldIgnore() {
			continue
		}
		err.PushdataIdx = idx
		c.Errors = append(c.Errors, err)
	}
}

func (c *ColoredTx) colorSection(pushdataIdx int, txid chainhash.Hash, pushdata []byte, maxTokenType *byte) *ColorSectionError {
	section, err := ParseSection(txid, pushdata)
	if err != nil {
		var parseErr *ParseError
		errors.As(err, &parseErr)
		return &ColorSectionError{Kind: Slpv2ParseError, ParseErr: parseErr}
	}
	tokenType := byte(section.Meta.Type.Code)
	if *maxTokenType > tokenType {
		return &ColorSectionError{Kind: DescendingTokenType, Before: *maxTokenType, After: tokenType}
	}
	*maxTokenType = tokenType

	if section.TxType == token.TxTypeMint || section.TxType == token.TxTypeSend {
		for prevIdx, prev := range c.Sections {
			if prev.Meta.ID == section.Meta.ID {
				return &ColorSectionError{Kind: DuplicateTokenID, PrevSectionIdx: prevIdx, TokenID: section.Meta.ID}
			}
		}
	}

	switch section.TxType {
	case token.TxTypeGenesis:
		if pushdataIdx != 0 {
			return &ColorSectionError{Kind: GenesisMustBeFirst}
		}
		if err := c.colorMintData(section.MintData); err != nil {
			return err
		}
		c.Sections = append(c.Sections, SectionData{Meta: section.Meta, TxType: token.TxTypeGenesis, GenesisInfo: section.GenesisInfo})
	case token.TxTypeMint:
		if err := c.colorMintData(section.MintData); err != nil {
			return err
		}
		c.Sections = append(c.Sections, SectionData{Meta: section.Meta, TxType: token.TxTypeMint})
	case token.TxTypeSend:
		return c.colorSend(section)
	case token.TxTypeBurn:
		return c.colorBurn(section)
	default:
		c.colorUnknown(section)
	}
	return nil
}

func (c *ColoredTx) colorMintData(mint MintData) *ColorSectionError {
	sectionIdx := len(c.Sections)
	if len(c.Outputs) < mint.batonsEnd() {
		return &ColorSectionError{Kind: TooFewOutputs, Expected: mint.batonsEnd(), Actual: len(c.Outputs)}
	}
	for amountIdx, amount := range mint.Amounts {
		if prev := c.Outputs[1+amountIdx]; prev != nil && amount != 0 {
			return &ColorSectionError{Kind: OverlappingAmount, PrevToken: c.Token(prev), AmountIdx: amountIdx, Amount: amount}
		}
	}
	for batonIdx, prev := range c.Outputs[mint.amountsEnd():mint.batonsEnd()] {
		if prev != nil {
			return &ColorSectionError{Kind: OverlappingMintBaton, PrevToken: c.Token(prev), BatonIdx: batonIdx}
		}
	}
	for amountIdx, amount := range mint.Amounts {
		if amount > 0 {
			c.Outputs[1+amountIdx] = &OutputToken{SectionIdx: sectionIdx, Variant: VariantAmount, Amount: amount}
		}
	}
	for outIdx := mint.amountsEnd(); outIdx < mint.batonsEnd(); outIdx++ {
		c.Outputs[outIdx] = &OutputToken{SectionIdx: sectionIdx, Variant: VariantMintBaton}
	}
	return nil
}

func (c *ColoredTx) colorSend(section *Section) *ColorSectionError {
	amounts := section.SendAmounts
	if len(c.Outputs) < len(amounts)+1 {
		return &ColorSectionError{Kind: TooFewOutputs, Expected: len(amounts) + 1, Actual: len(c.Outputs)}
	}
	for idx, amount := range amounts {
		if prev := c.Outputs[idx+1]; prev != nil && amount > 0 {
			return &ColorSectionError{Kind: OverlappingAmount, PrevToken: c.Token(prev), AmountIdx: idx, Amount: amount}
		}
	}
	sectionIdx := len(c.Sections)
	var required uint64
	for idx, amount := range amounts {
		if amount == 0 {
			continue
		}
		required += amount
		c.Outputs[idx+1] = &OutputToken{SectionIdx: sectionIdx, Variant: VariantAmount, Amount: amount}
	}
	c.Sections = append(c.Sections, SectionData{Meta: section.Meta, TxType: token.TxTypeSend, RequiredInputSum: required})
	return nil
}

func (c *ColoredTx) colorBurn(section *Section) *ColorSectionError {
	for prevIdx, prev := range c.IntentionalBurns {
		if prev.Meta.ID == section.Meta.ID {
			return &ColorSectionError{
				Kind:        DuplicateIntentionalBurnTokenID,
				PrevBurnIdx: prevIdx,
				BurnIdx:     len(c.IntentionalBurns),
				TokenID:     section.Meta.ID,
			}
		}
	}
	c.IntentionalBurns = append(c.IntentionalBurns, IntentionalBurn{Meta: section.Meta, Amount: section.BurnAmount})
	return nil
}

func (c *ColoredTx) colorUnknown(section *Section) {
	sectionIdx := len(c.Sections)
	for idx := 1; idx < len(c.Outputs); idx++ {
		if c.Outputs[idx] == nil {
			c.Outputs[idx] = &OutputToken{SectionIdx: sectionIdx, Variant: VariantUnknown}
		}
	}
	c.Sections = append(c.Sections, SectionData{Meta: section.Meta, TxType: token.TxTypeUnknown})
}

// Token resolves a colored output to its token.
func (c *ColoredTx) Token(out *OutputToken) *token.Token {
	t := &token.Token{Meta: c.Sections[out.SectionIdx].Meta}
	switch out.Variant {
	case VariantAmount:
		t.Amount = out.Amount
	case VariantMintBaton:
		t.IsMintBaton = true
	}
	return t
}
