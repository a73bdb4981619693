package slp

import (
	"lukechampine.com/uint128"

	"github.com/metaid/token_indexer/token"
)

// Verify checks a parsed SLP message against the tokens of the spent
// outputs (aligned with the tx inputs, nil for inputs without tokens).
func Verify(data *ParseData, spent []*token.Token) (*token.TxData, error) {
	v := &verification{
		data:   data,
		spent:  spent,
		status: make([]token.InputStatus, len(spent)),
	}
	var err error
	switch data.TxType {
	case token.TxTypeGenesis:
		err = v.genesis()
	case token.TxTypeMint:
		err = v.mint()
	case token.TxTypeSend:
		err = v.send()
	case token.TxTypeBurn:
		err = v.burn()
	default:
		v.burnAll()
	}
	if err != nil {
		return nil, err
	}
	return v.txData(), nil
}

type verification struct {
	data         *ParseData
	spent        []*token.Token
	status       []token.InputStatus
	burns        []token.Burn
	groupTokenID *token.ID
}

func (v *verification) burnInput(idx int) {
	v.status[idx] = token.InputBurned
	v.burns = append(v.burns, token.BurnOf(v.spent[idx]))
}

func (v *verification) burnAll() {
	for idx, in := range v.spent {
		if !in.IsEmpty() {
			v.burnInput(idx)
		}
	}
}

func (v *verification) genesis() error {
	if v.data.Meta.Type != token.TypeNft1Child {
		v.burnAll()
		return nil
	}
	if len(v.spent) == 0 || v.spent[0] == nil {
		return &VerifyError{Kind: HasNoNft1Group}
	}
	group := v.spent[0]
	if group.Meta.Type != token.TypeNft1Group || group.Amount == 0 {
		return &VerifyError{Kind: HasNoNft1Group}
	}
	v.status[0] = token.InputValid
	groupID := group.Meta.ID
	v.groupTokenID = &groupID
	for idx, in := range v.spent[1:] {
		if !in.IsEmpty() {
			v.burnInput(idx + 1)
		}
	}
	return nil
}

// mint consumes exactly one baton of the minted token; every other token
// input, including extra matching batons, is burned.
func (v *verification) mint() error {
	consumed := false
	for idx, in := range v.spent {
		if in.IsEmpty() {
			continue
		}
		if !consumed && in.IsMintBaton && in.Meta == v.data.Meta {
			consumed = true
			v.status[idx] = token.InputValid
			continue
		}
		v.burnInput(idx)
	}
	if !consumed {
		return &VerifyError{Kind: HasNoMintBaton}
	}
	return nil
}

func (v *verification) send() error {
	outputSum := uint128.Zero
	for _, out := range v.data.Outputs {
		outputSum = outputSum.Add64(out.Amount)
	}
	inputSum := uint128.Zero
	for idx, in := range v.spent {
		if in.IsEmpty() {
			continue
		}
		if in.Meta != v.data.Meta || in.IsMintBaton {
			v.burnInput(idx)
			continue
		}
		v.status[idx] = token.InputValid
		inputSum = inputSum.Add64(in.Amount)
		if v.groupTokenID == nil && in.GroupTokenID != nil {
			groupID := *in.GroupTokenID
			v.groupTokenID = &groupID
		}
		if inputSum.Cmp(outputSum) > 0 {
			excess := inputSum.Sub(outputSum)
			spentAmount := uint128.From64(in.Amount)
			if excess.Cmp(spentAmount) > 0 {
				excess = spentAmount
			}
			v.burns = append(v.burns, token.Burn{Meta: in.Meta, Amount: excess})
		}
	}
	if outputSum.Cmp(inputSum) > 0 {
		return &VerifyError{Kind: OutputSumExceedInputSum, OutputSum: outputSum, InputSum: inputSum}
	}
	return nil
}

func (v *verification) burn() error {
	actual := uint128.Zero
	for idx, in := range v.spent {
		if in.IsEmpty() {
			continue
		}
		if in.Meta.ID != v.data.Meta.ID {
			return &VerifyError{Kind: WrongBurnTokenID}
		}
		if in.IsMintBaton {
			return &VerifyError{Kind: WrongBurnMintBaton}
		}
		v.status[idx] = token.InputValid
		actual = actual.Add64(in.Amount)
	}
	if !actual.Equals64(v.data.BurnAmount) {
		return &VerifyError{Kind: WrongBurnInvalidAmount, Expected: v.data.BurnAmount, Actual: actual}
	}
	return nil
}

func (v *verification) txData() *token.TxData {
	meta := v.data.Meta
	section := token.Section{
		Meta:            meta,
		TxType:          v.data.TxType,
		GenesisInfo:     v.data.GenesisInfo,
		IntentionalBurn: v.data.BurnAmount,
	}
	d := &token.TxData{
		Protocol:     token.ProtocolSLP,
		Sections:     []token.Section{section},
		Inputs:       copyTokens(v.spent),
		InputStatus:  v.status,
		Outputs:      make([]*token.Token, v.data.NumOutputs),
		Burns:        token.AggregateBurns(v.burns),
		GroupTokenID: v.groupTokenID,
	}
	if v.data.TxType == token.TxTypeUnknown {
		return d
	}
	for idx, out := range v.data.Outputs {
		if idx >= len(d.Outputs) || out.IsEmpty() {
			continue
		}
		d.Outputs[idx] = &token.Token{
			Meta:         meta,
			Amount:       out.Amount,
			IsMintBaton:  out.IsMintBaton,
			GroupTokenID: v.groupTokenID,
		}
	}
	return d
}

func copyTokens(tokens []*token.Token) []*token.Token {
	out := make([]*token.Token, len(tokens))
	for i, t := range tokens {
		if t.IsEmpty() {
			continue
		}
		c := *t
		out[i] = &c
	}
	return out
}
