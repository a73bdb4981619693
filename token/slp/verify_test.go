package slp

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/metaid/token_indexer/token"
)

func idOf(b byte) token.ID {
	var id token.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func amountToken(id token.ID, typ token.Type, amount uint64) *token.Token {
	return &token.Token{Meta: token.Meta{ID: id, Type: typ}, Amount: amount}
}

func batonToken(id token.ID, typ token.Type) *token.Token {
	return &token.Token{Meta: token.Meta{ID: id, Type: typ}, IsMintBaton: true}
}

func TestVerifyMintAmidstDecoys(t *testing.T) {
	meta := token.Meta{ID: idOf(1), Type: token.TypeFungible}
	data := &ParseData{
		Meta:       meta,
		TxType:     token.TxTypeMint,
		Outputs:    []OutputToken{{}, {Amount: 10}, {IsMintBaton: true}},
		NumOutputs: 3,
	}
	spent := []*token.Token{
		nil,
		amountToken(idOf(1), token.TypeFungible, 4),
		nil,
		batonToken(idOf(2), token.TypeFungible),
		batonToken(idOf(1), token.TypeNft1Group),
		batonToken(idOf(1), token.TypeFungible),
		batonToken(idOf(1), token.TypeNft1Child),
		nil,
	}

	got, err := Verify(data, spent)
	require.NoError(t, err)
	require.Equal(t, []token.InputStatus{
		token.InputEmpty, token.InputBurned, token.InputEmpty, token.InputBurned,
		token.InputBurned, token.InputValid, token.InputBurned, token.InputEmpty,
	}, got.InputStatus)
	require.Equal(t, []token.Burn{
		{Meta: meta, Amount: uint128.From64(4)},
		{Meta: token.Meta{ID: idOf(2), Type: token.TypeFungible}, Amount: uint128.Zero, BurnsMintBaton: true},
		{Meta: token.Meta{ID: idOf(1), Type: token.TypeNft1Group}, Amount: uint128.Zero, BurnsMintBaton: true},
		{Meta: token.Meta{ID: idOf(1), Type: token.TypeNft1Child}, Amount: uint128.Zero, BurnsMintBaton: true},
	}, got.Burns)
	require.Nil(t, got.Outputs[0])
	require.Equal(t, &token.Token{Meta: meta, Amount: 10}, got.Outputs[1])
	require.Equal(t, &token.Token{Meta: meta, IsMintBaton: true}, got.Outputs[2])
}

func TestVerifyMintSecondBatonBurned(t *testing.T) {
	meta := token.Meta{ID: idOf(1), Type: token.TypeFungible}
	data := &ParseData{Meta: meta, TxType: token.TxTypeMint, Outputs: []OutputToken{{}, {Amount: 1}}, NumOutputs: 2}
	got, err := Verify(data, []*token.Token{batonToken(idOf(1), token.TypeFungible), batonToken(idOf(1), token.TypeFungible)})
	require.NoError(t, err)
	require.Equal(t, []token.InputStatus{token.InputValid, token.InputBurned}, got.InputStatus)
	require.Equal(t, []token.Burn{{Meta: meta, Amount: uint128.Zero, BurnsMintBaton: true}}, got.Burns)
}

func TestVerifyMintWithoutBaton(t *testing.T) {
	data := &ParseData{
		Meta:       token.Meta{ID: idOf(1), Type: token.TypeFungible},
		TxType:     token.TxTypeMint,
		Outputs:    []OutputToken{{}, {Amount: 1}},
		NumOutputs: 2,
	}
	spent := []*token.Token{
		amountToken(idOf(1), token.TypeFungible, 5),
		batonToken(idOf(1), token.TypeNft1Group),
		batonToken(idOf(3), token.TypeFungible),
	}
	_, err := Verify(data, spent)
	require.Equal(t, &VerifyError{Kind: HasNoMintBaton}, err)
}

func TestVerifySendOverflow(t *testing.T) {
	meta := token.Meta{ID: idOf(4), Type: token.TypeFungible}
	data := &ParseData{
		Meta:   meta,
		TxType: token.TxTypeSend,
		Outputs: []OutputToken{
			{}, {Amount: 1}, {Amount: 0xffff_ffff_ffff_0000}, {Amount: 0xffff_ffff_ffff_0001}, {Amount: 2},
		},
		NumOutputs: 5,
	}
	spent := []*token.Token{
		amountToken(idOf(4), token.TypeFungible, 0xffff_ffff_ffff_0000),
		amountToken(idOf(4), token.TypeFungible, 0xffff_ffff_ffff_0003),
	}
	_, err := Verify(data, spent)
	require.Equal(t, &VerifyError{
		Kind:      OutputSumExceedInputSum,
		InputSum:  uint128.New(0xffff_ffff_fffe_0003, 1),
		OutputSum: uint128.New(0xffff_ffff_fffe_0004, 1),
	}, err)
}

func TestVerifySendBurnAccounting(t *testing.T) {
	meta := token.Meta{ID: idOf(4), Type: token.TypeFungible}
	other := token.Meta{ID: idOf(5), Type: token.TypeFungible}
	group := idOf(9)
	data := &ParseData{
		Meta:       meta,
		TxType:     token.TxTypeSend,
		Outputs:    []OutputToken{{}, {Amount: 30}, {Amount: 25}},
		NumOutputs: 4,
	}
	first := amountToken(idOf(4), token.TypeFungible, 40)
	first.GroupTokenID = &group
	spent := []*token.Token{
		first,
		amountToken(idOf(5), token.TypeFungible, 7),
		amountToken(idOf(4), token.TypeFungible, 20),
		batonToken(idOf(4), token.TypeFungible),
		amountToken(idOf(4), token.TypeFungible, 3),
	}
	got, err := Verify(data, spent)
	require.NoError(t, err)
	require.Equal(t, []token.InputStatus{
		token.InputValid, token.InputBurned, token.InputValid, token.InputBurned, token.InputValid,
	}, got.InputStatus)

	inSum, outSum := uint64(40+20+3), uint64(30+25)
	require.Equal(t, uint128.From64(inSum-outSum), got.BurnedAmount(meta.ID))
	require.Equal(t, []token.Burn{
		{Meta: other, Amount: uint128.From64(7)},
		{Meta: meta, Amount: uint128.From64(inSum - outSum), BurnsMintBaton: true},
	}, got.Burns)
	require.Equal(t, &group, got.GroupTokenID)
	require.Len(t, got.Outputs, 4)
	require.Equal(t, &group, got.Outputs[1].GroupTokenID)
	require.Nil(t, got.Outputs[3])
}

func TestVerifySendExtraOutputsIgnored(t *testing.T) {
	meta := token.Meta{ID: idOf(4), Type: token.TypeFungible}
	data := &ParseData{
		Meta:       meta,
		TxType:     token.TxTypeSend,
		Outputs:    []OutputToken{{}, {Amount: 1}, {Amount: 2}},
		NumOutputs: 2,
	}
	got, err := Verify(data, []*token.Token{amountToken(idOf(4), token.TypeFungible, 3)})
	require.NoError(t, err)
	require.Len(t, got.Outputs, 2)
	require.Equal(t, uint64(1), got.Outputs[1].Amount)
	require.Empty(t, got.Burns)
}

func TestVerifyGenesis(t *testing.T) {
	var txid chainhash.Hash
	txid[31] = 100
	data, err := Parse(txid, slpScript(genesisPushes(1, nil, []byte{2}, []byte{2}, amount(77))...), 3)
	require.NoError(t, err)

	got, err := Verify(data, []*token.Token{nil, amountToken(idOf(3), token.TypeFungible, 5)})
	require.NoError(t, err)

	var be [32]byte
	be[0] = 100
	require.Equal(t, token.IDFromBE(be), got.Sections[0].Meta.ID)
	require.True(t, got.IsGenesis())
	require.Equal(t, []token.InputStatus{token.InputEmpty, token.InputBurned}, got.InputStatus)
	require.Equal(t, uint64(77), got.Outputs[1].Amount)
	require.True(t, got.Outputs[2].IsMintBaton)
	require.Equal(t, uint128.From64(5), got.BurnedAmount(idOf(3)))
}

func TestVerifyNft1ChildGenesis(t *testing.T) {
	data := &ParseData{
		Meta:       token.Meta{ID: idOf(7), Type: token.TypeNft1Child},
		TxType:     token.TxTypeGenesis,
		Outputs:    []OutputToken{{}, {Amount: 1}},
		NumOutputs: 2,
	}
	tests := []struct {
		name    string
		spent   []*token.Token
		wantErr error
	}{
		{"no inputs", nil, &VerifyError{Kind: HasNoNft1Group}},
		{"first input empty", []*token.Token{nil, amountToken(idOf(2), token.TypeNft1Group, 1)}, &VerifyError{Kind: HasNoNft1Group}},
		{"first input fungible", []*token.Token{amountToken(idOf(2), token.TypeFungible, 1)}, &VerifyError{Kind: HasNoNft1Group}},
		{"first input group baton", []*token.Token{batonToken(idOf(2), token.TypeNft1Group)}, &VerifyError{Kind: HasNoNft1Group}},
		{"group input", []*token.Token{amountToken(idOf(2), token.TypeNft1Group, 1), amountToken(idOf(2), token.TypeNft1Group, 4)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Verify(data, tt.spent)
			if tt.wantErr != nil {
				require.Equal(t, tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			group := idOf(2)
			require.Equal(t, &group, got.GroupTokenID)
			require.Equal(t, &group, got.Outputs[1].GroupTokenID)
			require.Equal(t, []token.InputStatus{token.InputValid, token.InputBurned}, got.InputStatus)
			require.Equal(t, uint128.From64(4), got.BurnedAmount(group))
		})
	}
}

func TestVerifyBurn(t *testing.T) {
	meta := token.Meta{ID: idOf(6), Type: token.TypeFungible}
	data := &ParseData{Meta: meta, TxType: token.TxTypeBurn, BurnAmount: 9, NumOutputs: 1}
	tests := []struct {
		name    string
		spent   []*token.Token
		wantErr error
	}{
		{"exact", []*token.Token{amountToken(idOf(6), token.TypeFungible, 4), nil, amountToken(idOf(6), token.TypeFungible, 5)}, nil},
		{"other token", []*token.Token{amountToken(idOf(6), token.TypeFungible, 9), amountToken(idOf(1), token.TypeFungible, 1)},
			&VerifyError{Kind: WrongBurnTokenID}},
		{"baton", []*token.Token{amountToken(idOf(6), token.TypeFungible, 9), batonToken(idOf(6), token.TypeFungible)},
			&VerifyError{Kind: WrongBurnMintBaton}},
		{"amount mismatch", []*token.Token{amountToken(idOf(6), token.TypeFungible, 8)},
			&VerifyError{Kind: WrongBurnInvalidAmount, Expected: 9, Actual: uint128.From64(8)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Verify(data, tt.spent)
			if tt.wantErr != nil {
				require.Equal(t, tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			require.Empty(t, got.Burns)
			require.Equal(t, uint64(9), got.Sections[0].IntentionalBurn)
			require.Equal(t, []token.InputStatus{token.InputValid, token.InputEmpty, token.InputValid}, got.InputStatus)
		})
	}
}

func TestVerifyUnknownBurnsEverything(t *testing.T) {
	data, err := Parse(chainhash.Hash{}, slpScript(LokadID, []byte{0x09}, []byte("SEND")), 2)
	require.NoError(t, err)
	got, err := Verify(data, []*token.Token{amountToken(idOf(1), token.TypeFungible, 3)})
	require.NoError(t, err)
	require.Equal(t, []*token.Token{nil, nil}, got.Outputs)
	require.Equal(t, []token.InputStatus{token.InputBurned}, got.InputStatus)
	require.Equal(t, token.TxTypeUnknown, got.Sections[0].TxType)
}
