package slpv2

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/metaid/token_indexer/token"
)

var testTxID = chainhash.Hash{4, 4, 4, 4}

func invalidLen(expected, actual int) *ParseError {
	return &ParseError{Kind: InvalidLength, Expected: expected, Actual: actual}
}

func TestParseSectionIntro(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Section
		wantErr *ParseError
	}{
		{name: "empty", data: []byte{}, wantErr: &ParseError{Kind: MissingLokadID, Bytes: []byte{}}},
		{name: "short", data: []byte{1, 2, 3}, wantErr: &ParseError{Kind: MissingLokadID, Bytes: []byte{1, 2, 3}}},
		{name: "wrong lokad", data: []byte{1, 2, 3, 4}, wantErr: &ParseError{Kind: InvalidLokadID, Bytes: []byte{1, 2, 3, 4}}},
		{name: "no token type", data: LokadID, wantErr: invalidLen(1, 0)},
		{name: "unknown token type", data: cat(LokadID, []byte{99, 1, 2, 3}),
			want: &Section{Meta: token.Meta{Type: token.Type{Protocol: token.ProtocolSLPv2, Len: 1, Code: 99}}, TxType: token.TxTypeUnknown}},
		{name: "no tx type", data: cat(LokadID, []byte{0}), wantErr: invalidLen(1, 0)},
		{name: "short tx type", data: cat(LokadID, []byte{0, 99}), wantErr: invalidLen(99, 0)},
		{name: "empty tx type", data: cat(LokadID, []byte{0, 0}), wantErr: &ParseError{Kind: UnknownTxType}},
		{name: "bork", data: cat(LokadID, []byte{0, 4}, []byte("bork")), wantErr: &ParseError{Kind: UnknownTxType, Bytes: []byte("bork")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSection(testTxID, tt.data)
			if tt.wantErr != nil {
				require.Equal(t, tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseGenesisSection(t *testing.T) {
	head := cat(LokadID, []byte{0}, []byte("\x07GENESIS"))

	for n := 0; n < 8; n++ {
		_, err := ParseSection(testTxID, cat(head, make([]byte, n)))
		require.Equal(t, invalidLen(1, 0), err, "%d tail bytes", n)
	}
	_, err := ParseSection(testTxID, cat(head, []byte{99}))
	require.Equal(t, invalidLen(99, 0), err)

	got, err := ParseSection(testTxID, cat(head, make([]byte, 8)))
	require.NoError(t, err)
	require.Equal(t, &Section{
		Meta:        meta(token.IDFromTxID(testTxID)),
		TxType:      token.TxTypeGenesis,
		GenesisInfo: &token.GenesisInfo{},
		MintData:    MintData{Amounts: []uint64{}},
	}, got)

	_, err = ParseSection(testTxID, cat(head, make([]byte, 8), []byte("hello")))
	require.Equal(t, &ParseError{Kind: LeftoverBytes, Bytes: []byte("hello")}, err)

	got, err = ParseSection(testTxID, cat(head,
		[]byte("\x03TKN"), []byte("\x04Name"), []byte("\x03url"), []byte("\x02\xbe\xef"), []byte{0}, []byte{4},
		amountList([]uint64{5, MaxAmount}), []byte{2}))
	require.NoError(t, err)
	require.Equal(t, &token.GenesisInfo{
		Ticker: []byte("TKN"), Name: []byte("Name"), URL: []byte("url"), Data: []byte{0xbe, 0xef}, Decimals: 4,
	}, got.GenesisInfo)
	require.Equal(t, MintData{Amounts: []uint64{5, MaxAmount}, NumBatons: 2}, got.MintData)
}

func TestParseSizeAndDecimalLaws(t *testing.T) {
	head := cat(LokadID, []byte{0}, []byte("\x07GENESIS"))
	for _, pos := range []int{0, 1, 2, 3, 4, 6, 7} {
		for invalid := 128; invalid <= 255; invalid++ {
			tail := make([]byte, 8)
			tail[pos] = byte(invalid)
			_, err := ParseSection(testTxID, cat(head, tail))
			require.Equal(t, &ParseError{Kind: SizeOutOfRange, Value: byte(invalid)}, err)
		}
	}
	for invalid := 10; invalid <= 255; invalid++ {
		_, err := ParseSection(testTxID, cat(head, []byte{0, 0, 0, 0, 0, byte(invalid), 0, 0}))
		require.Equal(t, &ParseError{Kind: DecimalsOutOfRange, Value: byte(invalid)}, err)
	}
	for size := 0; size <= 127; size++ {
		field := bytes.Repeat([]byte{0x76}, size)
		got, err := ParseSection(testTxID, cat(head, []byte{byte(size)}, field, make([]byte, 7)))
		require.NoError(t, err)
		if size == 0 {
			require.Nil(t, got.GenesisInfo.Ticker)
		} else {
			require.Equal(t, field, got.GenesisInfo.Ticker)
		}
	}

	id := idOf(0x76)
	send := cat(LokadID, []byte{0}, []byte("\x04SEND"), id[:])
	for invalid := 128; invalid <= 255; invalid++ {
		_, err := ParseSection(testTxID, cat(send, []byte{byte(invalid)}))
		require.Equal(t, &ParseError{Kind: SizeOutOfRange, Value: byte(invalid)}, err)
	}
}

func TestParseMintSendBurnSections(t *testing.T) {
	id := idOf(0x76)

	got, err := ParseSection(testTxID, mintSection(id, []uint64{1, 0, 2}, 3))
	require.NoError(t, err)
	require.Equal(t, &Section{Meta: meta(id), TxType: token.TxTypeMint, MintData: MintData{Amounts: []uint64{1, 0, 2}, NumBatons: 3}}, got)

	for size := 0; size < 32; size++ {
		_, err := ParseSection(testTxID, cat(LokadID, []byte{0}, []byte("\x04MINT"), make([]byte, size)))
		require.Equal(t, invalidLen(32, size), err)
	}

	got, err = ParseSection(testTxID, sendSection(id, []uint64{0x060504030201}))
	require.NoError(t, err)
	require.Equal(t, []uint64{0x060504030201}, got.SendAmounts)

	_, err = ParseSection(testTxID, cat(sendSection(id, nil), []byte("hello")))
	require.Equal(t, &ParseError{Kind: LeftoverBytes, Bytes: []byte("hello")}, err)

	for size := 0; size <= 5; size++ {
		_, err := ParseSection(testTxID, cat(LokadID, []byte{0}, []byte("\x04BURN"), id[:], make([]byte, size)))
		require.Equal(t, invalidLen(6, size), err)
	}
	got, err = ParseSection(testTxID, cat(LokadID, []byte{0}, []byte("\x04BURN"), id[:], []byte{1, 2, 3, 4, 5, 6}))
	require.NoError(t, err)
	require.Equal(t, &Section{Meta: meta(id), TxType: token.TxTypeBurn, BurnAmount: 0x060504030201}, got)
}
