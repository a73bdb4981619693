package common

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestTxFromMsgTx(t *testing.T) {
	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), []byte{0x51}, nil))
	coinbase.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))

	tx, err := TxFromMsgTx(coinbase)
	require.NoError(t, err)
	require.Equal(t, coinbase.TxHash(), tx.TxID)
	require.True(t, tx.IsCoinbase())
	require.Len(t, tx.Outputs, 1)
	require.Equal(t, int64(5000), tx.Outputs[0].Value)
	require.Len(t, tx.Raw, coinbase.SerializeSize())

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&tx.TxID, 0), nil, nil))
	spend.AddTxOut(wire.NewTxOut(4000, []byte{0x52}))
	spendTx, err := TxFromMsgTx(spend)
	require.NoError(t, err)
	require.False(t, spendTx.IsCoinbase())
	require.Equal(t, tx.TxID, spendTx.Inputs[0].PrevOut.Hash)
	require.Nil(t, spendTx.Inputs[0].Coin)
}

func TestConcatBytes(t *testing.T) {
	tests := []struct {
		name  string
		parts [][]byte
		want  []byte
	}{
		{name: "empty", parts: nil, want: nil},
		{name: "single", parts: [][]byte{{1, 2}}, want: []byte{1, 2}},
		{name: "member and page", parts: [][]byte{{0xaa}, BE32(3)}, want: []byte{0xaa, 0, 0, 0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ConcatBytes(tt.parts...))
		})
	}

	a := ConcatBytes([]byte{1}, []byte{2})
	b := ConcatBytes([]byte{3}, []byte{4})
	require.Equal(t, []byte{1, 2}, a)
	require.Equal(t, []byte{3, 4}, b)
}

func TestEncoderDecoder(t *testing.T) {
	var e Encoder
	e.U8(7)
	e.Bool(true)
	e.U16(0x0102)
	e.U32(3)
	e.U64(1 << 40)
	e.I64(-5)
	e.VarInt(300)
	e.VarBytes([]byte("abc"))
	e.VarBytes(nil)
	e.Raw([]byte{9, 9})
	b, err := e.Bytes()
	require.NoError(t, err)

	d := NewDecoder(b)
	require.Equal(t, uint8(7), d.U8())
	require.True(t, d.Bool())
	require.Equal(t, uint16(0x0102), d.U16())
	require.Equal(t, uint32(3), d.U32())
	require.Equal(t, uint64(1<<40), d.U64())
	require.Equal(t, int64(-5), d.I64())
	require.Equal(t, uint64(300), d.VarInt())
	require.Equal(t, []byte("abc"), d.VarBytes("field"))
	require.Nil(t, d.VarBytes("empty"))
	require.Equal(t, []byte{9, 9}, d.Raw(2))
	require.NoError(t, d.Finish())
}

func TestDecoderErrors(t *testing.T) {
	d := NewDecoder([]byte{0, 0, 1})
	d.U32()
	require.Error(t, d.Finish())

	d = NewDecoder([]byte{1, 2})
	d.U8()
	require.ErrorContains(t, d.Finish(), "1 trailing bytes")

	d = NewDecoder([]byte{0xfd, 0xff, 0x00})
	require.Equal(t, 0, d.Count())
	require.ErrorContains(t, d.Finish(), "exceeds remaining")
}
