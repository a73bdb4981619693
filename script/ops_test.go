package script

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func TestOps(t *testing.T) {
	tests := []struct {
		name    string
		script  []byte
		want    []Op
		wantErr error
	}{
		{name: "empty", script: nil, want: nil},
		{name: "bare opcodes", script: []byte{0x00, 0x51, 0x6a}, want: []Op{{Code: 0x00}, {Code: 0x51}, {Code: 0x6a}}},
		{name: "direct push", script: []byte{0x02, 0xaa, 0xbb}, want: []Op{{Code: 0x02, Data: []byte{0xaa, 0xbb}}}},
		{name: "pushdata1", script: []byte{0x4c, 0x01, 0xcc}, want: []Op{{Code: 0x4c, Data: []byte{0xcc}}}},
		{name: "pushdata1 empty", script: []byte{0x4c, 0x00}, want: []Op{{Code: 0x4c, Data: []byte{}}}},
		{name: "pushdata2 little endian", script: append([]byte{0x4d, 0x03, 0x00}, 1, 2, 3), want: []Op{{Code: 0x4d, Data: []byte{1, 2, 3}}}},
		{name: "pushdata4 little endian", script: append([]byte{0x4e, 0x02, 0, 0, 0}, 7, 8), want: []Op{{Code: 0x4e, Data: []byte{7, 8}}}},
		{name: "direct push truncated", script: []byte{0x03, 0xaa}, wantErr: ErrUnexpectedEndOfScript},
		{name: "pushdata1 missing length", script: []byte{0x4c}, wantErr: ErrUnexpectedEndOfScript},
		{name: "pushdata2 short length", script: []byte{0x4d, 0x01}, wantErr: ErrUnexpectedEndOfScript},
		{name: "pushdata4 payload truncated", script: []byte{0x4e, 0xff, 0xff, 0xff, 0xff, 0x01}, wantErr: ErrUnexpectedEndOfScript},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Ops(tt.script)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				require.Equal(t, tt.want[i].Code, got[i].Code)
				require.True(t, bytes.Equal(tt.want[i].Data, got[i].Data))
				require.Equal(t, len(got[i].Data), len(tt.want[i].Data))
			}
		})
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte{0x11}, 300)
	s := NewBuilder().
		AddOp(txscript.OP_RETURN).
		AddPush([]byte("SLP\x00")).
		AddPush(nil).
		AddPush(bytes.Repeat([]byte{1}, 80)).
		AddPush(big).
		Script()

	ops, err := Ops(s)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	require.Equal(t, byte(txscript.OP_RETURN), ops[0].Code)
	require.Equal(t, []byte("SLP\x00"), ops[1].Data)
	require.Equal(t, byte(txscript.OP_PUSHDATA1), ops[2].Code)
	require.Empty(t, ops[2].Data)
	require.Equal(t, byte(txscript.OP_PUSHDATA1), ops[3].Code)
	require.Equal(t, byte(txscript.OP_PUSHDATA2), ops[4].Code)
	require.Equal(t, big, ops[4].Data)
}
