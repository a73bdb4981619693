package empp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metaid/token_indexer/script"
)

func TestParse(t *testing.T) {
	long := bytes.Repeat([]byte{0x76}, 80)
	tests := []struct {
		name    string
		script  []byte
		want    [][]byte
		wantErr *ParseError
	}{
		{name: "empty", script: nil, wantErr: &ParseError{Kind: EmptyScript}},
		{name: "truncated first op", script: []byte{0x01}, wantErr: &ParseError{Kind: DataError, Err: script.ErrUnexpectedEndOfScript}},
		{name: "not op return", script: []byte{0x51}, wantErr: &ParseError{Kind: MissingOpReturn}},
		{name: "op return only", script: []byte{0x6a}, wantErr: &ParseError{Kind: EmptyOpReturn}},
		{name: "no op reserved", script: []byte{0x6a, 0x51}, wantErr: &ParseError{Kind: MissingOpReserved}},
		{name: "no sections", script: []byte{0x6a, 0x50}, want: nil},
		{name: "one section", script: []byte{0x6a, 0x50, 0x02, 0xaa, 0xbb}, want: [][]byte{{0xaa, 0xbb}}},
		{name: "two sections", script: append([]byte{0x6a, 0x50, 0x01, 0x01, 0x4c, 80}, long...), want: [][]byte{{0x01}, long}},
		{name: "OP_0", script: []byte{0x6a, 0x50, 0x00}, wantErr: &ParseError{Kind: InvalidPushOpcode, Opcode: 0x00}},
		{name: "OP_1NEGATE", script: []byte{0x6a, 0x50, 0x4f}, wantErr: &ParseError{Kind: InvalidPushOpcode, Opcode: 0x4f}},
		{name: "OP_RESERVED", script: []byte{0x6a, 0x50, 0x50}, wantErr: &ParseError{Kind: InvalidPushOpcode, Opcode: 0x50}},
		{name: "OP_16", script: []byte{0x6a, 0x50, 0x60}, wantErr: &ParseError{Kind: InvalidPushOpcode, Opcode: 0x60}},
		{name: "non-push", script: []byte{0x6a, 0x50, 0x6a}, wantErr: &ParseError{Kind: InvalidNonPushOpcode, Opcode: 0x6a}},
		{name: "empty pushdata1", script: []byte{0x6a, 0x50, 0x4c, 0x00}, wantErr: &ParseError{Kind: InvalidOpPayloadSize, Opcode: 0x4c, Size: 0}},
		{name: "short pushdata1", script: []byte{0x6a, 0x50, 0x4c, 0x01, 0xaa}, wantErr: &ParseError{Kind: InvalidOpPayloadSize, Opcode: 0x4c, Size: 1}},
		{name: "short pushdata2", script: []byte{0x6a, 0x50, 0x4d, 0x01, 0x00, 0xaa}, wantErr: &ParseError{Kind: InvalidOpPayloadSize, Opcode: 0x4d, Size: 1}},
		{name: "pushdata4", script: []byte{0x6a, 0x50, 0x4e, 0x01, 0x00, 0x00, 0x00, 0xaa}, wantErr: &ParseError{Kind: InvalidPushOpcode, Opcode: 0x4e}},
		{name: "truncated section", script: []byte{0x6a, 0x50, 0x02, 0xaa}, wantErr: &ParseError{Kind: DataError, Err: script.ErrUnexpectedEndOfScript}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.script)
			if tt.wantErr != nil {
				require.Equal(t, tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
