// Package empp splits an eMPP output script (OP_RETURN OP_RESERVED
// <pushdata>...) into its pushdata sections.
package empp

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/metaid/token_indexer/script"
)

type ParseErrorKind int

const (
	DataError ParseErrorKind = iota + 1
	EmptyScript
	MissingOpReturn
	EmptyOpReturn
	MissingOpReserved
	InvalidPushOpcode
	InvalidNonPushOpcode
	InvalidOpPayloadSize
)

type ParseError struct {
	Kind   ParseErrorKind
	Err    error
	Opcode byte
	Size   int
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case DataError:
		return fmt.Sprintf("failed parsing script: %v", e.Err)
	case EmptyScript:
		return "empty script"
	case MissingOpReturn:
		return "missing OP_RETURN"
	case EmptyOpReturn:
		return "empty OP_RETURN"
	case MissingOpReserved:
		return "missing OP_RESERVED"
	case InvalidPushOpcode:
		return fmt.Sprintf("invalid push opcode 0x%02x: OP_0, OP_1NEGATE, OP_RESERVED, OP_1..OP_16 not allowed", e.Opcode)
	case InvalidNonPushOpcode:
		return fmt.Sprintf("invalid non-push opcode 0x%02x", e.Opcode)
	case InvalidOpPayloadSize:
		return fmt.Sprintf("invalid payload size %d for opcode 0x%02x", e.Size, e.Opcode)
	}
	return "unknown eMPP parse error"
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse returns the pushdata sections of an eMPP script. Every push must
// use its minimal encoding and OP_PUSHDATA4 is rejected outright.
func Parse(outScript []byte) ([][]byte, error) {
	d := script.NewDecoder(outScript)
	next := func(missing ParseErrorKind) (script.Op, error) {
		if d.Next() {
			return d.Op(), nil
		}
		if err := d.Err(); err != nil {
			return script.Op{}, &ParseError{Kind: DataError, Err: err}
		}
		return script.Op{}, &ParseError{Kind: missing}
	}

	op, err := next(EmptyScript)
	if err != nil {
		return nil, err
	}
	if op.Code != txscript.OP_RETURN {
		return nil, &ParseError{Kind: MissingOpReturn}
	}
	op, err = next(EmptyOpReturn)
	if err != nil {
		return nil, err
	}
	if op.Code != txscript.OP_RESERVED {
		return nil, &ParseError{Kind: MissingOpReserved}
	}

	var sections [][]byte
	for d.Next() {
		op := d.Op()
		if err := checkPush(op); err != nil {
			return nil, err
		}
		sections = append(sections, op.Data)
	}
	if err := d.Err(); err != nil {
		return nil, &ParseError{Kind: DataError, Err: err}
	}
	return sections, nil
}

func checkPush(op script.Op) error {
	code, size := op.Code, len(op.Data)
	switch {
	case code == txscript.OP_0 || (code >= txscript.OP_1NEGATE && code <= txscript.OP_16):
		return &ParseError{Kind: InvalidPushOpcode, Opcode: code}
	case !op.IsPush():
		return &ParseError{Kind: InvalidNonPushOpcode, Opcode: code}
	case code == txscript.OP_PUSHDATA4:
		return &ParseError{Kind: InvalidPushOpcode, Opcode: code}
	case code <= txscript.OP_DATA_75 && size == 0,
		code == txscript.OP_PUSHDATA1 && size < 76,
		code == txscript.OP_PUSHDATA2 && size < 0x100:
		return &ParseError{Kind: InvalidOpPayloadSize, Opcode: code, Size: size}
	}
	return nil
}
