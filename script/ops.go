// Package script decodes output scripts into opcode/push operations and
// extracts the payload groups used as index members.
package script

import (
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/txscript"
)

// ErrUnexpectedEndOfScript is returned when a push runs past the end of the script.
var ErrUnexpectedEndOfScript = errors.New("unexpected end of script")

// Op is a bare opcode or a push with its payload.
type Op struct {
	Code byte
	Data []byte
}

// IsPush reports whether Code carries a payload (0x01..=OP_PUSHDATA4).
func (o Op) IsPush() bool {
	return IsPushCode(o.Code)
}

func IsPushCode(code byte) bool {
	return code >= txscript.OP_DATA_1 && code <= txscript.OP_PUSHDATA4
}

// Decoder iterates the operations of a script.
type Decoder struct {
	script []byte
	pos    int
	op     Op
	err    error
}

func NewDecoder(script []byte) *Decoder {
	return &Decoder{script: script}
}

// Next advances to the next operation. It returns false at the end of the
// script or on error; check Err afterwards.
func (d *Decoder) Next() bool {
	if d.err != nil || d.pos >= len(d.script) {
		return false
	}
	code := d.script[d.pos]
	d.pos++

	var size int
	switch {
	case code >= txscript.OP_DATA_1 && code <= txscript.OP_DATA_75:
		size = int(code)
	case code == txscript.OP_PUSHDATA1:
		if !d.has(1) {
			return d.fail()
		}
		size = int(d.script[d.pos])
		d.pos++
	case code == txscript.OP_PUSHDATA2:
		if !d.has(2) {
			return d.fail()
		}
		size = int(binary.LittleEndian.Uint16(d.script[d.pos:]))
		d.pos += 2
	case code == txscript.OP_PUSHDATA4:
		if !d.has(4) {
			return d.fail()
		}
		n := binary.LittleEndian.Uint32(d.script[d.pos:])
		d.pos += 4
		if uint64(n) > uint64(len(d.script)-d.pos) {
			return d.fail()
		}
		size = int(n)
	default:
		d.op = Op{Code: code}
		return true
	}
	if !d.has(size) {
		return d.fail()
	}
	d.op = Op{Code: code, Data: d.script[d.pos : d.pos+size]}
	d.pos += size
	return true
}

func (d *Decoder) has(n int) bool {
	return len(d.script)-d.pos >= n
}

func (d *Decoder) fail() bool {
	d.err = ErrUnexpectedEndOfScript
	return false
}

// Op returns the operation decoded by the last call to Next.
func (d *Decoder) Op() Op { return d.op }

func (d *Decoder) Err() error { return d.err }

// Ops decodes the whole script.
func Ops(script []byte) ([]Op, error) {
	var ops []Op
	d := NewDecoder(script)
	for d.Next() {
		ops = append(ops, d.Op())
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// Builder assembles scripts with minimal push encodings.
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) AddOp(code byte) *Builder {
	b.buf = append(b.buf, code)
	return b
}

// AddPush appends data using the smallest push opcode able to carry it.
// Empty data is encoded as OP_PUSHDATA1 0x00, since token protocols reject OP_0.
func (b *Builder) AddPush(data []byte) *Builder {
	n := len(data)
	switch {
	case n == 0:
		b.buf = append(b.buf, txscript.OP_PUSHDATA1, 0)
		return b
	case n <= txscript.OP_DATA_75:
		b.buf = append(b.buf, byte(n))
	case n <= 0xff:
		b.buf = append(b.buf, txscript.OP_PUSHDATA1, byte(n))
	case n <= 0xffff:
		b.buf = append(b.buf, txscript.OP_PUSHDATA2, byte(n), byte(n>>8))
	default:
		b.buf = append(b.buf, txscript.OP_PUSHDATA4)
		b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(n))
	}
	b.buf = append(b.buf, data...)
	return b
}

// AddRaw appends data verbatim.
func (b *Builder) AddRaw(data []byte) *Builder {
	b.buf = append(b.buf, data...)
	return b
}

func (b *Builder) Script() []byte {
	return append([]byte(nil), b.buf...)
}
