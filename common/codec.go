package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// maxVarBytes bounds a single length-prefixed field read back from the DB.
const maxVarBytes = 1 << 24

// Encoder writes DB values with fixed-width big-endian integers and the
// chain's compact-size prefixes for variable-length fields. The first
// error sticks and is reported by Bytes.
type Encoder struct {
	buf bytes.Buffer
	err error
}

func (e *Encoder) U8(v uint8) {
	if e.err == nil {
		e.err = e.buf.WriteByte(v)
	}
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

func (e *Encoder) U16(v uint16) {
	if e.err == nil {
		e.err = binary.Write(&e.buf, binary.BigEndian, v)
	}
}

func (e *Encoder) U32(v uint32) {
	if e.err == nil {
		_, e.err = e.buf.Write(BE32(v))
	}
}

func (e *Encoder) U64(v uint64) {
	if e.err == nil {
		_, e.err = e.buf.Write(BE64(v))
	}
}

func (e *Encoder) I64(v int64) { e.U64(uint64(v)) }

func (e *Encoder) Raw(b []byte) {
	if e.err == nil {
		_, e.err = e.buf.Write(b)
	}
}

func (e *Encoder) VarInt(v uint64) {
	if e.err == nil {
		e.err = wire.WriteVarInt(&e.buf, 0, v)
	}
}

func (e *Encoder) VarBytes(b []byte) {
	if e.err == nil {
		e.err = wire.WriteVarBytes(&e.buf, 0, b)
	}
}

func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// Decoder is the reading counterpart of Encoder.
type Decoder struct {
	r   *bytes.Reader
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b)}
}

func (d *Decoder) read(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
	}
	return b
}

func (d *Decoder) U8() uint8 { return d.read(1)[0] }

func (d *Decoder) Bool() bool { return d.U8() != 0 }

func (d *Decoder) U16() uint16 { return binary.BigEndian.Uint16(d.read(2)) }

func (d *Decoder) U32() uint32 { return binary.BigEndian.Uint32(d.read(4)) }

func (d *Decoder) U64() uint64 { return binary.BigEndian.Uint64(d.read(8)) }

func (d *Decoder) I64() int64 { return int64(d.U64()) }

func (d *Decoder) Raw(n int) []byte { return d.read(n) }

func (d *Decoder) VarInt() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := wire.ReadVarInt(d.r, 0)
	d.err = err
	return v
}

// VarBytes returns nil for an empty field.
func (d *Decoder) VarBytes(field string) []byte {
	if d.err != nil {
		return nil
	}
	b, err := wire.ReadVarBytes(d.r, 0, maxVarBytes, field)
	if err != nil {
		d.err = err
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	return b
}

// Count reads a varint used as a slice length and rejects lengths the
// remaining input could not possibly hold.
func (d *Decoder) Count() int {
	n := d.VarInt()
	if d.err == nil && n > uint64(d.r.Len()) {
		d.err = fmt.Errorf("count %d exceeds remaining %d bytes", n, d.r.Len())
		return 0
	}
	return int(n)
}

// Finish reports the first error, or leftover input.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", d.r.Len())
	}
	return nil
}
