package storage

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble/v2"
)

// History pages hold concatenated be-u64 tx nums. They are only ever
// changed through merge operands:
//
//	'C' ‖ entries            append entries
//	'T' ‖ be-u32 n ‖ entries  drop the last n entries, then append
//
// A stored page has a length divisible by EntrySize while operands never
// do, so a merge can tell a base value from a pending operand.
const (
	EntrySize = 8
	opConcat  = 'C'
	opTrim    = 'T'
)

// MergerName is persisted in the pebble OPTIONS file; changing it makes
// existing databases unreadable.
const MergerName = "token_indexer.concat_trim"

// ConcatTrimMerger resolves page merge operands.
var ConcatTrimMerger = &pebble.Merger{
	Name: MergerName,
	Merge: func(key, value []byte) (pebble.ValueMerger, error) {
		m := &pageMerger{}
		return m, m.MergeNewer(value)
	},
}

// ConcatOperand appends entries to a page.
func ConcatOperand(entries []byte) []byte {
	op := make([]byte, 1+len(entries))
	op[0] = opConcat
	copy(op[1:], entries)
	return op
}

// TrimOperand removes the last n entries of a page.
func TrimOperand(n uint32) []byte {
	op := make([]byte, 5)
	op[0] = opTrim
	binary.BigEndian.PutUint32(op[1:], n)
	return op
}

// UnknownOperandPrefixError fails reads and compactions of a corrupt page.
type UnknownOperandPrefixError struct {
	Prefix byte
	Len    int
}

func (e *UnknownOperandPrefixError) Error() string {
	return fmt.Sprintf("unknown merge operand prefix 0x%02x (len %d)", e.Prefix, e.Len)
}

// TrimTooLargeError is returned when a trim removes more entries than the
// base page holds.
type TrimTooLargeError struct {
	Trim    uint64
	Entries int
}

func (e *TrimTooLargeError) Error() string {
	return fmt.Sprintf("trim of %d entries exceeds page of %d entries", e.Trim, e.Entries)
}

type pageMerger struct {
	// items from oldest to newest
	items [][]byte
}

func (m *pageMerger) MergeNewer(value []byte) error {
	m.items = append(m.items, append([]byte(nil), value...))
	return nil
}

func (m *pageMerger) MergeOlder(value []byte) error {
	m.items = append([][]byte{append([]byte(nil), value...)}, m.items...)
	return nil
}

func (m *pageMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	var (
		trim    uint64
		data    []byte
		hasBase bool
	)
	for i, item := range m.items {
		if i == 0 && len(item)%EntrySize == 0 {
			hasBase = true
			data = append(data, item...)
			continue
		}
		if len(item) == 0 {
			return nil, nil, &UnknownOperandPrefixError{Len: 0}
		}
		switch {
		case item[0] == opConcat && len(item)%EntrySize == 1:
			data = append(data, item[1:]...)
		case item[0] == opTrim && len(item) >= 5 && len(item)%EntrySize == 5:
			n := uint64(binary.BigEndian.Uint32(item[1:5]))
			have := uint64(len(data) / EntrySize)
			if n <= have {
				data = data[:len(data)-int(n)*EntrySize]
			} else {
				trim += n - have
				data = data[:0]
			}
			data = append(data, item[5:]...)
		default:
			return nil, nil, &UnknownOperandPrefixError{Prefix: item[0], Len: len(item)}
		}
	}

	if hasBase || includesBase {
		if trim > 0 {
			return nil, nil, &TrimTooLargeError{Trim: trim, Entries: len(data) / EntrySize}
		}
		if data == nil {
			data = []byte{}
		}
		return data, nil, nil
	}
	if trim == 0 {
		return ConcatOperand(data), nil, nil
	}
	if trim > uint64(^uint32(0)) {
		return nil, nil, &TrimTooLargeError{Trim: trim}
	}
	op := TrimOperand(uint32(trim))
	return append(op, data...), nil, nil
}
