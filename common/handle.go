package common

import (
	"encoding/binary"
	"sync"
)

var bytePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 64)
		return &buf
	},
}

// InitBytePool resizes the initial capacity of pooled key buffers.
func InitBytePool(sizeBytes int) {
	if sizeBytes <= 0 {
		return
	}
	bytePool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, sizeBytes)
			return &buf
		},
	}
}

// ConcatBytes joins parts into a freshly allocated slice, staging through a pooled buffer.
func ConcatBytes(parts ...[]byte) []byte {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return append([]byte(nil), parts[0]...)
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	bufPtr := bytePool.Get().(*[]byte)
	buf := (*bufPtr)[:0]
	if cap(buf) < total {
		buf = make([]byte, 0, total)
	}
	for _, p := range parts {
		buf = append(buf, p...)
	}
	result := append(make([]byte, 0, total), buf...)

	*bufPtr = buf[:0]
	bytePool.Put(bufPtr)
	return result
}

func BE32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func BE64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
