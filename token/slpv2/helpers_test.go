package slpv2

import (
	"encoding/binary"

	"github.com/metaid/token_indexer/token"
)

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func amount6(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)[:amountSize]
}

func amountList(amounts []uint64) []byte {
	out := []byte{byte(len(amounts))}
	for _, a := range amounts {
		out = append(out, amount6(a)...)
	}
	return out
}

func idOf(b byte) token.ID {
	var id token.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func genesisSection(amounts []uint64, batons int) []byte {
	return cat(LokadID, []byte{0}, []byte("\x07GENESIS"), []byte{0, 0, 0, 0, 0, 0}, amountList(amounts), []byte{byte(batons)})
}

func mintSection(id token.ID, amounts []uint64, batons int) []byte {
	return cat(LokadID, []byte{0}, []byte("\x04MINT"), id[:], amountList(amounts), []byte{byte(batons)})
}

func sendSection(id token.ID, amounts []uint64) []byte {
	return cat(LokadID, []byte{0}, []byte("\x04SEND"), id[:], amountList(amounts))
}

func burnSection(id token.ID, amount uint64) []byte {
	return cat(LokadID, []byte{0}, []byte("\x04BURN"), id[:], amount6(amount))
}

func meta(id token.ID) token.Meta {
	return token.Meta{ID: id, Type: token.TypeStandard}
}
