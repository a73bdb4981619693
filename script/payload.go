package script

import (
	"bytes"

	"github.com/btcsuite/btcd/txscript"
)

// OpScriptType marks the chain's taproot-style output template.
const OpScriptType = 0x62

type PayloadKind byte

const (
	PayloadOther PayloadKind = iota
	PayloadP2PKH
	PayloadP2SH
	PayloadP2PK
	PayloadP2TRCommitment
	PayloadP2TRState
	PayloadLokad
)

var payloadKindNames = map[PayloadKind]string{
	PayloadOther:          "other",
	PayloadP2PKH:          "p2pkh",
	PayloadP2SH:           "p2sh",
	PayloadP2PK:           "p2pk",
	PayloadP2TRCommitment: "p2tr-commitment",
	PayloadP2TRState:      "p2tr-state",
	PayloadLokad:          "lokad",
}

func (k PayloadKind) String() string {
	if name, ok := payloadKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParsePayloadKind is the inverse of PayloadKind.String.
func ParsePayloadKind(name string) (PayloadKind, bool) {
	for kind, n := range payloadKindNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}

// Payload is a tagged byte string extracted from a script.
type Payload struct {
	Kind PayloadKind
	Data []byte
}

// Member encodes the payload as an index member: kind byte followed by data.
func (p Payload) Member() []byte {
	member := make([]byte, 0, 1+len(p.Data))
	member = append(member, byte(p.Kind))
	return append(member, p.Data...)
}

// PayloadFromMember splits a member produced by Member.
func PayloadFromMember(member []byte) (Payload, bool) {
	if len(member) == 0 {
		return Payload{}, false
	}
	return Payload{Kind: PayloadKind(member[0]), Data: member[1:]}, true
}

// Payloads extracts the payload groups of an output script. Every script
// yields at least one payload; unrecognized scripts yield PayloadOther
// carrying the script itself.
func Payloads(script []byte) []Payload {
	switch {
	case isP2PKH(script):
		return []Payload{{Kind: PayloadP2PKH, Data: script[3:23]}}
	case isP2SH(script):
		return []Payload{{Kind: PayloadP2SH, Data: script[2:22]}}
	}
	if key, ok := p2pkKey(script); ok {
		if compressed, ok := CompressP2PKKey(key); ok {
			return []Payload{{Kind: PayloadP2PK, Data: compressed}}
		}
	}
	if payloads, ok := p2trPayloads(script); ok {
		return payloads
	}
	if payloads, ok := lokadPayloads(script); ok {
		return payloads
	}
	return []Payload{{Kind: PayloadOther, Data: script}}
}

func isP2PKH(s []byte) bool {
	return len(s) == 25 &&
		s[0] == txscript.OP_DUP &&
		s[1] == txscript.OP_HASH160 &&
		s[2] == txscript.OP_DATA_20 &&
		s[23] == txscript.OP_EQUALVERIFY &&
		s[24] == txscript.OP_CHECKSIG
}

func isP2SH(s []byte) bool {
	return len(s) == 23 &&
		s[0] == txscript.OP_HASH160 &&
		s[1] == txscript.OP_DATA_20 &&
		s[22] == txscript.OP_EQUAL
}

// p2pkKey matches `<33-or-65> CHECKSIG` and returns the raw key.
func p2pkKey(s []byte) ([]byte, bool) {
	switch {
	case len(s) == 35 && s[0] == txscript.OP_DATA_33 && s[34] == txscript.OP_CHECKSIG:
		return s[1:34], true
	case len(s) == 67 && s[0] == txscript.OP_DATA_65 && s[66] == txscript.OP_CHECKSIG:
		return s[1:66], true
	}
	return nil, false
}

func p2trPayloads(s []byte) ([]Payload, bool) {
	if len(s) < 36 || s[0] != OpScriptType || s[1] != txscript.OP_1 || s[2] != txscript.OP_DATA_33 {
		return nil, false
	}
	commitment := []Payload{{Kind: PayloadP2TRCommitment, Data: s[3:36]}}
	switch {
	case len(s) == 36:
		return commitment, true
	case len(s) == 69 && s[36] == txscript.OP_DATA_32:
		return append(commitment, Payload{Kind: PayloadP2TRState, Data: s[37:69]}), true
	}
	return nil, false
}

// lokadPayloads matches `RETURN <4> …` and `RETURN RESERVED <section>…`.
// For the eMPP form every section contributes the LOKAD id in its first four
// bytes.
func lokadPayloads(s []byte) ([]Payload, bool) {
	if len(s) < 2 || s[0] != txscript.OP_RETURN {
		return nil, false
	}
	d := NewDecoder(s[1:])
	if !d.Next() {
		return nil, false
	}
	first := d.Op()
	if first.IsPush() {
		if len(first.Data) != 4 {
			return nil, false
		}
		return []Payload{{Kind: PayloadLokad, Data: first.Data}}, true
	}
	if first.Code != txscript.OP_RESERVED {
		return nil, false
	}
	var payloads []Payload
	for d.Next() {
		op := d.Op()
		if !op.IsPush() || len(op.Data) < 4 {
			continue
		}
		lokad := op.Data[:4]
		if containsPayload(payloads, lokad) {
			continue
		}
		payloads = append(payloads, Payload{Kind: PayloadLokad, Data: lokad})
	}
	if len(payloads) == 0 {
		return nil, false
	}
	return payloads, true
}

func containsPayload(payloads []Payload, data []byte) bool {
	for _, p := range payloads {
		if bytes.Equal(p.Data, data) {
			return true
		}
	}
	return false
}
