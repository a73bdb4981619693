// Package token holds the protocol-independent token model shared by the
// SLP and SLPv2 parsers, the verifier and the token database.
package token

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ID is a 32-byte token id in the same little-endian order as a txid.
type ID chainhash.Hash

// IDFromTxID derives the token id of a GENESIS tx.
func IDFromTxID(txid chainhash.Hash) ID { return ID(txid) }

// IDFromBE builds an id from big-endian bytes as carried in SLP pushes.
func IDFromBE(b [32]byte) ID {
	var id ID
	for i := range b {
		id[i] = b[31-i]
	}
	return id
}

// IDFromString parses the big-endian hex form.
func IDFromString(s string) (ID, error) {
	if len(s) != 2*chainhash.HashSize {
		return ID{}, fmt.Errorf("token id must be 64 hex chars, got %d", len(s))
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return ID{}, err
	}
	return ID(*h), nil
}

// BE returns the big-endian byte form.
func (id ID) BE() [32]byte {
	var b [32]byte
	for i := range id {
		b[i] = id[31-i]
	}
	return b
}

func (id ID) String() string { return chainhash.Hash(id).String() }

func (id ID) IsZero() bool { return id == ID{} }

type Protocol byte

const (
	ProtocolNone Protocol = iota
	ProtocolSLP
	ProtocolSLPv2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSLP:
		return "SLP"
	case ProtocolSLPv2:
		return "SLPV2"
	}
	return "NONE"
}

// Type is a protocol token type. Len and Code hold the raw type bytes
// (big-endian, Len of 1 or 2) so unknown types round-trip byte-exactly.
type Type struct {
	Protocol Protocol
	Len      uint8
	Code     uint16
}

var (
	TypeFungible   = Type{Protocol: ProtocolSLP, Len: 1, Code: 0x01}
	TypeNft1Group  = Type{Protocol: ProtocolSLP, Len: 1, Code: 0x81}
	TypeNft1Child  = Type{Protocol: ProtocolSLP, Len: 1, Code: 0x41}
	TypeStandard   = Type{Protocol: ProtocolSLPv2, Len: 1, Code: 0x00}
	knownSlpTypes  = []Type{TypeFungible, TypeNft1Group, TypeNft1Child}
	typeNameByType = map[Type]string{
		TypeFungible:  "FUNGIBLE",
		TypeNft1Group: "NFT1_GROUP",
		TypeNft1Child: "NFT1_CHILD",
		TypeStandard:  "STANDARD",
	}
)

// TypeFromBytes builds the type carried in a token type push.
func TypeFromBytes(protocol Protocol, b []byte) (Type, error) {
	switch len(b) {
	case 1:
		return Type{Protocol: protocol, Len: 1, Code: uint16(b[0])}, nil
	case 2:
		return Type{Protocol: protocol, Len: 2, Code: binary.BigEndian.Uint16(b)}, nil
	}
	return Type{}, fmt.Errorf("token type must be 1 or 2 bytes, got %d", len(b))
}

// Bytes returns the raw token type bytes.
func (t Type) Bytes() []byte {
	if t.Len == 2 {
		return []byte{byte(t.Code >> 8), byte(t.Code)}
	}
	return []byte{byte(t.Code)}
}

func (t Type) IsUnknown() bool {
	_, ok := typeNameByType[t]
	return !ok
}

func (t Type) String() string {
	if name, ok := typeNameByType[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%s:%s)", t.Protocol, hex.EncodeToString(t.Bytes()))
}

// Meta identifies a token: id plus type.
type Meta struct {
	ID   ID
	Type Type
}

func (m Meta) String() string { return m.ID.String() + "/" + m.Type.String() }

// Token is the token state carried by one input or output.
type Token struct {
	Meta        Meta
	Amount      uint64
	IsMintBaton bool
	// GroupTokenID links NFT1 children to their group.
	GroupTokenID *ID
}

// IsEmpty reports a token entry that carries neither amount nor baton.
// Tokens of an unknown type are never empty.
func (t *Token) IsEmpty() bool {
	return t == nil || (t.Amount == 0 && !t.IsMintBaton && !t.IsUnknown())
}

// IsUnknown reports a token painted by a section of an unknown type.
func (t *Token) IsUnknown() bool {
	return t != nil && t.Meta.Type.Len != 0 && t.Meta.Type.IsUnknown()
}

func (t *Token) Equal(o *Token) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Meta != o.Meta || t.Amount != o.Amount || t.IsMintBaton != o.IsMintBaton {
		return false
	}
	if (t.GroupTokenID == nil) != (o.GroupTokenID == nil) {
		return false
	}
	return t.GroupTokenID == nil || *t.GroupTokenID == *o.GroupTokenID
}

type TxType byte

const (
	TxTypeNone TxType = iota
	TxTypeGenesis
	TxTypeMint
	TxTypeSend
	TxTypeBurn
	TxTypeUnknown
)

var txTypeNames = map[TxType]string{
	TxTypeGenesis: "GENESIS",
	TxTypeMint:    "MINT",
	TxTypeSend:    "SEND",
	TxTypeBurn:    "BURN",
	TxTypeUnknown: "UNKNOWN",
}

func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return "NONE"
}

// TxTypeFromBytes maps the literal tx type tag of both protocols.
func TxTypeFromBytes(b []byte) (TxType, bool) {
	for t, name := range txTypeNames {
		if t != TxTypeUnknown && bytes.Equal([]byte(name), b) {
			return t, true
		}
	}
	return TxTypeNone, false
}

// GenesisInfo is the union of the genesis fields of both protocols.
type GenesisInfo struct {
	Ticker     []byte
	Name       []byte
	URL        []byte
	Hash       *[32]byte
	Data       []byte
	AuthPubkey []byte
	Decimals   uint8
}

// IsKnownSlpType reports whether t is one of the supported SLP types.
func IsKnownSlpType(t Type) bool {
	for _, k := range knownSlpTypes {
		if k == t {
			return true
		}
	}
	return false
}
