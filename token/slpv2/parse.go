// Package slpv2 parses, colors and verifies SLPv2 sections carried in an
// eMPP envelope.
package slpv2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/metaid/token_indexer/token"
)

// LokadID prefixes every SLPv2 section.
var LokadID = []byte("SLP2")

const (
	StandardTokenType byte = 0
	// MaxAmount is the largest 6-byte amount.
	MaxAmount uint64 = 0xffff_ffff_ffff
	maxSize          = 127
	amountSize       = 6
)

type ParseErrorKind int

const (
	MissingLokadID ParseErrorKind = iota + 1
	InvalidLokadID
	InvalidLength
	SizeOutOfRange
	DecimalsOutOfRange
	UnknownTxType
	LeftoverBytes
)

type ParseError struct {
	Kind     ParseErrorKind
	Bytes    []byte
	Value    byte
	Expected int
	Actual   int
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case MissingLokadID:
		return fmt.Sprintf("missing LOKAD ID, got %x", e.Bytes)
	case InvalidLokadID:
		return fmt.Sprintf("invalid LOKAD ID: %x", e.Bytes)
	case InvalidLength:
		return fmt.Sprintf("invalid length, expected %d bytes but got %d", e.Expected, e.Actual)
	case SizeOutOfRange:
		return fmt.Sprintf("size out of range: %d, must be 0-127", e.Value)
	case DecimalsOutOfRange:
		return fmt.Sprintf("decimals out of range: %d, must be 0-9", e.Value)
	case UnknownTxType:
		return fmt.Sprintf("unknown tx type: %q", e.Bytes)
	case LeftoverBytes:
		return fmt.Sprintf("leftover bytes: %x", e.Bytes)
	}
	return "unknown SLPv2 parse error"
}

// ShouldIgnore reports pushdata that belongs to another eMPP protocol.
func (e *ParseError) ShouldIgnore() bool {
	return e.Kind == MissingLokadID || e.Kind == InvalidLokadID
}

// MintData is shared by GENESIS and MINT: amounts go to outputs
// 1..1+len(Amounts), batons to the NumBatons outputs after them.
type MintData struct {
	Amounts   []uint64
	NumBatons int
}

func (m MintData) amountsEnd() int { return 1 + len(m.Amounts) }

func (m MintData) batonsEnd() int { return m.amountsEnd() + m.NumBatons }

// Section is one parsed SLPv2 pushdata.
type Section struct {
	Meta        token.Meta
	TxType      token.TxType
	GenesisInfo *token.GenesisInfo
	MintData    MintData
	SendAmounts []uint64
	BurnAmount  uint64
}

// ParseSection parses one eMPP pushdata. Unknown token types stop parsing
// after the type byte and yield an UNKNOWN section.
func ParseSection(txid chainhash.Hash, pushdata []byte) (*Section, error) {
	if len(pushdata) < len(LokadID) {
		return nil, &ParseError{Kind: MissingLokadID, Bytes: pushdata}
	}
	if !bytes.Equal(pushdata[:len(LokadID)], LokadID) {
		return nil, &ParseError{Kind: InvalidLokadID, Bytes: pushdata[:len(LokadID)]}
	}
	r := &reader{data: pushdata[len(LokadID):]}
	typeByte, err := r.readByte()
	if err != nil {
		return nil, err
	}
	tokenType := token.Type{Protocol: token.ProtocolSLPv2, Len: 1, Code: uint16(typeByte)}
	if typeByte != StandardTokenType {
		return &Section{Meta: token.Meta{Type: tokenType}, TxType: token.TxTypeUnknown}, nil
	}

	txType, err := r.varBytes()
	if err != nil {
		return nil, err
	}
	section := &Section{Meta: token.Meta{Type: tokenType}}
	switch string(txType) {
	case "GENESIS":
		err = r.genesis(section, txid)
	case "MINT":
		err = r.mint(section)
	case "SEND":
		err = r.send(section)
	case "BURN":
		err = r.burn(section)
	default:
		return nil, &ParseError{Kind: UnknownTxType, Bytes: txType}
	}
	if err != nil {
		return nil, err
	}
	if len(r.data) > 0 {
		return nil, &ParseError{Kind: LeftoverBytes, Bytes: r.data}
	}
	return section, nil
}

type reader struct {
	data []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.data) < n {
		return nil, &ParseError{Kind: InvalidLength, Expected: n, Actual: len(r.data)}
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) size() (int, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if b > maxSize {
		return 0, &ParseError{Kind: SizeOutOfRange, Value: b}
	}
	return int(b), nil
}

// varBytes reads a size-prefixed field. Empty fields come back nil.
func (r *reader) varBytes() ([]byte, error) {
	n, err := r.size()
	if err != nil {
		return nil, err
	}
	b, err := r.take(n)
	if err != nil || n == 0 {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *reader) tokenID() (token.ID, error) {
	b, err := r.take(chainhash.HashSize)
	if err != nil {
		return token.ID{}, err
	}
	return token.ID(b), nil
}

func (r *reader) amount() (uint64, error) {
	b, err := r.take(amountSize)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *reader) amounts() ([]uint64, error) {
	n, err := r.size()
	if err != nil {
		return nil, err
	}
	amounts := make([]uint64, n)
	for i := range amounts {
		if amounts[i], err = r.amount(); err != nil {
			return nil, err
		}
	}
	return amounts, nil
}

func (r *reader) mintData() (MintData, error) {
	amounts, err := r.amounts()
	if err != nil {
		return MintData{}, err
	}
	numBatons, err := r.size()
	if err != nil {
		return MintData{}, err
	}
	return MintData{Amounts: amounts, NumBatons: numBatons}, nil
}

func (r *reader) genesis(s *Section, txid chainhash.Hash) error {
	info := &token.GenesisInfo{}
	for _, field := range []*[]byte{&info.Ticker, &info.Name, &info.URL, &info.Data, &info.AuthPubkey} {
		b, err := r.varBytes()
		if err != nil {
			return err
		}
		*field = b
	}
	decimals, err := r.readByte()
	if err != nil {
		return err
	}
	if decimals > 9 {
		return &ParseError{Kind: DecimalsOutOfRange, Value: decimals}
	}
	info.Decimals = decimals
	if s.MintData, err = r.mintData(); err != nil {
		return err
	}
	s.Meta.ID = token.IDFromTxID(txid)
	s.TxType = token.TxTypeGenesis
	s.GenesisInfo = info
	return nil
}

func (r *reader) mint(s *Section) error {
	id, err := r.tokenID()
	if err != nil {
		return err
	}
	if s.MintData, err = r.mintData(); err != nil {
		return err
	}
	s.Meta.ID = id
	s.TxType = token.TxTypeMint
	return nil
}

func (r *reader) send(s *Section) error {
	id, err := r.tokenID()
	if err != nil {
		return err
	}
	if s.SendAmounts, err = r.amounts(); err != nil {
		return err
	}
	s.Meta.ID = id
	s.TxType = token.TxTypeSend
	return nil
}

func (r *reader) burn(s *Section) error {
	id, err := r.tokenID()
	if err != nil {
		return err
	}
	if s.BurnAmount, err = r.amount(); err != nil {
		return err
	}
	s.Meta.ID = id
	s.TxType = token.TxTypeBurn
	return nil
}
