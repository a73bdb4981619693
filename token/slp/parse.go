// Package slp parses and verifies SLP (single OP_RETURN, LOKAD "SLP\0")
// token messages.
package slp

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/script"
	"github.com/metaid/token_indexer/token"
)

// LokadID prefixes every SLP message.
var LokadID = []byte("SLP\x00")

var outputQuantityFieldNames = [...]string{
	"output_quantity1", "output_quantity2", "output_quantity3", "output_quantity4",
	"output_quantity5", "output_quantity6", "output_quantity7", "output_quantity8",
	"output_quantity9", "output_quantity10", "output_quantity11", "output_quantity12",
	"output_quantity13", "output_quantity14", "output_quantity15", "output_quantity16",
	"output_quantity17", "output_quantity18", "output_quantity19",
}

// OutputToken is the token an SLP message assigns to one output.
type OutputToken struct {
	Amount      uint64
	IsMintBaton bool
}

func (o OutputToken) IsEmpty() bool { return o.Amount == 0 && !o.IsMintBaton }

// ParseData is a successfully parsed SLP message.
type ParseData struct {
	// Meta.ID is zero for unknown token types.
	Meta        token.Meta
	TxType      token.TxType
	GenesisInfo *token.GenesisInfo
	BurnAmount  uint64
	// Outputs may be shorter or longer than the tx's outputs for SEND.
	Outputs    []OutputToken
	NumOutputs int
}

// ParseTx parses output 0 of tx.
func ParseTx(tx *common.Tx) (*ParseData, error) {
	if len(tx.Outputs) == 0 {
		return nil, &ParseError{Kind: NoOutputs}
	}
	return Parse(tx.TxID, tx.Outputs[0].Script, len(tx.Outputs))
}

// Parse parses an SLP message from an output script.
func Parse(txid chainhash.Hash, outScript []byte, numOutputs int) (*ParseData, error) {
	ops, err := script.Ops(outScript)
	if err != nil {
		return nil, &ParseError{Kind: DataError, Err: err}
	}
	if err := parseLokadID(ops); err != nil {
		return nil, err
	}
	pushes, err := opReturnPushes(ops)
	if err != nil {
		return nil, err
	}
	if len(pushes) < 3 {
		return nil, &ParseError{Kind: TooFewPushes, Expected: 3, Actual: uint64(len(pushes))}
	}
	if len(pushes[1]) == 0 || len(pushes[1]) > 2 {
		return nil, &ParseError{Kind: InvalidTokenType, Bytes: pushes[1]}
	}
	tokenType, _ := token.TypeFromBytes(token.ProtocolSLP, pushes[1])
	if !token.IsKnownSlpType(tokenType) {
		return &ParseData{
			Meta:       token.Meta{Type: tokenType},
			TxType:     token.TxTypeUnknown,
			Outputs:    make([]OutputToken, numOutputs),
			NumOutputs: numOutputs,
		}, nil
	}

	var parsed *parsedOpReturn
	switch string(pushes[2]) {
	case "GENESIS":
		parsed, err = parseGenesis(pushes, tokenType)
	case "MINT":
		parsed, err = parseMint(pushes)
	case "SEND":
		parsed, err = parseSend(pushes)
	case "BURN":
		parsed, err = parseBurn(pushes)
	default:
		return nil, &ParseError{Kind: InvalidTxType, Bytes: pushes[2]}
	}
	if err != nil {
		return nil, err
	}

	data := &ParseData{
		Meta:        token.Meta{Type: tokenType},
		TxType:      parsed.txType,
		GenesisInfo: parsed.genesisInfo,
		BurnAmount:  parsed.burnAmount,
		NumOutputs:  numOutputs,
	}
	if parsed.txType == token.TxTypeGenesis {
		data.Meta.ID = token.IDFromTxID(txid)
	} else {
		data.Meta.ID = token.IDFromBE(parsed.tokenID)
	}

	switch parsed.txType {
	case token.TxTypeGenesis, token.TxTypeMint:
		data.Outputs = make([]OutputToken, numOutputs)
		if parsed.hasBaton && parsed.batonIdx < numOutputs {
			data.Outputs[parsed.batonIdx].IsMintBaton = true
		}
		if numOutputs > 1 {
			data.Outputs[1].Amount = parsed.mintQuantity
		}
	case token.TxTypeSend:
		data.Outputs = make([]OutputToken, len(parsed.sendAmounts)+1)
		for i, amount := range parsed.sendAmounts {
			data.Outputs[i+1].Amount = amount
		}
	}
	return data, nil
}

func parseLokadID(ops []script.Op) error {
	if len(ops) == 0 {
		return &ParseError{Kind: NoOpcodes}
	}
	if ops[0].Code != txscript.OP_RETURN {
		return &ParseError{Kind: MissingOpReturn, Opcode: ops[0].Code}
	}
	if len(ops) < 2 {
		return &ParseError{Kind: InvalidLokadID, Bytes: []byte{}}
	}
	if !ops[1].IsPush() {
		return &ParseError{Kind: InvalidLokadID, Bytes: []byte{ops[1].Code}}
	}
	if !bytes.Equal(ops[1].Data, LokadID) {
		return &ParseError{Kind: InvalidLokadID, Bytes: ops[1].Data}
	}
	return nil
}

// opReturnPushes collects the pushes after OP_RETURN, rejecting number
// opcodes and non-push ops.
func opReturnPushes(ops []script.Op) ([][]byte, error) {
	pushes := make([][]byte, 0, len(ops)-1)
	for idx, op := range ops[1:] {
		opIdx := idx + 1
		switch {
		case op.Code == txscript.OP_0 || (op.Code >= txscript.OP_1NEGATE && op.Code <= txscript.OP_16):
			return nil, &ParseError{Kind: DisallowedPush, OpIdx: opIdx, Opcode: op.Code}
		case !op.IsPush():
			return nil, &ParseError{Kind: NonPushOp, OpIdx: opIdx, Opcode: op.Code}
		}
		pushes = append(pushes, op.Data)
	}
	return pushes, nil
}

type parsedOpReturn struct {
	txType       token.TxType
	genesisInfo  *token.GenesisInfo
	tokenID      [32]byte
	hasBaton     bool
	batonIdx     int
	mintQuantity uint64
	sendAmounts  []uint64
	burnAmount   uint64
}

func checkExactPushes(pushes [][]byte, expected int) error {
	switch {
	case len(pushes) < expected:
		return &ParseError{Kind: TooFewPushesExact, Expected: uint64(expected), Actual: uint64(len(pushes))}
	case len(pushes) > expected:
		return &ParseError{Kind: SuperfluousPushes, Expected: uint64(expected), Actual: uint64(len(pushes))}
	}
	return nil
}

func fieldSizeError(field string, expected []int, actual int) error {
	return &ParseError{Kind: InvalidFieldSize, FieldName: field, ExpectedSizes: expected, Actual: uint64(actual)}
}

func parseGenesis(pushes [][]byte, tokenType token.Type) (*parsedOpReturn, error) {
	if err := checkExactPushes(pushes, 10); err != nil {
		return nil, err
	}
	ticker, name, url := pushes[3], pushes[4], pushes[5]
	docHash, decimals, baton, quantity := pushes[6], pushes[7], pushes[8], pushes[9]

	if len(docHash) != 0 && len(docHash) != 32 {
		return nil, fieldSizeError("token_document_hash", []int{0, 32}, len(docHash))
	}
	if len(decimals) != 1 {
		return nil, fieldSizeError("decimals", []int{1}, len(decimals))
	}
	if len(baton) > 1 {
		return nil, fieldSizeError("mint_baton_out_idx", []int{0, 1}, len(baton))
	}
	initialQuantity, err := parseAmount(quantity, "initial_quantity")
	if err != nil {
		return nil, err
	}
	if decimals[0] > 9 {
		return nil, &ParseError{Kind: InvalidDecimals, Actual: uint64(decimals[0])}
	}
	if len(baton) == 1 && baton[0] < 2 {
		return nil, &ParseError{Kind: InvalidMintBatonIdx, Actual: uint64(baton[0])}
	}
	if tokenType == token.TypeNft1Child {
		if len(baton) != 0 {
			return nil, &ParseError{Kind: Nft1ChildCannotHaveMintBaton}
		}
		if initialQuantity != 1 {
			return nil, &ParseError{Kind: Nft1ChildInvalidInitialQuantity, Actual: initialQuantity}
		}
		if decimals[0] != 0 {
			return nil, &ParseError{Kind: Nft1ChildInvalidDecimals, Actual: uint64(decimals[0])}
		}
	}

	info := &token.GenesisInfo{
		Ticker:   ticker,
		Name:     name,
		URL:      url,
		Decimals: decimals[0],
	}
	if len(docHash) == 32 {
		var h [32]byte
		copy(h[:], docHash)
		info.Hash = &h
	}
	parsed := &parsedOpReturn{
		txType:       token.TxTypeGenesis,
		genesisInfo:  info,
		mintQuantity: initialQuantity,
	}
	if len(baton) == 1 {
		parsed.hasBaton = true
		parsed.batonIdx = int(baton[0])
	}
	return parsed, nil
}

func parseMint(pushes [][]byte) (*parsedOpReturn, error) {
	if err := checkExactPushes(pushes, 6); err != nil {
		return nil, err
	}
	tokenID, baton, quantity := pushes[3], pushes[4], pushes[5]
	if len(tokenID) != 32 {
		return nil, fieldSizeError("token_id", []int{32}, len(tokenID))
	}
	if len(baton) > 1 {
		return nil, fieldSizeError("mint_baton_out_idx", []int{0, 1}, len(baton))
	}
	if len(baton) == 1 && baton[0] < 2 {
		return nil, &ParseError{Kind: InvalidMintBatonIdx, Actual: uint64(baton[0])}
	}
	additional, err := parseAmount(quantity, "additional_quantity")
	if err != nil {
		return nil, err
	}
	parsed := &parsedOpReturn{txType: token.TxTypeMint, mintQuantity: additional}
	copy(parsed.tokenID[:], tokenID)
	if len(baton) == 1 {
		parsed.hasBaton = true
		parsed.batonIdx = int(baton[0])
	}
	return parsed, nil
}

func parseSend(pushes [][]byte) (*parsedOpReturn, error) {
	if len(pushes) < 5 {
		return nil, &ParseError{Kind: TooFewPushes, Expected: 5, Actual: uint64(len(pushes))}
	}
	if len(pushes) > 23 {
		return nil, &ParseError{Kind: SuperfluousPushes, Expected: 23, Actual: uint64(len(pushes))}
	}
	tokenID := pushes[3]
	if len(tokenID) != 32 {
		return nil, fieldSizeError("token_id", []int{32}, len(tokenID))
	}
	parsed := &parsedOpReturn{txType: token.TxTypeSend}
	copy(parsed.tokenID[:], tokenID)
	for idx, quantity := range pushes[4:] {
		amount, err := parseAmount(quantity, outputQuantityFieldNames[idx])
		if err != nil {
			return nil, err
		}
		parsed.sendAmounts = append(parsed.sendAmounts, amount)
	}
	return parsed, nil
}

func parseBurn(pushes [][]byte) (*parsedOpReturn, error) {
	if err := checkExactPushes(pushes, 5); err != nil {
		return nil, err
	}
	tokenID, quantity := pushes[3], pushes[4]
	if len(tokenID) != 32 {
		return nil, fieldSizeError("token_id", []int{32}, len(tokenID))
	}
	amount, err := parseAmount(quantity, "token_burn_quantity")
	if err != nil {
		return nil, err
	}
	parsed := &parsedOpReturn{txType: token.TxTypeBurn, burnAmount: amount}
	copy(parsed.tokenID[:], tokenID)
	return parsed, nil
}

func parseAmount(b []byte, field string) (uint64, error) {
	if len(b) != 8 {
		return 0, fieldSizeError(field, []int{8}, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
