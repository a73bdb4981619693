package common

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxOutput is a single output of a transaction.
type TxOutput struct {
	Value  int64
	Script []byte
}

// Coin is the output an input spends, resolved by the host.
type Coin struct {
	Output     TxOutput
	Height     int32
	IsCoinbase bool
}

type TxInput struct {
	PrevOut  wire.OutPoint
	Script   []byte
	Sequence uint32
	// Coin is nil for the coinbase input and for inputs the host did not resolve.
	Coin *Coin
}

// TxLocation points into the host's block files.
type TxLocation struct {
	FileNum uint32
	DataPos uint32
	UndoPos uint32
}

type Tx struct {
	TxID     chainhash.Hash
	Version  int32
	Inputs   []TxInput
	Outputs  []TxOutput
	LockTime uint32
	Raw      []byte
	Location TxLocation
}

// TxFromMsgTx converts a wire transaction. Inputs are left unresolved.
func TxFromMsgTx(msg *wire.MsgTx) (*Tx, error) {
	var buf bytes.Buffer
	buf.Grow(msg.SerializeSize())
	if err := msg.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}
	tx := &Tx{
		TxID:     msg.TxHash(),
		Version:  msg.Version,
		Inputs:   make([]TxInput, len(msg.TxIn)),
		Outputs:  make([]TxOutput, len(msg.TxOut)),
		LockTime: msg.LockTime,
		Raw:      buf.Bytes(),
	}
	for i, in := range msg.TxIn {
		tx.Inputs[i] = TxInput{
			PrevOut:  in.PreviousOutPoint,
			Script:   in.SignatureScript,
			Sequence: in.Sequence,
		}
	}
	for i, out := range msg.TxOut {
		tx.Outputs[i] = TxOutput{Value: out.Value, Script: out.PkScript}
	}
	return tx, nil
}

// IsCoinbase reports whether tx has the single null-prevout input of a coinbase.
func (tx *Tx) IsCoinbase() bool {
	if len(tx.Inputs) != 1 {
		return false
	}
	prev := tx.Inputs[0].PrevOut
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == (chainhash.Hash{})
}

// Block is a connected or disconnected block as delivered by the host.
type Block struct {
	Hash      chainhash.Hash
	PrevHash  chainhash.Hash
	Height    int32
	NBits     uint32
	Timestamp int64
	FileNum   uint32
	DataPos   uint32
	Txs       []*Tx
}
