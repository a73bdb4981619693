// Package verifier decides which token protocol a tx speaks and verifies
// whole batches of txs in dependency order.
package verifier

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/token"
	"github.com/metaid/token_indexer/token/slp"
	"github.com/metaid/token_indexer/token/slpv2"
)

// ErrCycle means the txs of a batch spend each other in a loop.
var ErrCycle = errors.New("cycle in batch tx graph")

// VerifyTx builds the token record of tx given the tokens of its spent
// outputs (aligned with tx.Inputs). It returns nil for txs that neither
// carry nor spend tokens.
func VerifyTx(tx *common.Tx, spent []*token.Token) *token.TxData {
	data, err := slp.ParseTx(tx)
	if err == nil {
		record, verr := slp.Verify(data, spent)
		if verr != nil {
			claimed := []token.Section{{Meta: data.Meta, TxType: data.TxType, Failed: true}}
			return TotalBurn(token.ProtocolSLP, claimed, spent, len(tx.Outputs), verr)
		}
		return record
	}
	var parseErr *slp.ParseError
	if errors.As(err, &parseErr) && !parseErr.ShouldIgnore() {
		return TotalBurn(token.ProtocolSLP, nil, spent, len(tx.Outputs), err)
	}

	colored := slpv2.ColorTx(tx)
	if colored.HasEnvelope() && !colored.IsEmpty() {
		record, _ := slpv2.Verify(colored, spent)
		return record
	}
	return burnSpent(spent, len(tx.Outputs))
}

// TotalBurn is the record of a tx whose token message failed: every spent
// token is burned and no output carries tokens. claimed keeps the token id
// and type the message named, when it parsed far enough to name one.
func TotalBurn(protocol token.Protocol, claimed []token.Section, spent []*token.Token, numOutputs int, cause error) *token.TxData {
	d := burnAll(protocol, spent, numOutputs, cause.Error())
	d.Sections = claimed
	d.Errors = []string{cause.Error()}
	return d
}

func burnSpent(spent []*token.Token, numOutputs int) *token.TxData {
	d := burnAll(token.ProtocolNone, spent, numOutputs, "")
	if !d.HasTokens() {
		return nil
	}
	return d
}

func burnAll(protocol token.Protocol, spent []*token.Token, numOutputs int, reason string) *token.TxData {
	d := &token.TxData{
		Protocol:    protocol,
		Inputs:      make([]*token.Token, len(spent)),
		InputStatus: make([]token.InputStatus, len(spent)),
		Outputs:     make([]*token.Token, numOutputs),
	}
	var burns []token.Burn
	for idx, in := range spent {
		if in.IsEmpty() {
			continue
		}
		c := *in
		d.Inputs[idx] = &c
		d.InputStatus[idx] = token.InputBurned
		burn := token.BurnOf(in)
		burn.IsTotal = reason != ""
		burn.Error = reason
		burns = append(burns, burn)
	}
	d.Burns = token.AggregateBurns(burns)
	return d
}

// TokenSource resolves the token of an output outside the batch: the
// mempool first, then the token DB. A nil token means none.
type TokenSource interface {
	OutputToken(out wire.OutPoint) (*token.Token, error)
}

// Verified pairs a tx with its record (nil if token-free).
type Verified struct {
	Tx     *common.Tx
	Record *token.TxData
}

// Batch verifies txs so that every tx is verified after its in-batch
// parents. The result keeps the topological order.
func Batch(txs []*common.Tx, src TokenSource) ([]Verified, error) {
	order, err := topoSort(txs)
	if err != nil {
		return nil, err
	}
	records := make(map[chainhash.Hash]*token.TxData, len(txs))
	result := make([]Verified, 0, len(txs))
	for _, tx := range order {
		spent, err := spentTokens(tx, records, src)
		if err != nil {
			return nil, err
		}
		record := VerifyTx(tx, spent)
		records[tx.TxID] = record
		result = append(result, Verified{Tx: tx, Record: record})
	}
	return result, nil
}

func spentTokens(tx *common.Tx, records map[chainhash.Hash]*token.TxData, src TokenSource) ([]*token.Token, error) {
	if tx.IsCoinbase() {
		return nil, nil
	}
	spent := make([]*token.Token, len(tx.Inputs))
	for idx, in := range tx.Inputs {
		if record, ok := records[in.PrevOut.Hash]; ok {
			spent[idx] = record.Output(int(in.PrevOut.Index))
			continue
		}
		t, err := src.OutputToken(in.PrevOut)
		if err != nil {
			return nil, fmt.Errorf("token of %s: %w", in.PrevOut, err)
		}
		spent[idx] = t
	}
	return spent, nil
}

// topoSort orders txs parents-first, keeping the given order among
// independent txs.
func topoSort(txs []*common.Tx) ([]*common.Tx, error) {
	index := make(map[chainhash.Hash]int, len(txs))
	for i, tx := range txs {
		index[tx.TxID] = i
	}
	children := make([][]int, len(txs))
	pending := make([]int, len(txs))
	for i, tx := range txs {
		seen := make(map[int]bool)
		for _, in := range tx.Inputs {
			parent, ok := index[in.PrevOut.Hash]
			if !ok || seen[parent] {
				continue
			}
			seen[parent] = true
			children[parent] = append(children[parent], i)
			pending[i]++
		}
	}

	var ready []int
	for i := range txs {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]*common.Tx, 0, len(txs))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, txs[i])
		for _, child := range children[i] {
			pending[child]--
			if pending[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(order) != len(txs) {
		return nil, ErrCycle
	}
	return order, nil
}
