package indexer

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/metaid/token_indexer/common"
)

// BlockRecord is the value of the blocks column, keyed by be-u32 height.
type BlockRecord struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	Height     int32
	NBits      uint32
	Timestamp  int64
	FileNum    uint32
	DataPos    uint32
	FirstTxNum uint64
	NumTxs     uint32
}

// EndTxNum is one past the last tx num of the block.
func (b *BlockRecord) EndTxNum() uint64 { return b.FirstTxNum + uint64(b.NumTxs) }

func (b *BlockRecord) encode() []byte {
	var e common.Encoder
	e.Raw(b.Hash[:])
	e.Raw(b.PrevHash[:])
	e.U32(b.NBits)
	e.I64(b.Timestamp)
	e.U32(b.FileNum)
	e.U32(b.DataPos)
	e.U64(b.FirstTxNum)
	e.U32(b.NumTxs)
	out, _ := e.Bytes()
	return out
}

func decodeBlock(height int32, v []byte) (*BlockRecord, error) {
	d := common.NewDecoder(v)
	b := &BlockRecord{Height: height}
	copy(b.Hash[:], d.Raw(32))
	copy(b.PrevHash[:], d.Raw(32))
	b.NBits = d.U32()
	b.Timestamp = d.I64()
	b.FileNum = d.U32()
	b.DataPos = d.U32()
	b.FirstTxNum = d.U64()
	b.NumTxs = d.U32()
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return b, nil
}

// TxRecord is the value of the tx column, keyed by be-u64 tx num.
type TxRecord struct {
	TxID          chainhash.Hash
	FileNum       uint32
	DataPos       uint32
	UndoPos       uint32
	Size          uint32
	TimeFirstSeen int64
	IsCoinbase    bool
}

func (t *TxRecord) encode() []byte {
	var e common.Encoder
	e.Raw(t.TxID[:])
	e.U32(t.FileNum)
	e.U32(t.DataPos)
	e.U32(t.UndoPos)
	e.U32(t.Size)
	e.I64(t.TimeFirstSeen)
	e.Bool(t.IsCoinbase)
	out, _ := e.Bytes()
	return out
}

func decodeTx(v []byte) (*TxRecord, error) {
	d := common.NewDecoder(v)
	t := &TxRecord{}
	copy(t.TxID[:], d.Raw(32))
	t.FileNum = d.U32()
	t.DataPos = d.U32()
	t.UndoPos = d.U32()
	t.Size = d.U32()
	t.TimeFirstSeen = d.I64()
	t.IsCoinbase = d.Bool()
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode tx record: %w", err)
	}
	return t, nil
}

// UtxoEntry is one live output of a member, 20 bytes on disk.
type UtxoEntry struct {
	TxNum  uint64
	OutIdx uint32
	Value  int64
}

const utxoEntrySize = 20

func (u UtxoEntry) less(o UtxoEntry) bool {
	if u.TxNum != o.TxNum {
		return u.TxNum < o.TxNum
	}
	return u.OutIdx < o.OutIdx
}

func encodeUtxos(entries []UtxoEntry) []byte {
	out := make([]byte, 0, len(entries)*utxoEntrySize)
	for _, u := range entries {
		out = append(out, common.BE64(u.TxNum)...)
		out = append(out, common.BE32(u.OutIdx)...)
		out = append(out, common.BE64(uint64(u.Value))...)
	}
	return out
}

func decodeUtxos(v []byte) ([]UtxoEntry, error) {
	if len(v)%utxoEntrySize != 0 {
		return nil, fmt.Errorf("utxo list of %d bytes is not a multiple of %d", len(v), utxoEntrySize)
	}
	entries := make([]UtxoEntry, 0, len(v)/utxoEntrySize)
	d := common.NewDecoder(v)
	for i := 0; i < len(v)/utxoEntrySize; i++ {
		entries = append(entries, UtxoEntry{TxNum: d.U64(), OutIdx: d.U32(), Value: d.I64()})
	}
	return entries, d.Finish()
}

// SpentByEntry records that output OutIdx was spent by input InputIdx of
// tx SpenderTxNum.
type SpentByEntry struct {
	OutIdx       uint32
	SpenderTxNum uint64
	InputIdx     uint32
}

const spentByEntrySize = 16

func encodeSpentBy(entries []SpentByEntry) []byte {
	out := make([]byte, 0, len(entries)*spentByEntrySize)
	for _, s := range entries {
		out = append(out, common.BE32(s.OutIdx)...)
		out = append(out, common.BE64(s.SpenderTxNum)...)
		out = append(out, common.BE32(s.InputIdx)...)
	}
	return out
}

func decodeSpentBy(v []byte) ([]SpentByEntry, error) {
	if len(v)%spentByEntrySize != 0 {
		return nil, fmt.Errorf("spent-by list of %d bytes is not a multiple of %d", len(v), spentByEntrySize)
	}
	entries := make([]SpentByEntry, 0, len(v)/spentByEntrySize)
	d := common.NewDecoder(v)
	for i := 0; i < len(v)/spentByEntrySize; i++ {
		entries = append(entries, SpentByEntry{OutIdx: d.U32(), SpenderTxNum: d.U64(), InputIdx: d.U32()})
	}
	return entries, d.Finish()
}

func decodeTxNums(v []byte) ([]uint64, error) {
	if len(v)%8 != 0 {
		return nil, fmt.Errorf("tx num list of %d bytes is not a multiple of 8", len(v))
	}
	nums := make([]uint64, len(v)/8)
	d := common.NewDecoder(v)
	for i := range nums {
		nums[i] = d.U64()
	}
	return nums, d.Finish()
}

func encodeTxNums(nums []uint64) []byte {
	out := make([]byte, 0, 8*len(nums))
	for _, n := range nums {
		out = append(out, common.BE64(n)...)
	}
	return out
}

func sortMembers(members [][]byte) {
	sort.Slice(members, func(i, j int) bool { return bytes.Compare(members[i], members[j]) < 0 })
}
