package indexer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/storage"
)

// BlockReader reads the block table.
type BlockReader struct {
	r storage.Reader
}

func NewBlockReader(r storage.Reader) BlockReader { return BlockReader{r: r} }

// Tip returns the last indexed block, nil on an empty database.
func (br BlockReader) Tip() (*BlockRecord, error) {
	var (
		height int32
		value  []byte
	)
	err := br.r.Iterate(storage.CFBlocks, nil, true, func(k, v []byte) (bool, error) {
		height = int32(common.NewDecoder(k).U32())
		value = v
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return decodeBlock(height, value)
}

// Height is the tip height, -1 on an empty database.
func (br BlockReader) Height() (int32, error) {
	tip, err := br.Tip()
	if err != nil || tip == nil {
		return -1, err
	}
	return tip.Height, nil
}

func (br BlockReader) ByHeight(height int32) (*BlockRecord, error) {
	if height < 0 {
		return nil, storage.ErrNotFound
	}
	v, err := br.r.Get(storage.CFBlocks, common.BE32(uint32(height)))
	if err != nil {
		return nil, err
	}
	return decodeBlock(height, v)
}

func (br BlockReader) ByHash(hash chainhash.Hash) (*BlockRecord, error) {
	v, err := br.r.Get(storage.CFBlockByHash, hash[:])
	if err != nil {
		return nil, err
	}
	return br.ByHeight(int32(common.NewDecoder(v).U32()))
}

// ByTxNum finds the block containing txNum by binary search over heights.
func (br BlockReader) ByTxNum(txNum uint64) (*BlockRecord, error) {
	tip, err := br.Tip()
	if err != nil {
		return nil, err
	}
	if tip == nil || txNum >= tip.EndTxNum() {
		return nil, storage.ErrNotFound
	}
	lo, hi := int32(0), tip.Height
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		b, err := br.ByHeight(mid)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", mid, err)
		}
		if b.FirstTxNum <= txNum {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return br.ByHeight(lo)
}

func putBlock(b *storage.Batch, rec *BlockRecord) error {
	key := common.BE32(uint32(rec.Height))
	if err := b.Put(storage.CFBlocks, key, rec.encode()); err != nil {
		return err
	}
	return b.Put(storage.CFBlockByHash, rec.Hash[:], key)
}

func deleteBlock(b *storage.Batch, rec *BlockRecord) error {
	if err := b.Delete(storage.CFBlocks, common.BE32(uint32(rec.Height))); err != nil {
		return err
	}
	return b.Delete(storage.CFBlockByHash, rec.Hash[:])
}

// TxReader reads the tx table.
type TxReader struct {
	r storage.Reader
}

func NewTxReader(r storage.Reader) TxReader { return TxReader{r: r} }

func (tr TxReader) ByTxNum(txNum uint64) (*TxRecord, error) {
	v, err := tr.r.Get(storage.CFTx, common.BE64(txNum))
	if err != nil {
		return nil, err
	}
	return decodeTx(v)
}

// TxNum returns the tx num of a confirmed tx.
func (tr TxReader) TxNum(txid chainhash.Hash) (uint64, bool, error) {
	return txNumByTxID(tr.r, txid)
}

// NextTxNum is the tx num the next connected block starts at.
func (tr TxReader) NextTxNum() (uint64, error) {
	key, _, err := lastKey(tr.r, storage.CFTx)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return common.NewDecoder(key).U64() + 1, nil
}

func putTx(b *storage.Batch, txNum uint64, rec *TxRecord) error {
	if err := b.Put(storage.CFTx, common.BE64(txNum), rec.encode()); err != nil {
		return err
	}
	return b.Put(storage.CFTxNumByTxID, rec.TxID[:], common.BE64(txNum))
}

func deleteTx(b *storage.Batch, txNum uint64, txid chainhash.Hash) error {
	if err := b.Delete(storage.CFTx, common.BE64(txNum)); err != nil {
		return err
	}
	return b.Delete(storage.CFTxNumByTxID, txid[:])
}

func lastKey(r storage.Reader, cf storage.CF) (key, value []byte, err error) {
	err = r.Iterate(cf, nil, true, func(k, v []byte) (bool, error) {
		key, value = k, v
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return nil, nil, storage.ErrNotFound
	}
	return key, value, nil
}
