// Package indexer maintains the confirmed indexes (blocks, txs, group
// history and UTXOs, spent-by, tokens, plugin outputs) and the mempool
// mirror behind a single writer lane.
package indexer

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/mempool"
	"github.com/metaid/token_indexer/metrics"
	"github.com/metaid/token_indexer/plugin"
	"github.com/metaid/token_indexer/storage"
	"github.com/metaid/token_indexer/token"
	"github.com/metaid/token_indexer/token/verifier"
	"go.uber.org/zap"
)

// Params configures an Indexer.
type Params struct {
	Network         string
	History         HistoryConf
	TxNumCacheDepth int
	// Groups defaults to the script, token id and plugin groups.
	Groups []group.Group
	// Plugins may be nil.
	Plugins *plugin.Context
}

// DefaultGroups are the groups indexed when Params.Groups is empty.
func DefaultGroups() []group.Group {
	return []group.Group{group.Script{}, group.TokenID{}, group.Plugin{}}
}

// BlockMismatchError means a block does not extend (or, on disconnect,
// is not) the indexed tip.
type BlockMismatchError struct {
	Op        string
	Hash      chainhash.Hash
	Height    int32
	TipHash   chainhash.Hash
	TipHeight int32
}

func (e *BlockMismatchError) Error() string {
	return fmt.Sprintf("cannot %s block %s at height %d on tip %s at height %d",
		e.Op, e.Hash, e.Height, e.TipHash, e.TipHeight)
}

type EventKind int

const (
	EventBlockConnected EventKind = iota
	EventBlockDisconnected
	EventMempoolAdd
	EventMempoolRemove
)

func (k EventKind) String() string {
	switch k {
	case EventBlockConnected:
		return "block_connected"
	case EventBlockDisconnected:
		return "block_disconnected"
	case EventMempoolAdd:
		return "mempool_add"
	case EventMempoolRemove:
		return "mempool_remove"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is published to subscribers once its change is committed. Hash is
// the block hash for block events and the txid for mempool events.
type Event struct {
	Kind   EventKind
	Hash   chainhash.Hash
	Height int32
}

type indexedGroup struct {
	group   group.Group
	history *GroupHistory
	utxos   *GroupUtxos
}

// Indexer serializes all writes: block connect/disconnect and mempool
// add/remove take the write lock, queries take the read lock.
type Indexer struct {
	mu      sync.RWMutex
	db      *storage.DB
	params  Params
	groups  []*indexedGroup
	txNums  *TxNumCache
	mempool *mempool.Mempool
	metrics *metrics.Indexer

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	log *zap.Logger
}

// New opens the indexes stored in db and loads the bloom filters.
func New(db *storage.DB, params Params, logger *zap.Logger) (*Indexer, error) {
	if len(params.Groups) == 0 {
		params.Groups = DefaultGroups()
	}
	log := logger.With(zap.String("component", "indexer"))
	tipHeight, err := NewBlockReader(db).Height()
	if err != nil {
		return nil, fmt.Errorf("read tip: %w", err)
	}
	idx := &Indexer{
		db:      db,
		params:  params,
		txNums:  NewTxNumCache(params.TxNumCacheDepth),
		metrics: metrics.NewIndexer(params.Network),
		subs:    make(map[int]chan Event),
		log:     log,
	}
	var runner plugin.Runner
	if !params.Plugins.Empty() {
		runner = params.Plugins
	}
	idx.mempool = mempool.New(params.Groups, runner, logger)
	for _, g := range params.Groups {
		h, err := NewGroupHistory(g, params.History, logger)
		if err != nil {
			return nil, err
		}
		if err := h.Init(db, tipHeight); err != nil {
			return nil, err
		}
		idx.groups = append(idx.groups, &indexedGroup{group: g, history: h, utxos: NewGroupUtxos(g)})
	}
	idx.metrics.SetTip(tipHeight)
	log.Info("indexer ready", zap.Int32("height", tipHeight), zap.Int("groups", len(idx.groups)))
	return idx, nil
}

// Shutdown persists the bloom filters. The database stays open.
func (i *Indexer) Shutdown() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	height, err := NewBlockReader(i.db).Height()
	if err != nil {
		return err
	}
	for _, g := range i.groups {
		if err := g.history.Shutdown(i.db, height); err != nil {
			return fmt.Errorf("%s history shutdown: %w", g.group.Name(), err)
		}
	}
	i.subsMu.Lock()
	for id, ch := range i.subs {
		close(ch)
		delete(i.subs, id)
	}
	i.subsMu.Unlock()
	return nil
}

// Subscribe returns a channel of committed events and a function that
// cancels the subscription. Events are dropped when the channel is full.
func (i *Indexer) Subscribe(buffer int) (<-chan Event, func()) {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	id := i.nextSub
	i.nextSub++
	ch := make(chan Event, buffer)
	i.subs[id] = ch
	return ch, func() {
		i.subsMu.Lock()
		defer i.subsMu.Unlock()
		if ch, ok := i.subs[id]; ok {
			close(ch)
			delete(i.subs, id)
		}
	}
}

func (i *Indexer) publish(ev Event) {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	for _, ch := range i.subs {
		select {
		case ch <- ev:
		default:
			i.log.Warn("subscriber lagging, event dropped", zap.Stringer("kind", ev.Kind), zap.Stringer("hash", ev.Hash))
		}
	}
}

// HandleBlockConnected indexes block on top of the current tip.
func (i *Indexer) HandleBlockConnected(block *common.Block) error {
	started := time.Now()
	i.mu.Lock()
	err := i.connect(block)
	i.mu.Unlock()
	i.metrics.ObserveConnect(err, len(block.Txs), started)
	if err != nil {
		return fmt.Errorf("connect block %s at height %d: %w", block.Hash, block.Height, err)
	}
	i.publish(Event{Kind: EventBlockConnected, Hash: block.Hash, Height: block.Height})
	return nil
}

func (i *Indexer) connect(block *common.Block) error {
	tip, err := NewBlockReader(i.db).Tip()
	if err != nil {
		return err
	}
	var firstTxNum uint64
	if tip == nil {
		if block.Height != 0 {
			return &BlockMismatchError{Op: "connect", Hash: block.Hash, Height: block.Height, TipHeight: -1}
		}
	} else {
		if block.Height != tip.Height+1 || block.PrevHash != tip.Hash {
			return &BlockMismatchError{Op: "connect", Hash: block.Hash, Height: block.Height,
				TipHash: tip.Hash, TipHeight: tip.Height}
		}
		firstTxNum = tip.EndTxNum()
	}

	b := i.db.NewBatch()
	defer b.Close()

	txs, err := prepareTxs(b, i.txNums, block.Txs, firstTxNum)
	if err != nil {
		return err
	}
	if err := i.annotate(b, txs); err != nil {
		return err
	}

	rec := &BlockRecord{
		Hash:       block.Hash,
		PrevHash:   block.PrevHash,
		Height:     block.Height,
		NBits:      block.NBits,
		Timestamp:  block.Timestamp,
		FileNum:    block.FileNum,
		DataPos:    block.DataPos,
		FirstTxNum: firstTxNum,
		NumTxs:     uint32(len(block.Txs)),
	}
	if err := putBlock(b, rec); err != nil {
		return err
	}
	for _, tx := range txs {
		var seen int64
		if e, ok := i.mempool.Tx(tx.Tx.TxID); ok {
			seen = e.TimeFirstSeen
		}
		err := putTx(b, tx.TxNum, &TxRecord{
			TxID:          tx.Tx.TxID,
			FileNum:       tx.Tx.Location.FileNum,
			DataPos:       tx.Tx.Location.DataPos,
			UndoPos:       tx.Tx.Location.UndoPos,
			Size:          uint32(len(tx.Tx.Raw)),
			TimeFirstSeen: seen,
			IsCoinbase:    tx.IsCoinbase,
		})
		if err != nil {
			return err
		}
	}
	if err := insertTokens(b, txs); err != nil {
		return err
	}
	if err := putPluginOutputs(b, txs); err != nil {
		return err
	}
	if err := insertSpentBy(b, txs); err != nil {
		return err
	}
	updates := make([]*HistoryUpdate, len(i.groups))
	for n, g := range i.groups {
		if err := g.utxos.Insert(b, txs); err != nil {
			return i.abort(fmt.Errorf("%s utxos: %w", g.group.Name(), err))
		}
		if updates[n], err = g.history.Insert(b, txs); err != nil {
			return i.abort(fmt.Errorf("%s history: %w", g.group.Name(), err))
		}
	}
	if err := b.Commit(); err != nil {
		return i.abort(err)
	}

	for n, g := range i.groups {
		g.history.Commit(updates[n])
	}
	i.txNums.Push(block.Txs, firstTxNum)
	for _, tx := range block.Txs {
		if _, ok := i.mempool.Tx(tx.TxID); ok {
			if _, err := i.mempool.RemoveMined(tx.TxID); err != nil {
				return err
			}
		}
	}
	i.metrics.SetTip(block.Height)
	i.log.Debug("block connected", zap.Int32("height", block.Height), zap.Stringer("hash", block.Hash),
		zap.Int("txs", len(block.Txs)))
	return nil
}

// annotate verifies the tokens of txs in dependency order and runs the
// plugins over them.
func (i *Indexer) annotate(b *storage.Batch, txs []*group.IndexTx) error {
	byTxID := make(map[chainhash.Hash]*group.IndexTx, len(txs))
	raw := make([]*common.Tx, len(txs))
	for n, tx := range txs {
		byTxID[tx.Tx.TxID] = tx
		raw[n] = tx.Tx
	}
	verified, err := verifier.Batch(raw, confirmedView{r: b})
	if err != nil {
		return err
	}
	for _, v := range verified {
		byTxID[v.Tx.TxID].Tokens = v.Record
	}
	if i.params.Plugins.Empty() {
		return nil
	}
	for _, v := range verified {
		tx := byTxID[v.Tx.TxID]
		if !tx.IsCoinbase {
			tx.SpentPlugins = make([]plugin.Output, len(tx.Tx.Inputs))
			for idx, in := range tx.Tx.Inputs {
				if parent, ok := byTxID[in.PrevOut.Hash]; ok {
					tx.SpentPlugins[idx] = parent.Plugins[in.PrevOut.Index]
					continue
				}
				if tx.SpentPlugins[idx], err = ReadPluginOutput(b, tx.InputNums[idx], in.PrevOut.Index); err != nil {
					return err
				}
			}
		}
		if tx.Plugins, err = i.params.Plugins.Run(tx.Tx, tx.SpentPlugins, tx.Tokens); err != nil {
			return err
		}
	}
	return nil
}

// abort drops the in-memory state a failed batch may have touched.
func (i *Indexer) abort(err error) error {
	for _, g := range i.groups {
		g.history.Purge()
	}
	return err
}

// HandleBlockDisconnected removes the tip block.
func (i *Indexer) HandleBlockDisconnected(block *common.Block) error {
	started := time.Now()
	i.mu.Lock()
	err := i.disconnect(block)
	i.mu.Unlock()
	i.metrics.ObserveDisconnect(err, len(block.Txs), started)
	if err != nil {
		return fmt.Errorf("disconnect block %s at height %d: %w", block.Hash, block.Height, err)
	}
	i.publish(Event{Kind: EventBlockDisconnected, Hash: block.Hash, Height: block.Height})
	return nil
}

func (i *Indexer) disconnect(block *common.Block) error {
	tip, err := NewBlockReader(i.db).Tip()
	if err != nil {
		return err
	}
	if tip == nil || tip.Hash != block.Hash || tip.NumTxs != uint32(len(block.Txs)) {
		mismatch := &BlockMismatchError{Op: "disconnect", Hash: block.Hash, Height: block.Height, TipHeight: -1}
		if tip != nil {
			mismatch.TipHash, mismatch.TipHeight = tip.Hash, tip.Height
		}
		return mismatch
	}

	b := i.db.NewBatch()
	defer b.Close()

	txs, err := prepareTxs(b, i.txNums, block.Txs, tip.FirstTxNum)
	if err != nil {
		return err
	}
	tokens := NewTokenReader(b)
	for _, tx := range txs {
		if tx.Tokens, err = tokens.TxData(tx.TxNum); err != nil {
			return err
		}
		if tx.Plugins, err = ReadTxPlugins(b, tx.TxNum); err != nil {
			return err
		}
		if tx.IsCoinbase {
			continue
		}
		tx.SpentPlugins = make([]plugin.Output, len(tx.Tx.Inputs))
		for idx, in := range tx.Tx.Inputs {
			if tx.SpentPlugins[idx], err = ReadPluginOutput(b, tx.InputNums[idx], in.PrevOut.Index); err != nil {
				return err
			}
		}
	}

	updates := make([]*HistoryUpdate, len(i.groups))
	for n, g := range i.groups {
		if updates[n], err = g.history.Delete(b, txs); err != nil {
			return i.abort(fmt.Errorf("%s history: %w", g.group.Name(), err))
		}
		if err := g.utxos.Delete(b, txs); err != nil {
			return i.abort(fmt.Errorf("%s utxos: %w", g.group.Name(), err))
		}
	}
	if err := deleteSpentBy(b, txs); err != nil {
		return i.abort(err)
	}
	if err := deletePluginOutputs(b, txs); err != nil {
		return i.abort(err)
	}
	if err := deleteTokens(b, txs); err != nil {
		return i.abort(err)
	}
	for _, tx := range txs {
		if err := deleteTx(b, tx.TxNum, tx.Tx.TxID); err != nil {
			return i.abort(err)
		}
	}
	if err := deleteBlock(b, tip); err != nil {
		return i.abort(err)
	}
	if err := b.Commit(); err != nil {
		return i.abort(err)
	}
	for n, g := range i.groups {
		g.history.Commit(updates[n])
	}
	i.txNums.Pop()
	i.metrics.SetTip(tip.Height - 1)
	i.log.Debug("block disconnected", zap.Int32("height", tip.Height), zap.Stringer("hash", tip.Hash))
	return nil
}

// HandleMempoolAdd indexes an unconfirmed tx.
func (i *Indexer) HandleMempoolAdd(tx mempool.Tx) error {
	started := time.Now()
	i.mu.Lock()
	_, err := i.mempoolInsert(tx)
	i.mu.Unlock()
	i.metrics.ObserveMempool("add", err, started)
	if err != nil {
		return fmt.Errorf("mempool add %s: %w", tx.Tx.TxID, err)
	}
	i.publish(Event{Kind: EventMempoolAdd, Hash: tx.Tx.TxID, Height: -1})
	return nil
}

func (i *Indexer) mempoolInsert(tx mempool.Tx) (*mempool.Entry, error) {
	if _, mined, err := txNumByTxID(i.db, tx.Tx.TxID); err != nil {
		return nil, err
	} else if mined {
		return nil, ErrTxConfirmed
	}
	return i.mempool.Insert(confirmedView{r: i.db}, tx)
}

// HandleMempoolRemove drops an unconfirmed tx that left the mempool unmined.
func (i *Indexer) HandleMempoolRemove(txid chainhash.Hash) error {
	started := time.Now()
	i.mu.Lock()
	_, err := i.mempool.Remove(txid)
	i.mu.Unlock()
	i.metrics.ObserveMempool("remove", err, started)
	if err != nil {
		return fmt.Errorf("mempool remove %s: %w", txid, err)
	}
	i.publish(Event{Kind: EventMempoolRemove, Hash: txid, Height: -1})
	return nil
}

// confirmedView resolves confirmed outputs for the token verifier and
// the mempool.
type confirmedView struct {
	r storage.Reader
}

func (v confirmedView) HasOutput(out wire.OutPoint) (bool, error) {
	_, ok, err := txNumByTxID(v.r, out.Hash)
	return ok, err
}

func (v confirmedView) OutputToken(out wire.OutPoint) (*token.Token, error) {
	txNum, ok, err := txNumByTxID(v.r, out.Hash)
	if err != nil || !ok {
		return nil, err
	}
	data, err := NewTokenReader(v.r).TxData(txNum)
	if err != nil {
		return nil, err
	}
	return data.Output(int(out.Index)), nil
}

func (v confirmedView) OutputPlugins(out wire.OutPoint) (plugin.Output, error) {
	txNum, ok, err := txNumByTxID(v.r, out.Hash)
	if err != nil || !ok {
		return nil, err
	}
	return ReadPluginOutput(v.r, txNum, out.Index)
}

var (
	_ verifier.TokenSource  = confirmedView{}
	_ mempool.ConfirmedView = confirmedView{}
)
