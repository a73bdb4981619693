package blockchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mattn/go-colorable"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer"
	"github.com/metaid/token_indexer/mempool"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Sink is the indexer side of the sync loop.
type Sink interface {
	Tip() (*indexer.BlockRecord, error)
	HandleBlockConnected(block *common.Block) error
	HandleBlockDisconnected(block *common.Block) error
	MempoolTxIDs() []chainhash.Hash
	HandleMempoolAdd(tx mempool.Tx) error
	HandleMempoolRemove(txid chainhash.Hash) error
}

// Syncer follows the node's active chain: it disconnects indexed blocks
// the node no longer has and connects the blocks above the tip.
type Syncer struct {
	client   *Client
	sink     Sink
	interval time.Duration
	wake     chan struct{}
	// progress is where the progress bar renders, nil hides it.
	progress io.Writer
	log      *zap.Logger
}

func NewSyncer(client *Client, sink Sink, interval time.Duration, logger *zap.Logger) *Syncer {
	return &Syncer{
		client:   client,
		sink:     sink,
		interval: interval,
		wake:     make(chan struct{}, 1),
		progress: colorable.NewColorableStdout(),
		log:      logger.With(zap.String("component", "sync")),
	}
}

// Wake makes a waiting Run poll the node right away, e.g. on a hashblock
// notification.
func (s *Syncer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run syncs until ctx is done. onFirstSyncDone is called once, the first
// time the index reaches the node's tip.
func (s *Syncer) Run(ctx context.Context, onFirstSyncDone func()) error {
	firstSyncDone := false
	for {
		caughtUp, err := s.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if caughtUp && !firstSyncDone {
			firstSyncDone = true
			s.log.Info("initial sync complete")
			if onFirstSyncDone != nil {
				onFirstSyncDone()
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-time.After(s.interval):
		}
	}
}

// SyncOnce resolves reorgs and connects every block up to the node's
// current height. It reports whether the index reached that height.
func (s *Syncer) SyncOnce(ctx context.Context) (bool, error) {
	nodeHeight, err := s.nodeHeight(ctx)
	if err != nil {
		return false, err
	}
	if err := s.rewind(ctx, nodeHeight); err != nil {
		return false, err
	}
	tip, err := s.sink.Tip()
	if err != nil {
		return false, err
	}
	next := int32(0)
	if tip != nil {
		next = tip.Height + 1
	}
	if next > nodeHeight {
		return true, nil
	}

	s.log.Info("new blocks", zap.Int32("from", next), zap.Int32("to", nodeHeight))
	bar := s.newProgressBar(int(nodeHeight-next) + 1)
	for height := next; height <= nodeHeight; height++ {
		var block *common.Block
		err := s.client.retry(ctx, "getblock", func() (err error) {
			block, err = s.client.FetchBlock(ctx, height)
			return err
		})
		if err != nil {
			return false, err
		}
		if err := s.sink.HandleBlockConnected(block); err != nil {
			var mismatch *indexer.BlockMismatchError
			if errors.As(err, &mismatch) {
				// The node switched chains while we were fetching.
				s.log.Warn("chain changed during sync", zap.Int32("height", height), zap.Error(err))
				return false, nil
			}
			return false, fmt.Errorf("index block %d: %w", height, err)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return true, nil
}

func (s *Syncer) nodeHeight(ctx context.Context) (int32, error) {
	var height int32
	err := s.client.retry(ctx, "getblockcount", func() (err error) {
		height, err = s.client.GetBlockCount()
		return err
	})
	return height, err
}

// rewind disconnects indexed blocks until the tip is on the node's
// active chain.
func (s *Syncer) rewind(ctx context.Context, nodeHeight int32) error {
	for {
		tip, err := s.sink.Tip()
		if err != nil {
			return err
		}
		if tip == nil {
			return nil
		}
		if tip.Height <= nodeHeight {
			var hash chainhash.Hash
			err := s.client.retry(ctx, "getblockhash", func() (err error) {
				hash, err = s.client.GetBlockHash(tip.Height)
				return err
			})
			if err != nil {
				return err
			}
			if hash == tip.Hash {
				return nil
			}
		}
		s.log.Warn("reorg, disconnecting tip", zap.Int32("height", tip.Height), zap.Stringer("hash", tip.Hash))
		var block *common.Block
		err = s.client.retry(ctx, "getblock", func() (err error) {
			block, err = s.client.FetchBlockByHash(ctx, tip.Hash, tip.Height)
			return err
		})
		if err != nil {
			return err
		}
		if err := s.sink.HandleBlockDisconnected(block); err != nil {
			return fmt.Errorf("disconnect block %d: %w", tip.Height, err)
		}
	}
}

// SyncMempool reconciles the mirrored mempool with the node's: txs the
// node dropped are removed, txs it has that are not mirrored are added
// parents first.
func (s *Syncer) SyncMempool(ctx context.Context) error {
	nodeTxs, err := s.client.GetRawMempool()
	if err != nil {
		return err
	}
	inNode := make(map[chainhash.Hash]bool, len(nodeTxs))
	for _, txid := range nodeTxs {
		inNode[txid] = true
	}
	mirrored := s.sink.MempoolTxIDs()
	known := make(map[chainhash.Hash]bool, len(mirrored))
	removed := 0
	// Newest first, so children go before their parents.
	for i := len(mirrored) - 1; i >= 0; i-- {
		txid := mirrored[i]
		known[txid] = true
		if inNode[txid] {
			continue
		}
		if err := s.sink.HandleMempoolRemove(txid); err != nil && !errors.Is(err, mempool.ErrNoSuchTx) {
			return err
		}
		removed++
	}

	pending := make(map[chainhash.Hash]*common.Tx)
	for _, txid := range nodeTxs {
		if known[txid] {
			continue
		}
		tx, err := s.client.LoadTx(ctx, txid)
		if err != nil {
			s.log.Debug("mempool tx vanished", zap.Stringer("txid", txid), zap.Error(err))
			continue
		}
		pending[txid] = tx
	}
	added := 0
	now := time.Now().Unix()
	for len(pending) > 0 {
		progress := false
		for txid, tx := range pending {
			err := s.sink.HandleMempoolAdd(mempool.Tx{Tx: tx, TimeFirstSeen: now})
			var missing *mempool.MissingParentError
			if errors.As(err, &missing) {
				continue
			}
			delete(pending, txid)
			progress = true
			if err != nil {
				s.log.Warn("mempool add failed", zap.Stringer("txid", txid), zap.Error(err))
				continue
			}
			added++
		}
		if !progress {
			s.log.Warn("mempool txs with unknown parents skipped", zap.Int("count", len(pending)))
			break
		}
	}
	s.log.Info("mempool synced", zap.Int("added", added), zap.Int("removed", removed))
	return nil
}

// HandleRawTx is the rawtx notification handler.
func (s *Syncer) HandleRawTx(ctx context.Context, raw []byte) error {
	tx, err := DecodeTx(raw)
	if err != nil {
		return err
	}
	if err := s.client.ResolveTx(ctx, tx); err != nil {
		return err
	}
	err = s.sink.HandleMempoolAdd(mempool.Tx{Tx: tx, TimeFirstSeen: time.Now().Unix()})
	// The node also publishes the txs of every connected block.
	if errors.Is(err, indexer.ErrTxConfirmed) || errors.Is(err, mempool.ErrDuplicateTx) {
		return nil
	}
	return err
}

func (s *Syncer) newProgressBar(total int) *progressbar.ProgressBar {
	if s.progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription("Indexing blocks..."),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetRenderBlankState(false),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(s.progress, "\nDone!\n")
		}),
	)
}
