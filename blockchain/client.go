package blockchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/config"
	"github.com/metaid/token_indexer/metrics"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MempoolHeight is the coin height of outputs created by unconfirmed txs.
const MempoolHeight = -1

// nodeRPC is the part of rpcclient.Client the adapter uses.
type nodeRPC interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error)
	GetRawTransactionVerbose(hash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// Client is the host adapter: it turns node RPC data into blocks and
// txs with every spent coin resolved.
type Client struct {
	rpc     nodeRPC
	limiter ratelimit.Limiter
	workers int
	// heights caches block hash to height for coin resolution.
	heights *lru.Cache[chainhash.Hash, int32]
	metrics *metrics.RPC
	log     *zap.Logger
}

func NewClient(cfg config.RPCConfig, network string, logger *zap.Logger) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	return newClient(client, cfg, network, logger), nil
}

func newClient(rpc nodeRPC, cfg config.RPCConfig, network string, logger *zap.Logger) *Client {
	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}
	workers := cfg.FetchWorkers
	if workers <= 0 {
		workers = 1
	}
	heights, _ := lru.New[chainhash.Hash, int32](4096)
	return &Client{
		rpc:     rpc,
		limiter: limiter,
		workers: workers,
		heights: heights,
		metrics: metrics.NewRPC(network),
		log:     logger.With(zap.String("component", "rpc")),
	}
}

func (c *Client) Shutdown() {
	c.rpc.Shutdown()
}

// call paces and records one node request.
func (c *Client) call(op string, fn func() error) error {
	c.limiter.Take()
	started := time.Now()
	err := fn()
	c.metrics.Observe(op, err, started)
	return err
}

func (c *Client) GetBlockCount() (int32, error) {
	var count int64
	err := c.call("getblockcount", func() (err error) {
		count, err = c.rpc.GetBlockCount()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block count: %w", err)
	}
	return int32(count), nil
}

func (c *Client) GetBlockHash(height int32) (chainhash.Hash, error) {
	var hash *chainhash.Hash
	err := c.call("getblockhash", func() (err error) {
		hash, err = c.rpc.GetBlockHash(int64(height))
		return err
	})
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get block hash at height %d: %w", height, err)
	}
	return *hash, nil
}

// GetRawMempool lists the txids in the node's mempool.
func (c *Client) GetRawMempool() ([]chainhash.Hash, error) {
	var hashes []*chainhash.Hash
	err := c.call("getrawmempool", func() (err error) {
		hashes, err = c.rpc.GetRawMempool()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get raw mempool: %w", err)
	}
	txids := make([]chainhash.Hash, len(hashes))
	for i, h := range hashes {
		txids[i] = *h
	}
	return txids, nil
}

// FetchBlock downloads the block at height from the active chain.
func (c *Client) FetchBlock(ctx context.Context, height int32) (*common.Block, error) {
	hash, err := c.GetBlockHash(height)
	if err != nil {
		return nil, err
	}
	return c.FetchBlockByHash(ctx, hash, height)
}

// FetchBlockByHash downloads a block by hash, which also works for blocks
// that were reorged out and are being disconnected.
func (c *Client) FetchBlockByHash(ctx context.Context, hash chainhash.Hash, height int32) (*common.Block, error) {
	var msg *wire.MsgBlock
	err := c.call("getblock", func() (err error) {
		msg, err = c.rpc.GetBlock(&hash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}
	block, err := BlockFromMsgBlock(msg, height)
	if err != nil {
		return nil, err
	}
	if err := c.resolveCoins(ctx, block.Txs, height); err != nil {
		return nil, fmt.Errorf("resolve coins of block %d: %w", height, err)
	}
	return block, nil
}

// BlockFromMsgBlock converts a wire block, leaving inputs unresolved.
func BlockFromMsgBlock(msg *wire.MsgBlock, height int32) (*common.Block, error) {
	block := &common.Block{
		Hash:      msg.BlockHash(),
		PrevHash:  msg.Header.PrevBlock,
		Height:    height,
		NBits:     msg.Header.Bits,
		Timestamp: msg.Header.Timestamp.Unix(),
		Txs:       make([]*common.Tx, len(msg.Transactions)),
	}
	for i, mtx := range msg.Transactions {
		tx, err := common.TxFromMsgTx(mtx)
		if err != nil {
			return nil, fmt.Errorf("tx %d of block %s: %w", i, block.Hash, err)
		}
		block.Txs[i] = tx
	}
	return block, nil
}

// DecodeTx parses a serialized tx, as delivered by the rawtx topic.
func DecodeTx(raw []byte) (*common.Tx, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	return common.TxFromMsgTx(&msg)
}

// ResolveTx fills in the coins spent by an unconfirmed tx.
func (c *Client) ResolveTx(ctx context.Context, tx *common.Tx) error {
	return c.resolveCoins(ctx, []*common.Tx{tx}, MempoolHeight)
}

// LoadTx fetches a tx by id with its spent coins resolved.
func (c *Client) LoadTx(ctx context.Context, txid chainhash.Hash) (*common.Tx, error) {
	var raw *btcutil.Tx
	err := c.call("getrawtransaction", func() (err error) {
		raw, err = c.rpc.GetRawTransaction(&txid)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", txid, err)
	}
	tx, err := common.TxFromMsgTx(raw.MsgTx())
	if err != nil {
		return nil, err
	}
	if err := c.resolveCoins(ctx, []*common.Tx{tx}, MempoolHeight); err != nil {
		return nil, err
	}
	return tx, nil
}

// resolveCoins sets Coin on every non-coinbase input. Parents inside txs
// are resolved locally, the rest are fetched concurrently from the node.
func (c *Client) resolveCoins(ctx context.Context, txs []*common.Tx, height int32) error {
	local := make(map[chainhash.Hash]int, len(txs))
	for i, tx := range txs {
		local[tx.TxID] = i
	}
	missing := make(map[chainhash.Hash]*parentTx)
	for _, tx := range txs {
		if tx.IsCoinbase() {
			continue
		}
		for i := range tx.Inputs {
			in := &tx.Inputs[i]
			if idx, ok := local[in.PrevOut.Hash]; ok {
				parent := txs[idx]
				if int(in.PrevOut.Index) >= len(parent.Outputs) {
					return fmt.Errorf("%s spends missing output %s", tx.TxID, in.PrevOut)
				}
				in.Coin = &common.Coin{
					Output:     parent.Outputs[in.PrevOut.Index],
					Height:     height,
					IsCoinbase: parent.IsCoinbase(),
				}
				continue
			}
			missing[in.PrevOut.Hash] = nil
		}
	}

	if len(missing) > 0 {
		parents, err := c.fetchParents(ctx, missing)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			for i := range tx.Inputs {
				in := &tx.Inputs[i]
				if in.Coin != nil || tx.IsCoinbase() {
					continue
				}
				parent := parents[in.PrevOut.Hash]
				if int(in.PrevOut.Index) >= len(parent.tx.TxOut) {
					return fmt.Errorf("%s spends missing output %s", tx.TxID, in.PrevOut)
				}
				out := parent.tx.TxOut[in.PrevOut.Index]
				in.Coin = &common.Coin{
					Output:     common.TxOutput{Value: out.Value, Script: out.PkScript},
					Height:     parent.height,
					IsCoinbase: parent.isCoinbase,
				}
			}
		}
	}
	return nil
}

type parentTx struct {
	tx         *wire.MsgTx
	height     int32
	isCoinbase bool
}

func (c *Client) fetchParents(ctx context.Context, missing map[chainhash.Hash]*parentTx) (map[chainhash.Hash]*parentTx, error) {
	type result struct {
		txid   chainhash.Hash
		parent *parentTx
	}
	results := make(chan result, len(missing))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for txid := range missing {
		txid := txid
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			parent, err := c.fetchParent(txid)
			if err != nil {
				return err
			}
			results <- result{txid: txid, parent: parent}
			return nil
		})
	}
	err := g.Wait()
	close(results)
	if err != nil {
		return nil, err
	}
	for r := range results {
		missing[r.txid] = r.parent
	}
	return missing, nil
}

func (c *Client) fetchParent(txid chainhash.Hash) (*parentTx, error) {
	var res *btcjson.TxRawResult
	err := c.call("getrawtransaction", func() (err error) {
		res, err = c.rpc.GetRawTransactionVerbose(&txid)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", txid, err)
	}
	raw, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, fmt.Errorf("tx %s hex: %w", txid, err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txid, err)
	}
	parent := &parentTx{
		tx:         &msg,
		height:     MempoolHeight,
		isCoinbase: len(res.Vin) == 1 && res.Vin[0].IsCoinBase(),
	}
	if res.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("tx %s block hash: %w", txid, err)
		}
		if parent.height, err = c.blockHeight(*hash); err != nil {
			return nil, err
		}
	}
	return parent, nil
}

func (c *Client) blockHeight(hash chainhash.Hash) (int32, error) {
	if h, ok := c.heights.Get(hash); ok {
		return h, nil
	}
	var header *btcjson.GetBlockHeaderVerboseResult
	err := c.call("getblockheader", func() (err error) {
		header, err = c.rpc.GetBlockHeaderVerbose(&hash)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block header %s: %w", hash, err)
	}
	c.heights.Add(hash, header.Height)
	return header.Height, nil
}

// retry runs fn until it succeeds or ctx is done.
func (c *Client) retry(ctx context.Context, what string, fn func() error) error {
	const delay = 3 * time.Second
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.log.Warn("rpc failed, retrying", zap.String("op", what), zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
