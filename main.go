package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/metaid/token_indexer/api"
	"github.com/metaid/token_indexer/blockchain"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/config"
	"github.com/metaid/token_indexer/indexer"
	"github.com/metaid/token_indexer/mempool"
	"github.com/metaid/token_indexer/plugin"
	"github.com/metaid/token_indexer/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	blockPollInterval     = 10 * time.Second
	mempoolResyncInterval = time.Minute
	shutdownTimeout       = 10 * time.Second
)

func main() {
	opts, _, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	cfg, err := config.Load(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Log.Production)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("indexer stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(production bool) (*zap.Logger, error) {
	if production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func indexerParams(cfg *config.Config, res config.IndexerParams, plugins *plugin.Context) indexer.Params {
	params := indexer.Params{
		Network: cfg.Network,
		History: indexer.HistoryConf{
			PageSize:        cfg.History.PageSize,
			NumTxsCacheSize: cfg.History.NumTxsCacheSize,
		},
		TxNumCacheDepth: cfg.TxNumCacheDepth,
		Plugins:         plugins,
	}
	if params.History.NumTxsCacheSize <= 0 {
		params.History.NumTxsCacheSize = res.NumTxsCacheSize
	}
	if params.TxNumCacheDepth <= 0 {
		params.TxNumCacheDepth = res.TxNumCacheDepth
	}
	if cfg.History.Bloom.Enabled {
		expected := cfg.History.Bloom.ExpectedNumItems
		if expected == 0 {
			expected = res.BloomExpectedItems
		}
		params.History.Bloom = &indexer.BloomConf{
			FalsePositiveRate: cfg.History.Bloom.FalsePositiveRate,
			ExpectedNumItems:  expected,
		}
	}
	return params
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	chainParams, err := cfg.GetChainParams()
	if err != nil {
		return err
	}
	res := config.AutoConfigure(cfg.Resources(), logger)
	common.InitBytePool(res.BytePoolSizeKB * 1024)
	if cfg.RPC.FetchWorkers <= 0 {
		cfg.RPC.FetchWorkers = res.FetchWorkers
	}

	db, err := storage.Open(cfg.DataDir, storage.Options{
		CacheSizeMB:    res.DBCacheSizeMB,
		MemTableSizeMB: res.MemTableSizeMB,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	plugins, err := cfg.BuildPlugins(logger)
	if err != nil {
		return err
	}
	idx, err := indexer.New(db, indexerParams(cfg, res, plugins), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := idx.Shutdown(); err != nil {
			logger.Error("failed to persist bloom filters", zap.Error(err))
		}
	}()

	client, err := blockchain.NewClient(cfg.RPC, cfg.Network, logger)
	if err != nil {
		return err
	}
	defer client.Shutdown()
	syncer := blockchain.NewSyncer(client, idx, blockPollInterval, logger)

	server := api.NewServer(idx, chainParams, logger)
	server.SetNode(client)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}

	zmq := mempool.NewZMQClient(cfg.ZMQAddress, logger)
	zmq.AddTopic(mempool.TopicHashBlock, func(string, []byte) error {
		syncer.Wake()
		return nil
	})
	if cfg.Mempool.Enabled {
		zmq.AddTopic(mempool.TopicRawTx, func(_ string, raw []byte) error {
			return syncer.HandleRawTx(ctx, raw)
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(":" + cfg.APIPort)
	})
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return syncer.Run(ctx, func() {
			if err := zmq.Start(ctx); err != nil {
				logger.Warn("zmq not started", zap.Error(err))
			}
			if cfg.Mempool.Enabled {
				g.Go(func() error {
					resyncMempool(ctx, syncer, logger)
					return nil
				})
			}
		})
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		zmq.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(server.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// resyncMempool mirrors the node's mempool once and then periodically, to
// drop txs conflicted by blocks and pick up missed notifications.
func resyncMempool(ctx context.Context, syncer *blockchain.Syncer, logger *zap.Logger) {
	ticker := time.NewTicker(mempoolResyncInterval)
	defer ticker.Stop()
	for {
		if err := syncer.SyncMempool(ctx); err != nil {
			logger.Warn("mempool sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
