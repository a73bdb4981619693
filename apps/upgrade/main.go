// Command upgrade repairs an index written by an older release. Stop the
// indexer before running it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jessevdk/go-flags"
	"github.com/mattn/go-colorable"
	"github.com/metaid/token_indexer/blockchain"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/config"
	"github.com/metaid/token_indexer/indexer"
	"github.com/metaid/token_indexer/storage"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

type options struct {
	config.Flags
	FixP2PK       bool `long:"fix-p2pk" description:"move scripts merged by the legacy P2PK compression to their own member"`
	ReindexTokens bool `long:"reindex-tokens" description:"store missing token records of SLP txs"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if !opts.FixP2PK && !opts.ReindexTokens {
		fmt.Fprintln(os.Stderr, "nothing to do: pass --fix-p2pk and/or --reindex-tokens")
		os.Exit(2)
	}
	cfg, err := config.Load(&opts.Flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	newLogger := zap.NewDevelopment
	if cfg.Log.Production {
		newLogger = zap.NewProduction
	}
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Fatal("upgrade failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *zap.Logger) error {
	res := config.AutoConfigure(cfg.Resources(), logger)
	db, err := storage.Open(cfg.DataDir, storage.Options{
		CacheSizeMB:    res.DBCacheSizeMB,
		MemTableSizeMB: res.MemTableSizeMB,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := blockchain.NewClient(cfg.RPC, cfg.Network, logger)
	if err != nil {
		return err
	}
	defer client.Shutdown()
	loadTx := func(txid chainhash.Hash) (*common.Tx, error) {
		return client.LoadTx(ctx, txid)
	}
	shutdownRequested := func() bool { return ctx.Err() != nil }

	w := indexer.NewUpgradeWriter(db, cfg.History.PageSize, logger)
	if opts.FixP2PK {
		w.Progress = progress("Fixing P2PK members...")
		report, err := w.FixP2PKCompression(loadTx, shutdownRequested)
		if err != nil {
			return fmt.Errorf("p2pk fix: %w", err)
		}
		fmt.Printf("\nP2PK members: %d, buggy: %d (%d buggy scripts, %d correct), moved %d txs and %d utxos\n",
			report.Members, report.BuggyMembers, report.BuggyScripts, report.CorrectScripts,
			report.MovedTxs, report.MovedUtxos)
	}
	if opts.ReindexTokens {
		w.Progress = progress("Re-indexing token txs...")
		report, err := w.ReindexTokenTxs(loadTx, shutdownRequested)
		if err != nil {
			return fmt.Errorf("token re-index: %w", err)
		}
		fmt.Printf("\nToken txs scanned: %d, indexed: %d (%d genesis)\n",
			report.Scanned, report.Indexed, report.Genesis)
	}
	return db.Flush()
}

// progress draws a bar once the total is known.
func progress(description string) func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			out := colorable.NewColorableStdout()
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(out),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(50),
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
			)
		}
		_ = bar.Set(done)
	}
}
