package main

import (
	"testing"

	"github.com/metaid/token_indexer/config"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, production := range []bool{false, true} {
		logger, err := newLogger(production)
		require.NoError(t, err)
		require.NotNil(t, logger)
		require.Equal(t, !production, logger.Core().Enabled(-1))
	}
}

func TestIndexerParams(t *testing.T) {
	res := config.IndexerParams{
		NumTxsCacheSize:    1 << 17,
		TxNumCacheDepth:    20,
		BloomExpectedItems: 80_000_000,
	}

	tests := []struct {
		name      string
		mutate    func(*config.Config)
		wantBloom bool
		wantItems uint
		wantLRU   int
		wantDepth int
	}{
		{
			name:      "defaults from resources",
			mutate:    func(c *config.Config) { c.TxNumCacheDepth = 0 },
			wantLRU:   1 << 17,
			wantDepth: 20,
		},
		{
			name: "explicit sizes win",
			mutate: func(c *config.Config) {
				c.History.NumTxsCacheSize = 10
				c.TxNumCacheDepth = 3
			},
			wantLRU:   10,
			wantDepth: 3,
		},
		{
			name:      "bloom sized from resources",
			mutate:    func(c *config.Config) { c.History.Bloom.Enabled = true },
			wantBloom: true,
			wantItems: 80_000_000,
			wantLRU:   1 << 17,
			wantDepth: 20,
		},
		{
			name: "bloom sized from config",
			mutate: func(c *config.Config) {
				c.History.Bloom.Enabled = true
				c.History.Bloom.ExpectedNumItems = 1000
			},
			wantBloom: true,
			wantItems: 1000,
			wantLRU:   1 << 17,
			wantDepth: 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			params := indexerParams(cfg, res, nil)
			require.Equal(t, cfg.Network, params.Network)
			require.Equal(t, cfg.History.PageSize, params.History.PageSize)
			require.Equal(t, tt.wantLRU, params.History.NumTxsCacheSize)
			require.Equal(t, tt.wantDepth, params.TxNumCacheDepth)
			if !tt.wantBloom {
				require.Nil(t, params.History.Bloom)
				return
			}
			require.NotNil(t, params.History.Bloom)
			require.Equal(t, tt.wantItems, params.History.Bloom.ExpectedNumItems)
			require.Equal(t, cfg.History.Bloom.FalsePositiveRate, params.History.Bloom.FalsePositiveRate)
		})
	}
}
