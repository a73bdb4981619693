package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/metaid/token_indexer/plugin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
network: regtest
data_dir: `+filepath.Join(t.TempDir(), "db")+`
rpc:
  host: node
  port: "18443"
history:
  page_size: 50
  bloom:
    enabled: true
    false_positive_rate: 0.001
plugins:
  - name: agora
    lokad_id: AGR0
`)
	t.Setenv("RPC_PORT", "19000")
	t.Setenv("API_PORT", "")

	cfg, err := Load(&Flags{Config: path, MetricsAddr: ":9999"})
	require.NoError(t, err)
	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, "node", cfg.RPC.Host)
	require.Equal(t, "19000", cfg.RPC.Port)
	require.Equal(t, "8080", cfg.APIPort)
	require.Equal(t, ":9999", cfg.MetricsAddr)
	require.Equal(t, 50, cfg.History.PageSize)
	require.True(t, cfg.History.Bloom.Enabled)
	require.Equal(t, 8, cfg.RPC.FetchWorkers)

	plugins, err := cfg.BuildPlugins(zap.NewNop())
	require.NoError(t, err)
	require.False(t, plugins.Empty())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg, err := Load(&Flags{Config: filepath.Join(t.TempDir(), "missing.yaml"), DataDir: dir, Network: "signet"})
	require.NoError(t, err)
	require.Equal(t, "signet", cfg.Network)
	require.DirExists(t, dir)
	params, err := cfg.GetChainParams()
	require.NoError(t, err)
	require.Equal(t, "signet", params.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "network", mutate: func(c *Config) { c.Network = "simnet" }, wantErr: "unknown network"},
		{name: "page size", mutate: func(c *Config) { c.History.PageSize = 0 }, wantErr: "page_size"},
		{
			name: "bloom rate",
			mutate: func(c *Config) {
				c.History.Bloom.Enabled = true
				c.History.Bloom.FalsePositiveRate = 1
			},
			wantErr: "false_positive_rate",
		},
		{
			name:    "plugin lokad",
			mutate:  func(c *Config) { c.Plugins = []PluginConfig{{Name: "x", LokadID: "abc"}} },
			wantErr: "invalid lokad id",
		},
		{
			name:    "plugin name",
			mutate:  func(c *Config) { c.Plugins = []PluginConfig{{LokadID: "abcd"}} },
			wantErr: "without name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseLokadID(t *testing.T) {
	id, err := ParseLokadID("SLP2")
	require.NoError(t, err)
	require.Equal(t, plugin.LokadID{'S', 'L', 'P', '2'}, id)

	id, err = ParseLokadID("534c5000")
	require.NoError(t, err)
	require.Equal(t, plugin.LokadID{'S', 'L', 'P', 0}, id)

	_, err = ParseLokadID("zzzzzzzz")
	require.Error(t, err)
}

func TestParseFlags(t *testing.T) {
	opts, rest, err := ParseFlags([]string{"--network", "regtest", "--log-production", "extra"})
	require.NoError(t, err)
	require.Equal(t, "regtest", opts.Network)
	require.True(t, opts.LogProduction)
	require.Equal(t, "config.yaml", opts.Config)
	require.Equal(t, []string{"extra"}, rest)
}

func TestAutoConfigure(t *testing.T) {
	small := AutoConfigure(SystemResources{CPUCores: 2, MemoryGB: 1}, zap.NewNop())
	require.Equal(t, 327, small.DBCacheSizeMB)
	require.Equal(t, 81, small.MemTableSizeMB)
	require.Equal(t, 20, small.TxNumCacheDepth)
	require.Equal(t, 2, small.FetchWorkers)

	big := AutoConfigure(SystemResources{CPUCores: 8, MemoryGB: 64, HighPerf: true}, zap.NewNop())
	require.Greater(t, big.DBCacheSizeMB, small.DBCacheSizeMB)
	require.Equal(t, 100, big.TxNumCacheDepth)
	require.Equal(t, 32, big.FetchWorkers)
	require.LessOrEqual(t, big.MemTableSizeMB, 4000)
}
