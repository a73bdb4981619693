package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

type RPCConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// RateLimit caps node requests per second, 0 disables the limit.
	RateLimit int `yaml:"rate_limit"`
	// FetchWorkers bounds concurrent getrawtransaction calls when
	// resolving spent coins.
	FetchWorkers int `yaml:"fetch_workers"`
}

type BloomConfig struct {
	Enabled           bool    `yaml:"enabled"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	ExpectedNumItems  uint    `yaml:"expected_num_items"`
}

type HistoryConfig struct {
	PageSize        int         `yaml:"page_size"`
	Bloom           BloomConfig `yaml:"bloom"`
	NumTxsCacheSize int         `yaml:"num_txs_cache_size"`
}

type MempoolConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PluginConfig enables the built-in tagger for one LOKAD id, given as
// 4 ASCII chars or 8 hex digits.
type PluginConfig struct {
	Name    string `yaml:"name"`
	LokadID string `yaml:"lokad_id"`
}

type LogConfig struct {
	Production bool `yaml:"production"`
}

type Config struct {
	Network         string         `yaml:"network"`
	DataDir         string         `yaml:"data_dir"`
	APIPort         string         `yaml:"api_port"`
	MetricsAddr     string         `yaml:"metrics_addr"`
	ZMQAddress      string         `yaml:"zmq_address"`
	CPUCores        int            `yaml:"cpu_cores"`
	MemoryGB        int            `yaml:"memory_gb"`
	HighPerf        bool           `yaml:"high_perf"`
	TxNumCacheDepth int            `yaml:"txnum_cache_depth"`
	RPC             RPCConfig      `yaml:"rpc"`
	History         HistoryConfig  `yaml:"history"`
	Mempool         MempoolConfig  `yaml:"mempool"`
	Plugins         []PluginConfig `yaml:"plugins"`
	Log             LogConfig      `yaml:"log"`
}

// Flags are the command line options shared by the daemon and tools.
// Set flags override the config file.
type Flags struct {
	Config        string `long:"config" description:"path to config file" default:"config.yaml"`
	DataDir       string `long:"data-dir" description:"database directory"`
	Network       string `long:"network" description:"mainnet, testnet, regtest or signet"`
	MetricsAddr   string `long:"metrics-addr" description:"listen address of the metrics server"`
	LogProduction bool   `long:"log-production" description:"JSON logging"`
}

func (c *Config) GetChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s", c.Network)
	}
}

func Default() *Config {
	return &Config{
		Network:         "testnet",
		DataDir:         "data",
		APIPort:         "8080",
		MetricsAddr:     ":9100",
		ZMQAddress:      "tcp://localhost:28332",
		TxNumCacheDepth: 20,
		RPC: RPCConfig{
			Host:         "localhost",
			Port:         "8332",
			RateLimit:    200,
			FetchWorkers: 8,
		},
		History: HistoryConfig{
			PageSize: 1000,
			Bloom:    BloomConfig{FalsePositiveRate: 0.01},
		},
		Mempool: MempoolConfig{Enabled: true},
	}
}

// ParseFlags parses args (without the program name) into Flags and
// returns the arguments it did not consume.
func ParseFlags(args []string) (*Flags, []string, error) {
	var opts Flags
	rest, err := flags.NewParser(&opts, flags.Default).ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}
	return &opts, rest, nil
}

// Load builds the config from defaults, the config file, environment
// variables and flags, later sources winning.
func Load(opts *Flags) (*Config, error) {
	cfg := Default()
	path := "config.yaml"
	if opts != nil && opts.Config != "" {
		path = opts.Config
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(cfg)
	if opts != nil {
		if opts.DataDir != "" {
			cfg.DataDir = opts.DataDir
		}
		if opts.Network != "" {
			cfg.Network = opts.Network
		}
		if opts.MetricsAddr != "" {
			cfg.MetricsAddr = opts.MetricsAddr
		}
		if opts.LogProduction {
			cfg.Log.Production = true
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := map[string]*string{
		"NETWORK":      &cfg.Network,
		"DATA_DIR":     &cfg.DataDir,
		"RPC_HOST":     &cfg.RPC.Host,
		"RPC_PORT":     &cfg.RPC.Port,
		"RPC_USER":     &cfg.RPC.User,
		"RPC_PASS":     &cfg.RPC.Password,
		"ZMQ_ADDRESS":  &cfg.ZMQAddress,
		"API_PORT":     &cfg.APIPort,
		"METRICS_ADDR": &cfg.MetricsAddr,
	}
	for name, field := range str {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("RPC_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RPC.RateLimit = n
		}
	}
}

func (c *Config) Validate() error {
	if _, err := c.GetChainParams(); err != nil {
		return err
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive, got %d", c.History.PageSize)
	}
	if c.History.Bloom.Enabled {
		if fp := c.History.Bloom.FalsePositiveRate; fp <= 0 || fp >= 1 {
			return fmt.Errorf("history.bloom.false_positive_rate must be in (0, 1), got %v", fp)
		}
	}
	for _, p := range c.Plugins {
		if p.Name == "" {
			return errors.New("plugin without name")
		}
		if _, err := ParseLokadID(p.LokadID); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}
	return nil
}
