package config

import (
	"runtime"

	"go.uber.org/zap"
)

// SystemResources describes the machine the indexer runs on.
type SystemResources struct {
	CPUCores int
	MemoryGB int
	// HighPerf trades memory for speed.
	HighPerf bool
}

// IndexerParams holds the storage and cache sizes derived from resources.
type IndexerParams struct {
	DBCacheSizeMB  int
	MemTableSizeMB int
	BytePoolSizeKB int

	// NumTxsCacheSize is the LRU size per group history.
	NumTxsCacheSize int
	// BloomExpectedItems is the default bloom capacity per group.
	BloomExpectedItems uint
	// TxNumCacheDepth is how many recent blocks keep their txids in memory.
	TxNumCacheDepth int
	FetchWorkers    int

	TotalMemoryUsageMB int
}

func (c *Config) Resources() SystemResources {
	return SystemResources{CPUCores: c.CPUCores, MemoryGB: c.MemoryGB, HighPerf: c.HighPerf}
}

// AutoConfigure computes cache sizes from the available resources.
func AutoConfigure(res SystemResources, logger *zap.Logger) IndexerParams {
	if res.CPUCores <= 0 {
		res.CPUCores = runtime.NumCPU()
	}
	if res.MemoryGB <= 0 {
		res.MemoryGB = 4
	}

	memoryMB := res.MemoryGB * 1024

	var params IndexerParams
	if res.HighPerf {
		params = IndexerParams{
			BytePoolSizeKB:  8,
			NumTxsCacheSize: 1 << 20,
			TxNumCacheDepth: 50,
			FetchWorkers:    res.CPUCores * 4,
		}
	} else {
		params = IndexerParams{
			BytePoolSizeKB:  2,
			NumTxsCacheSize: 1 << 17,
			TxNumCacheDepth: 20,
			FetchWorkers:    res.CPUCores,
		}
	}

	// 20% is left to the system and the mempool mirror.
	const (
		reservedPercent = 0.2
		dbCachePercent  = 0.4
		memTablePercent = 0.1
	)
	availableMemoryMB := int(float64(memoryMB) * (1.0 - reservedPercent))
	params.DBCacheSizeMB = max(int(float64(availableMemoryMB)*dbCachePercent), 64)
	params.MemTableSizeMB = max(int(float64(availableMemoryMB)*memTablePercent), 16)
	// Pebble caps a memtable below 4GB.
	params.MemTableSizeMB = min(params.MemTableSizeMB, 4000)

	// Roughly one member per 10 bytes of a gigabyte budget.
	params.BloomExpectedItems = uint(res.MemoryGB) * 10_000_000

	// Each num_txs cache entry costs about 64 bytes with its key.
	numTxsCacheMB := params.NumTxsCacheSize * 64 / (1024 * 1024)
	params.TotalMemoryUsageMB = params.DBCacheSizeMB + params.MemTableSizeMB*2 + numTxsCacheMB

	if res.MemoryGB >= 32 {
		params.NumTxsCacheSize *= 2
		params.TxNumCacheDepth *= 2
	}

	logger.Info("auto configured",
		zap.Int("cpu", res.CPUCores),
		zap.Int("memory_gb", res.MemoryGB),
		zap.Int("db_cache_mb", params.DBCacheSizeMB),
		zap.Int("memtable_mb", params.MemTableSizeMB),
		zap.Int("num_txs_cache", params.NumTxsCacheSize),
		zap.Int("estimated_mb", params.TotalMemoryUsageMB))
	return params
}
