package storage

import "fmt"

// CF is a column family. All families share one pebble keyspace and are
// told apart by a one-byte key prefix.
type CF byte

const (
	CFMeta CF = iota + 1
	CFBlocks
	CFBlockByHash
	CFTx
	CFTxNumByTxID
	CFSpentBy
	CFTokenTxData
	CFTokenMeta
	CFTokenGenesis
	CFTokenNumByID
	CFPluginOutputs

	CFScriptHistory
	CFScriptNumTxs
	CFScriptCache
	CFScriptUtxo

	CFTokenIDHistory
	CFTokenIDNumTxs
	CFTokenIDCache
	CFTokenIDUtxo

	CFPluginHistory
	CFPluginNumTxs
	CFPluginCache
	CFPluginUtxo
)

var cfNames = map[CF]string{
	CFMeta:           "meta",
	CFBlocks:         "blocks",
	CFBlockByHash:    "block_by_hash",
	CFTx:             "tx",
	CFTxNumByTxID:    "tx_num_by_txid",
	CFSpentBy:        "spent_by",
	CFTokenTxData:    "token_tx_data",
	CFTokenMeta:      "token_meta",
	CFTokenGenesis:   "token_genesis",
	CFTokenNumByID:   "token_num_by_id",
	CFPluginOutputs:  "plugin_outputs",
	CFScriptHistory:  "script_history",
	CFScriptNumTxs:   "script_history_num_txs",
	CFScriptCache:    "script_history_cache",
	CFScriptUtxo:     "script_utxo",
	CFTokenIDHistory: "token_id_history",
	CFTokenIDNumTxs:  "token_id_history_num_txs",
	CFTokenIDCache:   "token_id_history_cache",
	CFTokenIDUtxo:    "token_id_utxo",
	CFPluginHistory:  "plugin_history",
	CFPluginNumTxs:   "plugin_history_num_txs",
	CFPluginCache:    "plugin_history_cache",
	CFPluginUtxo:     "plugin_utxo",
}

func (cf CF) String() string {
	if name, ok := cfNames[cf]; ok {
		return name
	}
	return fmt.Sprintf("cf_%d", byte(cf))
}

// GroupCFs are the families backing one history/utxo group.
type GroupCFs struct {
	History CF
	NumTxs  CF
	Cache   CF
	Utxo    CF
}

var (
	ScriptGroupCFs  = GroupCFs{History: CFScriptHistory, NumTxs: CFScriptNumTxs, Cache: CFScriptCache, Utxo: CFScriptUtxo}
	TokenIDGroupCFs = GroupCFs{History: CFTokenIDHistory, NumTxs: CFTokenIDNumTxs, Cache: CFTokenIDCache, Utxo: CFTokenIDUtxo}
	PluginGroupCFs  = GroupCFs{History: CFPluginHistory, NumTxs: CFPluginNumTxs, Cache: CFPluginCache, Utxo: CFPluginUtxo}
)

func cfKey(cf CF, key []byte) []byte {
	k := make([]byte, 1+len(key))
	k[0] = byte(cf)
	copy(k[1:], key)
	return k
}

// cfBounds returns the iteration bounds of all keys of cf starting with prefix.
func cfBounds(cf CF, prefix []byte) (lower, upper []byte) {
	lower = cfKey(cf, prefix)
	upper = append([]byte(nil), lower...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return lower, upper[:i+1]
		}
	}
	return lower, nil
}
