package indexer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/script"
	"github.com/metaid/token_indexer/storage"
	"github.com/metaid/token_indexer/token/verifier"
	"go.uber.org/zap"
)

// LoadTx fetches a confirmed tx with the coins of its inputs resolved.
type LoadTx func(txid chainhash.Hash) (*common.Tx, error)

// ErrUpgradeInterrupted is returned when shutdown was requested mid-way.
// Work committed before the interruption is kept and a rerun resumes it.
var ErrUpgradeInterrupted = errors.New("upgrade interrupted")

const upgradeLogEvery = 1000

// UpgradeWriter repairs databases written by older releases. It must run
// while no Indexer is open on the same database.
type UpgradeWriter struct {
	db       *storage.DB
	pageSize int
	// Progress, when set, is called after each unit of work.
	Progress func(done, total int)
	log      *zap.Logger
}

func NewUpgradeWriter(db *storage.DB, pageSize int, logger *zap.Logger) *UpgradeWriter {
	return &UpgradeWriter{
		db:       db,
		pageSize: pageSize,
		log:      logger.With(zap.String("component", "upgrade")),
	}
}

func (w *UpgradeWriter) progress(done, total int) {
	if w.Progress != nil {
		w.Progress(done, total)
	}
}

// P2PKFixReport summarizes a P2PK compression scan.
type P2PKFixReport struct {
	// Members is the number of 33-byte P2PK members that could have been
	// written by the legacy mapping.
	Members int
	// BuggyMembers had at least one script compressed the legacy way.
	BuggyMembers   int
	BuggyScripts   int
	CorrectScripts int
	// MovedTxs is the number of history entries moved to the scripts'
	// own members.
	MovedTxs   int
	MovedUtxos int
}

// FixP2PKCompression moves the history and UTXOs of `<33> CHECKSIG`
// scripts whose key has no 0x02/0x03 prefix out of the P2PK member they
// were merged into by the legacy mapping, onto the member such scripts
// get now. Genuine uncompressed keys stay where they are.
func (w *UpgradeWriter) FixP2PKCompression(loadTx LoadTx, shutdownRequested func() bool) (*P2PKFixReport, error) {
	var candidates [][]byte
	prefix := []byte{byte(script.PayloadP2PK)}
	err := w.db.Iterate(storage.ScriptGroupCFs.NumTxs, prefix, false, func(k, _ []byte) (bool, error) {
		if len(k) == 34 && k[1] != 0x02 && k[1] != 0x03 {
			candidates = append(candidates, append([]byte(nil), k...))
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	report := &P2PKFixReport{Members: len(candidates)}
	w.log.Info("scanning p2pk members", zap.Int("candidates", len(candidates)))

	for n, member := range candidates {
		if shutdownRequested != nil && shutdownRequested() {
			return report, ErrUpgradeInterrupted
		}
		if err := w.fixP2PKMember(member, loadTx, report); err != nil {
			return report, fmt.Errorf("fix p2pk member %x: %w", member, err)
		}
		w.progress(n+1, len(candidates))
		if (n+1)%upgradeLogEvery == 0 {
			w.log.Info("p2pk scan progress", zap.Int("done", n+1), zap.Int("total", len(candidates)))
		}
	}
	if report.BuggyMembers > 0 {
		// The filter still holds the merged member only.
		if err := w.db.Delete(storage.ScriptGroupCFs.Cache, keyCacheBloom); err != nil {
			return report, err
		}
		w.log.Info("deleted script bloom filter after p2pk fix")
	}
	w.log.Info("p2pk scan done",
		zap.Int("members", report.Members),
		zap.Int("buggy_members", report.BuggyMembers),
		zap.Int("buggy_scripts", report.BuggyScripts),
		zap.Int("correct_scripts", report.CorrectScripts),
		zap.Int("moved_txs", report.MovedTxs),
		zap.Int("moved_utxos", report.MovedUtxos))
	return report, nil
}

// p2pkScripts classifies the P2PK scripts of tx that the legacy mapping
// sent to member.
func p2pkScripts(tx *common.Tx, member []byte) (buggy, correct [][]byte) {
	check := func(s []byte) {
		key, ok := script.P2PKKey(s)
		if !ok {
			return
		}
		legacy, ok := script.CompressP2PKKeyLegacy(key)
		if !ok || !bytes.Equal(legacy, member[1:]) {
			return
		}
		if _, ok := script.CompressP2PKKey(key); ok {
			correct = append(correct, s)
		} else {
			buggy = append(buggy, s)
		}
	}
	for _, in := range tx.Inputs {
		if in.Coin != nil {
			check(in.Coin.Output.Script)
		}
	}
	for _, out := range tx.Outputs {
		check(out.Script)
	}
	return buggy, correct
}

// fixP2PKMember moves what belongs to buggy scripts out of member. A tx
// with a correct script stays in member's history as well. Scripts whose
// txs and UTXOs already sit on their own member count as fixed, so a rerun
// writes nothing.
func (w *UpgradeWriter) fixP2PKMember(member []byte, loadTx LoadTx, report *P2PKFixReport) error {
	cfs := storage.ScriptGroupCFs
	hr := NewHistoryReader(w.db, cfs, w.pageSize)
	numTxs, err := hr.NumTxs(member)
	if err != nil {
		return err
	}
	nums, err := hr.Range(member, 0, numTxs)
	if err != nil {
		return err
	}

	txs := make(map[uint64]*common.Tx, len(nums))
	var kept []uint64
	moved := make(map[string][]uint64)
	buggyScripts := make(map[string]bool)
	correctScripts := make(map[string]bool)
	for _, txNum := range nums {
		tx, err := w.loadByNum(txNum, loadTx)
		if err != nil {
			return err
		}
		txs[txNum] = tx
		buggy, correct := p2pkScripts(tx, member)
		if len(correct) > 0 {
			kept = append(kept, txNum)
		}
		for _, s := range correct {
			correctScripts[string(s)] = true
		}
		for _, s := range buggy {
			buggyScripts[string(s)] = true
			target := string(otherMember(s))
			if list := moved[target]; len(list) == 0 || list[len(list)-1] != txNum {
				moved[target] = append(list, txNum)
			}
		}
	}
	report.CorrectScripts += len(correctScripts)
	if len(buggyScripts) == 0 {
		return nil
	}

	// Target histories that still miss some of their txs.
	targetHistories := make(map[string][]uint64)
	for target, list := range moved {
		targetMember := []byte(target)
		n, err := hr.NumTxs(targetMember)
		if err != nil {
			return err
		}
		existing, err := hr.Range(targetMember, 0, n)
		if err != nil {
			return err
		}
		if merged := mergeTxNums(existing, list); len(merged) != len(existing) {
			targetHistories[target] = merged
		}
	}

	utxos, err := readUtxos(w.db, cfs.Utxo, member)
	if err != nil {
		return err
	}
	var keptUtxos []UtxoEntry
	movedUtxos := make(map[string][]UtxoEntry)
	numMovedUtxos := 0
	for _, u := range utxos {
		tx, ok := txs[u.TxNum]
		if !ok {
			if tx, err = w.loadByNum(u.TxNum, loadTx); err != nil {
				return err
			}
		}
		if int(u.OutIdx) >= len(tx.Outputs) {
			return fmt.Errorf("utxo %d:%d beyond %d outputs", u.TxNum, u.OutIdx, len(tx.Outputs))
		}
		s := tx.Outputs[u.OutIdx].Script
		if buggyScripts[string(s)] {
			target := string(otherMember(s))
			movedUtxos[target] = append(movedUtxos[target], u)
			numMovedUtxos++
			continue
		}
		keptUtxos = append(keptUtxos, u)
	}

	movedTxs := len(nums) - len(kept)
	if movedTxs == 0 && len(targetHistories) == 0 && numMovedUtxos == 0 {
		return nil
	}
	report.BuggyMembers++
	report.BuggyScripts += len(buggyScripts)
	report.MovedTxs += movedTxs
	report.MovedUtxos += numMovedUtxos

	b := w.db.NewBatch()
	defer b.Close()
	if movedTxs > 0 {
		if err := w.rewriteHistory(b, member, numTxs, kept); err != nil {
			return err
		}
	}
	for target, merged := range targetHistories {
		targetMember := []byte(target)
		n, err := hr.NumTxs(targetMember)
		if err != nil {
			return err
		}
		if err := w.rewriteHistory(b, targetMember, n, merged); err != nil {
			return err
		}
	}
	if numMovedUtxos > 0 {
		if err := putUtxos(b, cfs.Utxo, member, keptUtxos); err != nil {
			return err
		}
	}
	for target, list := range movedUtxos {
		existing, err := readUtxos(w.db, cfs.Utxo, []byte(target))
		if err != nil {
			return err
		}
		merged := append(existing, list...)
		sort.Slice(merged, func(i, j int) bool { return merged[i].less(merged[j]) })
		if err := putUtxos(b, cfs.Utxo, []byte(target), merged); err != nil {
			return err
		}
	}
	return b.Commit()
}

func (w *UpgradeWriter) loadByNum(txNum uint64, loadTx LoadTx) (*common.Tx, error) {
	rec, err := NewTxReader(w.db).ByTxNum(txNum)
	if err != nil {
		return nil, fmt.Errorf("tx num %d: %w", txNum, err)
	}
	tx, err := loadTx(rec.TxID)
	if err != nil {
		return nil, fmt.Errorf("load tx %s: %w", rec.TxID, err)
	}
	return tx, nil
}

func otherMember(s []byte) []byte {
	return script.Payload{Kind: script.PayloadOther, Data: s}.Member()
}

// rewriteHistory replaces the oldLen entries of member with nums.
func (w *UpgradeWriter) rewriteHistory(b *storage.Batch, member []byte, oldLen uint32, nums []uint64) error {
	cfs := storage.ScriptGroupCFs
	total := uint32(len(nums))
	ps := uint32(w.pageSize)
	for page := uint32(0); page*ps < oldLen; page++ {
		if err := b.Delete(cfs.History, pageKey(member, page)); err != nil {
			return err
		}
	}
	for page := uint32(0); len(nums) > 0; page++ {
		take := min(len(nums), w.pageSize)
		if err := b.Put(cfs.History, pageKey(member, page), encodeTxNums(nums[:take])); err != nil {
			return err
		}
		nums = nums[take:]
	}
	if total == 0 {
		return b.Delete(cfs.NumTxs, member)
	}
	return b.Put(cfs.NumTxs, member, common.BE32(total))
}

func mergeTxNums(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	uniq := out[:0]
	for _, n := range out {
		if len(uniq) == 0 || n != uniq[len(uniq)-1] {
			uniq = append(uniq, n)
		}
	}
	return uniq
}

func putUtxos(b *storage.Batch, cf storage.CF, member []byte, entries []UtxoEntry) error {
	if len(entries) == 0 {
		return b.Delete(cf, member)
	}
	return b.Put(cf, member, encodeUtxos(entries))
}

// TokenReindexReport summarizes a token re-index.
type TokenReindexReport struct {
	Scanned int
	// Indexed txs were missing their token record and now have one.
	Indexed int
	Genesis int
}

// ReindexTokenTxs re-verifies every tx in the history of the SLP LOKAD
// member that has no stored token record and stores the records that
// carry tokens. Txs are visited in tx num order so parents are indexed
// before their spenders. Running it again finds nothing to do.
func (w *UpgradeWriter) ReindexTokenTxs(loadTx LoadTx, shutdownRequested func() bool) (*TokenReindexReport, error) {
	member := script.Payload{Kind: script.PayloadLokad, Data: []byte("SLP\x00")}.Member()
	hr := NewHistoryReader(w.db, storage.ScriptGroupCFs, w.pageSize)
	numTxs, err := hr.NumTxs(member)
	if err != nil {
		return nil, err
	}
	nums, err := hr.Range(member, 0, numTxs)
	if err != nil {
		return nil, err
	}
	report := &TokenReindexReport{}
	w.log.Info("re-indexing token txs", zap.Int("txs", len(nums)))

	b := w.db.NewBatch()
	defer func() { b.Close() }()
	flush := func() error {
		if b.Len() == 0 {
			return nil
		}
		if err := b.Commit(); err != nil {
			return err
		}
		b.Close()
		b = w.db.NewBatch()
		return nil
	}

	for n, txNum := range nums {
		if shutdownRequested != nil && shutdownRequested() {
			if err := flush(); err != nil {
				return report, err
			}
			return report, ErrUpgradeInterrupted
		}
		report.Scanned++
		data, err := NewTokenReader(b).TxData(txNum)
		if err != nil {
			return report, err
		}
		if data == nil {
			if err := w.reindexTokenTx(b, txNum, loadTx, report); err != nil {
				return report, fmt.Errorf("tx num %d: %w", txNum, err)
			}
		}
		w.progress(n+1, len(nums))
		if (n+1)%upgradeLogEvery == 0 {
			if err := flush(); err != nil {
				return report, err
			}
			w.log.Info("token re-index progress", zap.Int("done", n+1), zap.Int("total", len(nums)),
				zap.Int("indexed", report.Indexed))
		}
	}
	if err := flush(); err != nil {
		return report, err
	}
	w.log.Info("token re-index done", zap.Int("scanned", report.Scanned), zap.Int("indexed", report.Indexed),
		zap.Int("genesis", report.Genesis))
	return report, nil
}

func (w *UpgradeWriter) reindexTokenTx(b *storage.Batch, txNum uint64, loadTx LoadTx, report *TokenReindexReport) error {
	rec, err := NewTxReader(b).ByTxNum(txNum)
	if err != nil {
		return err
	}
	tx, err := loadTx(rec.TxID)
	if err != nil {
		return fmt.Errorf("load tx %s: %w", rec.TxID, err)
	}
	verified, err := verifier.Batch([]*common.Tx{tx}, confirmedView{r: b})
	if err != nil {
		return err
	}
	data := verified[0].Record
	if !data.HasTokens() {
		return nil
	}
	if err := insertTokens(b, []*group.IndexTx{{Tx: tx, TxNum: txNum, IsCoinbase: rec.IsCoinbase, Tokens: data}}); err != nil {
		return err
	}
	report.Indexed++
	if data.GenesisSection() != nil {
		report.Genesis++
	}
	return nil
}
