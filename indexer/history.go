package indexer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/metrics"
	"github.com/metaid/token_indexer/storage"
	"go.uber.org/zap"
)

var keyCacheBloom = []byte("bloom")

// BloomConf configures the per-group bloom filter of members with history.
type BloomConf struct {
	FalsePositiveRate float64
	ExpectedNumItems  uint
}

type HistoryConf struct {
	PageSize int
	// Bloom is nil when the filter is disabled.
	Bloom           *BloomConf
	NumTxsCacheSize int
}

// MismatchedBloomFilterHeightError is returned at init when the stored
// filter matches the configuration but was written at another height.
// Using it would give false negatives, so the database needs its filter
// wiped (or a reindex).
type MismatchedBloomFilterHeightError struct {
	Group       string
	DBHeight    int32
	BloomHeight int32
}

func (e *MismatchedBloomFilterHeightError) Error() string {
	return fmt.Sprintf("inconsistent %s history bloom filter: db is at height %d but filter is for height %d",
		e.Group, e.DBHeight, e.BloomHeight)
}

type bloomFilter struct {
	filter *bloom.BloomFilter
	fpRate float64
	n      uint64
}

// GroupHistory writes the paginated tx history of one group. It owns the
// bloom filter and num_txs cache, so it must only be used from the writer
// lane.
type GroupHistory struct {
	group   group.Group
	cfs     storage.GroupCFs
	conf    HistoryConf
	bloom   *bloomFilter
	numTxs  *lru.Cache[string, uint32]
	metrics *metrics.History
	log     *zap.Logger
}

func NewGroupHistory(g group.Group, conf HistoryConf, logger *zap.Logger) (*GroupHistory, error) {
	if conf.PageSize <= 0 {
		return nil, fmt.Errorf("history page size must be positive, got %d", conf.PageSize)
	}
	h := &GroupHistory{
		group:   g,
		cfs:     g.CFs(),
		conf:    conf,
		metrics: metrics.NewHistory(g.Name()),
		log:     logger.With(zap.String("component", "history"), zap.String("group", g.Name())),
	}
	if conf.NumTxsCacheSize > 0 {
		cache, err := lru.New[string, uint32](conf.NumTxsCacheSize)
		if err != nil {
			return nil, err
		}
		h.numTxs = cache
	}
	return h, nil
}

func (h *GroupHistory) newBloom() *bloomFilter {
	c := h.conf.Bloom
	return &bloomFilter{
		filter: bloom.NewWithEstimates(c.ExpectedNumItems, c.FalsePositiveRate),
		fpRate: c.FalsePositiveRate,
		n:      uint64(c.ExpectedNumItems),
	}
}

// BloomEnabled reports whether a bloom filter is in use.
func (h *GroupHistory) BloomEnabled() bool { return h.bloom != nil }

// Init loads the stored bloom filter. A filter is only reused when its
// shape matches the configuration and it was written at tipHeight.
// Without a usable stored filter a fresh one is only safe on an empty
// history; otherwise the group runs without a filter until restart.
func (h *GroupHistory) Init(r storage.Reader, tipHeight int32) error {
	raw, err := r.Get(h.cfs.Cache, keyCacheBloom)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if h.conf.Bloom == nil {
		h.bloom = nil
		if raw != nil {
			h.log.Info("ignoring stored bloom filter, it will be deleted at shutdown")
		}
		return nil
	}
	fresh := h.newBloom()
	if raw != nil {
		stored, height, err := decodeBloom(raw)
		switch {
		case err != nil:
			h.log.Warn("discarding corrupt stored bloom filter", zap.Error(err))
		case stored.filter.Cap() != fresh.filter.Cap() || stored.filter.K() != fresh.filter.K():
			h.log.Info("discarding stored bloom filter with different settings",
				zap.Float64("stored_fp_rate", stored.fpRate), zap.Uint64("stored_expected_n", stored.n),
				zap.Float64("fp_rate", fresh.fpRate), zap.Uint64("expected_n", fresh.n))
		case height != tipHeight:
			return &MismatchedBloomFilterHeightError{Group: h.group.Name(), DBHeight: tipHeight, BloomHeight: height}
		default:
			h.bloom = stored
			h.log.Info("loaded bloom filter", zap.Int32("height", height),
				zap.Uint32("approx_items", stored.filter.ApproximatedSize()))
			return nil
		}
	}
	empty, err := h.isEmpty(r)
	if err != nil {
		return err
	}
	if !empty {
		h.bloom = nil
		h.log.Warn("history is not empty and no usable bloom filter is stored, running without one")
		return nil
	}
	h.bloom = fresh
	return nil
}

func (h *GroupHistory) isEmpty(r storage.Reader) (bool, error) {
	empty := true
	err := r.Iterate(h.cfs.NumTxs, nil, false, func(_, _ []byte) (bool, error) {
		empty = false
		return false, nil
	})
	return empty, err
}

// Shutdown persists the bloom filter at tipHeight, or deletes the stored
// one when no filter is in use.
func (h *GroupHistory) Shutdown(db *storage.DB, tipHeight int32) error {
	if h.bloom != nil {
		return db.Put(h.cfs.Cache, keyCacheBloom, encodeBloom(h.bloom, tipHeight))
	}
	if _, err := db.Get(h.cfs.Cache, keyCacheBloom); err == nil {
		h.log.Info("deleting stored bloom filter")
	}
	return db.Delete(h.cfs.Cache, keyCacheBloom)
}

// HistoryUpdate holds the in-memory effects of a batch, applied by Commit
// once the batch is durable.
type HistoryUpdate struct {
	numTxs   map[string]uint32
	addBloom []string
}

func (h *GroupHistory) groupTxs(txs []*group.IndexTx) (map[string][]uint64, []string) {
	grouped := make(map[string][]uint64)
	for _, tx := range txs {
		for _, m := range group.TxMembers(h.group, tx) {
			nums := grouped[string(m)]
			if len(nums) > 0 && nums[len(nums)-1] == tx.TxNum {
				continue
			}
			grouped[string(m)] = append(nums, tx.TxNum)
		}
	}
	members := make([]string, 0, len(grouped))
	for m := range grouped {
		members = append(members, m)
	}
	sort.Strings(members)
	return grouped, members
}

// fetchNumTxs resolves the current history length of member with a
// single point lookup after the bloom filter and the num_txs cache. inBloom
// is false when the bloom filter ruled the member out.
func (h *GroupHistory) fetchNumTxs(r storage.Reader, member string) (numTxs uint32, inBloom bool, err error) {
	if h.bloom != nil && !h.bloom.filter.Test([]byte(member)) {
		h.metrics.BloomMiss()
		return 0, false, nil
	}
	if h.numTxs != nil {
		if n, ok := h.numTxs.Get(member); ok {
			h.metrics.CacheHit()
			return n, true, nil
		}
	}
	n, found, err := readNumTxs(r, h.cfs, []byte(member))
	if err != nil {
		return 0, true, err
	}
	h.metrics.Fetched(!found && h.bloom != nil)
	return n, true, nil
}

// Insert appends the tx nums of txs to every member they touch. txs must
// be ordered by tx num and newer than anything indexed.
func (h *GroupHistory) Insert(b *storage.Batch, txs []*group.IndexTx) (*HistoryUpdate, error) {
	grouped, members := h.groupTxs(txs)
	update := &HistoryUpdate{numTxs: make(map[string]uint32, len(members))}
	pageSize := uint32(h.conf.PageSize)
	for _, member := range members {
		numTxs, inBloom, err := h.fetchNumTxs(b, member)
		if err != nil {
			return nil, err
		}
		rest := grouped[member]
		page := numTxs / pageSize
		inPage := numTxs % pageSize
		for len(rest) > 0 {
			take := int(pageSize - inPage)
			if take > len(rest) {
				take = len(rest)
			}
			key := pageKey([]byte(member), page)
			if err := b.Merge(h.cfs.History, key, storage.ConcatOperand(encodeTxNums(rest[:take]))); err != nil {
				return nil, err
			}
			numTxs += uint32(take)
			rest = rest[take:]
			inPage = 0
			page++
		}
		if err := b.Put(h.cfs.NumTxs, []byte(member), common.BE32(numTxs)); err != nil {
			return nil, err
		}
		update.numTxs[member] = numTxs
		if !inBloom {
			update.addBloom = append(update.addBloom, member)
		}
	}
	return update, nil
}

// Delete removes the tx nums of txs from the tail of every member they
// touch. The bloom filter is dropped since members cannot be removed
// from it.
func (h *GroupHistory) Delete(b *storage.Batch, txs []*group.IndexTx) (*HistoryUpdate, error) {
	if h.bloom != nil {
		h.log.Info("disconnect wipes bloom filter")
		h.bloom = nil
	}
	grouped, members := h.groupTxs(txs)
	update := &HistoryUpdate{numTxs: make(map[string]uint32, len(members))}
	pageSize := uint32(h.conf.PageSize)
	for _, member := range members {
		numTxs, _, err := h.fetchNumTxs(b, member)
		if err != nil {
			return nil, err
		}
		remaining := uint32(len(grouped[member]))
		for remaining > 0 {
			if numTxs == 0 {
				return nil, fmt.Errorf("%s history of member %x has fewer txs than removed", h.group.Name(), member)
			}
			page := (numTxs - 1) / pageSize
			inPage := numTxs - page*pageSize
			k := inPage
			if remaining < k {
				k = remaining
			}
			key := pageKey([]byte(member), page)
			if k == inPage {
				err = b.Delete(h.cfs.History, key)
			} else {
				err = b.Merge(h.cfs.History, key, storage.TrimOperand(k))
			}
			if err != nil {
				return nil, err
			}
			numTxs -= k
			remaining -= k
		}
		if numTxs > 0 {
			err = b.Put(h.cfs.NumTxs, []byte(member), common.BE32(numTxs))
		} else {
			err = b.Delete(h.cfs.NumTxs, []byte(member))
		}
		if err != nil {
			return nil, err
		}
		update.numTxs[member] = numTxs
	}
	return update, nil
}

// Commit applies the in-memory side of a committed batch.
func (h *GroupHistory) Commit(update *HistoryUpdate) {
	if update == nil {
		return
	}
	if h.numTxs != nil {
		for member, n := range update.numTxs {
			h.numTxs.Add(member, n)
		}
	}
	if h.bloom != nil {
		for _, member := range update.addBloom {
			h.bloom.filter.Add([]byte(member))
		}
	}
}

// Purge drops cached num_txs after a failed batch.
func (h *GroupHistory) Purge() {
	if h.numTxs != nil {
		h.numTxs.Purge()
	}
}

func pageKey(member []byte, page uint32) []byte {
	return common.ConcatBytes(member, common.BE32(page))
}

func readNumTxs(r storage.Reader, cfs storage.GroupCFs, member []byte) (uint32, bool, error) {
	v, err := r.Get(cfs.NumTxs, member)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(v) != 4 {
		return 0, false, fmt.Errorf("num_txs of member %x has %d bytes", member, len(v))
	}
	return common.NewDecoder(v).U32(), true, nil
}

// HistoryReader reads the confirmed history of a group.
type HistoryReader struct {
	r        storage.Reader
	cfs      storage.GroupCFs
	pageSize int
}

func NewHistoryReader(r storage.Reader, cfs storage.GroupCFs, pageSize int) HistoryReader {
	return HistoryReader{r: r, cfs: cfs, pageSize: pageSize}
}

func (hr HistoryReader) NumTxs(member []byte) (uint32, error) {
	n, _, err := readNumTxs(hr.r, hr.cfs, member)
	return n, err
}

func (hr HistoryReader) NumPages(member []byte) (uint32, error) {
	n, err := hr.NumTxs(member)
	if err != nil {
		return 0, err
	}
	return (n + uint32(hr.pageSize) - 1) / uint32(hr.pageSize), nil
}

// Page returns the tx nums of one stored page, nil when absent.
func (hr HistoryReader) Page(member []byte, page uint32) ([]uint64, error) {
	v, err := hr.r.Get(hr.cfs.History, pageKey(member, page))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTxNums(v)
}

// Range returns the tx nums at positions [from, to) of the member's
// history, oldest first. Pages are read with one point Get each.
func (hr HistoryReader) Range(member []byte, from, to uint32) ([]uint64, error) {
	if from >= to {
		return nil, nil
	}
	ps := uint64(hr.pageSize)
	first := uint64(from) / ps
	var keys [][]byte
	for page := first; page*ps < uint64(to); page++ {
		keys = append(keys, pageKey(member, uint32(page)))
	}
	values, err := storage.GetEach(hr.r, hr.cfs.History, keys)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, to-from)
	for n, v := range values {
		if v == nil {
			continue
		}
		nums, err := decodeTxNums(v)
		if err != nil {
			return nil, err
		}
		for i, txNum := range nums {
			pos := (first+uint64(n))*ps + uint64(i)
			if pos >= uint64(from) && pos < uint64(to) {
				out = append(out, txNum)
			}
		}
	}
	return out, nil
}

func encodeBloom(b *bloomFilter, height int32) []byte {
	var e common.Encoder
	e.U32(uint32(height))
	e.U64(math.Float64bits(b.fpRate))
	e.U64(b.n)
	e.U64(uint64(b.filter.Cap()))
	e.U64(uint64(b.filter.K()))
	words := b.filter.BitSet().Bytes()
	e.VarInt(uint64(len(words)))
	for _, w := range words {
		e.U64(w)
	}
	body, _ := e.Bytes()
	return append(body, common.BE64(xxhash.Sum64(body))...)
}

func decodeBloom(raw []byte) (*bloomFilter, int32, error) {
	if len(raw) < 8 {
		return nil, 0, fmt.Errorf("bloom filter blob of %d bytes", len(raw))
	}
	body, sum := raw[:len(raw)-8], raw[len(raw)-8:]
	if xxhash.Sum64(body) != common.NewDecoder(sum).U64() {
		return nil, 0, errors.New("bloom filter checksum mismatch")
	}
	d := common.NewDecoder(body)
	height := int32(d.U32())
	b := &bloomFilter{fpRate: math.Float64frombits(d.U64()), n: d.U64()}
	m, k := d.U64(), d.U64()
	words := make([]uint64, d.Count())
	for i := range words {
		words[i] = d.U64()
	}
	if err := d.Finish(); err != nil {
		return nil, 0, fmt.Errorf("decode bloom filter: %w", err)
	}
	if uint64(len(words)) != (m+63)/64 {
		return nil, 0, fmt.Errorf("bloom filter of %d bits carries %d words", m, len(words))
	}
	b.filter = bloom.FromWithM(words, uint(m), uint(k))
	return b, height, nil
}
