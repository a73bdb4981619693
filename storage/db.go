package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key is not found in the database
var ErrNotFound = errors.New("not found")

// pebbleLogger routes pebble's internal logging into zap. Pebble's info
// chatter (flushes, compactions) is demoted to debug.
type pebbleLogger struct {
	log *zap.SugaredLogger
}

func (l *pebbleLogger) Infof(format string, args ...interface{})  { l.log.Debugf(format, args...) }
func (l *pebbleLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
func (l *pebbleLogger) Fatalf(format string, args ...interface{}) { l.log.Fatalf(format, args...) }

type Options struct {
	CacheSizeMB    int
	MemTableSizeMB int
	// FS overrides the filesystem, tests use vfs.NewMem().
	FS     vfs.FS
	Logger *zap.Logger
}

// Reader is the read side shared by DB and Batch.
type Reader interface {
	Get(cf CF, key []byte) ([]byte, error)
	Iterate(cf CF, prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error
}

// DB is a single pebble instance holding every column family.
type DB struct {
	db  *pebble.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at dir.
func Open(dir string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("component", "storage"))
	pebbleOpts := &pebble.Options{
		Merger: ConcatTrimMerger,
		Logger: &pebbleLogger{log: log.Sugar()},
		FS:     opts.FS,
	}
	if opts.MemTableSizeMB > 0 {
		pebbleOpts.MemTableSize = uint64(opts.MemTableSizeMB) * 1024 * 1024
	}
	var cache *pebble.Cache
	if opts.CacheSizeMB > 0 {
		cache = pebble.NewCache(int64(opts.CacheSizeMB) * 1024 * 1024)
		pebbleOpts.Cache = cache
	}
	db, err := pebble.Open(dir, pebbleOpts)
	if cache != nil {
		cache.Unref()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dir, err)
	}
	log.Info("database opened", zap.String("dir", dir),
		zap.Int("cache_mb", opts.CacheSizeMB), zap.Int("memtable_mb", opts.MemTableSizeMB))
	return &DB{db: db, log: log}, nil
}

// OpenInMemory opens a throwaway database backed by pebble's memory FS.
func OpenInMemory() (*DB, error) {
	return Open("", Options{FS: vfs.NewMem()})
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Get(cf CF, key []byte) ([]byte, error) {
	return get(d.db, cf, key)
}

// GetEach issues one point Get per key, in order, and returns one value
// per key, nil where the key is absent.
func GetEach(r Reader, cf CF, keys [][]byte) ([][]byte, error) {
	values := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := r.Get(cf, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

func (d *DB) Iterate(cf CF, prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	return iterate(d.db, cf, prefix, reverse, fn)
}

// Last returns the highest key of cf.
func (d *DB) Last(cf CF) (key, value []byte, err error) {
	return last(d, cf)
}

// Put writes a single key outside of any batch.
func (d *DB) Put(cf CF, key, value []byte) error {
	return d.db.Set(cfKey(cf, key), value, pebble.Sync)
}

func (d *DB) Delete(cf CF, key []byte) error {
	return d.db.Delete(cfKey(cf, key), pebble.Sync)
}

// NewBatch starts an atomic write batch that also sees its own writes.
func (d *DB) NewBatch() *Batch {
	return &Batch{b: d.db.NewIndexedBatch()}
}

// Flush forces memtables to disk.
func (d *DB) Flush() error {
	return d.db.Flush()
}

// Compact compacts the whole keyspace of cf, forcing merge operands to be
// resolved.
func (d *DB) Compact(ctx context.Context, cf CF) error {
	lower, upper := cfBounds(cf, nil)
	if upper == nil {
		upper = []byte{byte(cf) + 1}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Compact(lower, upper, true)
}

// Batch is an indexed pebble batch. Reads through it observe pending writes.
type Batch struct {
	b *pebble.Batch
}

func (b *Batch) Put(cf CF, key, value []byte) error {
	return b.b.Set(cfKey(cf, key), value, nil)
}

func (b *Batch) Delete(cf CF, key []byte) error {
	return b.b.Delete(cfKey(cf, key), nil)
}

// Merge queues a merge operand, see ConcatOperand and TrimOperand.
func (b *Batch) Merge(cf CF, key, operand []byte) error {
	return b.b.Merge(cfKey(cf, key), operand, nil)
}

func (b *Batch) Get(cf CF, key []byte) ([]byte, error) {
	return get(b.b, cf, key)
}

func (b *Batch) Iterate(cf CF, prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	return iterate(b.b, cf, prefix, reverse, fn)
}

func (b *Batch) Last(cf CF) (key, value []byte, err error) {
	return last(b, cf)
}

// Len is the number of queued operations.
func (b *Batch) Len() int {
	return int(b.b.Count())
}

func (b *Batch) Commit() error {
	return b.b.Commit(pebble.Sync)
}

// Close discards the batch if it was not committed.
func (b *Batch) Close() error {
	return b.b.Close()
}

func get(r pebble.Reader, cf CF, key []byte) ([]byte, error) {
	value, closer, err := r.Get(cfKey(cf, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func iterate(r pebble.Reader, cf CF, prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	lower, upper := cfBounds(cf, prefix)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	valid := iter.First()
	if reverse {
		valid = iter.Last()
	}
	for ; valid; valid = step(iter, reverse) {
		key := append([]byte(nil), iter.Key()[1:]...)
		raw, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		value := append([]byte(nil), raw...)
		more, err := fn(key, value)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

func last(r Reader, cf CF) (key, value []byte, err error) {
	err = r.Iterate(cf, nil, true, func(k, v []byte) (bool, error) {
		key, value = k, v
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return nil, nil, ErrNotFound
	}
	return key, value, nil
}
