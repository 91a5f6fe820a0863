// Package badgerstore implements kvstore.Store on an embedded BadgerDB, for
// auditing and compacting local caches.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/rs/zerolog"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs badger without touching disk (tests).
	InMemory bool

	// MaxMemoryMB bounds the memtable and caches. 0 uses 48 MB total.
	MaxMemoryMB int64

	// KeyIndexTTL is how long the key index used by RandomKey and
	// PopulationSize is reused before it is rebuilt. Default: 30s.
	KeyIndexTTL time.Duration

	// Logger receives badger's internal log lines. Zero value is silent.
	Logger zerolog.Logger
}

// Store implements kvstore.Store and kvstore.Conditional.
type Store struct {
	db  *badger.DB
	cfg Config

	// Badger has no native random key, so a key index is kept and rebuilt
	// every KeyIndexTTL, or on the next read after Set or Delete. Draws
	// landing on a key that expired since the last rebuild report ok=false.
	idxMu    sync.Mutex
	idxKeys  []string
	idxBuilt time.Time
	rng      *rand.Rand
}

var _ kvstore.Conditional = (*Store)(nil)

// Open opens or creates a badger database.
func Open(cfg Config) (*Store, error) {
	if cfg.KeyIndexTTL <= 0 {
		cfg.KeyIndexTTL = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithLogger(badgerLogger{log: cfg.Logger}).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", kvstore.ErrStoreUnavailable, err)
	}

	return &Store{
		db:  db,
		cfg: cfg,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5bd1e995)),
	}, nil
}

// keyIndex returns the cached key list, rebuilding it when stale.
func (s *Store) keyIndex(ctx context.Context) ([]string, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if s.idxKeys != nil && time.Since(s.idxBuilt) < s.cfg.KeyIndexTTL {
		return s.idxKeys, nil
	}

	keys := make([]string, 0, len(s.idxKeys))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if n%10000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build key index: %w", err)
	}

	s.idxKeys = keys
	s.idxBuilt = time.Now()
	return keys, nil
}

// invalidateIndex forces the next RandomKey/PopulationSize to rebuild.
func (s *Store) invalidateIndex() {
	s.idxMu.Lock()
	s.idxKeys = nil
	s.idxMu.Unlock()
}

// PopulationSize returns the number of keys as of the last index build.
func (s *Store) PopulationSize(ctx context.Context) (int64, error) {
	keys, err := s.keyIndex(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// RandomKey draws a key from the index and confirms it still exists.
func (s *Store) RandomKey(ctx context.Context) (string, bool, error) {
	keys, err := s.keyIndex(ctx)
	if err != nil {
		return "", false, err
	}
	if len(keys) == 0 {
		return "", false, nil
	}

	s.idxMu.Lock()
	key := keys[s.rng.IntN(len(keys))]
	s.idxMu.Unlock()

	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("random key: %w", err)
	}
	return key, true, nil
}

// MemoryUsage returns badger's estimate of the key-value pair size.
func (s *Store) MemoryUsage(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var size int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		size = item.EstimatedSize()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("memory usage %q: %w", key, err)
	}
	return size, true, nil
}

// Get returns a copy of the stored value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return val, true, nil
}

func newEntry(key string, val []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), val)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Set writes val with ttl.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, val, ttl))
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	s.invalidateIndex()
	return nil
}

// CompareAndSet relies on badger's serializable transactions: a concurrent
// write to key between the read and the commit aborts with ErrConflict,
// which is reported as a lost race. It only rewrites existing keys, so the
// key index stays valid.
func (s *Store) CompareAndSet(ctx context.Context, key string, expected, val []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, expected) {
			return nil
		}
		if err := txn.SetEntry(newEntry(key, val, ttl)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, badger.ErrConflict):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("compare and set %q: %w", key, err)
	}
	return swapped, nil
}

// TTL implements kvstore.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var expiresAt uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		expiresAt = item.ExpiresAt()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return kvstore.TTLMissing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ttl %q: %w", key, err)
	}
	if expiresAt == 0 {
		return kvstore.TTLNoExpiry, nil
	}
	remaining := time.Until(time.Unix(int64(expiresAt), 0))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Shards returns 1: a badger database is a single partition.
func (s *Store) Shards(context.Context) (int, error) {
	return 1, nil
}

// Scan walks keys in badger's sort order. The cursor is the last key
// examined.
func (s *Store) Scan(ctx context.Context, shard int, cursor, match string, count int) ([]string, string, error) {
	if shard != 0 {
		return nil, "", fmt.Errorf("%w: %d of 1", kvstore.ErrInvalidShard, shard)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	glob, err := kvstore.CompileGlob(match)
	if err != nil {
		return nil, "", err
	}
	if count <= 0 {
		count = 10
	}

	var keys []string
	last := cursor
	examined := 0
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		if cursor == "" {
			it.Rewind()
		} else {
			it.Seek([]byte(cursor))
			if it.Valid() && string(it.Item().Key()) == cursor {
				it.Next()
			}
		}
		for ; it.Valid() && examined < count; it.Next() {
			k := string(it.Item().KeyCopy(nil))
			examined++
			last = k
			if glob.Match(k) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("scan: %w", err)
	}
	if examined < count {
		return keys, "", nil
	}
	return keys, last, nil
}

// Delete removes key. Used by tests and by callers pruning a local cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	s.invalidateIndex()
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging to zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Str("component", "badger").Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Str("component", "badger").Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Str("component", "badger").Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Str("component", "badger").Msgf(format, args...)
}
