package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MemoryConfig configures a Memory store.
type MemoryConfig struct {
	// Shards splits the keyspace into independently scannable partitions
	// by key hash. Default: 1.
	Shards int

	// Seed seeds RandomKey so samples are reproducible.
	Seed uint64

	// Now overrides the clock used for expiry. Default: time.Now.
	Now func() time.Time
}

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

// Memory is an in-process Store used for tests and dry runs. Keys are
// scanned in lexical order; the scan cursor is the last key returned, so it
// stays valid across concurrent writes.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	shards  int
	rng     *rand.Rand
	now     func() time.Time
	stats   ServerStats
	writes  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Memory{
		entries: make(map[string]memEntry),
		shards:  cfg.Shards,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		now:     cfg.Now,
	}
}

// lookup returns the live entry for key, expiring it lazily. Caller holds mu.
func (m *Memory) lookup(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		m.stats.ExpiredKeys++
		return memEntry{}, false
	}
	return e, true
}

// liveKeys returns all unexpired keys in lexical order. Caller holds mu.
func (m *Memory) liveKeys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if _, ok := m.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// PopulationSize returns the number of live keys.
func (m *Memory) PopulationSize(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.liveKeys())), nil
}

// RandomKey picks a uniformly random live key.
func (m *Memory) RandomKey(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.liveKeys()
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[m.rng.IntN(len(keys))], true, nil
}

// MemoryUsage reports len(key)+len(value).
func (m *Memory) MemoryUsage(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return 0, false, nil
	}
	return int64(len(key) + len(e.val)), true, nil
}

// Get returns a copy of the value of key.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		m.stats.KeyspaceMisses++
		return nil, false, nil
	}
	m.stats.KeyspaceHits++
	return bytes.Clone(e.val), true, nil
}

// Set stores a copy of val.
func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, val, ttl)
	return nil
}

func (m *Memory) setLocked(key string, val []byte, ttl time.Duration) {
	e := memEntry{val: bytes.Clone(val)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	m.writes++
}

// CompareAndSet implements Conditional.
func (m *Memory) CompareAndSet(ctx context.Context, key string, expected, val []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.val, expected) {
		return false, nil
	}
	m.setLocked(key, val, ttl)
	return true, nil
}

// Delete removes key. It is not part of Store; tests use it to simulate
// keys vanishing.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// TTL implements Store.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return TTLMissing, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

// Shards returns the configured shard count.
func (m *Memory) Shards(context.Context) (int, error) {
	return m.shards, nil
}

// ShardOf returns the shard that owns key.
func (m *Memory) ShardOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(m.shards))
}

// Scan examines up to count keys of shard after cursor, in lexical order,
// and returns those matching match.
func (m *Memory) Scan(ctx context.Context, shard int, cursor, match string, count int) ([]string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if shard < 0 || shard >= m.shards {
		return nil, "", fmt.Errorf("%w: %d of %d", ErrInvalidShard, shard, m.shards)
	}
	glob, err := CompileGlob(match)
	if err != nil {
		return nil, "", err
	}
	if count <= 0 {
		count = 10
	}

	m.mu.Lock()
	all := m.liveKeys()
	m.mu.Unlock()

	start := 0
	if cursor != "" {
		start, _ = slices.BinarySearch(all, cursor)
		if start < len(all) && all[start] == cursor {
			start++
		}
	}

	var keys []string
	examined := 0
	last := cursor
	for i := start; i < len(all) && examined < count; i++ {
		k := all[i]
		if m.ShardOf(k) != shard {
			continue
		}
		examined++
		last = k
		if glob.Match(k) {
			keys = append(keys, k)
		}
	}
	if examined < count {
		return keys, "", nil
	}
	return keys, last, nil
}

// ServerStats implements StatsReader.
func (m *Memory) ServerStats(ctx context.Context) (ServerStats, error) {
	if err := ctx.Err(); err != nil {
		return ServerStats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

// Writes returns how many successful Set/CompareAndSet calls were made.
func (m *Memory) Writes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
