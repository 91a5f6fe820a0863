// Package kvstore defines the key-value cache capabilities the auditor and
// the compaction pipeline rely on, plus an in-memory implementation.
//
// Every call may block on network I/O. Implementations must be safe for
// concurrent use.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable marks systemic store failures (connection refused,
	// authentication, cluster topology). Runs abort on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrKeyMissing marks a key that vanished between enumeration and use.
	ErrKeyMissing = errors.New("key missing")

	// ErrInvalidShard is returned by Scan for a shard index out of range.
	ErrInvalidShard = errors.New("invalid shard")
)

// Reserved TTL values returned by Store.TTL.
const (
	// TTLMissing means the key does not exist.
	TTLMissing time.Duration = -2
	// TTLNoExpiry means the key exists and never expires.
	TTLNoExpiry time.Duration = -1
)

// Store is the abstract cache.
type Store interface {
	// PopulationSize returns the (possibly approximate) number of keys.
	PopulationSize(ctx context.Context) (int64, error)

	// RandomKey returns a random existing key, or ok=false when the store
	// had none to offer at that moment.
	RandomKey(ctx context.Context) (key string, ok bool, err error)

	// MemoryUsage returns the bytes used by key, or ok=false when the key
	// no longer exists.
	MemoryUsage(ctx context.Context, key string) (bytes int64, ok bool, err error)

	// Get returns the value of key, or ok=false when absent.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)

	// Set writes val with the given ttl. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// TTL returns the remaining time to live of key, TTLMissing or TTLNoExpiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Shards returns the number of independently scannable partitions.
	Shards(ctx context.Context) (int, error)

	// Scan returns the next page of keys of shard matching the glob
	// pattern match, starting after cursor ("" starts a new walk). The
	// returned next cursor is "" once the shard is exhausted. A page may be
	// empty while next is not. Cursors can be persisted and passed to a
	// later process to resume.
	Scan(ctx context.Context, shard int, cursor, match string, count int) (keys []string, next string, err error)

	// Close releases the store's resources.
	Close() error
}

// Conditional is implemented by stores that support compare-and-set.
type Conditional interface {
	// CompareAndSet writes val with ttl only if the current value of key
	// equals expected. It reports whether the write happened.
	CompareAndSet(ctx context.Context, key string, expected, val []byte, ttl time.Duration) (bool, error)
}

// ServerStats holds cumulative keyspace counters reported by the server.
type ServerStats struct {
	ExpiredKeys    int64
	EvictedKeys    int64
	KeyspaceHits   int64
	KeyspaceMisses int64
}

// Sub returns the per-counter difference s - prev.
func (s ServerStats) Sub(prev ServerStats) ServerStats {
	return ServerStats{
		ExpiredKeys:    s.ExpiredKeys - prev.ExpiredKeys,
		EvictedKeys:    s.EvictedKeys - prev.EvictedKeys,
		KeyspaceHits:   s.KeyspaceHits - prev.KeyspaceHits,
		KeyspaceMisses: s.KeyspaceMisses - prev.KeyspaceMisses,
	}
}

// StatsReader is implemented by stores that expose server counters.
type StatsReader interface {
	ServerStats(ctx context.Context) (ServerStats, error)
}
