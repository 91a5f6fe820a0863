// Package redisstore implements kvstore.Store on Redis and Redis Cluster.
//
// Key reads and writes go through a go-redis client that handles cluster
// routing. Scans are issued per primary node, so each primary is one shard
// and scan cursors are the node's native SCAN cursors.
package redisstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/redis/go-redis/v9"
)

// Config holds connection settings.
type Config struct {
	// Addrs lists seed nodes as host:port. A non-cluster connection uses
	// the first address.
	Addrs    []string
	Username string
	Password string

	// Cluster enables Redis Cluster mode.
	Cluster bool

	// ConnectRetries bounds the initial PING attempts. Default: 5.
	ConnectRetries uint64

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// compareAndSet swaps the value only if it still equals ARGV[1].
var compareAndSet = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// Store implements kvstore.Store, kvstore.Conditional and kvstore.StatsReader.
type Store struct {
	client    redis.UniversalClient
	primaries []*redis.Client
	addrs     []string
	ownsNodes bool
}

var (
	_ kvstore.Conditional = (*Store)(nil)
	_ kvstore.StatsReader = (*Store)(nil)
)

// Open connects to Redis, retrying the initial PING with exponential
// backoff, and discovers cluster primaries.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 5
	}

	var client redis.UniversalClient
	if cfg.Cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(nodeOptions(cfg, cfg.Addrs[0]))
	}

	ping := func() error { return client.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", kvstore.ErrStoreUnavailable, strings.Join(cfg.Addrs, ","), err)
	}

	s := &Store{client: client}
	if !cfg.Cluster {
		s.primaries = []*redis.Client{client.(*redis.Client)}
		s.addrs = []string{cfg.Addrs[0]}
		return s, nil
	}

	slots, err := client.(*redis.ClusterClient).ClusterSlots(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: cluster slots: %v", kvstore.ErrStoreUnavailable, err)
	}
	s.addrs = primaryAddrs(slots)
	if len(s.addrs) == 0 {
		client.Close()
		return nil, fmt.Errorf("%w: cluster reports no primaries", kvstore.ErrStoreUnavailable)
	}
	s.ownsNodes = true
	for _, addr := range s.addrs {
		s.primaries = append(s.primaries, redis.NewClient(nodeOptions(cfg, addr)))
	}
	return s, nil
}

func nodeOptions(cfg Config, addr string) *redis.Options {
	return &redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// primaryAddrs returns the distinct primary addresses of a CLUSTER SLOTS
// reply in sorted order, so shard indexes are stable across restarts.
func primaryAddrs(slots []redis.ClusterSlot) []string {
	var addrs []string
	for _, slot := range slots {
		if len(slot.Nodes) == 0 {
			continue
		}
		addr := slot.Nodes[0].Addr
		if !slices.Contains(addrs, addr) {
			addrs = append(addrs, addr)
		}
	}
	slices.Sort(addrs)
	return addrs
}

// Addrs returns the scanned primary addresses in shard order.
func (s *Store) Addrs() []string {
	return slices.Clone(s.addrs)
}

// PopulationSize sums DBSIZE over all primaries.
func (s *Store) PopulationSize(ctx context.Context) (int64, error) {
	var total int64
	for i, node := range s.primaries {
		n, err := node.DBSize(ctx).Result()
		if err != nil {
			return 0, fmt.Errorf("dbsize %s: %w", s.addrs[i], err)
		}
		total += n
	}
	return total, nil
}

// RandomKey issues RANDOMKEY.
func (s *Store) RandomKey(ctx context.Context) (string, bool, error) {
	key, err := s.client.RandomKey(ctx).Result()
	if errors.Is(err, redis.Nil) || (err == nil && key == "") {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("randomkey: %w", err)
	}
	return key, true, nil
}

// MemoryUsage issues MEMORY USAGE.
func (s *Store) MemoryUsage(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.client.MemoryUsage(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("memory usage %q: %w", key, err)
	}
	return n, true, nil
}

// Get issues GET.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return val, true, nil
}

// Set issues SET with PX when ttl > 0.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// CompareAndSet runs a Lua script so the comparison and the write are
// atomic on the node owning key.
func (s *Store) CompareAndSet(ctx context.Context, key string, expected, val []byte, ttl time.Duration) (bool, error) {
	ms := ttl.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	n, err := compareAndSet.Run(ctx, s.client, []string{key}, expected, val, ms).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and set %q: %w", key, err)
	}
	return n == 1, nil
}

// TTL issues PTTL and maps its -2/-1 replies to the kvstore sentinels.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("pttl %q: %w", key, err)
	}
	return mapTTL(d), nil
}

func mapTTL(d time.Duration) time.Duration {
	switch {
	case d == -2 || d == -2*time.Millisecond:
		return kvstore.TTLMissing
	case d == -1 || d == -1*time.Millisecond:
		return kvstore.TTLNoExpiry
	case d < 0:
		return kvstore.TTLMissing
	}
	return d
}

// Shards returns the number of primaries.
func (s *Store) Shards(context.Context) (int, error) {
	return len(s.primaries), nil
}

// Scan issues SCAN against one primary.
func (s *Store) Scan(ctx context.Context, shard int, cursor, match string, count int) ([]string, string, error) {
	if shard < 0 || shard >= len(s.primaries) {
		return nil, "", fmt.Errorf("%w: %d of %d", kvstore.ErrInvalidShard, shard, len(s.primaries))
	}
	pos, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if match == "" {
		match = kvstore.MatchAll
	}

	keys, next, err := s.primaries[shard].Scan(ctx, pos, match, int64(count)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("scan %s: %w", s.addrs[shard], err)
	}
	return keys, formatCursor(next), nil
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	pos, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid scan cursor %q: %w", cursor, err)
	}
	return pos, nil
}

func formatCursor(pos uint64) string {
	if pos == 0 {
		return ""
	}
	return strconv.FormatUint(pos, 10)
}

// ServerStats sums INFO stats counters over all primaries.
func (s *Store) ServerStats(ctx context.Context) (kvstore.ServerStats, error) {
	var total kvstore.ServerStats
	for i, node := range s.primaries {
		info, err := node.Info(ctx, "stats").Result()
		if err != nil {
			return kvstore.ServerStats{}, fmt.Errorf("info stats %s: %w", s.addrs[i], err)
		}
		st := parseInfoStats(info)
		total.ExpiredKeys += st.ExpiredKeys
		total.EvictedKeys += st.EvictedKeys
		total.KeyspaceHits += st.KeyspaceHits
		total.KeyspaceMisses += st.KeyspaceMisses
	}
	return total, nil
}

// parseInfoStats extracts keyspace counters from an INFO reply.
func parseInfoStats(info string) kvstore.ServerStats {
	var st kvstore.ServerStats
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		name, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "expired_keys":
			st.ExpiredKeys = n
		case "evicted_keys":
			st.EvictedKeys = n
		case "keyspace_hits":
			st.KeyspaceHits = n
		case "keyspace_misses":
			st.KeyspaceMisses = n
		}
	}
	return st
}

// Close closes the routing client and any per-primary connections.
func (s *Store) Close() error {
	var firstErr error
	if s.ownsNodes {
		for _, node := range s.primaries {
			if err := node.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := s.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
