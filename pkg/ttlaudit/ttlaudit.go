// Package ttlaudit walks a keyspace and reports how keys are distributed
// across TTL ranges and namespaces, together with the server's expiry and
// eviction counters over the duration of the walk.
package ttlaudit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eunmann/cache-audit/internal/logctx"
	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/namespace"
)

// Defaults used by the CLI.
const (
	DefaultScanCount = 1000
	DefaultLimit     = 1000000
	DefaultTopN      = 30
)

// Options configures an audit.
type Options struct {
	// Match is a glob pattern restricting the keys visited.
	Match     string
	ScanCount int
	// Limit stops the walk after this many keys. 0 means no limit.
	Limit      int64
	TopN       int
	Classifier namespace.Classifier
}

// DefaultOptions returns the CLI defaults.
func DefaultOptions() Options {
	return Options{
		Match:      "*",
		ScanCount:  DefaultScanCount,
		Limit:      DefaultLimit,
		TopN:       DefaultTopN,
		Classifier: namespace.New(namespace.DefaultDepth),
	}
}

// NamespaceCount is one row of the namespace ranking.
type NamespaceCount struct {
	Namespace string `json:"namespace"`
	Keys      int64  `json:"keys"`
}

// Result holds the audit totals.
type Result struct {
	Match        string
	Limit        int64
	Visited      int64
	Missing      int64
	TTLErrors    int64
	Buckets      [NumBuckets]int64
	Namespaces   map[string]int64
	StoppedEarly bool
	Shards       int

	// Stats* are only set when the store exposes server counters.
	StatsAvailable bool
	StatsBefore    kvstore.ServerStats
	StatsAfter     kvstore.ServerStats
	StatsDelta     kvstore.ServerStats

	Elapsed time.Duration
}

// TopNamespaces returns the n namespaces with the most keys, ties broken by
// name. n <= 0 returns all of them.
func (r *Result) TopNamespaces(n int) []NamespaceCount {
	out := make([]NamespaceCount, 0, len(r.Namespaces))
	for ns, c := range r.Namespaces {
		out = append(out, NamespaceCount{Namespace: ns, Keys: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Keys != out[j].Keys {
			return out[i].Keys > out[j].Keys
		}
		return out[i].Namespace < out[j].Namespace
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// NonEmptyBuckets returns the buckets with at least one key, largest first.
func (r *Result) NonEmptyBuckets() []Bucket {
	var out []Bucket
	for b := Bucket(0); b < NumBuckets; b++ {
		if r.Buckets[b] > 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.Buckets[out[i]] > r.Buckets[out[j]]
	})
	return out
}

// Run walks the shards of store one after another. A scan failure aborts
// the audit; a failed TTL lookup is counted in the TTLError bucket.
func Run(ctx context.Context, store kvstore.Store, opts Options) (*Result, error) {
	if opts.ScanCount < 1 {
		return nil, fmt.Errorf("scan count must be >= 1, got %d", opts.ScanCount)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0, got %d", opts.Limit)
	}
	if opts.Match == "" {
		opts.Match = "*"
	}
	glob, err := kvstore.CompileGlob(opts.Match)
	if err != nil {
		return nil, fmt.Errorf("compile match: %w", err)
	}

	log := logging.WithPhase("ttl_audit")
	start := time.Now()

	shards, err := store.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list shards: %v", kvstore.ErrStoreUnavailable, err)
	}

	res := &Result{
		Match:      glob.String(),
		Limit:      opts.Limit,
		Namespaces: make(map[string]int64),
		Shards:     shards,
	}

	stats, _ := store.(kvstore.StatsReader)
	if stats != nil {
		before, err := stats.ServerStats(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("server stats unavailable; skipping expiry signals")
			stats = nil
		} else {
			res.StatsBefore = before
		}
	}

	rate := logging.NewRateTracker("ttl_audit", 0, *logging.L())
	ctx = logctx.WithLogger(ctx, log)

	for shard := 0; shard < shards && !res.StoppedEarly; shard++ {
		sctx := logctx.WithShard(ctx, shard, "")
		if err := walkShard(sctx, store, shard, glob.String(), opts, res, rate); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
	}

	if stats != nil {
		after, err := stats.ServerStats(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("server stats unavailable after scan")
		} else {
			res.StatsAvailable = true
			res.StatsAfter = after
			res.StatsDelta = after.Sub(res.StatsBefore)
		}
	}
	res.Elapsed = time.Since(start)

	logging.PhaseComplete(*logging.L(), "ttl_audit", res.Elapsed).
		Count("visited", res.Visited).
		Count("missing", res.Missing).
		Count("ttl_errors", res.TTLErrors).
		Int("namespaces", len(res.Namespaces)).
		Bool("stopped_early", res.StoppedEarly).
		Rate(res.Visited).
		Log("ttl audit finished")
	return res, nil
}

func walkShard(ctx context.Context, store kvstore.Store, shard int, match string, opts Options, res *Result, rate *logging.RateTracker) error {
	log := logctx.FromContext(ctx)
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := store.Scan(ctx, shard, cursor, match, opts.ScanCount)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("scan shard %d: %w", shard, err)
		}
		for _, key := range keys {
			res.Namespaces[opts.Classifier.Classify(key)]++
			res.Visited++
			rate.Add(1)

			ttl, err := store.TTL(ctx, key)
			switch {
			case err != nil:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				res.TTLErrors++
				res.Buckets[TTLError]++
				log.Debug().Err(err).Str("key", key).Msg("ttl lookup failed")
			default:
				b := BucketOf(ttl)
				res.Buckets[b]++
				if b == Missing {
					res.Missing++
				}
			}

			if opts.Limit > 0 && res.Visited >= opts.Limit {
				res.StoppedEarly = true
				log.Info().Int64("limit", opts.Limit).Msg("key limit reached")
				return nil
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}
