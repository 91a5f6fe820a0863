// Package compaction rewrites every key of a store once: payloads are
// compressed and given a policy TTL, and finished keys are recorded in a
// ledger so an interrupted run can be restarted without redoing work.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/eunmann/cache-audit/internal/logctx"
	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ratioSampleEvery controls how often a per-key compression ratio is logged
// at debug level.
const ratioSampleEvery = 10000

// Engine runs compaction passes over one store.
type Engine struct {
	store kvstore.Store
}

// New returns an engine for store.
func New(store kvstore.Store) *Engine {
	return &Engine{store: store}
}

// addrLister is implemented by stores that can name the node behind a shard.
type addrLister interface {
	Addrs() []string
}

type run struct {
	store   kvstore.Store
	cas     kvstore.Conditional
	opts    Options
	glob    *kvstore.Glob
	comp    *compressor
	limiter *rate.Limiter
	rate    *logging.RateTracker
	cp      *checkpointer
	addrs   []string
	sampled zerolog.Logger
}

// Run walks every shard once. On a fatal error or cancellation it returns
// the partial summary together with the error. Per-key failures are counted
// and never stop the run.
func (e *Engine) Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compaction options: %w", err)
	}
	if opts.Level == "" {
		opts.Level = LevelDefault
	}
	log := logging.WithPhase("compact")
	start := time.Now()

	shards, err := e.store.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list shards: %v", kvstore.ErrStoreUnavailable, err)
	}
	glob, err := kvstore.CompileGlob(opts.Match)
	if err != nil {
		return nil, fmt.Errorf("compile match: %w", err)
	}
	comp, err := newCompressor(opts.Codec, opts.Level)
	if err != nil {
		return nil, err
	}
	defer comp.close()

	cp, resumed, err := openCheckpoint(opts.CheckpointPath, glob.String(), shards)
	if err != nil {
		return nil, err
	}

	r := &run{
		store:   e.store,
		opts:    opts,
		glob:    glob,
		comp:    comp,
		cp:      cp,
		rate:    logging.NewRateTracker("compact", opts.ProgressEvery, *logging.L()),
		sampled: log.Sample(&zerolog.BasicSampler{N: ratioSampleEvery}),
	}
	if c, ok := e.store.(kvstore.Conditional); ok && opts.Conditional {
		r.cas = c
	}
	if a, ok := e.store.(addrLister); ok {
		r.addrs = a.Addrs()
	}
	if opts.MaxKeysPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.MaxKeysPerSecond), max(1, int(opts.MaxKeysPerSecond)))
	}

	log.Info().
		Int("shards", shards).
		Int("workers", opts.Workers).
		Str("match", glob.String()).
		Str("codec", string(opts.Codec)).
		Bool("conditional", r.cas != nil).
		Bool("dry_run", opts.DryRun).
		Bool("resumed", resumed).
		Msg("compaction started")
	if r.cas == nil && !opts.DryRun {
		log.Warn().Msg("writes are unconditional; a concurrent writer's update to a key may be overwritten")
	}

	sum := newSummary()
	sum.ShardsTotal = shards
	sum.Resumed = resumed
	sum.DryRun = opts.DryRun

	ctx = logctx.WithLogger(ctx, log)
	var runErr error
	if shards == 1 && opts.Workers > 1 {
		runErr = r.walkPartitioned(ctx, sum)
	} else {
		runErr = r.walkShards(ctx, shards, sum)
	}
	sum.Elapsed = time.Since(start)

	if runErr == nil && sum.ShardsCompleted == shards {
		if err := cp.remove(); err != nil {
			log.Warn().Err(err).Msg("checkpoint not removed")
		}
	}

	msg := "compaction finished"
	if runErr != nil {
		msg = "compaction stopped"
	}
	logging.PhaseComplete(*logging.L(), "compact", sum.Elapsed).
		Count("visited", sum.Visited).
		Count("compacted", sum.Compacted).
		Count("already_compacted", sum.AlreadyCompacted).
		Count("skipped_excluded", sum.SkippedExcluded).
		Count("failed", sum.Failed).
		Count("ledger_skipped", sum.LedgerSkipped).
		Count("vanished", sum.Vanished).
		Bytes("bytes_before", sum.BytesBefore).
		Bytes("bytes_after", sum.BytesAfter).
		Bool("dry_run", sum.DryRun).
		Rate(sum.Visited).
		Log(msg)
	return sum, runErr
}

func (r *run) shardAddr(shard int) string {
	if shard < len(r.addrs) {
		return r.addrs[shard]
	}
	return ""
}

// walkShards walks shards concurrently, at most Workers at a time.
func (r *run) walkShards(ctx context.Context, shards int, sum *Summary) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	parts := make([]*Summary, shards)
	for shard := 0; shard < shards; shard++ {
		part := newSummary()
		parts[shard] = part
		g.Go(func() error {
			sctx := logctx.WithShard(gctx, shard, r.shardAddr(shard))
			return r.walkShard(sctx, shard, part, func(ctx context.Context, keys []string) (int64, error) {
				failed := part.Failed
				for _, key := range keys {
					if err := r.processKey(ctx, key, part); err != nil {
						return part.Failed - failed, err
					}
				}
				return part.Failed - failed, nil
			})
		})
	}
	err := g.Wait()
	for _, p := range parts {
		sum.merge(p)
	}
	return err
}

// walkPartitioned walks a single shard and splits each page across workers
// by key hash, so every key has exactly one owner.
func (r *run) walkPartitioned(ctx context.Context, sum *Summary) error {
	workers := r.opts.Workers
	parts := make([]*Summary, workers)
	for i := range parts {
		parts[i] = newSummary()
	}
	shardSum := newSummary()

	sctx := logctx.WithShard(ctx, 0, r.shardAddr(0))
	failedSoFar := func() int64 {
		var n int64
		for _, p := range parts {
			n += p.Failed
		}
		return n
	}
	err := r.walkShard(sctx, 0, shardSum, func(ctx context.Context, keys []string) (int64, error) {
		failed := failedSoFar()
		buckets := make([][]string, workers)
		for _, key := range keys {
			i := xxhash.Sum64String(key) % uint64(workers)
			buckets[i] = append(buckets[i], key)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i, bucket := range buckets {
			if len(bucket) == 0 {
				continue
			}
			part := parts[i]
			g.Go(func() error {
				wctx := logctx.WithInt(gctx, "worker", i)
				for _, key := range bucket {
					if err := r.processKey(wctx, key, part); err != nil {
						return err
					}
				}
				return nil
			})
		}
		err := g.Wait()
		return failedSoFar() - failed, err
	})

	sum.merge(shardSum)
	for _, p := range parts {
		sum.merge(p)
	}
	return err
}

// walkShard pages through one shard, handing each page to process and
// checkpointing the cursor once the page is done. process reports how many
// keys of the page failed. The checkpoint never moves past a page with
// failed keys, so a resumed run visits them again.
func (r *run) walkShard(ctx context.Context, shard int, sum *Summary, process func(context.Context, []string) (int64, error)) error {
	log := logctx.FromContext(ctx)

	cursor, done := r.cp.position(shard)
	if done {
		log.Info().Msg("shard already completed by an earlier run")
		sum.ShardsCompleted++
		return nil
	}
	if cursor != "" {
		log.Info().Str("cursor", cursor).Msg("resuming shard from checkpoint")
	}

	start := time.Now()
	var scanned int64
	held := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := r.store.Scan(ctx, shard, cursor, r.glob.String(), r.opts.ScanCount)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("scan shard %d: %w", shard, err)
		}
		failed, err := process(ctx, keys)
		if err != nil {
			return err
		}
		scanned += int64(len(keys))

		if failed > 0 && !held && r.cp != nil {
			held = true
			log.Warn().
				Str("cursor", cursor).
				Int64("failed", failed).
				Msg("keys failed; checkpoint held before this page")
		}
		if !held {
			if err := r.cp.advance(shard, next); err != nil {
				log.Warn().Err(err).Msg("checkpoint not saved")
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	sum.ShardsCompleted++
	logging.ShardComplete(log, "compact", time.Since(start)).
		Count("scanned", scanned).
		Rate(scanned).
		Log("shard finished")
	return nil
}

// processKey moves one key to a terminal state. A non-nil error is fatal
// for the run.
func (r *run) processKey(ctx context.Context, key string, sum *Summary) error {
	r.rate.Add(1)
	sum.Visited++
	ns := r.opts.Classifier.Classify(key)

	if r.opts.Exclude != nil && r.opts.Exclude.MatchString(key) {
		r.finish(sum, SkippedExcluded)
		return nil
	}
	if !r.glob.Match(key) {
		sum.Filtered++
		r.finish(sum, SkippedExcluded)
		return nil
	}

	if r.opts.Ledger != nil {
		done, err := r.opts.Ledger.Contains(key)
		if err != nil {
			return fmt.Errorf("ledger lookup %q: %w", key, err)
		}
		if done {
			sum.LedgerSkipped++
			r.opts.Metrics.key("ledger_skipped")
			return nil
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	val, ok, err := r.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kvstore.ErrKeyMissing) {
		return r.keyFailed(ctx, sum, ns, key, "get", err)
	}
	if !ok {
		r.vanished(ctx, sum, key)
		return nil
	}
	if IsCompressed(val) {
		r.finish(sum, AlreadyCompacted)
		return r.record(key)
	}

	ttl, err := r.opts.Policy.Resolve(key)
	if err != nil {
		switch {
		case r.opts.DefaultTTL > 0:
			ttl = r.opts.DefaultTTL
			sum.FallbackTTL++
			log := logctx.FromContext(ctx)
			log.Warn().
				Str("key", key).
				Dur("ttl", ttl).
				Msg("no ttl rule matched; applying default")
		case r.opts.FailOnNoPolicy:
			return fmt.Errorf("resolve ttl: %w", err)
		default:
			return r.keyFailed(ctx, sum, ns, key, "resolve ttl", err)
		}
	}

	compressed, err := r.comp.compress(val)
	if err != nil {
		return r.keyFailed(ctx, sum, ns, key, "compress", err)
	}

	if !r.opts.DryRun {
		if r.cas != nil {
			swapped, err := r.cas.CompareAndSet(ctx, key, val, compressed, ttl)
			if err != nil {
				return r.keyFailed(ctx, sum, ns, key, "compare and set", err)
			}
			if !swapped {
				return r.lostRace(ctx, sum, ns, key)
			}
		} else if err := r.store.Set(ctx, key, compressed, ttl); err != nil {
			return r.keyFailed(ctx, sum, ns, key, "set", err)
		}
	}

	sum.BytesBefore += int64(len(val))
	sum.BytesAfter += int64(len(compressed))
	t := sum.namespace(ns)
	t.Compacted++
	t.BytesBefore += int64(len(val))
	t.BytesAfter += int64(len(compressed))
	r.opts.Metrics.bytes(len(val), len(compressed))
	r.finish(sum, Compacted)

	r.sampled.Debug().
		Str("key", key).
		Int("bytes_before", len(val)).
		Int("bytes_after", len(compressed)).
		Float64("ratio", float64(len(compressed))/float64(max(1, len(val)))).
		Msg("compacted")

	return r.record(key)
}

// lostRace handles a compare-and-set that did not apply: another writer
// changed the value after it was read.
func (r *run) lostRace(ctx context.Context, sum *Summary, ns, key string) error {
	val, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return r.keyFailed(ctx, sum, ns, key, "re-read after conflict", err)
	}
	if !ok {
		r.vanished(ctx, sum, key)
		return nil
	}
	if IsCompressed(val) {
		r.finish(sum, AlreadyCompacted)
		return r.record(key)
	}
	sum.Conflicts++
	sum.namespace(ns).Failed++
	r.finish(sum, Failed)
	log := logctx.FromContext(ctx)
	log.Warn().Str("key", key).Msg("value changed during compaction; left for the next run")
	return nil
}

// keyFailed counts a per-key failure. Store outages and cancellation are
// returned as fatal.
func (r *run) keyFailed(ctx context.Context, sum *Summary, ns, key, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, kvstore.ErrStoreUnavailable) {
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
	sum.namespace(ns).Failed++
	r.finish(sum, Failed)
	log := logctx.FromContext(ctx)
	log.Warn().Err(err).Str("key", key).Str("op", op).Msg("key failed")
	return nil
}

func (r *run) vanished(ctx context.Context, sum *Summary, key string) {
	sum.Vanished++
	r.opts.Metrics.key("vanished")
	log := logctx.FromContext(ctx)
	log.Debug().Str("key", key).Msg("key vanished before it was read")
}

func (r *run) finish(sum *Summary, o Outcome) {
	sum.record(o)
	r.opts.Metrics.key(o.String())
}

// record appends key to the ledger. Dry runs record nothing.
func (r *run) record(key string) error {
	if r.opts.DryRun || r.opts.Ledger == nil {
		return nil
	}
	if err := r.opts.Ledger.Append(key); err != nil {
		return fmt.Errorf("record %q: %w", key, err)
	}
	return nil
}
