package estimate

import (
	"context"
	"fmt"
	"time"

	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/namespace"
	"golang.org/x/sync/errgroup"
)

// Estimator measures sampled keys and aggregates them by namespace.
type Estimator struct {
	Store      kvstore.Store
	Classifier namespace.Classifier

	// Workers measures disjoint chunks of the sample in parallel. <= 1
	// measures sequentially.
	Workers int
}

// Estimate measures every key. Keys whose footprint is unavailable are
// counted as unmeasured; only context cancellation fails the call.
func (e *Estimator) Estimate(ctx context.Context, keys []string) (*Accumulator, error) {
	log := logging.WithPhase("estimate")
	start := time.Now()

	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(keys) {
		workers = max(1, len(keys))
	}

	parts := make([]*Accumulator, workers)
	chunk := (len(keys) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := min(w*chunk, len(keys))
		hi := min(lo+chunk, len(keys))
		acc := NewAccumulator()
		parts[w] = acc
		g.Go(func() error {
			return e.measure(gctx, keys[lo:hi], acc)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := parts[0]
	for _, p := range parts[1:] {
		total.Merge(p)
	}

	logging.PhaseComplete(log, "estimate", time.Since(start)).
		Count("measured", total.TotalCount()).
		Count("unmeasured", total.Unmeasured()).
		Int("namespaces", len(total.stats)).
		Bytes("sampled_bytes", total.TotalBytes()).
		Log("sample measured")
	return total, nil
}

func (e *Estimator) measure(ctx context.Context, keys []string, acc *Accumulator) error {
	log := logging.WithPhase("estimate")
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		ns := e.Classifier.Classify(key)
		n, ok, err := e.Store.MemoryUsage(ctx, key)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("measure %q: %w", key, ctxErr)
			}
			log.Debug().Err(err).Str("key", key).Msg("memory usage unavailable")
			acc.AddUnmeasured(ns)
		case !ok:
			acc.AddUnmeasured(ns)
		default:
			acc.Add(ns, n)
		}
	}
	return nil
}
