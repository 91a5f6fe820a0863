// Package sampler draws a bounded random sample of distinct keys from a
// store using its random-key primitive.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/hashicorp/go-multierror"
)

// Defaults used by the CLI.
const (
	DefaultFraction          = 0.01
	DefaultMaxDrawMultiplier = 20
)

// Config controls sample size and the draw budget.
type Config struct {
	// Fraction of the population to sample, in (0, 1].
	Fraction float64

	// MaxDrawMultiplier bounds draws to Target*MaxDrawMultiplier, so
	// duplicate-heavy or shrinking keyspaces still terminate.
	MaxDrawMultiplier int
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() Config {
	return Config{Fraction: DefaultFraction, MaxDrawMultiplier: DefaultMaxDrawMultiplier}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs *multierror.Error
	if !(c.Fraction > 0 && c.Fraction <= 1) {
		errs = multierror.Append(errs, fmt.Errorf("fraction must be in (0, 1], got %v", c.Fraction))
	}
	if c.MaxDrawMultiplier < 1 {
		errs = multierror.Append(errs, fmt.Errorf("max draw multiplier must be >= 1, got %d", c.MaxDrawMultiplier))
	}
	return errs.ErrorOrNil()
}

// Result is the sample set plus how it was obtained.
type Result struct {
	// Keys are distinct, in draw order.
	Keys []string

	Population int64
	Target     int
	MaxDraws   int
	Draws      int
	EmptyDraws int
	DrawErrors int
	Elapsed    time.Duration
}

// Short reports whether the draw budget ran out before Target keys were
// collected.
func (r *Result) Short() bool {
	return len(r.Keys) < r.Target
}

// TargetSize returns max(1, round(population*fraction)).
func TargetSize(population int64, fraction float64) int {
	n := int(math.Round(float64(population) * fraction))
	if n < 1 {
		return 1
	}
	return n
}

// Sample draws random keys until Target distinct keys are collected or
// MaxDraws draws were made. Empty draws and draw errors consume the budget
// but never abort the run; only a population failure or a done context
// does.
func Sample(ctx context.Context, store kvstore.Store, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sampler config: %w", err)
	}
	log := logging.WithPhase("sample")
	start := time.Now()

	pop, err := store.PopulationSize(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: population size: %v", kvstore.ErrStoreUnavailable, err)
	}

	res := &Result{Population: pop}
	res.Target = TargetSize(pop, cfg.Fraction)
	res.MaxDraws = res.Target * cfg.MaxDrawMultiplier

	log.Info().
		Int64("population", pop).
		Float64("fraction", cfg.Fraction).
		Int("target", res.Target).
		Int("max_draws", res.MaxDraws).
		Msg("sampling keyspace")

	seen := make(map[string]struct{}, res.Target)
	for len(res.Keys) < res.Target && res.Draws < res.MaxDraws {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Draws++

		key, ok, err := store.RandomKey(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return res, ctxErr
				}
			}
			res.DrawErrors++
			log.Debug().Err(err).Int("draw", res.Draws).Msg("random key draw failed")
			continue
		}
		if !ok {
			res.EmptyDraws++
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		res.Keys = append(res.Keys, key)
	}
	res.Elapsed = time.Since(start)

	if res.Short() {
		log.Warn().
			Int("collected", len(res.Keys)).
			Int("target", res.Target).
			Int("draws", res.Draws).
			Int("empty_draws", res.EmptyDraws).
			Int("draw_errors", res.DrawErrors).
			Msg("draw budget exhausted before reaching target sample size")
	}

	logging.PhaseComplete(log, "sample", res.Elapsed).
		Count("keys", int64(len(res.Keys))).
		Int("draws", res.Draws).
		Int("draw_errors", res.DrawErrors).
		Log("sample collected")
	return res, nil
}
