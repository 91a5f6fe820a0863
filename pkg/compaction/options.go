package compaction

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/eunmann/cache-audit/pkg/ledger"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/namespace"
	"github.com/eunmann/cache-audit/pkg/ttlpolicy"
	"github.com/hashicorp/go-multierror"
)

// Defaults used by DefaultOptions and the CLI.
const (
	DefaultScanCount      = 1000
	DefaultExcludePattern = "de-dupe"
	DefaultTTL            = 365 * 24 * time.Hour
)

// Options configures one compaction run.
type Options struct {
	// Match is a glob passed to Scan; only matching keys are visited.
	Match string

	// Exclude skips keys it matches anywhere. nil excludes nothing.
	Exclude *regexp.Regexp

	// Policy resolves each key's TTL. Required.
	Policy *ttlpolicy.Resolver

	// Ledger records finished keys. Required unless DryRun.
	Ledger ledger.Ledger

	// DefaultTTL is applied when no policy rule matches. 0 disables the
	// fallback.
	DefaultTTL time.Duration

	// FailOnNoPolicy aborts the run on an unmatched key instead of marking
	// it failed. Only consulted when DefaultTTL is 0.
	FailOnNoPolicy bool

	Codec Codec
	Level Level

	// Conditional uses compare-and-set when the store supports it.
	Conditional bool

	// DryRun reads and compresses but never writes values or ledger entries.
	DryRun bool

	// ScanCount is the page size hint passed to Scan.
	ScanCount int

	// Workers bounds parallelism: shards are walked concurrently, or, on a
	// single-shard store, each page is split across workers by key hash.
	Workers int

	// ProgressEvery logs keys/min after this many visited keys.
	ProgressEvery int64

	// MaxKeysPerSecond throttles store traffic. 0 means unlimited.
	MaxKeysPerSecond float64

	// CheckpointPath, when set, persists scan cursors after each page so an
	// interrupted run resumes mid-shard. Removed after a complete run.
	CheckpointPath string

	// Classifier groups per-namespace tallies in the summary.
	Classifier namespace.Classifier

	// Metrics is optional.
	Metrics *Metrics
}

// DefaultOptions returns options with the CLI defaults. Policy and Ledger
// still need to be set.
func DefaultOptions() Options {
	return Options{
		Match:         kvstore.MatchAll,
		Exclude:       regexp.MustCompile(DefaultExcludePattern),
		DefaultTTL:    DefaultTTL,
		Codec:         CodecGzip,
		Level:         LevelDefault,
		Conditional:   true,
		ScanCount:     DefaultScanCount,
		Workers:       1,
		ProgressEvery: logging.DefaultRateInterval,
		Classifier:    namespace.New(namespace.DefaultDepth),
	}
}

// Validate reports every invalid field.
func (o Options) Validate() error {
	var errs *multierror.Error
	if o.Policy == nil {
		errs = multierror.Append(errs, errors.New("ttl policy is required"))
	}
	if o.Ledger == nil && !o.DryRun {
		errs = multierror.Append(errs, errors.New("ledger is required unless dry run"))
	}
	if _, err := ParseCodec(string(o.Codec)); err != nil {
		errs = multierror.Append(errs, err)
	}
	if o.Level != "" {
		if _, err := ParseLevel(string(o.Level)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if _, err := kvstore.CompileGlob(o.Match); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("match: %w", err))
	}
	if o.DefaultTTL < 0 {
		errs = multierror.Append(errs, fmt.Errorf("default ttl must be >= 0, got %v", o.DefaultTTL))
	}
	if o.ScanCount < 1 {
		errs = multierror.Append(errs, fmt.Errorf("scan count must be >= 1, got %d", o.ScanCount))
	}
	if o.Workers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("workers must be >= 1, got %d", o.Workers))
	}
	if o.MaxKeysPerSecond < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max keys per second must be >= 0, got %v", o.MaxKeysPerSecond))
	}
	return errs.ErrorOrNil()
}
