package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/eunmann/cache-audit/pkg/compaction"
	"github.com/eunmann/cache-audit/pkg/ledger"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/membudget"
	"github.com/eunmann/cache-audit/pkg/namespace"
	"github.com/eunmann/cache-audit/pkg/report"
	"github.com/eunmann/cache-audit/pkg/s3io"
	"github.com/eunmann/cache-audit/pkg/ttlpolicy"
)

func runCompact(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	common := registerCommon(fs)
	rules := fs.String("rules", "", "TTL rule file (JSON or YAML), local path or s3://bucket/key")
	match := fs.String("match", "*", "glob pattern of keys to compact")
	exclude := fs.String("exclude", compaction.DefaultExcludePattern, "regexp of keys to skip (empty skips none)")
	ledgerPath := fs.String("ledger", "", "progress ledger path (file) or directory (badger)")
	ledgerBackend := fs.String("ledger-backend", ledger.BackendFile, "ledger backend: file or badger")
	defaultTTL := fs.Duration("default-ttl", compaction.DefaultTTL, "TTL for keys no rule matches (0 disables)")
	failOnNoPolicy := fs.Bool("fail-on-no-policy", false, "abort on a key no rule matches (with --default-ttl 0)")
	codec := fs.String("codec", string(compaction.CodecGzip), "compression codec: gzip or zstd")
	level := fs.String("level", string(compaction.LevelDefault), "compression level: fastest, default or better")
	unconditional := fs.Bool("unconditional", false, "write with plain SET even when compare-and-set is available")
	dryRun := fs.Bool("dry-run", false, "read and compress without writing values or ledger entries")
	scanCount := fs.Int("scan-count", compaction.DefaultScanCount, "keys requested per SCAN page")
	workers := fs.Int("workers", 1, "shards (or key partitions) compacted in parallel")
	progressEvery := fs.Int64("progress-every", logging.DefaultRateInterval, "log keys/min every N keys")
	maxRate := fs.Float64("max-keys-per-second", 0, "throttle key reads (0 = unlimited)")
	checkpoint := fs.String("checkpoint", "", "persist scan cursors here to resume mid-shard")
	depth := fs.Int("depth", namespace.DefaultDepth, "key segments that form a namespace")
	topN := fs.Int("top-ns", 20, "namespaces listed in the summary (0 = all)")
	out := fs.String("out", "-", "summary destination: -, a local path or s3://bucket/key")
	format := fs.String("format", "", "summary format: text or json (default: from --out extension)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *rules == "" {
		return errors.New("--rules is required")
	}
	if *ledgerPath == "" && !*dryRun {
		return errors.New("--ledger is required unless --dry-run is set")
	}
	if *ledgerBackend != ledger.BackendFile && *ledgerBackend != ledger.BackendBadger {
		return fmt.Errorf("unknown --ledger-backend %q (want file or badger)", *ledgerBackend)
	}
	cdc, err := compaction.ParseCodec(*codec)
	if err != nil {
		return err
	}
	lvl, err := compaction.ParseLevel(*level)
	if err != nil {
		return err
	}
	var excludeRe *regexp.Regexp
	if *exclude != "" {
		if excludeRe, err = regexp.Compile(*exclude); err != nil {
			return fmt.Errorf("invalid --exclude: %w", err)
		}
	}
	sink := report.NewSink(*out)
	fmtKind, err := report.ParseFormat(*format, *out)
	if err != nil {
		return err
	}
	if fmtKind == report.FormatParquet {
		return errors.New("compaction summaries support text or json only")
	}

	common.setupLogging()
	log := logging.L()

	var opener ttlpolicy.ObjectOpener
	if s3io.IsS3URI(*rules) {
		client, err := s3io.NewClient(ctx)
		if err != nil {
			return err
		}
		opener = client
	}
	policy, err := ttlpolicy.Load(ctx, *rules, opener)
	if err != nil {
		return err
	}
	log.Info().Str("rules", *rules).Int("count", policy.Len()).Msg("ttl rules loaded")

	reg := newRegistry()
	stopMetrics := common.serveMetrics(reg)
	defer stopMetrics()

	var led ledger.Ledger
	if !*dryRun {
		budget, err := common.budget()
		if err != nil {
			return err
		}
		led, err = openLedger(*ledgerBackend, *ledgerPath, budget)
		if err != nil {
			return err
		}
		defer func() {
			if err := led.Close(); err != nil {
				log.Error().Err(err).Msg("close ledger")
			}
		}()
		log.Info().
			Str("ledger", *ledgerPath).
			Str("backend", *ledgerBackend).
			Int("entries", led.Len()).
			Msg("ledger opened")
	}

	store, err := common.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore(store)

	opts := compaction.Options{
		Match:            *match,
		Exclude:          excludeRe,
		Policy:           policy,
		Ledger:           led,
		DefaultTTL:       *defaultTTL,
		FailOnNoPolicy:   *failOnNoPolicy,
		Codec:            cdc,
		Level:            lvl,
		Conditional:      !*unconditional,
		DryRun:           *dryRun,
		ScanCount:        *scanCount,
		Workers:          *workers,
		ProgressEvery:    *progressEvery,
		MaxKeysPerSecond: *maxRate,
		CheckpointPath:   *checkpoint,
		Classifier:       namespace.New(*depth),
		Metrics:          compaction.NewMetrics(reg),
	}

	sum, runErr := compaction.New(store).Run(ctx, opts)
	if sum == nil {
		return runErr
	}

	// Report partial progress even when the run stopped early. The summary
	// is written with a fresh context so an interrupt does not drop it.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	writeErr := sink.Write(writeCtx, fmtKind, func(w io.Writer) error {
		if fmtKind == report.FormatJSON {
			return report.WriteCompactionJSON(w, sum)
		}
		return report.WriteCompactionText(w, sum, *topN)
	})

	if runErr != nil {
		return fmt.Errorf("compaction: %w", runErr)
	}
	return writeErr
}

func openLedger(backend, path string, budget membudget.Budget) (ledger.Ledger, error) {
	switch backend {
	case ledger.BackendBadger:
		l, err := ledger.OpenBadger(path, ledger.BadgerOptions{SyncWrites: true})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return l, nil
	default:
		l, err := ledger.OpenFile(path, ledger.FileOptions{MemoryLimit: budget.LedgerBytes()})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return l, nil
	}
}
