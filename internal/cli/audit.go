package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"regexp"

	"github.com/eunmann/cache-audit/pkg/estimate"
	"github.com/eunmann/cache-audit/pkg/logging"
	"github.com/eunmann/cache-audit/pkg/namespace"
	"github.com/eunmann/cache-audit/pkg/report"
	"github.com/eunmann/cache-audit/pkg/sampler"
)

func runAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	common := registerCommon(fs)
	fraction := fs.Float64("fraction", sampler.DefaultFraction, "fraction of the keyspace to sample, in (0, 1]")
	multiplier := fs.Int("max-draw-multiplier", sampler.DefaultMaxDrawMultiplier, "give up after target*N random draws")
	workers := fs.Int("workers", 1, "parallel MEMORY USAGE workers")
	depth := fs.Int("depth", namespace.DefaultDepth, "key segments that form a namespace")
	hide := fs.String("hide", estimate.DefaultHidePattern, "regexp of namespaces left out of the table (empty hides none)")
	out := fs.String("out", "-", "report destination: -, a local path or s3://bucket/key")
	format := fs.String("format", "", "report format: text, json or parquet (default: from --out extension)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := sampler.Config{Fraction: *fraction, MaxDrawMultiplier: *multiplier}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sampling flags: %w", err)
	}
	if *depth < 1 {
		return errors.New("--depth must be >= 1")
	}
	var hideRe *regexp.Regexp
	if *hide != "" {
		re, err := regexp.Compile(*hide)
		if err != nil {
			return fmt.Errorf("invalid --hide: %w", err)
		}
		hideRe = re
	}
	sink := report.NewSink(*out)
	fmtKind, err := report.ParseFormat(*format, *out)
	if err != nil {
		return err
	}

	common.setupLogging()
	stopMetrics := common.serveMetrics(newRegistry())
	defer stopMetrics()

	store, err := common.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore(store)

	sample, err := sampler.Sample(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("sample keys: %w", err)
	}
	if sample.Short() {
		logging.L().Warn().
			Int("target", sample.Target).
			Int("collected", len(sample.Keys)).
			Msg("sample is smaller than requested; estimates are scaled from fewer keys")
	}

	est := &estimate.Estimator{
		Store:      store,
		Classifier: namespace.New(*depth),
		Workers:    *workers,
	}
	acc, err := est.Estimate(ctx, sample.Keys)
	if err != nil {
		return fmt.Errorf("estimate memory: %w", err)
	}

	rep := estimate.BuildReport(acc, estimate.ReportOptions{
		Fraction:    *fraction,
		Hide:        hideRe,
		Population:  sample.Population,
		Target:      sample.Target,
		SampledKeys: len(sample.Keys),
		Draws:       sample.Draws,
	})

	return sink.Write(ctx, fmtKind, func(w io.Writer) error {
		switch fmtKind {
		case report.FormatJSON:
			return report.WriteAuditJSON(w, rep)
		case report.FormatParquet:
			return report.WriteAuditParquet(w, rep)
		default:
			return report.WriteAuditText(w, rep)
		}
	})
}
