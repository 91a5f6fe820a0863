package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/eunmann/cache-audit/pkg/namespace"
	"github.com/eunmann/cache-audit/pkg/report"
	"github.com/eunmann/cache-audit/pkg/ttlaudit"
)

func runTTLAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ttl-audit", flag.ContinueOnError)
	common := registerCommon(fs)
	match := fs.String("match", "*", "glob pattern of keys to visit")
	count := fs.Int("count", ttlaudit.DefaultScanCount, "keys requested per SCAN page")
	limit := fs.Int64("limit", ttlaudit.DefaultLimit, "stop after visiting N keys (0 = no limit)")
	topN := fs.Int("top-ns", ttlaudit.DefaultTopN, "namespaces listed by key count")
	depth := fs.Int("depth", namespace.DefaultDepth, "key segments that form a namespace")
	out := fs.String("out", "-", "report destination: -, a local path or s3://bucket/key")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 1 {
		return errors.New("--count must be >= 1")
	}
	if *limit < 0 {
		return errors.New("--limit must be >= 0")
	}

	common.setupLogging()
	stopMetrics := common.serveMetrics(newRegistry())
	defer stopMetrics()

	store, err := common.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore(store)

	res, err := ttlaudit.Run(ctx, store, ttlaudit.Options{
		Match:      *match,
		ScanCount:  *count,
		Limit:      *limit,
		TopN:       *topN,
		Classifier: namespace.New(*depth),
	})
	if err != nil {
		return fmt.Errorf("ttl audit: %w", err)
	}

	return report.NewSink(*out).Write(ctx, report.FormatText, func(w io.Writer) error {
		return report.WriteTTLAuditText(w, res, *topN)
	})
}
