// Package report renders audit, compaction and TTL audit results as text,
// JSON or Parquet and delivers them to stdout, a local file or S3.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/eunmann/cache-audit/pkg/estimate"
	"github.com/eunmann/cache-audit/pkg/humanfmt"
	"github.com/parquet-go/parquet-go"
)

const minNamespaceWidth = 30

// WriteAuditText writes the namespace table followed by the totals.
func WriteAuditText(w io.Writer, rep *estimate.Report) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "Sampled %s unique keys (drew %s) of %s, fraction %g\n",
		humanfmt.Count(int64(rep.SampledKeys)), humanfmt.Count(int64(rep.Draws)),
		humanfmt.Count(rep.Population), rep.Fraction)
	if rep.ShortSample {
		fmt.Fprintf(bw, "Sample short of target: %s of %s keys; estimates are scaled from fewer keys\n",
			humanfmt.Count(int64(rep.SampledKeys)), humanfmt.Count(int64(rep.Target)))
	}
	if rep.UnmeasuredKeys > 0 {
		fmt.Fprintf(bw, "Unmeasured keys: %s\n", humanfmt.Count(rep.UnmeasuredKeys))
	}

	if rep.NoData {
		fmt.Fprintln(bw, "No memory usage data collected (total=0).")
		return bw.Flush()
	}

	width := minNamespaceWidth
	for _, r := range rep.Rows {
		width = max(width, len(r.Namespace))
	}

	fmt.Fprintln(bw)
	header := fmt.Sprintf("%-*s | %-12s | %-8s | %-12s | %-12s | %-12s",
		width, "Namespace", "Size", "%", "Est. # Keys", "Avg Size", "Max Size")
	fmt.Fprintln(bw, header)
	fmt.Fprintln(bw, strings.Repeat("-", len(header)))
	for _, r := range rep.Rows {
		fmt.Fprintf(bw, "%-*s | %-12s | %-8s | %-12s | %-12s | %-12s\n",
			width, r.Namespace,
			humanfmt.BytesFloat(r.ScaledBytes),
			humanfmt.Percent(r.Percent),
			humanfmt.Count(r.EstimatedKeys),
			humanfmt.BytesFloat(r.AvgBytes),
			humanfmt.Bytes(r.MaxBytes))
	}

	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "Total: %s\n", humanfmt.BytesFloat(rep.ScaledTotal))
	fmt.Fprintf(bw, "Estimated total keys: %s\n", humanfmt.Count(rep.Population))
	if rep.HiddenNamespaces > 0 {
		fmt.Fprintf(bw, "Hidden: %d namespaces, %s\n", rep.HiddenNamespaces, humanfmt.BytesFloat(rep.HiddenBytes))
	}
	return bw.Flush()
}

// WriteAuditJSON writes rep as indented JSON.
func WriteAuditJSON(w io.Writer, rep *estimate.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode audit report: %w", err)
	}
	return nil
}

// AuditRow is the Parquet schema of an audit report, one row per namespace.
type AuditRow struct {
	Namespace     string  `parquet:"namespace"`
	ScaledBytes   float64 `parquet:"scaled_bytes"`
	Percent       float64 `parquet:"percent"`
	EstimatedKeys int64   `parquet:"estimated_keys"`
	SampledKeys   int64   `parquet:"sampled_keys"`
	AvgBytes      float64 `parquet:"avg_bytes"`
	MaxBytes      int64   `parquet:"max_bytes"`
	Fraction      float64 `parquet:"fraction"`
}

// WriteAuditParquet writes the visible rows of rep as a Parquet file.
func WriteAuditParquet(w io.Writer, rep *estimate.Report) error {
	rows := make([]AuditRow, len(rep.Rows))
	for i, r := range rep.Rows {
		rows[i] = AuditRow{
			Namespace:     r.Namespace,
			ScaledBytes:   r.ScaledBytes,
			Percent:       r.Percent,
			EstimatedKeys: r.EstimatedKeys,
			SampledKeys:   r.SampledKeys,
			AvgBytes:      r.AvgBytes,
			MaxBytes:      r.MaxBytes,
			Fraction:      rep.Fraction,
		}
	}

	pw := parquet.NewGenericWriter[AuditRow](w)
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
