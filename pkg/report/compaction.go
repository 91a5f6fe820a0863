package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/eunmann/cache-audit/pkg/compaction"
	"github.com/eunmann/cache-audit/pkg/humanfmt"
	"github.com/eunmann/cache-audit/pkg/logging"
)

// WriteCompactionText writes the outcome counts of a run and the namespaces
// that saved the most bytes. topN <= 0 lists every namespace.
func WriteCompactionText(w io.Writer, sum *compaction.Summary, topN int) error {
	bw := bufio.NewWriter(w)

	title := "Compaction summary"
	if sum.DryRun {
		title += " (dry run, nothing written)"
	}
	fmt.Fprintln(bw, title)
	fmt.Fprintf(bw, "  shards:            %d/%d completed", sum.ShardsCompleted, sum.ShardsTotal)
	if sum.Resumed {
		fmt.Fprint(bw, " (resumed from checkpoint)")
	}
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "  visited:           %s\n", humanfmt.Count(sum.Visited))
	fmt.Fprintf(bw, "  compacted:         %s\n", humanfmt.Count(sum.Compacted))
	fmt.Fprintf(bw, "  already compacted: %s\n", humanfmt.Count(sum.AlreadyCompacted))
	fmt.Fprintf(bw, "  skipped excluded:  %s\n", humanfmt.Count(sum.SkippedExcluded))
	fmt.Fprintf(bw, "  failed:            %s\n", humanfmt.Count(sum.Failed))
	fmt.Fprintf(bw, "  ledger skipped:    %s\n", humanfmt.Count(sum.LedgerSkipped))
	fmt.Fprintf(bw, "  vanished:          %s\n", humanfmt.Count(sum.Vanished))
	if sum.Conflicts > 0 {
		fmt.Fprintf(bw, "  conflicts:         %s\n", humanfmt.Count(sum.Conflicts))
	}
	if sum.FallbackTTL > 0 {
		fmt.Fprintf(bw, "  default ttl used:  %s\n", humanfmt.Count(sum.FallbackTTL))
	}
	fmt.Fprintf(bw, "  bytes:             %s -> %s (saved %s, ratio %.2f)\n",
		humanfmt.Bytes(sum.BytesBefore), humanfmt.Bytes(sum.BytesAfter),
		humanfmt.Bytes(sum.BytesSaved()), sum.Ratio())
	fmt.Fprintf(bw, "  elapsed:           %s (%s)\n",
		humanfmt.Duration(sum.Elapsed),
		humanfmt.Rate(logging.PerMinute(sum.Visited, sum.Elapsed)))

	names := sum.NamespaceNames()
	if topN > 0 && len(names) > topN {
		names = names[:topN]
	}
	if len(names) > 0 {
		fmt.Fprintln(bw)
		fmt.Fprintf(bw, "%-30s | %-10s | %-8s | %-12s | %-12s\n", "Namespace", "Compacted", "Failed", "Before", "After")
		for _, ns := range names {
			t := sum.Namespaces[ns]
			fmt.Fprintf(bw, "%-30s | %-10s | %-8s | %-12s | %-12s\n", ns,
				humanfmt.Count(t.Compacted), humanfmt.Count(t.Failed),
				humanfmt.Bytes(t.BytesBefore), humanfmt.Bytes(t.BytesAfter))
		}
	}
	return bw.Flush()
}

// WriteCompactionJSON writes sum as indented JSON.
func WriteCompactionJSON(w io.Writer, sum *compaction.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("encode compaction summary: %w", err)
	}
	return nil
}
