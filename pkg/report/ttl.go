package report

import (
	"bufio"
	"fmt"
	"io"

	"github.com/eunmann/cache-audit/pkg/ttlaudit"
)

// WriteTTLAuditText writes the TTL bucket counts, the topN namespaces by key
// count and the server expiry signals.
func WriteTTLAuditText(w io.Writer, res *ttlaudit.Result, topN int) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "Visited keys: %d\n", res.Visited)
	if res.Match != "" && res.Match != "*" {
		fmt.Fprintf(bw, "Match: %s\n", res.Match)
	}
	if res.StoppedEarly {
		fmt.Fprintf(bw, "(Stopped early at --limit %d)\n", res.Limit)
	}

	fmt.Fprintln(bw, "\nTTL buckets:")
	for _, b := range res.NonEmptyBuckets() {
		fmt.Fprintf(bw, "%12s: %d\n", b, res.Buckets[b])
	}
	fmt.Fprintf(bw, "Keys missing during scan (ttl=-2): %d\n", res.Missing)
	if res.TTLErrors > 0 {
		fmt.Fprintf(bw, "TTL lookup errors: %d\n", res.TTLErrors)
	}

	fmt.Fprintln(bw, "\nTop namespaces by COUNT:")
	for _, nc := range res.TopNamespaces(topN) {
		fmt.Fprintf(bw, "%s %d\n", nc.Namespace, nc.Keys)
	}

	if res.StatsAvailable {
		b, a, d := res.StatsBefore, res.StatsAfter, res.StatsDelta
		fmt.Fprintln(bw, "\nExpiry/eviction signals (server stats delta during scan):")
		fmt.Fprintf(bw, "expired_keys:  %d -> %d  (delta %d)\n", b.ExpiredKeys, a.ExpiredKeys, d.ExpiredKeys)
		fmt.Fprintf(bw, "evicted_keys:  %d -> %d  (delta %d)\n", b.EvictedKeys, a.EvictedKeys, d.EvictedKeys)
		fmt.Fprintf(bw, "hits:          %d -> %d  (delta %d)\n", b.KeyspaceHits, a.KeyspaceHits, d.KeyspaceHits)
		fmt.Fprintf(bw, "misses:        %d -> %d  (delta %d)\n", b.KeyspaceMisses, a.KeyspaceMisses, d.KeyspaceMisses)
	}
	return bw.Flush()
}
