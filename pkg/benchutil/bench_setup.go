package benchutil

import (
	"context"
	"os"
	"testing"

	"github.com/eunmann/cache-audit/pkg/kvstore"
)

// SkipIfNoLongBench skips the benchmark if CACHE_AUDIT_LONG_BENCH is not set.
// Use this to gate long-running benchmarks that shouldn't run by default.
func SkipIfNoLongBench(b *testing.B) {
	if os.Getenv("CACHE_AUDIT_LONG_BENCH") == "" {
		b.Skip("set CACHE_AUDIT_LONG_BENCH=1 to run scaling benchmark")
	}
}

// Load writes entries into store and returns their keys.
func Load(tb testing.TB, store kvstore.Store, entries []FakeEntry) []string {
	tb.Helper()
	ctx := context.Background()
	keys := make([]string, len(entries))
	for i, e := range entries {
		if err := store.Set(ctx, e.Key, e.Value, e.TTL); err != nil {
			tb.Fatalf("load %q: %v", e.Key, err)
		}
		keys[i] = e.Key
	}
	return keys
}
