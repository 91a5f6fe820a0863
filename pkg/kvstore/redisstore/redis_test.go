package redisstore

import (
	"slices"
	"testing"
	"time"

	"github.com/eunmann/cache-audit/pkg/kvstore"
	"github.com/redis/go-redis/v9"
)

func TestParseInfoStats(t *testing.T) {
	info := "# Stats\r\n" +
		"total_connections_received:12\r\n" +
		"expired_keys:1500\r\n" +
		"evicted_keys:3\r\n" +
		"keyspace_hits:98765\r\n" +
		"keyspace_misses:4321\r\n" +
		"expired_stale_perc:0.00\r\n"

	got := parseInfoStats(info)
	want := kvstore.ServerStats{ExpiredKeys: 1500, EvictedKeys: 3, KeyspaceHits: 98765, KeyspaceMisses: 4321}
	if got != want {
		t.Errorf("parseInfoStats = %+v, want %+v", got, want)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	if pos, err := parseCursor(""); err != nil || pos != 0 {
		t.Errorf("parseCursor(\"\") = (%d, %v), want (0, nil)", pos, err)
	}
	if pos, err := parseCursor("1234"); err != nil || pos != 1234 {
		t.Errorf("parseCursor(1234) = (%d, %v)", pos, err)
	}
	if _, err := parseCursor("abc"); err == nil {
		t.Error("expected error for non-numeric cursor")
	}
	if formatCursor(0) != "" {
		t.Error("cursor 0 must mark the end of a shard")
	}
	if formatCursor(77) != "77" {
		t.Errorf("formatCursor(77) = %q", formatCursor(77))
	}
}

func TestMapTTL(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{-2, kvstore.TTLMissing},
		{-1, kvstore.TTLNoExpiry},
		{-2 * time.Millisecond, kvstore.TTLMissing},
		{-1 * time.Millisecond, kvstore.TTLNoExpiry},
		{1500 * time.Millisecond, 1500 * time.Millisecond},
		{0, 0},
	}
	for _, tt := range tests {
		if got := mapTTL(tt.in); got != tt.want {
			t.Errorf("mapTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrimaryAddrs(t *testing.T) {
	slots := []redis.ClusterSlot{
		{Start: 0, End: 5460, Nodes: []redis.ClusterNode{{Addr: "10.0.0.2:6379"}, {Addr: "10.0.0.5:6379"}}},
		{Start: 5461, End: 10922, Nodes: []redis.ClusterNode{{Addr: "10.0.0.1:6379"}}},
		{Start: 10923, End: 16383, Nodes: []redis.ClusterNode{{Addr: "10.0.0.2:6379"}}},
		{Start: 16000, End: 16001},
	}
	got := primaryAddrs(slots)
	want := []string{"10.0.0.1:6379", "10.0.0.2:6379"}
	if !slices.Equal(got, want) {
		t.Errorf("primaryAddrs = %v, want %v", got, want)
	}
}
