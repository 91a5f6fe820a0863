package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eunmann/cache-audit/pkg/compaction"
	"github.com/eunmann/cache-audit/pkg/estimate"
	"github.com/eunmann/cache-audit/pkg/kvstore/badgerstore"
)

func TestRunNoArgs(t *testing.T) {
	err := Run(nil)
	if err == nil {
		t.Fatal("expected error with no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage message, got: %v", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := Run([]string{"unknown"})
	if err == nil {
		t.Fatal("expected error with unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got: %v", err)
	}
}

func TestFlagErrors(t *testing.T) {
	t.Setenv(EnvAddr, "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"compact_missing_rules", []string{"compact", "--ledger", "l.txt"}, "--rules"},
		{"compact_missing_ledger", []string{"compact", "--rules", "r.json"}, "--ledger"},
		{"compact_bad_ledger_backend", []string{"compact", "--rules", "r.json", "--ledger", "l", "--ledger-backend", "sqlite"}, "--ledger-backend"},
		{"compact_bad_codec", []string{"compact", "--rules", "r.json", "--dry-run", "--codec", "lz4"}, "codec"},
		{"compact_parquet_summary", []string{"compact", "--rules", "r.json", "--dry-run", "--out", "s.parquet"}, "text or json"},
		{"audit_bad_fraction", []string{"audit", "--fraction", "0"}, "fraction"},
		{"audit_bad_hide", []string{"audit", "--hide", "("}, "--hide"},
		{"audit_bad_format", []string{"audit", "--format", "xml"}, "format"},
		{"redis_missing_addr", []string{"ttl-audit"}, "--addr"},
		{"badger_missing_dir", []string{"ttl-audit", "--backend", "badger"}, "--badger-dir"},
		{"unknown_backend", []string{"ttl-audit", "--backend", "etcd"}, "unknown backend"},
		{"bad_memory_budget", []string{"ttl-audit", "--backend", "badger", "--badger-dir", "unused", "--memory-budget", "4XB"}, "--memory-budget"},
		{"ttl_bad_count", []string{"ttl-audit", "--count", "0"}, "--count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Run(tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestResolveSetting(t *testing.T) {
	t.Setenv(EnvAddr, "env-host:6379")

	if got := resolveSetting("flag-host:6379", EnvAddr); got != "flag-host:6379" {
		t.Errorf("flag should take priority, got %q", got)
	}
	if got := resolveSetting("", EnvAddr); got != "env-host:6379" {
		t.Errorf("env fallback = %q", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:1, b:2,,c:3 ")
	if strings.Join(got, "|") != "a:1|b:2|c:3" {
		t.Errorf("splitList = %q", got)
	}
}

func TestMemoryBackendAudit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "audit.txt")
	if err := Run([]string{"audit", "--backend", "memory", "--out", out}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "No memory usage data collected") {
		t.Errorf("report = %s", data)
	}
}

// seedBadger writes n uncompressed JSON values and one de-dupe key.
func seedBadger(t *testing.T, dir string, n int) {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.Config{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("user:profile:%03d", i)
		val := strings.Repeat(`{"name":"someone","plan":"free"}`, 30)
		if err := s.Set(ctx, key, []byte(val), 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, "svc:de-dupe:1", []byte("marker"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeRules(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.yaml")
	rules := "- regex: \"user:\"\n  ttl_ms: 3600000\n"
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBadgerEndToEnd(t *testing.T) {
	tmp := t.TempDir()
	dbDir := filepath.Join(tmp, "db")
	seedBadger(t, dbDir, 30)
	rules := writeRules(t, tmp)
	ledgerPath := filepath.Join(tmp, "ledger.txt")
	summaryPath := filepath.Join(tmp, "summary.json")

	compact := []string{"compact",
		"--backend", "badger", "--badger-dir", dbDir,
		"--rules", rules,
		"--ledger", ledgerPath,
		"--scan-count", "7",
		"--out", summaryPath,
	}
	if err := Run(compact); err != nil {
		t.Fatalf("first compaction: %v", err)
	}
	sum := readSummary(t, summaryPath)
	if sum.Compacted != 30 || sum.SkippedExcluded != 1 || sum.Failed != 0 {
		t.Errorf("first run = %+v", sum)
	}

	if err := Run(compact); err != nil {
		t.Fatalf("second compaction: %v", err)
	}
	sum = readSummary(t, summaryPath)
	if sum.Compacted != 0 || sum.LedgerSkipped != 30 {
		t.Errorf("second run = %+v", sum)
	}

	s, err := badgerstore.Open(badgerstore.Config{Path: dbDir})
	if err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.Get(context.Background(), "user:profile:007")
	if err != nil || !ok || !compaction.IsCompressed(val) {
		t.Errorf("value not compacted: ok=%v err=%v", ok, err)
	}
	marker, _, _ := s.Get(context.Background(), "svc:de-dupe:1")
	if string(marker) != "marker" {
		t.Errorf("excluded key rewritten: %q", marker)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	ttlOut := filepath.Join(tmp, "ttl.txt")
	if err := Run([]string{"ttl-audit", "--backend", "badger", "--badger-dir", dbDir, "--out", ttlOut}); err != nil {
		t.Fatalf("ttl-audit: %v", err)
	}
	data, err := os.ReadFile(ttlOut)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Visited keys: 31", "<1d: 30", "no-ttl(-1): 1", "user:profile: 30"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("ttl report missing %q:\n%s", want, data)
		}
	}

	auditOut := filepath.Join(tmp, "audit.json")
	if err := Run([]string{"audit", "--backend", "badger", "--badger-dir", dbDir, "--fraction", "1", "--out", auditOut}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	raw, err := os.ReadFile(auditOut)
	if err != nil {
		t.Fatal(err)
	}
	var rep estimate.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.NoData || len(rep.Rows) == 0 || rep.Rows[0].Namespace != "user:profile:" {
		t.Errorf("audit report = %+v", rep)
	}
}

func TestDryRunNeedsNoLedger(t *testing.T) {
	tmp := t.TempDir()
	dbDir := filepath.Join(tmp, "db")
	seedBadger(t, dbDir, 5)
	out := filepath.Join(tmp, "summary.txt")

	err := Run([]string{"compact",
		"--backend", "badger", "--badger-dir", dbDir,
		"--rules", writeRules(t, tmp),
		"--dry-run",
		"--out", out,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "dry run") || !strings.Contains(string(data), "compacted:         5") {
		t.Errorf("summary = %s", data)
	}
}

func readSummary(t *testing.T, path string) compaction.Summary {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var sum compaction.Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		t.Fatal(err)
	}
	return sum
}
