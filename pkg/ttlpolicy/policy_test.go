package ttlpolicy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustRule(t *testing.T, pattern string, ttl time.Duration) Rule {
	t.Helper()
	r, err := NewRule(pattern, ttl)
	if err != nil {
		t.Fatalf("NewRule(%q): %v", pattern, err)
	}
	return r
}

func TestResolveMaxOverMatches(t *testing.T) {
	res, err := NewResolver([]Rule{
		mustRule(t, "user:", 1000*time.Millisecond),
		mustRule(t, "user:session:", 5000*time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ttl, err := res.Resolve("user:session:42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ttl != 5000*time.Millisecond {
		t.Errorf("Resolve(user:session:42) = %v, want 5s", ttl)
	}

	ttl, err = res.Resolve("user:profile:1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ttl != time.Second {
		t.Errorf("Resolve(user:profile:1) = %v, want 1s", ttl)
	}

	_, err = res.Resolve("order:1")
	if !errors.Is(err, ErrNoPolicyMatch) {
		t.Errorf("Resolve(order:1) error = %v, want ErrNoPolicyMatch", err)
	}
}

func TestResolveAnchorsAtKeyStart(t *testing.T) {
	res, err := NewResolver([]Rule{mustRule(t, "session:", time.Hour)})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := res.Resolve("user:session:1"); !errors.Is(err, ErrNoPolicyMatch) {
		t.Errorf("pattern must only match at key start, got err=%v", err)
	}
}

func TestMatchTieFirstRuleWins(t *testing.T) {
	res, err := NewResolver([]Rule{
		mustRule(t, "a:", time.Minute),
		mustRule(t, "a:b", time.Minute),
		mustRule(t, "z", time.Hour),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	idx, rule, err := res.Match("a:b:c")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if idx != 0 || rule.Pattern != "a:" {
		t.Errorf("Match = (%d, %q), want (0, \"a:\")", idx, rule.Pattern)
	}
}

func TestNewRuleValidation(t *testing.T) {
	if _, err := NewRule("(", time.Second); err == nil {
		t.Error("expected error for invalid regex")
	}
	if _, err := NewRule("a:", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
	if _, err := NewResolver(nil); err == nil {
		t.Error("expected error for empty rule set")
	}
	if _, err := NewResolver([]Rule{{Pattern: "x", TTL: time.Second}}); err == nil {
		t.Error("expected error for uncompiled rule")
	}
}

func TestRulesIsCopy(t *testing.T) {
	res, err := NewResolver([]Rule{mustRule(t, "a:", time.Second)})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	rules := res.Rules()
	rules[0].TTL = time.Hour
	if ttl, _ := res.Resolve("a:1"); ttl != time.Second {
		t.Errorf("resolver mutated through Rules(): ttl = %v", ttl)
	}
}

func TestParseJSON(t *testing.T) {
	in := `[{"regex": "user:", "ttl_ms": 1000}, {"regex": "user:session:", "ttl_ms": 5000}]`
	rules, err := Parse(strings.NewReader(in), FormatJSON)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[1].TTL != 5*time.Second {
		t.Errorf("rules[1].TTL = %v, want 5s", rules[1].TTL)
	}
}

func TestParseYAML(t *testing.T) {
	in := "- regex: \"cart:\"\n  ttl_ms: 60000\n- regex: \"cart:big:\"\n  ttl_ms: 120000\n"
	rules, err := Parse(strings.NewReader(in), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 2 || rules[0].TTL != time.Minute {
		t.Errorf("unexpected rules: %+v", rules)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty list", `[]`},
		{"bad json", `{`},
		{"empty regex", `[{"regex": "", "ttl_ms": 10}]`},
		{"bad regex", `[{"regex": "[", "ttl_ms": 10}]`},
		{"negative ttl", `[{"regex": "a", "ttl_ms": -1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.in), FormatJSON); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"ttl_data.json":        FormatJSON,
		"rules.yaml":           FormatYAML,
		"rules.YML":            FormatYAML,
		"s3://b/rules.yml":     FormatYAML,
		"rules":                FormatJSON,
		"/etc/cache/ttl.rules": FormatJSON,
	}
	for path, want := range tests {
		if got := DetectFormat(path); got != want {
			t.Errorf("DetectFormat(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestLoadLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttl_data.json")
	if err := os.WriteFile(path, []byte(`[{"regex": "a:", "ttl_ms": 250}]`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	res, err := Load(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ttl, err := res.Resolve("a:1"); err != nil || ttl != 250*time.Millisecond {
		t.Errorf("Resolve = (%v, %v), want 250ms", ttl, err)
	}
}

type fakeOpener struct {
	body string
	uri  string
}

func (f *fakeOpener) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	f.uri = uri
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestLoadFromS3(t *testing.T) {
	op := &fakeOpener{body: "- regex: \"x:\"\n  ttl_ms: 10\n"}
	res, err := Load(context.Background(), "s3://bucket/rules.yaml", op)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if op.uri != "s3://bucket/rules.yaml" {
		t.Errorf("opener got uri %q", op.uri)
	}
	if res.Len() != 1 {
		t.Errorf("Len() = %d, want 1", res.Len())
	}

	if _, err := Load(context.Background(), "s3://bucket/rules.yaml", nil); err == nil {
		t.Error("expected error without an S3 opener")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.json"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
