package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateTracker_LogsEveryInterval(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	rt := NewRateTracker("compact", 100, log)
	base := rt.startTime
	calls := 0
	rt.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 30 * time.Second)
	}

	logged := 0
	for i := 0; i < 250; i++ {
		if rt.Add(1) {
			logged++
		}
	}
	if logged != 2 {
		t.Errorf("expected 2 progress lines for 250 keys at interval 100, got %d", logged)
	}
	if rt.Processed() != 250 {
		t.Errorf("expected processed=250, got %d", rt.Processed())
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	// 100 keys in a 30s window is 200 keys/min.
	if !strings.Contains(lines[0], `"keys_per_min":200`) {
		t.Errorf("expected keys_per_min=200, got: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"processed":200`) {
		t.Errorf("expected processed=200 on second line, got: %s", lines[1])
	}
}

func TestRateTracker_BatchCrossingInterval(t *testing.T) {
	var buf bytes.Buffer
	rt := NewRateTracker("compact", 10, zerolog.New(&buf))

	if rt.Add(9) {
		t.Error("no line expected below the interval")
	}
	if !rt.Add(5) {
		t.Error("expected a line when a batch crosses the interval")
	}
}

func TestRateTracker_DefaultInterval(t *testing.T) {
	rt := NewRateTracker("compact", 0, zerolog.Nop())
	if rt.interval != DefaultRateInterval {
		t.Errorf("expected default interval %d, got %d", DefaultRateInterval, rt.interval)
	}
}

func TestPerMinute(t *testing.T) {
	tests := []struct {
		n    int64
		d    time.Duration
		want float64
	}{
		{600, time.Minute, 600},
		{10000, 30 * time.Second, 20000},
		{5, 0, 0},
		{5, -time.Second, 0},
	}
	for _, tt := range tests {
		if got := PerMinute(tt.n, tt.d); got != tt.want {
			t.Errorf("PerMinute(%d, %v) = %v, want %v", tt.n, tt.d, got, tt.want)
		}
	}
}

func TestCompletionEvent_BasicFields(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	SetPrettyMode(false)

	ce := NewCompletionEvent(log, "test_event", "test_phase", 500*time.Millisecond)
	ce.Str("key", "value").
		Int("count", 42).
		Int64("big_count", 1000000).
		Bool("dry_run", true).
		Log("test message")

	output := buf.String()

	if !strings.Contains(output, `"event":"test_event"`) {
		t.Errorf("expected event field, got: %s", output)
	}
	if !strings.Contains(output, `"phase":"test_phase"`) {
		t.Errorf("expected phase field, got: %s", output)
	}
	if !strings.Contains(output, `"duration_ms":500`) {
		t.Errorf("expected duration_ms field, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected key field, got: %s", output)
	}
	if !strings.Contains(output, `"count":42`) {
		t.Errorf("expected count field, got: %s", output)
	}
	if !strings.Contains(output, `"dry_run":true`) {
		t.Errorf("expected dry_run field, got: %s", output)
	}
	if strings.Contains(output, `"duration_h"`) {
		t.Errorf("unexpected human field outside pretty mode: %s", output)
	}
}

func TestCompletionEvent_BytesAndCounts(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	SetPrettyMode(true)
	defer SetPrettyMode(false)

	ce := PhaseComplete(log, "compact", 1*time.Second)
	ce.Bytes("bytes_before", 1073741824).
		Count("keys", 1500000).
		Log("compaction finished")

	output := buf.String()

	if !strings.Contains(output, `"event":"phase_completed"`) {
		t.Errorf("expected phase_completed event, got: %s", output)
	}
	if !strings.Contains(output, `"bytes_before":1073741824`) {
		t.Errorf("expected raw bytes field, got: %s", output)
	}
	if !strings.Contains(output, `"bytes_before_h":"1.00 GiB"`) {
		t.Errorf("expected human bytes field, got: %s", output)
	}
	if !strings.Contains(output, `"keys_h":"1.50M"`) {
		t.Errorf("expected human count field, got: %s", output)
	}
}

func TestCompletionEvent_Rate(t *testing.T) {
	var buf bytes.Buffer
	SetPrettyMode(false)

	ShardComplete(zerolog.New(&buf), "compact", 2*time.Minute).
		Rate(1000).
		Log("shard done")

	output := buf.String()
	if !strings.Contains(output, `"event":"shard_completed"`) {
		t.Errorf("expected shard_completed event, got: %s", output)
	}
	if !strings.Contains(output, `"keys_per_min":500`) {
		t.Errorf("expected keys_per_min=500, got: %s", output)
	}
}

func TestCompletionEvent_RateZeroElapsed(t *testing.T) {
	var buf bytes.Buffer
	NewCompletionEvent(zerolog.New(&buf), "e", "p", 0).Rate(10).Log("m")
	if strings.Contains(buf.String(), "keys_per_min") {
		t.Errorf("expected no rate for zero elapsed, got: %s", buf.String())
	}
}
