package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eunmann/cache-audit/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// DefaultRateInterval is how many keys pass between throughput log lines.
const DefaultRateInterval = 10000

// RateTracker counts processed keys and logs a keys/min line every
// interval keys. It is safe for concurrent use.
type RateTracker struct {
	interval  int64
	processed atomic.Int64
	startTime time.Time
	log       zerolog.Logger
	phase     string
	now       func() time.Time

	mu       sync.Mutex
	lastAt   time.Time
	lastSeen int64
}

// NewRateTracker creates a tracker. interval <= 0 uses DefaultRateInterval.
func NewRateTracker(phase string, interval int64, log zerolog.Logger) *RateTracker {
	if interval <= 0 {
		interval = DefaultRateInterval
	}
	start := time.Now()
	return &RateTracker{
		interval:  interval,
		startTime: start,
		lastAt:    start,
		log:       log,
		phase:     phase,
		now:       time.Now,
	}
}

// Add records n processed keys and reports whether a rate line was logged.
func (rt *RateTracker) Add(n int64) bool {
	total := rt.processed.Add(n)
	if total/rt.interval == (total-n)/rt.interval {
		return false
	}

	rt.mu.Lock()
	now := rt.now()
	window := now.Sub(rt.lastAt)
	windowKeys := total - rt.lastSeen
	rt.lastAt = now
	rt.lastSeen = total
	rt.mu.Unlock()

	e := rt.log.Info().
		Str("event", "progress").
		Str("phase", rt.phase).
		Int64("processed", total).
		Float64("keys_per_min", PerMinute(windowKeys, window)).
		Float64("overall_keys_per_min", PerMinute(total, now.Sub(rt.startTime)))
	if IsPrettyMode() {
		e = e.Str("processed_h", humanfmt.Count(total))
	}
	e.Msg("progress")
	return true
}

// Processed returns the number of keys recorded so far.
func (rt *RateTracker) Processed() int64 {
	return rt.processed.Load()
}

// Elapsed returns time since tracking started.
func (rt *RateTracker) Elapsed() time.Duration {
	return rt.now().Sub(rt.startTime)
}

// KeysPerMinute returns the average rate since tracking started.
func (rt *RateTracker) KeysPerMinute() float64 {
	return PerMinute(rt.processed.Load(), rt.Elapsed())
}

// PerMinute converts a count over d into a per-minute rate. A zero or
// negative duration yields 0.
func PerMinute(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Minutes()
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int64 adds an int64 field.
func (ce *CompletionEvent) Int64(key string, val int64) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Float64 adds a float64 field.
func (ce *CompletionEvent) Float64(key string, val float64) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bool adds a bool field.
func (ce *CompletionEvent) Bool(key string, val bool) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds byte count with optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, bytes int64) *CompletionEvent {
	ce.fields[key] = bytes
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Bytes(bytes)
	}
	return ce
}

// Count adds count with optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// Rate adds a keys_per_min field computed from n over the event's elapsed time.
func (ce *CompletionEvent) Rate(n int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields["keys_per_min"] = PerMinute(n, ce.elapsed)
	}
	return ce
}

// Log emits the completion event.
func (ce *CompletionEvent) Log(msg string) {
	e := ce.log.Info().
		Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// PhaseComplete logs a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}

// ShardComplete logs the end of one shard's scan.
func ShardComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "shard_completed", phase, elapsed)
}
