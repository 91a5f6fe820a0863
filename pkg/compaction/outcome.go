package compaction

import (
	"maps"
	"slices"
	"time"
)

// Outcome is the terminal state of one visited key.
type Outcome int

const (
	AlreadyCompacted Outcome = iota
	Compacted
	SkippedExcluded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case AlreadyCompacted:
		return "already_compacted"
	case Compacted:
		return "compacted"
	case SkippedExcluded:
		return "skipped_excluded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// NamespaceTally is the per-namespace share of a run.
type NamespaceTally struct {
	Compacted   int64 `json:"compacted"`
	Failed      int64 `json:"failed"`
	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`
}

// Summary counts what a run did. Every visited key lands in exactly one of
// the four outcome counts, LedgerSkipped or Vanished.
type Summary struct {
	Visited int64 `json:"visited"`

	AlreadyCompacted int64 `json:"already_compacted"`
	Compacted        int64 `json:"compacted"`
	SkippedExcluded  int64 `json:"skipped_excluded"`
	Failed           int64 `json:"failed"`

	// LedgerSkipped keys were finished by an earlier run.
	LedgerSkipped int64 `json:"ledger_skipped"`
	// Vanished keys disappeared between scan and read.
	Vanished int64 `json:"vanished"`
	// Conflicts are lost compare-and-set races (also counted as Failed).
	Conflicts int64 `json:"conflicts"`
	// FallbackTTL keys matched no rule and got the default TTL.
	FallbackTTL int64 `json:"fallback_ttl"`
	// Filtered keys were returned by Scan but did not match the glob
	// (also counted as SkippedExcluded).
	Filtered int64 `json:"filtered"`

	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`

	Namespaces map[string]*NamespaceTally `json:"namespaces"`

	ShardsCompleted int           `json:"shards_completed"`
	ShardsTotal     int           `json:"shards_total"`
	Resumed         bool          `json:"resumed"`
	DryRun          bool          `json:"dry_run"`
	Elapsed         time.Duration `json:"elapsed_ns"`
}

func newSummary() *Summary {
	return &Summary{Namespaces: make(map[string]*NamespaceTally)}
}

func (s *Summary) record(o Outcome) {
	switch o {
	case AlreadyCompacted:
		s.AlreadyCompacted++
	case Compacted:
		s.Compacted++
	case SkippedExcluded:
		s.SkippedExcluded++
	case Failed:
		s.Failed++
	}
}

func (s *Summary) namespace(ns string) *NamespaceTally {
	t, ok := s.Namespaces[ns]
	if !ok {
		t = &NamespaceTally{}
		s.Namespaces[ns] = t
	}
	return t
}

// Count returns the number of keys with outcome o.
func (s *Summary) Count(o Outcome) int64 {
	switch o {
	case AlreadyCompacted:
		return s.AlreadyCompacted
	case Compacted:
		return s.Compacted
	case SkippedExcluded:
		return s.SkippedExcluded
	case Failed:
		return s.Failed
	}
	return 0
}

// BytesSaved returns BytesBefore - BytesAfter.
func (s *Summary) BytesSaved() int64 {
	return s.BytesBefore - s.BytesAfter
}

// Ratio returns BytesAfter/BytesBefore, or 0 when nothing was compacted.
func (s *Summary) Ratio() float64 {
	if s.BytesBefore == 0 {
		return 0
	}
	return float64(s.BytesAfter) / float64(s.BytesBefore)
}

// NamespaceNames returns namespaces sorted by bytes saved, descending.
func (s *Summary) NamespaceNames() []string {
	names := slices.Sorted(maps.Keys(s.Namespaces))
	slices.SortStableFunc(names, func(a, b string) int {
		sa := s.Namespaces[a].BytesBefore - s.Namespaces[a].BytesAfter
		sb := s.Namespaces[b].BytesBefore - s.Namespaces[b].BytesAfter
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})
	return names
}

// merge folds a worker's summary into s.
func (s *Summary) merge(o *Summary) {
	s.Visited += o.Visited
	s.AlreadyCompacted += o.AlreadyCompacted
	s.Compacted += o.Compacted
	s.SkippedExcluded += o.SkippedExcluded
	s.Failed += o.Failed
	s.LedgerSkipped += o.LedgerSkipped
	s.Vanished += o.Vanished
	s.Conflicts += o.Conflicts
	s.FallbackTTL += o.FallbackTTL
	s.Filtered += o.Filtered
	s.BytesBefore += o.BytesBefore
	s.BytesAfter += o.BytesAfter
	s.ShardsCompleted += o.ShardsCompleted
	for ns, t := range o.Namespaces {
		dst := s.namespace(ns)
		dst.Compacted += t.Compacted
		dst.Failed += t.Failed
		dst.BytesBefore += t.BytesBefore
		dst.BytesAfter += t.BytesAfter
	}
}
