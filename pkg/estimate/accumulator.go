// Package estimate aggregates sampled key footprints per namespace and
// scales them to whole-keyspace estimates.
package estimate

import (
	"maps"
	"slices"
)

// NamespaceStats holds the measured footprint of one namespace's sampled keys.
type NamespaceStats struct {
	Count      int64
	TotalBytes int64
	MaxBytes   int64
}

// AvgBytes returns TotalBytes/Count, or 0 for an empty namespace.
func (s NamespaceStats) AvgBytes() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalBytes) / float64(s.Count)
}

// Accumulator collects per-namespace stats for one job or worker. It is not
// safe for concurrent use; parallel workers each own one and Merge them.
type Accumulator struct {
	stats      map[string]*NamespaceStats
	unmeasured map[string]int64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		stats:      make(map[string]*NamespaceStats),
		unmeasured: make(map[string]int64),
	}
}

// Add records one measured key.
func (a *Accumulator) Add(ns string, bytes int64) {
	s, ok := a.stats[ns]
	if !ok {
		s = &NamespaceStats{}
		a.stats[ns] = s
	}
	s.Count++
	s.TotalBytes += bytes
	if bytes > s.MaxBytes {
		s.MaxBytes = bytes
	}
}

// AddUnmeasured records a sampled key whose footprint could not be read.
// It is excluded from every aggregate.
func (a *Accumulator) AddUnmeasured(ns string) {
	a.unmeasured[ns]++
}

// Merge folds other into a: counts and bytes sum, maxima take the larger.
func (a *Accumulator) Merge(other *Accumulator) {
	for ns, o := range other.stats {
		s, ok := a.stats[ns]
		if !ok {
			cp := *o
			a.stats[ns] = &cp
			continue
		}
		s.Count += o.Count
		s.TotalBytes += o.TotalBytes
		if o.MaxBytes > s.MaxBytes {
			s.MaxBytes = o.MaxBytes
		}
	}
	for ns, n := range other.unmeasured {
		a.unmeasured[ns] += n
	}
}

// Namespaces returns a copy of the per-namespace stats.
func (a *Accumulator) Namespaces() map[string]NamespaceStats {
	out := make(map[string]NamespaceStats, len(a.stats))
	for ns, s := range a.stats {
		out[ns] = *s
	}
	return out
}

// Stats returns the stats of one namespace.
func (a *Accumulator) Stats(ns string) (NamespaceStats, bool) {
	s, ok := a.stats[ns]
	if !ok {
		return NamespaceStats{}, false
	}
	return *s, true
}

// NamespaceNames returns the measured namespaces in sorted order.
func (a *Accumulator) NamespaceNames() []string {
	return slices.Sorted(maps.Keys(a.stats))
}

// TotalBytes sums measured bytes over all namespaces.
func (a *Accumulator) TotalBytes() int64 {
	var total int64
	for _, s := range a.stats {
		total += s.TotalBytes
	}
	return total
}

// TotalCount sums measured keys over all namespaces.
func (a *Accumulator) TotalCount() int64 {
	var total int64
	for _, s := range a.stats {
		total += s.Count
	}
	return total
}

// Unmeasured returns how many sampled keys could not be measured.
func (a *Accumulator) Unmeasured() int64 {
	var total int64
	for _, n := range a.unmeasured {
		total += n
	}
	return total
}
