package compaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes run progress to Prometheus.
type Metrics struct {
	Keys  *prometheus.CounterVec
	Bytes *prometheus.CounterVec
}

// NewMetrics registers the compaction counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Keys: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_audit_compaction_keys_total",
				Help: "Keys visited by compaction, by outcome",
			},
			[]string{"outcome"}, // the four outcomes plus ledger_skipped, vanished
		),
		Bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_audit_compaction_bytes_total",
				Help: "Payload bytes of compacted keys",
			},
			[]string{"stage"}, // before, after
		),
	}
}

func (m *Metrics) key(label string) {
	if m == nil {
		return
	}
	m.Keys.WithLabelValues(label).Inc()
}

func (m *Metrics) bytes(before, after int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues("before").Add(float64(before))
	m.Bytes.WithLabelValues("after").Add(float64(after))
}
