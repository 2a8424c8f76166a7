package filters

import (
	"sort"
	"sync"
	"time"
)

// FilterMetric is the per-filter slice of a metrics snapshot.
type FilterMetric struct {
	Name        string        `json:"name"`
	Applied     uint64        `json:"applied"`
	Errors      uint64        `json:"errors"`
	Last        time.Duration `json:"last_ns"`
	Average     time.Duration `json:"average_ns"`
	LastMillis  float64       `json:"last_ms"`
	AvgMillis   float64       `json:"average_ms"`
	LastApplied time.Time     `json:"last_applied"`
}

// MetricsSnapshot is a point-in-time view of the pipeline's per-filter
// telemetry, safe to serialize for the diagnostics surface.
type MetricsSnapshot struct {
	Filters     []FilterMetric `json:"filters"`
	GeneratedAt time.Time      `json:"generated_at"`
}

type filterStats struct {
	applied     uint64
	errors      uint64
	last        time.Duration
	total       time.Duration
	lastApplied time.Time
}

// Metrics aggregates per-filter timings. It is written by the pipeline on
// the consumer path and read concurrently by telemetry publishers.
type Metrics struct {
	mu    sync.Mutex
	stats map[string]*filterStats
}

// NewMetrics returns an empty aggregate.
func NewMetrics() *Metrics {
	return &Metrics{stats: make(map[string]*filterStats)}
}

// Record adds one filter invocation.
func (m *Metrics) Record(name string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[name]
	if !ok {
		st = &filterStats{}
		m.stats[name] = st
	}
	st.applied++
	if failed {
		st.errors++
	}
	st.last = d
	st.total += d
	st.lastApplied = time.Now()
}

// Snapshot returns the current per-filter metrics, sorted by name.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{GeneratedAt: time.Now()}
	for name, st := range m.stats {
		avg := time.Duration(0)
		if st.applied > 0 {
			avg = st.total / time.Duration(st.applied)
		}
		snap.Filters = append(snap.Filters, FilterMetric{
			Name:        name,
			Applied:     st.applied,
			Errors:      st.errors,
			Last:        st.last,
			Average:     avg,
			LastMillis:  float64(st.last) / float64(time.Millisecond),
			AvgMillis:   float64(avg) / float64(time.Millisecond),
			LastApplied: st.lastApplied,
		})
	}
	sort.Slice(snap.Filters, func(i, j int) bool {
		return snap.Filters[i].Name < snap.Filters[j].Name
	})
	return snap
}

// Reset clears all aggregates.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*filterStats)
}
