package worker

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of the background stacker's telemetry,
// rebuilt on every processed or dropped item and published to the frame
// state store.
type Status struct {
	Enabled bool `json:"enabled"`

	QueueDepth       int     `json:"queue_depth"`
	QueueCapacity    int     `json:"queue_capacity"`
	QueueFillPercent float64 `json:"queue_fill_percent"`
	PeakQueueDepth   int     `json:"peak_queue_depth"`
	PeakFillPercent  float64 `json:"peak_fill_percent"`

	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`

	LastQueueLatencyMs float64 `json:"last_queue_latency_ms"`
	AvgQueueLatencyMs  float64 `json:"avg_queue_latency_ms"`
	LastStackMs        float64 `json:"last_stack_ms"`
	AvgStackMs         float64 `json:"avg_stack_ms"`
	LastFilterMs       float64 `json:"last_filter_ms"`
	AvgFilterMs        float64 `json:"avg_filter_ms"`

	QueueMemoryBytes     int64 `json:"queue_memory_bytes"`
	PeakQueueMemoryBytes int64 `json:"peak_queue_memory_bytes"`

	// PressureLevel buckets the fill percentage: 0 below 50%, 1 below
	// 75%, 2 below 90%, 3 at or above.
	PressureLevel int `json:"pressure_level"`

	SecondsSinceLastFrame float64 `json:"seconds_since_last_frame"`
	GeneratedAt           time.Time `json:"generated_at"`
}

// telemetry aggregates the worker's running counters. It is written from
// the consumer loop and the producer's drop path while telemetry publishers
// read snapshots concurrently.
type telemetry struct {
	mu sync.Mutex

	processed uint64
	dropped   uint64

	queueLatSum time.Duration
	stackSum    time.Duration
	filterSum   time.Duration

	lastQueueLat time.Duration
	lastStack    time.Duration
	lastFilter   time.Duration

	peakMemory    int64
	lastCompleted time.Time
}

func (t *telemetry) recordProcessed(queueLat, stack, filter time.Duration, completedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	t.queueLatSum += queueLat
	t.stackSum += stack
	t.filterSum += filter
	t.lastQueueLat = queueLat
	t.lastStack = stack
	t.lastFilter = filter
	t.lastCompleted = completedAt
}

func (t *telemetry) recordDropped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped++
}

func (t *telemetry) observeMemory(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytes > t.peakMemory {
		t.peakMemory = bytes
	}
}

// resetPeaks clears the high-water marks without touching the counters.
func (t *telemetry) resetPeaks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peakMemory = 0
}

// snapshot assembles a Status from the counters plus the queue geometry the
// worker passes in.
func (t *telemetry) snapshot(depth, capacity, peakDepth int, frameBytes int64, enabled bool, now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		Enabled:       enabled,
		QueueDepth:    depth,
		QueueCapacity: capacity,
		Processed:     t.processed,
		Dropped:       t.dropped,
		GeneratedAt:   now,
	}
	if capacity > 0 {
		s.QueueFillPercent = float64(depth) / float64(capacity) * 100
		s.PeakFillPercent = float64(peakDepth) / float64(capacity) * 100
	}
	s.PeakQueueDepth = peakDepth
	s.QueueMemoryBytes = int64(depth) * frameBytes
	if mem := s.QueueMemoryBytes; mem > t.peakMemory {
		t.peakMemory = mem
	}
	s.PeakQueueMemoryBytes = t.peakMemory

	s.LastQueueLatencyMs = millis(t.lastQueueLat)
	s.LastStackMs = millis(t.lastStack)
	s.LastFilterMs = millis(t.lastFilter)
	if t.processed > 0 {
		n := time.Duration(t.processed)
		s.AvgQueueLatencyMs = millis(t.queueLatSum / n)
		s.AvgStackMs = millis(t.stackSum / n)
		s.AvgFilterMs = millis(t.filterSum / n)
	}

	s.PressureLevel = pressureLevel(s.QueueFillPercent)
	if !t.lastCompleted.IsZero() {
		s.SecondsSinceLastFrame = now.Sub(t.lastCompleted).Seconds()
	}
	return s
}

func pressureLevel(fillPct float64) int {
	switch {
	case fillPct < 50:
		return 0
	case fillPct < 75:
		return 1
	case fillPct < 90:
		return 2
	default:
		return 3
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
