// Package state is the frame state store: the last-known-good published
// frame, the last error, running state and the telemetry snapshots the
// diagnostics surface reads. The core publishes into it; HTTP and writers
// only ever read projections.
package state

import (
	"sync"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/filters"
	"skywatch/internal/frame"
	"skywatch/internal/worker"
)

// Store holds the externally visible pipeline state.
type Store struct {
	cfg *config.Manager

	mu            sync.RWMutex
	processed     *frame.ProcessedFrame
	raw           *frame.RawSnapshot
	lastError     string
	lastErrorAt   time.Time
	running       bool
	stackerStatus worker.Status
	filterMetrics filters.MetricsSnapshot

	subMu  sync.Mutex
	subs   map[int]chan *frame.ProcessedFrame
	nextID int
}

// New builds a store bound to the configuration manager so configuration
// reads go through one place.
func New(cfg *config.Manager) *Store {
	return &Store{
		cfg:  cfg,
		subs: make(map[int]chan *frame.ProcessedFrame),
	}
}

// Configuration returns the current configuration snapshot.
func (s *Store) Configuration() config.CameraConfiguration {
	return s.cfg.Snapshot()
}

// ConfigurationVersion returns the current configuration version.
func (s *Store) ConfigurationVersion() uint64 {
	return s.cfg.Version()
}

// UpdateFrame publishes a processed frame and its raw snapshot, replacing
// the previous pair, and notifies subscribers.
func (s *Store) UpdateFrame(raw *frame.RawSnapshot, processed *frame.ProcessedFrame) {
	s.mu.Lock()
	s.raw = raw
	s.processed = processed
	s.mu.Unlock()
	s.broadcast(processed)
}

// LatestFrame returns the most recent processed frame, or nil before the
// first publish.
func (s *Store) LatestFrame() *frame.ProcessedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed
}

// LatestRaw returns the most recent raw snapshot.
func (s *Store) LatestRaw() *frame.RawSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw
}

// SetLastError records the most recent failure; nil clears it.
func (s *Store) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
}

// LastError returns the recorded failure message and its time; empty when
// the pipeline is healthy.
func (s *Store) LastError() (string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError, s.lastErrorAt
}

// UpdateRunningState records whether the capture loop is active.
func (s *Store) UpdateRunningState(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Running reports whether the capture loop is active.
func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// UpdateStackerStatus stores the latest background stacker snapshot.
func (s *Store) UpdateStackerStatus(status worker.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stackerStatus = status
}

// StackerStatus returns the latest background stacker snapshot.
func (s *Store) StackerStatus() worker.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stackerStatus
}

// UpdateFilterMetrics stores the latest per-filter metrics snapshot.
func (s *Store) UpdateFilterMetrics(snap filters.MetricsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterMetrics = snap
}

// FilterMetrics returns the latest per-filter metrics snapshot.
func (s *Store) FilterMetrics() filters.MetricsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterMetrics
}

// Subscribe returns a channel receiving each published frame and an
// unsubscribe function. Slow subscribers miss frames rather than blocking
// the publisher.
func (s *Store) Subscribe() (<-chan *frame.ProcessedFrame, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan *frame.ProcessedFrame, 4)
	s.subs[id] = ch
	unsub := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	}
	return ch, unsub
}

func (s *Store) broadcast(processed *frame.ProcessedFrame) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- processed:
		default:
		}
	}
}
