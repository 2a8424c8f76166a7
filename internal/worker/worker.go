// Package worker decouples the capture cadence from stacking and filtering
// cost. A bounded queue sits between the capture producer and a single
// consumer loop; overflow policy, adaptive capacity and telemetry live here.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/filters"
	"skywatch/internal/frame"
	"skywatch/internal/logging"
	"skywatch/internal/metric"
	"skywatch/internal/stacker"
	"skywatch/internal/storage"
)

// Publisher is the slice of the frame state store the worker writes to.
type Publisher interface {
	UpdateFrame(raw *frame.RawSnapshot, processed *frame.ProcessedFrame)
	UpdateStackerStatus(status Status)
	UpdateFilterMetrics(snap filters.MetricsSnapshot)
	SetLastError(err error)
}

// History records per-frame telemetry rows. Implemented by *storage.Store.
type History interface {
	RecordFrame(rec storage.FrameRecord) error
	RecordError(stage, message string) error
}

// Options wires a Worker.
type Options struct {
	Stacker   stacker.Accumulator
	Pipeline  *filters.Pipeline
	Publisher Publisher
	History   History
	Metrics   *metric.Metrics
	Log       *slog.Logger
	Config    config.CameraConfiguration
	SessionID string

	// Now is the clock; tests override it.
	Now func() time.Time
	// SampleInterval is how often the adaptive controller samples fill.
	SampleInterval time.Duration
}

// Worker owns the bounded queue and the consumer loop.
type Worker struct {
	stack     stacker.Accumulator
	pipeline  *filters.Pipeline
	publisher Publisher
	history   History
	prom      *metric.Metrics
	log       *slog.Logger
	now       func() time.Time
	sessionID string

	sampleInterval time.Duration

	mu          sync.Mutex
	queue       *workQueue
	queueClosed bool
	policy      string
	enabled     bool
	restart     time.Duration
	controller  *capacityController
	adaptive    config.AdaptiveConfig
	lastCfg     config.CameraConfiguration
	frameBytes  int64

	telemetry telemetry
}

// New builds a worker from the initial configuration snapshot. The queue is
// created immediately when the worker is enabled so producers can enqueue
// before Run starts.
func New(opts Options) *Worker {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	w := &Worker{
		stack:          opts.Stacker,
		pipeline:       opts.Pipeline,
		publisher:      opts.Publisher,
		history:        opts.History,
		prom:           opts.Metrics,
		log:            opts.Log,
		now:            opts.Now,
		sessionID:      opts.SessionID,
		sampleInterval: opts.SampleInterval,
	}
	w.lastCfg = opts.Config
	w.frameBytes = opts.Config.FrameBytes()
	w.applyLocked(opts.Config)
	return w
}

// Enabled reports whether background stacking is currently on.
func (w *Worker) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled && w.queue != nil
}

// Enqueue admits a work item under the configured overflow policy. It
// returns false when the worker is disabled or shutting down; the caller
// falls back to inline processing in that case.
func (w *Worker) Enqueue(item *WorkItem) bool {
	w.mu.Lock()
	q := w.queue
	policy := w.policy
	enabled := w.enabled
	w.mu.Unlock()

	if !enabled || q == nil {
		return false
	}

	switch policy {
	case config.OverflowDropOldest:
		evicted, ok := q.enqueueDropOldest(item)
		for _, ev := range evicted {
			w.dropItem(ev, "queue_evicted", nil)
		}
		if len(evicted) > 0 {
			w.maybeShrinkAfterDrop()
		}
		w.observeQueue()
		return ok
	default: // config.OverflowWait
		ok := q.enqueueWait(item)
		if ok {
			w.observeQueue()
		}
		return ok
	}
}

// Run drives the consumer loop until ctx is cancelled. A failing iteration
// never stops the loop; an unexpected consumer fault restarts it after the
// configured delay. On shutdown all pending items are drained, released and
// counted as dropped.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		q := w.queue
		w.mu.Unlock()
		if q != nil {
			q.close()
		}
	})
	defer stop()

	go w.sampleLoop(ctx)

	for {
		err := w.consume(ctx)
		if ctx.Err() != nil {
			w.drainPending("shutdown")
			return nil
		}
		if err != nil {
			w.mu.Lock()
			delay := w.restart
			w.mu.Unlock()
			w.log.Error("consumer loop fault, restarting", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				w.drainPending("shutdown")
				return nil
			case <-time.After(delay):
			}
		}
	}
}

func (w *Worker) consume(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()

	for {
		w.mu.Lock()
		q := w.queue
		enabled := w.enabled
		w.mu.Unlock()

		if q == nil || !enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		item, ok := q.dequeue()
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			// Queue closed by a hot-reload swap; pick up the
			// replacement on the next iteration.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if ctx.Err() != nil {
			// Cancellation closed the queue; the backlog is dropped,
			// never processed or published.
			w.dropItem(item, "shutdown", nil)
			continue
		}
		w.process(item)
	}
}

// process runs one work item through stack, filter and publish. Failures
// release the item's resources and count it as dropped; the loop moves on.
func (w *Worker) process(item *WorkItem) {
	w.reconcileConfig(item)

	queueLat := w.now().Sub(item.EnqueuedAt)

	stackStart := w.now()
	res, err := w.stack.Accumulate(item.Capture, item.Config)
	stackDur := w.now().Sub(stackStart)
	if err != nil {
		w.dropItem(item, "stack", err)
		return
	}

	filterStart := w.now()
	processed, err := w.pipeline.Process(res, item.Config)
	filterDur := w.now().Sub(filterStart)
	if err != nil {
		res.Release()
		w.dropItem(item, "filter", err)
		return
	}

	raw := &frame.RawSnapshot{
		Image:     res.OriginalImage,
		Timestamp: res.Timestamp,
		Exposure:  res.Exposure,
	}
	w.publisher.UpdateFrame(raw, processed)
	w.publisher.UpdateFilterMetrics(w.pipeline.Metrics().Snapshot())

	completed := w.now()
	w.telemetry.recordProcessed(queueLat, stackDur, filterDur, completed)
	w.publishStatus()

	if w.prom != nil {
		w.prom.FramesProcessed.Inc()
		w.prom.StageDuration.WithLabelValues("stack").Observe(stackDur.Seconds())
		w.prom.StageDuration.WithLabelValues("filter").Observe(filterDur.Seconds())
	}
	if w.history != nil {
		_ = w.history.RecordFrame(storage.FrameRecord{
			FrameNumber:   item.FrameNumber,
			SessionID:     w.sessionID,
			Timestamp:     item.Capture.Timestamp,
			FramesStacked: processed.FramesStacked,
			QueueLatency:  queueLat,
			StackDuration: stackDur,
			FilterTime:    filterDur,
		})
	}
	logging.LogFrameProcessed(w.log, item.FrameNumber, queueLat, stackDur, filterDur)
}

// reconcileConfig resets or notifies the stacker when the item was enqueued
// under a different configuration version than the previous one.
func (w *Worker) reconcileConfig(item *WorkItem) {
	w.mu.Lock()
	prev := w.lastCfg
	changed := item.ConfigVersion != prev.Version
	if changed {
		w.lastCfg = item.Config
		w.frameBytes = item.Config.FrameBytes()
	}
	w.mu.Unlock()
	if !changed {
		return
	}

	if l, ok := w.stack.(stacker.ConfigChangeListener); ok {
		l.OnConfigurationChanged(prev, item.Config)
	} else {
		w.stack.Reset()
	}
	w.log.Info("stacker reconciled to configuration",
		"from_version", prev.Version,
		"to_version", item.ConfigVersion,
	)
}

func (w *Worker) dropItem(item *WorkItem, stage string, err error) {
	item.Release()
	w.telemetry.recordDropped()
	w.publishStatus()
	if err != nil {
		w.publisher.SetLastError(fmt.Errorf("%s: %w", stage, err))
		logging.LogFrameDropped(w.log, item.FrameNumber, stage, err)
	} else {
		w.log.Debug("frame dropped", "frame", item.FrameNumber, "stage", stage)
	}
	if w.prom != nil {
		w.prom.FramesDropped.WithLabelValues(stage).Inc()
	}
	if w.history != nil {
		_ = w.history.RecordFrame(storage.FrameRecord{
			FrameNumber: item.FrameNumber,
			SessionID:   w.sessionID,
			Timestamp:   item.EnqueuedAt,
			Dropped:     true,
			Stage:       stage,
			Error:       errString(err),
		})
	}
}

// Status returns the current telemetry snapshot.
func (w *Worker) Status() Status {
	w.mu.Lock()
	q := w.queue
	enabled := w.enabled
	frameBytes := w.frameBytes
	w.mu.Unlock()

	depth, capacity, peak := 0, 0, 0
	if q != nil {
		depth, capacity, peak = q.depth(), q.cap(), q.peak()
	}
	return w.telemetry.snapshot(depth, capacity, peak, frameBytes, enabled, w.now())
}

// ResetPeaks clears the peak depth and memory high-water marks.
func (w *Worker) ResetPeaks() {
	w.mu.Lock()
	q := w.queue
	w.mu.Unlock()
	if q != nil {
		q.resetPeak()
	}
	w.telemetry.resetPeaks()
	w.publishStatus()
}

// ApplyOptions reacts to a live configuration change. Capacity and policy
// adjust the queue in place; toggling the worker off drains and releases
// everything pending, and toggling it on installs a fresh queue.
func (w *Worker) ApplyOptions(next config.CameraConfiguration) {
	w.mu.Lock()
	prevEnabled := w.enabled
	prevCap := 0
	if w.queue != nil {
		prevCap = w.queue.cap()
	}
	w.applyLocked(next)
	q := w.queue
	enabled := w.enabled
	w.mu.Unlock()

	switch {
	case prevEnabled && !enabled:
		w.log.Info("background stacker disabled, draining queue")
		w.drainPending("disabled")
	case enabled && q != nil && q.cap() != prevCap:
		w.log.Info("queue capacity changed", "from", prevCap, "to", q.cap())
	}
	w.publishStatus()
}

// applyLocked installs the worker-related options from a snapshot. Caller
// holds w.mu. The stacking configuration an in-flight item carries is
// deliberately left alone; reconcileConfig handles that per item.
func (w *Worker) applyLocked(cfg config.CameraConfiguration) {
	w.adaptive = cfg.Adaptive
	w.policy = cfg.Worker.OverflowPolicy
	w.restart = time.Duration(cfg.Worker.RestartDelayMs) * time.Millisecond
	if w.restart <= 0 {
		w.restart = 3 * time.Second
	}
	w.controller = newCapacityController(cfg.Adaptive)

	w.enabled = cfg.Worker.Enabled
	switch {
	case w.enabled && (w.queue == nil || w.queueClosed):
		w.queue = newWorkQueue(cfg.Worker.QueueCapacity)
		w.queueClosed = false
	case w.enabled:
		if drained := w.queue.resize(cfg.Worker.QueueCapacity); len(drained) > 0 {
			// Release outside the lock path; resize only sheds when
			// capacity shrank below the backlog.
			go func() {
				for _, it := range drained {
					w.dropItem(it, "queue_resized", nil)
				}
			}()
		}
	case !w.enabled && w.queue != nil && !w.queueClosed:
		w.queue.close()
		w.queueClosed = true
	}
}

// sampleLoop feeds the adaptive controller while the worker runs.
func (w *Worker) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sampleAdaptive()
		}
	}
}

// sampleAdaptive takes one fill sample and applies any capacity decision.
func (w *Worker) sampleAdaptive() {
	w.mu.Lock()
	q := w.queue
	ctrl := w.controller
	enabled := w.enabled
	w.mu.Unlock()
	if !enabled || q == nil || ctrl == nil {
		return
	}

	fill := q.fill()
	current := q.cap()

	w.mu.Lock()
	next, adjust := ctrl.observe(w.now(), fill, current)
	w.mu.Unlock()
	if !adjust {
		w.observeQueue()
		return
	}

	drained := q.resize(next)
	w.log.Info("adaptive queue capacity adjusted",
		"from", current, "to", next, "fill_percent", fill)
	for _, it := range drained {
		w.dropItem(it, "queue_resized", nil)
	}
	w.observeQueue()
	w.publishStatus()
}

// maybeShrinkAfterDrop is the tunable coupling between DropOldest eviction
// and the adaptive controller. Off by default; the two mechanisms are
// otherwise independent.
func (w *Worker) maybeShrinkAfterDrop() {
	w.mu.Lock()
	cfg := w.adaptive
	q := w.queue
	ctrl := w.controller
	w.mu.Unlock()
	if !cfg.Enabled || !cfg.ShrinkOnDrop || q == nil {
		return
	}

	current := q.cap()
	next := current - cfg.ScaleDownStep
	if next < cfg.MinCapacity {
		next = cfg.MinCapacity
	}
	if next >= current {
		return
	}

	w.mu.Lock()
	now := w.now()
	inCooldown := !ctrl.lastAdjust.IsZero() && now.Sub(ctrl.lastAdjust) < ctrl.cooldown()
	if !inCooldown {
		ctrl.adjusted(now)
	}
	w.mu.Unlock()
	if inCooldown {
		return
	}

	drained := q.resize(next)
	w.log.Info("queue capacity shrunk after eviction", "from", current, "to", next)
	for _, it := range drained {
		w.dropItem(it, "queue_resized", nil)
	}
}

// drainPending empties the queue, releasing and counting every item.
func (w *Worker) drainPending(stage string) {
	w.mu.Lock()
	q := w.queue
	w.mu.Unlock()
	if q == nil {
		return
	}
	for _, item := range q.drainRemaining() {
		w.dropItem(item, stage, nil)
	}
}

// observeQueue refreshes the gauges derived from queue geometry.
func (w *Worker) observeQueue() {
	w.mu.Lock()
	q := w.queue
	frameBytes := w.frameBytes
	w.mu.Unlock()
	if q == nil {
		return
	}
	depth := q.depth()
	w.telemetry.observeMemory(int64(depth) * frameBytes)
	if w.prom != nil {
		w.prom.QueueDepth.Set(float64(depth))
		w.prom.QueueCapacity.Set(float64(q.cap()))
		w.prom.PressureLevel.Set(float64(pressureLevel(q.fill())))
	}
}

func (w *Worker) publishStatus() {
	w.publisher.UpdateStackerStatus(w.Status())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
