package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"skywatch/internal/config"
	"skywatch/internal/filters"
	"skywatch/internal/frame"
	"skywatch/internal/metric"
	"skywatch/internal/render"
	"skywatch/internal/stacker"
	"skywatch/internal/state"
	"skywatch/internal/storage"
	"skywatch/internal/worker"
)

// Loop is the producer: it acquires exposures, attaches the per-cycle frame
// context, and routes frames to the background worker or the inline path.
type Loop struct {
	camera   Camera
	worker   *worker.Worker
	stack    stacker.Accumulator
	pipeline *filters.Pipeline
	store    *state.Store
	history  worker.History
	prom     *metric.Metrics
	log      *slog.Logger

	sessionID   string
	contexts    *frame.ContextFactory
	frameNumber uint64
	lastVersion uint64
	lastCfg     config.CameraConfiguration
	consecFails int

	now func() time.Time
}

// LoopOptions wires a capture loop.
type LoopOptions struct {
	Camera   Camera
	Worker   *worker.Worker
	Stacker  stacker.Accumulator
	Pipeline *filters.Pipeline
	Store    *state.Store
	History  worker.History
	Metrics  *metric.Metrics
	Log      *slog.Logger
	// SessionID ties history rows from the loop and the worker together;
	// generated when empty.
	SessionID string
	Now       func() time.Time
}

// NewLoop builds the loop. The inline path gets its own stacker instance so
// the worker's window and the fallback window never share state.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	l := &Loop{
		camera:    opts.Camera,
		worker:    opts.Worker,
		stack:     opts.Stacker,
		pipeline:  opts.Pipeline,
		store:     opts.Store,
		history:   opts.History,
		prom:      opts.Metrics,
		log:       opts.Log,
		sessionID: opts.SessionID,
		now:       opts.Now,
	}
	return l
}

// SessionID identifies this capture run in history rows.
func (l *Loop) SessionID() string { return l.sessionID }

// ContextsInFlight exposes the leak gauge for diagnostics.
func (l *Loop) ContextsInFlight() int64 {
	if l.contexts == nil {
		return 0
	}
	return l.contexts.InFlight()
}

// Run drives the cadence until ctx is cancelled. Capture failures retry
// after a short delay; repeated adapter failures trigger a re-init cycle
// with a longer backoff. The loop never exits on an error class, only on
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.store.UpdateRunningState(true)
	defer l.store.UpdateRunningState(false)
	defer func() {
		if err := l.camera.Shutdown(); err != nil {
			l.log.Warn("camera shutdown failed", "error", err)
		}
	}()

	if err := l.initializeCamera(ctx); err != nil {
		return err
	}
	l.log.Info("capture loop started", "session", l.sessionID)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		start := l.now()
		cfg := l.store.Configuration()

		if cfg.Version != l.lastVersion {
			l.handleConfigChange(cfg)
		}

		img, err := l.camera.Capture(ctx, CaptureRequest{
			Exposure: frame.Exposure{Duration: cfg.ExposureDuration(), Gain: cfg.Camera.Gain},
			Width:    cfg.Camera.Width,
			Height:   cfg.Camera.Height,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.captureFailed(ctx, cfg, err)
			continue
		}
		l.consecFails = 0
		if l.prom != nil {
			l.prom.FramesCaptured.Inc()
		}

		img.Context = l.contexts.New(img.Timestamp)
		if l.prom != nil {
			l.prom.ContextsOpen.Set(float64(l.contexts.InFlight()))
		}

		l.frameNumber++
		item := &worker.WorkItem{
			FrameNumber:   l.frameNumber,
			Capture:       img,
			Config:        cfg,
			ConfigVersion: cfg.Version,
			EnqueuedAt:    l.now(),
		}

		if !l.worker.Enqueue(item) {
			l.processInline(item)
		}

		l.pace(ctx, cfg, start)
	}
}

// handleConfigChange propagates a new configuration version to the inline
// stacker and the worker, and rebuilds the frame context factory.
func (l *Loop) handleConfigChange(cfg config.CameraConfiguration) {
	prev := l.lastCfg
	if l.lastVersion != 0 {
		if listener, ok := l.stack.(stacker.ConfigChangeListener); ok {
			listener.OnConfigurationChanged(prev, cfg)
		} else {
			l.stack.Reset()
		}
		l.worker.ApplyOptions(cfg)
		l.log.Info("configuration change detected",
			"from_version", l.lastVersion, "to_version", cfg.Version)
	}

	l.contexts = &frame.ContextFactory{
		Rig: render.Rig{
			Name:          cfg.Site.RigName,
			FocalLengthMM: cfg.Site.FocalLengthMM,
			ApertureMM:    cfg.Site.ApertureMM,
			ImageWidth:    cfg.Camera.Width,
			ImageHeight:   cfg.Camera.Height,
		},
		Projector:      render.NewEquidistantProjector(cfg.Camera.Width, cfg.Camera.Height),
		Engine:         render.NewStaticEngine(),
		Observer:       render.Observer{Latitude: cfg.Site.Latitude, Longitude: cfg.Site.Longitude},
		FlipHorizontal: cfg.Site.FlipHorizontal,
		FlipVertical:   cfg.Site.FlipVertical,
		Refraction:     cfg.Site.Refraction,
	}
	l.lastVersion = cfg.Version
	l.lastCfg = cfg
}

// processInline stacks, filters and publishes on the capture goroutine,
// used when background stacking is off or its queue rejected the frame.
func (l *Loop) processInline(item *worker.WorkItem) {
	stackStart := l.now()
	res, err := l.stack.Accumulate(item.Capture, item.Config)
	stackDur := l.now().Sub(stackStart)
	if err != nil {
		item.Release()
		l.store.SetLastError(fmt.Errorf("stack: %w", err))
		l.recordDrop(item, "stack", err)
		return
	}

	filterStart := l.now()
	processed, err := l.pipeline.Process(res, item.Config)
	filterDur := l.now().Sub(filterStart)
	if err != nil {
		res.Release()
		l.store.SetLastError(fmt.Errorf("filter: %w", err))
		l.recordDrop(item, "filter", err)
		return
	}

	l.store.UpdateFrame(&frame.RawSnapshot{
		Image:     res.OriginalImage,
		Timestamp: res.Timestamp,
		Exposure:  res.Exposure,
	}, processed)
	l.store.UpdateFilterMetrics(l.pipeline.Metrics().Snapshot())
	l.store.SetLastError(nil)

	if l.prom != nil {
		l.prom.FramesProcessed.Inc()
		l.prom.StageDuration.WithLabelValues("stack").Observe(stackDur.Seconds())
		l.prom.StageDuration.WithLabelValues("filter").Observe(filterDur.Seconds())
	}
	if l.history != nil {
		_ = l.history.RecordFrame(storage.FrameRecord{
			FrameNumber:   item.FrameNumber,
			SessionID:     l.sessionID,
			Timestamp:     item.Capture.Timestamp,
			FramesStacked: processed.FramesStacked,
			StackDuration: stackDur,
			FilterTime:    filterDur,
		})
	}
}

func (l *Loop) recordDrop(item *worker.WorkItem, stage string, err error) {
	if l.prom != nil {
		l.prom.FramesDropped.WithLabelValues(stage).Inc()
	}
	if l.history != nil {
		_ = l.history.RecordFrame(storage.FrameRecord{
			FrameNumber: item.FrameNumber,
			SessionID:   l.sessionID,
			Timestamp:   item.EnqueuedAt,
			Dropped:     true,
			Stage:       stage,
			Error:       err.Error(),
		})
	}
	l.log.Warn("frame dropped inline", "frame", item.FrameNumber, "stage", stage, "error", err)
}

// captureFailed records the error and either waits out the retry delay or,
// after enough consecutive failures, re-initializes the adapter.
func (l *Loop) captureFailed(ctx context.Context, cfg config.CameraConfiguration, err error) {
	l.consecFails++
	l.store.SetLastError(fmt.Errorf("capture: %w", err))
	if l.prom != nil {
		l.prom.CaptureErrors.Inc()
	}
	if l.history != nil {
		_ = l.history.RecordError("capture", err.Error())
	}
	l.log.Error("capture failed", "error", err, "consecutive", l.consecFails)

	reinitAfter := cfg.Camera.ReinitAfter
	if reinitAfter > 0 && l.consecFails >= reinitAfter {
		l.log.Warn("re-initializing camera adapter", "after_failures", l.consecFails)
		if err := l.camera.Shutdown(); err != nil {
			l.log.Warn("camera shutdown failed", "error", err)
		}
		sleepCtx(ctx, time.Duration(cfg.Camera.ReinitBackoffMs)*time.Millisecond)
		if err := l.initializeCamera(ctx); err == nil {
			l.consecFails = 0
		}
		return
	}

	sleepCtx(ctx, time.Duration(cfg.Camera.RetryDelayMs)*time.Millisecond)
}

// initializeCamera retries adapter initialization with backoff until it
// succeeds or ctx is cancelled. Initialization failure is never fatal.
func (l *Loop) initializeCamera(ctx context.Context) error {
	backoff := time.Second
	for {
		err := l.camera.Initialize(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		l.store.SetLastError(fmt.Errorf("camera init: %w", err))
		l.log.Error("camera initialization failed, retrying", "error", err, "backoff", backoff)
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// pace sleeps out the remainder of the configured interval, clamped to the
// minimum inter-frame delay.
func (l *Loop) pace(ctx context.Context, cfg config.CameraConfiguration, start time.Time) {
	elapsed := l.now().Sub(start)
	remaining := cfg.Interval() - elapsed
	if min := cfg.MinDelay(); remaining < min {
		remaining = min
	}
	sleepCtx(ctx, remaining)
}

// sleepCtx waits d or until ctx is cancelled, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
