package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skywatch/internal/config"
	"skywatch/internal/filters"
	"skywatch/internal/frame"
	"skywatch/internal/stacker"
)

type stubPublisher struct {
	mu        sync.Mutex
	frames    int
	lastError error
	statuses  int
}

func (p *stubPublisher) UpdateFrame(_ *frame.RawSnapshot, _ *frame.ProcessedFrame) {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func (p *stubPublisher) UpdateStackerStatus(_ Status) {
	p.mu.Lock()
	p.statuses++
	p.mu.Unlock()
}

func (p *stubPublisher) UpdateFilterMetrics(_ filters.MetricsSnapshot) {}

func (p *stubPublisher) SetLastError(err error) {
	p.mu.Lock()
	p.lastError = err
	p.mu.Unlock()
}

func (p *stubPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func (p *stubPublisher) lastErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// failingStacker fails every Accumulate call.
type failingStacker struct{}

func (failingStacker) Accumulate(*frame.CapturedImage, config.CameraConfiguration) (*frame.StackResult, error) {
	return nil, errors.New("sensor gremlins")
}
func (failingStacker) Reset() {}

// listeningStacker records configuration change notifications.
type listeningStacker struct {
	inner   stacker.Accumulator
	mu      sync.Mutex
	changes []uint64
	resets  int
}

func (l *listeningStacker) Accumulate(c *frame.CapturedImage, cfg config.CameraConfiguration) (*frame.StackResult, error) {
	return l.inner.Accumulate(c, cfg)
}

func (l *listeningStacker) Reset() {
	l.mu.Lock()
	l.resets++
	l.mu.Unlock()
	l.inner.Reset()
}

func (l *listeningStacker) OnConfigurationChanged(prev, next config.CameraConfiguration) {
	l.mu.Lock()
	l.changes = append(l.changes, next.Version)
	l.mu.Unlock()
}

func workerConfig(mutate ...func(*config.Config)) config.CameraConfiguration {
	cfg := config.Default()
	cfg.Camera.Width = 16
	cfg.Camera.Height = 12
	cfg.Stacking.FrameCount = 2
	cfg.Filters = nil
	for _, fn := range mutate {
		fn(cfg)
	}
	return config.CameraConfiguration{
		Version:  1,
		Camera:   cfg.Camera,
		Stacking: cfg.Stacking,
		Worker:   cfg.Worker,
		Adaptive: cfg.Adaptive,
		Filters:  cfg.Filters,
		Encoding: cfg.Encoding,
		Overlay:  cfg.Overlay,
		Site:     cfg.Site,
	}
}

func captureFor(cfg config.CameraConfiguration, contexts *frame.ContextFactory) *frame.CapturedImage {
	img := image.NewRGBA(image.Rect(0, 0, cfg.Camera.Width, cfg.Camera.Height))
	c := &frame.CapturedImage{
		Image:     img,
		Timestamp: time.Now(),
		Exposure:  frame.Exposure{Duration: time.Second},
	}
	if contexts != nil {
		c.Context = contexts.New(c.Timestamp)
	}
	return c
}

func newTestWorker(t *testing.T, cfg config.CameraConfiguration, acc stacker.Accumulator, pub *stubPublisher) *Worker {
	t.Helper()
	if acc == nil {
		acc = stacker.New(nil)
	}
	return New(Options{
		Stacker:   acc,
		Pipeline:  filters.NewPipeline(nil),
		Publisher: pub,
		Config:    cfg,
		SessionID: "test",
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerProcessesAndReleasesEveryFrame(t *testing.T) {
	cfg := workerConfig()
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, nil, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	contexts := &frame.ContextFactory{}
	frames := 10000
	if testing.Short() {
		frames = 200
	}
	for i := 0; i < frames; i++ {
		item := &WorkItem{
			FrameNumber:   uint64(i + 1),
			Capture:       captureFor(cfg, contexts),
			Config:        cfg,
			ConfigVersion: cfg.Version,
			EnqueuedAt:    time.Now(),
		}
		require.True(t, w.Enqueue(item))
	}

	waitFor(t, 60*time.Second, func() bool {
		s := w.Status()
		return s.Processed+s.Dropped >= uint64(frames)
	})

	cancel()
	<-done

	s := w.Status()
	assert.Equal(t, uint64(frames), s.Processed+s.Dropped)
	assert.Equal(t, int64(0), contexts.InFlight(), "every frame context must be released")
	assert.Equal(t, frames, int(contexts.Issued()))
	assert.Equal(t, pub.published(), int(s.Processed))
}

func TestWorkerShutdownDropsBacklog(t *testing.T) {
	cfg := workerConfig(func(c *config.Config) {
		c.Worker.QueueCapacity = 8
	})
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, nil, pub)

	contexts := &frame.ContextFactory{}
	for i := 0; i < 5; i++ {
		require.True(t, w.Enqueue(&WorkItem{
			FrameNumber: uint64(i + 1),
			Capture:     captureFor(cfg, contexts),
			Config:      cfg,
			EnqueuedAt:  time.Now(),
		}))
	}

	// Cancel before the consumer ever runs; the whole backlog is pending.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	s := w.Status()
	assert.Zero(t, s.Processed, "cancellation must not publish queued frames")
	assert.Equal(t, uint64(5), s.Dropped)
	assert.Zero(t, pub.published())
	assert.Equal(t, int64(0), contexts.InFlight(), "dropped backlog must be released")
}

func TestWorkerDropOldestUnderOverflow(t *testing.T) {
	cfg := workerConfig(func(c *config.Config) {
		c.Worker.QueueCapacity = 3
		c.Worker.OverflowPolicy = config.OverflowDropOldest
	})
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, nil, pub)
	// No consumer: the queue fills and evicts.

	contexts := &frame.ContextFactory{}
	for i := 0; i < 10; i++ {
		item := &WorkItem{
			FrameNumber:   uint64(i + 1),
			Capture:       captureFor(cfg, contexts),
			Config:        cfg,
			ConfigVersion: cfg.Version,
			EnqueuedAt:    time.Now(),
		}
		require.True(t, w.Enqueue(item), "drop-oldest never rejects the newest frame")
	}

	s := w.Status()
	assert.Equal(t, 3, s.QueueDepth)
	assert.Equal(t, uint64(7), s.Dropped)
	assert.Equal(t, int64(3), contexts.InFlight(), "only queued frames hold contexts")
}

func TestWorkerDisabledRejectsEnqueue(t *testing.T) {
	cfg := workerConfig(func(c *config.Config) {
		c.Worker.Enabled = false
	})
	w := newTestWorker(t, cfg, nil, &stubPublisher{})

	assert.False(t, w.Enabled())
	item := &WorkItem{Capture: captureFor(cfg, nil), Config: cfg, EnqueuedAt: time.Now()}
	assert.False(t, w.Enqueue(item), "caller must fall back to inline processing")
}

func TestWorkerStackFailureDropsAndReports(t *testing.T) {
	cfg := workerConfig()
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, failingStacker{}, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	contexts := &frame.ContextFactory{}
	item := &WorkItem{
		FrameNumber:   1,
		Capture:       captureFor(cfg, contexts),
		Config:        cfg,
		ConfigVersion: cfg.Version,
		EnqueuedAt:    time.Now(),
	}
	require.True(t, w.Enqueue(item))

	waitFor(t, 5*time.Second, func() bool { return w.Status().Dropped >= 1 })
	cancel()
	<-done

	assert.Equal(t, int64(0), contexts.InFlight(), "failed frames must release their context")
	assert.ErrorContains(t, pub.lastErr(), "sensor gremlins")
	assert.Zero(t, pub.published())
}

func TestWorkerReconcilesConfigurationVersion(t *testing.T) {
	cfg := workerConfig()
	ls := &listeningStacker{inner: stacker.New(nil)}
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, ls, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	enqueue := func(c config.CameraConfiguration, n uint64) {
		require.True(t, w.Enqueue(&WorkItem{
			FrameNumber:   n,
			Capture:       captureFor(c, nil),
			Config:        c,
			ConfigVersion: c.Version,
			EnqueuedAt:    time.Now(),
		}))
	}

	enqueue(cfg, 1)
	enqueue(cfg, 2)

	next := cfg
	next.Version = 2
	next.Stacking.FrameCount = 1
	enqueue(next, 3)
	enqueue(next, 4)

	waitFor(t, 5*time.Second, func() bool { return w.Status().Processed >= 4 })
	cancel()
	<-done

	ls.mu.Lock()
	defer ls.mu.Unlock()
	assert.Equal(t, []uint64{2}, ls.changes,
		"one notification when the in-flight version changes, none for same-version items")
}

func TestWorkerApplyOptionsDisableDrainsQueue(t *testing.T) {
	cfg := workerConfig(func(c *config.Config) {
		c.Worker.QueueCapacity = 8
	})
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, nil, pub)

	contexts := &frame.ContextFactory{}
	for i := 0; i < 4; i++ {
		require.True(t, w.Enqueue(&WorkItem{
			FrameNumber: uint64(i + 1),
			Capture:     captureFor(cfg, contexts),
			Config:      cfg,
			EnqueuedAt:  time.Now(),
		}))
	}
	require.Equal(t, int64(4), contexts.InFlight())

	next := cfg
	next.Version = 2
	next.Worker.Enabled = false
	w.ApplyOptions(next)

	s := w.Status()
	assert.False(t, s.Enabled)
	assert.Equal(t, uint64(4), s.Dropped)
	assert.Equal(t, int64(0), contexts.InFlight(), "drained items must be released")
	assert.False(t, w.Enqueue(&WorkItem{Capture: captureFor(cfg, nil), Config: cfg}))

	// Re-enabling installs a fresh queue.
	again := next
	again.Version = 3
	again.Worker.Enabled = true
	w.ApplyOptions(again)
	assert.True(t, w.Enabled())
	assert.True(t, w.Enqueue(&WorkItem{Capture: captureFor(cfg, nil), Config: again, EnqueuedAt: time.Now()}))
}

func TestWorkerApplyOptionsResizeShedsBacklog(t *testing.T) {
	cfg := workerConfig(func(c *config.Config) {
		c.Worker.QueueCapacity = 6
	})
	pub := &stubPublisher{}
	w := newTestWorker(t, cfg, nil, pub)

	contexts := &frame.ContextFactory{}
	for i := 0; i < 6; i++ {
		require.True(t, w.Enqueue(&WorkItem{
			FrameNumber: uint64(i + 1),
			Capture:     captureFor(cfg, contexts),
			Config:      cfg,
			EnqueuedAt:  time.Now(),
		}))
	}

	next := cfg
	next.Version = 2
	next.Worker.QueueCapacity = 2
	w.ApplyOptions(next)

	waitFor(t, 5*time.Second, func() bool { return w.Status().Dropped >= 4 })
	assert.Equal(t, 2, w.Status().QueueDepth)
	waitFor(t, 5*time.Second, func() bool { return contexts.InFlight() == 2 })
}
