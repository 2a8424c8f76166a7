package capture

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
	"skywatch/internal/state"
	"skywatch/internal/worker"
)

// fakeCamera counts adapter calls and can fail a number of captures.
type fakeCamera struct {
	mu        sync.Mutex
	inits     int
	shutdowns int
	captures  int
	failNext  int
}

func (c *fakeCamera) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return nil
}

func (c *fakeCamera) Capture(ctx context.Context, req CaptureRequest) (*frame.CapturedImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++
	if c.failNext > 0 {
		c.failNext--
		return nil, errors.New("sensor timeout")
	}
	return &frame.CapturedImage{
		Image:     image.NewRGBA(image.Rect(0, 0, req.Width, req.Height)),
		Timestamp: time.Now(),
		Exposure:  req.Exposure,
	}, nil
}

func (c *fakeCamera) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
	return nil
}

func (c *fakeCamera) counts() (inits, shutdowns, captures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits, c.shutdowns, c.captures
}

func loopManager(t *testing.T, mutate ...func(*config.Config)) *config.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Camera.Width = 16
	cfg.Camera.Height = 12
	cfg.Camera.IntervalMs = 5
	cfg.Camera.MinDelayMs = 1
	cfg.Camera.RetryDelayMs = 1
	cfg.Camera.ReinitAfter = 0
	cfg.Camera.ReinitBackoffMs = 1
	cfg.Worker.Enabled = false
	cfg.Stacking.FrameCount = 2
	cfg.Filters = nil
	for _, fn := range mutate {
		fn(cfg)
	}
	require.NoError(t, cfg.Validate())
	return config.NewManager(cfg, nil)
}

func newTestLoop(t *testing.T, mgr *config.Manager, cam Camera) (*Loop, *state.Store) {
	t.Helper()
	store := state.New(mgr)
	pipeline := filters.NewPipeline(nil)
	wk := worker.New(worker.Options{
		Stacker:   stacker.New(nil),
		Pipeline:  pipeline,
		Publisher: store,
		Config:    mgr.Snapshot(),
	})
	l := NewLoop(LoopOptions{
		Camera:    cam,
		Worker:    wk,
		Stacker:   stacker.New(nil),
		Pipeline:  pipeline,
		Store:     store,
		SessionID: "test-session",
	})
	return l, store
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

func TestLoopPublishesInline(t *testing.T) {
	mgr := loopManager(t)
	cam := &fakeCamera{}
	l, store := newTestLoop(t, mgr, cam)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	waitFor(t, 5*time.Second, func() bool { return store.LatestFrame() != nil })
	assert.True(t, store.Running())

	pf := store.LatestFrame()
	assert.Equal(t, "jpeg", pf.Format)
	assert.NotEmpty(t, pf.Data)
	require.NotNil(t, store.LatestRaw())

	msg, _ := store.LastError()
	assert.Empty(t, msg)

	cancel()
	<-done
	assert.False(t, store.Running())
	assert.Zero(t, l.ContextsInFlight(), "inline processing releases every context")

	inits, shutdowns, _ := cam.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, shutdowns, "adapter shut down once on exit")
}

func TestLoopRecoversFromCaptureFailure(t *testing.T) {
	mgr := loopManager(t)
	cam := &fakeCamera{failNext: 2}
	l, store := newTestLoop(t, mgr, cam)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	waitFor(t, 5*time.Second, func() bool { return store.LatestFrame() != nil })
	cancel()
	<-done

	msg, _ := store.LastError()
	assert.Empty(t, msg, "a successful inline frame clears the capture error")
	_, _, captures := cam.counts()
	assert.GreaterOrEqual(t, captures, 3)
}

func TestLoopReinitializesAfterRepeatedFailures(t *testing.T) {
	mgr := loopManager(t, func(c *config.Config) {
		c.Camera.ReinitAfter = 2
	})
	cam := &fakeCamera{failNext: 1000}
	l, store := newTestLoop(t, mgr, cam)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	waitFor(t, 5*time.Second, func() bool {
		inits, _, _ := cam.counts()
		return inits >= 3
	})
	cancel()
	<-done

	msg, _ := store.LastError()
	assert.Contains(t, msg, "capture")
	assert.Nil(t, store.LatestFrame())
	_, shutdowns, _ := cam.counts()
	assert.GreaterOrEqual(t, shutdowns, 2, "each re-init cycle shuts the adapter down first")
}

type notifyingStacker struct {
	stacker.FrameStacker
	mu       sync.Mutex
	notified []uint64
}

func (s *notifyingStacker) OnConfigurationChanged(prev, next config.CameraConfiguration) {
	s.mu.Lock()
	s.notified = append(s.notified, next.Version)
	s.mu.Unlock()
	s.FrameStacker.OnConfigurationChanged(prev, next)
}

func TestHandleConfigChangePropagates(t *testing.T) {
	mgr := loopManager(t, func(c *config.Config) {
		c.Worker.Enabled = true
	})
	store := state.New(mgr)
	pipeline := filters.NewPipeline(nil)
	wk := worker.New(worker.Options{
		Stacker:   stacker.New(nil),
		Pipeline:  pipeline,
		Publisher: store,
		Config:    mgr.Snapshot(),
	})
	ns := &notifyingStacker{}
	l := NewLoop(LoopOptions{
		Camera:   &fakeCamera{},
		Worker:   wk,
		Stacker:  ns,
		Pipeline: pipeline,
		Store:    store,
	})

	// First version only builds the apparatus; nothing to notify yet.
	l.handleConfigChange(mgr.Snapshot())
	assert.Zero(t, l.ContextsInFlight())
	ns.mu.Lock()
	assert.Empty(t, ns.notified)
	ns.mu.Unlock()

	require.NoError(t, mgr.Update(func(c *config.Config) {
		c.Worker.Enabled = false
	}))
	l.handleConfigChange(mgr.Snapshot())

	ns.mu.Lock()
	assert.Equal(t, []uint64{2}, ns.notified, "inline stacker hears about later versions")
	ns.mu.Unlock()
	assert.False(t, wk.Enabled(), "worker options follow the new snapshot")
}

func TestLoopSessionIDDefaulting(t *testing.T) {
	mgr := loopManager(t)
	store := state.New(mgr)
	pipeline := filters.NewPipeline(nil)
	wk := worker.New(worker.Options{
		Stacker:   stacker.New(nil),
		Pipeline:  pipeline,
		Publisher: store,
		Config:    mgr.Snapshot(),
	})

	explicit := NewLoop(LoopOptions{
		Camera: &fakeCamera{}, Worker: wk, Stacker: stacker.New(nil),
		Pipeline: pipeline, Store: store, SessionID: "fixed",
	})
	assert.Equal(t, "fixed", explicit.SessionID())

	generated := NewLoop(LoopOptions{
		Camera: &fakeCamera{}, Worker: wk, Stacker: stacker.New(nil),
		Pipeline: pipeline, Store: store,
	})
	assert.NotEmpty(t, generated.SessionID())
	assert.NotEqual(t, "fixed", generated.SessionID())
}
