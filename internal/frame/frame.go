// Package frame defines the data model flowing through the capture pipeline:
// captured images, stack results, processed frames and the per-cycle render
// context. Buffers and contexts have a single logical owner at every point;
// ownership moves by passing the value on, and the final owner calls Release.
package frame

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"skywatch/internal/render"
)

// Exposure holds the sensor settings one frame was captured with.
type Exposure struct {
	Duration time.Duration
	Gain     float64
}

// Context is the rendering apparatus valid for exactly one capture cycle:
// rig description, projector, overlay engine and observer location, plus the
// flags filters need to orient their drawing. At most one owner holds it at
// any time and it is released exactly once, normally by the filter pipeline
// after overlays are drawn.
type Context struct {
	Rig       render.Rig
	Projector render.Projector
	Engine    render.Engine
	Observer  render.Observer

	FlipHorizontal bool
	FlipVertical   bool
	Refraction     bool

	CapturedAt time.Time

	mu       sync.Mutex
	released bool
	release  func()
}

// NewContext builds a context with the given release callback. release may
// be nil.
func NewContext(rig render.Rig, proj render.Projector, eng render.Engine, obs render.Observer, release func()) *Context {
	return &Context{
		Rig:       rig,
		Projector: proj,
		Engine:    eng,
		Observer:  obs,
		release:   release,
	}
}

// Release invokes the release callback. Only the first call has any effect;
// later calls are no-ops so a failure path can release defensively without
// double-firing the callback.
func (c *Context) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	done := c.released
	c.released = true
	c.mu.Unlock()
	if done {
		return
	}
	if c.release != nil {
		c.release()
	}
}

// Released reports whether Release has been called.
func (c *Context) Released() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// ContextFactory builds per-cycle contexts around a shared apparatus and
// tracks how many are still unreleased. A non-zero InFlight count after the
// pipeline goes idle means a stage leaked its context.
type ContextFactory struct {
	Rig       render.Rig
	Projector render.Projector
	Engine    render.Engine
	Observer  render.Observer

	FlipHorizontal bool
	FlipVertical   bool
	Refraction     bool

	inFlight atomic.Int64
	issued   atomic.Uint64
}

// New issues a context for one capture cycle.
func (f *ContextFactory) New(capturedAt time.Time) *Context {
	f.inFlight.Add(1)
	f.issued.Add(1)
	c := NewContext(f.Rig, f.Projector, f.Engine, f.Observer, func() {
		f.inFlight.Add(-1)
	})
	c.FlipHorizontal = f.FlipHorizontal
	c.FlipVertical = f.FlipVertical
	c.Refraction = f.Refraction
	c.CapturedAt = capturedAt
	return c
}

// InFlight returns the number of issued but unreleased contexts.
func (f *ContextFactory) InFlight() int64 { return f.inFlight.Load() }

// Issued returns the total number of contexts handed out.
func (f *ContextFactory) Issued() uint64 { return f.issued.Load() }

// CapturedImage is one raw sensor frame. The image buffer is owned by
// whichever stage consumes the value next.
type CapturedImage struct {
	Image     *image.RGBA
	Timestamp time.Time
	Exposure  Exposure
	Context   *Context
}

// Release frees the frame's resources. Used on failure paths where the frame
// never reaches the pipeline's own release point.
func (c *CapturedImage) Release() {
	if c == nil {
		return
	}
	c.Context.Release()
	c.Image = nil
}

// StackResult is the output of the frame stacker. StackedImage and
// OriginalImage may alias when stacking is disabled; callers must treat the
// pair as one buffer in that case and two otherwise.
type StackResult struct {
	StackedImage  *image.RGBA
	OriginalImage *image.RGBA
	Timestamp     time.Time
	Exposure      Exposure
	Context       *Context
	FramesStacked int
	Integration   time.Duration
}

// Release drops the result's buffers and releases the carried context.
func (r *StackResult) Release() {
	if r == nil {
		return
	}
	r.Context.Release()
	r.StackedImage = nil
	r.OriginalImage = nil
}

// RawSnapshot is the unprocessed side of a published frame, kept so
// diagnostics can compare the camera output against the filtered result.
type RawSnapshot struct {
	Image     *image.RGBA
	Timestamp time.Time
	Exposure  Exposure
}

// ProcessedFrame is the encoded output of the filter pipeline.
type ProcessedFrame struct {
	Data           []byte
	Format         string
	Timestamp      time.Time
	Exposure       Exposure
	FiltersApplied []string
	FramesStacked  int
	Integration    time.Duration
}
