// Package filters applies the ordered chain of annotation passes to a
// stacked frame and finalizes it into the configured output encoding. The
// pipeline owns the per-cycle render context handoff: one context is built
// per invocation, every filter sees the same instance, and the carried
// frame context is disposed exactly once when the pipeline is done.
package filters

import (
	"image"
	"time"

	"github.com/fogleman/gg"

	"skywatch/internal/config"
	"skywatch/internal/frame"
	"skywatch/internal/render"
)

// Filter is one named annotation pass. ShouldApply gates the pass on the
// configuration snapshot; Apply draws onto the shared surface.
type Filter interface {
	Name() string
	ShouldApply(cfg config.CameraConfiguration) bool
	Apply(dc *gg.Context, rc *RenderContext) error
}

// RenderContext is the read-only view of the capture cycle every filter
// receives. The pipeline builds it once per invocation from the stack
// result's frame context and passes the same instance to each filter.
type RenderContext struct {
	Rig       render.Rig
	Projector render.Projector
	Engine    render.Engine
	Observer  render.Observer

	FlipHorizontal bool
	FlipVertical   bool
	Refraction     bool

	Timestamp     time.Time
	Exposure      frame.Exposure
	FramesStacked int
	Bounds        image.Rectangle
	Overlay       config.OverlayConfig
}

// Place projects a sky point onto the frame, honoring the rig's flip flags.
func (rc *RenderContext) Place(p render.SkyPoint) (float64, float64, bool) {
	if rc.Projector == nil {
		return 0, 0, false
	}
	x, y, ok := rc.Projector.Project(p)
	if !ok {
		return 0, 0, false
	}
	if rc.FlipHorizontal {
		x = float64(rc.Bounds.Dx()) - x
	}
	if rc.FlipVertical {
		y = float64(rc.Bounds.Dy()) - y
	}
	return x, y, true
}

func buildRenderContext(res *frame.StackResult, cfg config.CameraConfiguration) *RenderContext {
	rc := &RenderContext{
		Timestamp:     res.Timestamp,
		Exposure:      res.Exposure,
		FramesStacked: res.FramesStacked,
		Bounds:        res.StackedImage.Bounds(),
		Overlay:       cfg.Overlay,
	}
	if ctx := res.Context; ctx != nil {
		rc.Rig = ctx.Rig
		rc.Projector = ctx.Projector
		rc.Engine = ctx.Engine
		rc.Observer = ctx.Observer
		rc.FlipHorizontal = ctx.FlipHorizontal
		rc.FlipVertical = ctx.FlipVertical
		rc.Refraction = ctx.Refraction
	}
	return rc
}
