package filters

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"skywatch/internal/config"
	"skywatch/internal/render"
)

// Defaults returns the filter set the service registers at startup.
func Defaults() []Filter {
	return []Filter{
		&GridFilter{},
		&ConstellationFilter{},
		&StarMarkerFilter{},
		&CardinalFilter{},
		&TimestampFilter{},
	}
}

// GridFilter draws altitude rings and azimuth spokes over the sky circle.
type GridFilter struct{}

func (f *GridFilter) Name() string { return "grid" }

func (f *GridFilter) ShouldApply(cfg config.CameraConfiguration) bool {
	return cfg.Overlay.GridSpacingPx > 0
}

func (f *GridFilter) Apply(dc *gg.Context, rc *RenderContext) error {
	if rc.Projector == nil {
		return nil
	}
	dc.SetRGBA(0.6, 0.6, 0.7, 0.35)
	dc.SetLineWidth(1)

	// Altitude rings every 30 degrees.
	for alt := 0.0; alt < 90; alt += 30 {
		first := true
		for az := 0.0; az <= 360; az += 5 {
			x, y, ok := rc.Place(render.SkyPoint{Alt: alt, Az: az})
			if !ok {
				continue
			}
			if first {
				dc.MoveTo(x, y)
				first = false
			} else {
				dc.LineTo(x, y)
			}
		}
		dc.Stroke()
	}

	// Azimuth spokes every 45 degrees.
	for az := 0.0; az < 360; az += 45 {
		x0, y0, ok0 := rc.Place(render.SkyPoint{Alt: 0, Az: az})
		x1, y1, ok1 := rc.Place(render.SkyPoint{Alt: 85, Az: az})
		if ok0 && ok1 {
			dc.DrawLine(x0, y0, x1, y1)
			dc.Stroke()
		}
	}
	return nil
}

// ConstellationFilter draws the engine's constellation figures.
type ConstellationFilter struct{}

func (f *ConstellationFilter) Name() string { return "constellations" }

func (f *ConstellationFilter) ShouldApply(_ config.CameraConfiguration) bool { return true }

func (f *ConstellationFilter) Apply(dc *gg.Context, rc *RenderContext) error {
	if rc.Engine == nil || rc.Projector == nil {
		return nil
	}
	dc.SetRGBA(0.4, 0.8, 1.0, 0.5)
	dc.SetLineWidth(1.5)
	for _, line := range rc.Engine.ConstellationLines(rc.Timestamp, rc.Observer) {
		x0, y0, ok0 := rc.Place(line.From)
		x1, y1, ok1 := rc.Place(line.To)
		if !ok0 || !ok1 {
			continue
		}
		dc.DrawLine(x0, y0, x1, y1)
		dc.Stroke()
	}
	return nil
}

// StarMarkerFilter rings the brightest catalog stars.
type StarMarkerFilter struct{}

func (f *StarMarkerFilter) Name() string { return "stars" }

func (f *StarMarkerFilter) ShouldApply(cfg config.CameraConfiguration) bool {
	return cfg.Overlay.StarLimit > 0
}

func (f *StarMarkerFilter) Apply(dc *gg.Context, rc *RenderContext) error {
	if rc.Engine == nil || rc.Projector == nil {
		return nil
	}
	dc.SetRGBA(1.0, 0.9, 0.4, 0.6)
	dc.SetLineWidth(1)
	for _, star := range rc.Engine.BrightStars(rc.Timestamp, rc.Observer, rc.Overlay.StarLimit) {
		x, y, ok := rc.Place(star.Pos)
		if !ok {
			continue
		}
		// Brighter stars get bigger rings; magnitude grows dimmer.
		r := math.Max(2, 6-star.Magnitude)
		dc.DrawCircle(x, y, r)
		dc.Stroke()
	}
	return nil
}

// CardinalFilter labels the horizon with compass points.
type CardinalFilter struct{}

func (f *CardinalFilter) Name() string { return "cardinal" }

func (f *CardinalFilter) ShouldApply(_ config.CameraConfiguration) bool { return true }

func (f *CardinalFilter) Apply(dc *gg.Context, rc *RenderContext) error {
	if rc.Projector == nil {
		return nil
	}
	points := []struct {
		label string
		az    float64
	}{
		{"N", 0}, {"E", 90}, {"S", 180}, {"W", 270},
	}
	if err := setFace(dc, rc.Overlay); err != nil {
		return err
	}
	dc.SetRGBA(1, 1, 1, 0.9)
	for _, p := range points {
		x, y, ok := rc.Place(render.SkyPoint{Alt: 2, Az: p.az})
		if !ok {
			continue
		}
		dc.DrawStringAnchored(p.label, x, y, 0.5, 0.5)
	}
	return nil
}

// TimestampFilter stamps the capture time and integration info into the
// bottom-left corner.
type TimestampFilter struct{}

func (f *TimestampFilter) Name() string { return "timestamp" }

func (f *TimestampFilter) ShouldApply(cfg config.CameraConfiguration) bool {
	return cfg.Overlay.TimeFormat != ""
}

func (f *TimestampFilter) Apply(dc *gg.Context, rc *RenderContext) error {
	if err := setFace(dc, rc.Overlay); err != nil {
		return err
	}
	label := rc.Timestamp.Format(rc.Overlay.TimeFormat)
	if rc.FramesStacked > 1 {
		label = fmt.Sprintf("%s  stack %d  exp %.1fs", label, rc.FramesStacked, rc.Exposure.Duration.Seconds())
	}
	x := 10.0
	y := float64(rc.Bounds.Dy()) - 10

	dc.SetRGBA(0, 0, 0, 0.7)
	dc.DrawStringAnchored(label, x+1, y+1, 0, 0)
	dc.SetRGBA(1, 1, 1, 0.95)
	dc.DrawStringAnchored(label, x, y, 0, 0)
	return nil
}

var faceCache sync.Map // path+size -> font.Face

// setFace installs the configured TTF face on the drawing context. With no
// font configured the context keeps gg's built-in face, which is good enough
// for single-character labels.
func setFace(dc *gg.Context, overlay config.OverlayConfig) error {
	if overlay.FontPath == "" {
		return nil
	}
	size := overlay.FontSize
	if size <= 0 {
		size = 14
	}
	key := fmt.Sprintf("%s@%.1f", overlay.FontPath, size)
	if cached, ok := faceCache.Load(key); ok {
		dc.SetFontFace(cached.(font.Face))
		return nil
	}

	data, err := os.ReadFile(overlay.FontPath)
	if err != nil {
		return fmt.Errorf("load font: %w", err)
	}
	fnt, err := truetype.Parse(data)
	if err != nil {
		return fmt.Errorf("parse font: %w", err)
	}
	face := truetype.NewFace(fnt, &truetype.Options{Size: size})
	faceCache.Store(key, face)
	dc.SetFontFace(face)
	return nil
}
