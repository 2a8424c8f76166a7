// Package render holds the optical/rendering apparatus threaded through the
// capture pipeline: the rig description, the sky-to-pixel projector and the
// overlay engine. The projection math itself lives behind the Projector and
// Engine interfaces; the pipeline only cares about handing one apparatus
// instance to every filter and releasing it when the cycle is done.
package render

import (
	"math"
	"time"
)

// Observer is the geographic location frames are captured from.
type Observer struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Rig describes the optical train used for a capture.
type Rig struct {
	Name          string
	FocalLengthMM float64
	ApertureMM    float64
	ImageWidth    int
	ImageHeight   int
}

// SkyPoint is a horizontal coordinate in degrees.
type SkyPoint struct {
	Alt float64
	Az  float64
}

// Star is a catalog entry the overlay engine can hand to filters.
type Star struct {
	Name      string
	Magnitude float64
	Pos       SkyPoint
}

// Line is one segment of a constellation figure, already in horizontal
// coordinates for the capture instant.
type Line struct {
	From SkyPoint
	To   SkyPoint
}

// Projector maps horizontal coordinates onto image pixels. ok is false when
// the point falls outside the imaged hemisphere.
type Projector interface {
	Project(p SkyPoint) (x, y float64, ok bool)
}

// Engine produces the overlay geometry for a capture instant. Implementations
// own the catalog and the coordinate transforms; the pipeline treats them as
// opaque.
type Engine interface {
	ConstellationLines(t time.Time, obs Observer) []Line
	BrightStars(t time.Time, obs Observer, limit int) []Star
}

// EquidistantProjector implements the classic all-sky fisheye mapping:
// radius proportional to zenith angle, azimuth measured clockwise from north.
type EquidistantProjector struct {
	CenterX float64
	CenterY float64
	Radius  float64 // pixel radius of the horizon circle
}

// NewEquidistantProjector centers the projection on a width x height frame.
func NewEquidistantProjector(width, height int) *EquidistantProjector {
	r := float64(width)
	if height < width {
		r = float64(height)
	}
	return &EquidistantProjector{
		CenterX: float64(width) / 2,
		CenterY: float64(height) / 2,
		Radius:  r / 2,
	}
}

func (p *EquidistantProjector) Project(sp SkyPoint) (float64, float64, bool) {
	if sp.Alt < 0 {
		return 0, 0, false
	}
	// Zenith angle 0..90 maps linearly onto 0..Radius.
	r := (90 - sp.Alt) / 90 * p.Radius
	az := sp.Az * math.Pi / 180
	x := p.CenterX + r*math.Sin(az)
	y := p.CenterY - r*math.Cos(az)
	return x, y, true
}

// StaticEngine is a fixed-geometry overlay engine. It serves the synthetic
// camera and tests; a plate-solving engine implementing the same interface
// plugs in for real rigs.
type StaticEngine struct {
	Lines []Line
	Stars []Star
}

// NewStaticEngine returns an engine with a small demo figure high in the
// northern sky so overlays are visible on any frame.
func NewStaticEngine() *StaticEngine {
	dipper := []SkyPoint{
		{Alt: 62, Az: 15}, {Alt: 60, Az: 25}, {Alt: 57, Az: 33},
		{Alt: 54, Az: 40}, {Alt: 50, Az: 47}, {Alt: 46, Az: 44}, {Alt: 48, Az: 36},
	}
	e := &StaticEngine{}
	for i := 0; i < len(dipper)-1; i++ {
		e.Lines = append(e.Lines, Line{From: dipper[i], To: dipper[i+1]})
	}
	for i, p := range dipper {
		e.Stars = append(e.Stars, Star{
			Name:      "demo",
			Magnitude: 2.0 + float64(i)*0.2,
			Pos:       p,
		})
	}
	return e
}

func (e *StaticEngine) ConstellationLines(_ time.Time, _ Observer) []Line {
	return e.Lines
}

func (e *StaticEngine) BrightStars(_ time.Time, _ Observer, limit int) []Star {
	if limit <= 0 || limit >= len(e.Stars) {
		return e.Stars
	}
	return e.Stars[:limit]
}
