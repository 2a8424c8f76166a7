// Package stacker combines a newly captured frame with a sliding window of
// prior frames into one output frame. The window holds private copies of the
// most recent N frames; the caller keeps ownership of the input buffer.
package stacker

import (
	"errors"
	"image"
	"log/slog"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/frame"
)

// ErrNoFrame is returned when Accumulate is called without an image buffer.
var ErrNoFrame = errors.New("stacker: capture has no image buffer")

// Accumulator is the contract the capture loop and the background worker
// drive the stacker through.
type Accumulator interface {
	Accumulate(capture *frame.CapturedImage, cfg config.CameraConfiguration) (*frame.StackResult, error)
	Reset()
}

// ConfigChangeListener is an optional capability an Accumulator may
// implement to react to a configuration change with something smarter than a
// full reset. Callers check for it and fall back to Reset when absent.
type ConfigChangeListener interface {
	OnConfigurationChanged(prev, next config.CameraConfiguration)
}

type windowFrame struct {
	img      *image.RGBA
	exposure time.Duration
}

// FrameStacker is the default sliding-window mean stacker.
type FrameStacker struct {
	window []windowFrame
	log    *slog.Logger
}

// New returns an empty stacker.
func New(log *slog.Logger) *FrameStacker {
	if log == nil {
		log = slog.Default()
	}
	return &FrameStacker{log: log}
}

// WindowSize returns the number of frames currently held.
func (s *FrameStacker) WindowSize() int { return len(s.window) }

// Reset discards the window.
func (s *FrameStacker) Reset() {
	s.window = nil
}

// OnConfigurationChanged adjusts the window for a configuration change
// instead of unconditionally discarding it. Structural changes (stacking
// toggled, dimensions changed) force a reset; a reduced frame count trims
// the oldest members; anything else keeps the window intact.
func (s *FrameStacker) OnConfigurationChanged(prev, next config.CameraConfiguration) {
	switch {
	case prev.Stacking.Enabled != next.Stacking.Enabled,
		prev.Camera.Width != next.Camera.Width,
		prev.Camera.Height != next.Camera.Height:
		s.Reset()
	case next.Stacking.FrameCount < prev.Stacking.FrameCount:
		if excess := len(s.window) - next.Stacking.FrameCount; excess > 0 {
			s.window = s.window[excess:]
		}
	}
}

// Accumulate folds the capture into the window and returns the stacked
// result. When stacking is disabled the input frame passes through
// unchanged: stacked and original buffers are the same instance and the
// carried context is forwarded, never duplicated or disposed here.
func (s *FrameStacker) Accumulate(capture *frame.CapturedImage, cfg config.CameraConfiguration) (*frame.StackResult, error) {
	if capture == nil || capture.Image == nil {
		return nil, ErrNoFrame
	}

	if !cfg.Stacking.Enabled {
		return &frame.StackResult{
			StackedImage:  capture.Image,
			OriginalImage: capture.Image,
			Timestamp:     capture.Timestamp,
			Exposure:      capture.Exposure,
			Context:       capture.Context,
			FramesStacked: 1,
			Integration:   capture.Exposure.Duration,
		}, nil
	}

	// A live dimension change leaves stale members in the window; reset
	// rather than combine mismatched buffers.
	if len(s.window) > 0 && !s.window[0].img.Bounds().Eq(capture.Image.Bounds()) {
		s.log.Warn("stack window dimension mismatch, resetting",
			"window", s.window[0].img.Bounds(),
			"capture", capture.Image.Bounds(),
		)
		s.Reset()
	}

	s.push(capture, cfg.Stacking.FrameCount)

	stacked := s.combine()
	var integration time.Duration
	for _, w := range s.window {
		integration += w.exposure
	}

	return &frame.StackResult{
		StackedImage:  stacked,
		OriginalImage: capture.Image,
		Timestamp:     capture.Timestamp,
		Exposure:      capture.Exposure,
		Context:       capture.Context,
		FramesStacked: len(s.window),
		Integration:   integration,
	}, nil
}

func (s *FrameStacker) push(capture *frame.CapturedImage, limit int) {
	cp := image.NewRGBA(capture.Image.Bounds())
	copy(cp.Pix, capture.Image.Pix)
	s.window = append(s.window, windowFrame{img: cp, exposure: capture.Exposure.Duration})
	if limit < 1 {
		limit = 1
	}
	for len(s.window) > limit {
		s.window = s.window[1:]
	}
}

// combine computes the pixel-wise mean over the window into a fresh buffer.
func (s *FrameStacker) combine() *image.RGBA {
	out := image.NewRGBA(s.window[0].img.Bounds())
	n := uint32(len(s.window))
	if n == 1 {
		copy(out.Pix, s.window[0].img.Pix)
		return out
	}

	sums := make([]uint32, len(out.Pix))
	for _, w := range s.window {
		for i, v := range w.img.Pix {
			sums[i] += uint32(v)
		}
	}
	for i, sum := range sums {
		out.Pix[i] = uint8(sum / n)
	}
	return out
}
