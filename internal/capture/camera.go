// Package capture drives the acquisition cadence: it owns the camera
// adapter, paces exposures against the configured interval, and hands
// captured frames to the background stacking worker or processes them
// inline when the worker is unavailable.
package capture

import (
	"context"

	"skywatch/internal/frame"
)

// CaptureRequest carries the per-exposure settings into the adapter.
type CaptureRequest struct {
	Exposure frame.Exposure
	Width    int
	Height   int
}

// Camera is the adapter boundary to the physical or synthetic sensor.
// Initialization and shutdown failures are treated as retryable.
type Camera interface {
	Initialize(ctx context.Context) error
	Capture(ctx context.Context, req CaptureRequest) (*frame.CapturedImage, error)
	Shutdown() error
}
