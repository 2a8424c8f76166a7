package capture

import (
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"skywatch/internal/frame"
)

// SyntheticCamera renders a deterministic star field with sensor noise. It
// stands in for real hardware in development, the simulate command and
// long-run soak tests.
type SyntheticCamera struct {
	Seed      int64
	StarCount int

	mu          sync.Mutex
	rng         *rand.Rand
	stars       []syntheticStar
	initialized bool
}

type syntheticStar struct {
	// Position as fractions of the frame so any resolution works.
	fx, fy     float64
	brightness float64
}

var errNotInitialized = errors.New("synthetic camera not initialized")

// NewSyntheticCamera returns a camera seeded for reproducible frames.
func NewSyntheticCamera(seed int64) *SyntheticCamera {
	return &SyntheticCamera{Seed: seed, StarCount: 250}
}

func (c *SyntheticCamera) Initialize(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewSource(c.Seed))
	c.stars = make([]syntheticStar, c.StarCount)
	for i := range c.stars {
		c.stars[i] = syntheticStar{
			fx:         c.rng.Float64(),
			fy:         c.rng.Float64(),
			brightness: 0.3 + 0.7*c.rng.Float64(),
		}
	}
	c.initialized = true
	return nil
}

func (c *SyntheticCamera) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// Capture renders one frame. Noise scales with gain so stacked output is
// visibly cleaner than single frames, same as on real sensors.
func (c *SyntheticCamera) Capture(ctx context.Context, req CaptureRequest) (*frame.CapturedImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, errNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := req.Width, req.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	cx, cy := float64(w)/2, float64(h)/2
	maxR := math.Min(cx, cy)
	noise := 8 + 24*req.Exposure.Gain

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Dark sky inside the horizon circle, black vignette outside.
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			base := 0.0
			if d <= maxR {
				base = 18 * (1 - d/maxR*0.5)
			}
			v := base + c.rng.Float64()*noise
			o := img.PixOffset(x, y)
			img.Pix[o] = clamp8(v * 0.9)
			img.Pix[o+1] = clamp8(v * 0.95)
			img.Pix[o+2] = clamp8(v * 1.1)
			img.Pix[o+3] = 255
		}
	}

	for _, s := range c.stars {
		x := int(s.fx * float64(w))
		y := int(s.fy * float64(h))
		if math.Hypot(float64(x)-cx, float64(y)-cy) > maxR {
			continue
		}
		v := 120 + 135*s.brightness
		drawStar(img, x, y, v)
	}

	return &frame.CapturedImage{
		Image:     img,
		Timestamp: time.Now(),
		Exposure:  req.Exposure,
	}, nil
}

func drawStar(img *image.RGBA, x, y int, v float64) {
	offsets := []struct{ dx, dy int }{
		{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1},
	}
	b := img.Bounds()
	for i, off := range offsets {
		px, py := x+off.dx, y+off.dy
		if !(image.Point{px, py}).In(b) {
			continue
		}
		val := v
		if i > 0 {
			val = v * 0.4
		}
		o := img.PixOffset(px, py)
		img.Pix[o] = clamp8(float64(img.Pix[o]) + val)
		img.Pix[o+1] = clamp8(float64(img.Pix[o+1]) + val)
		img.Pix[o+2] = clamp8(float64(img.Pix[o+2]) + val)
	}
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
