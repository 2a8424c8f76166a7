package frame

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"skywatch/internal/render"
)

func TestContextReleaseFiresOnce(t *testing.T) {
	calls := 0
	ctx := NewContext(render.Rig{}, nil, nil, render.Observer{}, func() { calls++ })

	assert.False(t, ctx.Released())
	ctx.Release()
	ctx.Release()
	ctx.Release()
	assert.True(t, ctx.Released())
	assert.Equal(t, 1, calls, "release callback must fire exactly once")
}

func TestContextReleaseConcurrent(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	ctx := NewContext(render.Rig{}, nil, nil, render.Observer{}, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestNilContextReleaseIsSafe(t *testing.T) {
	var ctx *Context
	ctx.Release()
	assert.True(t, ctx.Released())

	var capture *CapturedImage
	capture.Release()

	var res *StackResult
	res.Release()
}

func TestContextFactoryTracksInFlight(t *testing.T) {
	f := &ContextFactory{}

	a := f.New(time.Now())
	b := f.New(time.Now())
	assert.Equal(t, int64(2), f.InFlight())
	assert.Equal(t, uint64(2), f.Issued())

	a.Release()
	assert.Equal(t, int64(1), f.InFlight())
	b.Release()
	b.Release()
	assert.Equal(t, int64(0), f.InFlight(), "idempotent release must not go negative")
	assert.Equal(t, uint64(2), f.Issued())
}

func TestContextFactoryCopiesApparatus(t *testing.T) {
	f := &ContextFactory{
		Rig:            render.Rig{Name: "rig-a", ImageWidth: 640, ImageHeight: 480},
		FlipHorizontal: true,
		Refraction:     true,
	}
	at := time.Date(2026, 8, 23, 22, 0, 0, 0, time.UTC)
	ctx := f.New(at)

	assert.Equal(t, "rig-a", ctx.Rig.Name)
	assert.True(t, ctx.FlipHorizontal)
	assert.False(t, ctx.FlipVertical)
	assert.True(t, ctx.Refraction)
	assert.Equal(t, at, ctx.CapturedAt)
}
