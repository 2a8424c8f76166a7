package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero width", func(c *Config) { c.Camera.Width = 0 }, "dimensions"},
		{"negative height", func(c *Config) { c.Camera.Height = -1 }, "dimensions"},
		{"zero stack count", func(c *Config) { c.Stacking.FrameCount = 0 }, "frame_count"},
		{"bad policy", func(c *Config) { c.Worker.OverflowPolicy = "newest_wins" }, "overflow policy"},
		{"zero capacity", func(c *Config) { c.Worker.QueueCapacity = 0 }, "queue_capacity"},
		{"inverted adaptive bounds", func(c *Config) {
			c.Adaptive.Enabled = true
			c.Adaptive.MinCapacity = 20
			c.Adaptive.MaxCapacity = 10
		}, "min <= max"},
		{"crossed adaptive thresholds", func(c *Config) {
			c.Adaptive.Enabled = true
			c.Adaptive.ScaleUpThreshold = 20
			c.Adaptive.ScaleDownThreshold = 30
		}, "scale_up_threshold"},
		{"bad format", func(c *Config) { c.Encoding.Format = "webp" }, "encoding format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Camera.Width = 800
	cfg.Camera.Height = 600
	cfg.Filters = []string{"timestamp"}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 800, loaded.Camera.Width)
	assert.Equal(t, 600, loaded.Camera.Height)
	assert.Equal(t, []string{"timestamp"}, loaded.Filters)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Camera.Width, loaded.Camera.Width)
}

func TestManagerVersioning(t *testing.T) {
	m := NewManager(Default(), nil)
	assert.Equal(t, uint64(1), m.Version())
	assert.Equal(t, uint64(1), m.Snapshot().Version)

	require.NoError(t, m.Update(func(c *Config) {
		c.Stacking.FrameCount = 8
	}))
	assert.Equal(t, uint64(2), m.Version())
	assert.Equal(t, 8, m.Snapshot().Stacking.FrameCount)

	// A rejected update leaves version and snapshot untouched.
	err := m.Update(func(c *Config) { c.Camera.Width = 0 })
	require.Error(t, err)
	assert.Equal(t, uint64(2), m.Version())
	assert.Equal(t, 8, m.Snapshot().Stacking.FrameCount)
}

func TestManagerReplaceValidates(t *testing.T) {
	m := NewManager(Default(), nil)

	bad := Default()
	bad.Encoding.Format = "webp"
	require.Error(t, m.Replace(bad))
	assert.Equal(t, uint64(1), m.Version())

	good := Default()
	good.Camera.IntervalMs = 2000
	require.NoError(t, m.Replace(good))
	assert.Equal(t, uint64(2), m.Version())
	assert.Equal(t, 2*time.Second, m.Snapshot().Interval())
}

func TestSnapshotFiltersAreIsolatedFromConfig(t *testing.T) {
	m := NewManager(Default(), nil)
	snap := m.Snapshot()
	require.NotEmpty(t, snap.Filters)

	snap.Filters[0] = "mutated"
	assert.NotEqual(t, "mutated", m.Config().Filters[0],
		"the snapshot holds its own copy of the filter list")
}

func TestCameraConfigurationHelpers(t *testing.T) {
	snap := NewManager(Default(), nil).Snapshot()
	assert.Equal(t, 10*time.Second, snap.Interval())
	assert.Equal(t, 250*time.Millisecond, snap.MinDelay())
	assert.Equal(t, int64(1280*960*4), snap.FrameBytes())
}
