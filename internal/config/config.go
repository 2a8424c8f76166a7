// Package config holds the user-editable settings for the capture service
// and the live snapshot mechanism the pipeline reads them through. The file
// format is JSON with defaults for every section; the Manager hands out
// immutable, version-tagged CameraConfiguration snapshots.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/skywatch/config.json"

	// Overflow policies for the background stacker queue.
	OverflowWait       = "wait"
	OverflowDropOldest = "drop_oldest"
)

// Config holds user-editable settings for the capture service.
type Config struct {
	Camera   CameraConfig   `json:"camera"`
	Stacking StackingConfig `json:"stacking"`
	Worker   WorkerConfig   `json:"background_stacker"`
	Adaptive AdaptiveConfig `json:"adaptive_queue"`
	Filters  []string       `json:"filters"`
	Encoding EncodingConfig `json:"encoding"`
	Overlay  OverlayConfig  `json:"overlay"`
	Site     SiteConfig     `json:"site"`
	Server   ServerConfig   `json:"server"`
	Logging  Logging        `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Writer   WriterConfig   `json:"writer"`
}

// CameraConfig drives the capture cadence and the sensor settings.
type CameraConfig struct {
	Source          string  `json:"source"` // "synthetic" or an adapter name
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	ExposureMs      int     `json:"exposure_ms"`
	Gain            float64 `json:"gain"`
	IntervalMs      int     `json:"interval_ms"`
	MinDelayMs      int     `json:"min_delay_ms"`
	RetryDelayMs    int     `json:"retry_delay_ms"`
	ReinitAfter     int     `json:"reinit_after"`      // consecutive failures before adapter re-init
	ReinitBackoffMs int     `json:"reinit_backoff_ms"` // backoff before re-initializing the adapter
}

// StackingConfig controls the sliding-window frame stacker.
type StackingConfig struct {
	Enabled    bool `json:"enabled"`
	FrameCount int  `json:"frame_count"`
}

// WorkerConfig controls the background stacking worker.
type WorkerConfig struct {
	Enabled        bool   `json:"enabled"`
	QueueCapacity  int    `json:"queue_capacity"`
	OverflowPolicy string `json:"overflow_policy"` // "wait" or "drop_oldest"
	RestartDelayMs int    `json:"restart_delay_ms"`
}

// AdaptiveConfig controls the adaptive queue capacity controller.
type AdaptiveConfig struct {
	Enabled            bool    `json:"enabled"`
	MinCapacity        int     `json:"min_capacity"`
	MaxCapacity        int     `json:"max_capacity"`
	ScaleUpStep        int     `json:"scale_up_step"`
	ScaleDownStep      int     `json:"scale_down_step"`
	ScaleUpThreshold   float64 `json:"scale_up_threshold"`   // fill percent
	ScaleDownThreshold float64 `json:"scale_down_threshold"` // fill percent
	EvaluationSeconds  int     `json:"evaluation_seconds"`
	CooldownSeconds    int     `json:"cooldown_seconds"`
	// ShrinkOnDrop couples DropOldest evictions to a capacity decrease.
	// The two mechanisms are independent by default.
	ShrinkOnDrop bool `json:"shrink_on_drop"`
}

// EncodingConfig selects the output format for processed frames.
type EncodingConfig struct {
	Format  string `json:"format"`  // "jpeg" or "png"
	Quality int    `json:"quality"` // jpeg quality 1-100
	Tool    string `json:"tool"`    // "native" or "imagick"
}

// OverlayConfig tunes the annotation filters.
type OverlayConfig struct {
	FontPath      string  `json:"font_path"`
	FontSize      float64 `json:"font_size"`
	TimeFormat    string  `json:"time_format"`
	GridSpacingPx int     `json:"grid_spacing_px"`
	StarLimit     int     `json:"star_limit"`
}

// SiteConfig describes the observing site and rig orientation.
type SiteConfig struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	RigName        string  `json:"rig_name"`
	FocalLengthMM  float64 `json:"focal_length_mm"`
	ApertureMM     float64 `json:"aperture_mm"`
	FlipHorizontal bool    `json:"flip_horizontal"`
	FlipVertical   bool    `json:"flip_vertical"`
	Refraction     bool    `json:"refraction"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// StorageConfig configures the frame history database.
type StorageConfig struct {
	Enabled      bool   `json:"enabled"`
	DatabasePath string `json:"database_path"`
	KeepFrames   int    `json:"keep_frames"`
}

// WriterConfig configures the periodic disk frame writer.
type WriterConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory"`
	EveryNth  int    `json:"every_nth"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// path may be empty, in which case SKYWATCH_CONFIG or the default location
// is used. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SKYWATCH_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0644)
}

// Validate checks cross-field constraints a decoded file may violate.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera dimensions must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Stacking.Enabled && c.Stacking.FrameCount < 1 {
		return errors.New("stacking.frame_count must be at least 1 when stacking is enabled")
	}
	switch c.Worker.OverflowPolicy {
	case OverflowWait, OverflowDropOldest:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Worker.OverflowPolicy)
	}
	if c.Worker.Enabled && c.Worker.QueueCapacity < 1 {
		return errors.New("background_stacker.queue_capacity must be at least 1")
	}
	if c.Adaptive.Enabled {
		if c.Adaptive.MinCapacity < 1 || c.Adaptive.MaxCapacity < c.Adaptive.MinCapacity {
			return errors.New("adaptive_queue capacities must satisfy 1 <= min <= max")
		}
		if c.Adaptive.ScaleUpThreshold <= c.Adaptive.ScaleDownThreshold {
			return errors.New("adaptive_queue scale_up_threshold must exceed scale_down_threshold")
		}
	}
	switch strings.ToLower(c.Encoding.Format) {
	case "jpeg", "jpg", "png":
	default:
		return fmt.Errorf("unsupported encoding format %q", c.Encoding.Format)
	}
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Source:          "synthetic",
			Width:           1280,
			Height:          960,
			ExposureMs:      5000,
			Gain:            1.0,
			IntervalMs:      10000,
			MinDelayMs:      250,
			RetryDelayMs:    2000,
			ReinitAfter:     5,
			ReinitBackoffMs: 15000,
		},
		Stacking: StackingConfig{
			Enabled:    true,
			FrameCount: 4,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			QueueCapacity:  24,
			OverflowPolicy: OverflowDropOldest,
			RestartDelayMs: 3000,
		},
		Adaptive: AdaptiveConfig{
			Enabled:            false,
			MinCapacity:        16,
			MaxCapacity:        40,
			ScaleUpStep:        4,
			ScaleDownStep:      4,
			ScaleUpThreshold:   70,
			ScaleDownThreshold: 25,
			EvaluationSeconds:  10,
			CooldownSeconds:    30,
		},
		Filters: []string{"grid", "constellations", "cardinal", "timestamp"},
		Encoding: EncodingConfig{
			Format:  "jpeg",
			Quality: 90,
			Tool:    "native",
		},
		Overlay: OverlayConfig{
			FontSize:      14,
			TimeFormat:    "2006-01-02 15:04:05 MST",
			GridSpacingPx: 120,
			StarLimit:     50,
		},
		Site: SiteConfig{
			Latitude:      46.5,
			Longitude:     6.6,
			RigName:       "allsky-01",
			FocalLengthMM: 1.85,
			ApertureMM:    1.2,
			Refraction:    true,
		},
		Server: ServerConfig{
			Addr: ":8089",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Storage: StorageConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(os.TempDir(), "skywatch.db"),
			KeepFrames:   5000,
		},
		Writer: WriterConfig{
			Enabled:   false,
			Directory: "./frames",
			EveryNth:  1,
		},
	}
}

func expandUser(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// CameraConfiguration is an immutable snapshot of the settings the pipeline
// reads per frame, tagged with a monotonically increasing version. A work
// item captures the snapshot active at enqueue time, so a configuration
// change after enqueue never mutates a frame already in flight.
type CameraConfiguration struct {
	Version  uint64
	Camera   CameraConfig
	Stacking StackingConfig
	Worker   WorkerConfig
	Adaptive AdaptiveConfig
	Filters  []string
	Encoding EncodingConfig
	Overlay  OverlayConfig
	Site     SiteConfig
	Writer   WriterConfig
}

// Interval returns the configured capture cadence.
func (c CameraConfiguration) Interval() time.Duration {
	return time.Duration(c.Camera.IntervalMs) * time.Millisecond
}

// MinDelay returns the minimum inter-frame pause.
func (c CameraConfiguration) MinDelay() time.Duration {
	return time.Duration(c.Camera.MinDelayMs) * time.Millisecond
}

// ExposureDuration returns the configured exposure time.
func (c CameraConfiguration) ExposureDuration() time.Duration {
	return time.Duration(c.Camera.ExposureMs) * time.Millisecond
}

// FrameBytes estimates the memory footprint of one RGBA frame buffer.
func (c CameraConfiguration) FrameBytes() int64 {
	return int64(c.Camera.Width) * int64(c.Camera.Height) * 4
}

func snapshotOf(cfg *Config, version uint64) CameraConfiguration {
	filters := make([]string, len(cfg.Filters))
	copy(filters, cfg.Filters)
	return CameraConfiguration{
		Version:  version,
		Camera:   cfg.Camera,
		Stacking: cfg.Stacking,
		Worker:   cfg.Worker,
		Adaptive: cfg.Adaptive,
		Filters:  filters,
		Encoding: cfg.Encoding,
		Overlay:  cfg.Overlay,
		Site:     cfg.Site,
		Writer:   cfg.Writer,
	}
}
