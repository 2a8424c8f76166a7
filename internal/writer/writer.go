// Package writer persists published frames to disk and assembles
// timelapses from them. It subscribes to the frame state store and never
// touches the pipeline directly, so a slow disk cannot stall capture.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"skywatch/internal/config"
	"skywatch/internal/fsutil"
	"skywatch/internal/state"
)

// FrameWriter writes every Nth published frame into a per-day directory.
type FrameWriter struct {
	store *state.Store
	log   *slog.Logger

	written uint64
	seen    uint64
}

// NewFrameWriter builds a writer reading from store.
func NewFrameWriter(store *state.Store, log *slog.Logger) *FrameWriter {
	if log == nil {
		log = slog.Default()
	}
	return &FrameWriter{store: store, log: log}
}

// Written reports frames persisted so far.
func (w *FrameWriter) Written() uint64 { return w.written }

// Run consumes published frames until ctx is cancelled. Write failures are
// logged and skipped; the subscription keeps draining either way.
func (w *FrameWriter) Run(ctx context.Context) error {
	sub, unsub := w.store.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-sub:
			if !ok {
				return nil
			}
			cfg := w.store.Configuration()
			if !cfg.Writer.Enabled || f == nil {
				continue
			}
			w.seen++
			nth := cfg.Writer.EveryNth
			if nth < 1 {
				nth = 1
			}
			if (w.seen-1)%uint64(nth) != 0 {
				continue
			}
			if err := w.writeFrame(cfg, f.Data, f.Format, f.Timestamp); err != nil {
				w.log.Error("frame write failed", "error", err)
			}
		}
	}
}

func (w *FrameWriter) writeFrame(cfg config.CameraConfiguration, data []byte, format string, ts time.Time) error {
	dir := filepath.Join(cfg.Writer.Directory, ts.Format("2006-01-02"))
	if err := fsutil.EnsureDir(dir); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	name := ts.Format("150405.000")
	ext := "." + format
	path := filepath.Join(dir, name+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.written++
	w.log.Debug("frame written", "path", path, "bytes", len(data))
	return nil
}
