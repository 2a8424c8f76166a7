package config

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the live configuration. Updates replace the current Config
// atomically and bump the version; readers get immutable snapshots. The
// capture loop and the background worker each compare the version once per
// iteration, so a change is picked up without interrupting in-flight frames.
type Manager struct {
	mu       sync.RWMutex
	cfg      *Config
	version  uint64
	snapshot CameraConfiguration
	log      *slog.Logger
}

// NewManager wraps an initial configuration at version 1.
func NewManager(cfg *Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{cfg: cfg, version: 1, log: log}
	m.snapshot = snapshotOf(cfg, 1)
	return m
}

// Snapshot returns the current immutable configuration snapshot.
func (m *Manager) Snapshot() CameraConfiguration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Version returns the current configuration version.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Config returns a copy of the full configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// Update applies fn to a copy of the configuration, validates it, and
// installs it as the new current version.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cfg
	// Deep-copy the one slice the mutator may touch.
	next.Filters = append([]string(nil), m.cfg.Filters...)
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}

	m.cfg = &next
	m.version++
	m.snapshot = snapshotOf(&next, m.version)
	m.log.Info("configuration updated", "version", m.version)
	return nil
}

// Replace installs a fully decoded configuration, as after a file reload.
func (m *Manager) Replace(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.version++
	m.snapshot = snapshotOf(cfg, m.version)
	m.log.Info("configuration replaced", "version", m.version)
	return nil
}

// Watch reloads the configuration whenever the file at path changes. It
// blocks until ctx is cancelled. A reload that fails to parse or validate is
// logged and skipped; the running configuration stays intact.
func (m *Manager) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(expanded); err != nil {
		return err
	}
	m.log.Info("watching configuration file", "path", expanded)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(expanded)
			if err != nil {
				m.log.Warn("configuration reload failed", "path", expanded, "error", err)
				continue
			}
			if err := m.Replace(cfg); err != nil {
				m.log.Warn("configuration reload rejected", "path", expanded, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("configuration watcher error", "error", err)
		}
	}
}
