package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file, and the system prompt file it references, and
// calls a callback when a valid new configuration is found.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu          sync.Mutex
	current     *Config
	fingerprint [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and returns a Watcher for it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.fingerprint = fp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the files immediately. It reports whether a new config was
// applied. An invalid config is returned as an error and the current one is
// kept.
func (w *Watcher) Reload() (bool, error) {
	cfg, fp, err := w.load()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if fp == w.fingerprint {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current = cfg
	w.fingerprint = fp
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// load parses and validates the config file and returns it together with a
// hash over the file and the system prompt file.
func (w *Watcher) load() (*Config, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, err
	}

	h := sha256.New()
	h.Write(data)
	if p := cfg.Assistant.SystemPromptFile; p != "" {
		prompt, err := os.ReadFile(p)
		if err != nil {
			return nil, zero, fmt.Errorf("config: read system prompt: %w", err)
		}
		h.Write([]byte{0})
		h.Write(prompt)
	}

	var fp [sha256.Size]byte
	copy(fp[:], h.Sum(nil))
	return cfg, fp, nil
}
