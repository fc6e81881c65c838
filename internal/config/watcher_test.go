package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/spark/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
transport:
  url: ws://localhost:9000
assistant:
  voice_name: Puck
`

const watcherUpdatedYAML = `
server:
  log_level: debug
transport:
  url: ws://localhost:9000
assistant:
  voice_name: Kore
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Assistant.VoiceName != "Puck" {
		t.Errorf("voice_name: got %q, want %q", cfg.Assistant.VoiceName, "Puck")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunDetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var callbackOld, callbackNew *config.Config
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callbackOld, callbackNew = old, new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, cfgPath, watcherUpdatedYAML)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	if callbackOld.Assistant.VoiceName != "Puck" || callbackNew.Assistant.VoiceName != "Kore" {
		t.Errorf("callback voices: old=%q new=%q", callbackOld.Assistant.VoiceName, callbackNew.Assistant.VoiceName)
	}
	mu.Unlock()

	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	calls := 0
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) { calls++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, cfgPath, watcherInvalidYAML)
	changed, err := w.Reload()
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if changed || calls != 0 {
		t.Errorf("changed=%v calls=%d, want false/0", changed, calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	calls := 0
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) { calls++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	if changed, err := w.Reload(); err != nil || changed {
		t.Errorf("Reload() = %v, %v; want false, nil", changed, err)
	}
	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}

func TestWatcher_PromptFileChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "prompt.txt")
	writeFile(t, promptPath, "first")
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "transport:\n  url: ws://x\nassistant:\n  system_prompt_file: "+promptPath+"\n")

	var got string
	w, err := config.NewWatcher(cfgPath, func(_, new *config.Config) {
		got, _ = new.Assistant.Prompt()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, promptPath, "second")
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() = %v, %v; want true, nil", changed, err)
	}
	if got != "second" {
		t.Errorf("prompt after reload = %q, want %q", got, "second")
	}
}
