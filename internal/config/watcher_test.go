package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
backend:
  urls: [ws://backend.local/ws]
vad:
  threshold: 0.02
`
	tunedYAML = `
server:
  log_level: debug
backend:
  urls: [ws://backend.local/ws]
vad:
  threshold: 0.05
`
	movedBackendYAML = `
backend:
  urls: [ws://elsewhere.local/ws]
`
	brokenYAML = `
server:
  log_level: bananas
`
)

// writeConfig writes content with an mtime of age ago so successive writes
// are always distinguishable by mtime.
func writeConfig(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func newWatcher(t *testing.T, content string) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, content, time.Hour)
	w, err := config.NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, baseYAML)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", got, config.LogInfo)
	}
	if _, ok, err := w.Check(); ok || err != nil {
		t.Errorf("Check on untouched file: got ok=%v err=%v, want no change", ok, err)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		next        string
		wantOK      bool
		wantErr     bool
		wantLevel   config.LogLevel
		wantRestart int
	}{
		{name: "hot reloadable edit", next: tunedYAML, wantOK: true, wantLevel: config.LogDebug},
		{name: "restart required", next: movedBackendYAML, wantOK: true, wantLevel: config.LogInfo, wantRestart: 1},
		{name: "invalid file", next: brokenYAML, wantErr: true, wantLevel: config.LogInfo},
		{name: "touched only", next: baseYAML, wantLevel: config.LogInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, path := newWatcher(t, baseYAML)
			writeConfig(t, path, tt.next, time.Minute)

			ch, ok, err := w.Check()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tt.wantOK)
			}
			if got := w.Current().Server.LogLevel; got != tt.wantLevel {
				t.Errorf("current log_level: got %q, want %q", got, tt.wantLevel)
			}
			if !ok {
				return
			}
			if ch.Old.Server.LogLevel != config.LogInfo {
				t.Errorf("old log_level: got %q", ch.Old.Server.LogLevel)
			}
			if len(ch.Diff.RestartRequired) != tt.wantRestart {
				t.Errorf("restart required: got %v, want %d sections", ch.Diff.RestartRequired, tt.wantRestart)
			}
			if _, again, _ := w.Check(); again {
				t.Error("second Check reported the same change again")
			}
		})
	}
}

func TestWatcher_RunAppliesChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, baseYAML, time.Hour)
	w, err := config.NewWatcher(path, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan config.Change, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(ch config.Change) {
			select {
			case changes <- ch:
			default:
			}
		})
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeConfig(t, path, tunedYAML, time.Minute)

	select {
	case ch := <-changes:
		if !ch.Diff.VADChanged || !ch.Diff.LogLevelChanged || len(ch.Diff.RestartRequired) != 0 {
			t.Errorf("diff: got %+v, want vad and log level changed only", ch.Diff)
		}
		if ch.New.VAD.Threshold != 0.05 {
			t.Errorf("new threshold: got %v, want 0.05", ch.New.VAD.Threshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change was not applied within timeout")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeConfig(t, path, baseYAML, time.Hour)
	w, err := config.NewWatcher(path, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, nil)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
