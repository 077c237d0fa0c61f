package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinekit.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  max_items: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	if got := w.GetConfig().Cache.MaxItems; got != 1 {
		t.Fatalf("initial max_items = %d, want 1", got)
	}

	changed := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("cache:\n  max_items: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Cache.MaxItems != 7 {
			t.Errorf("reloaded max_items = %d, want 7", cfg.Cache.MaxItems)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if got := w.GetConfig().Cache.MaxItems; got != 7 {
		t.Errorf("GetConfig max_items = %d, want 7", got)
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinekit.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  max_items: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("cache:\n  max_items: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.reload()

	if got := w.GetConfig().Cache.MaxItems; got != 3 {
		t.Errorf("max_items = %d, want previous value 3", got)
	}
}

func TestNewWatcherInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store:\n  type: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWatcher(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}
