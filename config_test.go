package shadowheap

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.JournalBufferSize != 32768 {
		t.Errorf("journal buffer size %d, want 32768", cfg.JournalBufferSize)
	}
	if cfg.MajorCollectThreshold != 1<<20 {
		t.Errorf("major collect threshold %d, want %d", cfg.MajorCollectThreshold, 1<<20)
	}
	if cfg.Workers != runtime.NumCPU() {
		t.Errorf("workers %d, want %d", cfg.Workers, runtime.NumCPU())
	}
	if cfg.MinSleep != time.Millisecond || cfg.MaxSleep != 100*time.Millisecond {
		t.Errorf("sleep bounds %v..%v, want 1ms..100ms", cfg.MinSleep, cfg.MaxSleep)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	data := []byte("journal-buffer-size: 1024\nworkers: 2\nmin-sleep: 2ms\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.JournalBufferSize != 1024 {
		t.Errorf("journal buffer size %d, want 1024", cfg.JournalBufferSize)
	}
	if cfg.Workers != 2 {
		t.Errorf("workers %d, want 2", cfg.Workers)
	}
	if cfg.MinSleep != 2*time.Millisecond {
		t.Errorf("min sleep %v, want 2ms", cfg.MinSleep)
	}
	// Unset fields take defaults.
	if cfg.BufferRun != 1024 || cfg.JournalRun != 32 {
		t.Errorf("drain limits %d/%d, want defaults 1024/32", cfg.BufferRun, cfg.JournalRun)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	if err := os.WriteFile(path, []byte("no-such-knob: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	if err := os.WriteFile(path, []byte("workers: -3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for negative workers")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
