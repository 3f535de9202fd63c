package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/warden/internal/config"
)

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := filepath.Join(homeDir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("strict_mode: false\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	cfg, err := config.LoadDir(homeDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher is ready instead of sleeping.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(policyPath, []byte("strict_mode: true\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("strict_mode: true\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	cfg, err := config.LoadDir(homeDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	for ev := range w.Events() {
		t.Fatalf("unexpected event for %s", ev.Path)
	}
}
