package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("WAVE_SIZE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WaveSize != 3 {
		t.Errorf("expected wave size 3, got %d", cfg.WaveSize)
	}
	if cfg.WaveCooldown != 2*time.Second {
		t.Errorf("expected 2s cooldown, got %s", cfg.WaveCooldown)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("expected 1s base delay, got %s", cfg.RetryBaseDelay)
	}
	if cfg.Addr() != ":8000" {
		t.Errorf("expected :8000, got %s", cfg.Addr())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "genqueue.yaml")
	body := "store_driver: sqlite\nmax_concurrent: 7\nwave_cooldown: 500ms\nnode_id: from-file\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("NODE_ID", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.StoreDriver)
	}
	if cfg.MaxConcurrent != 7 {
		t.Errorf("expected 7, got %d", cfg.MaxConcurrent)
	}
	if cfg.WaveCooldown != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %s", cfg.WaveCooldown)
	}
	if cfg.NodeID != "from-env" {
		t.Errorf("expected env to win, got %s", cfg.NodeID)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.StoreDriver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown store driver")
	}

	cfg = Default()
	cfg.ProviderMode = "http"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for http mode without url")
	}

	cfg = Default()
	cfg.MaxConcurrent = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_concurrent")
	}
}
