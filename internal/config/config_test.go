package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "config.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}

	if cfg.Port != ":8010" {
		t.Errorf("Port = %s", cfg.Port)
	}
	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.HeartbeatTimeout != 6*time.Second {
		t.Errorf("HeartbeatTimeout = %s", cfg.HeartbeatTimeout)
	}
	if cfg.HandlerPool.CoreWorkers != 8 {
		t.Errorf("HandlerPool.CoreWorkers = %d", cfg.HandlerPool.CoreWorkers)
	}

	// A second load reads the file it just wrote.
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("second LoadConfig: %v", err)
	}
	if again.Port != cfg.Port || again.BatchSize != cfg.BatchSize {
		t.Errorf("reloaded config differs: %+v", again)
	}
}

func TestLoadConfigAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := []byte("port: \":9999\"\nbatch_size: 50\nproducer_pool:\n  core_workers: 2\n")
	if err := os.WriteFile(path, partial, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Port != ":9999" {
		t.Errorf("explicit Port lost: %s", cfg.Port)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("explicit BatchSize lost: %d", cfg.BatchSize)
	}
	if cfg.PreloadCount != 20 {
		t.Errorf("PreloadCount default not applied: %d", cfg.PreloadCount)
	}
	if cfg.ReconcileInterval != 2*time.Second {
		t.Errorf("ReconcileInterval default not applied: %s", cfg.ReconcileInterval)
	}
	if cfg.HTTPReadTimeout != 5*time.Second || cfg.HTTPIdleTimeout != 120*time.Second {
		t.Errorf("HTTP timeout defaults not applied: read=%s idle=%s", cfg.HTTPReadTimeout, cfg.HTTPIdleTimeout)
	}
	if cfg.ProducerPool.CoreWorkers != 2 {
		t.Errorf("explicit pool size lost: %d", cfg.ProducerPool.CoreWorkers)
	}
	if cfg.ProducerPool.MaxWorkers != 16 {
		t.Errorf("pool default not applied: %d", cfg.ProducerPool.MaxWorkers)
	}
}

func TestLoadConfigRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: [not: valid"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for invalid YAML")
	}
}
