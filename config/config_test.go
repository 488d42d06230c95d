package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
erasure:
  data_chunks: 4
  parity_chunks: 2
backends:
  - kind: local
    name: d0
    root: /tmp/d0
  - kind: local
    name: d1
    root: /tmp/d1
  - kind: local
    name: d2
    root: /tmp/d2
  - kind: local
    name: d3
    root: /tmp/d3
  - kind: local
    name: p0
    root: /tmp/p0
  - kind: local
    name: p1
    root: /tmp/p1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.MaxBytes != 256*1024*1024 {
		t.Fatalf("expected default cache max_bytes, got %d", cfg.Cache.MaxBytes)
	}
	if cfg.Cache.TTL != "5m" {
		t.Fatalf("expected default cache ttl 5m, got %q", cfg.Cache.TTL)
	}
	if cfg.AsyncUpload.WorkerThreads != 4 {
		t.Fatalf("expected default worker_threads 4, got %d", cfg.AsyncUpload.WorkerThreads)
	}
	if cfg.Admin.Listen != "127.0.0.1:9521" {
		t.Fatalf("expected default admin listen address, got %q", cfg.Admin.Listen)
	}
	if cfg.Admin.HTTPListen != "127.0.0.1:9522" {
		t.Fatalf("expected default admin http listen address, got %q", cfg.Admin.HTTPListen)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error loading a missing config file")
	}
}

func TestValidateRejectsBackendCountMismatch(t *testing.T) {
	cfg := &Config{
		Erasure:  ErasureConfig{DataChunks: 4, ParityChunks: 2},
		Backends: []BackendConfig{{Kind: "local", Root: "/tmp/a"}},
		Cache:    CacheConfig{TTL: "1m"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected backend count mismatch error")
	}
}

func TestValidateRejectsNonPositiveDataChunks(t *testing.T) {
	cfg := &Config{
		Erasure: ErasureConfig{DataChunks: 0, ParityChunks: 2},
		Cache:   CacheConfig{TTL: "1m"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for non-positive data_chunks")
	}
}

func TestValidateRejectsMissingBackendFields(t *testing.T) {
	cfg := &Config{
		Erasure:  ErasureConfig{DataChunks: 1, ParityChunks: 0},
		Backends: []BackendConfig{{Kind: "local"}}, // missing root
		Cache:    CacheConfig{TTL: "1m"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for local backend missing root")
	}
}

func TestValidateRejectsUnknownBackendKind(t *testing.T) {
	cfg := &Config{
		Erasure:  ErasureConfig{DataChunks: 1, ParityChunks: 0},
		Backends: []BackendConfig{{Kind: "ftp"}},
		Cache:    CacheConfig{TTL: "1m"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown backend kind")
	}
}

func TestValidateRejectsBadCacheTTL(t *testing.T) {
	cfg := &Config{
		Erasure:  ErasureConfig{DataChunks: 1, ParityChunks: 0},
		Backends: []BackendConfig{{Kind: "local", Root: "/tmp/a"}},
		Cache:    CacheConfig{TTL: "not-a-duration"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for invalid cache ttl")
	}
}

func TestBuildBackendsLocal(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		Backends: []BackendConfig{
			{Kind: "local", Name: "d0", Root: filepath.Join(root, "d0")},
			{Kind: "local", Name: "d1", Root: filepath.Join(root, "d1")},
		},
	}
	backends, err := BuildBackends(cfg)
	if err != nil {
		t.Fatalf("BuildBackends: %v", err)
	}
	if len(backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(backends))
	}
	if backends[0].Name() != "d0" || backends[1].Name() != "d1" {
		t.Fatalf("unexpected backend names: %s, %s", backends[0].Name(), backends[1].Name())
	}
}

func TestBuildBackendsRejectsUnknownKind(t *testing.T) {
	cfg := &Config{Backends: []BackendConfig{{Kind: "ftp"}}}
	if _, err := BuildBackends(cfg); err == nil {
		t.Fatalf("expected error for unknown backend kind")
	}
}
