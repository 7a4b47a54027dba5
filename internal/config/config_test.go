package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestLoad_ParsesYAMLThenAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	yaml := "socket_addr: worker-1\nworker_id: w1\nmax_turns: 100\nsimulator_bin: /usr/bin/sim\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("BATTLECORE_MAX_TURNS", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketAddr != "worker-1" {
		t.Fatalf("got socket addr %q", cfg.SocketAddr)
	}
	if cfg.MaxTurns != 250 {
		t.Fatalf("got max turns %d, want env override 250", cfg.MaxTurns)
	}
}

func TestLoad_RejectsUnknownYAMLFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	yaml := "socket_addr: worker-1\nbogus_field: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an unknown-field error")
	}
}

func TestLoadDataset_MissingPathYieldsEmptyDataset(t *testing.T) {
	ds, err := LoadDataset("")
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	if ds.Raw != nil {
		t.Fatalf("expected an empty dataset, got %v", ds.Raw)
	}

	ds, err = LoadDataset(filepath.Join(t.TempDir(), "missing.msgpack"))
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	if ds.Raw != nil {
		t.Fatalf("expected an empty dataset for a missing file, got %v", ds.Raw)
	}
}

func TestLoadDataset_DecodesMsgpackCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.msgpack")
	raw, err := msgpack.Marshal(map[string]any{"species_usage": map[string]any{"gengar": 0.42}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ds, err := LoadDataset(path)
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	if ds.Raw["species_usage"] == nil {
		t.Fatalf("expected species_usage key, got %v", ds.Raw)
	}
}
