package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/landscape"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scheduler.PollInterval != DefaultPollInterval {
		t.Errorf("expected poll interval %v, got %v", DefaultPollInterval, cfg.Scheduler.PollInterval)
	}
	if len(cfg.States) == 0 {
		t.Error("expected a default state table")
	}
}

func TestLoad_OverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svd.yaml")
	data := `
years: 3
scheduler:
  batch_size: 2
  poll_interval: 20ms
modules:
  grass:
    residence: 2
    transitions:
      - {from: 5, to: 1, p: 1}
states:
  - {id: 1, name: spruce}
  - {id: 5, name: meadow, module: grass}
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Years != 3 || cfg.Scheduler.BatchSize != 2 {
		t.Errorf("overrides not applied: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.PollInterval != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.MaxBatches != DefaultMaxBatches {
		t.Errorf("expected default max batches, got %d", cfg.Scheduler.MaxBatches)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	m := cfg.Modules["grass"].Matrix(9)
	if got := m.Transitions[5]; len(got) != 1 || got[0].To != 1 {
		t.Errorf("unexpected transitions %+v", m.Transitions)
	}
	if m.Seed != 9 || m.Residence != 2 {
		t.Errorf("unexpected matrix config %+v", m)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	cfg := GetPreset("mixed")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Scheduler.PollInterval != cfg.Scheduler.PollInterval {
		t.Errorf("poll interval: got %v, want %v", got.Scheduler.PollInterval, cfg.Scheduler.PollInterval)
	}
	if len(got.States) != len(cfg.States) || got.Modules["grass"].Residence != 3 {
		t.Errorf("states or modules lost in round trip")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero years", func(c *Config) { c.Years = 0 }},
		{"empty landscape", func(c *Config) { c.Landscape.Width = 0 }},
		{"all null", func(c *Config) { c.Landscape.NullFraction = 1 }},
		{"zero batch size", func(c *Config) { c.Scheduler.BatchSize = 0 }},
		{"zero max batches", func(c *Config) { c.Scheduler.MaxBatches = 0 }},
		{"zero top-k", func(c *Config) { c.DNN.TopK = 0 }},
		{"duplicate state", func(c *Config) { c.States = append(c.States, c.States[0]) }},
		{"undefined module", func(c *Config) {
			c.States = append(c.States, landscape.State{ID: 9, Name: "x", Module: "fire"})
		}},
		{"inference matrix", func(c *Config) {
			c.Modules = map[string]ModuleConfig{"m": {Batch: "inference"}}
		}},
		{"unknown batch type", func(c *Config) {
			c.Modules = map[string]ModuleConfig{"m": {Batch: "bulk"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestGetPreset(t *testing.T) {
	cfg := GetPreset("small")
	if cfg == nil {
		t.Fatal("expected preset, got nil")
	}
	if cfg.Landscape.Width != 16 {
		t.Errorf("expected width 16, got %d", cfg.Landscape.Width)
	}

	cfg.Landscape.Width = 1
	if GetPreset("small").Landscape.Width != 16 {
		t.Error("preset shared state between calls")
	}
}

func TestGetPreset_NotFound(t *testing.T) {
	if cfg := GetPreset("nonexistent"); cfg != nil {
		t.Error("expected nil for nonexistent preset")
	}
}

func TestListPresets(t *testing.T) {
	names := ListPresets()
	if len(names) != len(Presets) {
		t.Fatalf("expected %d presets, got %d", len(Presets), len(names))
	}
	for _, name := range names {
		if err := GetPreset(name).Validate(); err != nil {
			t.Errorf("preset %s invalid: %v", name, err)
		}
	}
}
