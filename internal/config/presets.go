package config

import (
	"sort"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/landscape"
)

// Presets builds a fresh config per call so callers may override fields.
var Presets = map[string]func() *Config{
	"small": func() *Config {
		cfg := DefaultConfig()
		cfg.Landscape.Width, cfg.Landscape.Height = 16, 16
		cfg.Scheduler.BatchSize = 32
		cfg.Scheduler.MaxBatches = 4
		return cfg
	},
	"default": DefaultConfig,
	"large": func() *Config {
		cfg := DefaultConfig()
		cfg.Years = 50
		cfg.Landscape.Width, cfg.Landscape.Height = 256, 256
		cfg.Landscape.Environments = 16
		cfg.Scheduler.BatchSize = 1024
		cfg.Scheduler.MaxBatches = 16
		return cfg
	},
	// tiny batches and a small pool keep producers waiting on admission
	"contention": func() *Config {
		cfg := DefaultConfig()
		cfg.Landscape.Width, cfg.Landscape.Height = 48, 48
		cfg.Scheduler.BatchSize = 4
		cfg.Scheduler.MaxBatches = 2
		cfg.Scheduler.PollInterval = time.Millisecond
		return cfg
	},
	"mixed": func() *Config {
		cfg := DefaultConfig()
		cfg.States = append(cfg.States,
			landscape.State{ID: 5, Name: "grassland", Module: "grass"},
			landscape.State{ID: 6, Name: "burnt", Module: "grass"},
		)
		cfg.Modules = map[string]ModuleConfig{
			"grass": {
				Batch:     "simple",
				Residence: 3,
				Transitions: []TransitionConfig{
					{From: 5, To: 5, P: 0.7},
					{From: 5, To: 4, P: 0.3},
					{From: 6, To: 5, P: 1},
				},
			},
		}
		cfg.Output.Audit = true
		return cfg
	},
}

func GetPreset(name string) *Config {
	build, ok := Presets[name]
	if !ok {
		return nil
	}
	return build()
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
