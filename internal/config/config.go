package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"github.com/SVDmodel/SVD-sub000/internal/module"
)

const (
	DefaultYears             = 10
	DefaultWidth             = 64
	DefaultHeight            = 64
	DefaultBatchSize         = 256
	DefaultMaxBatches        = 8
	DefaultPollInterval      = 5 * time.Millisecond
	DefaultWarnEvery         = 1000
	DefaultMaxWaitIterations = 12000
	DefaultTopK              = 10
	DefaultTimeClasses       = 10
	DefaultHidden            = 32
	DefaultOutputDir         = "runs"
)

type Config struct {
	Seed      int64                   `yaml:"seed"`
	Years     int                     `yaml:"years"`
	Threads   int                     `yaml:"threads"`
	Landscape LandscapeConfig         `yaml:"landscape"`
	States    []landscape.State       `yaml:"states"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	DNN       DNNConfig               `yaml:"dnn"`
	Modules   map[string]ModuleConfig `yaml:"modules"`
	Output    OutputConfig            `yaml:"output"`
}

type LandscapeConfig struct {
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	NullFraction float64 `yaml:"null_fraction"`
	Environments int     `yaml:"environments"`
}

type SchedulerConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	MaxBatches        int           `yaml:"max_batches"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	WarnEvery         int           `yaml:"warn_every"`
	MaxWaitIterations int           `yaml:"max_wait_iterations"`
}

type DNNConfig struct {
	Workers     int   `yaml:"workers"`
	TopK        int   `yaml:"top_k"`
	TimeClasses int   `yaml:"time_classes"`
	Hidden      int   `yaml:"hidden"`
	WeightsSeed int64 `yaml:"weights_seed"`
}

// ModuleConfig describes a transition-matrix module. States name it through
// their module field.
type ModuleConfig struct {
	Batch       string             `yaml:"batch"`
	Residence   int                `yaml:"residence"`
	Transitions []TransitionConfig `yaml:"transitions"`
}

type TransitionConfig struct {
	From landscape.StateID `yaml:"from"`
	To   landscape.StateID `yaml:"to"`
	P    float64           `yaml:"p"`
}

type OutputConfig struct {
	Dir    string `yaml:"dir"`
	SQLite bool   `yaml:"sqlite"`
	Audit  bool   `yaml:"audit"`
}

func DefaultConfig() *Config {
	return &Config{
		Seed:  1,
		Years: DefaultYears,
		Landscape: LandscapeConfig{
			Width:        DefaultWidth,
			Height:       DefaultHeight,
			NullFraction: 0.1,
			Environments: 4,
		},
		States: []landscape.State{
			{ID: 1, Name: "spruce"},
			{ID: 2, Name: "beech"},
			{ID: 3, Name: "oak"},
			{ID: 4, Name: "pine"},
		},
		Scheduler: SchedulerConfig{
			BatchSize:         DefaultBatchSize,
			MaxBatches:        DefaultMaxBatches,
			PollInterval:      DefaultPollInterval,
			WarnEvery:         DefaultWarnEvery,
			MaxWaitIterations: DefaultMaxWaitIterations,
		},
		DNN: DNNConfig{
			TopK:        DefaultTopK,
			TimeClasses: DefaultTimeClasses,
			Hidden:      DefaultHidden,
			WeightsSeed: 7,
		},
		Output: OutputConfig{
			Dir: DefaultOutputDir,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the settings that cannot be repaired by a default.
func (c *Config) Validate() error {
	if c.Years < 1 {
		return fmt.Errorf("years must be positive, got %d", c.Years)
	}
	if c.Landscape.Width < 1 || c.Landscape.Height < 1 {
		return fmt.Errorf("landscape must be at least 1x1, got %dx%d", c.Landscape.Width, c.Landscape.Height)
	}
	if f := c.Landscape.NullFraction; f < 0 || f >= 1 {
		return fmt.Errorf("null_fraction must be in [0, 1), got %v", f)
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be positive, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.MaxBatches < 1 {
		return fmt.Errorf("scheduler.max_batches must be positive, got %d", c.Scheduler.MaxBatches)
	}
	if c.DNN.TopK < 1 || c.DNN.TimeClasses < 1 {
		return fmt.Errorf("dnn.top_k and dnn.time_classes must be positive")
	}
	if _, err := landscape.NewStateTable(c.States); err != nil {
		return err
	}
	for name, m := range c.Modules {
		kind, err := batch.ParseKind(m.Batch)
		if m.Batch == "" {
			kind, err = batch.KindSimple, nil
		}
		if err != nil {
			return fmt.Errorf("module %s: %w", name, err)
		}
		if kind != batch.KindSimple {
			return fmt.Errorf("module %s: transition matrices run on simple batches, got %s", name, kind)
		}
	}
	for _, s := range c.States {
		if s.Module == "" {
			continue
		}
		if _, ok := c.Modules[s.Module]; !ok {
			return fmt.Errorf("state %d (%s) refers to undefined module %q", s.ID, s.Name, s.Module)
		}
	}
	return nil
}

// Matrix converts the module settings into a transition-matrix configuration.
func (m ModuleConfig) Matrix(seed int64) module.MatrixConfig {
	rows := make(map[landscape.StateID][]module.Transition)
	for _, t := range m.Transitions {
		rows[t.From] = append(rows[t.From], module.Transition{To: t.To, P: t.P})
	}
	return module.MatrixConfig{Residence: m.Residence, Transitions: rows, Seed: seed}
}
