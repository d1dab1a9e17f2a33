package config

import (
	"fmt"
	"math"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-octdiff/internal/schedule"
)

// Model holds the construction-time settings of the diffusion model. It is
// copied into the model and never mutated afterwards.
type Model struct {
	BaseSize      int     `yaml:"base_size"`
	UpFactor      int     `yaml:"upfactor"`
	BaseChannels  int     `yaml:"base_channels"`
	NoiseSchedule string  `yaml:"noise_schedule"`
	SDFClipValue  float64 `yaml:"sdf_clip_value"`
	Eps           float64 `yaml:"eps"`
	Verbose       bool    `yaml:"verbose"`
}

type Sampler struct {
	Steps          int     `yaml:"steps"`
	TruncatedIndex float64 `yaml:"truncated_index"`
	UseDDIM        bool    `yaml:"use_ddim"`
	Seed           uint64  `yaml:"seed"`
	Samples        int     `yaml:"samples"`
}

type Loss struct {
	BatchSize  int    `yaml:"batch_size"`
	Iterations int    `yaml:"iterations"`
	Seed       uint64 `yaml:"seed"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Model       Model   `yaml:"model"`
	Sampler     Sampler `yaml:"sampler"`
	Loss        Loss    `yaml:"loss"`
	Logging     Logging `yaml:"logging"`
	MetricsAddr string  `yaml:"metrics_addr"`
	FlightAddr  string  `yaml:"flight_addr"`
	Threads     int     `yaml:"threads"` // kernel workers per context, 0 for every CPU
}

func (m *Model) Validate() error {
	var err error
	if m.BaseSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("invalid base_size: %d (must be positive)", m.BaseSize))
	}
	if m.UpFactor <= 0 {
		err = multierr.Append(err, fmt.Errorf("invalid upfactor: %d (must be positive)", m.UpFactor))
	}
	if m.BaseChannels <= 0 {
		err = multierr.Append(err, fmt.Errorf("invalid base_channels: %d (must be positive)", m.BaseChannels))
	}
	if _, perr := schedule.ParseKind(m.NoiseSchedule); perr != nil {
		err = multierr.Append(err, perr)
	}
	if !(m.SDFClipValue > 0) || math.IsInf(m.SDFClipValue, 0) {
		err = multierr.Append(err, fmt.Errorf("invalid sdf_clip_value: %g (must be positive)", m.SDFClipValue))
	}
	if !(m.Eps > 0) || m.Eps >= 1 {
		err = multierr.Append(err, fmt.Errorf("invalid eps: %g (must be in (0, 1))", m.Eps))
	}
	return err
}

// ScheduleKind parses NoiseSchedule.
func (m *Model) ScheduleKind() (schedule.Kind, error) {
	return schedule.ParseKind(m.NoiseSchedule)
}

func (s *Sampler) Validate() error {
	var err error
	if s.Steps < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid steps: %d (must be >= 1)", s.Steps))
	}
	if s.TruncatedIndex < 0 || s.TruncatedIndex > 1 || math.IsNaN(s.TruncatedIndex) {
		err = multierr.Append(err, fmt.Errorf("invalid truncated_index: %g (must be in [0, 1])", s.TruncatedIndex))
	}
	if s.Samples < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid samples: %d (must be >= 1)", s.Samples))
	}
	return err
}

func (l *Loss) Validate() error {
	var err error
	if l.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid batch_size: %d (must be >= 1)", l.BatchSize))
	}
	if l.Iterations < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid iterations: %d (must be >= 1)", l.Iterations))
	}
	return err
}

func (c *Config) Validate() error {
	err := multierr.Combine(c.Model.Validate(), c.Sampler.Validate(), c.Loss.Validate())
	if c.Threads < 0 {
		err = multierr.Append(err, fmt.Errorf("invalid threads: %d (must be >= 0)", c.Threads))
	}
	return err
}

// SamplerName reports which reverse process the sampler settings select.
func (s *Sampler) SamplerName() string {
	if s.UseDDIM {
		return "ddim"
	}
	return "ddpm"
}

func DefaultModel() Model {
	return Model{
		BaseSize:      32,
		UpFactor:      2,
		BaseChannels:  128,
		NoiseSchedule: "linear",
		SDFClipValue:  0.05,
		Eps:           1e-6,
	}
}

func Default() Config {
	return Config{
		Model: DefaultModel(),
		Sampler: Sampler{
			Steps:   50,
			Seed:    777,
			Samples: 1,
		},
		Loss: Loss{
			BatchSize:  4,
			Iterations: 1,
			Seed:       777,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		FlightAddr: "localhost:3000",
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
