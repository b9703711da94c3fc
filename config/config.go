// Package config loads the YAML configuration shared by the engine and the
// hostrt command.
package config

import (
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/hostrt/runtime"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string ("250us").
type Duration time.Duration

// UnmarshalYAML accepts a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return errors.Errorf("line %d: %q is not a duration", node.Line, s)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds every tunable of the runtime.
type Config struct {
	Workers             int      `yaml:"workers"`
	AllocateEntryParams bool     `yaml:"allocate_entry_params"`
	AnnotateInitialized bool     `yaml:"annotate_initialized"`
	BlockSource         string   `yaml:"block_source"`
	EnableStats         bool     `yaml:"enable_stats"`
	LogLevel            string   `yaml:"log_level"`
	CatalogDir          string   `yaml:"catalog_dir"`
	WorkerTimeslice     Duration `yaml:"worker_timeslice"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Workers:             0,
		AnnotateInitialized: true,
		BlockSource:         "heap",
		EnableStats:         true,
		LogLevel:            "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing config")
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalid, "workers must not be negative, got %d", c.Workers)
	}
	if c.WorkerTimeslice < 0 {
		return errors.Wrapf(ErrInvalid, "worker_timeslice must not be negative, got %s", time.Duration(c.WorkerTimeslice))
	}
	if _, err := runtime.BlockSourceByName(c.BlockSource); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

// NumWorkers resolves a zero worker count to the number of CPUs.
func (c *Config) NumWorkers() int {
	if c.Workers == 0 {
		return goruntime.NumCPU()
	}
	return c.Workers
}

// Timeslice returns the loop runner timeslice.
func (c *Config) Timeslice() time.Duration { return time.Duration(c.WorkerTimeslice) }

// EngineOptions maps the configuration onto engine options.
func (c *Config) EngineOptions(logger *slog.Logger) (runtime.Options, error) {
	src, err := runtime.BlockSourceByName(c.BlockSource)
	if err != nil {
		return runtime.Options{}, errors.Wrap(ErrInvalid, err.Error())
	}
	return runtime.Options{
		Workers:             c.NumWorkers(),
		AllocateEntryParams: c.AllocateEntryParams,
		AnnotateInitialized: c.AnnotateInitialized,
		BlockSource:         src,
		EnableStats:         c.EnableStats,
		Logger:              logger,
	}, nil
}

// SlogLevel returns the configured log level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", s)
}
