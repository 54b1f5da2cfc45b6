// Package config loads the YAML build configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "lirc.yaml"
	DefaultVersion  = "v1.0.0"
	DefaultOutput   = "build"

	// DefaultMaxIterations matches the peephole sweep cap.
	DefaultMaxIterations = 10
)

// DefaultVariadic lists the C library functions called with the variadic
// convention when the file names none.
var DefaultVariadic = []string{"printf", "fprintf", "sprintf", "snprintf", "dprintf"}

// ErrInvalid marks configuration values that fail validation.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Version  string         `yaml:"version"`
	Target   TargetConfig   `yaml:"target"`
	Peephole PeepholeConfig `yaml:"peephole"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Features FeatureConfig  `yaml:"features"`
	Calls    CallConfig     `yaml:"calls"`
	Output   OutputConfig   `yaml:"output"`
	Jobs     int            `yaml:"jobs,omitempty"`
	Log      LogConfig      `yaml:"log"`
}

type TargetConfig struct {
	Arch string `yaml:"arch"`
	OS   string `yaml:"os"`
}

type PeepholeConfig struct {
	Enabled       *bool `yaml:"enabled,omitempty"`
	MaxIterations int   `yaml:"max_iterations,omitempty"`
}

// On reports whether the pass runs; it defaults to true.
func (p PeepholeConfig) On() bool { return p.Enabled == nil || *p.Enabled }

type ScheduleConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
	// AllowFallback keeps a block in its original order when its dependency
	// graph is cyclic instead of failing the build.
	AllowFallback bool `yaml:"allow_fallback,omitempty"`
}

func (s ScheduleConfig) On() bool { return s.Enabled == nil || *s.Enabled }

type FeatureConfig struct {
	FMA bool `yaml:"fma,omitempty"`
}

type CallConfig struct {
	Variadic []string `yaml:"variadic,omitempty"`
	PLT      bool     `yaml:"plt,omitempty"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Listing bool   `yaml:"listing,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Target.Arch == "" {
		c.Target.Arch = "amd64"
	}
	if c.Target.OS == "" {
		c.Target.OS = "linux"
	}
	if c.Peephole.MaxIterations == 0 {
		c.Peephole.MaxIterations = DefaultMaxIterations
	}
	if c.Calls.Variadic == nil {
		c.Calls.Variadic = append([]string(nil), DefaultVariadic...)
	}
	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutput
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Parse decodes a configuration document and fills in defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks the version gate and value ranges.
func (c Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("%w: version %q is not a semantic version", ErrInvalid, c.Version)
	}
	if major := semver.Major(c.Version); major != "v1" {
		return fmt.Errorf("%w: version %s not supported (major %s, want v1)", ErrInvalid, c.Version, major)
	}
	if c.Peephole.MaxIterations < 0 {
		return fmt.Errorf("%w: peephole.max_iterations must not be negative", ErrInvalid)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("%w: jobs must not be negative", ErrInvalid)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalid, c.Log.Format)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

// WriteTemplate writes c with defaults filled in to path.
func WriteTemplate(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return f.Close()
}
