package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
)

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Version != DefaultVersion || c.Target.Arch != "amd64" || c.Target.OS != "linux" {
		t.Fatalf("defaults=%+v", c)
	}
	if !c.Peephole.On() || !c.Schedule.On() || c.Schedule.AllowFallback {
		t.Fatalf("passes: peephole=%v schedule=%v fallback=%v", c.Peephole.On(), c.Schedule.On(), c.Schedule.AllowFallback)
	}
	if c.Peephole.MaxIterations != DefaultMaxIterations {
		t.Fatalf("max_iterations=%d, want %d", c.Peephole.MaxIterations, DefaultMaxIterations)
	}
	if !slices.Equal(c.Calls.Variadic, DefaultVariadic) {
		t.Fatalf("variadic=%v", c.Calls.Variadic)
	}
	if c.Output.Dir != DefaultOutput || c.Log.Format != "text" {
		t.Fatalf("output=%q log=%+v", c.Output.Dir, c.Log)
	}
}

func TestParseOverrides(t *testing.T) {
	c, err := Parse([]byte(`
version: v1.2.0
peephole:
  enabled: false
  max_iterations: 3
schedule:
  allow_fallback: true
features:
  fma: true
calls:
  variadic: [my_printf]
  plt: true
output:
  dir: out
  listing: true
jobs: 4
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Peephole.On() || c.Peephole.MaxIterations != 3 {
		t.Fatalf("peephole=%+v", c.Peephole)
	}
	if !c.Schedule.On() || !c.Schedule.AllowFallback {
		t.Fatalf("schedule=%+v", c.Schedule)
	}
	if !c.Features.FMA || !c.Calls.PLT || !slices.Equal(c.Calls.Variadic, []string{"my_printf"}) {
		t.Fatalf("features=%+v calls=%+v", c.Features, c.Calls)
	}
	if c.Output.Dir != "out" || !c.Output.Listing || c.Jobs != 4 {
		t.Fatalf("output=%+v jobs=%d", c.Output, c.Jobs)
	}
	lvl, err := c.Log.SlogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("level=%v err=%v", lvl, err)
	}
}

func TestVersionGate(t *testing.T) {
	for _, v := range []string{"v2.0.0", "1.0.0", "latest"} {
		_, err := Parse([]byte("version: " + v))
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("version %s: err=%v, want ErrInvalid", v, err)
		}
	}
	if _, err := Parse([]byte("version: v1.9.3")); err != nil {
		t.Fatalf("v1.9.3 rejected: %v", err)
	}
}

func TestRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "optimise: true",
		"negative jobs":  "jobs: -1",
		"bad level":      "log: {level: loud}",
		"bad format":     "log: {format: xml}",
		"negative sweep": "peephole: {max_iterations: -2}",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: accepted %q", name, doc)
		}
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	in := Default()
	in.Features.FMA = true
	in.Jobs = 2
	if err := WriteTemplate(path, in); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !out.Features.FMA || out.Jobs != 2 || out.Version != in.Version || !slices.Equal(out.Calls.Variadic, in.Calls.Variadic) {
		t.Fatalf("round trip=%+v, want %+v", out, in)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("Load of a missing file succeeded")
	}
}
