package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/lirc/internal/config"
)

const module = `functions:
  - name: main
    global: true
    return: i64
    locations: {r: rax}
    blocks:
      - label: entry
        ops:
          - fn_begin ()
          - move $0:i64 -> %r:i64
          - return %r:i64
          - fn_end
`

func TestCompileModuleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.lir.yaml")
	if err := os.WriteFile(src, []byte(module), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := filepath.Join(dir, "out")

	var stdout, stderr bytes.Buffer
	if err := run([]string{"-o", out, "-S", src}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}

	obj := strings.TrimSpace(stdout.String())
	if !strings.HasSuffix(obj, ".o") || filepath.Dir(obj) != out {
		t.Fatalf("stdout=%q, want one object path in %s", stdout.String(), out)
	}
	if _, err := os.Stat(obj); err != nil {
		t.Fatalf("object: %v", err)
	}
	if _, err := os.Stat(strings.TrimSuffix(obj, ".o") + ".lst"); err != nil {
		t.Fatalf("listing: %v", err)
	}
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFilename)
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-init", "-config", path}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Target.Arch != "amd64" || cfg.Version != config.DefaultVersion {
		t.Fatalf("cfg=%+v", cfg)
	}
	if err := run([]string{"-init", "-config", path}, &stdout, &stderr); err == nil {
		t.Fatalf("second -init overwrote %s", path)
	}
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(nil, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), "no module files") {
		t.Fatalf("err=%v, want missing module error", err)
	}
	if err := run([]string{"-arch", "sparc", "x.lir.yaml"}, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("err=%v, want unsupported target", err)
	}
	if err := run([]string{"-j", "-1", "x.lir.yaml"}, &stdout, &stderr); err == nil {
		t.Fatalf("negative -j accepted")
	}
	if err := run([]string{filepath.Join(t.TempDir(), "missing.lir.yaml")}, &stdout, &stderr); err == nil {
		t.Fatalf("missing module file accepted")
	}
}
