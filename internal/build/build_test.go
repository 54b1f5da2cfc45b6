package build

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/lirc/internal/codegen"
	"github.com/tinyrange/lirc/internal/config"
	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/lir/lirfile"
)

const good = `module: NAME
globals:
  - {name: NAME_value, value: 7}
functions:
  - name: NAME
    global: true
    return: i64
    locations: {r: rax}
    blocks:
      - label: entry
        ops:
          - fn_begin ()
          - move @NAME_value:i64 -> %r:i64
          - return %r:i64
          - fn_end
`

// The add reads a variable that has no location.
const broken = `module: broken
functions:
  - name: f
    blocks:
      - label: entry
        ops:
          - add %a:i64, $1:i64 -> %a:i64
          - ret
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	return cfg
}

func decode(t *testing.T, cfg config.Config, docs ...string) []*lir.Module {
	t.Helper()
	p, err := codegen.New(cfg, nil)
	if err != nil {
		t.Fatalf("codegen.New: %v", err)
	}
	var out []*lir.Module
	for _, doc := range docs {
		m, err := lirfile.Decode([]byte(doc), p.Parser())
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func goodModule(name string) string {
	return strings.ReplaceAll(good, "NAME", name)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		if e.Name() != lockName {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names
}

func TestRunWritesObjectsInModuleOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs = 2
	modules := decode(t, cfg, goodModule("alpha"), goodModule("beta"), goodModule("gamma"))

	paths, err := Run(context.Background(), cfg, modules)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		filepath.Join(cfg.Output.Dir, "alpha.o"),
		filepath.Join(cfg.Output.Dir, "beta.o"),
		filepath.Join(cfg.Output.Dir, "gamma.o"),
	}
	if !slices.Equal(paths, want) {
		t.Fatalf("paths=%v, want %v", paths, want)
	}
	if got := listDir(t, cfg.Output.Dir); !slices.Equal(got, []string{"alpha.o", "beta.o", "gamma.o"}) {
		t.Fatalf("output dir=%v", got)
	}

	raw, err := os.ReadFile(paths[1])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if !slices.ContainsFunc(syms, func(s elf.Symbol) bool { return s.Name == "beta" }) {
		t.Fatalf("beta.o has no beta symbol: %v", syms)
	}
}

func TestRunWritesListings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Listing = true
	modules := decode(t, cfg, goodModule("main"))

	if _, err := Run(context.Background(), cfg, modules); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := listDir(t, cfg.Output.Dir); !slices.Equal(got, []string{"main.lst", "main.o"}) {
		t.Fatalf("output dir=%v", got)
	}
	lst, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "main.lst"))
	if err != nil {
		t.Fatalf("read listing: %v", err)
	}
	if !strings.HasPrefix(string(lst), "main:\n") || !strings.Contains(string(lst), "ret") {
		t.Fatalf("listing:\n%s", lst)
	}
}

func TestFailureLeavesNoArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs = 1
	modules := decode(t, cfg, goodModule("first"), broken, goodModule("last"))

	_, err := Run(context.Background(), cfg, modules)
	if !errors.Is(err, lir.ErrInternal) {
		t.Fatalf("err=%v, want internal error", err)
	}
	if got := listDir(t, cfg.Output.Dir); len(got) != 0 {
		t.Fatalf("output dir after failure=%v, want empty", got)
	}
}

func TestLockedOutputDirectory(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	unlock, err := lockDir(filepath.Join(cfg.Output.Dir, lockName))
	if err != nil {
		t.Fatalf("lockDir: %v", err)
	}

	_, err = Run(context.Background(), cfg, decode(t, cfg, goodModule("main")))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("err=%v, want ErrLocked", err)
	}

	unlock()
	if _, err := Run(context.Background(), cfg, decode(t, cfg, goodModule("main"))); err != nil {
		t.Fatalf("Run after unlock: %v", err)
	}
}

func TestDuplicateObjectNames(t *testing.T) {
	cfg := testConfig(t)
	modules := decode(t, cfg, goodModule("a"), goodModule("b"))
	modules[0].Ident, modules[1].Ident = "pkg/mod", "pkg.mod"
	_, err := Run(context.Background(), cfg, modules)
	if err == nil || !strings.Contains(err.Error(), "pkg.mod.o") {
		t.Fatalf("err=%v, want a name collision", err)
	}
}

func TestCanceledContext(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, cfg, decode(t, cfg, goodModule("main")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if got := listDir(t, cfg.Output.Dir); len(got) != 0 {
		t.Fatalf("output dir=%v, want empty", got)
	}
}

func TestProgressOutput(t *testing.T) {
	cfg := testConfig(t)
	var progress bytes.Buffer
	modules := decode(t, cfg, goodModule("main"), goodModule("util"))
	if _, err := RunWith(context.Background(), cfg, modules, Options{Progress: &progress}); err != nil {
		t.Fatalf("RunWith: %v", err)
	}
	if !strings.Contains(progress.String(), "compile") {
		t.Fatalf("progress=%q, want the compile bar", progress.String())
	}
}
