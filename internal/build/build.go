// Package build compiles a set of modules into object files in the output
// directory.
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/lirc/internal/asm"
	"github.com/tinyrange/lirc/internal/codegen"
	"github.com/tinyrange/lirc/internal/config"
	"github.com/tinyrange/lirc/internal/lir"
)

const lockName = ".lirc.lock"

// ErrLocked is returned when another build holds the output directory.
var ErrLocked = errors.New("output directory is locked by another build")

type Options struct {
	Logger *slog.Logger
	// Pipeline is created from the configuration when nil.
	Pipeline *codegen.Pipeline
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

// Run compiles modules with the default options.
func Run(ctx context.Context, cfg config.Config, modules []*lir.Module) ([]string, error) {
	return RunWith(ctx, cfg, modules, Options{})
}

// RunWith compiles every module and returns the object paths in module order.
// On failure no object, listing or temporary file of this build remains in the
// output directory.
func RunWith(ctx context.Context, cfg config.Config, modules []*lir.Module, opts Options) ([]string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		var err error
		if pipeline, err = codegen.New(cfg, logger); err != nil {
			return nil, err
		}
	}

	names := make(map[string]string, len(modules))
	for _, m := range modules {
		name := codegen.ObjectName(m.Ident)
		if prev, dup := names[name]; dup {
			return nil, fmt.Errorf("modules %s and %s both map to %s", prev, m.Ident, name)
		}
		names[name] = m.Ident
	}

	dir := cfg.Output.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	unlock, err := lockDir(filepath.Join(dir, lockName))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	defer unlock()

	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(modules),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("compile"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
	}

	b := &builder{cfg: cfg, pipeline: pipeline, logger: logger}
	paths := make([]string, len(modules))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for idx, m := range modules {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, err := b.module(m)
			if err != nil {
				return err
			}
			paths[idx] = path
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.cleanup()
		return nil, err
	}
	return paths, nil
}

type builder struct {
	cfg      config.Config
	pipeline *codegen.Pipeline
	logger   *slog.Logger

	mu      sync.Mutex
	written []string
}

func (b *builder) module(m *lir.Module) (string, error) {
	path := filepath.Join(b.cfg.Output.Dir, codegen.ObjectName(m.Ident))

	var unit *asm.Unit
	err := b.writeFile(path, func(w io.Writer) error {
		var err error
		unit, err = b.pipeline.WriteObject(w, m)
		return err
	})
	if err != nil {
		return "", err
	}

	if b.cfg.Output.Listing {
		lst := path[:len(path)-len(".o")] + ".lst"
		if err := b.writeFile(lst, func(w io.Writer) error {
			return asm.WriteListing(w, unit.Lines())
		}); err != nil {
			return "", err
		}
	}

	b.logger.Info("wrote object", "module", m.Ident, "path", path, "text", len(unit.Text()), "data", len(unit.Data()))
	return path, nil
}

// writeFile writes through a temporary file in the destination directory and
// renames it into place once fill succeeds.
func (b *builder) writeFile(path string, fill func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("finalize %s: %w", path, err)
	}

	b.mu.Lock()
	b.written = append(b.written, path)
	b.mu.Unlock()
	return nil
}

// cleanup removes the files this build already put in place.
func (b *builder) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, path := range b.written {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("remove partial output", "path", path, "error", err)
		}
	}
	b.written = nil
}
