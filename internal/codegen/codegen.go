// Package codegen drives one compilation module through the backend: target
// lowering, peephole optimization, scheduling, instruction selection and the
// two assembler phases, ending in an ELF relocatable object.
package codegen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tinyrange/lirc/internal/asm"
	"github.com/tinyrange/lirc/internal/config"
	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/obj"
	"github.com/tinyrange/lirc/internal/peephole"
	"github.com/tinyrange/lirc/internal/schedule"
	"github.com/tinyrange/lirc/internal/target"

	_ "github.com/tinyrange/lirc/internal/target/amd64"
)

// Pipeline compiles modules for a single target. It holds no per-module
// state, so one Pipeline may compile several modules concurrently.
type Pipeline struct {
	cfg    config.Config
	target target.Target
	logger *slog.Logger
}

// New looks up the configured target. A nil logger uses slog.Default.
func New(cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tgt, err := target.Lookup(target.Arch(cfg.Target.Arch), target.OS(cfg.Target.OS), target.Options{
		FMA:      cfg.Features.FMA,
		Variadic: cfg.Calls.Variadic,
		PLTCalls: cfg.Calls.PLT,
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, target: tgt, logger: logger}, nil
}

func (p *Pipeline) Target() target.Target { return p.target }

// Parser returns a textual LIR parser that knows the target's register names.
func (p *Pipeline) Parser() lir.Parser { return lir.Parser{Regs: p.target.Register} }

// CompileModule assembles every closure of m into a fresh unit. Globals are
// laid out in .data in declaration order ahead of any materialized literal.
// Closures are rewritten in place, so a module is compiled at most once.
func (p *Pipeline) CompileModule(m *lir.Module) (*asm.Unit, error) {
	u := asm.NewUnit(m.Ident)
	if p.cfg.Output.Listing {
		u.EnableListing()
	}

	for _, g := range m.Globals {
		value := make([]byte, max(g.Size, len(g.Value)))
		copy(value, g.Value)
		if _, err := u.AddData(g.Name, value, asm.BindGlobal); err != nil {
			return nil, fmt.Errorf("module %s: global %s: %w", m.Ident, g.Name, err)
		}
	}

	em := p.target.NewEmitter(u)
	for _, c := range m.Closures {
		if err := p.compileClosure(em, c); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Ident, err)
		}
	}
	if err := em.Finish(); err != nil {
		return nil, fmt.Errorf("module %s: %w", m.Ident, err)
	}
	return u, nil
}

func (p *Pipeline) compileClosure(em target.Emitter, c *lir.Closure) error {
	if err := p.target.Lower(c); err != nil {
		return fmt.Errorf("lower %s: %w", c.Name, err)
	}
	p.trace(c, "lower")

	if p.cfg.Peephole.On() {
		res := peephole.Run(c, peephole.Options{
			MaxIterations: p.cfg.Peephole.MaxIterations,
			Features:      p.target.Features(),
		})
		p.trace(c, "peephole", "sweeps", res.Sweeps, "rewrites", res.Rewrites, "pruned", res.Pruned)
	}

	if p.cfg.Schedule.On() {
		err := schedule.Run(c, p.target)
		switch {
		case err == nil:
		case errors.Is(err, schedule.ErrCycle) && p.cfg.Schedule.AllowFallback:
			p.logger.Error("keeping original instruction order", "closure", c.Name, "error", err)
		default:
			return fmt.Errorf("schedule %s: %w", c.Name, err)
		}
		p.trace(c, "schedule")
	}

	if err := em.Emit(c); err != nil {
		return fmt.Errorf("emit %s: %w", c.Name, err)
	}
	p.trace(c, "emit")
	return nil
}

func (p *Pipeline) trace(c *lir.Closure, pass string, attrs ...any) {
	p.logger.Debug("pass done", append([]any{"closure", c.Name, "pass", pass, "ops", c.Len()}, attrs...)...)
}

// WriteObject compiles m and writes its ELF object to w. The unit is returned
// so callers can render its listing.
func (p *Pipeline) WriteObject(w io.Writer, m *lir.Module) (*asm.Unit, error) {
	u, err := p.CompileModule(m)
	if err != nil {
		return nil, err
	}
	if err := obj.Write(w, u); err != nil {
		return nil, fmt.Errorf("module %s: %w", m.Ident, err)
	}
	return u, nil
}

// Object compiles m and returns the encoded object.
func (p *Pipeline) Object(m *lir.Module) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.WriteObject(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ObjectName maps a module identifier to its object file name.
func ObjectName(ident string) string {
	return strings.NewReplacer("/", ".", `\`, ".").Replace(ident) + ".o"
}
