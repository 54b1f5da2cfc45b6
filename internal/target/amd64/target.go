// Package amd64 lowers LIR for x86-64 following the System V AMD64 ABI and
// selects machine instructions for the two-phase assembler.
package amd64

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/tinyrange/lirc/internal/asm"
	x86 "github.com/tinyrange/lirc/internal/asm/amd64"
	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/target"
)

func init() {
	target.Register(target.ArchAMD64, target.OSLinux, func(opts target.Options) target.Target {
		return New(opts)
	})
}

// Target is the x86-64 Linux target.
type Target struct {
	opts     target.Options
	variadic map[string]bool
}

func New(opts target.Options) *Target {
	return &Target{
		opts: opts,
		variadic: lo.SliceToMap(opts.Variadic, func(name string) (string, bool) {
			return name, true
		}),
	}
}

func (t *Target) Arch() target.Arch { return target.ArchAMD64 }

func (t *Target) OS() target.OS { return target.OSLinux }

func (t *Target) Features() target.Features {
	return target.Features{LEA: true, FloatMulAdd: t.opts.FMA}
}

func (t *Target) Register(name string) (lir.Reg, bool) { return lookupRegister(name) }

func (t *Target) ArgRegister(r lir.Reg) bool { return isArgRegister(r) }

func (t *Target) StackPointer() lir.Reg { return regRSP }

func (t *Target) FramePointer() lir.Reg { return regRBP }

// Parser returns a textual LIR parser that understands this target's
// register names.
func (t *Target) Parser() lir.Parser { return lir.Parser{Regs: lookupRegister} }

func (t *Target) NewEmitter(u *asm.Unit) target.Emitter {
	return &emitter{unit: u, asm: x86.NewAssembler(u, t.opts.PLTCalls)}
}

type emitter struct {
	unit *asm.Unit
	asm  *x86.Assembler
}

// Emit selects c, runs the first assembler phase over it and appends the
// closure's materialized data.
func (e *emitter) Emit(c *lir.Closure) error {
	insts, err := Select(c)
	if err != nil {
		return err
	}

	bind := asm.BindLocal
	if c.Global {
		bind = asm.BindGlobal
	}
	start := e.unit.Offset()
	head := x86.Inst{Op: x86.OpLabel, Label: c.Symbol, Kind: asm.SymFunc, Bind: bind}
	if err := e.asm.Assemble(append([]x86.Inst{head}, insts...)); err != nil {
		return fmt.Errorf("assemble %s: %w", c.Name, err)
	}
	if sym, ok := e.unit.Lookup(c.Symbol); ok {
		sym.Size = e.unit.Offset() - start
	}

	for _, d := range c.Data {
		bind := asm.BindGlobal
		if d.Local {
			bind = asm.BindLocal
		}
		if _, err := e.unit.AddData(d.Name, d.Value, bind); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) Finish() error { return e.asm.Finish() }
