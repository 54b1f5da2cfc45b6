package amd64

import (
	"fmt"

	"github.com/tinyrange/lirc/internal/asm"
)

// Assembler encodes selected instructions into an asm.Unit in two phases.
// The first phase encodes everything whose bytes are already known; direct
// branches to labels that are not yet defined reserve the rel32 form and are
// patched by Finish.
type Assembler struct {
	unit *asm.Unit
	plt  bool

	pending []branchPatch
}

type branchPatch struct {
	inst Inst
	pos  uint64
	size int
	line int
}

// NewAssembler writes into u. External calls are relocated with PLT32 when
// plt is set and with PC32 otherwise.
func NewAssembler(u *asm.Unit, plt bool) *Assembler {
	return &Assembler{unit: u, plt: plt}
}

func (a *Assembler) Unit() *asm.Unit { return a.unit }

// Assemble runs the first phase over insts.
func (a *Assembler) Assemble(insts []Inst) error {
	for _, inst := range insts {
		if err := a.assemble(inst); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) line(inst Inst, pos uint64, b []byte) int {
	if !a.unit.Listing() {
		return -1
	}
	if inst.Op == OpLabel {
		return a.unit.AddLine(asm.Line{Offset: pos, Label: inst.Label})
	}
	return a.unit.AddLine(asm.Line{Offset: pos, Bytes: append([]byte(nil), b...), Text: inst.String()})
}

func (a *Assembler) assemble(inst Inst) error {
	u := a.unit
	if inst.Op == OpLabel {
		if _, err := u.Define(inst.Label, inst.Kind, inst.Bind, asm.SectionText, u.Offset()); err != nil {
			return err
		}
		a.line(inst, u.Offset(), nil)
		return nil
	}

	if target, ok := inst.BranchTarget(); ok {
		return a.branch(inst, target)
	}

	enc, err := inst.Encode()
	if err != nil {
		return err
	}
	pos := u.Emit(enc.Bytes)
	a.line(inst, pos, enc.Bytes)
	if enc.Fixup != nil {
		a.relocate(pos, enc.Fixup)
	}
	return nil
}

func (a *Assembler) relocate(pos uint64, fix *Fixup) {
	r := asm.Relocation{
		Offset: pos + uint64(fix.Offset),
		Symbol: fix.Symbol,
		Kind:   asm.RelocPC32,
		Addend: -4 - int64(fix.Trailing),
	}
	if fix.TLS {
		r.Kind = asm.RelocTPOff32
		r.Addend = 0
	}
	a.unit.AddRelocation(r)
}

func (a *Assembler) branch(inst Inst, target Target) error {
	u := a.unit
	pos := u.Offset()

	if sym, ok := u.Lookup(target.Name); ok && sym.Defined && sym.Section == asm.SectionText {
		dist := int64(sym.Value) - int64(pos)
		// Backward jumps take rel8 when it reaches.
		if inst.Op != OpCall && fitsInt8(dist-2) {
			b, err := encodeRel(inst.Op, inst.Cond, dist-2, true)
			if err != nil {
				return fmt.Errorf("encode %s: %w", inst, err)
			}
			u.Emit(b)
			a.line(inst, pos, b)
			return nil
		}
		size := relSize(inst.Op, false)
		b, err := encodeRel(inst.Op, inst.Cond, dist-int64(size), false)
		if err != nil {
			return fmt.Errorf("encode %s: %w", inst, err)
		}
		u.Emit(b)
		a.line(inst, pos, b)
		return nil
	}

	size := relSize(inst.Op, false)
	u.Emit(make([]byte, size))
	a.pending = append(a.pending, branchPatch{
		inst: inst,
		pos:  pos,
		size: size,
		line: a.line(inst, pos, nil),
	})
	return nil
}

// Finish runs the second phase: every reserved branch is encoded exactly
// once. Targets still undefined become external references.
func (a *Assembler) Finish() error {
	u := a.unit
	for _, p := range a.pending {
		target, _ := p.inst.BranchTarget()

		var disp int64
		sym, ok := u.Lookup(target.Name)
		external := !ok || !sym.Defined || sym.Section != asm.SectionText
		if external {
			if target.Local {
				return fmt.Errorf("branch to %q: %w", target.Name, asm.ErrUndefined)
			}
		} else {
			disp = int64(sym.Value) - int64(p.pos+uint64(p.size))
		}

		b, err := encodeRel(p.inst.Op, p.inst.Cond, disp, false)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p.inst, err)
		}
		if len(b) != p.size {
			return fmt.Errorf("encode %s: %d bytes for %d reserved: %w", p.inst, len(b), p.size, asm.ErrLength)
		}
		if err := u.Patch(p.pos, b); err != nil {
			return err
		}
		u.SetLineBytes(p.line, b)

		if external {
			kind := asm.RelocPC32
			if a.plt && p.inst.Op == OpCall {
				kind = asm.RelocPLT32
			}
			u.AddRelocation(asm.Relocation{
				Offset: p.pos + uint64(p.size) - 4,
				Symbol: target.Name,
				Kind:   kind,
				Addend: -4,
			})
		}
	}
	a.pending = nil
	return nil
}
