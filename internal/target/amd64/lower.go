package amd64

import (
	"math/bits"

	"github.com/samber/lo"

	x86 "github.com/tinyrange/lirc/internal/asm/amd64"
	"github.com/tinyrange/lirc/internal/lir"
)

const passLower = "lower"

// lowerer rewrites one closure into target-shaped LIR. Variables keep their
// identity; selection resolves them through Locations. R10 is the address
// and value temp: when two operands of one instruction need it, the earlier
// one is evaluated into a frame scratch slot.
type lowerer struct {
	t   *Target
	c   *lir.Closure
	op  *lir.Instr
	out []*lir.Instr

	// scratch is the offset of two 8-byte frame slots, 0 when the closure
	// needs none.
	scratch int64
}

// Lower rewrites every block of c in place and sets c.Frame and c.Saved.
func (t *Target) Lower(c *lir.Closure) error {
	l := &lowerer{t: t, c: c}
	if c.Locations == nil {
		c.Locations = make(map[string]lir.Location)
	}
	if c.Imms == nil {
		c.Imms = make(map[string]string)
	}
	l.layout()
	for _, b := range c.Blocks {
		l.out = make([]*lir.Instr, 0, len(b.Ops)+4)
		for _, op := range b.Ops {
			l.op = op
			if err := l.lower(op); err != nil {
				return err
			}
		}
		b.Ops = l.out
	}
	return nil
}

func (l *lowerer) errorf(format string, args ...any) error {
	return lir.Internalf(passLower, l.c, l.op, format, args...)
}

func (l *lowerer) emit(op lir.Opcode, first, second, output lir.Operand) *lir.Instr {
	ins := lir.New(op, first, second, output).At(l.op.Pos)
	l.out = append(l.out, ins)
	return ins
}

func (l *lowerer) keep(op *lir.Instr) error {
	l.out = append(l.out, op)
	return nil
}

func (l *lowerer) lower(op *lir.Instr) error {
	switch op.Op {
	case lir.OpNop:
		return nil
	case lir.OpLabel, lir.OpPhi, lir.OpBAL, lir.OpRet:
		return l.keep(op)
	case lir.OpSafepoint:
		// Encodes to nothing here; RAX is reserved for the runtime poll result.
		l.emit(lir.OpSafepoint, nil, nil, regRAX)
		return nil
	case lir.OpFnBegin:
		return l.prologue(op)
	case lir.OpFnEnd:
		if n := len(l.out); n > 0 && l.out[n-1].Op == lir.OpRet {
			return nil
		}
		return l.keep(op)
	case lir.OpReturn:
		return l.ret(op)
	case lir.OpCall, lir.OpRTCall:
		return l.call(op)
	case lir.OpMove:
		return l.move(op)
	case lir.OpSDiv, lir.OpUDiv, lir.OpSRem, lir.OpURem:
		if !opType(op).IsFloat() {
			return l.divide(op)
		}
		if op.Op == lir.OpSRem || op.Op == lir.OpURem {
			return l.errorf("no float remainder")
		}
	case lir.OpShl, lir.OpShr, lir.OpSar:
		return l.shift(op)
	}
	if op.Op.IsCompare() || op.Op.IsCondBranch() {
		return l.compare(op)
	}
	return l.generic(op)
}

// opType is the type an instruction computes in. Comparisons and branches
// compute in the type of their operands.
func opType(op *lir.Instr) lir.Type {
	if !op.Op.IsCompare() && !op.Op.IsBranch() {
		if t := lir.TypeOf(op.Output); t != lir.TypeVoid {
			return t
		}
	}
	if t := lir.TypeOf(op.First); t != lir.TypeVoid {
		return t
	}
	return lir.TypeOf(op.Second)
}

func returnReg(t lir.Type) lir.Reg {
	if t.IsFloat() {
		return regFor(0, t)
	}
	return regFor(x86.RAX, t)
}

func r10Sized(t lir.Type) lir.Reg {
	w := t.Size()
	if w == 0 {
		w = 8
	}
	return gpr(x86.R10, w)
}

// occupied reports whether the allocator placed any variable in r.
func (l *lowerer) occupied(r lir.Reg) bool {
	for _, loc := range l.c.Locations {
		if loc.HasReg && loc.Reg.Is(r) {
			return true
		}
	}
	return false
}

// temps tracks which operand of the instruction being lowered holds R10.
type temps struct {
	holder  *lir.Operand
	spilled int
}

// r10 claims R10 for slot, first evaluating the previous holder into a
// scratch slot.
func (l *lowerer) r10(tt *temps, slot *lir.Operand, t lir.Type) (lir.Reg, error) {
	if tt.holder != nil && tt.holder != slot {
		if err := l.spill(tt); err != nil {
			return lir.Reg{}, err
		}
	}
	tt.holder = slot
	return r10Sized(t), nil
}

func (l *lowerer) spill(tt *temps) error {
	if tt.holder == nil {
		return nil
	}
	if l.scratch == 0 || tt.spilled >= 2 {
		return l.errorf("no scratch slot left for %s", *tt.holder)
	}
	t := lir.TypeOf(*tt.holder)
	if t == lir.TypeVoid {
		t = lir.TypeInt64
	}
	slot := lir.StackSlot{Offset: l.scratch + 8*int64(tt.spilled), Type: t}
	tt.spilled++
	l.emit(lir.OpMove, *tt.holder, nil, slot)
	*tt.holder = slot
	tt.holder = nil
	return nil
}

// intoR10 loads the value of slot into R10.
func (l *lowerer) intoR10(tt *temps, slot *lir.Operand) error {
	t := lir.TypeOf(*slot)
	r, err := l.r10(tt, slot, t)
	if err != nil {
		return err
	}
	l.emit(lir.OpMove, *slot, nil, r)
	*slot = r
	return nil
}

// inRegister reports whether o is a general purpose register or a variable
// allocated to one.
func (l *lowerer) inRegister(o lir.Operand) (bool, error) {
	switch v := o.(type) {
	case lir.Reg:
		return v.Class == lir.ClassInt, nil
	case *lir.Var:
		loc, err := l.c.Locate(passLower, l.op, v)
		if err != nil {
			return false, err
		}
		return loc.HasReg && loc.Reg.Class == lir.ClassInt, nil
	}
	return false, nil
}

// source makes the operand in slot encodable as an instruction source.
// narrow requires integer immediates to fit a sign-extended 32-bit field.
func (l *lowerer) source(slot *lir.Operand, tt *temps, narrow bool) error {
	switch v := (*slot).(type) {
	case nil, lir.Reg, lir.StackSlot, lir.Label, lir.Symbol, *lir.List:
		return nil
	case *lir.Var:
		_, err := l.c.Locate(passLower, l.op, v)
		return err
	case lir.Imm:
		switch {
		case v.IsFloat():
			*slot = materialize(l.c, v)
		case v.Form == lir.ImmString:
			sym := materialize(l.c, v)
			r, err := l.r10(tt, slot, lir.TypeString)
			if err != nil {
				return err
			}
			l.emit(lir.OpLea, sym, nil, r)
			*slot = r
		case narrow && !fitsInt32(v.Int):
			return l.intoR10(tt, slot)
		}
		return nil
	case lir.Indirect:
		return l.address(slot, v, tt)
	}
	return l.errorf("unexpected operand %s", *slot)
}

// dest makes the operand in slot encodable as an instruction output.
func (l *lowerer) dest(slot *lir.Operand, tt *temps) error {
	switch v := (*slot).(type) {
	case nil, lir.Reg, lir.StackSlot, lir.Label, *lir.List:
		return nil
	case *lir.Var:
		_, err := l.c.Locate(passLower, l.op, v)
		return err
	case lir.Symbol:
		if v.Const != nil {
			return l.errorf("store to literal %s", v)
		}
		return nil
	case lir.Indirect:
		return l.address(slot, v, tt)
	}
	return l.errorf("%s cannot be written", *slot)
}

// address rewrites a memory operand so that its base and index are general
// purpose registers. A frame-resident base is loaded into R10; a
// frame-resident index is scaled and folded into R10 with the base.
func (l *lowerer) address(slot *lir.Operand, m lir.Indirect, tt *temps) error {
	if m.Scale == 0 {
		m.Scale = 1
	}
	if imm, ok := m.Base.(lir.Imm); ok {
		m.Disp += imm.Int
		m.Base = nil
	}
	if imm, ok := m.Index.(lir.Imm); ok {
		m.Disp += imm.Int * int64(m.Scale)
		m.Index, m.Scale = nil, 1
	}
	if m.Base == nil && m.Index != nil && m.Scale == 1 {
		m.Base, m.Index = m.Index, nil
	}
	if !fitsInt32(m.Disp) {
		return l.errorf("displacement %d out of range", m.Disp)
	}
	if m.Base == nil && m.Index == nil {
		return l.errorf("absolute address %s", m)
	}

	baseOK, err := l.addressable(m.Base)
	if err != nil {
		return err
	}
	indexOK, err := l.addressable(m.Index)
	if err != nil {
		return err
	}
	if baseOK && indexOK {
		*slot = m
		return nil
	}

	r, err := l.r10(tt, slot, lir.TypeInt64)
	if err != nil {
		return err
	}
	switch {
	case !baseOK && !indexOK:
		if _, ok := m.Base.(lir.Symbol); ok {
			return l.errorf("symbol base with frame-resident index in %s", m)
		}
		l.emit(lir.OpMove, m.Index, nil, r)
		if m.Scale > 1 {
			shift := bits.TrailingZeros8(m.Scale)
			l.emit(lir.OpShl, r, lir.IntImm(lir.TypeInt8, int64(shift)), r)
		}
		l.emit(lir.OpAdd, r, m.Base, r)
		m.Base, m.Index, m.Scale = r, nil, 1
	case !baseOK:
		if err := l.loadBase(m.Base, r); err != nil {
			return err
		}
		m.Base = r
	default:
		l.emit(lir.OpMove, m.Index, nil, r)
		m.Index = r
	}
	*slot = m
	return nil
}

func (l *lowerer) addressable(o lir.Operand) (bool, error) {
	if o == nil {
		return true, nil
	}
	return l.inRegister(o)
}

func (l *lowerer) loadBase(base lir.Operand, r lir.Reg) error {
	switch v := base.(type) {
	case lir.Symbol:
		l.emit(lir.OpLea, v, nil, r)
	case *lir.Var, lir.StackSlot:
		l.emit(lir.OpMove, v, nil, r)
	default:
		return l.errorf("unsupported address base %s", base)
	}
	return nil
}

// store moves val into out, legalizing out around a value held in R10.
func (l *lowerer) store(val, out lir.Operand) error {
	tt := &temps{}
	if r, ok := val.(lir.Reg); ok && r.Is(regR10) {
		tt.holder = &val
	}
	if err := l.dest(&out, tt); err != nil {
		return err
	}
	l.emit(lir.OpMove, val, nil, out)
	return nil
}

func (l *lowerer) memoryResident(o lir.Operand) bool {
	if v, ok := lir.AsVar(o); ok {
		loc := l.c.Locations[v.Ident]
		return !loc.HasReg
	}
	return lir.IsMemory(o)
}

func (l *lowerer) generic(op *lir.Instr) error {
	ins := op.Clone()
	tt := &temps{}
	if err := l.source(&ins.First, tt, ins.Op == lir.OpPush); err != nil {
		return err
	}
	if err := l.source(&ins.Second, tt, true); err != nil {
		return err
	}
	if err := l.source(&ins.Addend, tt, true); err != nil {
		return err
	}

	switch {
	case ins.Op == lir.OpIToF:
		if imm, ok := ins.First.(lir.Imm); ok && imm.IsInt() {
			if err := l.intoR10(tt, &ins.First); err != nil {
				return err
			}
		}
	case ins.Op == lir.OpMul && opType(ins).Size() == 1 && !opType(ins).IsFloat():
		// Byte multiplies are selected as 32-bit imul, which has no byte
		// memory form.
		if l.memoryResident(ins.Second) {
			if err := l.intoR10(tt, &ins.Second); err != nil {
				return err
			}
		}
	}

	if err := l.dest(&ins.Output, tt); err != nil {
		return err
	}
	return l.keep(ins)
}

func (l *lowerer) move(op *lir.Instr) error {
	ins := op.Clone()
	tt := &temps{}

	if imm, ok := ins.First.(lir.Imm); ok {
		switch {
		case imm.Form == lir.ImmString:
			ins.Op = lir.OpLea
			ins.First = materialize(l.c, imm)
		case imm.IsInt() && !fitsInt32(imm.Int):
			reg, err := l.inRegister(ins.Output)
			if err != nil {
				return err
			}
			if !reg {
				if err := l.intoR10(tt, &ins.First); err != nil {
					return err
				}
			}
		}
	}
	if err := l.source(&ins.First, tt, false); err != nil {
		return err
	}
	if err := l.dest(&ins.Output, tt); err != nil {
		return err
	}
	return l.keep(ins)
}

// compare normalizes comparisons and conditional branches so that an
// immediate, if any, is the second operand.
func (l *lowerer) compare(op *lir.Instr) error {
	ins := op.Clone()
	_, firstImm := ins.First.(lir.Imm)
	_, secondImm := ins.Second.(lir.Imm)
	if firstImm && !secondImm {
		ins.Op = ins.Op.Mirror()
		ins.First, ins.Second = ins.Second, ins.First
	}

	tt := &temps{}
	if err := l.source(&ins.First, tt, false); err != nil {
		return err
	}
	if err := l.source(&ins.Second, tt, true); err != nil {
		return err
	}
	if imm, ok := ins.First.(lir.Imm); ok && imm.IsInt() {
		if err := l.intoR10(tt, &ins.First); err != nil {
			return err
		}
	}
	if ins.Op.IsCompare() {
		if err := l.dest(&ins.Output, tt); err != nil {
			return err
		}
	}
	return l.keep(ins)
}

func (l *lowerer) ret(op *lir.Instr) error {
	var result lir.Operand
	if op.First != nil {
		r := returnReg(lir.TypeOf(op.First))
		if err := l.move(lir.New(lir.OpMove, op.First, nil, r).At(op.Pos)); err != nil {
			return err
		}
		result = r
	}
	l.emit(lir.OpRet, result, nil, nil)
	return nil
}

// divide makes the implicit RAX/RDX operands of integer division explicit.
// Byte and word division is widened to 32 bits. RAX and RDX are preserved
// around the sequence when variables live in them.
func (l *lowerer) divide(op *lir.Instr) error {
	ins := op.Clone()
	w := opType(ins).Size()
	if w < 4 {
		w = 4
	}

	tt := &temps{}
	if err := l.source(&ins.First, tt, false); err != nil {
		return err
	}
	if err := l.source(&ins.Second, tt, false); err != nil {
		return err
	}
	if tt.holder == &ins.First {
		if err := l.spill(tt); err != nil {
			return err
		}
	}

	save := lo.Filter([]lir.Reg{regRAX, regRDX}, func(r lir.Reg, _ int) bool {
		return l.occupied(r)
	})
	for _, r := range save {
		l.emit(lir.OpPush, r, nil, nil)
	}

	rax, rdx, r10 := gpr(x86.RAX, w), gpr(x86.RDX, w), gpr(x86.R10, w)
	l.emit(lir.OpMove, ins.Second, nil, r10)
	l.emit(lir.OpMove, ins.First, nil, rax)
	l.emit(ins.Op, rax, r10, lir.NewList(rax, rdx))

	result := rax
	if ins.Op == lir.OpSRem || ins.Op == lir.OpURem {
		result = rdx
	}
	if len(save) > 0 {
		if ins.Output != nil {
			l.emit(lir.OpMove, result, nil, r10)
		}
		result = r10
		for idx := len(save) - 1; idx >= 0; idx-- {
			l.emit(lir.OpPop, nil, nil, save[idx])
		}
	}
	if ins.Output == nil {
		return nil
	}
	return l.store(result, ins.Output)
}

// shift routes a variable count through CL. RCX is preserved around the
// shift when a variable lives in it.
func (l *lowerer) shift(op *lir.Instr) error {
	t := opType(op)
	if imm, ok := op.Second.(lir.Imm); ok {
		ins := op.Clone()
		ins.Second = lir.IntImm(lir.TypeInt8, imm.Int&int64(t.Size()*8-1))
		return l.generic(ins)
	}

	ins := op.Clone()
	tt := &temps{}
	if err := l.source(&ins.First, tt, false); err != nil {
		return err
	}
	if err := l.source(&ins.Second, tt, false); err != nil {
		return err
	}
	cl := gpr(x86.RCX, 1)
	count := regFor(x86.RCX, lir.TypeOf(ins.Second))

	if !l.occupied(regRCX) {
		if err := l.dest(&ins.Output, tt); err != nil {
			return err
		}
		l.emit(lir.OpMove, ins.Second, nil, count)
		ins.Second = cl
		return l.keep(ins)
	}

	if tt.holder == &ins.Second {
		if err := l.spill(tt); err != nil {
			return err
		}
	}
	r := r10Sized(t)
	l.emit(lir.OpMove, ins.First, nil, r)
	l.emit(lir.OpPush, regRCX, nil, nil)
	l.emit(lir.OpMove, ins.Second, nil, count)
	l.emit(ins.Op, r, cl, r)
	l.emit(lir.OpPop, nil, nil, regRCX)
	return l.store(r, ins.Output)
}
