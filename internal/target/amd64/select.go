package amd64

import (
	"github.com/tinyrange/lirc/internal/asm"
	x86 "github.com/tinyrange/lirc/internal/asm/amd64"
	"github.com/tinyrange/lirc/internal/lir"
)

const passSelect = "select"

// selector maps lowered LIR onto machine instructions. R11, XMM14 and XMM15
// are its private scratch registers and never carry a value from one LIR
// instruction to the next.
type selector struct {
	c   *lir.Closure
	op  *lir.Instr
	out []x86.Inst
}

// Select translates a lowered closure. The function label is left to the
// caller.
func Select(c *lir.Closure) ([]x86.Inst, error) {
	s := &selector{c: c}
	for _, b := range c.Blocks {
		for _, op := range b.Ops {
			s.op = op
			if err := s.instr(op); err != nil {
				return nil, err
			}
		}
	}
	return s.out, nil
}

func (s *selector) errorf(format string, args ...any) error {
	return lir.Internalf(passSelect, s.c, s.op, format, args...)
}

func (s *selector) emit(i x86.Inst) { s.out = append(s.out, i) }

func (s *selector) label(l lir.Label) string {
	if l.Local {
		return ".L" + s.c.Symbol + "." + l.Name
	}
	return l.Name
}

func width(t lir.Type) int {
	if w := t.Size(); w > 0 {
		return w
	}
	return 8
}

func machineReg(r lir.Reg, w int) x86.Operand {
	if r.Class == lir.ClassFloat {
		return x86.XmmSized(x86.RegID(r.Index), w)
	}
	return x86.RegSized(x86.RegID(r.Index), w)
}

func r11(w int) x86.Reg { return x86.RegSized(x86.R11, w) }

func xmm15(w int) x86.Xmm { return x86.XmmSized(15, w) }

func (s *selector) frame(off int64, w int) (x86.Operand, error) {
	if !fitsInt32(off) {
		return nil, s.errorf("frame offset %d out of range", off)
	}
	return x86.Mem(x86.Reg64(x86.RBP)).WithDisp(int32(off)).Sized(w), nil
}

// operand resolves o to its machine form.
func (s *selector) operand(o lir.Operand) (x86.Operand, error) {
	switch v := o.(type) {
	case lir.Reg:
		return machineReg(v, int(v.Width)), nil
	case *lir.Var:
		loc, err := s.c.Locate(passSelect, s.op, v)
		if err != nil {
			return nil, err
		}
		if loc.HasReg {
			return machineReg(loc.Reg, width(v.Type)), nil
		}
		return s.frame(loc.Stack, width(v.Type))
	case lir.StackSlot:
		return s.frame(v.Offset, width(v.Type))
	case lir.Imm:
		if !v.IsInt() {
			return nil, s.errorf("literal %s was not materialized", v)
		}
		return x86.Imm(v.Int), nil
	case lir.Indirect:
		return s.memory(v)
	case lir.Symbol:
		m := x86.RIP(v.Name)
		if v.TLS {
			m = x86.TLS(v.Name)
		}
		return m.Sized(width(v.Type)), nil
	case lir.Label:
		return x86.Target{Name: s.label(v), Local: v.Local}, nil
	}
	return nil, s.errorf("operand %v has no machine form", o)
}

func (s *selector) addrReg(o lir.Operand) (x86.Reg, bool, error) {
	switch v := o.(type) {
	case nil:
		return x86.Reg{}, false, nil
	case lir.Reg:
		if v.Class == lir.ClassInt {
			return x86.Reg64(x86.RegID(v.Index)), true, nil
		}
	case *lir.Var:
		loc, err := s.c.Locate(passSelect, s.op, v)
		if err != nil {
			return x86.Reg{}, false, err
		}
		if loc.HasReg && loc.Reg.Class == lir.ClassInt {
			return x86.Reg64(x86.RegID(loc.Reg.Index)), true, nil
		}
	}
	return x86.Reg{}, false, s.errorf("address component %s is not in a register", o)
}

func (s *selector) memory(m lir.Indirect) (x86.Memory, error) {
	base, hasBase, err := s.addrReg(m.Base)
	if err != nil {
		return x86.Memory{}, err
	}
	index, hasIndex, err := s.addrReg(m.Index)
	if err != nil {
		return x86.Memory{}, err
	}
	if !fitsInt32(m.Disp) {
		return x86.Memory{}, s.errorf("displacement %d out of range", m.Disp)
	}
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	var mem x86.Memory
	switch {
	case hasBase && hasIndex:
		mem = x86.MemIndex(base, index, scale)
	case hasBase:
		mem = x86.Mem(base)
	case hasIndex:
		mem = x86.MemScaled(index, scale, 0)
	default:
		return x86.Memory{}, s.errorf("address %s has no register", m)
	}
	return mem.WithDisp(int32(m.Disp)).Sized(width(m.Type)), nil
}

func opWidth(o x86.Operand) int {
	switch v := o.(type) {
	case x86.Reg:
		return v.Width()
	case x86.Xmm:
		return v.Width()
	case x86.Memory:
		return v.Width()
	}
	return 0
}

// resize views o at width w. Immediates are truncated to w.
func resize(o x86.Operand, w int) x86.Operand {
	switch v := o.(type) {
	case x86.Reg:
		return x86.RegSized(v.ID(), w)
	case x86.Xmm:
		return x86.XmmSized(v.ID(), w)
	case x86.Memory:
		return v.Sized(w)
	case x86.Imm:
		return x86.Imm(truncImm(int64(v), w))
	}
	return o
}

func isGPR(o x86.Operand) bool {
	_, ok := o.(x86.Reg)
	return ok
}

func isXmm(o x86.Operand) bool {
	_, ok := o.(x86.Xmm)
	return ok
}

func sameOperand(a, b x86.Operand) bool {
	switch x := a.(type) {
	case x86.Reg:
		y, ok := b.(x86.Reg)
		return ok && x.ID() == y.ID() && x.Width() == y.Width()
	case x86.Xmm:
		y, ok := b.(x86.Xmm)
		return ok && x.ID() == y.ID() && x.Width() == y.Width()
	case x86.Memory:
		y, ok := b.(x86.Memory)
		return ok && x == y
	}
	return false
}

// clobbers reports whether writing register d changes the value of o.
func clobbers(d, o x86.Operand) bool {
	switch r := d.(type) {
	case x86.Reg:
		switch v := o.(type) {
		case x86.Reg:
			return v.ID() == r.ID()
		case x86.Memory:
			base, hasBase := v.Base()
			index, hasIndex := v.Index()
			return (hasBase && base.ID() == r.ID()) || (hasIndex && index.ID() == r.ID())
		}
	case x86.Xmm:
		v, ok := o.(x86.Xmm)
		return ok && v.ID() == r.ID()
	}
	return false
}

// move copies src to dst, extending narrower integer sources by signed and
// truncating wider ones. Moves between register classes copy bits.
func (s *selector) move(dst, src x86.Operand, signed bool) error {
	if sameOperand(dst, src) {
		return nil
	}
	switch d := dst.(type) {
	case x86.Xmm:
		switch v := src.(type) {
		case x86.Xmm:
			if v.ID() != d.ID() {
				s.emit(x86.Inst{Op: x86.OpMovs, Dst: d, Src: x86.XmmSized(v.ID(), d.Width())})
			}
			return nil
		case x86.Memory:
			s.emit(x86.Inst{Op: x86.OpMovs, Dst: d, Src: v.Sized(d.Width())})
			return nil
		case x86.Reg:
			if v.Width() < 4 {
				return s.errorf("bit move from %s", v)
			}
			s.emit(x86.Inst{Op: x86.OpMovq, Dst: d, Src: v})
			return nil
		case x86.Imm:
			if v == 0 {
				s.emit(x86.Inst{Op: x86.OpXorps, Dst: d, Src: d})
				return nil
			}
			s.emit(x86.Inst{Op: x86.OpMov, Dst: r11(8), Src: v})
			s.emit(x86.Inst{Op: x86.OpMovq, Dst: d, Src: r11(d.Width())})
			return nil
		}
	case x86.Reg:
		wd := d.Width()
		switch v := src.(type) {
		case x86.Xmm:
			if wd >= 4 {
				s.emit(x86.Inst{Op: x86.OpMovq, Dst: d, Src: v})
				return nil
			}
			s.emit(x86.Inst{Op: x86.OpMovq, Dst: r11(4), Src: v})
			return s.move(d, r11(wd), signed)
		case x86.Reg:
			ws := v.Width()
			switch {
			case ws == wd:
				s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: v})
			case ws < wd:
				s.extend(d, v, signed)
			case v.ID() != d.ID():
				s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: x86.RegSized(v.ID(), wd)})
			}
			return nil
		case x86.Memory:
			switch ws := v.Width(); {
			case ws == wd:
				s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: v})
			case ws < wd:
				s.extend(d, v, signed)
			default:
				s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: v.Sized(wd)})
			}
			return nil
		case x86.Imm:
			s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: x86.Imm(truncImm(int64(v), wd))})
			return nil
		}
	case x86.Memory:
		wd := d.Width()
		switch v := src.(type) {
		case x86.Reg:
			if v.Width() >= wd {
				s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: x86.RegSized(v.ID(), wd)})
				return nil
			}
			s.extend(r11(wd), v, signed)
			s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: r11(wd)})
			return nil
		case x86.Xmm:
			if v.Width() == wd {
				s.emit(x86.Inst{Op: x86.OpMovs, Dst: d, Src: v})
				return nil
			}
			s.emit(x86.Inst{Op: x86.OpMovq, Dst: r11(v.Width()), Src: v})
			return s.move(d, r11(v.Width()), signed)
		case x86.Memory:
			if err := s.move(r11(wd), v, signed); err != nil {
				return err
			}
			s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: r11(wd)})
			return nil
		case x86.Imm:
			val := truncImm(int64(v), wd)
			if fitsInt32(val) {
				s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: x86.Imm(val)})
				return nil
			}
			s.emit(x86.Inst{Op: x86.OpMov, Dst: r11(8), Src: v})
			s.emit(x86.Inst{Op: x86.OpMov, Dst: d, Src: r11(8)})
			return nil
		}
	}
	return s.errorf("no move from %v to %v", src, dst)
}

func (s *selector) extend(d x86.Reg, src x86.Operand, signed bool) {
	op := x86.OpMovzx
	if signed {
		op = x86.OpMovsx
	}
	s.emit(x86.Inst{Op: op, Dst: d, Src: src})
}

var intOps = map[lir.Opcode]x86.Op{
	lir.OpAdd: x86.OpAdd,
	lir.OpSub: x86.OpSub,
	lir.OpAnd: x86.OpAnd,
	lir.OpOr:  x86.OpOr,
	lir.OpXor: x86.OpXor,
	lir.OpShl: x86.OpShl,
	lir.OpShr: x86.OpShr,
	lir.OpSar: x86.OpSar,
	lir.OpNeg: x86.OpNeg,
	lir.OpNot: x86.OpNot,
}

var floatOps = map[lir.Opcode]x86.Op{
	lir.OpAdd:  x86.OpAdds,
	lir.OpSub:  x86.OpSubs,
	lir.OpMul:  x86.OpMuls,
	lir.OpSDiv: x86.OpDivs,
	lir.OpUDiv: x86.OpDivs,
}

var fusedOps = map[lir.Opcode]x86.Op{
	lir.OpFMAdd:  x86.OpVfmadd231,
	lir.OpFNMSub: x86.OpVfmsub231,
	lir.OpFMSub:  x86.OpVfnmadd231,
}

var conds = map[lir.Opcode]x86.Cond{
	lir.OpSLT: x86.CondL, lir.OpBLT: x86.CondL,
	lir.OpSLE: x86.CondLE, lir.OpBLE: x86.CondLE,
	lir.OpSGT: x86.CondG, lir.OpBGT: x86.CondG,
	lir.OpSGE: x86.CondGE, lir.OpBGE: x86.CondGE,
	lir.OpULT: x86.CondB, lir.OpBULT: x86.CondB,
	lir.OpULE: x86.CondBE, lir.OpBULE: x86.CondBE,
	lir.OpUGT: x86.CondA, lir.OpBUGT: x86.CondA,
	lir.OpUGE: x86.CondAE, lir.OpBUGE: x86.CondAE,
	lir.OpSEQ: x86.CondE, lir.OpBEQ: x86.CondE,
	lir.OpSNE: x86.CondNE, lir.OpBNE: x86.CondNE,
}

// cond maps a comparison onto flags. ucomis sets the carry and zero flags
// like an unsigned compare.
func cond(op lir.Opcode, float bool) x86.Cond {
	c := conds[op]
	if !float {
		return c
	}
	switch c {
	case x86.CondL:
		return x86.CondB
	case x86.CondLE:
		return x86.CondBE
	case x86.CondG:
		return x86.CondA
	case x86.CondGE:
		return x86.CondAE
	}
	return c
}

// sources resolves First, Second and Output. Implicit register lists carry
// no machine operand.
func (s *selector) sources(op *lir.Instr) (d, a, b x86.Operand, err error) {
	if _, implicit := op.Output.(*lir.List); op.Output != nil && !implicit {
		if d, err = s.operand(op.Output); err != nil {
			return
		}
	}
	if op.First != nil {
		if a, err = s.operand(op.First); err != nil {
			return
		}
	}
	if op.Second != nil {
		b, err = s.operand(op.Second)
	}
	return
}

func (s *selector) instr(op *lir.Instr) error {
	switch op.Op {
	case lir.OpNop, lir.OpPhi, lir.OpFnBegin, lir.OpSafepoint:
		return nil
	case lir.OpLabel:
		l, ok := op.Output.(lir.Label)
		if !ok {
			return s.errorf("label without name")
		}
		bind := asm.BindGlobal
		if l.Local {
			bind = asm.BindLocal
		}
		s.emit(x86.Inst{Op: x86.OpLabel, Label: s.label(l), Kind: asm.SymLabel, Bind: bind})
		return nil
	case lir.OpRet, lir.OpFnEnd:
		s.epilogue()
		return nil
	case lir.OpBAL:
		t, err := s.operand(op.Output)
		if err != nil {
			return err
		}
		s.emit(x86.Inst{Op: x86.OpJmp, Dst: t})
		return nil
	case lir.OpCall, lir.OpRTCall:
		return s.call(op)
	case lir.OpReturn:
		return s.errorf("RETURN reached selection unlowered")
	}

	d, a, b, err := s.sources(op)
	if err != nil {
		return err
	}
	t := opType(op)
	float := t.IsFloat()
	signed := lir.TypeOf(op.First).IsSigned()

	switch {
	case op.Op == lir.OpMove:
		return s.move(d, a, signed)
	case op.Op == lir.OpLea:
		return s.lea(op, d)
	case op.Op == lir.OpClr:
		return s.clear(d)
	case op.Op == lir.OpPush:
		return s.push(a)
	case op.Op == lir.OpPop:
		return s.pop(d)
	case op.Op.IsCondBranch():
		if err := s.compare(a, b, float); err != nil {
			return err
		}
		s.emit(x86.Inst{Op: x86.OpJcc, Cond: cond(op.Op, float), Dst: d})
		return nil
	case op.Op.IsCompare():
		if err := s.compare(a, b, float); err != nil {
			return err
		}
		return s.set(cond(op.Op, float), d)
	case op.Op.IsFused():
		return s.fused(op, d, a, b)
	}

	switch op.Op {
	case lir.OpIToF:
		return s.intToFloat(d, a, signed)
	case lir.OpFToI:
		return s.floatToInt(d, a, lir.TypeOf(op.Output).IsSigned())
	case lir.OpFExt, lir.OpFTrunc:
		work := d
		if !isXmm(d) {
			work = xmm15(opWidth(d))
		}
		s.emit(x86.Inst{Op: x86.OpCvts2s, Dst: work, Src: a})
		return s.move(d, work, false)
	}

	if float {
		if op.Op == lir.OpNeg {
			return s.floatNeg(d, a)
		}
		fop, ok := floatOps[op.Op]
		if !ok {
			return s.errorf("%s has no float form", op.Op)
		}
		return s.floatBinary(fop, d, a, b, op.Op.Commutative())
	}

	switch op.Op {
	case lir.OpMul:
		return s.mul(d, a, b, signed)
	case lir.OpSDiv, lir.OpUDiv, lir.OpSRem, lir.OpURem:
		return s.divide(op.Op, a, b)
	case lir.OpNeg, lir.OpNot:
		work := d
		if !isGPR(d) {
			work = r11(opWidth(d))
		}
		if err := s.move(work, a, signed); err != nil {
			return err
		}
		s.emit(x86.Inst{Op: intOps[op.Op], Dst: work})
		return s.move(d, work, signed)
	case lir.OpShl, lir.OpShr, lir.OpSar:
		w := opWidth(d)
		switch c := b.(type) {
		case x86.Imm:
			b = x86.Imm(int64(c) & int64(w*8-1))
		case x86.Reg:
			if c.ID() != x86.RCX {
				return s.errorf("shift count %s is not in cl", c)
			}
			b = x86.Reg8(x86.RCX)
		default:
			return s.errorf("shift count %v", b)
		}
		return s.binary(intOps[op.Op], d, a, b, false, signed)
	}
	if iop, ok := intOps[op.Op]; ok {
		return s.binary(iop, d, a, resize(b, opWidth(d)), op.Op.Commutative(), signed)
	}
	return s.errorf("no selection for %s", op.Op)
}

// binary selects the two-address form d = a op b. The work register is d
// itself unless d is in memory or is read by b, in which case R11 is used.
func (s *selector) binary(op x86.Op, d, a, b x86.Operand, commutative, signed bool) error {
	work := d
	if !isGPR(d) || clobbers(d, b) {
		if commutative && isGPR(d) && !clobbers(d, a) {
			a, b = b, resize(a, opWidth(d))
		} else {
			work = r11(opWidth(d))
		}
	}
	if err := s.move(work, a, signed); err != nil {
		return err
	}
	s.emit(x86.Inst{Op: op, Dst: work, Src: b})
	return s.move(d, work, signed)
}

func (s *selector) mul(d, a, b x86.Operand, signed bool) error {
	w := opWidth(d)
	if w == 1 {
		// The low byte of a product depends only on the low bytes of its
		// factors, so a 32-bit multiply is exact.
		wide := r11(4)
		if err := s.move(wide, resize(a, 1), false); err != nil {
			return err
		}
		switch f := b.(type) {
		case x86.Imm:
			s.emit(x86.Inst{Op: x86.OpImul, Dst: wide, Src: wide, Src2: f})
		case x86.Reg:
			s.emit(x86.Inst{Op: x86.OpImul, Dst: wide, Src: x86.Reg32(f.ID())})
		default:
			return s.errorf("byte multiply by memory")
		}
		return s.move(d, r11(1), signed)
	}

	b = resize(b, w)
	if imm, ok := b.(x86.Imm); ok {
		work := d
		if !isGPR(d) {
			work = r11(w)
		}
		src := resize(a, w)
		if _, isImm := a.(x86.Imm); isImm {
			if err := s.move(work, a, signed); err != nil {
				return err
			}
			src = work
		}
		s.emit(x86.Inst{Op: x86.OpImul, Dst: work, Src: src, Src2: imm})
		return s.move(d, work, signed)
	}
	return s.binary(x86.OpImul, d, a, b, true, signed)
}

// divide selects the explicit form produced by lowering:
// SDIV rax, r10 -> (rax, rdx).
func (s *selector) divide(op lir.Opcode, a, b x86.Operand) error {
	dividend, ok := a.(x86.Reg)
	if !ok || dividend.ID() != x86.RAX {
		return s.errorf("dividend %v is not rax", a)
	}
	w := dividend.Width()
	if op == lir.OpSDiv || op == lir.OpSRem {
		s.emit(x86.Inst{Op: x86.OpCqo, Dst: dividend})
		s.emit(x86.Inst{Op: x86.OpIdiv, Dst: resize(b, w)})
		return nil
	}
	s.emit(x86.Inst{Op: x86.OpXor, Dst: x86.Reg32(x86.RDX), Src: x86.Reg32(x86.RDX)})
	s.emit(x86.Inst{Op: x86.OpDiv, Dst: resize(b, w)})
	return nil
}

func (s *selector) compare(a, b x86.Operand, float bool) error {
	if float {
		w := opWidth(a)
		if w == 0 {
			w = opWidth(b)
		}
		if !isXmm(a) {
			if err := s.move(xmm15(w), a, false); err != nil {
				return err
			}
			a = xmm15(w)
		}
		switch b.(type) {
		case x86.Xmm, x86.Memory:
		default:
			return s.errorf("float compare with %v", b)
		}
		s.emit(x86.Inst{Op: x86.OpUcomis, Dst: a, Src: resize(b, w)})
		return nil
	}

	w := opWidth(a)
	if w == 0 {
		w = opWidth(b)
	}
	_, aImm := a.(x86.Imm)
	_, bMem := b.(x86.Memory)
	if aImm || (!isGPR(a) && bMem) {
		if err := s.move(r11(w), a, false); err != nil {
			return err
		}
		a = r11(w)
	}
	s.emit(x86.Inst{Op: x86.OpCmp, Dst: a, Src: resize(b, w)})
	return nil
}

func (s *selector) set(c x86.Cond, d x86.Operand) error {
	if opWidth(d) == 1 && !isXmm(d) {
		s.emit(x86.Inst{Op: x86.OpSetcc, Cond: c, Dst: d})
		return nil
	}
	s.emit(x86.Inst{Op: x86.OpSetcc, Cond: c, Dst: r11(1)})
	s.emit(x86.Inst{Op: x86.OpMovzx, Dst: r11(4), Src: r11(1)})
	return s.move(d, r11(max(opWidth(d), 4)), false)
}

func (s *selector) lea(op *lir.Instr, d x86.Operand) error {
	var m x86.Memory
	switch f := op.First.(type) {
	case lir.Symbol:
		if f.TLS {
			return s.errorf("address of thread-local %s", f.Name)
		}
		m = x86.RIP(f.Name)
	case lir.Indirect:
		var err error
		if m, err = s.memory(f); err != nil {
			return err
		}
	default:
		return s.errorf("lea of %s", op.First)
	}
	if r, ok := d.(x86.Reg); ok && r.Width() >= 4 {
		s.emit(x86.Inst{Op: x86.OpLea, Dst: r, Src: m})
		return nil
	}
	s.emit(x86.Inst{Op: x86.OpLea, Dst: r11(8), Src: m})
	return s.move(d, r11(8), false)
}

func (s *selector) clear(d x86.Operand) error {
	switch v := d.(type) {
	case x86.Xmm:
		s.emit(x86.Inst{Op: x86.OpXorps, Dst: v, Src: v})
	case x86.Reg:
		r := x86.Reg32(v.ID())
		s.emit(x86.Inst{Op: x86.OpXor, Dst: r, Src: r})
	case x86.Memory:
		s.emit(x86.Inst{Op: x86.OpMov, Dst: v, Src: x86.Imm(0)})
	default:
		return s.errorf("clear %v", d)
	}
	return nil
}

func (s *selector) push(a x86.Operand) error {
	switch v := a.(type) {
	case x86.Reg:
		s.emit(x86.Inst{Op: x86.OpPush, Dst: x86.Reg64(v.ID())})
	case x86.Memory:
		s.emit(x86.Inst{Op: x86.OpPush, Dst: v.Sized(8)})
	case x86.Imm:
		s.emit(x86.Inst{Op: x86.OpPush, Dst: v})
	default:
		return s.errorf("push %v", a)
	}
	return nil
}

func (s *selector) pop(d x86.Operand) error {
	switch v := d.(type) {
	case x86.Reg:
		s.emit(x86.Inst{Op: x86.OpPop, Dst: x86.Reg64(v.ID())})
	case x86.Memory:
		s.emit(x86.Inst{Op: x86.OpPop, Dst: v.Sized(8)})
	default:
		return s.errorf("pop %v", d)
	}
	return nil
}

func (s *selector) call(op *lir.Instr) error {
	switch f := op.First.(type) {
	case lir.Symbol:
		s.emit(x86.Inst{Op: x86.OpCall, Dst: x86.Target{Name: f.Name, Local: f.Local}})
	case lir.Reg:
		s.emit(x86.Inst{Op: x86.OpCall, Dst: x86.Reg64(x86.RegID(f.Index))})
	default:
		return s.errorf("call through %s", op.First)
	}
	return nil
}

// epilogue restores callee-saved registers and tears down the frame.
func (s *selector) epilogue() {
	rbp := x86.Reg64(x86.RBP)
	for _, saved := range s.c.Saved {
		s.emit(x86.Inst{
			Op:  x86.OpMov,
			Dst: x86.Reg64(x86.RegID(saved.Reg.Index)),
			Src: x86.Mem(rbp).WithDisp(int32(saved.Offset)),
		})
	}
	s.emit(x86.Inst{Op: x86.OpMov, Dst: x86.Reg64(x86.RSP), Src: rbp})
	s.emit(x86.Inst{Op: x86.OpPop, Dst: rbp})
	s.emit(x86.Inst{Op: x86.OpRet})
}

func (s *selector) floatBinary(op x86.Op, d, a, b x86.Operand, commutative bool) error {
	w := opWidth(d)
	b = resize(b, w)
	work := d
	if !isXmm(d) || clobbers(d, b) {
		if commutative && isXmm(d) && !clobbers(d, a) {
			a, b = b, resize(a, w)
		} else {
			work = xmm15(w)
		}
	}
	switch b.(type) {
	case x86.Xmm, x86.Memory:
	default:
		return s.errorf("float operand %v", b)
	}
	if err := s.move(work, a, false); err != nil {
		return err
	}
	s.emit(x86.Inst{Op: op, Dst: work, Src: b})
	return s.move(d, work, false)
}

// floatNeg flips the sign bit through R11.
func (s *selector) floatNeg(d, a x86.Operand) error {
	w := opWidth(d)
	r := r11(w)
	if err := s.move(r, a, false); err != nil {
		return err
	}
	s.emit(x86.Inst{Op: x86.OpBtc, Dst: r, Src: x86.Imm(w*8 - 1)})
	return s.move(d, r, false)
}

func (s *selector) fused(op *lir.Instr, d, a, b x86.Operand) error {
	fop, ok := fusedOps[op.Op]
	if !ok || !opType(op).IsFloat() {
		return s.errorf("no integer multiply-add")
	}
	c, err := s.operand(op.Addend)
	if err != nil {
		return err
	}
	w := opWidth(d)
	work := d
	if !isXmm(d) || clobbers(d, a) || clobbers(d, b) {
		work = xmm15(w)
	}
	if err := s.move(work, c, false); err != nil {
		return err
	}
	if !isXmm(a) {
		if err := s.move(x86.XmmSized(14, w), a, false); err != nil {
			return err
		}
		a = x86.XmmSized(14, w)
	}
	s.emit(x86.Inst{Op: fop, Dst: work, Src: a, Src2: resize(b, w)})
	return s.move(d, work, false)
}

func (s *selector) intToFloat(d, a x86.Operand, signed bool) error {
	switch w := opWidth(a); {
	case w == 0:
		if err := s.move(r11(8), a, signed); err != nil {
			return err
		}
		a = r11(8)
	case w < 4:
		if err := s.move(r11(4), a, signed); err != nil {
			return err
		}
		a = r11(4)
	case w == 4 && !signed:
		if err := s.move(r11(8), a, false); err != nil {
			return err
		}
		a = r11(8)
	}
	work := d
	if !isXmm(d) {
		work = xmm15(opWidth(d))
	}
	s.emit(x86.Inst{Op: x86.OpCvtsi2s, Dst: work, Src: a})
	return s.move(d, work, false)
}

func (s *selector) floatToInt(d, a x86.Operand, signed bool) error {
	wd := opWidth(d)
	conv := 4
	if wd == 8 || !signed {
		conv = 8
	}
	if r, ok := d.(x86.Reg); ok && wd == conv {
		s.emit(x86.Inst{Op: x86.OpCvtts2si, Dst: r, Src: a})
		return nil
	}
	s.emit(x86.Inst{Op: x86.OpCvtts2si, Dst: r11(conv), Src: a})
	return s.move(d, r11(conv), signed)
}
