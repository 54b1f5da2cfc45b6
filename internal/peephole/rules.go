package peephole

import (
	"math"

	"github.com/tinyrange/lirc/internal/lir"
)

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// leaFusion describes MUL v, $s -> t1 [; MOVE t1 -> t2]; ADD|SUB t, $d -> dst.
type leaFusion struct {
	index lir.Operand
	scale int64
	disp  int64
	dst   lir.Operand
	last  int
}

func (p *pass) leaCandidate(b *lir.Block, idx int) (leaFusion, bool) {
	var f leaFusion
	mul := at(b, idx)
	if !p.opts.Features.LEA || mul == nil || mul.Op != lir.OpMul {
		return f, false
	}
	t, ok := temp(b, mul.Output)
	if !ok || t.Type.IsFloat() || (t.Type.Size() != 4 && t.Type.Size() != 8) {
		return f, false
	}
	v, s := mul.First, mul.Second
	if _, ok := v.(lir.Imm); ok {
		v, s = s, v
	}
	scale, ok := s.(lir.Imm)
	if !ok || !scale.IsInt() {
		return f, false
	}
	switch scale.Int {
	case 1, 2, 4, 8:
	default:
		return f, false
	}
	if !p.inRegister(v) || lir.TypeOf(v) != t.Type {
		return f, false
	}

	cur := lir.Operand(t)
	next := idx + 1
	if mv := at(b, next); mv != nil && mv.Op == lir.OpMove && lir.Same(mv.First, t) {
		t2, ok := temp(b, mv.Output)
		if !ok || t2.Type != t.Type {
			return f, false
		}
		cur = t2
		next++
	}

	add := at(b, next)
	if add == nil || (add.Op != lir.OpAdd && add.Op != lir.OpSub) {
		return f, false
	}
	other := add.Second
	switch {
	case lir.Same(add.First, cur):
	case add.Op == lir.OpAdd && lir.Same(add.Second, cur):
		other = add.First
	default:
		return f, false
	}
	disp, ok := other.(lir.Imm)
	if !ok || !disp.IsInt() || !fitsInt32(disp.Int) || !fitsInt32(-disp.Int) {
		return f, false
	}
	if _, ok := add.Output.(lir.Indirect); ok || add.Output == nil || lir.TypeOf(add.Output) != t.Type {
		return f, false
	}

	f = leaFusion{index: v, scale: scale.Int, disp: disp.Int, dst: add.Output, last: next}
	if add.Op == lir.OpSub {
		f.disp = -f.disp
	}
	return f, true
}

// fuseLEA turns a scaled multiply followed by a constant add into one
// address computation.
func (p *pass) fuseLEA(b *lir.Block, idx int) bool {
	f, ok := p.leaCandidate(b, idx)
	if !ok {
		return false
	}
	typ := lir.TypeOf(f.dst)
	addr := lir.Indirect{Index: f.index, Scale: uint8(f.scale), Disp: f.disp, Type: typ}
	if f.scale == 1 {
		addr = lir.Indirect{Base: f.index, Disp: f.disp, Type: typ}
	}
	last := b.Ops[f.last]
	b.Ops[f.last] = lir.New(lir.OpLea, addr, nil, f.dst).At(last.Pos)

	dead := make([]int, 0, 2)
	for k := idx; k < f.last; k++ {
		dead = append(dead, k)
	}
	remove(b, dead...)
	return true
}

// mulAdd describes MUL a, b -> t followed by an add or subtract of t.
type mulAdd struct {
	op     lir.Opcode
	a, b   lir.Operand
	addend lir.Operand
	dst    lir.Operand
}

func factor(o lir.Operand) bool {
	switch o.(type) {
	case lir.Reg, *lir.Var:
		return true
	}
	return false
}

func negate(imm lir.Imm) lir.Imm {
	if imm.IsFloat() {
		imm.Float = -imm.Float
		return imm
	}
	imm.Int = -imm.Int
	return imm
}

func (p *pass) mulAddCandidate(b *lir.Block, idx int) (mulAdd, bool) {
	var m mulAdd
	mul := at(b, idx)
	next := at(b, idx+1)
	if mul == nil || next == nil || mul.Op != lir.OpMul {
		return m, false
	}
	t, ok := temp(b, mul.Output)
	if !ok || !factor(mul.First) || !factor(mul.Second) {
		return m, false
	}
	if lir.TypeOf(mul.First) != t.Type || lir.TypeOf(mul.Second) != t.Type {
		return m, false
	}
	if next.Output == nil || lir.TypeOf(next.Output) != t.Type {
		return m, false
	}

	switch {
	case next.Op == lir.OpAdd && lir.Same(next.First, t):
		m.op, m.addend = lir.OpFMAdd, next.Second
	case next.Op == lir.OpAdd && lir.Same(next.Second, t):
		m.op, m.addend = lir.OpFMAdd, next.First
	case next.Op == lir.OpSub && lir.Same(next.First, t):
		m.op, m.addend = lir.OpFNMSub, next.Second
		// t - imm is t + (-imm).
		if imm, ok := next.Second.(lir.Imm); ok && imm.Form != lir.ImmString {
			m.op, m.addend = lir.OpFMAdd, negate(imm)
		}
	case next.Op == lir.OpSub && lir.Same(next.Second, t):
		m.op, m.addend = lir.OpFMSub, next.First
	default:
		return m, false
	}
	if m.addend == nil || lir.Same(m.addend, t) {
		return m, false
	}

	if t.Type.IsFloat() {
		if !p.opts.Features.FloatMulAdd {
			return m, false
		}
	} else {
		_, immAddend := m.addend.(lir.Imm)
		if !p.opts.Features.IntMulAdd || m.op == lir.OpFNMSub || immAddend {
			return m, false
		}
	}
	m.a, m.b, m.dst = mul.First, mul.Second, next.Output
	return m, true
}

// fuseMulAdd folds a multiply into the add or subtract consuming it.
func (p *pass) fuseMulAdd(b *lir.Block, idx int) bool {
	m, ok := p.mulAddCandidate(b, idx)
	if !ok {
		return false
	}
	next := b.Ops[idx+1]
	fused := lir.New(m.op, m.a, m.b, m.dst).At(next.Pos)
	fused.Addend = m.addend
	b.Ops[idx+1] = fused
	remove(b, idx)
	return true
}

// isTwo matches the constant 2 as an integer or float literal or as a
// materialized literal symbol.
func isTwo(o lir.Operand) bool {
	switch v := o.(type) {
	case lir.Imm:
		switch {
		case v.IsFloat():
			return v.Float == 2
		case v.Form == lir.ImmBool || v.Form == lir.ImmString:
			return false
		}
		return v.Int == 2
	case lir.Symbol:
		return v.Const != nil && isTwo(*v.Const)
	}
	return false
}

// fused reports whether the multiply at idx belongs to a fusion, which
// takes precedence over strength reduction whatever order rules run in.
func (p *pass) fused(b *lir.Block, idx int) bool {
	if _, ok := p.leaCandidate(b, idx); ok {
		return true
	}
	_, ok := p.mulAddCandidate(b, idx)
	return ok
}

// reduceMul rewrites a multiply by two as a self add.
func (p *pass) reduceMul(b *lir.Block, idx int) bool {
	op := at(b, idx)
	if op == nil {
		return false
	}

	if op.Op == lir.OpMul {
		var x lir.Operand
		switch {
		case isTwo(op.Second):
			x = op.First
		case isTwo(op.First):
			x = op.Second
		default:
			return false
		}
		if p.fused(b, idx) {
			return false
		}
		op.Op, op.First, op.Second = lir.OpAdd, x, x
		return true
	}

	// MOVE $2 -> t; MUL x, t -> u
	if op.Op != lir.OpMove || !isTwo(op.First) {
		return false
	}
	t, ok := temp(b, op.Output)
	mul := at(b, idx+1)
	if !ok || mul == nil || mul.Op != lir.OpMul || p.fused(b, idx+1) {
		return false
	}
	var x lir.Operand
	switch {
	case lir.Same(mul.Second, t):
		x = mul.First
	case lir.Same(mul.First, t):
		x = mul.Second
	default:
		return false
	}
	if lir.TypeOf(x) != t.Type || lir.Same(x, t) {
		return false
	}
	mul.Op, mul.First, mul.Second = lir.OpAdd, x, x
	remove(b, idx)
	return true
}

// eliminateMove merges a move into the instruction producing or consuming
// its single-use temporary.
func (p *pass) eliminateMove(b *lir.Block, idx int) bool {
	op1, op2 := at(b, idx), at(b, idx+1)
	if op1 == nil || op2 == nil {
		return false
	}

	// OP a, b -> t; MOVE t -> dst
	if op1.Op.Computes() && op2.Op == lir.OpMove {
		t, ok := temp(b, op1.Output)
		if ok && lir.Same(op2.First, t) && direct(op2.Output) && lir.TypeOf(op2.Output) == t.Type {
			op1.Output = op2.Output
			remove(b, idx+1)
			return true
		}
	}

	// MOVE x -> t; OP t, y -> dst
	if op1.Op == lir.OpMove && op2.Op.Computes() {
		t, ok := temp(b, op1.Output)
		x := op1.First
		if !ok || !direct(x) || lir.TypeOf(x) != t.Type {
			return false
		}
		switch {
		case lir.Same(op2.First, t):
			op2.First = x
		case lir.Same(op2.Second, t):
			op2.Second = x
		default:
			return false
		}
		remove(b, idx)
		return true
	}
	return false
}

// direct reports whether o is a variable or register, the operand forms
// move elimination may substitute.
func direct(o lir.Operand) bool {
	switch o.(type) {
	case *lir.Var, lir.Reg:
		return true
	}
	return false
}
