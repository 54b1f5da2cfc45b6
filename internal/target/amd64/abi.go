package amd64

import (
	"github.com/samber/lo"

	x86 "github.com/tinyrange/lirc/internal/asm/amd64"
	"github.com/tinyrange/lirc/internal/lir"
)

// layout assigns frame slots to locals the allocator left unplaced, walking
// declarations in reverse, then reserves callee-saved and scratch slots.
//
//	[rbp+16+8k]  stack parameter k
//	[rbp+8]      return address
//	[rbp]        saved rbp
//	[rbp-n]      locals, callee-saved registers, scratch
func (l *lowerer) layout() {
	c := l.c
	var size int64
	for _, loc := range c.Locations {
		if loc.HasStack && !loc.HasReg && -loc.Stack > size {
			size = -loc.Stack
		}
	}
	for idx := len(c.Locals) - 1; idx >= 0; idx-- {
		v := c.Locals[idx]
		if loc, ok := c.Locations[v.Ident]; ok && (loc.HasReg || loc.HasStack) {
			continue
		}
		n := int64(v.Type.Size())
		if n == 0 {
			n = 8
		}
		size = alignUp(size+n, n)
		c.Locations[v.Ident] = lir.Location{Stack: -size, HasStack: true}
	}
	size = alignUp(size, 16)

	c.Saved = nil
	for _, id := range calleeSaved {
		r := gpr(id, 8)
		if l.occupied(r) {
			size += 8
			c.Saved = append(c.Saved, lir.SavedReg{Reg: r, Offset: -size})
		}
	}
	if needsScratch(c) {
		size += 16
		l.scratch = -size
	}
	c.Frame = alignUp(size, 16)
}

// needsScratch reports whether any instruction may need R10 for more than
// one operand.
func needsScratch(c *lir.Closure) bool {
	var found bool
	var visit func(o lir.Operand)
	visit = func(o lir.Operand) {
		switch v := o.(type) {
		case lir.Indirect:
			found = true
		case lir.Imm:
			if v.Form == lir.ImmString || (v.IsInt() && !fitsInt32(v.Int)) {
				found = true
			}
		case *lir.List:
			for _, item := range v.Items {
				visit(item)
			}
		}
	}
	for _, b := range c.Blocks {
		for _, op := range b.Ops {
			switch op.Op {
			case lir.OpSDiv, lir.OpUDiv, lir.OpSRem, lir.OpURem, lir.OpShl, lir.OpShr, lir.OpSar:
				return true
			}
			for _, o := range []lir.Operand{op.First, op.Second, op.Addend, op.Output} {
				visit(o)
			}
			if found {
				return true
			}
		}
	}
	return false
}

// prologue keeps FN_BEGIN, builds the frame and moves incoming parameters
// into their allocated locations. Parameters without a location stay where
// the caller put them.
func (l *lowerer) prologue(op *lir.Instr) error {
	c := l.c
	l.out = append(l.out, op)
	l.emit(lir.OpPush, regRBP, nil, nil)
	l.emit(lir.OpMove, regRSP, nil, regRBP)
	if c.Frame > 0 {
		l.emit(lir.OpSub, regRSP, lir.IntImm(lir.TypeInt64, c.Frame), regRSP)
	}
	for _, s := range c.Saved {
		l.emit(lir.OpMove, s.Reg, nil, lir.StackSlot{Offset: s.Offset, Type: lir.TypeInt64})
	}

	params, _ := op.Output.(*lir.List)
	if params == nil {
		return nil
	}
	var (
		assign argAssigner
		stack  int64
		moves  []pmove
	)
	for _, item := range params.Items {
		p, ok := lir.AsVar(item)
		if !ok {
			return l.errorf("parameter %s is not a variable", item)
		}
		r, inReg := assign.next(p.Type)
		var src lir.Operand = r
		home := lir.Location{Reg: r, HasReg: true}
		if !inReg {
			off := 16 + 8*stack
			src = lir.StackSlot{Offset: off, Type: p.Type}
			home = lir.Location{Stack: off, HasStack: true}
			stack++
		}
		if loc, ok := c.Locations[p.Ident]; !ok || (!loc.HasReg && !loc.HasStack) {
			c.Locations[p.Ident] = home
			continue
		}
		moves = append(moves, pmove{dst: p, src: src})
	}
	return l.parallel(moves)
}

// call expands CALL into the System V sequence: stack arguments pushed in
// reverse over alignment padding, register arguments assigned as one
// parallel move, the call itself and the stack cleanup.
func (l *lowerer) call(op *lir.Instr) error {
	var args []lir.Operand
	switch a := op.Second.(type) {
	case nil:
	case *lir.List:
		args = a.Items
	default:
		args = []lir.Operand{a}
	}

	var (
		assign argAssigner
		moves  []pmove
		stack  []lir.Operand
		used   []lir.Operand
	)
	for _, a := range args {
		if r, ok := assign.next(lir.TypeOf(a)); ok {
			moves = append(moves, pmove{dst: r, src: a})
			used = append(used, r)
		} else {
			stack = append(stack, a)
		}
	}

	n := int64(len(stack))
	pad := alignUp(8*n, 16) - 8*n
	if pad > 0 {
		l.emit(lir.OpSub, regRSP, lir.IntImm(lir.TypeInt64, pad), regRSP)
	}
	for k := len(stack) - 1; k >= 0; k-- {
		if err := l.pushArg(stack[k]); err != nil {
			return err
		}
	}

	// Memory arguments whose address needs R10 are loaded before anything
	// else claims it.
	var err error
	moves, err = l.directArgs(moves)
	if err != nil {
		return err
	}

	var callee lir.Operand
	switch f := op.First.(type) {
	case nil:
		return l.errorf("call without callee")
	case lir.Symbol:
		callee = f
	default:
		tt := &temps{}
		if err := l.source(&f, tt, false); err != nil {
			return err
		}
		l.emit(lir.OpMove, f, nil, regR10)
		callee = regR10
	}

	if err := l.parallel(moves); err != nil {
		return err
	}

	if sym, ok := callee.(lir.Symbol); ok && l.t.variadic[sym.Name] {
		if assign.floats == 0 {
			l.emit(lir.OpClr, nil, nil, regRAX)
		} else {
			l.emit(lir.OpMove, lir.IntImm(lir.TypeInt32, int64(assign.floats)), nil, gpr(x86.RAX, 4))
		}
		used = append(used, regRAX)
	}

	var results lir.Operand
	if op.Output != nil {
		results = lir.NewList(returnReg(lir.TypeOf(op.Output)))
	}
	l.emit(op.Op, callee, lir.NewList(used...), results)

	if cleanup := 8*n + pad; cleanup > 0 {
		l.emit(lir.OpAdd, regRSP, lir.IntImm(lir.TypeInt64, cleanup), regRSP)
	}
	if op.Output == nil {
		return nil
	}
	return l.store(returnReg(lir.TypeOf(op.Output)), op.Output)
}

// pushArg pushes one stack argument. Values that have no direct push form
// go through R10.
func (l *lowerer) pushArg(a lir.Operand) error {
	switch v := a.(type) {
	case lir.Imm:
		if v.IsInt() && fitsInt32(v.Int) {
			l.emit(lir.OpPush, v, nil, nil)
			return nil
		}
	case lir.Reg:
		if v.Class == lir.ClassInt {
			l.emit(lir.OpPush, v, nil, nil)
			return nil
		}
	case *lir.Var:
		loc, err := l.c.Locate(passLower, l.op, v)
		if err != nil {
			return err
		}
		if (loc.HasReg && loc.Reg.Class == lir.ClassInt) || (!loc.HasReg && v.Type.Size() == 8) {
			l.emit(lir.OpPush, v, nil, nil)
			return nil
		}
	case lir.StackSlot:
		if v.Type.Size() == 8 {
			l.emit(lir.OpPush, v, nil, nil)
			return nil
		}
	}

	tt := &temps{}
	src := a
	if err := l.source(&src, tt, false); err != nil {
		return err
	}
	if r, ok := src.(lir.Reg); !ok || !r.Is(regR10) {
		l.emit(lir.OpMove, src, nil, r10Sized(lir.TypeOf(src)))
	}
	l.emit(lir.OpPush, regR10, nil, nil)
	return nil
}

// directArgs materializes literal arguments and loads memory arguments that
// need R10 straight into their argument register. The remaining moves are
// returned for parallel assignment.
func (l *lowerer) directArgs(moves []pmove) ([]pmove, error) {
	rest := make([]pmove, 0, len(moves))
	for idx, m := range moves {
		switch v := m.src.(type) {
		case lir.Imm:
			switch {
			case v.IsFloat():
				m.src = materialize(l.c, v)
			case v.Form == lir.ImmString:
				m.src = materialize(l.c, v)
				m.lea = true
			}
		case *lir.Var:
			if _, err := l.c.Locate(passLower, l.op, v); err != nil {
				return nil, err
			}
		case lir.Indirect:
			tt := &temps{}
			src := m.src
			if err := l.address(&src, v, tt); err != nil {
				return nil, err
			}
			if tt.holder != nil {
				key := m.dst.(lir.Reg).Key()
				for other, o := range moves {
					if other != idx && l.reads(o.src, key) {
						return nil, l.errorf("argument %s conflicts with %s", v, o.src)
					}
				}
				l.emit(lir.OpMove, src, nil, m.dst)
				continue
			}
			m.src = src
		}
		rest = append(rest, m)
	}
	return rest, nil
}

// pmove is one member of a parallel assignment.
type pmove struct {
	dst lir.Operand
	src lir.Operand
	lea bool
}

// regKey returns the physical register holding o.
func (l *lowerer) regKey(o lir.Operand) (int, bool) {
	switch v := o.(type) {
	case lir.Reg:
		return v.Key(), true
	case *lir.Var:
		if loc, ok := l.c.Locations[v.Ident]; ok && loc.HasReg {
			return loc.Reg.Key(), true
		}
	}
	return 0, false
}

// reads reports whether evaluating src reads the register with key.
func (l *lowerer) reads(src lir.Operand, key int) bool {
	if k, ok := l.regKey(src); ok {
		return k == key
	}
	if m, ok := src.(lir.Indirect); ok {
		return l.reads(m.Base, key) || l.reads(m.Index, key)
	}
	return false
}

func (l *lowerer) blocked(pending []pmove, idx int) bool {
	key, ok := l.regKey(pending[idx].dst)
	if !ok {
		return false
	}
	for other, m := range pending {
		if other != idx && l.reads(m.src, key) {
			return true
		}
	}
	return false
}

// parallel emits moves so that every source is read before any destination
// overwrites it. Cycles are broken through XMM13.
func (l *lowerer) parallel(moves []pmove) error {
	pending := lo.Filter(moves, func(m pmove, _ int) bool {
		if m.lea {
			return true
		}
		dk, dok := l.regKey(m.dst)
		sk, sok := l.regKey(m.src)
		return !(dok && sok && dk == sk) && !lir.Same(m.dst, m.src)
	})

	for len(pending) > 0 {
		next := -1
		for idx := range pending {
			if !l.blocked(pending, idx) {
				next = idx
				break
			}
		}
		if next < 0 {
			if err := l.breakCycle(pending); err != nil {
				return err
			}
			continue
		}
		m := pending[next]
		pending = append(pending[:next], pending[next+1:]...)
		if m.lea {
			l.emit(lir.OpLea, m.src, nil, m.dst)
		} else {
			l.emit(lir.OpMove, m.src, nil, m.dst)
		}
	}
	return nil
}

// breakCycle saves one blocked destination in XMM13 and redirects its
// readers there.
func (l *lowerer) breakCycle(pending []pmove) error {
	for idx := range pending {
		key, ok := l.regKey(pending[idx].dst)
		if !ok {
			continue
		}
		plain := true
		for other, m := range pending {
			if other == idx || !l.reads(m.src, key) {
				continue
			}
			if _, direct := l.regKey(m.src); !direct {
				plain = false
			}
		}
		if !plain {
			continue
		}

		id := x86.RegID(key & 0xff)
		full := gpr(id, 8)
		if key>>8 == int(lir.ClassFloat) {
			full = xmm(id, 8)
		}
		l.emit(lir.OpMove, full, nil, regXMM13)
		for other := range pending {
			if other == idx || !l.reads(pending[other].src, key) {
				continue
			}
			w := lir.TypeOf(pending[other].src).Size()
			if w == 0 {
				w = 8
			}
			pending[other].src = xmm(13, w)
		}
		return nil
	}
	return l.errorf("argument moves cannot be ordered")
}
