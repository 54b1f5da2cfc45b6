// Package peephole rewrites short instruction windows inside a basic block:
// address fusion, multiply-add fusion, strength reduction and move
// elimination. Rules decide removability only from the block's use counts
// and live-out set; nothing here looks across blocks.
package peephole

import (
	"github.com/samber/lo"

	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/target"
)

// DefaultMaxIterations bounds the number of sweeps over a closure.
const DefaultMaxIterations = 10

type Options struct {
	// MaxIterations caps the sweeps; zero selects DefaultMaxIterations.
	MaxIterations int
	// Features gates the fusions the target can encode.
	Features target.Features
}

// Result reports how much work a run did.
type Result struct {
	Sweeps   int
	Rewrites int
	Pruned   int
}

// rule tries one rewrite with the cursor at idx and reports whether it
// changed the block.
type rule func(p *pass, b *lir.Block, idx int) bool

// Rules are tried in this order at every cursor position.
var defaultRules = []rule{
	(*pass).fuseLEA,
	(*pass).fuseMulAdd,
	(*pass).reduceMul,
	(*pass).eliminateMove,
}

type pass struct {
	c    *lir.Closure
	opts Options
}

// Run rewrites every block of c until no rule fires or the iteration cap is
// reached, then drops materialized literals nothing references any more.
func Run(c *lir.Closure, opts Options) Result {
	return run(c, opts, defaultRules)
}

func run(c *lir.Closure, opts Options, rules []rule) Result {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	p := &pass{c: c, opts: opts}

	var res Result
	for res.Sweeps < opts.MaxIterations {
		res.Sweeps++
		fired := 0
		for _, b := range c.Blocks {
			fired += p.sweep(b, rules)
		}
		res.Rewrites += fired
		if fired == 0 {
			break
		}
	}
	res.Pruned = p.prune()
	return res
}

// sweep moves a cursor over b once. The cursor stays put after a rewrite so
// the rewritten instruction gets another chance.
func (p *pass) sweep(b *lir.Block, rules []rule) int {
	b.CountUses(p.c.Locations)
	n := 0
	for idx := 0; idx < len(b.Ops); {
		fired := false
		for _, r := range rules {
			if r(p, b, idx) {
				fired = true
				break
			}
		}
		if !fired {
			idx++
			continue
		}
		n++
		b.CountUses(p.c.Locations)
	}
	return n
}

func at(b *lir.Block, idx int) *lir.Instr {
	if idx < 0 || idx >= len(b.Ops) {
		return nil
	}
	return b.Ops[idx]
}

// remove deletes the instructions at the given indices.
func remove(b *lir.Block, indices ...int) {
	b.Ops = lo.Reject(b.Ops, func(_ *lir.Instr, idx int) bool {
		return lo.Contains(indices, idx)
	})
}

// temp returns the variable in o when its definition may be dropped.
func temp(b *lir.Block, o lir.Operand) (*lir.Var, bool) {
	v, ok := lir.AsVar(o)
	if !ok || v.Flags&lir.VarConst != 0 {
		return nil, false
	}
	return v, b.CanRemove(v)
}

// inRegister reports whether o is a register or a variable allocated to a
// general purpose register.
func (p *pass) inRegister(o lir.Operand) bool {
	switch v := o.(type) {
	case lir.Reg:
		return v.Class == lir.ClassInt
	case *lir.Var:
		loc, ok := p.c.Locations[v.Ident]
		return ok && loc.HasReg && loc.Reg.Class == lir.ClassInt
	}
	return false
}

// prune drops local literal data that no instruction references.
func (p *pass) prune() int {
	used := make(map[string]bool)
	var visit func(o lir.Operand)
	visit = func(o lir.Operand) {
		switch v := o.(type) {
		case lir.Symbol:
			used[v.Name] = true
		case lir.Indirect:
			visit(v.Base)
			visit(v.Index)
		case *lir.List:
			for _, item := range v.Items {
				visit(item)
			}
		}
	}
	for _, b := range p.c.Blocks {
		for _, op := range b.Ops {
			visit(op.First)
			visit(op.Second)
			visit(op.Addend)
			visit(op.Output)
		}
	}

	literal := lo.Invert(p.c.Imms)
	before := len(p.c.Data)
	p.c.Data = lo.Filter(p.c.Data, func(d *lir.Data, _ int) bool {
		_, isLiteral := literal[d.Name]
		return !isLiteral || used[d.Name]
	})
	for key, name := range p.c.Imms {
		if !used[name] {
			delete(p.c.Imms, key)
		}
	}
	return before - len(p.c.Data)
}
