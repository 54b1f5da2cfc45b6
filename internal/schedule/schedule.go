// Package schedule reorders the instructions of each basic block with a
// greedy list scheduler over a conservative dependency graph.
//
// Every edge of the graph points from an earlier instruction to a later one,
// so the original order is always a valid schedule. The scheduler only moves
// an instruction ahead of others it has no recorded dependency on.
package schedule

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/tinyrange/lirc/internal/lir"
)

const passSchedule = "schedule"

// ErrCycle is returned when the dependency graph of a block has a cycle.
// The block keeps its original order.
var ErrCycle = errors.New("dependency cycle")

// Machine describes the registers whose implicit uses the graph must model.
type Machine interface {
	ArgRegister(r lir.Reg) bool
	StackPointer() lir.Reg
	FramePointer() lir.Reg
}

// Score orders ready instructions; lower scores are scheduled first.
type Score int

const (
	ScoreLabel Score = iota
	ScorePhi
	ScoreFnBegin
	ScoreSafepoint
	ScoreArg
	ScoreMemRead
	ScoreMemWrite
	ScoreDefault
	ScoreCompare
	ScoreControl
	ScoreFnEnd
)

// Graph is the dependency graph of one block. Succs[i] lists the nodes that
// must come after node i.
type Graph struct {
	Nodes  []*lir.Instr
	Scores []Score
	Succs  [][]int
	Preds  []int

	seen map[[2]int]bool
}

func (g *Graph) edge(from, to int) {
	if from < 0 || from == to {
		return
	}
	k := [2]int{from, to}
	if g.seen[k] {
		return
	}
	g.seen[k] = true
	g.Succs[from] = append(g.Succs[from], to)
	g.Preds[to]++
}

// Depends reports whether the graph orders from before to.
func (g *Graph) Depends(from, to int) bool { return g.seen[[2]int{from, to}] }

// Run schedules every block of c in place. A block whose graph has a cycle
// keeps its original order; the first such failure is returned after all
// blocks are processed.
func Run(c *lir.Closure, m Machine) error {
	return run(c, m, nil)
}

func run(c *lir.Closure, m Machine, adjust func(g *Graph)) error {
	var first error
	for _, b := range c.Blocks {
		g := Build(c, b, m)
		if adjust != nil {
			adjust(g)
		}
		order, err := g.Order()
		if err != nil {
			if first == nil {
				first = fmt.Errorf("%w: %w", ErrCycle, lir.Internalf(passSchedule, c, nil, "block %s: %v", b.Label, err))
			}
			continue
		}
		b.Ops = lo.Map(order, func(idx int, _ int) *lir.Instr { return g.Nodes[idx] })
	}
	return first
}

// Order runs the list scheduler and returns node indices in schedule order.
// Ties between equal scores go to the earlier instruction.
func (g *Graph) Order() ([]int, error) {
	n := len(g.Nodes)
	pending := append([]int(nil), g.Preds...)
	var ready []int
	for idx := range n {
		if pending[idx] == 0 {
			ready = append(ready, idx)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		next := lo.MinBy(ready, func(a, b int) bool {
			if g.Scores[a] != g.Scores[b] {
				return g.Scores[a] < g.Scores[b]
			}
			return a < b
		})
		ready = lo.Without(ready, next)
		order = append(order, next)
		for _, s := range g.Succs[next] {
			pending[s]--
			if pending[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(order) != n {
		return nil, fmt.Errorf("scheduled %d of %d instructions", len(order), n)
	}
	return order, nil
}

// access is what one instruction reads and writes, reduced to dependency
// keys.
type access struct {
	reads, writes []string
	memRead       bool
	memWrite      bool
}

type builder struct {
	c *lir.Closure
	m Machine
	g *Graph

	lastDef map[string]int
	readers map[string][]int
	lastMem int
}

// Build constructs the dependency graph of b.
func Build(c *lir.Closure, b *lir.Block, m Machine) *Graph {
	n := len(b.Ops)
	g := &Graph{
		Nodes:  append([]*lir.Instr(nil), b.Ops...),
		Scores: make([]Score, n),
		Succs:  make([][]int, n),
		Preds:  make([]int, n),
		seen:   make(map[[2]int]bool),
	}
	bd := &builder{
		c:       c,
		m:       m,
		g:       g,
		lastDef: make(map[string]int),
		readers: make(map[string][]int),
		lastMem: -1,
	}

	for idx, op := range g.Nodes {
		a := bd.access(op)
		g.Scores[idx] = bd.score(op, a)

		for _, k := range a.reads {
			if def, ok := bd.lastDef[k]; ok {
				g.edge(def, idx)
			}
		}
		for _, k := range a.writes {
			if def, ok := bd.lastDef[k]; ok {
				g.edge(def, idx)
			}
			for _, r := range bd.readers[k] {
				g.edge(r, idx)
			}
		}
		for _, k := range a.reads {
			bd.readers[k] = append(bd.readers[k], idx)
		}
		for _, k := range a.writes {
			bd.lastDef[k] = idx
			delete(bd.readers, k)
		}

		if a.memRead || a.memWrite {
			g.edge(bd.lastMem, idx)
			bd.lastMem = idx
		}

		if barrier(op) || control(op) {
			for prev := range idx {
				g.edge(prev, idx)
			}
		}
	}

	// Barriers and pinned heads also hold back everything after them.
	for idx, op := range g.Nodes {
		if !barrier(op) {
			continue
		}
		for next := idx + 1; next < n; next++ {
			g.edge(idx, next)
		}
	}
	return g
}

// barrier reports instructions nothing may cross: calls with unknown side
// effects, safepoints and block heads.
func barrier(op *lir.Instr) bool {
	switch op.Op {
	case lir.OpCall, lir.OpRTCall, lir.OpSafepoint,
		lir.OpLabel, lir.OpPhi, lir.OpFnBegin:
		return true
	}
	return false
}

func control(op *lir.Instr) bool {
	return op.Op.IsBranch() || op.Op == lir.OpReturn || op.Op == lir.OpRet || op.Op == lir.OpFnEnd
}

func regKey(r lir.Reg) string { return fmt.Sprintf("reg:%d", r.Key()) }

// operand records the keys of one operand read or written by an
// instruction.
func (bd *builder) operand(a *access, o lir.Operand, write bool) {
	add := func(k string) {
		if write {
			a.writes = append(a.writes, k)
		} else {
			a.reads = append(a.reads, k)
		}
	}
	frame := func() {
		a.reads = append(a.reads, regKey(bd.m.FramePointer()))
		if write {
			a.memWrite = true
		} else {
			a.memRead = true
		}
	}

	switch v := o.(type) {
	case lir.Reg:
		add(regKey(v))
	case *lir.Var:
		add("var:" + v.Ident)
		loc, ok := bd.c.Locations[v.Ident]
		switch {
		case ok && loc.HasReg:
			add(regKey(loc.Reg))
		case ok && loc.HasStack:
			frame()
		}
	case lir.StackSlot:
		frame()
	case lir.Indirect, lir.Symbol:
		if write {
			a.memWrite = true
		} else {
			a.memRead = true
		}
	}
}

func (bd *builder) access(op *lir.Instr) access {
	var a access
	uses := op.Uses()
	if op.Op == lir.OpLea {
		// The address operand of LEA is computed, not loaded.
		uses = uses[:0:0]
		if m, ok := op.First.(lir.Indirect); ok {
			uses = appendAddr(uses, m)
		}
		uses = append(uses, op.Second, op.Addend)
		if m, ok := op.Output.(lir.Indirect); ok {
			uses = appendAddr(uses, m)
		}
	}
	for _, o := range uses {
		bd.operand(&a, o, false)
	}
	for _, o := range op.Defs() {
		bd.operand(&a, o, true)
	}

	sp := regKey(bd.m.StackPointer())
	switch op.Op {
	case lir.OpPush, lir.OpPop:
		a.reads = append(a.reads, sp)
		a.writes = append(a.writes, sp)
		if op.Op == lir.OpPush {
			a.memWrite = true
		} else {
			a.memRead = true
		}
	}
	if lo.Contains(a.writes, sp) {
		a.memWrite = true
	}
	return a
}

func appendAddr(out []lir.Operand, m lir.Indirect) []lir.Operand {
	if m.Base != nil {
		out = append(out, m.Base)
	}
	if m.Index != nil {
		out = append(out, m.Index)
	}
	return out
}

func (bd *builder) score(op *lir.Instr, a access) Score {
	switch op.Op {
	case lir.OpLabel:
		return ScoreLabel
	case lir.OpPhi:
		return ScorePhi
	case lir.OpFnBegin:
		return ScoreFnBegin
	case lir.OpSafepoint:
		return ScoreSafepoint
	case lir.OpFnEnd:
		return ScoreFnEnd
	case lir.OpCall, lir.OpRTCall:
		return ScoreDefault
	case lir.OpPush:
		return ScoreArg
	case lir.OpMove:
		if r, ok := op.Output.(lir.Reg); ok && bd.m.ArgRegister(r) {
			return ScoreArg
		}
	}
	switch {
	case control(op):
		return ScoreControl
	case op.Op.IsCompare():
		return ScoreCompare
	case a.memWrite:
		return ScoreMemWrite
	case a.memRead:
		return ScoreMemRead
	}
	return ScoreDefault
}
