package lir

import (
	"fmt"
	"strings"
)

// Opcode is the closed set of LIR operations. Generic opcodes arrive from the
// front end; the fused forms are produced by the peephole optimizer.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpLabel
	OpPhi
	OpFnBegin
	OpFnEnd
	OpSafepoint

	OpMove
	OpLea
	OpClr
	OpPush
	OpPop

	OpAdd
	OpSub
	OpMul
	OpSDiv
	OpUDiv
	OpSRem
	OpURem
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpNot
	OpShl
	OpShr
	OpSar

	OpSLT
	OpSLE
	OpSGT
	OpSGE
	OpULT
	OpULE
	OpUGT
	OpUGE
	OpSEQ
	OpSNE

	OpBEQ
	OpBNE
	OpBLT
	OpBLE
	OpBGT
	OpBGE
	OpBULT
	OpBULE
	OpBUGT
	OpBUGE
	OpBAL

	OpCall
	OpRTCall
	OpReturn
	OpRet

	OpIToF
	OpFToI
	OpFExt
	OpFTrunc

	OpFMAdd
	OpFMSub
	OpFNMSub

	opCount
)

var opNames = [opCount]string{
	OpNop:       "nop",
	OpLabel:     "label",
	OpPhi:       "phi",
	OpFnBegin:   "fn_begin",
	OpFnEnd:     "fn_end",
	OpSafepoint: "safepoint",
	OpMove:      "move",
	OpLea:       "lea",
	OpClr:       "clr",
	OpPush:      "push",
	OpPop:       "pop",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpSDiv:      "sdiv",
	OpUDiv:      "udiv",
	OpSRem:      "srem",
	OpURem:      "urem",
	OpNeg:       "neg",
	OpAnd:       "and",
	OpOr:        "or",
	OpXor:       "xor",
	OpNot:       "not",
	OpShl:       "shl",
	OpShr:       "shr",
	OpSar:       "sar",
	OpSLT:       "slt",
	OpSLE:       "sle",
	OpSGT:       "sgt",
	OpSGE:       "sge",
	OpULT:       "ult",
	OpULE:       "ule",
	OpUGT:       "ugt",
	OpUGE:       "uge",
	OpSEQ:       "seq",
	OpSNE:       "sne",
	OpBEQ:       "beq",
	OpBNE:       "bne",
	OpBLT:       "blt",
	OpBLE:       "ble",
	OpBGT:       "bgt",
	OpBGE:       "bge",
	OpBULT:      "bult",
	OpBULE:      "bule",
	OpBUGT:      "bugt",
	OpBUGE:      "buge",
	OpBAL:       "bal",
	OpCall:      "call",
	OpRTCall:    "rt_call",
	OpReturn:    "return",
	OpRet:       "ret",
	OpIToF:      "itof",
	OpFToI:      "ftoi",
	OpFExt:      "fext",
	OpFTrunc:    "ftrunc",
	OpFMAdd:     "fmadd",
	OpFMSub:     "fmsub",
	OpFNMSub:    "fnmsub",
}

func (op Opcode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOpcode maps a printed opcode name back to its Opcode.
func ParseOpcode(s string) (Opcode, bool) {
	for op, name := range opNames {
		if name == s {
			return Opcode(op), true
		}
	}
	return OpNop, false
}

func (op Opcode) IsCondBranch() bool { return op >= OpBEQ && op <= OpBUGE }

func (op Opcode) IsBranch() bool { return op >= OpBEQ && op <= OpBAL }

func (op Opcode) IsCompare() bool { return op >= OpSLT && op <= OpSNE }

func (op Opcode) IsCall() bool { return op == OpCall || op == OpRTCall }

// IsControl reports whether the instruction transfers control out of the
// block.
func (op Opcode) IsControl() bool {
	return op.IsBranch() || op == OpReturn || op == OpRet
}

func (op Opcode) IsFused() bool { return op == OpFMAdd || op == OpFMSub || op == OpFNMSub }

// Commutative reports whether First and Second may be swapped.
func (op Opcode) Commutative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpSEQ, OpSNE, OpBEQ, OpBNE:
		return true
	}
	return false
}

// Computes reports whether the instruction is a pure computation of Output
// from its sources, the shape move elimination may retarget.
func (op Opcode) Computes() bool {
	switch {
	case op >= OpAdd && op <= OpSar,
		op.IsCompare(),
		op.IsFused(),
		op == OpLea,
		op >= OpIToF && op <= OpFTrunc:
		return true
	}
	return false
}

// Mirror returns the comparison that holds with operands swapped.
func (op Opcode) Mirror() Opcode {
	switch op {
	case OpSLT:
		return OpSGT
	case OpSLE:
		return OpSGE
	case OpSGT:
		return OpSLT
	case OpSGE:
		return OpSLE
	case OpULT:
		return OpUGT
	case OpULE:
		return OpUGE
	case OpUGT:
		return OpULT
	case OpUGE:
		return OpULE
	case OpBLT:
		return OpBGT
	case OpBLE:
		return OpBGE
	case OpBGT:
		return OpBLT
	case OpBGE:
		return OpBLE
	case OpBULT:
		return OpBUGT
	case OpBULE:
		return OpBUGE
	case OpBUGT:
		return OpBULT
	case OpBUGE:
		return OpBULE
	}
	return op
}

// Pos is a source position used for diagnostics.
type Pos struct {
	Line   int
	Column int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Column) }

// Instr is one LIR instruction. For binary operations Output = First op
// Second. Branches carry their target label in Output. Addend is the third
// source of the fused multiply forms.
type Instr struct {
	Op     Opcode
	First  Operand
	Second Operand
	Output Operand
	Addend Operand
	Pos    Pos
}

func New(op Opcode, first, second, output Operand) *Instr {
	return &Instr{Op: op, First: first, Second: second, Output: output}
}

// Clone returns a shallow copy.
func (i *Instr) Clone() *Instr {
	c := *i
	return &c
}

// At returns the instruction with its position set.
func (i *Instr) At(pos Pos) *Instr {
	i.Pos = pos
	return i
}

func (i *Instr) String() string {
	var b strings.Builder
	b.WriteString(i.Op.String())
	srcs := []Operand{i.First, i.Second, i.Addend}
	last := -1
	for idx, o := range srcs {
		if o != nil {
			last = idx
		}
	}
	for idx := 0; idx <= last; idx++ {
		if idx == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		if srcs[idx] == nil {
			b.WriteString("_")
		} else {
			b.WriteString(srcs[idx].String())
		}
	}
	if i.Output != nil {
		if last >= 0 {
			b.WriteString(" -> ")
		} else {
			b.WriteString(" ")
		}
		b.WriteString(i.Output.String())
	}
	return b.String()
}

// Uses returns every operand read by the instruction: sources, list items
// and the address registers or variables inside memory operands, including
// a memory Output.
func (i *Instr) Uses() []Operand {
	var out []Operand
	add := func(o Operand) { out = appendRead(out, o) }
	switch i.Op {
	case OpLabel, OpBAL, OpNop:
		return nil
	case OpFnBegin:
		return nil
	}
	add(i.First)
	add(i.Second)
	add(i.Addend)
	if i.Op.IsBranch() {
		return out
	}
	out = appendAddress(out, i.Output)
	return out
}

// Defs returns every operand written by the instruction. A memory Output is
// reported as a def of the memory operand itself.
func (i *Instr) Defs() []Operand {
	if i.Output == nil || i.Op.IsBranch() || i.Op == OpLabel {
		return nil
	}
	if l, ok := i.Output.(*List); ok {
		return append([]Operand(nil), l.Items...)
	}
	return []Operand{i.Output}
}

func appendRead(out []Operand, o Operand) []Operand {
	switch v := o.(type) {
	case nil:
		return out
	case *List:
		for _, item := range v.Items {
			out = appendRead(out, item)
		}
		return out
	case Indirect:
		out = append(out, v)
		return appendAddress(out, v)
	case Label:
		return out
	}
	return append(out, o)
}

func appendAddress(out []Operand, o Operand) []Operand {
	m, ok := o.(Indirect)
	if !ok {
		return out
	}
	if m.Base != nil {
		out = append(out, m.Base)
	}
	if m.Index != nil {
		out = append(out, m.Index)
	}
	return out
}

// UsedVars returns the variables read by the instruction in operand order.
func (i *Instr) UsedVars() []*Var {
	var out []*Var
	for _, o := range i.Uses() {
		if v, ok := AsVar(o); ok {
			out = append(out, v)
		}
	}
	return out
}

// DefinedVar returns the variable written by the instruction, if exactly one.
func (i *Instr) DefinedVar() (*Var, bool) {
	return AsVar(i.Output)
}
