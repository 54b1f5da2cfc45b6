package amd64

import (
	"fmt"
	"strings"

	"github.com/tinyrange/lirc/internal/asm"
)

// Op is a machine instruction family. Sized variants (movsd/movss,
// cdq/cqo, ...) are selected from the operands.
type Op uint8

const (
	OpInvalid Op = iota
	// OpLabel defines Label at the current offset; it emits no bytes.
	OpLabel
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpAdd
	OpOr
	OpAnd
	OpSub
	OpXor
	OpCmp
	OpTest
	OpImul
	OpNeg
	OpNot
	OpDiv
	OpIdiv
	OpCqo
	OpShl
	OpShr
	OpSar
	OpBtc
	OpSetcc
	OpJcc
	OpJmp
	OpCall
	OpRet
	OpPush
	OpPop
	OpMovs
	OpAdds
	OpSubs
	OpMuls
	OpDivs
	OpUcomis
	OpXorps
	OpCvtsi2s
	OpCvtts2si
	OpCvts2s
	OpMovq
	OpVfmadd231
	OpVfmsub231
	OpVfnmadd231
)

var opNames = map[Op]string{
	OpLabel: "label", OpMov: "mov", OpMovzx: "movzx", OpMovsx: "movsx", OpLea: "lea",
	OpAdd: "add", OpOr: "or", OpAnd: "and", OpSub: "sub", OpXor: "xor", OpCmp: "cmp",
	OpTest: "test", OpImul: "imul", OpNeg: "neg", OpNot: "not", OpDiv: "div", OpIdiv: "idiv",
	OpCqo: "cqo", OpShl: "shl", OpShr: "shr", OpSar: "sar", OpBtc: "btc", OpSetcc: "set",
	OpJcc: "j", OpJmp: "jmp", OpCall: "call", OpRet: "ret", OpPush: "push", OpPop: "pop",
	OpMovs: "movs", OpAdds: "adds", OpSubs: "subs", OpMuls: "muls", OpDivs: "divs",
	OpUcomis: "ucomis", OpXorps: "xorps", OpCvtsi2s: "cvtsi2s", OpCvtts2si: "cvtts2si",
	OpCvts2s: "cvts2s", OpMovq: "movq", OpVfmadd231: "vfmadd231", OpVfmsub231: "vfmsub231",
	OpVfnmadd231: "vfnmadd231",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Cond is an x86 condition code in its hardware encoding.
type Cond uint8

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

var condNames = [...]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cc%d", uint8(c))
}

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond { return c ^ 1 }

// Inst is one selected machine instruction in Intel operand order.
type Inst struct {
	Op   Op
	Dst  Operand
	Src  Operand
	Src2 Operand
	Cond Cond

	// Label, Kind and Bind describe an OpLabel definition.
	Label string
	Kind  asm.SymbolKind
	Bind  asm.Binding
}

// BranchTarget returns the symbolic destination of a direct jump or call.
func (i Inst) BranchTarget() (Target, bool) {
	switch i.Op {
	case OpJcc, OpJmp, OpCall:
		t, ok := i.Dst.(Target)
		return t, ok
	}
	return Target{}, false
}

// Encode returns the machine code of a non-branch instruction. Direct
// branches are encoded by the Assembler once their target is known.
func (i Inst) Encode() (Encoding, error) {
	enc, err := i.encode()
	if err != nil {
		return Encoding{}, fmt.Errorf("encode %s: %w", i, err)
	}
	return enc, nil
}

func (i Inst) encode() (Encoding, error) {
	switch i.Op {
	case OpLabel:
		return Encoding{}, nil
	case OpMov:
		return encodeMov(i.Dst, i.Src)
	case OpMovzx, OpMovsx:
		d, ok := i.Dst.(Reg)
		if !ok {
			return Encoding{}, fmt.Errorf("destination must be a register")
		}
		return encodeExtend(i.Op == OpMovsx, d, i.Src)
	case OpLea:
		d, ok := i.Dst.(Reg)
		m, mok := i.Src.(Memory)
		if !ok || !mok || d.size < size32 {
			return Encoding{}, fmt.Errorf("lea needs a 32 or 64-bit register and memory")
		}
		return modrmForm{w: d.size == size64, opcode: []byte{0x8D}, reg: byte(d.id), rm: m}.encode()
	case OpAdd, OpOr, OpAnd, OpSub, OpXor, OpCmp:
		return encodeALU(i.Op, i.Dst, i.Src)
	case OpTest:
		return encodeTest(i.Dst, i.Src)
	case OpImul:
		d, ok := i.Dst.(Reg)
		if !ok {
			return Encoding{}, fmt.Errorf("destination must be a register")
		}
		return encodeImul(d, i.Src, i.Src2)
	case OpNeg, OpNot, OpDiv, OpIdiv:
		return encodeUnary(i.Op, i.Dst)
	case OpCqo:
		d, ok := i.Dst.(Reg)
		if !ok {
			return Encoding{Bytes: []byte{0x48, 0x99}}, nil
		}
		switch d.size {
		case size64:
			return Encoding{Bytes: []byte{0x48, 0x99}}, nil
		case size32:
			return Encoding{Bytes: []byte{0x99}}, nil
		case size16:
			return Encoding{Bytes: []byte{0x66, 0x99}}, nil
		}
		return Encoding{}, fmt.Errorf("no sign extension into dx for width %d", d.size)
	case OpShl, OpShr, OpSar:
		return encodeShift(i.Op, i.Dst, i.Src)
	case OpBtc:
		size, err := gprSize(i.Dst)
		if err != nil {
			return Encoding{}, err
		}
		bit, ok := i.Src.(Imm)
		if !ok {
			return Encoding{}, fmt.Errorf("btc bit index must be immediate")
		}
		return modrmForm{
			prefix: operandPrefix(size), w: size == size64,
			opcode: []byte{0x0F, 0xBA}, reg: 7, rm: i.Dst, imm: []byte{byte(bit)},
		}.encode()
	case OpSetcc:
		size, err := gprSize(i.Dst)
		if err != nil {
			return Encoding{}, err
		}
		if size != size8 {
			return Encoding{}, fmt.Errorf("set%s needs a byte operand", i.Cond)
		}
		return modrmForm{opcode: []byte{0x0F, 0x90 + byte(i.Cond)}, rm: i.Dst}.encode()
	case OpJmp, OpCall:
		switch t := i.Dst.(type) {
		case Reg:
			if err := t.checkWidth(size64); err != nil {
				return Encoding{}, err
			}
		case Memory:
		default:
			return Encoding{}, fmt.Errorf("direct %s must go through the assembler", i.Op)
		}
		digit := byte(2)
		if i.Op == OpJmp {
			digit = 4
		}
		return modrmForm{opcode: []byte{0xFF}, reg: digit, rm: i.Dst}.encode()
	case OpJcc:
		return Encoding{}, fmt.Errorf("conditional branch must go through the assembler")
	case OpRet:
		return Encoding{Bytes: []byte{0xC3}}, nil
	case OpPush:
		return encodePushPop(true, i.Dst)
	case OpPop:
		return encodePushPop(false, i.Dst)
	case OpMovs, OpAdds, OpSubs, OpMuls, OpDivs, OpUcomis, OpXorps,
		OpCvtsi2s, OpCvtts2si, OpCvts2s, OpMovq:
		return encodeScalar(i.Op, i.Dst, i.Src)
	case OpVfmadd231, OpVfmsub231, OpVfnmadd231:
		return encodeFMA(i.Op, i.Dst, i.Src, i.Src2)
	}
	return Encoding{}, fmt.Errorf("unknown instruction %s", i.Op)
}

func scalarSuffix(op Operand) string {
	if s, err := xmmSize(op); err == nil && s == size32 {
		return "ss"
	}
	return "sd"
}

// Mnemonic returns the assembler mnemonic of the sized instruction.
func (i Inst) Mnemonic() string {
	switch i.Op {
	case OpSetcc, OpJcc:
		return opNames[i.Op] + i.Cond.String()
	case OpMovsx:
		if s, err := gprSize(i.Src); err == nil && s == size32 {
			return "movsxd"
		}
	case OpCqo:
		if d, ok := i.Dst.(Reg); ok {
			switch d.size {
			case size32:
				return "cdq"
			case size16:
				return "cwd"
			}
		}
	case OpMovs, OpAdds, OpSubs, OpMuls, OpDivs, OpUcomis, OpCvtsi2s:
		// The name ends in the scalar "s" the suffix supplies.
		return strings.TrimSuffix(i.Op.String(), "s") + scalarSuffix(i.Dst)
	case OpVfmadd231, OpVfmsub231, OpVfnmadd231:
		return i.Op.String() + scalarSuffix(i.Dst)
	case OpCvtts2si:
		return "cvtt" + scalarSuffix(i.Src) + "2si"
	case OpCvts2s:
		if scalarSuffix(i.Src) == "ss" {
			return "cvtss2sd"
		}
		return "cvtsd2ss"
	case OpMovq:
		gpr := i.Src
		if _, ok := i.Src.(Xmm); ok {
			gpr = i.Dst
		}
		if s, err := gprSize(gpr); err == nil && s == size32 {
			return "movd"
		}
	}
	return i.Op.String()
}

// String renders the instruction in Intel syntax.
func (i Inst) String() string {
	if i.Op == OpLabel {
		return i.Label + ":"
	}
	if i.Op == OpCqo {
		return i.Mnemonic()
	}
	var ops []string
	for _, o := range []Operand{i.Dst, i.Src, i.Src2} {
		if o != nil {
			ops = append(ops, o.String())
		}
	}
	if len(ops) == 0 {
		return i.Mnemonic()
	}
	return i.Mnemonic() + " " + strings.Join(ops, ", ")
}
