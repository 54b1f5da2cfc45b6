package amd64

import (
	"fmt"
	"strings"
)

// RegID is the hardware number of a general purpose or XMM register.
type RegID uint8

const (
	RAX RegID = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Operand is one of Reg, Xmm, Memory, Imm or Target.
type Operand interface {
	String() string
}

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   RegID
	size operandSize
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id RegID) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id RegID) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id RegID) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id RegID) Reg { return Reg{id: id, size: size8} }

// RegSized constructs a register operand of the given byte width.
func RegSized(id RegID, width int) Reg { return Reg{id: id, size: operandSize(width)} }

func (r Reg) ID() RegID { return r.id }

func (r Reg) Width() int { return int(r.size) }

func (r Reg) code() byte { return byte(r.id) & 7 }

func (r Reg) high() bool { return r.id >= R8 }

// needsByteREX reports whether the 8-bit form needs a REX prefix to select
// spl, bpl, sil or dil instead of ah..bh.
func (r Reg) needsByteREX() bool {
	return r.size == size8 && r.id >= RSP && r.id <= RDI
}

func (r Reg) checkWidth(expected operandSize) error {
	if r.size != expected {
		return fmt.Errorf("expected %d-bit register, got %d-bit width", expected*8, r.size*8)
	}
	return nil
}

var (
	names64 = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	names32 = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	names16 = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	names8  = [...]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
)

// RegName returns the assembler name of register id accessed at width bytes.
func RegName(id RegID, width int) string {
	if id > R15 {
		return fmt.Sprintf("r?%d", id)
	}
	switch width {
	case 1:
		return names8[id]
	case 2:
		return names16[id]
	case 4:
		return names32[id]
	}
	return names64[id]
}

// LookupReg resolves a general purpose register name of any width.
func LookupReg(name string) (Reg, bool) {
	for _, table := range []struct {
		names *[16]string
		size  operandSize
	}{{&names64, size64}, {&names32, size32}, {&names16, size16}, {&names8, size8}} {
		for idx, n := range table.names {
			if n == name {
				return Reg{id: RegID(idx), size: table.size}, true
			}
		}
	}
	return Reg{}, false
}

func (r Reg) String() string { return RegName(r.id, int(r.size)) }

// Xmm is an SSE register used as a scalar of size 4 (ss) or 8 (sd).
type Xmm struct {
	id   RegID
	size operandSize
}

// X64 constructs a scalar double register operand.
func X64(id RegID) Xmm { return Xmm{id: id, size: size64} }

// X32 constructs a scalar single register operand.
func X32(id RegID) Xmm { return Xmm{id: id, size: size32} }

func XmmSized(id RegID, width int) Xmm { return Xmm{id: id, size: operandSize(width)} }

func (x Xmm) ID() RegID { return x.id }

func (x Xmm) Width() int { return int(x.size) }

func (x Xmm) code() byte { return byte(x.id) & 7 }

func (x Xmm) high() bool { return x.id >= 8 }

func (x Xmm) String() string { return fmt.Sprintf("xmm%d", x.id) }

// Memory describes an effective address used by memory operands. A RIP
// relative operand carries the symbol it refers to; a TLS operand addresses
// the symbol's offset from the fs segment base.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
	size     operandSize

	symbol string
	rip    bool
	tls    bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
		size:    size64,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
		size:     size64,
	}
}

// MemScaled constructs [index*scale + disp] without a base register.
func MemScaled(index Reg, scale uint8, disp int32) Memory {
	return Memory{index: index, scale: scale, hasIndex: true, disp: disp, size: size64}
}

// RIP constructs a RIP-relative reference to symbol.
func RIP(symbol string) Memory {
	return Memory{symbol: symbol, rip: true, scale: 1, size: size64}
}

// TLS constructs an fs-relative reference to a thread-local symbol.
func TLS(symbol string) Memory {
	return Memory{symbol: symbol, tls: true, scale: 1, size: size64}
}

// WithDisp returns a copy of the memory operand with the supplied displacement added.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// Sized returns a copy accessing width bytes.
func (m Memory) Sized(width int) Memory {
	m.size = operandSize(width)
	return m
}

func (m Memory) Width() int { return int(m.size) }

// Base returns the base register, if any.
func (m Memory) Base() (Reg, bool) { return m.base, m.hasBase }

// Index returns the index register, if any.
func (m Memory) Index() (Reg, bool) { return m.index, m.hasIndex }

// Disp returns the displacement.
func (m Memory) Disp() int32 { return m.disp }

// Symbol returns the referenced symbol of a RIP or TLS operand.
func (m Memory) Symbol() string { return m.symbol }

func (m Memory) validate() error {
	if m.rip || m.tls {
		if m.symbol == "" {
			return fmt.Errorf("symbolic memory operand requires a symbol")
		}
		return nil
	}
	if !m.hasBase && !m.hasIndex {
		return fmt.Errorf("memory operand requires base or index register")
	}
	if m.hasBase && m.base.size != size64 {
		return fmt.Errorf("base register must be 64-bit")
	}
	if m.hasIndex {
		if m.index.size != size64 {
			return fmt.Errorf("index register must be 64-bit")
		}
		if m.index.id == RSP {
			return fmt.Errorf("rsp cannot be used as index register")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

var sizeNames = map[operandSize]string{size8: "byte", size16: "word", size32: "dword", size64: "qword"}

func (m Memory) String() string {
	var b strings.Builder
	b.WriteString(sizeNames[m.size])
	b.WriteString(" ptr ")
	switch {
	case m.rip:
		fmt.Fprintf(&b, "[rip+%s]", m.symbol)
		return b.String()
	case m.tls:
		fmt.Fprintf(&b, "fs:[%s@tpoff]", m.symbol)
		return b.String()
	}
	b.WriteString("[")
	sep := ""
	if m.hasBase {
		b.WriteString(m.base.String())
		sep = "+"
	}
	if m.hasIndex {
		fmt.Fprintf(&b, "%s%s*%d", sep, m.index, m.scale)
		sep = "+"
	}
	switch {
	case m.disp < 0:
		fmt.Fprintf(&b, "-%#x", -int64(m.disp))
	case m.disp > 0 || sep == "":
		fmt.Fprintf(&b, "%s%#x", sep, m.disp)
	}
	b.WriteString("]")
	return b.String()
}

// Imm is an immediate operand.
type Imm int64

func (i Imm) String() string { return fmt.Sprintf("%#x", int64(i)) }

// Target is a branch or call destination resolved by the assembler.
type Target struct {
	Name  string
	Local bool
}

func (t Target) String() string { return t.Name }
