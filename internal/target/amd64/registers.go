package amd64

import (
	"strconv"
	"strings"

	x86 "github.com/tinyrange/lirc/internal/asm/amd64"
	"github.com/tinyrange/lirc/internal/lir"
)

// gpr returns the LIR view of a general purpose register at width bytes.
func gpr(id x86.RegID, width int) lir.Reg {
	return lir.Reg{Index: uint8(id), Width: uint8(width), Class: lir.ClassInt, Name: x86.RegName(id, width)}
}

func xmm(id x86.RegID, width int) lir.Reg {
	return lir.Reg{Index: uint8(id), Width: uint8(width), Class: lir.ClassFloat, Name: "xmm" + strconv.Itoa(int(id))}
}

var (
	regRAX = gpr(x86.RAX, 8)
	regRCX = gpr(x86.RCX, 8)
	regRDX = gpr(x86.RDX, 8)
	regRSP = gpr(x86.RSP, 8)
	regRBP = gpr(x86.RBP, 8)
	regR10 = gpr(x86.R10, 8)

	regXMM0  = xmm(0, 8)
	regXMM13 = xmm(13, 8)
)

// Argument precedence lists of the System V AMD64 ABI.
var (
	intArgRegs   = []x86.RegID{x86.RDI, x86.RSI, x86.RDX, x86.RCX, x86.R8, x86.R9}
	floatArgRegs = []x86.RegID{0, 1, 2, 3, 4, 5, 6, 7}
)

// calleeSaved are preserved across calls and saved by the prologue when the
// closure assigns variables to them.
var calleeSaved = []x86.RegID{x86.RBX, x86.R12, x86.R13, x86.R14, x86.R15}

// regFor returns the register of class suited to t at t's width.
func regFor(id x86.RegID, t lir.Type) lir.Reg {
	width := t.Size()
	if width == 0 {
		width = 8
	}
	if t.IsFloat() {
		return xmm(id, width)
	}
	return gpr(id, width)
}

// lookupRegister resolves the assembler names accepted in textual LIR:
// rax..r15 with their 32/16/8-bit aliases and xmm0..xmm15.
func lookupRegister(name string) (lir.Reg, bool) {
	if r, ok := x86.LookupReg(name); ok {
		return gpr(r.ID(), r.Width()), true
	}
	if rest, ok := strings.CutPrefix(name, "xmm"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 || n > 15 {
			return lir.Reg{}, false
		}
		return xmm(x86.RegID(n), 8), true
	}
	return lir.Reg{}, false
}

func isArgRegister(r lir.Reg) bool {
	ids := intArgRegs
	if r.Class == lir.ClassFloat {
		ids = floatArgRegs
	}
	for _, id := range ids {
		if uint8(id) == r.Index {
			return true
		}
	}
	return false
}

// argAssigner hands out argument registers in precedence order. Arguments
// that find no register go to the stack.
type argAssigner struct {
	ints, floats int
}

func (a *argAssigner) next(t lir.Type) (lir.Reg, bool) {
	if t.IsFloat() {
		if a.floats >= len(floatArgRegs) {
			return lir.Reg{}, false
		}
		r := regFor(floatArgRegs[a.floats], t)
		a.floats++
		return r, true
	}
	if a.ints >= len(intArgRegs) {
		return lir.Reg{}, false
	}
	r := regFor(intArgRegs[a.ints], t)
	a.ints++
	return r, true
}
