package amd64

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/tinyrange/lirc/internal/asm"
	x86 "github.com/tinyrange/lirc/internal/asm/amd64"
	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/target"
)

func emit(t *testing.T, tgt *Target, c *lir.Closure) *asm.Unit {
	t.Helper()
	if err := tgt.Lower(c); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	u := asm.NewUnit("test")
	e := tgt.NewEmitter(u)
	if err := e.Emit(c); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return u
}

func selected(t *testing.T, c *lir.Closure) []x86.Inst {
	t.Helper()
	if err := New(target.Options{FMA: true}).Lower(c); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	insts, err := Select(c)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	return insts
}

func expectInsts(t *testing.T, got []x86.Inst, want ...x86.Op) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("selected %v, want ops %v", got, want)
	}
	for idx := range want {
		if got[idx].Op != want[idx] {
			t.Fatalf("inst %d=%s, want %s (all: %v)", idx, got[idx], want[idx], got)
		}
	}
}

func TestEmitExternalCall(t *testing.T) {
	c := newClosure(t, "caller", nil, "call @foo, ($10:i64, $2.5:f64)")
	u := emit(t, New(target.Options{}), c)

	var calls []asm.Relocation
	for _, r := range u.Relocations() {
		if r.Symbol == "foo" {
			calls = append(calls, r)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("relocations against foo=%v, want one", calls)
	}
	r := calls[0]
	if r.Kind != asm.RelocPC32 || r.Addend != -4 {
		t.Fatalf("call relocation=%+v, want pc32 with addend -4", r)
	}
	if u.Text()[r.Offset-1] != 0xe8 {
		t.Fatalf("relocation at %d does not follow a call opcode", r.Offset)
	}
	if sym, ok := u.Lookup("foo"); !ok || sym.Defined {
		t.Fatalf("foo should be an undefined reference")
	}

	lit, ok := u.Lookup("caller.imm.0")
	if !ok || !lit.Defined || lit.Section != asm.SectionData || lit.Binding != asm.BindLocal {
		t.Fatalf("literal symbol=%+v, want local data definition", lit)
	}
	if got, want := hex.EncodeToString(u.Data()), "0000000000000440"; got != want {
		t.Fatalf("data=%s, want %s", got, want)
	}

	fn, _ := u.Lookup("caller")
	if fn.Kind != asm.SymFunc || fn.Value != 0 || fn.Size != uint64(len(u.Text())) {
		t.Fatalf("function symbol=%+v, text length %d", fn, len(u.Text()))
	}
}

func TestEmitPLTCall(t *testing.T) {
	c := newClosure(t, "caller", nil, "call @foo", "ret")
	u := emit(t, New(target.Options{PLTCalls: true}), c)
	relocs := u.Relocations()
	if len(relocs) != 1 || relocs[0].Kind != asm.RelocPLT32 {
		t.Fatalf("relocations=%v, want one plt32", relocs)
	}
}

func TestEmitBytes(t *testing.T) {
	c := newClosure(t, "f", map[string]lir.Location{
		"a": inReg("rax"),
		"b": inReg("rcx"),
	}, "add %a:i64, %b:i64 -> %a:i64", "ret")
	u := emit(t, New(target.Options{}), c)
	// add rax, rcx; mov rsp, rbp; pop rbp; ret
	if got, want := hex.EncodeToString(u.Text()), "4801c84889ec5dc3"; got != want {
		t.Fatalf("text=%s, want %s", got, want)
	}
}

func TestEmitSafepointHasNoBytes(t *testing.T) {
	c := newClosure(t, "f", map[string]lir.Location{
		"a": inReg("rax"),
		"b": inReg("rcx"),
	}, "add %a:i64, %b:i64 -> %a:i64", "safepoint", "ret")
	u := emit(t, New(target.Options{}), c)
	if got, want := hex.EncodeToString(u.Text()), "4801c84889ec5dc3"; got != want {
		t.Fatalf("text=%s, want %s", got, want)
	}
}

func TestEmitGlobalFunction(t *testing.T) {
	c := newClosure(t, "main", nil, "ret")
	c.Global = true
	u := emit(t, New(target.Options{}), c)
	sym, _ := u.Lookup("main")
	if sym.Binding != asm.BindGlobal {
		t.Fatalf("main binding=%v, want global", sym.Binding)
	}
}

func TestSelectLocalLabels(t *testing.T) {
	c := newClosure(t, "f", nil, "label #loop!local", "bal #loop!local")
	u := emit(t, New(target.Options{}), c)
	if got, want := hex.EncodeToString(u.Text()), "ebfe"; got != want {
		t.Fatalf("text=%s, want %s", got, want)
	}
	sym, ok := u.Lookup(".Lf.loop")
	if !ok || sym.Kind != asm.SymLabel || sym.Binding != asm.BindLocal {
		t.Fatalf("label symbol=%+v, want local SymLabel", sym)
	}
}

func TestEmitForwardBranchToUndefinedLocalLabel(t *testing.T) {
	c := newClosure(t, "f", map[string]lir.Location{"a": inReg("rsi")},
		"beq %a:i64, $0:i64 -> #missing!local")
	tgt := New(target.Options{})
	if err := tgt.Lower(c); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	u := asm.NewUnit("test")
	e := tgt.NewEmitter(u)
	if err := e.Emit(c); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := e.Finish(); !errors.Is(err, asm.ErrUndefined) {
		t.Fatalf("Finish err=%v, want ErrUndefined", err)
	}
}

func TestSelectDivision(t *testing.T) {
	c := newClosure(t, "div", map[string]lir.Location{
		"a": inReg("rsi"),
		"b": inReg("rdi"),
		"q": inReg("r8"),
	}, "sdiv %a:i64, %b:i64 -> %q:i64")
	insts := selected(t, c)
	expectInsts(t, insts, x86.OpMov, x86.OpMov, x86.OpCqo, x86.OpIdiv, x86.OpMov)

	c = newClosure(t, "udiv", map[string]lir.Location{
		"a": inReg("rsi"),
		"b": inReg("rdi"),
		"q": inReg("r8"),
	}, "udiv %a:u32, %b:u32 -> %q:u32")
	insts = selected(t, c)
	expectInsts(t, insts, x86.OpMov, x86.OpMov, x86.OpXor, x86.OpDiv, x86.OpMov)
}

func TestSelectFloatCompareUsesUnsignedCondition(t *testing.T) {
	c := newClosure(t, "fcmp", map[string]lir.Location{
		"x": inReg("xmm1"),
		"y": inReg("xmm2"),
		"b": inReg("rsi"),
	}, "slt %x:f64, %y:f64 -> %b:bool")
	insts := selected(t, c)
	expectInsts(t, insts, x86.OpUcomis, x86.OpSetcc)
	if insts[1].Cond != x86.CondB {
		t.Fatalf("cond=%s, want %s", insts[1].Cond, x86.CondB)
	}
}

func TestSelectIntegerCompareIntoWideDestination(t *testing.T) {
	c := newClosure(t, "icmp", map[string]lir.Location{
		"x": inReg("rsi"),
		"b": inReg("rdi"),
	}, "sge %x:i64, $3:i64 -> %b:i64")
	insts := selected(t, c)
	expectInsts(t, insts, x86.OpCmp, x86.OpSetcc, x86.OpMovzx, x86.OpMov)
	if insts[1].Cond != x86.CondGE {
		t.Fatalf("cond=%s, want %s", insts[1].Cond, x86.CondGE)
	}
}

func TestSelectFloatNegationFlipsSignBit(t *testing.T) {
	c := newClosure(t, "fneg", map[string]lir.Location{
		"x": inReg("xmm1"),
		"y": inReg("xmm2"),
	}, "neg %x:f64 -> %y:f64")
	insts := selected(t, c)
	expectInsts(t, insts, x86.OpMovq, x86.OpBtc, x86.OpMovq)
	if insts[1].Src != x86.Imm(63) {
		t.Fatalf("btc bit=%v, want 63", insts[1].Src)
	}
}

func TestSelectFusedMultiplyAdd(t *testing.T) {
	locs := map[string]lir.Location{
		"a": inReg("xmm1"),
		"b": inReg("xmm2"),
		"c": inReg("xmm3"),
		"d": inReg("xmm4"),
	}
	cases := []struct {
		src  string
		want x86.Op
	}{
		{"fmadd %a:f64, %b:f64, %c:f64 -> %d:f64", x86.OpVfmadd231},
		{"fnmsub %a:f64, %b:f64, %c:f64 -> %d:f64", x86.OpVfmsub231},
		{"fmsub %a:f64, %b:f64, %c:f64 -> %d:f64", x86.OpVfnmadd231},
	}
	for _, tc := range cases {
		insts := selected(t, newClosure(t, "fma", locs, tc.src))
		expectInsts(t, insts, x86.OpMovs, tc.want)
	}

	// The destination aliases a factor, so the sum is built in xmm15.
	insts := selected(t, newClosure(t, "fma", locs, "fmadd %a:f64, %b:f64, %c:f64 -> %a:f64"))
	expectInsts(t, insts, x86.OpMovs, x86.OpVfmadd231, x86.OpMovs)
	if x, ok := insts[1].Dst.(x86.Xmm); !ok || x.ID() != 15 {
		t.Fatalf("fma destination=%v, want xmm15", insts[1].Dst)
	}
}

func TestSelectTwoAddressUsesScratchWhenSourceAliasesDestination(t *testing.T) {
	c := newClosure(t, "sub", map[string]lir.Location{
		"a": inReg("rsi"),
		"b": inReg("rdi"),
	}, "sub %a:i64, %b:i64 -> %b:i64")
	insts := selected(t, c)
	expectInsts(t, insts, x86.OpMov, x86.OpSub, x86.OpMov)
	if r, ok := insts[1].Dst.(x86.Reg); !ok || r.ID() != x86.R11 {
		t.Fatalf("work register=%v, want r11", insts[1].Dst)
	}
}

func TestSelectMissingLocation(t *testing.T) {
	c := newClosure(t, "broken", nil, "move %a:i64 -> rax")
	_, err := Select(c)
	var ie *lir.InternalError
	if !errors.As(err, &ie) || ie.Pass != passSelect {
		t.Fatalf("err=%v, want select internal error", err)
	}
}

func TestSelectRejectsUnloweredReturn(t *testing.T) {
	c := newClosure(t, "r", map[string]lir.Location{"a": inReg("rsi")}, "return %a:i64")
	if _, err := Select(c); !errors.Is(err, lir.ErrInternal) {
		t.Fatalf("err=%v, want ErrInternal", err)
	}
}
