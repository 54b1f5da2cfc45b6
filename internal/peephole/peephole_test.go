package peephole

import (
	"strings"
	"testing"

	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/target"
	"github.com/tinyrange/lirc/internal/target/amd64"
)

var (
	amd   = amd64.New(target.Options{FMA: true})
	parse = amd.Parser()
)

func inReg(name string) lir.Location {
	r, ok := amd.Register(name)
	if !ok {
		panic("unknown register " + name)
	}
	return lir.Location{Reg: r, HasReg: true}
}

func block(t *testing.T, liveOut []string, ops ...string) *lir.Block {
	t.Helper()
	b := &lir.Block{Label: "b0", LiveOut: lir.NewVarSet(liveOut...)}
	for _, src := range ops {
		ins, err := parse.Instr(src)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		b.Ops = append(b.Ops, ins)
	}
	return b
}

func closure(locs map[string]lir.Location, blocks ...*lir.Block) *lir.Closure {
	c := lir.NewClosure("f")
	c.Blocks = blocks
	for ident, loc := range locs {
		c.Locations[ident] = loc
	}
	return c
}

func text(b *lir.Block) []string {
	out := make([]string, len(b.Ops))
	for idx, op := range b.Ops {
		out[idx] = op.String()
	}
	return out
}

func expectBlock(t *testing.T, b *lir.Block, want ...string) {
	t.Helper()
	got := text(b)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("block:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

var allFeatures = target.Features{LEA: true, FloatMulAdd: true, IntMulAdd: true}

func TestTimesTwoLoweredAndOptimized(t *testing.T) {
	b := block(t, []string{"x"}, "mul %x:i64, $2:i64 -> %x:i64")
	c := closure(map[string]lir.Location{"x": inReg("rbx")}, b)
	if err := amd.Lower(c); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	Run(c, Options{Features: amd.Features()})
	expectBlock(t, b, "add %x:i64, %x:i64 -> %x:i64")
}

func TestFloatTimesTwoPrunesLiteral(t *testing.T) {
	b := block(t, []string{"y"}, "mul %x:f64, $2:f64 -> %y:f64")
	c := closure(map[string]lir.Location{"x": inReg("xmm1"), "y": inReg("xmm2")}, b)
	if err := amd.Lower(c); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if len(c.Data) != 1 {
		t.Fatalf("lowering materialized %d literals, want 1", len(c.Data))
	}
	res := Run(c, Options{Features: amd.Features()})
	expectBlock(t, b, "add %x:f64, %x:f64 -> %y:f64")
	if res.Pruned != 1 || len(c.Data) != 0 || len(c.Imms) != 0 {
		t.Fatalf("pruned=%d data=%d imms=%d, want literal dropped", res.Pruned, len(c.Data), len(c.Imms))
	}
}

func TestStrengthReductionThroughMove(t *testing.T) {
	b := block(t, []string{"u"},
		"move $2:i64 -> %t:i64",
		"mul %x:i64, %t:i64 -> %u:i64",
	)
	Run(closure(nil, b), Options{})
	expectBlock(t, b, "add %x:i64, %x:i64 -> %u:i64")

	// A live-out temporary keeps both instructions.
	b = block(t, []string{"t", "u"},
		"move $2:i64 -> %t:i64",
		"mul %x:i64, %t:i64 -> %u:i64",
	)
	Run(closure(nil, b), Options{})
	expectBlock(t, b,
		"move $2:i64 -> %t:i64",
		"mul %x:i64, %t:i64 -> %u:i64",
	)

	b = block(t, []string{"u"}, "mul $2:i32, %x:i32 -> %u:i32")
	Run(closure(nil, b), Options{})
	expectBlock(t, b, "add %x:i32, %x:i32 -> %u:i32")
}

func TestCallArgumentInPlaceKeepsDefinition(t *testing.T) {
	b := block(t, nil,
		"mul %v:i64, $4:i64 -> %t:i64",
		"add %t:i64, $8:i64 -> %u:i64",
		"call @foo, (%t:i64)",
	)
	c := closure(map[string]lir.Location{
		"t": inReg("rdi"),
		"v": inReg("rsi"),
		"u": inReg("rbx"),
	}, b)
	if err := amd.Lower(c); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	Run(c, Options{Features: allFeatures})

	defined := false
	for _, op := range b.Ops {
		if v, ok := op.DefinedVar(); ok && v.Ident == "t" {
			defined = true
		}
		if op.Op.IsCall() && !defined {
			t.Fatalf("call reads rdi before %%t is defined:\n%s", strings.Join(text(b), "\n"))
		}
	}
	if !defined {
		t.Fatalf("definition of %%t removed:\n%s", strings.Join(text(b), "\n"))
	}
}

func TestLEAFusion(t *testing.T) {
	locs := map[string]lir.Location{"v": inReg("rsi")}
	cases := []struct {
		name string
		ops  []string
		want string
	}{
		{
			"scale 4",
			[]string{"mul %v:i64, $4:i64 -> %t:i64", "add %t:i64, $16:i64 -> %d:i64"},
			"lea [%v:i64*4 + 16]:i64 -> %d:i64",
		},
		{
			"scale 1",
			[]string{"mul %v:i64, $1:i64 -> %t:i64", "add %t:i64, $16:i64 -> %d:i64"},
			"lea [%v:i64 + 16]:i64 -> %d:i64",
		},
		{
			"subtract",
			[]string{"mul %v:i64, $8:i64 -> %t:i64", "sub %t:i64, $24:i64 -> %d:i64"},
			"lea [%v:i64*8 - 24]:i64 -> %d:i64",
		},
		{
			"through move",
			[]string{
				"mul %v:i32, $2:i32 -> %t:i32",
				"move %t:i32 -> %t2:i32",
				"add %t2:i32, $3:i32 -> %d:i32",
			},
			"lea [%v:i32*2 + 3]:i32 -> %d:i32",
		},
		{
			"immediate first",
			[]string{"mul $4:i64, %v:i64 -> %t:i64", "add $-8:i64, %t:i64 -> %d:i64"},
			"lea [%v:i64*4 - 8]:i64 -> %d:i64",
		},
	}
	for _, tc := range cases {
		b := block(t, []string{"d"}, tc.ops...)
		Run(closure(locs, b), Options{Features: allFeatures})
		if len(b.Ops) != 1 || b.Ops[0].String() != tc.want {
			t.Fatalf("%s: got %v, want [%s]", tc.name, text(b), tc.want)
		}
	}
}

func TestLEAFusionPreconditions(t *testing.T) {
	mulAdd := []string{"mul %v:i64, $4:i64 -> %t:i64", "add %t:i64, $16:i64 -> %d:i64"}
	cases := []struct {
		name    string
		locs    map[string]lir.Location
		liveOut []string
		ops     []string
		feat    target.Features
	}{
		{"no feature", map[string]lir.Location{"v": inReg("rsi")}, []string{"d"}, mulAdd, target.Features{}},
		{"frame index", map[string]lir.Location{"v": {Stack: -8, HasStack: true}}, []string{"d"}, mulAdd, allFeatures},
		{"live temporary", map[string]lir.Location{"v": inReg("rsi")}, []string{"d", "t"}, mulAdd, allFeatures},
		{"bad scale", map[string]lir.Location{"v": inReg("rsi")}, []string{"d"},
			[]string{"mul %v:i64, $3:i64 -> %t:i64", "add %t:i64, $16:i64 -> %d:i64"}, allFeatures},
		{"byte width", map[string]lir.Location{"v": inReg("rsi")}, []string{"d"},
			[]string{"mul %v:i16, $4:i16 -> %t:i16", "add %t:i16, $16:i16 -> %d:i16"}, allFeatures},
		{"memory output", map[string]lir.Location{"v": inReg("rsi"), "p": inReg("rdi")}, nil,
			[]string{"mul %v:i64, $4:i64 -> %t:i64", "add %t:i64, $16:i64 -> [%p:ptr]:i64"}, allFeatures},
		{"wide displacement", map[string]lir.Location{"v": inReg("rsi")}, []string{"d"},
			[]string{"mul %v:i64, $4:i64 -> %t:i64", "add %t:i64, $2147483648:i64 -> %d:i64"}, allFeatures},
	}
	for _, tc := range cases {
		b := block(t, tc.liveOut, tc.ops...)
		Run(closure(tc.locs, b), Options{Features: tc.feat})
		expectBlock(t, b, tc.ops...)
	}
}

func TestLEAFusionComputesSameAddress(t *testing.T) {
	locs := map[string]lir.Location{"v": inReg("rsi")}
	for _, scale := range []string{"1", "2", "4", "8"} {
		for _, disp := range []string{"0", "7", "-4096", "2147483647"} {
			for _, op := range []string{"add", "sub"} {
				if op == "sub" && disp == "2147483647" {
					continue
				}
				ops := []string{
					"mul %v:i64, $" + scale + ":i64 -> %t:i64",
					op + " %t:i64, $" + disp + ":i64 -> %d:i64",
				}
				b := block(t, []string{"d"}, ops...)
				orig := append([]*lir.Instr(nil), b.Ops...)
				Run(closure(locs, b), Options{Features: allFeatures})
				if len(b.Ops) != 1 || b.Ops[0].Op != lir.OpLea {
					t.Fatalf("%v not fused: %v", ops, text(b))
				}
				for _, a := range []int64{0, 1, -1, 12345, -99999, 1 << 40} {
					want := eval(t, orig, map[string]int64{"v": a})["d"]
					got := eval(t, b.Ops, map[string]int64{"v": a})["d"]
					if got != want {
						t.Fatalf("%v with v=%d: fused=%d, want %d", ops, a, got, want)
					}
				}
			}
		}
	}
}

func TestMulAddFusion(t *testing.T) {
	cases := []struct {
		consumer string
		want     string
	}{
		{"add %t:f64, %c:f64 -> %d:f64", "fmadd %a:f64, %b:f64, %c:f64 -> %d:f64"},
		{"add %c:f64, %t:f64 -> %d:f64", "fmadd %a:f64, %b:f64, %c:f64 -> %d:f64"},
		{"sub %t:f64, %c:f64 -> %d:f64", "fnmsub %a:f64, %b:f64, %c:f64 -> %d:f64"},
		{"sub %c:f64, %t:f64 -> %d:f64", "fmsub %a:f64, %b:f64, %c:f64 -> %d:f64"},
		{"sub %t:f64, $1.5:f64 -> %d:f64", "fmadd %a:f64, %b:f64, $-1.5:f64 -> %d:f64"},
	}
	for _, tc := range cases {
		b := block(t, []string{"d"}, "mul %a:f64, %b:f64 -> %t:f64", tc.consumer)
		Run(closure(nil, b), Options{Features: target.Features{FloatMulAdd: true}})
		expectBlock(t, b, tc.want)
	}

	// Without the target feature nothing fuses.
	b := block(t, []string{"d"}, "mul %a:f64, %b:f64 -> %t:f64", "add %t:f64, %c:f64 -> %d:f64")
	Run(closure(nil, b), Options{})
	if len(b.Ops) != 2 {
		t.Fatalf("fused without FMA: %v", text(b))
	}
}

func TestIntegerMulAddRestrictions(t *testing.T) {
	feat := target.Features{IntMulAdd: true}
	cases := []struct {
		consumer string
		fused    bool
	}{
		{"add %t:i64, %c:i64 -> %d:i64", true},
		{"sub %c:i64, %t:i64 -> %d:i64", true},
		{"sub %t:i64, %c:i64 -> %d:i64", false},
		{"add %t:i64, $3:i64 -> %d:i64", false},
		{"sub %t:i64, $3:i64 -> %d:i64", false},
	}
	for _, tc := range cases {
		b := block(t, []string{"d"}, "mul %a:i64, %b:i64 -> %t:i64", tc.consumer)
		Run(closure(nil, b), Options{Features: feat})
		if got := len(b.Ops) == 1; got != tc.fused {
			t.Fatalf("%s: fused=%v, want %v (%v)", tc.consumer, got, tc.fused, text(b))
		}
	}

	// Amd64 has no integer multiply-add.
	b := block(t, []string{"d"}, "mul %a:i64, %b:i64 -> %t:i64", "add %t:i64, %c:i64 -> %d:i64")
	Run(closure(nil, b), Options{Features: amd.Features()})
	if len(b.Ops) != 2 {
		t.Fatalf("integer fusion on amd64: %v", text(b))
	}
}

func TestMoveElimination(t *testing.T) {
	b := block(t, []string{"d"},
		"add %a:i64, %b:i64 -> %t:i64",
		"move %t:i64 -> %d:i64",
	)
	Run(closure(nil, b), Options{})
	expectBlock(t, b, "add %a:i64, %b:i64 -> %d:i64")

	b = block(t, []string{"d"},
		"move %x:i64 -> %t:i64",
		"sub %t:i64, %y:i64 -> %d:i64",
	)
	Run(closure(nil, b), Options{})
	expectBlock(t, b, "sub %x:i64, %y:i64 -> %d:i64")

	b = block(t, []string{"d"},
		"move %x:i64 -> %t:i64",
		"sub %y:i64, %t:i64 -> %d:i64",
	)
	Run(closure(nil, b), Options{})
	expectBlock(t, b, "sub %y:i64, %x:i64 -> %d:i64")

	b = block(t, nil,
		"add %a:i64, %b:i64 -> %t:i64",
		"move %t:i64 -> rax",
		"ret rax",
	)
	Run(closure(nil, b), Options{})
	expectBlock(t, b, "add %a:i64, %b:i64 -> rax", "ret rax")
}

func TestMoveEliminationPreconditions(t *testing.T) {
	cases := []struct {
		liveOut []string
		ops     []string
	}{
		{[]string{"d", "t"}, []string{"add %a:i64, %b:i64 -> %t:i64", "move %t:i64 -> %d:i64"}},
		{[]string{"d", "e"}, []string{
			"add %a:i64, %b:i64 -> %t:i64",
			"move %t:i64 -> %d:i64",
			"move %t:i64 -> %e:i64",
		}},
		{[]string{"d"}, []string{"add %a:i64, %b:i64 -> %t:i64", "move %t:i64 -> %d:i32"}},
		{nil, []string{"add %a:i64, %b:i64 -> %t:i64", "move %t:i64 -> [%p:ptr]:i64"}},
		{[]string{"d"}, []string{"move [%p:ptr]:i64 -> %t:i64", "add %t:i64, %y:i64 -> %d:i64"}},
		{[]string{"d"}, []string{"move %x:i64!const -> %t:i64!const", "add %t:i64!const, %y:i64 -> %d:i64"}},
	}
	for _, tc := range cases {
		b := block(t, tc.liveOut, tc.ops...)
		Run(closure(nil, b), Options{})
		expectBlock(t, b, tc.ops...)
	}
}

func TestRuleOrderDoesNotChangeResult(t *testing.T) {
	locs := map[string]lir.Location{"v": inReg("rsi"), "x": inReg("rdi")}
	inputs := [][]string{
		{"mul %v:i64, $2:i64 -> %t:i64", "add %t:i64, $8:i64 -> %d:i64"},
		{"mul %v:i64, $2:i64 -> %t:i64", "move %t:i64 -> %t2:i64", "add %t2:i64, $8:i64 -> %d:i64"},
		{"move $2:f64 -> %t:f64", "mul %x:f64, %t:f64 -> %u:f64", "add %u:f64, %c:f64 -> %d:f64"},
		{"mul %a:f64, %b:f64 -> %t:f64", "add %t:f64, %c:f64 -> %u:f64", "move %u:f64 -> %d:f64"},
		{"move %x:i64 -> %t:i64", "mul %t:i64, $2:i64 -> %u:i64", "move %u:i64 -> %d:i64"},
		{"mul %x:f64, $2:f64 -> %t:f64", "add %t:f64, %c:f64 -> %d:f64"},
	}
	for _, ops := range inputs {
		var first []string
		for _, order := range permutations(defaultRules) {
			b := block(t, []string{"d"}, ops...)
			run(closure(locs, b), Options{Features: allFeatures}, order)
			got := text(b)
			if first == nil {
				first = got
				continue
			}
			if strings.Join(got, "\n") != strings.Join(first, "\n") {
				t.Fatalf("input %v: rule order changed output\n%v\nvs\n%v", ops, got, first)
			}
		}
	}
}

func permutations(rules []rule) [][]rule {
	if len(rules) <= 1 {
		return [][]rule{append([]rule(nil), rules...)}
	}
	var out [][]rule
	for idx := range rules {
		rest := make([]rule, 0, len(rules)-1)
		rest = append(rest, rules[:idx]...)
		rest = append(rest, rules[idx+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]rule{rules[idx]}, p...))
		}
	}
	return out
}

func TestRewritesPreserveLiveOutValues(t *testing.T) {
	locs := map[string]lir.Location{"v": inReg("rsi"), "x": inReg("rdi")}
	blocks := [][]string{
		{
			"move %x:i64 -> %t:i64",
			"mul %t:i64, $2:i64 -> %u:i64",
			"add %u:i64, %v:i64 -> %w:i64",
			"move %w:i64 -> %d:i64",
		},
		{
			"mul %v:i64, $8:i64 -> %t:i64",
			"move %t:i64 -> %t2:i64",
			"sub %t2:i64, $5:i64 -> %d:i64",
			"mul %d:i64, %x:i64 -> %p:i64",
			"add %p:i64, %v:i64 -> %e:i64",
		},
		{
			"move $2:i64 -> %two:i64",
			"mul %x:i64, %two:i64 -> %y:i64",
			"sub %v:i64, %y:i64 -> %d:i64",
			"move %d:i64 -> %e:i64",
		},
	}
	for _, ops := range blocks {
		b := block(t, []string{"d", "e"}, ops...)
		orig := append([]*lir.Instr(nil), b.Ops...)
		for idx, op := range orig {
			orig[idx] = op.Clone()
		}
		res := Run(closure(locs, b), Options{Features: allFeatures})
		if res.Rewrites == 0 {
			t.Fatalf("%v: nothing rewritten", ops)
		}
		for _, seed := range [][2]int64{{3, 5}, {-7, 11}, {1 << 33, -2}} {
			want := eval(t, orig, map[string]int64{"v": seed[0], "x": seed[1]})
			got := eval(t, b.Ops, map[string]int64{"v": seed[0], "x": seed[1]})
			for _, name := range []string{"d", "e"} {
				if _, defined := want[name]; !defined {
					continue
				}
				if got[name] != want[name] {
					t.Fatalf("%v: %s=%d after rewrite, want %d (%v)", ops, name, got[name], want[name], text(b))
				}
			}
		}
	}
}

func TestIterationCap(t *testing.T) {
	b := block(t, []string{"d"}, "add %a:i64, %b:i64 -> %d:i64")
	res := Run(closure(nil, b), Options{})
	if res.Sweeps != 1 || res.Rewrites != 0 {
		t.Fatalf("result=%+v, want one idle sweep", res)
	}

	b = block(t, []string{"d"},
		"add %a:i64, %b:i64 -> %t:i64",
		"move %t:i64 -> %d:i64",
	)
	res = Run(closure(nil, b), Options{MaxIterations: 1})
	if res.Sweeps != 1 {
		t.Fatalf("sweeps=%d, want 1", res.Sweeps)
	}
}

// eval interprets integer moves, arithmetic, LEA and multiply-add.
func eval(t *testing.T, ops []*lir.Instr, env map[string]int64) map[string]int64 {
	t.Helper()
	out := make(map[string]int64, len(env))
	for k, v := range env {
		out[k] = v
	}
	val := func(o lir.Operand) int64 {
		switch v := o.(type) {
		case *lir.Var:
			return out[v.Ident]
		case lir.Imm:
			return v.Int
		case nil:
			return 0
		}
		t.Fatalf("eval: operand %s", o)
		return 0
	}
	for _, op := range ops {
		var r int64
		switch op.Op {
		case lir.OpMove:
			r = val(op.First)
		case lir.OpAdd:
			r = val(op.First) + val(op.Second)
		case lir.OpSub:
			r = val(op.First) - val(op.Second)
		case lir.OpMul:
			r = val(op.First) * val(op.Second)
		case lir.OpLea:
			m := op.First.(lir.Indirect)
			scale := int64(m.Scale)
			if scale == 0 {
				scale = 1
			}
			r = val(m.Base) + val(m.Index)*scale + m.Disp
		case lir.OpFMAdd:
			r = val(op.Addend) + val(op.First)*val(op.Second)
		case lir.OpFNMSub:
			r = val(op.First)*val(op.Second) - val(op.Addend)
		case lir.OpFMSub:
			r = val(op.Addend) - val(op.First)*val(op.Second)
		default:
			t.Fatalf("eval: %s", op)
		}
		v, ok := lir.AsVar(op.Output)
		if !ok {
			t.Fatalf("eval: output of %s", op)
		}
		out[v.Ident] = r
	}
	return out
}
