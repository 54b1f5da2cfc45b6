package lir

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the operand variants.
type Kind uint8

const (
	KindReg Kind = iota + 1
	KindStack
	KindVar
	KindImm
	KindIndirect
	KindSymbol
	KindLabel
	KindList
)

// Operand is one of Reg, StackSlot, *Var, Imm, Indirect, Symbol, Label or
// *List. Operands must be compared with Same, never with ==.
type Operand interface {
	Kind() Kind
	String() string
}

// RegClass is the allocation class of a register.
type RegClass uint8

const (
	ClassInt RegClass = iota
	ClassFloat
)

// Reg is a physical register. Index is the hardware register number within
// its class; Width is the accessed width in bytes.
type Reg struct {
	Index uint8
	Width uint8
	Class RegClass
	Name  string
}

func (Reg) Kind() Kind { return KindReg }

// Key identifies the physical register independent of the accessed width, so
// eax and rax share a key.
func (r Reg) Key() int { return int(r.Class)<<8 | int(r.Index) }

// Is reports whether both registers name the same physical register.
func (r Reg) Is(o Reg) bool { return r.Key() == o.Key() }

func (r Reg) Type() Type {
	if r.Class == ClassFloat {
		return FloatType(int(r.Width))
	}
	return IntType(int(r.Width))
}

// As returns the register accessed with a different width.
func (r Reg) As(width uint8, name string) Reg {
	r.Width = width
	r.Name = name
	return r
}

func (r Reg) String() string {
	if r.Name != "" {
		if r.Class == ClassFloat && r.Width == 4 {
			return r.Name + ":f32"
		}
		return r.Name
	}
	prefix := "r"
	if r.Class == ClassFloat {
		prefix = "x"
	}
	return fmt.Sprintf("%s%d:%s", prefix, r.Index, r.Type())
}

// StackSlot is a frame-pointer relative memory slot.
type StackSlot struct {
	Offset int64
	Type   Type
}

func (StackSlot) Kind() Kind { return KindStack }

func (s StackSlot) String() string {
	return fmt.Sprintf("stack(%d):%s", s.Offset, s.Type)
}

// VarFlag marks variable properties.
type VarFlag uint8

const (
	VarConst VarFlag = 1 << iota
	VarCaptured
)

// Var is a named value. Identity is the identifier; the register or stack
// location comes from the owning closure's Locations table.
type Var struct {
	Ident string
	Type  Type
	Flags VarFlag
}

func (*Var) Kind() Kind { return KindVar }

func (v *Var) String() string {
	var b strings.Builder
	b.WriteString("%")
	b.WriteString(v.Ident)
	b.WriteString(":")
	b.WriteString(v.Type.String())
	if v.Flags&VarConst != 0 {
		b.WriteString("!const")
	}
	if v.Flags&VarCaptured != 0 {
		b.WriteString("!captured")
	}
	return b.String()
}

// ImmKind tags immediate literals.
type ImmKind uint8

const (
	ImmString ImmKind = iota
	ImmInt8
	ImmInt16
	ImmInt32
	ImmInt64
	ImmFloat32
	ImmFloat64
	ImmBool
)

// Imm is an immediate literal. Booleans are stored in Int as 0 or 1.
type Imm struct {
	Form  ImmKind
	Int   int64
	Float float64
	Str   string
}

func (Imm) Kind() Kind { return KindImm }

// IntImm builds an integer immediate of the width of t.
func IntImm(t Type, v int64) Imm {
	switch t.Size() {
	case 1:
		if t == TypeBool {
			return BoolImm(v != 0)
		}
		return Imm{Form: ImmInt8, Int: v}
	case 2:
		return Imm{Form: ImmInt16, Int: v}
	case 4:
		return Imm{Form: ImmInt32, Int: v}
	}
	return Imm{Form: ImmInt64, Int: v}
}

func FloatImm(t Type, v float64) Imm {
	if t == TypeFloat32 {
		return Imm{Form: ImmFloat32, Float: v}
	}
	return Imm{Form: ImmFloat64, Float: v}
}

func StringImm(s string) Imm { return Imm{Form: ImmString, Str: s} }

func BoolImm(b bool) Imm {
	if b {
		return Imm{Form: ImmBool, Int: 1}
	}
	return Imm{Form: ImmBool}
}

func (i Imm) Type() Type {
	switch i.Form {
	case ImmString:
		return TypeString
	case ImmInt8:
		return TypeInt8
	case ImmInt16:
		return TypeInt16
	case ImmInt32:
		return TypeInt32
	case ImmInt64:
		return TypeInt64
	case ImmFloat32:
		return TypeFloat32
	case ImmFloat64:
		return TypeFloat64
	case ImmBool:
		return TypeBool
	}
	return TypeVoid
}

func (i Imm) IsFloat() bool { return i.Form == ImmFloat32 || i.Form == ImmFloat64 }

// IsInt reports whether the immediate fits in an instruction's integer
// immediate field (integers and booleans).
func (i Imm) IsInt() bool { return !i.IsFloat() && i.Form != ImmString }

// Key identifies the literal for per-closure deduplication.
func (i Imm) Key() string {
	switch i.Form {
	case ImmString:
		return "str:" + i.Str
	case ImmFloat32:
		return fmt.Sprintf("f32:%08x", math.Float32bits(float32(i.Float)))
	case ImmFloat64:
		return fmt.Sprintf("f64:%016x", math.Float64bits(i.Float))
	}
	return fmt.Sprintf("int:%d", i.Int)
}

// Bytes returns the little-endian data-section image of the literal. Strings
// are NUL terminated.
func (i Imm) Bytes() []byte {
	switch i.Form {
	case ImmString:
		return append([]byte(i.Str), 0)
	case ImmFloat32:
		return le(uint64(math.Float32bits(float32(i.Float))), 4)
	case ImmFloat64:
		return le(math.Float64bits(i.Float), 8)
	}
	return le(uint64(i.Int), i.Type().Size())
}

func le(v uint64, n int) []byte {
	out := make([]byte, n)
	for idx := range out {
		out[idx] = byte(v >> (8 * idx))
	}
	return out
}

func (i Imm) String() string {
	switch i.Form {
	case ImmString:
		return "$" + strconv.Quote(i.Str)
	case ImmBool:
		return "$" + strconv.FormatBool(i.Int != 0)
	case ImmFloat32, ImmFloat64:
		return "$" + strconv.FormatFloat(i.Float, 'g', -1, 64) + ":" + i.Type().String()
	}
	return "$" + strconv.FormatInt(i.Int, 10) + ":" + i.Type().String()
}

// Indirect is a memory operand computing Base + Index*Scale + Disp.
type Indirect struct {
	Base  Operand
	Index Operand
	Scale uint8
	Disp  int64
	Type  Type
}

func (Indirect) Kind() Kind { return KindIndirect }

func (m Indirect) String() string {
	var parts []string
	if m.Base != nil {
		parts = append(parts, m.Base.String())
	}
	if m.Index != nil {
		scale := m.Scale
		if scale == 0 {
			scale = 1
		}
		parts = append(parts, fmt.Sprintf("%s*%d", m.Index, scale))
	}
	expr := strings.Join(parts, " + ")
	switch {
	case expr == "":
		expr = strconv.FormatInt(m.Disp, 10)
	case m.Disp > 0:
		expr += " + " + strconv.FormatInt(m.Disp, 10)
	case m.Disp < 0:
		expr += " - " + strconv.FormatUint(uint64(-m.Disp), 10)
	}
	return "[" + expr + "]:" + m.Type.String()
}

// Symbol references a named code or data symbol. Used as a value it denotes
// the memory at the symbol; LEA of a symbol yields its address. Const holds
// the literal of a materialized immediate.
type Symbol struct {
	Name  string
	Local bool
	TLS   bool
	Type  Type
	Const *Imm
}

func (Symbol) Kind() Kind { return KindSymbol }

func (s Symbol) String() string {
	out := "@" + s.Name
	if s.Type != TypeVoid {
		out += ":" + s.Type.String()
	}
	if s.Local {
		out += "!local"
	}
	if s.TLS {
		out += "!tls"
	}
	return out
}

// Label names a branch target.
type Label struct {
	Name  string
	Local bool
}

func (Label) Kind() Kind { return KindLabel }

func (l Label) String() string {
	if l.Local {
		return "#" + l.Name + "!local"
	}
	return "#" + l.Name
}

// List carries call arguments, formal parameters and implicit register sets.
type List struct {
	Items []Operand
}

func (*List) Kind() Kind { return KindList }

func NewList(items ...Operand) *List { return &List{Items: items} }

func (l *List) String() string {
	parts := make([]string, len(l.Items))
	for idx, item := range l.Items {
		parts[idx] = item.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// TypeOf reports the value type of an operand, or TypeVoid when it has none.
func TypeOf(o Operand) Type {
	switch v := o.(type) {
	case Reg:
		return v.Type()
	case StackSlot:
		return v.Type
	case *Var:
		return v.Type
	case Imm:
		return v.Type()
	case Indirect:
		return v.Type
	case Symbol:
		return v.Type
	}
	return TypeVoid
}

// AsVar returns the variable behind o, if any.
func AsVar(o Operand) (*Var, bool) {
	v, ok := o.(*Var)
	return v, ok && v != nil
}

// IsMemory reports whether o denotes a memory location once lowered.
func IsMemory(o Operand) bool {
	switch o.(type) {
	case StackSlot, Indirect, Symbol:
		return true
	}
	return false
}

// Same reports structural equality of two operands. Variables compare by
// identifier and registers by physical register and width.
func Same(a, b Operand) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Reg:
		y := b.(Reg)
		return x.Is(y) && x.Width == y.Width
	case StackSlot:
		return x == b.(StackSlot)
	case *Var:
		return x.Ident == b.(*Var).Ident
	case Imm:
		return x == b.(Imm)
	case Indirect:
		y := b.(Indirect)
		return Same(x.Base, y.Base) && Same(x.Index, y.Index) &&
			x.Scale == y.Scale && x.Disp == y.Disp && x.Type == y.Type
	case Symbol:
		y := b.(Symbol)
		return x.Name == y.Name && x.TLS == y.TLS
	case Label:
		return x.Name == b.(Label).Name
	case *List:
		y := b.(*List)
		if len(x.Items) != len(y.Items) {
			return false
		}
		for idx := range x.Items {
			if !Same(x.Items[idx], y.Items[idx]) {
				return false
			}
		}
		return true
	}
	return false
}
