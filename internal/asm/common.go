package asm

import (
	"errors"
	"fmt"
)

var (
	// ErrRange reports a displacement or immediate that does not fit the
	// width chosen for it.
	ErrRange = errors.New("value out of encodable range")
	// ErrLength reports a deferred encoding whose length differs from the
	// space reserved for it.
	ErrLength = errors.New("encoding length changed")
	// ErrUndefined reports a symbol that is neither defined nor usable as an
	// external reference.
	ErrUndefined = errors.New("undefined symbol")
)

// Label names a position in the text section.
type Label string

// Section identifies where a symbol is defined.
type Section uint8

const (
	SectionUndef Section = iota
	SectionText
	SectionData
)

// Binding is the symbol visibility.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
)

// SymbolKind is the symbol type.
type SymbolKind uint8

const (
	SymNoType SymbolKind = iota
	SymFunc
	SymObject
	// SymLabel marks branch targets inside a function. Local labels are
	// resolved by the assembler and never reach the symbol table.
	SymLabel
)

// Symbol is a symbol table entry. Value is the byte offset within Section
// and is meaningful only once Defined is set.
type Symbol struct {
	Name    string
	Binding Binding
	Kind    SymbolKind
	Section Section
	Value   uint64
	Size    uint64
	Defined bool
}

// RelocKind is the fixup applied by the linker.
type RelocKind uint8

const (
	RelocAbs64 RelocKind = iota
	RelocPC32
	RelocPLT32
	RelocTPOff32
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs64:
		return "abs64"
	case RelocPC32:
		return "pc32"
	case RelocPLT32:
		return "plt32"
	case RelocTPOff32:
		return "tpoff32"
	}
	return fmt.Sprintf("reloc(%d)", uint8(k))
}

// Relocation is a text-section fixup against a named symbol.
type Relocation struct {
	Offset uint64
	Symbol string
	Kind   RelocKind
	Addend int64
}

// Unit accumulates the sections and tables of one compilation module. Every
// module gets its own Unit, so modules can be assembled concurrently.
type Unit struct {
	Name string

	text    []byte
	data    []byte
	symbols []*Symbol
	byName  map[string]*Symbol
	relocs  []Relocation

	listing bool
	lines   []Line
}

func NewUnit(name string) *Unit {
	return &Unit{Name: name, byName: make(map[string]*Symbol)}
}

func (u *Unit) Text() []byte { return u.text }

func (u *Unit) Data() []byte { return u.data }

// Symbols returns the symbol table in discovery order.
func (u *Unit) Symbols() []*Symbol { return u.symbols }

func (u *Unit) Relocations() []Relocation { return u.relocs }

// Offset is the current end of the text section.
func (u *Unit) Offset() uint64 { return uint64(len(u.text)) }

// Emit appends bytes to the text section and returns their offset.
func (u *Unit) Emit(b []byte) uint64 {
	off := u.Offset()
	u.text = append(u.text, b...)
	return off
}

// Patch overwrites previously reserved text bytes.
func (u *Unit) Patch(off uint64, b []byte) error {
	if off+uint64(len(b)) > u.Offset() {
		return fmt.Errorf("patch at %#x+%d beyond text end %#x", off, len(b), u.Offset())
	}
	copy(u.text[off:], b)
	return nil
}

func (u *Unit) Lookup(name string) (*Symbol, bool) {
	s, ok := u.byName[name]
	return s, ok
}

// Reference returns the named symbol, adding an undefined global placeholder
// when it has not been seen yet.
func (u *Unit) Reference(name string) *Symbol {
	if s, ok := u.byName[name]; ok {
		return s
	}
	s := &Symbol{Name: name, Binding: BindGlobal}
	u.symbols = append(u.symbols, s)
	u.byName[name] = s
	return s
}

// Define binds name to value in sec. A symbol referenced before its
// definition keeps its discovery position.
func (u *Unit) Define(name string, kind SymbolKind, bind Binding, sec Section, value uint64) (*Symbol, error) {
	s := u.Reference(name)
	if s.Defined {
		return nil, fmt.Errorf("symbol %q already defined", name)
	}
	s.Kind = kind
	s.Binding = bind
	s.Section = sec
	s.Value = value
	s.Defined = true
	return s, nil
}

// AddData appends an object to the data section and defines its symbol.
func (u *Unit) AddData(name string, value []byte, bind Binding) (*Symbol, error) {
	s, err := u.Define(name, SymObject, bind, SectionData, uint64(len(u.data)))
	if err != nil {
		return nil, err
	}
	s.Size = uint64(len(value))
	u.data = append(u.data, value...)
	return s, nil
}

// AddRelocation records a fixup, registering the symbol if it is new.
func (u *Unit) AddRelocation(r Relocation) {
	u.Reference(r.Symbol)
	u.relocs = append(u.relocs, r)
}

// EnableListing makes the assembler record one Line per instruction.
func (u *Unit) EnableListing() { u.listing = true }

func (u *Unit) Listing() bool { return u.listing }

// AddLine records a listing line and returns its index.
func (u *Unit) AddLine(l Line) int {
	u.lines = append(u.lines, l)
	return len(u.lines) - 1
}

// SetLineBytes fills in the bytes of a line whose encoding was deferred.
func (u *Unit) SetLineBytes(idx int, b []byte) {
	if idx >= 0 && idx < len(u.lines) {
		u.lines[idx].Bytes = append([]byte(nil), b...)
	}
}

func (u *Unit) Lines() []Line { return u.lines }
