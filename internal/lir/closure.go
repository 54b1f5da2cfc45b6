package lir

// VarSet is a set of variable identifiers.
type VarSet map[string]struct{}

func NewVarSet(idents ...string) VarSet {
	s := make(VarSet, len(idents))
	for _, id := range idents {
		s[id] = struct{}{}
	}
	return s
}

func (s VarSet) Has(ident string) bool {
	_, ok := s[ident]
	return ok
}

func (s VarSet) Add(ident string) { s[ident] = struct{}{} }

// Block is a basic block. LiveIn and LiveOut are computed upstream and are
// read-only here; UseCount and Pinned are rebuilt by CountUses.
type Block struct {
	Label    string
	Ops      []*Instr
	Preds    []*Block
	Succs    []*Block
	LiveIn   VarSet
	LiveOut  VarSet
	UseCount map[string]int
	// Pinned holds the variables whose assigned register some instruction
	// in the block reads by name, such as a call argument already in place.
	Pinned VarSet
}

// CountUses rebuilds UseCount from the variables read by each instruction,
// and Pinned from the registers read directly, resolved through locs.
func (b *Block) CountUses(locs map[string]Location) {
	b.UseCount = make(map[string]int)
	b.Pinned = make(VarSet)
	read := make(map[int]bool)
	for _, op := range b.Ops {
		for _, o := range op.Uses() {
			switch v := o.(type) {
			case *Var:
				if v != nil {
					b.UseCount[v.Ident]++
				}
			case Reg:
				read[v.Key()] = true
			}
		}
	}
	for ident, loc := range locs {
		if loc.HasReg && read[loc.Reg.Key()] {
			b.Pinned.Add(ident)
		}
	}
}

// CanRemove reports whether the definition of v may be dropped or
// retargeted: v is not live out, its register is not read by name, and it
// is read at most once in the block.
func (b *Block) CanRemove(v *Var) bool {
	if v == nil || b.LiveOut.Has(v.Ident) || b.Pinned.Has(v.Ident) {
		return false
	}
	return b.UseCount[v.Ident] <= 1
}

// Location is the register or frame slot assigned to a variable.
type Location struct {
	Reg      Reg
	HasReg   bool
	Stack    int64
	HasStack bool
}

// Data is a data-section declaration collected while compiling a closure.
type Data struct {
	Name  string
	Value []byte
	Local bool
}

// Closure is one compiled function.
type Closure struct {
	Name   string
	Symbol string
	Global bool
	Return Type
	// Locals are the frame-resident variables in declaration order.
	Locals []*Var
	Blocks []*Block
	// Locations maps variable identifiers to their assignment.
	Locations map[string]Location
	// Imms maps materialized literal keys to their data symbol.
	Imms map[string]string
	Data []*Data
	// Frame is the aligned frame size computed by lowering.
	Frame int64
	// Saved lists the callee-saved registers preserved by the prologue with
	// their frame offsets.
	Saved []SavedReg
}

// SavedReg is a callee-saved register spilled to a frame slot.
type SavedReg struct {
	Reg    Reg
	Offset int64
}

func NewClosure(name string) *Closure {
	return &Closure{
		Name:      name,
		Symbol:    name,
		Locations: make(map[string]Location),
		Imms:      make(map[string]string),
	}
}

// Locate returns the location of v or an internal error when the allocator
// left it unassigned.
func (c *Closure) Locate(pass string, op *Instr, v *Var) (Location, error) {
	loc, ok := c.Locations[v.Ident]
	if !ok || (!loc.HasReg && !loc.HasStack) {
		return Location{}, Internalf(pass, c, op, "variable %s has no register or stack assignment", v)
	}
	return loc, nil
}

// Len counts the instructions of all blocks.
func (c *Closure) Len() int {
	n := 0
	for _, b := range c.Blocks {
		n += len(b.Ops)
	}
	return n
}

// Global is a module-level variable declaration destined for .data.
type Global struct {
	Name  string
	Size  int
	Value []byte
}

// Module is one compilation module.
type Module struct {
	Ident    string
	Globals  []*Global
	Closures []*Closure
}
