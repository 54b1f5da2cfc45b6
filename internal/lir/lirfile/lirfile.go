// Package lirfile reads and writes LIR modules stored as YAML.
//
// A module file looks like:
//
//	module: demo/main
//	globals:
//	  - name: answer
//	    size: 8
//	    value: 42
//	functions:
//	  - name: main
//	    global: true
//	    return: i64
//	    locals: ["%buf:i64"]
//	    locations: {a: rdi, buf: stack(-8)}
//	    blocks:
//	      - label: entry
//	        live_out: [a]
//	        ops:
//	          - fn_begin (%a:i64)
//	          - return %a:i64
//
// Instructions use the textual LIR form; register names are resolved by the
// parser handed to Decode.
package lirfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/lirc/internal/lir"
)

// Extension is the file name suffix of module files.
const Extension = ".lir.yaml"

type fileModule struct {
	Module    string         `yaml:"module"`
	Globals   []fileGlobal   `yaml:"globals,omitempty"`
	Functions []fileFunction `yaml:"functions"`
}

type fileGlobal struct {
	Name  string    `yaml:"name"`
	Size  int       `yaml:"size,omitempty"`
	Value yaml.Node `yaml:"value,omitempty"`
}

type fileFunction struct {
	Name      string            `yaml:"name"`
	Symbol    string            `yaml:"symbol,omitempty"`
	Global    bool              `yaml:"global,omitempty"`
	Return    string            `yaml:"return,omitempty"`
	Locals    []string          `yaml:"locals,omitempty"`
	Locations map[string]string `yaml:"locations,omitempty"`
	Blocks    []fileBlock       `yaml:"blocks"`
}

type fileBlock struct {
	Label   string      `yaml:"label"`
	LiveIn  []string    `yaml:"live_in,omitempty"`
	LiveOut []string    `yaml:"live_out,omitempty"`
	Succs   []string    `yaml:"succs,omitempty"`
	Ops     []yaml.Node `yaml:"ops"`
}

// Load reads the module file at path. A file without a module name is named
// after the file.
func Load(path string, p lir.Parser) (*lir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Decode(data, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Ident == "" {
		m.Ident = strings.TrimSuffix(filepath.Base(path), Extension)
	}
	return m, nil
}

// Decode parses one module document.
func Decode(data []byte, p lir.Parser) (*lir.Module, error) {
	var fm fileModule
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fm); err != nil {
		return nil, fmt.Errorf("parse module: %w", err)
	}

	m := &lir.Module{Ident: fm.Module}
	for _, g := range fm.Globals {
		global, err := decodeGlobal(g)
		if err != nil {
			return nil, err
		}
		m.Globals = append(m.Globals, global)
	}
	for _, f := range fm.Functions {
		c, err := decodeFunction(f, p)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", f.Name, err)
		}
		m.Closures = append(m.Closures, c)
	}
	return m, nil
}

func decodeGlobal(g fileGlobal) (*lir.Global, error) {
	if g.Name == "" {
		return nil, fmt.Errorf("global without a name")
	}
	out := &lir.Global{Name: g.Name, Size: g.Size}

	v := g.Value
	switch {
	case v.Kind == 0:
	case v.Kind == yaml.ScalarNode && v.Tag == "!!str":
		out.Value = append([]byte(v.Value), 0)
	case v.Kind == yaml.ScalarNode:
		n, err := strconv.ParseInt(v.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("global %s: line %d: value %q is not an integer", g.Name, v.Line, v.Value)
		}
		size := g.Size
		if size == 0 {
			size = 8
		}
		buf := binary.LittleEndian.AppendUint64(nil, uint64(n))
		if size < len(buf) {
			buf = buf[:size]
		}
		out.Value = buf
	case v.Kind == yaml.SequenceNode:
		var raw []uint8
		if err := v.Decode(&raw); err != nil {
			return nil, fmt.Errorf("global %s: line %d: %w", g.Name, v.Line, err)
		}
		out.Value = raw
	default:
		return nil, fmt.Errorf("global %s: line %d: unsupported value", g.Name, v.Line)
	}

	if out.Size == 0 {
		out.Size = len(out.Value)
	}
	if out.Size == 0 {
		out.Size = 8
	}
	if len(out.Value) > out.Size {
		return nil, fmt.Errorf("global %s: %d byte value exceeds size %d", g.Name, len(out.Value), out.Size)
	}
	return out, nil
}

func decodeFunction(f fileFunction, p lir.Parser) (*lir.Closure, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("function without a name")
	}
	c := lir.NewClosure(f.Name)
	if f.Symbol != "" {
		c.Symbol = f.Symbol
	}
	c.Global = f.Global
	if f.Return != "" {
		t, ok := lir.ParseType(f.Return)
		if !ok {
			return nil, fmt.Errorf("unknown return type %q", f.Return)
		}
		c.Return = t
	}

	for _, src := range f.Locals {
		o, err := p.Operand(src)
		if err != nil {
			return nil, fmt.Errorf("local %q: %w", src, err)
		}
		v, ok := lir.AsVar(o)
		if !ok {
			return nil, fmt.Errorf("local %q is not a variable", src)
		}
		c.Locals = append(c.Locals, v)
	}

	for ident, src := range f.Locations {
		loc, err := parseLocation(src, p)
		if err != nil {
			return nil, fmt.Errorf("location of %s: %w", ident, err)
		}
		c.Locations[ident] = loc
	}

	byLabel := make(map[string]*lir.Block)
	for _, fb := range f.Blocks {
		b := &lir.Block{
			Label:   fb.Label,
			LiveIn:  lir.NewVarSet(fb.LiveIn...),
			LiveOut: lir.NewVarSet(fb.LiveOut...),
		}
		for _, node := range fb.Ops {
			var src string
			if err := node.Decode(&src); err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
			ins, err := p.Instr(src)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
			b.Ops = append(b.Ops, ins.At(lir.Pos{Line: node.Line, Column: node.Column}))
		}
		if _, dup := byLabel[b.Label]; dup {
			return nil, fmt.Errorf("duplicate block %q", b.Label)
		}
		byLabel[b.Label] = b
		c.Blocks = append(c.Blocks, b)
	}

	for idx, fb := range f.Blocks {
		b := c.Blocks[idx]
		for _, name := range fb.Succs {
			s, ok := byLabel[name]
			if !ok {
				return nil, fmt.Errorf("block %s: unknown successor %q", b.Label, name)
			}
			b.Succs = append(b.Succs, s)
			s.Preds = append(s.Preds, b)
		}
	}
	return c, nil
}

// parseLocation accepts a register name or stack(<offset>).
func parseLocation(src string, p lir.Parser) (lir.Location, error) {
	src = strings.TrimSpace(src)
	if rest, ok := strings.CutPrefix(src, "stack("); ok {
		num, ok := strings.CutSuffix(rest, ")")
		if !ok {
			return lir.Location{}, fmt.Errorf("bad stack location %q", src)
		}
		off, err := strconv.ParseInt(num, 0, 64)
		if err != nil {
			return lir.Location{}, fmt.Errorf("bad stack offset %q", num)
		}
		return lir.Location{Stack: off, HasStack: true}, nil
	}
	if p.Regs != nil {
		if r, ok := p.Regs(src); ok {
			return lir.Location{Reg: r, HasReg: true}, nil
		}
	}
	return lir.Location{}, fmt.Errorf("unknown register %q", src)
}

// Encode writes m in the module file format. Instructions are written in
// their printed form, so Encode after Decode reproduces the operands.
func Encode(w io.Writer, m *lir.Module) error {
	fm := fileModule{Module: m.Ident}
	for _, g := range m.Globals {
		var node yaml.Node
		if err := node.Encode(lo.Map(g.Value, func(b byte, _ int) int { return int(b) })); err != nil {
			return err
		}
		node.Style = yaml.FlowStyle
		fm.Globals = append(fm.Globals, fileGlobal{Name: g.Name, Size: g.Size, Value: node})
	}
	for _, c := range m.Closures {
		f := fileFunction{Name: c.Name, Global: c.Global}
		if c.Symbol != c.Name {
			f.Symbol = c.Symbol
		}
		if c.Return != lir.TypeVoid {
			f.Return = c.Return.String()
		}
		f.Locals = lo.Map(c.Locals, func(v *lir.Var, _ int) string { return v.String() })
		if len(c.Locations) > 0 {
			f.Locations = lo.MapValues(c.Locations, func(loc lir.Location, _ string) string {
				if loc.HasReg {
					return loc.Reg.Name
				}
				return fmt.Sprintf("stack(%d)", loc.Stack)
			})
		}
		for _, b := range c.Blocks {
			fb := fileBlock{
				Label:   b.Label,
				LiveIn:  slices.Sorted(maps.Keys(b.LiveIn)),
				LiveOut: slices.Sorted(maps.Keys(b.LiveOut)),
				Succs:   lo.Map(b.Succs, func(s *lir.Block, _ int) string { return s.Label }),
			}
			for _, op := range b.Ops {
				var node yaml.Node
				node.SetString(op.String())
				fb.Ops = append(fb.Ops, node)
			}
			f.Blocks = append(f.Blocks, fb)
		}
		fm.Functions = append(fm.Functions, f)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&fm); err != nil {
		return fmt.Errorf("encode module %s: %w", m.Ident, err)
	}
	return enc.Close()
}
