package lir

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser reads the textual instruction form produced by Instr.String.
// Regs resolves target register names such as "rax" or "xmm0"; registers
// can always be written generically as r<index>:<type> or x<index>:<type>.
type Parser struct {
	Regs func(name string) (Reg, bool)
}

// Instr parses one instruction.
func (p Parser) Instr(src string) (*Instr, error) {
	src = strings.TrimSpace(src)
	head, rest, _ := strings.Cut(src, " ")
	op, ok := ParseOpcode(head)
	if !ok {
		return nil, fmt.Errorf("parse %q: unknown opcode %q", src, head)
	}
	ins := &Instr{Op: op}

	sources, output, hasArrow := cutTopLevel(rest, "->")
	if !hasArrow && outputOnly(op) {
		sources, output = "", rest
	}
	if strings.TrimSpace(output) != "" {
		o, err := p.Operand(output)
		if err != nil {
			return nil, fmt.Errorf("parse %q: output: %w", src, err)
		}
		ins.Output = o
	}

	fields := splitTopLevel(sources)
	if len(fields) > 3 {
		return nil, fmt.Errorf("parse %q: too many operands", src)
	}
	slots := []*Operand{&ins.First, &ins.Second, &ins.Addend}
	for idx, field := range fields {
		if field == "_" {
			continue
		}
		o, err := p.Operand(field)
		if err != nil {
			return nil, fmt.Errorf("parse %q: operand %d: %w", src, idx+1, err)
		}
		*slots[idx] = o
	}
	return ins, nil
}

// MustInstr is like Instr but panics on error.
func (p Parser) MustInstr(src string) *Instr {
	ins, err := p.Instr(src)
	if err != nil {
		panic(err)
	}
	return ins
}

func outputOnly(op Opcode) bool {
	switch op {
	case OpLabel, OpBAL, OpFnBegin, OpClr, OpPop, OpSafepoint:
		return true
	}
	return false
}

// Operand parses a single operand.
func (p Parser) Operand(src string) (Operand, error) {
	s := &scanner{src: src, regs: p.Regs}
	o, err := s.operand()
	if err != nil {
		return nil, err
	}
	s.skipSpace()
	if !s.eof() {
		return nil, fmt.Errorf("unexpected %q after operand", s.src[s.pos:])
	}
	return o, nil
}

type scanner struct {
	src  string
	pos  int
	regs func(string) (Reg, bool)
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) skipSpace() {
	for !s.eof() && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

func (s *scanner) expect(c byte) error {
	s.skipSpace()
	if s.peek() != c {
		return fmt.Errorf("expected %q at %d in %q", c, s.pos, s.src)
	}
	s.pos++
	return nil
}

func (s *scanner) word(extra string) string {
	start := s.pos
	for !s.eof() {
		c := s.src[s.pos]
		if isWordByte(c) || strings.IndexByte(extra, c) >= 0 {
			s.pos++
			continue
		}
		break
	}
	return s.src[start:s.pos]
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (s *scanner) typeSuffix() (Type, bool, error) {
	if s.peek() != ':' {
		return TypeVoid, false, nil
	}
	s.pos++
	name := s.word("")
	t, ok := ParseType(name)
	if !ok {
		return TypeVoid, false, fmt.Errorf("unknown type %q", name)
	}
	return t, true, nil
}

func (s *scanner) flags() []string {
	var out []string
	for s.peek() == '!' {
		s.pos++
		out = append(out, s.word(""))
	}
	return out
}

func (s *scanner) operand() (Operand, error) {
	s.skipSpace()
	switch s.peek() {
	case '%':
		return s.variable()
	case '$':
		return s.immediate()
	case '@':
		return s.symbol()
	case '#':
		return s.label()
	case '[':
		return s.indirect()
	case '(':
		return s.list()
	case 0:
		return nil, fmt.Errorf("missing operand")
	}
	return s.named()
}

func (s *scanner) variable() (Operand, error) {
	s.pos++
	ident := s.word(".")
	if ident == "" {
		return nil, fmt.Errorf("empty variable name in %q", s.src)
	}
	t, ok, err := s.typeSuffix()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("variable %%%s needs a type", ident)
	}
	v := &Var{Ident: ident, Type: t}
	for _, f := range s.flags() {
		switch f {
		case "const":
			v.Flags |= VarConst
		case "captured":
			v.Flags |= VarCaptured
		default:
			return nil, fmt.Errorf("unknown variable flag %q", f)
		}
	}
	return v, nil
}

func (s *scanner) immediate() (Operand, error) {
	s.pos++
	if s.peek() == '"' {
		quoted, err := strconv.QuotedPrefix(s.src[s.pos:])
		if err != nil {
			return nil, fmt.Errorf("bad string literal: %w", err)
		}
		s.pos += len(quoted)
		text, err := strconv.Unquote(quoted)
		if err != nil {
			return nil, err
		}
		return StringImm(text), nil
	}
	tok := s.word("-+.")
	switch tok {
	case "true":
		return BoolImm(true), nil
	case "false":
		return BoolImm(false), nil
	}
	t, ok, err := s.typeSuffix()
	if err != nil {
		return nil, err
	}
	if !ok {
		t = TypeInt64
		if strings.ContainsAny(tok, ".") {
			t = TypeFloat64
		}
	}
	if t.IsFloat() {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float literal %q", tok)
		}
		return FloatImm(t, f), nil
	}
	n, err := strconv.ParseInt(tok, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(tok, 0, 64)
		if uerr != nil {
			return nil, fmt.Errorf("bad integer literal %q", tok)
		}
		n = int64(u)
	}
	return IntImm(t, n), nil
}

func (s *scanner) symbol() (Operand, error) {
	s.pos++
	name := s.word(".$/")
	if name == "" {
		return nil, fmt.Errorf("empty symbol name in %q", s.src)
	}
	t, _, err := s.typeSuffix()
	if err != nil {
		return nil, err
	}
	sym := Symbol{Name: name, Type: t}
	for _, f := range s.flags() {
		switch f {
		case "local":
			sym.Local = true
		case "tls":
			sym.TLS = true
		default:
			return nil, fmt.Errorf("unknown symbol flag %q", f)
		}
	}
	return sym, nil
}

func (s *scanner) label() (Operand, error) {
	s.pos++
	name := s.word(".$/")
	if name == "" {
		return nil, fmt.Errorf("empty label name in %q", s.src)
	}
	l := Label{Name: name}
	for _, f := range s.flags() {
		if f != "local" {
			return nil, fmt.Errorf("unknown label flag %q", f)
		}
		l.Local = true
	}
	return l, nil
}

func (s *scanner) indirect() (Operand, error) {
	s.pos++
	m := Indirect{}
	sign := int64(1)
	for {
		s.skipSpace()
		if s.peek() == '-' {
			sign = -sign
			s.pos++
			s.skipSpace()
		}
		c := s.peek()
		if c >= '0' && c <= '9' {
			tok := s.word("")
			n, err := strconv.ParseInt(tok, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("bad displacement %q", tok)
			}
			m.Disp += sign * n
		} else {
			if sign < 0 {
				return nil, fmt.Errorf("cannot subtract a register in %q", s.src)
			}
			o, err := s.operand()
			if err != nil {
				return nil, err
			}
			s.skipSpace()
			if s.peek() == '*' {
				s.pos++
				s.skipSpace()
				tok := s.word("")
				scale, err := strconv.ParseUint(tok, 10, 8)
				if err != nil {
					return nil, fmt.Errorf("bad scale %q", tok)
				}
				m.Index, m.Scale = o, uint8(scale)
			} else if m.Base == nil {
				m.Base = o
			} else {
				m.Index, m.Scale = o, 1
			}
		}
		s.skipSpace()
		switch s.peek() {
		case ']':
			s.pos++
			t, ok, err := s.typeSuffix()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("memory operand needs a type in %q", s.src)
			}
			m.Type = t
			if m.Index != nil && m.Scale == 0 {
				m.Scale = 1
			}
			return m, nil
		case '+':
			sign = 1
		case '-':
			sign = -1
		default:
			return nil, fmt.Errorf("unterminated memory operand %q", s.src)
		}
		s.pos++
	}
}

func (s *scanner) list() (Operand, error) {
	s.pos++
	l := &List{}
	s.skipSpace()
	if s.peek() == ')' {
		s.pos++
		return l, nil
	}
	for {
		o, err := s.operand()
		if err != nil {
			return nil, err
		}
		l.Items = append(l.Items, o)
		s.skipSpace()
		switch s.peek() {
		case ',':
			s.pos++
		case ')':
			s.pos++
			return l, nil
		default:
			return nil, fmt.Errorf("unterminated list %q", s.src)
		}
	}
}

func (s *scanner) named() (Operand, error) {
	name := s.word("")
	if name == "stack" && s.peek() == '(' {
		s.pos++
		tok := s.word("-")
		off, err := strconv.ParseInt(tok, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad stack offset %q", tok)
		}
		if err := s.expect(')'); err != nil {
			return nil, err
		}
		t, ok, err := s.typeSuffix()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("stack slot needs a type")
		}
		return StackSlot{Offset: off, Type: t}, nil
	}

	t, hasType, err := s.typeSuffix()
	if err != nil {
		return nil, err
	}
	if s.regs != nil {
		if r, ok := s.regs(name); ok {
			if hasType {
				if t.IsFloat() != (r.Class == ClassFloat) {
					return nil, fmt.Errorf("register %s cannot hold %s", name, t)
				}
				if int(r.Width) != t.Size() && r.Class == ClassInt {
					r.Name = ""
				}
				r.Width = uint8(t.Size())
			}
			return r, nil
		}
	}
	if len(name) > 1 && (name[0] == 'r' || name[0] == 'x') && hasType {
		idx, err := strconv.ParseUint(name[1:], 10, 8)
		if err == nil {
			r := Reg{Index: uint8(idx), Width: uint8(t.Size())}
			if name[0] == 'x' {
				r.Class = ClassFloat
			}
			return r, nil
		}
	}
	return nil, fmt.Errorf("unknown operand %q", name)
}

// cutTopLevel splits s at the first occurrence of sep outside brackets,
// parentheses and string literals.
func cutTopLevel(s, sep string) (before, after string, found bool) {
	depth := 0
	inString := false
	for idx := 0; idx < len(s); idx++ {
		c := s[idx]
		switch {
		case inString:
			if c == '\\' {
				idx++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(s[idx:], sep):
			return s[:idx], s[idx+len(sep):], true
		}
	}
	return s, "", false
}

func splitTopLevel(s string) []string {
	var out []string
	for {
		if strings.TrimSpace(s) == "" {
			return out
		}
		before, after, found := cutTopLevel(s, ",")
		out = append(out, strings.TrimSpace(before))
		if !found {
			return out
		}
		s = after
	}
}
