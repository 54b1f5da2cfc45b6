package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation is one instruction expected at the matching position of the
// disassembly.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
	// Reloc is the relocation objdump -r prints against the instruction,
	// such as "R_X86_64_PLT32 puts-0x4". Empty means none is checked.
	Reloc string
}

func (e Expectation) check(l DisasmLine) error {
	if e.Mnemonic != "" && l.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", l.Mnemonic, e.Mnemonic)
	}
	for _, want := range e.Contains {
		if !l.Contains(want) {
			return fmt.Errorf("%q not in %q", want, l.Normalized)
		}
	}
	if e.Reloc != "" && !l.HasReloc(e.Reloc) {
		return fmt.Errorf("relocations=%v, want %q", l.Relocs, e.Reloc)
	}
	return nil
}

// MatchInOrder checks expectation i against instruction i. Instructions past
// the last expectation are ignored.
func MatchInOrder(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, e := range expect {
		if err := e.check(lines[idx]); err != nil {
			t.Fatalf("%s (instruction %d): %v\n%s", e.Name, idx, err, lines[idx].Text)
		}
	}
}

// HasReloc reports whether a relocation printed against the line starts
// with prefix after whitespace is collapsed.
func (l DisasmLine) HasReloc(prefix string) bool {
	prefix = strings.Join(strings.Fields(prefix), " ")
	for _, r := range l.Relocs {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}
