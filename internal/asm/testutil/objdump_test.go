package testutil

import (
	"strings"
	"testing"
)

const sample = `
/tmp/x/relocs.o:     file format elf64-x86-64


Disassembly of section .text:

0000000000000000 <f>:
   0:	call   5 <f+0x5>
			1: R_X86_64_PLT32	puts-0x4
   5:	movl   $0x7,0x0(%rip)        # f <f+0xf>
			7: R_X86_64_PC32	counter-0x8
   f:	ret
`

func TestParseDisassembly(t *testing.T) {
	lines, err := parseDisassembly(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines=%+v, want 3 instructions", lines)
	}
	MatchInOrder(t, lines, []Expectation{
		{Name: "call", Mnemonic: "call", Reloc: "R_X86_64_PLT32 puts-0x4"},
		{Name: "store", Mnemonic: "movl", Contains: []string{"$0x7,0x0(%rip)"}, Reloc: "R_X86_64_PC32 counter"},
		{Name: "ret", Mnemonic: "ret"},
	})
	if len(lines[2].Relocs) != 0 {
		t.Fatalf("ret relocations=%v, want none", lines[2].Relocs)
	}
}
