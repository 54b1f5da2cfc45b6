// Package testutil checks encoder output against a system disassembler.
package testutil

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/lirc/internal/asm"
	"github.com/tinyrange/lirc/internal/obj"
)

// DisasmLine is one disassembled instruction. Relocs holds the relocation
// lines objdump -r prints after it, whitespace collapsed.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
	Relocs     []string
}

// Contains reports whether substr occurs in the whitespace-collapsed text.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// DisassembleWithObjdump runs objdump -dr on u written as an ELF object. The
// test is skipped when objdump is not installed.
func DisassembleWithObjdump(t *testing.T, u *asm.Unit, extraArgs ...string) []DisasmLine {
	t.Helper()
	return DisassembleWithTool(t, "objdump", u, append([]string{"-dr", "--no-show-raw-insn"}, extraArgs...)...)
}

// DisassembleWithTool runs tool with args and the object path and parses
// objdump-style output.
func DisassembleWithTool(t *testing.T, tool string, u *asm.Unit, args ...string) []DisasmLine {
	t.Helper()

	path, err := exec.LookPath(tool)
	if err != nil {
		t.Skipf("%s not available: %v", tool, err)
	}

	objPath := filepath.Join(t.TempDir(), u.Name+".o")
	f, err := os.Create(objPath)
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if err := obj.Write(f, u); err != nil {
		f.Close()
		t.Fatalf("write object: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close object: %v", err)
	}

	out, err := exec.Command(path, append(args, objPath)...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s: %v\n%s", tool, err, out)
	}
	lines, err := parseDisassembly(strings.NewReader(string(out)))
	if err != nil {
		t.Fatalf("read %s output: %v", tool, err)
	}
	if len(lines) == 0 {
		t.Fatalf("%s printed no instructions:\n%s", tool, out)
	}
	return lines
}

// parseDisassembly keeps "offset: text" lines. Symbol headers, section
// banners and the file format line are dropped; relocation lines attach to
// the instruction before them.
func parseDisassembly(r io.Reader) ([]DisasmLine, error) {
	var lines []DisasmLine
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		_, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		text := strings.TrimSpace(rest)
		fields := strings.Fields(text)
		if len(fields) == 0 || text[0] == '<' || text[0] == '.' || strings.HasPrefix(text, "file format") {
			continue
		}
		norm := strings.Join(fields, " ")
		if strings.HasPrefix(text, "R_") {
			if n := len(lines); n > 0 {
				lines[n-1].Relocs = append(lines[n-1].Relocs, norm)
			}
			continue
		}
		lines = append(lines, DisasmLine{Text: text, Normalized: norm, Mnemonic: strings.ToLower(fields[0])})
	}
	return lines, sc.Err()
}
