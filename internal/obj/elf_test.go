package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/lirc/internal/asm"
	"github.com/tinyrange/lirc/internal/lir"
)

func buildUnit(t *testing.T) *asm.Unit {
	t.Helper()
	u := asm.NewUnit("prog")
	fn, err := u.Define("main", asm.SymFunc, asm.BindGlobal, asm.SectionText, 0)
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	if _, err := u.Define(".Lmain.loop", asm.SymLabel, asm.BindLocal, asm.SectionText, 5); err != nil {
		t.Fatalf("Define: %v", err)
	}
	// call puts; mov rax, [rip+f]; ret
	u.Emit([]byte{0xe8, 0, 0, 0, 0})
	u.Emit([]byte{0x48, 0x8b, 0x05, 0, 0, 0, 0})
	u.Emit([]byte{0xc3})
	fn.Size = u.Offset()

	if _, err := u.AddData("main.imm.0", []byte("hi\x00"), asm.BindLocal); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	if _, err := u.AddData("answer", []byte{42, 0}, asm.BindGlobal); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	u.AddRelocation(asm.Relocation{Offset: 1, Symbol: "puts", Kind: asm.RelocPLT32, Addend: -4})
	u.AddRelocation(asm.Relocation{Offset: 8, Symbol: "answer", Kind: asm.RelocPC32, Addend: -4})
	return u
}

func readBack(t *testing.T, b []byte) *elf.File {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestObjectHeaderAndSections(t *testing.T) {
	b, err := Encode(buildUnit(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f := readBack(t, b)

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		t.Fatalf("class=%v data=%v", f.Class, f.Data)
	}
	if f.Type != elf.ET_REL || f.Machine != elf.EM_X86_64 {
		t.Fatalf("type=%v machine=%v, want relocatable x86-64", f.Type, f.Machine)
	}

	want := []string{"", ".text", ".rela.text", ".data", ".symtab", ".strtab", ".shstrtab"}
	if len(f.Sections) != len(want) {
		t.Fatalf("sections=%d, want %d", len(f.Sections), len(want))
	}
	for idx, name := range want {
		if got := f.Sections[idx].Name; got != name {
			t.Fatalf("section %d=%q, want %q", idx, got, name)
		}
	}

	text := f.Section(".text")
	if text.Flags != elf.SHF_ALLOC|elf.SHF_EXECINSTR || text.Addralign != 16 {
		t.Fatalf(".text flags=%v align=%d", text.Flags, text.Addralign)
	}
	code, err := text.Data()
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if len(code) != 13 || code[0] != 0xe8 || code[12] != 0xc3 {
		t.Fatalf("text=% x", code)
	}

	data := f.Section(".data")
	if data.Flags != elf.SHF_ALLOC|elf.SHF_WRITE {
		t.Fatalf(".data flags=%v", data.Flags)
	}
	// Five bytes of data padded to four-byte granularity.
	if data.Size != 8 {
		t.Fatalf(".data size=%d, want 8", data.Size)
	}

	rela := f.Section(".rela.text")
	if rela.Link != 4 || rela.Info != 1 || rela.Type != elf.SHT_RELA {
		t.Fatalf(".rela.text link=%d info=%d type=%v", rela.Link, rela.Info, rela.Type)
	}
	if sym := f.Section(".symtab"); sym.Link != 5 {
		t.Fatalf(".symtab link=%d, want 5", sym.Link)
	}

	// Contents follow the header in file order, each at the running end
	// aligned to the section, with the section header table last.
	end := uint64(headerSize)
	for _, part := range []struct {
		name  string
		align uint64
	}{
		{".text", 16}, {".data", 8}, {".rela.text", 8}, {".symtab", 8}, {".strtab", 1}, {".shstrtab", 1},
	} {
		sec := f.Section(part.name)
		if want := align(end, part.align); sec.Offset != want {
			t.Fatalf("%s offset=%d, want %d", part.name, sec.Offset, want)
		}
		end = sec.Offset + sec.Size
	}
	if f.Section(".text").Offset != 64 || f.Section(".data").Offset != 80 || f.Section(".rela.text").Offset != 88 {
		t.Fatalf("text/data/rela offsets=%d/%d/%d, want 64/80/88",
			f.Section(".text").Offset, f.Section(".data").Offset, f.Section(".rela.text").Offset)
	}
	shoff := binary.LittleEndian.Uint64(b[0x28:])
	if want := align(end, 8); shoff != want {
		t.Fatalf("shoff=%d, want %d", shoff, want)
	}
	if want := shoff + shCount*sectionSize; uint64(len(b)) != want {
		t.Fatalf("file size=%d, want %d", len(b), want)
	}
}

func TestObjectSymbolTable(t *testing.T) {
	b, err := Encode(buildUnit(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f := readBack(t, b)
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}

	type want struct {
		name    string
		bind    elf.SymBind
		typ     elf.SymType
		section elf.SectionIndex
		value   uint64
	}
	wants := []want{
		{"prog", elf.STB_LOCAL, elf.STT_FILE, elf.SHN_ABS, 0},
		{"", elf.STB_LOCAL, elf.STT_SECTION, 1, 0},
		{"", elf.STB_LOCAL, elf.STT_SECTION, 3, 0},
		{"main.imm.0", elf.STB_LOCAL, elf.STT_OBJECT, 3, 0},
		{"main", elf.STB_GLOBAL, elf.STT_FUNC, 1, 0},
		{"answer", elf.STB_GLOBAL, elf.STT_OBJECT, 3, 3},
		{"puts", elf.STB_GLOBAL, elf.STT_NOTYPE, elf.SHN_UNDEF, 0},
	}
	if len(syms) != len(wants) {
		t.Fatalf("symbols=%v, want %d entries", syms, len(wants))
	}
	for idx, w := range wants {
		s := syms[idx]
		if s.Name != w.name || elf.ST_BIND(s.Info) != w.bind || elf.ST_TYPE(s.Info) != w.typ || s.Section != w.section || s.Value != w.value {
			t.Fatalf("symbol %d=%+v, want %+v", idx, s, w)
		}
	}
	if syms[4].Size != 13 {
		t.Fatalf("main size=%d, want 13", syms[4].Size)
	}
	// sh_info is one past the last local; the null entry counts.
	if info := f.Section(".symtab").Info; info != 5 {
		t.Fatalf(".symtab info=%d, want 5", info)
	}
}

func TestObjectRelocations(t *testing.T) {
	b, err := Encode(buildUnit(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f := readBack(t, b)
	raw, err := f.Section(".rela.text").Data()
	if err != nil {
		t.Fatalf("rela: %v", err)
	}
	relas := make([]elf.Rela64, len(raw)/relaSize)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, relas); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wants := []struct {
		off    uint64
		sym    uint32
		typ    elf.R_X86_64
		addend int64
	}{
		{1, 7, elf.R_X86_64_PLT32, -4},
		{8, 6, elf.R_X86_64_PC32, -4},
	}
	if len(relas) != len(wants) {
		t.Fatalf("relocations=%d, want %d", len(relas), len(wants))
	}
	for idx, w := range wants {
		r := relas[idx]
		if r.Off != w.off || elf.R_SYM64(r.Info) != w.sym || elf.R_X86_64(elf.R_TYPE64(r.Info)) != w.typ || r.Addend != w.addend {
			t.Fatalf("relocation %d: off=%d sym=%d type=%v addend=%d, want %+v",
				idx, r.Off, elf.R_SYM64(r.Info), elf.R_X86_64(elf.R_TYPE64(r.Info)), r.Addend, w)
		}
	}
}

func TestRelocationAgainstMissingSymbol(t *testing.T) {
	u := asm.NewUnit("bad")
	if _, err := u.Define(".Lf.top", asm.SymLabel, asm.BindLocal, asm.SectionText, 0); err != nil {
		t.Fatalf("Define: %v", err)
	}
	u.Emit([]byte{0xe9, 0, 0, 0, 0})
	u.AddRelocation(asm.Relocation{Offset: 1, Symbol: ".Lf.top", Kind: asm.RelocPC32, Addend: -4})

	_, err := Encode(u)
	var ie *lir.InternalError
	if !errors.As(err, &ie) || !errors.Is(err, lir.ErrInternal) {
		t.Fatalf("err=%v, want internal error", err)
	}
	if ie.Pass != passObject {
		t.Fatalf("pass=%q, want %q", ie.Pass, passObject)
	}
}

func TestEmptyUnit(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, asm.NewUnit("empty")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f := readBack(t, buf.Bytes())
	if got := f.Section(".text").Size; got != 0 {
		t.Fatalf(".text size=%d, want 0", got)
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(syms) != 3 {
		t.Fatalf("symbols=%d, want file and two section symbols", len(syms))
	}
}

func TestStrtabSharesSuffixes(t *testing.T) {
	s := newStrtab()
	rela := s.add(".rela.text")
	text := s.add(".text")
	if text != rela+5 {
		t.Fatalf(".text at %d, want suffix of .rela.text at %d", text, rela+5)
	}
	if again := s.add(".rela.text"); again != rela {
		t.Fatalf("re-adding moved the name to %d", again)
	}
}
