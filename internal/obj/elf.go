// Package obj writes assembled units as ELF64 relocatable objects.
package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/samber/lo"

	"github.com/tinyrange/lirc/internal/asm"
	"github.com/tinyrange/lirc/internal/lir"
)

const passObject = "object"

// Section indices in the emitted file.
const (
	shNull = iota
	shText
	shRelaText
	shData
	shSymtab
	shStrtab
	shShstrtab
	shCount
)

const (
	headerSize  = 64
	sectionSize = 64
	symSize     = 24
	relaSize    = 24
)

// strtab builds a NUL separated string table. Names that are a suffix of an
// earlier entry share its bytes.
type strtab struct {
	buf []byte
	off map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, off: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.off[name]; ok {
		return off
	}
	if idx := bytes.Index(s.buf, append([]byte(name), 0)); idx > 0 {
		s.off[name] = uint32(idx)
		return uint32(idx)
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	s.off[name] = off
	return off
}

func align(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

func symType(k asm.SymbolKind) elf.SymType {
	switch k {
	case asm.SymFunc:
		return elf.STT_FUNC
	case asm.SymObject:
		return elf.STT_OBJECT
	}
	return elf.STT_NOTYPE
}

func sectionIndex(s asm.Section) elf.SectionIndex {
	switch s {
	case asm.SectionText:
		return shText
	case asm.SectionData:
		return shData
	}
	return elf.SHN_UNDEF
}

func relocType(k asm.RelocKind) elf.R_X86_64 {
	switch k {
	case asm.RelocPC32:
		return elf.R_X86_64_PC32
	case asm.RelocPLT32:
		return elf.R_X86_64_PLT32
	case asm.RelocTPOff32:
		return elf.R_X86_64_TPOFF32
	}
	return elf.R_X86_64_64
}

// Encode lays out u as an x86-64 ELF relocatable object.
//
// File layout: header, .text, .data, .rela.text, .symtab, .strtab,
// .shstrtab, section headers. Each offset is the end of the previous part
// rounded up to the section's alignment.
func Encode(u *asm.Unit) ([]byte, error) {
	text := u.Text()
	data := append([]byte(nil), u.Data()...)
	data = append(data, make([]byte, align(uint64(len(data)), 4)-uint64(len(data)))...)

	// Symbol table: null, file, section symbols, locals, then globals.
	strs := newStrtab()
	syms := []elf.Sym64{
		{},
		{Name: strs.add(u.Name), Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_FILE), Shndx: uint16(elf.SHN_ABS)},
		{Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), Shndx: shText},
		{Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), Shndx: shData},
	}
	index := make(map[string]uint32)
	emitted := lo.Filter(u.Symbols(), func(s *asm.Symbol, _ int) bool { return s.Kind != asm.SymLabel })
	locals, globals := lo.FilterReject(emitted, func(s *asm.Symbol, _ int) bool {
		return s.Binding == asm.BindLocal
	})
	firstGlobal := uint32(len(syms) + len(locals))
	for _, s := range append(locals, globals...) {
		bind := elf.STB_GLOBAL
		if s.Binding == asm.BindLocal {
			bind = elf.STB_LOCAL
		}
		index[s.Name] = uint32(len(syms))
		syms = append(syms, elf.Sym64{
			Name:  strs.add(s.Name),
			Info:  elf.ST_INFO(bind, symType(s.Kind)),
			Shndx: uint16(sectionIndex(s.Section)),
			Value: s.Value,
			Size:  s.Size,
		})
	}

	relas := make([]elf.Rela64, 0, len(u.Relocations()))
	for _, r := range u.Relocations() {
		sym, ok := index[r.Symbol]
		if !ok {
			return nil, lir.Internalf(passObject, nil, nil, "relocation at %#x references %q, which is not in the symbol table", r.Offset, r.Symbol)
		}
		relas = append(relas, elf.Rela64{
			Off:    r.Offset,
			Info:   elf.R_INFO(sym, uint32(relocType(r.Kind))),
			Addend: r.Addend,
		})
	}

	shstrs := newStrtab()
	nameRela := shstrs.add(".rela.text")
	nameText := shstrs.add(".text")
	nameData := shstrs.add(".data")
	nameShstrtab := shstrs.add(".shstrtab")
	nameSymtab := shstrs.add(".symtab")
	nameStrtab := shstrs.add(".strtab")

	off := uint64(headerSize)
	place := func(size, a uint64) uint64 {
		off = align(off, a)
		at := off
		off += size
		return at
	}
	textOff := place(uint64(len(text)), 16)
	dataOff := place(uint64(len(data)), 8)
	relaOff := place(uint64(len(relas))*relaSize, 8)
	symOff := place(uint64(len(syms))*symSize, 8)
	strOff := place(uint64(len(strs.buf)), 1)
	shstrOff := place(uint64(len(shstrs.buf)), 1)
	shOff := place(shCount*sectionSize, 8)

	sections := [shCount]elf.Section64{
		shText: {
			Name: nameText, Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:   textOff, Size: uint64(len(text)), Addralign: 16,
		},
		shRelaText: {
			Name: nameRela, Type: uint32(elf.SHT_RELA), Flags: uint64(elf.SHF_INFO_LINK),
			Off: relaOff, Size: uint64(len(relas)) * relaSize,
			Link: shSymtab, Info: shText, Addralign: 8, Entsize: relaSize,
		},
		shData: {
			Name: nameData, Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Off:   dataOff, Size: uint64(len(data)), Addralign: 8,
		},
		shSymtab: {
			Name: nameSymtab, Type: uint32(elf.SHT_SYMTAB),
			Off: symOff, Size: uint64(len(syms)) * symSize,
			Link: shStrtab, Info: firstGlobal, Addralign: 8, Entsize: symSize,
		},
		shStrtab: {
			Name: nameStrtab, Type: uint32(elf.SHT_STRTAB),
			Off: strOff, Size: uint64(len(strs.buf)), Addralign: 1,
		},
		shShstrtab: {
			Name: nameShstrtab, Type: uint32(elf.SHT_STRTAB),
			Off: shstrOff, Size: uint64(len(shstrs.buf)), Addralign: 1,
		},
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    headerSize,
		Shentsize: sectionSize,
		Shnum:     shCount,
		Shstrndx:  shShstrtab,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	w := &writer{buf: bytes.NewBuffer(make([]byte, 0, off))}
	w.put(hdr)
	w.at(textOff)
	w.raw(text)
	w.at(dataOff)
	w.raw(data)
	w.at(relaOff)
	w.put(relas)
	w.at(symOff)
	w.put(syms)
	w.at(strOff)
	w.raw(strs.buf)
	w.at(shstrOff)
	w.raw(shstrs.buf)
	w.at(shOff)
	w.put(sections)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// Write encodes u and writes the object to w.
func Write(w io.Writer, u *asm.Unit) error {
	b, err := Encode(u)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

type writer struct {
	buf *bytes.Buffer
	err error
}

// at pads the output up to off.
func (w *writer) at(off uint64) {
	if n := int(off) - w.buf.Len(); n > 0 {
		w.buf.Write(make([]byte, n))
	}
}

func (w *writer) raw(b []byte) { w.buf.Write(b) }

func (w *writer) put(v any) {
	if w.err == nil {
		w.err = binary.Write(w.buf, binary.LittleEndian, v)
	}
}
