package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/lirc/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

func operandPrefix(size operandSize) []byte {
	if size == size16 {
		return []byte{0x66}
	}
	return nil
}

func chooseOpcode(size operandSize, wide, narrow byte) byte {
	if size == size8 {
		return narrow
	}
	return wide
}

// Fixup locates the rel32 field of a symbolic memory operand inside an
// encoding. Trailing counts the immediate bytes that follow the field, which
// the PC-relative addend has to account for.
type Fixup struct {
	Offset   int
	Trailing int
	Symbol   string
	TLS      bool
}

// Encoding is the machine code of one instruction.
type Encoding struct {
	Bytes []byte
	Fixup *Fixup
}

type memEncoding struct {
	modrm    byte
	sib      []byte
	disp     []byte
	rex      rexState
	symbolic bool
}

func le32(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func scaleBits(scale uint8) (byte, error) {
	switch scale {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	}
	return 0, fmt.Errorf("invalid scale %d", scale)
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	switch {
	case mem.rip:
		return memEncoding{modrm: 0x05, disp: make([]byte, 4), symbolic: true}, nil
	case mem.tls:
		// fs:[disp32] with neither base nor index.
		return memEncoding{modrm: 0x04, sib: []byte{0x25}, disp: make([]byte, 4), symbolic: true}, nil
	}

	ss, err := scaleBits(mem.scale)
	if err != nil {
		return memEncoding{}, err
	}

	var enc memEncoding
	if !mem.hasBase {
		enc.modrm = 0x04
		enc.sib = []byte{ss<<6 | mem.index.code()<<3 | 5}
		enc.rex.x = mem.index.high()
		enc.disp = le32(mem.disp)
		return enc, nil
	}

	base := mem.base
	enc.rex.b = base.high()

	switch {
	case mem.disp == 0 && base.code() != 5:
		enc.modrm = 0x00
	case mem.disp >= math.MinInt8 && mem.disp <= math.MaxInt8:
		// [rbp] / [r13] with zero displacement must use 8-bit displacement zero.
		enc.modrm = 0x40
		enc.disp = []byte{byte(int8(mem.disp))}
	default:
		enc.modrm = 0x80
		enc.disp = le32(mem.disp)
	}

	if mem.hasIndex || base.code() == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = mem.index.code()
			enc.rex.x = mem.index.high()
		}
		enc.sib = []byte{ss<<6 | indexCode<<3 | base.code()}
		enc.modrm |= 4
	} else {
		enc.modrm |= base.code()
	}
	return enc, nil
}

// modrmForm is a legacy-prefixed instruction with a ModRM operand. reg holds
// either a register number or an opcode extension digit.
type modrmForm struct {
	prefix  []byte
	w       bool
	opcode  []byte
	reg     byte
	regByte bool
	rm      Operand
	imm     []byte
}

func (f modrmForm) encode() (Encoding, error) {
	rex := rexState{
		w:     f.w,
		r:     f.reg&8 != 0,
		force: f.regByte && f.reg >= 4 && f.reg <= 7,
	}

	var (
		modrm byte
		mem   memEncoding
		sym   *Memory
	)
	switch rm := f.rm.(type) {
	case Reg:
		rex.b = rm.high()
		rex.force = rex.force || rm.needsByteREX()
		modrm = 0xC0 | rm.code()
	case Xmm:
		rex.b = rm.high()
		modrm = 0xC0 | rm.code()
	case Memory:
		var err error
		mem, err = encodeMemoryOperand(rm)
		if err != nil {
			return Encoding{}, err
		}
		rex.b = mem.rex.b
		rex.x = mem.rex.x
		modrm = mem.modrm
		if mem.symbolic {
			sym = &rm
		}
	default:
		return Encoding{}, fmt.Errorf("unsupported r/m operand %T", f.rm)
	}
	modrm |= (f.reg & 7) << 3

	out := make([]byte, 0, 16)
	if sym != nil && sym.tls {
		out = append(out, 0x64)
	}
	out = append(out, f.prefix...)
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, f.opcode...)
	out = append(out, modrm)
	out = append(out, mem.sib...)

	var fix *Fixup
	if sym != nil {
		fix = &Fixup{Offset: len(out), Trailing: len(f.imm), Symbol: sym.symbol, TLS: sym.tls}
	}
	out = append(out, mem.disp...)
	out = append(out, f.imm...)
	return Encoding{Bytes: out, Fixup: fix}, nil
}

// vexForm is a three-operand VEX encoded instruction from the 0F38 map with
// the 66 implied prefix. reg is the destination, vvvv the first source.
type vexForm struct {
	w      bool
	opcode byte
	reg    byte
	vvvv   byte
	rm     Operand
}

func (f vexForm) encode() (Encoding, error) {
	var (
		modrm byte
		mem   memEncoding
		sym   *Memory
		x, b  bool
	)
	switch rm := f.rm.(type) {
	case Xmm:
		b = rm.high()
		modrm = 0xC0 | rm.code()
	case Memory:
		var err error
		mem, err = encodeMemoryOperand(rm)
		if err != nil {
			return Encoding{}, err
		}
		x, b = mem.rex.x, mem.rex.b
		modrm = mem.modrm
		if mem.symbolic {
			sym = &rm
		}
	default:
		return Encoding{}, fmt.Errorf("unsupported vex r/m operand %T", f.rm)
	}
	modrm |= (f.reg & 7) << 3

	byte1 := byte(0x02) // map 0F38
	if f.reg&8 == 0 {
		byte1 |= 0x80
	}
	if !x {
		byte1 |= 0x40
	}
	if !b {
		byte1 |= 0x20
	}
	byte2 := (^f.vvvv&0x0F)<<3 | 0x01 // L=0, pp=66
	if f.w {
		byte2 |= 0x80
	}

	out := make([]byte, 0, 12)
	if sym != nil && sym.tls {
		out = append(out, 0x64)
	}
	out = append(out, 0xC4, byte1, byte2, f.opcode, modrm)
	out = append(out, mem.sib...)
	var fix *Fixup
	if sym != nil {
		fix = &Fixup{Offset: len(out), Symbol: sym.symbol, TLS: sym.tls}
	}
	out = append(out, mem.disp...)
	return Encoding{Bytes: out, Fixup: fix}, nil
}

func immBytes(size operandSize, value int64) ([]byte, error) {
	switch size {
	case size8:
		if value < math.MinInt8 || value > math.MaxUint8 {
			return nil, fmt.Errorf("imm8 %d: %w", value, asm.ErrRange)
		}
		return []byte{byte(value)}, nil
	case size16:
		if value < math.MinInt16 || value > math.MaxUint16 {
			return nil, fmt.Errorf("imm16 %d: %w", value, asm.ErrRange)
		}
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(value))
		return buf[:], nil
	default:
		if !fitsInt32(value) {
			return nil, fmt.Errorf("imm32 %d: %w", value, asm.ErrRange)
		}
		return le32(int32(value)), nil
	}
}

func fitsInt8(v int64) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

func gprSize(op Operand) (operandSize, error) {
	switch o := op.(type) {
	case Reg:
		return o.size, nil
	case Memory:
		return o.size, nil
	}
	return 0, fmt.Errorf("expected register or memory operand, got %T", op)
}

func encodeMovRegImm(reg Reg, value int64) (Encoding, error) {
	if reg.size == size64 && fitsInt32(value) {
		// Sign-extended imm32 form.
		return modrmForm{w: true, opcode: []byte{0xC7}, rm: reg, imm: le32(int32(value))}.encode()
	}

	rex := rexState{
		w:     reg.size == size64,
		b:     reg.high(),
		force: reg.needsByteREX(),
	}

	var (
		opcode = 0xB8 + reg.code()
		imm    []byte
	)
	switch reg.size {
	case size64:
		imm = make([]byte, 8)
		binary.LittleEndian.PutUint64(imm, uint64(value))
	case size32:
		if value < math.MinInt32 || value > math.MaxUint32 {
			return Encoding{}, fmt.Errorf("mov %s, %d: %w", reg, value, asm.ErrRange)
		}
		imm = make([]byte, 4)
		binary.LittleEndian.PutUint32(imm, uint32(value))
	case size16, size8:
		var err error
		if imm, err = immBytes(reg.size, value); err != nil {
			return Encoding{}, err
		}
		if reg.size == size8 {
			opcode = 0xB0 + reg.code()
		}
	default:
		return Encoding{}, fmt.Errorf("unsupported register width %d", reg.size)
	}

	out := make([]byte, 0, 10)
	out = append(out, operandPrefix(reg.size)...)
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, opcode)
	out = append(out, imm...)
	return Encoding{Bytes: out}, nil
}

func encodeMov(dst, src Operand) (Encoding, error) {
	switch d := dst.(type) {
	case Reg:
		switch s := src.(type) {
		case Reg:
			if err := s.checkWidth(d.size); err != nil {
				return Encoding{}, err
			}
			return modrmForm{
				prefix: operandPrefix(d.size), w: d.size == size64,
				opcode: []byte{chooseOpcode(d.size, 0x89, 0x88)},
				reg:    byte(s.id), regByte: d.size == size8, rm: d,
			}.encode()
		case Memory:
			return modrmForm{
				prefix: operandPrefix(d.size), w: d.size == size64,
				opcode: []byte{chooseOpcode(d.size, 0x8B, 0x8A)},
				reg:    byte(d.id), regByte: d.size == size8, rm: s,
			}.encode()
		case Imm:
			return encodeMovRegImm(d, int64(s))
		}
	case Memory:
		switch s := src.(type) {
		case Reg:
			return modrmForm{
				prefix: operandPrefix(s.size), w: s.size == size64,
				opcode: []byte{chooseOpcode(s.size, 0x89, 0x88)},
				reg:    byte(s.id), regByte: s.size == size8, rm: d,
			}.encode()
		case Imm:
			imm, err := immBytes(d.size, int64(s))
			if err != nil {
				return Encoding{}, err
			}
			return modrmForm{
				prefix: operandPrefix(d.size), w: d.size == size64,
				opcode: []byte{chooseOpcode(d.size, 0xC7, 0xC6)},
				rm:     d, imm: imm,
			}.encode()
		}
	}
	return Encoding{}, fmt.Errorf("mov %T, %T: unsupported operand combination", dst, src)
}

// encodeExtend covers movzx, movsx and movsxd.
func encodeExtend(signed bool, dst Reg, src Operand) (Encoding, error) {
	srcSize, err := gprSize(src)
	if err != nil {
		return Encoding{}, err
	}
	if dst.size <= srcSize {
		return Encoding{}, fmt.Errorf("extension from %d to %d bits", srcSize*8, dst.size*8)
	}
	var opcode []byte
	switch {
	case srcSize == size32 && signed:
		opcode = []byte{0x63}
	case srcSize == size32:
		// Writing the 32-bit register clears the upper half.
		return encodeMov(RegSized(dst.id, 4), src)
	case signed:
		opcode = []byte{0x0F, chooseOpcode(srcSize, 0xBF, 0xBE)}
	default:
		opcode = []byte{0x0F, chooseOpcode(srcSize, 0xB7, 0xB6)}
	}
	return modrmForm{
		prefix: operandPrefix(dst.size), w: dst.size == size64,
		opcode: opcode, reg: byte(dst.id), rm: src,
	}.encode()
}

// aluDigit is the /digit of the classic two-operand ALU group.
var aluDigit = map[Op]byte{OpAdd: 0, OpOr: 1, OpAnd: 4, OpSub: 5, OpXor: 6, OpCmp: 7}

func encodeALU(op Op, dst, src Operand) (Encoding, error) {
	digit := aluDigit[op]
	size, err := gprSize(dst)
	if err != nil {
		return Encoding{}, err
	}
	prefix := operandPrefix(size)
	w := size == size64

	switch s := src.(type) {
	case Reg:
		if err := s.checkWidth(size); err != nil {
			return Encoding{}, err
		}
		return modrmForm{
			prefix: prefix, w: w,
			opcode: []byte{chooseOpcode(size, digit<<3|1, digit<<3)},
			reg:    byte(s.id), regByte: size == size8, rm: dst,
		}.encode()
	case Memory:
		d, ok := dst.(Reg)
		if !ok {
			return Encoding{}, fmt.Errorf("%s: memory to memory", op)
		}
		return modrmForm{
			prefix: prefix, w: w,
			opcode: []byte{chooseOpcode(size, digit<<3|3, digit<<3|2)},
			reg:    byte(d.id), regByte: size == size8, rm: s,
		}.encode()
	case Imm:
		value := int64(s)
		switch {
		case size == size8:
			imm, err := immBytes(size8, value)
			if err != nil {
				return Encoding{}, err
			}
			return modrmForm{opcode: []byte{0x80}, reg: digit, rm: dst, imm: imm}.encode()
		case fitsInt8(value):
			return modrmForm{prefix: prefix, w: w, opcode: []byte{0x83}, reg: digit, rm: dst, imm: []byte{byte(value)}}.encode()
		default:
			imm, err := immBytes(size, value)
			if err != nil {
				return Encoding{}, err
			}
			return modrmForm{prefix: prefix, w: w, opcode: []byte{0x81}, reg: digit, rm: dst, imm: imm}.encode()
		}
	}
	return Encoding{}, fmt.Errorf("%s: unsupported source %T", op, src)
}

func encodeTest(dst, src Operand) (Encoding, error) {
	size, err := gprSize(dst)
	if err != nil {
		return Encoding{}, err
	}
	switch s := src.(type) {
	case Reg:
		return modrmForm{
			prefix: operandPrefix(size), w: size == size64,
			opcode: []byte{chooseOpcode(size, 0x85, 0x84)},
			reg:    byte(s.id), regByte: size == size8, rm: dst,
		}.encode()
	case Imm:
		imm, err := immBytes(size, int64(s))
		if err != nil {
			return Encoding{}, err
		}
		return modrmForm{
			prefix: operandPrefix(size), w: size == size64,
			opcode: []byte{chooseOpcode(size, 0xF7, 0xF6)},
			rm:     dst, imm: imm,
		}.encode()
	}
	return Encoding{}, fmt.Errorf("test: unsupported source %T", src)
}

func encodeImul(dst Reg, src Operand, factor Operand) (Encoding, error) {
	if dst.size == size8 {
		return Encoding{}, fmt.Errorf("imul unsupported width %d", dst.size*8)
	}
	prefix := operandPrefix(dst.size)
	w := dst.size == size64
	if factor == nil {
		return modrmForm{prefix: prefix, w: w, opcode: []byte{0x0F, 0xAF}, reg: byte(dst.id), rm: src}.encode()
	}
	k, ok := factor.(Imm)
	if !ok {
		return Encoding{}, fmt.Errorf("imul: third operand must be immediate")
	}
	if fitsInt8(int64(k)) {
		return modrmForm{prefix: prefix, w: w, opcode: []byte{0x6B}, reg: byte(dst.id), rm: src, imm: []byte{byte(k)}}.encode()
	}
	imm, err := immBytes(dst.size, int64(k))
	if err != nil {
		return Encoding{}, err
	}
	return modrmForm{prefix: prefix, w: w, opcode: []byte{0x69}, reg: byte(dst.id), rm: src, imm: imm}.encode()
}

var unaryDigit = map[Op]byte{OpNot: 2, OpNeg: 3, OpDiv: 6, OpIdiv: 7}

func encodeUnary(op Op, dst Operand) (Encoding, error) {
	size, err := gprSize(dst)
	if err != nil {
		return Encoding{}, err
	}
	return modrmForm{
		prefix: operandPrefix(size), w: size == size64,
		opcode: []byte{chooseOpcode(size, 0xF7, 0xF6)},
		reg:    unaryDigit[op], rm: dst,
	}.encode()
}

var shiftDigit = map[Op]byte{OpShl: 4, OpShr: 5, OpSar: 7}

func encodeShift(op Op, dst, count Operand) (Encoding, error) {
	size, err := gprSize(dst)
	if err != nil {
		return Encoding{}, err
	}
	switch c := count.(type) {
	case Imm:
		if c < 0 || c > 63 {
			return Encoding{}, fmt.Errorf("shift count %d: %w", c, asm.ErrRange)
		}
		return modrmForm{
			prefix: operandPrefix(size), w: size == size64,
			opcode: []byte{chooseOpcode(size, 0xC1, 0xC0)},
			reg:    shiftDigit[op], rm: dst, imm: []byte{byte(c)},
		}.encode()
	case Reg:
		if c.id != RCX || c.size != size8 {
			return Encoding{}, fmt.Errorf("variable shift count must be cl, got %s", c)
		}
		return modrmForm{
			prefix: operandPrefix(size), w: size == size64,
			opcode: []byte{chooseOpcode(size, 0xD3, 0xD2)},
			reg:    shiftDigit[op], rm: dst,
		}.encode()
	}
	return Encoding{}, fmt.Errorf("%s: unsupported count %T", op, count)
}

func encodePushPop(push bool, op Operand) (Encoding, error) {
	switch o := op.(type) {
	case Reg:
		if err := o.checkWidth(size64); err != nil {
			return Encoding{}, err
		}
		base := byte(0x58)
		if push {
			base = 0x50
		}
		out := []byte{}
		if o.high() {
			out = append(out, 0x41)
		}
		return Encoding{Bytes: append(out, base+o.code())}, nil
	case Memory:
		if push {
			return modrmForm{opcode: []byte{0xFF}, reg: 6, rm: o}.encode()
		}
		return modrmForm{opcode: []byte{0x8F}, reg: 0, rm: o}.encode()
	case Imm:
		if !push {
			break
		}
		if fitsInt8(int64(o)) {
			return Encoding{Bytes: []byte{0x6A, byte(o)}}, nil
		}
		imm, err := immBytes(size32, int64(o))
		if err != nil {
			return Encoding{}, err
		}
		return Encoding{Bytes: append([]byte{0x68}, imm...)}, nil
	}
	return Encoding{}, fmt.Errorf("push/pop: unsupported operand %T", op)
}

// scalarPrefix selects the F2 (double) or F3 (single) mandatory prefix.
func scalarPrefix(size operandSize) []byte {
	if size == size32 {
		return []byte{0xF3}
	}
	return []byte{0xF2}
}

func xmmSize(op Operand) (operandSize, error) {
	switch o := op.(type) {
	case Xmm:
		return o.size, nil
	case Memory:
		return o.size, nil
	}
	return 0, fmt.Errorf("expected xmm or memory operand, got %T", op)
}

var scalarOpcode = map[Op]byte{OpAdds: 0x58, OpMuls: 0x59, OpSubs: 0x5C, OpDivs: 0x5E}

func encodeScalar(op Op, dst, src Operand) (Encoding, error) {
	switch op {
	case OpMovs:
		if d, ok := dst.(Memory); ok {
			s, ok := src.(Xmm)
			if !ok {
				return Encoding{}, fmt.Errorf("movs store needs xmm source")
			}
			return modrmForm{prefix: scalarPrefix(d.size), opcode: []byte{0x0F, 0x11}, reg: byte(s.id), rm: d}.encode()
		}
		d, ok := dst.(Xmm)
		if !ok {
			return Encoding{}, fmt.Errorf("movs: unsupported destination %T", dst)
		}
		return modrmForm{prefix: scalarPrefix(d.size), opcode: []byte{0x0F, 0x10}, reg: byte(d.id), rm: src}.encode()
	case OpUcomis:
		d, ok := dst.(Xmm)
		if !ok {
			return Encoding{}, fmt.Errorf("ucomis: destination must be xmm")
		}
		var prefix []byte
		if d.size == size64 {
			prefix = []byte{0x66}
		}
		return modrmForm{prefix: prefix, opcode: []byte{0x0F, 0x2E}, reg: byte(d.id), rm: src}.encode()
	case OpXorps:
		d, ok := dst.(Xmm)
		if !ok {
			return Encoding{}, fmt.Errorf("xorps: destination must be xmm")
		}
		return modrmForm{opcode: []byte{0x0F, 0x57}, reg: byte(d.id), rm: src}.encode()
	case OpCvts2s:
		d, ok := dst.(Xmm)
		if !ok {
			return Encoding{}, fmt.Errorf("cvts2s: destination must be xmm")
		}
		size, err := xmmSize(src)
		if err != nil {
			return Encoding{}, err
		}
		return modrmForm{prefix: scalarPrefix(size), opcode: []byte{0x0F, 0x5A}, reg: byte(d.id), rm: src}.encode()
	case OpCvtsi2s:
		d, ok := dst.(Xmm)
		if !ok {
			return Encoding{}, fmt.Errorf("cvtsi2s: destination must be xmm")
		}
		size, err := gprSize(src)
		if err != nil {
			return Encoding{}, err
		}
		if size < size32 {
			return Encoding{}, fmt.Errorf("cvtsi2s: source must be 32 or 64 bits")
		}
		return modrmForm{prefix: scalarPrefix(d.size), w: size == size64, opcode: []byte{0x0F, 0x2A}, reg: byte(d.id), rm: src}.encode()
	case OpCvtts2si:
		d, ok := dst.(Reg)
		if !ok || d.size < size32 {
			return Encoding{}, fmt.Errorf("cvtts2si: destination must be a 32 or 64-bit register")
		}
		size, err := xmmSize(src)
		if err != nil {
			return Encoding{}, err
		}
		return modrmForm{prefix: scalarPrefix(size), w: d.size == size64, opcode: []byte{0x0F, 0x2C}, reg: byte(d.id), rm: src}.encode()
	case OpMovq:
		if x, ok := dst.(Xmm); ok {
			size, err := gprSize(src)
			if err != nil {
				return Encoding{}, err
			}
			return modrmForm{prefix: []byte{0x66}, w: size == size64, opcode: []byte{0x0F, 0x6E}, reg: byte(x.id), rm: src}.encode()
		}
		x, ok := src.(Xmm)
		if !ok {
			return Encoding{}, fmt.Errorf("movq: one operand must be xmm")
		}
		size, err := gprSize(dst)
		if err != nil {
			return Encoding{}, err
		}
		return modrmForm{prefix: []byte{0x66}, w: size == size64, opcode: []byte{0x0F, 0x7E}, reg: byte(x.id), rm: dst}.encode()
	}

	d, ok := dst.(Xmm)
	if !ok {
		return Encoding{}, fmt.Errorf("%s: destination must be xmm", op)
	}
	return modrmForm{prefix: scalarPrefix(d.size), opcode: []byte{0x0F, scalarOpcode[op]}, reg: byte(d.id), rm: src}.encode()
}

var fmaOpcode = map[Op]byte{OpVfmadd231: 0xB9, OpVfmsub231: 0xBB, OpVfnmadd231: 0xBD}

func encodeFMA(op Op, dst, src, src2 Operand) (Encoding, error) {
	d, ok := dst.(Xmm)
	if !ok {
		return Encoding{}, fmt.Errorf("%s: destination must be xmm", op)
	}
	s, ok := src.(Xmm)
	if !ok {
		return Encoding{}, fmt.Errorf("%s: first source must be xmm", op)
	}
	return vexForm{w: d.size == size64, opcode: fmaOpcode[op], reg: byte(d.id), vvvv: byte(s.id), rm: src2}.encode()
}

// encodeRel emits the displacement form of a direct branch or call.
func encodeRel(op Op, cond Cond, disp int64, short bool) ([]byte, error) {
	if short {
		if op == OpCall {
			return nil, fmt.Errorf("call has no rel8 form")
		}
		if !fitsInt8(disp) {
			return nil, fmt.Errorf("rel8 displacement %d: %w", disp, asm.ErrRange)
		}
		if op == OpJmp {
			return []byte{0xEB, byte(int8(disp))}, nil
		}
		return []byte{0x70 + byte(cond), byte(int8(disp))}, nil
	}
	if !fitsInt32(disp) {
		return nil, fmt.Errorf("rel32 displacement %d: %w", disp, asm.ErrRange)
	}
	rel := le32(int32(disp))
	switch op {
	case OpCall:
		return append([]byte{0xE8}, rel...), nil
	case OpJmp:
		return append([]byte{0xE9}, rel...), nil
	case OpJcc:
		return append([]byte{0x0F, 0x80 + byte(cond)}, rel...), nil
	}
	return nil, fmt.Errorf("%s is not a branch", op)
}

// relSize is the encoded length of a direct branch.
func relSize(op Op, short bool) int {
	switch {
	case short:
		return 2
	case op == OpJcc:
		return 6
	}
	return 5
}
