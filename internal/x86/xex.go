// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// b2i is a helper function to convert
// a boolean to an integer. The result
// is one if `b` is true and 0 otherwise.
func b2i(b bool) byte {
	if b {
		return 1
	}

	return 0
}

// SIMDPrefix is the prefix that selects
// between the variants of a vector
// instruction, either through a legacy
// prefix or the pp field of a vector
// prefix.
type SIMDPrefix uint8

const (
	SIMDPrefixNone SIMDPrefix = 0b00
	SIMDPrefix66   SIMDPrefix = 0b01
	SIMDPrefixF3   SIMDPrefix = 0b10
	SIMDPrefixF2   SIMDPrefix = 0b11
)

// LegacyPrefix returns the legacy prefix
// equivalent to the SIMD prefix.
func (p SIMDPrefix) LegacyPrefix() (LegacyPrefix, bool) {
	switch p {
	case SIMDPrefix66:
		return PrefixOperandSize, true
	case SIMDPrefixF3:
		return PrefixRepeat, true
	case SIMDPrefixF2:
		return PrefixRepeatNot, true
	default:
		return 0, false
	}
}

func (p SIMDPrefix) String() string {
	switch p {
	case SIMDPrefixNone:
		return "NP"
	case SIMDPrefix66:
		return "66"
	case SIMDPrefixF3:
		return "F3"
	case SIMDPrefixF2:
		return "F2"
	default:
		return fmt.Sprintf("SIMDPrefix(%d)", p)
	}
}

// OpcodeMap identifies the table in
// which an opcode's main byte is
// looked up.
type OpcodeMap uint8

const (
	OpcodeMapDefault OpcodeMap = iota
	OpcodeMap0F
	OpcodeMap0F38
	OpcodeMap0F3A
	OpcodeMap5 // EVEX only.
	OpcodeMap6 // EVEX only.
	OpcodeMapXOP8
	OpcodeMapXOP9
	OpcodeMapXOP10
)

// ErrInvalidOpcodeMap indicates that a
// vector prefix selected a reserved
// opcode map.
var ErrInvalidOpcodeMap = errors.New("invalid opcode map")

// EscapeBytes returns the escape bytes
// that select the map in a legacy
// encoding.
func (m OpcodeMap) EscapeBytes() ([]byte, bool) {
	switch m {
	case OpcodeMapDefault:
		return nil, true
	case OpcodeMap0F:
		return []byte{0x0f}, true
	case OpcodeMap0F38:
		return []byte{0x0f, 0x38}, true
	case OpcodeMap0F3A:
		return []byte{0x0f, 0x3a}, true
	default:
		return nil, false
	}
}

// IsXOP returns whether the map can only
// be selected by an XOP prefix.
func (m OpcodeMap) IsXOP() bool {
	return m == OpcodeMapXOP8 || m == OpcodeMapXOP9 || m == OpcodeMapXOP10
}

// VEXMap returns the map selected by the
// m-mmmm field of a VEX prefix.
func VEXMap(m_mmmm byte) (OpcodeMap, error) {
	switch m_mmmm {
	case 0b0_0001:
		return OpcodeMap0F, nil
	case 0b0_0010:
		return OpcodeMap0F38, nil
	case 0b0_0011:
		return OpcodeMap0F3A, nil
	default:
		return 0, fmt.Errorf("%w: VEX.m-mmmm %05b", ErrInvalidOpcodeMap, m_mmmm)
	}
}

// XOPMap returns the map selected by the
// m-mmmm field of an XOP prefix.
func XOPMap(m_mmmm byte) (OpcodeMap, error) {
	switch m_mmmm {
	case 0b0_1000:
		return OpcodeMapXOP8, nil
	case 0b0_1001:
		return OpcodeMapXOP9, nil
	case 0b0_1010:
		return OpcodeMapXOP10, nil
	default:
		return 0, fmt.Errorf("%w: XOP.m-mmmm %05b", ErrInvalidOpcodeMap, m_mmmm)
	}
}

// EVEXMap returns the map selected by the
// mmm field of an EVEX prefix.
func EVEXMap(mmm byte) (OpcodeMap, error) {
	switch mmm {
	case 0b001:
		return OpcodeMap0F, nil
	case 0b010:
		return OpcodeMap0F38, nil
	case 0b011:
		return OpcodeMap0F3A, nil
	case 0b101:
		return OpcodeMap5, nil
	case 0b110:
		return OpcodeMap6, nil
	default:
		return 0, fmt.Errorf("%w: EVEX.mmm %03b", ErrInvalidOpcodeMap, mmm)
	}
}

func (m OpcodeMap) String() string {
	switch m {
	case OpcodeMapDefault:
		return "default"
	case OpcodeMap0F:
		return "0F"
	case OpcodeMap0F38:
		return "0F38"
	case OpcodeMap0F3A:
		return "0F3A"
	case OpcodeMap5:
		return "MAP5"
	case OpcodeMap6:
		return "MAP6"
	case OpcodeMapXOP8:
		return "XOP8"
	case OpcodeMapXOP9:
		return "XOP9"
	case OpcodeMapXOP10:
		return "XOP10"
	default:
		return fmt.Sprintf("OpcodeMap(%d)", m)
	}
}

// REX provides helper functionality
// for reading and writing a REX
// prefix byte.
type REX byte

// Intel x86 manuals, Volume 2A,
// Section 2.2.1.2, Table 2-4.
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 0  1  0  0   W  R  X  B |

// IsREX returns whether b is a REX
// prefix in long mode.
func IsREX(b byte) bool { return b&0xf0 == 0x40 }

func (r REX) On() bool       { return ((r >> 6) & 1) == 1 }
func (r REX) W() bool        { return ((r >> 3) & 1) == 1 }
func (r REX) R() bool        { return ((r >> 2) & 1) == 1 }
func (r REX) X() bool        { return ((r >> 1) & 1) == 1 }
func (r REX) B() bool        { return ((r >> 0) & 1) == 1 }
func (r *REX) SetOn()        { *r |= (1 << 6) }
func (r *REX) SetW(b bool)   { *r = (*r & 0b11110111) | (REX(b2i(b)) << 3) }
func (r *REX) SetR(b bool)   { *r = (*r & 0b11111011) | (REX(b2i(b)) << 2) }
func (r *REX) SetX(b bool)   { *r = (*r & 0b11111101) | (REX(b2i(b)) << 1) }
func (r *REX) SetB(b bool)   { *r = (*r & 0b11111110) | (REX(b2i(b)) << 0) }
func (r REX) String() string { return fmt.Sprintf("%08b", byte(r)) }

// VEX provides helper functionality
// for reading and writing a VEX
// prefix.
//
// We always store VEX prefixes in
// the 3-byte form but can import
// from and export to the 2-byte
// form.
//
// The R, X, B, and vvvv fields are
// stored inverted, as they appear
// in machine code.
type VEX [2]byte

// Intel x86 manuals, Volume 2A,
// Section 2.3.5, Table 2-9.
//
// 3-byte form:
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 1  1  0  0   0  1  0  0 | // 0xc4 prefix.
// 	| R  X  B  m   m  m  m  m | // P0.
// 	| W  v  v  v   v  L  p  p | // P1.
//
// 2-byte form:
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 1  1  0  0   0  1  0  1 | // 0xc5 prefix.
// 	| R  v  v  v   v  L  p  p | // P0.

// VEXFrom2Byte expands the payload of
// a 2-byte VEX prefix into the 3-byte
// form.
func VEXFrom2Byte(p0 byte) VEX {
	var v VEX
	v.SetR(p0&0x80 != 0)
	v.SetX(true)
	v.SetB(true)
	v.SetM_MMMM(0b0_0001)
	v[1] = p0 & 0b0111_1111 // W is always zero.
	return v
}

// P0.
func (v VEX) R() bool      { return ((v[0] >> 7) & 1) == 1 }
func (v VEX) X() bool      { return ((v[0] >> 6) & 1) == 1 }
func (v VEX) B() bool      { return ((v[0] >> 5) & 1) == 1 }
func (v VEX) M_MMMM() byte { return v[0] & 0b1_1111 }

// P1.
func (v VEX) W() bool    { return ((v[1] >> 7) & 1) == 1 }
func (v VEX) VVVV() byte { return (v[1] >> 3) & 0b1111 }
func (v VEX) L() bool    { return ((v[1] >> 2) & 1) == 1 }
func (v VEX) PP() byte   { return v[1] & 0b11 }

// P0.
func (v *VEX) SetR(b bool)      { v[0] = v[0]&0b0111_1111 | (b2i(b) << 7) }
func (v *VEX) SetX(b bool)      { v[0] = v[0]&0b1011_1111 | (b2i(b) << 6) }
func (v *VEX) SetB(b bool)      { v[0] = v[0]&0b1101_1111 | (b2i(b) << 5) }
func (v *VEX) SetM_MMMM(b byte) { v[0] = v[0]&0b1110_0000 | (b & 0b1_1111) }

// P1.
func (v *VEX) SetW(b bool)    { v[1] = v[1]&0b0111_1111 | (b2i(b) << 7) }
func (v *VEX) SetVVVV(b byte) { v[1] = v[1]&0b1000_0111 | ((b & 0b1111) << 3) }
func (v *VEX) SetL(b bool)    { v[1] = v[1]&0b1111_1011 | (b2i(b) << 2) }
func (v *VEX) SetPP(b byte)   { v[1] = v[1]&0b1111_1100 | (b & 0b11) }

// Can2Byte returns whether the prefix
// can be expressed in the 2-byte form.
func (v VEX) Can2Byte() bool {
	return v.X() && v.B() && !v.W() && v.M_MMMM() == 0b0_0001
}

func (v VEX) Encode2Byte() (b1, b2 byte) {
	// We're working on a copy, so we
	// can make changes safely. This
	// simplifies the encoding process.
	v.SetW(v.R())
	return 0xc5, v[1]
}

func (v VEX) Encode3Byte() (b1, b2, b3 byte) {
	return 0xc4, v[0], v[1]
}

func (v VEX) String() string {
	return fmt.Sprintf("{R: %b, X: %b, B: %b, m-mmmm: %05b, W: %b, vvvv: %04b, L: %b, pp: %02b}",
		b2i(v.R()), b2i(v.X()), b2i(v.B()), v.M_MMMM(),
		b2i(v.W()), v.VVVV(), b2i(v.L()), v.PP())
}

// XOP provides helper functionality
// for reading and writing an AMD XOP
// prefix, which has the same layout
// as a 3-byte VEX prefix, but uses
// 0x8f as its lead byte and selects
// maps 8 to 10.
type XOP VEX

func (x XOP) VEX() VEX { return VEX(x) }

func (x XOP) Encode() (b1, b2, b3 byte) {
	return 0x8f, x[0], x[1]
}

func (x XOP) String() string { return VEX(x).String() }

// EVEX provides helper functionality
// for reading and writing an EVEX
// prefix.
type EVEX [3]byte

// Intel x86 manuals, Volume 2A,
// Section 2.6.1, Table 2-11.
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 0  1  1  0   0  0  1  0 | // 0x62 prefix.
// 	| R  X  B  R'  0  m  m  m | // P0.
// 	| W  v  v  v   v  1  p  p | // P1.
// 	| z  L' L  b   V' a  a  a | // P2.

// P0.
func (p EVEX) R() bool   { return ((p[0] >> 7) & 1) == 1 }
func (p EVEX) X() bool   { return ((p[0] >> 6) & 1) == 1 }
func (p EVEX) B() bool   { return ((p[0] >> 5) & 1) == 1 }
func (p EVEX) Rp() bool  { return ((p[0] >> 4) & 1) == 1 }
func (p EVEX) MMM() byte { return p[0] & 0b111 }

// P1.
func (p EVEX) W() bool    { return ((p[1] >> 7) & 1) == 1 }
func (p EVEX) VVVV() byte { return (p[1] >> 3) & 0b1111 }
func (p EVEX) PP() byte   { return p[1] & 0b11 }

// P2.
func (p EVEX) Z() bool   { return ((p[2] >> 7) & 1) == 1 }
func (p EVEX) Lp() bool  { return ((p[2] >> 6) & 1) == 1 }
func (p EVEX) L() bool   { return ((p[2] >> 5) & 1) == 1 }
func (p EVEX) Br() bool  { return ((p[2] >> 4) & 1) == 1 }
func (p EVEX) Vp() bool  { return ((p[2] >> 3) & 1) == 1 }
func (p EVEX) AAA() byte { return p[2] & 0b111 }

// P0.
func (p *EVEX) SetR(b bool)   { p[0] = p[0]&0b0111_1111 | (b2i(b) << 7) }
func (p *EVEX) SetX(b bool)   { p[0] = p[0]&0b1011_1111 | (b2i(b) << 6) }
func (p *EVEX) SetB(b bool)   { p[0] = p[0]&0b1101_1111 | (b2i(b) << 5) }
func (p *EVEX) SetRp(b bool)  { p[0] = p[0]&0b1110_1111 | (b2i(b) << 4) }
func (p *EVEX) SetMMM(b byte) { p[0] = p[0]&0b1111_1000 | (b & 0b111) }

// P1.
func (p *EVEX) SetW(b bool)    { p[1] = p[1]&0b0111_1111 | (b2i(b) << 7) }
func (p *EVEX) SetVVVV(b byte) { p[1] = p[1]&0b1000_0111 | ((b & 0b1111) << 3) }
func (p *EVEX) SetOn(b bool)   { p[1] = p[1]&0b1111_1011 | (b2i(b) << 2) }
func (p *EVEX) SetPP(b byte)   { p[1] = p[1]&0b1111_1100 | (b & 0b11) }

// P2.
func (p *EVEX) SetZ(b bool)   { p[2] = p[2]&0b0111_1111 | (b2i(b) << 7) }
func (p *EVEX) SetLp(b bool)  { p[2] = p[2]&0b1011_1111 | (b2i(b) << 6) }
func (p *EVEX) SetL(b bool)   { p[2] = p[2]&0b1101_1111 | (b2i(b) << 5) }
func (p *EVEX) SetBr(b bool)  { p[2] = p[2]&0b1110_1111 | (b2i(b) << 4) }
func (p *EVEX) SetVp(b bool)  { p[2] = p[2]&0b1111_0111 | (b2i(b) << 3) }
func (p *EVEX) SetAAA(b byte) { p[2] = p[2]&0b1111_1000 | (b & 0b111) }

func (p EVEX) Encode() (prefix, p0, p1, p2 byte) {
	return 0x62, p[0], p[1], p[2]
}

func (p EVEX) String() string {
	return fmt.Sprintf("{R: %b, X: %b, B: %b, R': %b, mm: %03b // W: %b, vvvv: %04b, pp: %02b // z: %b, L': %b, L: %b, b: %b, V': %b, aaa: %03b}",
		b2i(p.R()), b2i(p.X()), b2i(p.B()), b2i(p.Rp()), p.MMM(),
		b2i(p.W()), p.VVVV(), p.PP(),
		b2i(p.Z()), b2i(p.Lp()), b2i(p.L()), b2i(p.Br()), b2i(p.Vp()), p.AAA())
}

// XexType identifies which of the
// mutually incompatible extension
// prefix forms precedes an opcode.
type XexType uint8

const (
	XexEscapes       XexType = iota // No REX or vector prefix, optional escape bytes.
	XexRexAndEscapes                // A REX prefix, then optional escape bytes.
	XexVEX2                         // A 2-byte VEX prefix.
	XexVEX3                         // A 3-byte VEX prefix.
	XexXOP                          // An AMD XOP prefix.
	XexEVEX                         // An EVEX prefix.
)

// AllowsEscapes returns whether opcode map
// escape bytes may follow the prefix.
func (t XexType) AllowsEscapes() bool { return t == XexEscapes || t == XexRexAndEscapes }

// IsVEX returns whether the type is
// either VEX form.
func (t XexType) IsVEX() bool { return t == XexVEX2 || t == XexVEX3 }

// IsVectorPrefix returns whether the type
// is a VEX, XOP, or EVEX prefix, which
// carries a SIMD prefix, vector length,
// and extra register.
func (t XexType) IsVectorPrefix() bool { return t >= XexVEX2 }

// LeadByte returns the byte that
// introduces the prefix, if any.
// The REX lead byte also carries
// the prefix's fields.
func (t XexType) LeadByte() (byte, bool) {
	switch t {
	case XexVEX2:
		return 0xc5, true
	case XexVEX3:
		return 0xc4, true
	case XexXOP:
		return 0x8f, true
	case XexEVEX:
		return 0x62, true
	default:
		return 0, false
	}
}

// PayloadBytes returns the number of
// bytes that follow the lead byte.
func (t XexType) PayloadBytes() int {
	switch t {
	case XexVEX2:
		return 1
	case XexVEX3, XexXOP:
		return 2
	case XexEVEX:
		return 3
	default:
		return 0
	}
}

func (t XexType) String() string {
	switch t {
	case XexEscapes:
		return "escapes"
	case XexRexAndEscapes:
		return "rex"
	case XexVEX2:
		return "vex2"
	case XexVEX3:
		return "vex3"
	case XexXOP:
		return "xop"
	case XexEVEX:
		return "evex"
	default:
		return fmt.Sprintf("XexType(%d)", t)
	}
}

// ClassifyLeadByte returns the extension
// prefix type that b may begin in the
// given code segment, and whether the
// following byte must be inspected to
// confirm it with ClassifyXex. Bytes that
// start no extension prefix are reported
// as XexEscapes.
func ClassifyLeadByte(mode CodeSegmentType, b byte) (typ XexType, lookahead bool) {
	switch {
	case mode.IsLongMode() && IsREX(b):
		return XexRexAndEscapes, false
	case b == 0xc5:
		return XexVEX2, mode.IsIA32()
	case b == 0xc4:
		return XexVEX3, mode.IsIA32()
	case b == 0x62:
		return XexEVEX, mode.IsIA32()
	case b == 0x8f:
		return XexXOP, true
	}

	return XexEscapes, false
}

// ClassifyXex confirms whether lead begins
// an extension prefix, given the byte that
// follows it.
//
// Outside long mode, 0xc5, 0xc4, and 0x62
// are also the LDS, LES, and BOUND opcodes,
// which only take memory operands, so a
// following byte that would be a register
// form ModR/M byte means the lead byte is
// a vector prefix. 0x8f is also POP r/m,
// whose ModR/M.reg is always zero, whereas
// XOP selects a map of at least 8.
//
// If lead is not an extension prefix,
// XexEscapes is returned and lead is the
// main opcode byte, with next as its
// ModR/M byte.
func ClassifyXex(mode CodeSegmentType, lead, next byte) XexType {
	typ, lookahead := ClassifyLeadByte(mode, lead)
	if !lookahead {
		return typ
	}

	switch typ {
	case XexVEX2, XexVEX3, XexEVEX:
		if ModRM(next).IsDirect() {
			return typ
		}
	case XexXOP:
		if next&0b1_1111 >= 0b0_1000 {
			return typ
		}
	}

	return XexEscapes
}

// Xex is the normalised form of the
// extension prefix that precedes an
// opcode: legacy escapes, REX, VEX,
// XOP, or EVEX.
//
// The register extension fields are
// stored with their logical values,
// so R is true when ModR/M.reg is
// extended, regardless of the prefix
// form.
//
// The zero value is a legacy prefix
// in the default opcode map.
type Xex struct {
	typ       XexType
	opcodeMap OpcodeMap
	simd      SIMDPrefix
	r, x, b   bool
	w         bool
	rp, vp    bool  // EVEX R' and V'.
	vvvv      uint8 // The non-destructive source register, without V'.
	l         uint8 // The vector length: 0 for 128, 1 for 256, and 2 for 512 bits.
	z, br     bool  // EVEX zeroing and broadcast/rounding.
	aaa       uint8 // EVEX opmask register.
	raw       [3]byte
}

// NewEscapesXex returns a legacy Xex
// without a REX prefix, with escape
// bytes selecting the given map.
func NewEscapesXex(m OpcodeMap) (Xex, error) {
	if _, ok := m.EscapeBytes(); !ok {
		return Xex{}, fmt.Errorf("%w: map %s cannot be selected by escape bytes", ErrInvalidOpcodeMap, m)
	}

	return Xex{typ: XexEscapes, opcodeMap: m}, nil
}

// NewREXXex returns a legacy Xex with
// a REX prefix, with escape bytes
// selecting the given map.
func NewREXXex(rex REX, m OpcodeMap) (Xex, error) {
	if _, ok := m.EscapeBytes(); !ok {
		return Xex{}, fmt.Errorf("%w: map %s cannot be selected by escape bytes", ErrInvalidOpcodeMap, m)
	}

	if !IsREX(byte(rex)) {
		return Xex{}, fmt.Errorf("invalid REX prefix %#02x", byte(rex))
	}

	x := Xex{
		typ:       XexRexAndEscapes,
		opcodeMap: m,
		r:         rex.R(),
		x:         rex.X(),
		b:         rex.B(),
		w:         rex.W(),
	}
	x.raw[0] = byte(rex)

	return x, nil
}

// NewVEX2Xex returns the Xex for a 2-byte
// VEX prefix, given the byte after 0xc5.
func NewVEX2Xex(p0 byte) Xex {
	x := newVEXXex(XexVEX2, VEXFrom2Byte(p0))
	x.opcodeMap = OpcodeMap0F
	x.raw = [3]byte{p0}
	return x
}

// NewVEX3Xex returns the Xex for a 3-byte
// VEX prefix, given the two bytes after
// 0xc4.
func NewVEX3Xex(p0, p1 byte) (Xex, error) {
	v := VEX{p0, p1}
	m, err := VEXMap(v.M_MMMM())
	if err != nil {
		return Xex{}, err
	}

	x := newVEXXex(XexVEX3, v)
	x.opcodeMap = m
	x.raw = [3]byte{p0, p1}
	return x, nil
}

// NewXOPXex returns the Xex for an XOP
// prefix, given the two bytes after
// 0x8f.
func NewXOPXex(p0, p1 byte) (Xex, error) {
	v := VEX{p0, p1}
	m, err := XOPMap(v.M_MMMM())
	if err != nil {
		return Xex{}, err
	}

	x := newVEXXex(XexXOP, v)
	x.opcodeMap = m
	x.raw = [3]byte{p0, p1}
	return x, nil
}

func newVEXXex(typ XexType, v VEX) Xex {
	return Xex{
		typ:  typ,
		simd: SIMDPrefix(v.PP()),
		r:    !v.R(),
		x:    !v.X(),
		b:    !v.B(),
		w:    v.W(),
		vvvv: ^v.VVVV() & 0b1111,
		l:    b2i(v.L()),
		rp:   false,
		vp:   false,
	}
}

// NewEVEXXex returns the Xex for an EVEX
// prefix, given the three bytes after
// 0x62.
func NewEVEXXex(p0, p1, p2 byte) (Xex, error) {
	p := EVEX{p0, p1, p2}
	m, err := EVEXMap(p.MMM())
	if err != nil {
		return Xex{}, err
	}

	x := Xex{
		typ:       XexEVEX,
		opcodeMap: m,
		simd:      SIMDPrefix(p.PP()),
		r:         !p.R(),
		x:         !p.X(),
		b:         !p.B(),
		rp:        !p.Rp(),
		w:         p.W(),
		vvvv:      ^p.VVVV() & 0b1111,
		vp:        !p.Vp(),
		l:         b2i(p.Lp())<<1 | b2i(p.L()),
		z:         p.Z(),
		br:        p.Br(),
		aaa:       p.AAA(),
		raw:       [3]byte{p0, p1, p2},
	}

	return x, nil
}

func (x Xex) Type() XexType        { return x.typ }
func (x Xex) OpcodeMap() OpcodeMap { return x.opcodeMap }

// R, X, and B return the register
// extension bits, which extend the
// ModR/M.reg, SIB.index, and ModR/M.rm
// or SIB.base fields, respectively.
func (x Xex) R() bool { return x.r }
func (x Xex) X() bool { return x.x }
func (x Xex) B() bool { return x.b }

// W returns REX.W, or the W field of
// a vector prefix.
func (x Xex) W() bool { return x.w }

// SIMDPrefix returns the SIMD prefix
// carried by a vector prefix. Legacy
// forms take their SIMD prefix from
// the legacy prefixes instead.
func (x Xex) SIMDPrefix() (SIMDPrefix, bool) {
	if !x.typ.IsVectorPrefix() {
		return 0, false
	}

	return x.simd, true
}

// VectorLength returns the L field
// (L'L for EVEX) of a vector prefix.
func (x Xex) VectorLength() (uint8, bool) {
	if !x.typ.IsVectorPrefix() {
		return 0, false
	}

	return x.l, true
}

// VectorSize returns the vector size
// selected by a vector prefix in bits.
func (x Xex) VectorSize() (int, bool) {
	l, ok := x.VectorLength()
	if !ok || l > 2 {
		return 0, false
	}

	return 128 << l, true
}

// NonDestructiveReg returns the register
// number in the vvvv field (plus V' for
// EVEX) of a vector prefix.
func (x Xex) NonDestructiveReg() (uint8, bool) {
	if !x.typ.IsVectorPrefix() {
		return 0, false
	}

	if x.typ == XexEVEX && x.vp {
		return x.vvvv | 0b1_0000, true
	}

	return x.vvvv, true
}

// EVEXFields contains the fields that
// only exist in an EVEX prefix.
type EVEXFields struct {
	Rp        bool  // R', extending ModR/M.reg to 5 bits.
	Vp        bool  // V', extending vvvv to 5 bits.
	Zeroing   bool  // z.
	Broadcast bool  // b, also used for rounding control.
	Opmask    uint8 // aaa.
}

// EVEX returns the EVEX-only fields.
func (x Xex) EVEX() (EVEXFields, bool) {
	if x.typ != XexEVEX {
		return EVEXFields{}, false
	}

	return EVEXFields{Rp: x.rp, Vp: x.vp, Zeroing: x.z, Broadcast: x.br, Opmask: x.aaa}, true
}

// REX returns the REX prefix byte,
// if any.
func (x Xex) REX() (REX, bool) {
	if x.typ != XexRexAndEscapes {
		return 0, false
	}

	return REX(x.raw[0]), true
}

// Len returns the number of bytes in
// the encoded prefix, including any
// escape bytes.
func (x Xex) Len() int {
	switch x.typ {
	case XexEscapes, XexRexAndEscapes:
		escapes, _ := x.opcodeMap.EscapeBytes()
		return int(b2i(x.typ == XexRexAndEscapes)) + len(escapes)
	default:
		return 1 + x.typ.PayloadBytes()
	}
}

// Bytes returns the encoded prefix,
// including any escape bytes.
func (x Xex) Bytes() []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, x.Len()))
	switch x.typ {
	case XexEscapes, XexRexAndEscapes:
		if x.typ == XexRexAndEscapes {
			b.AddUint8(x.raw[0])
		}

		escapes, _ := x.opcodeMap.EscapeBytes()
		b.AddBytes(escapes)
	default:
		lead, _ := x.typ.LeadByte()
		b.AddUint8(lead)
		b.AddBytes(x.raw[:x.typ.PayloadBytes()])
	}

	return b.BytesOrPanic()
}

func (x Xex) String() string {
	var s strings.Builder
	fmt.Fprintf(&s, "{%s, map: %s", x.typ, x.opcodeMap)
	if x.typ.IsVectorPrefix() {
		fmt.Fprintf(&s, ", pp: %s, L: %d, vvvv: %04b", x.simd, x.l, x.vvvv)
	}
	if x.typ != XexEscapes {
		fmt.Fprintf(&s, ", R: %b, X: %b, B: %b, W: %b", b2i(x.r), b2i(x.x), b2i(x.b), b2i(x.w))
	}
	if x.typ == XexEVEX {
		fmt.Fprintf(&s, ", R': %b, V': %b, z: %b, b: %b, aaa: %03b", b2i(x.rp), b2i(x.vp), b2i(x.z), b2i(x.br), x.aaa)
	}
	s.WriteByte('}')

	return s.String()
}
