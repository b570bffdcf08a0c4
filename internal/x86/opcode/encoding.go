// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package opcode describes the rules that identify
// x86 instructions from their machine code, and
// the ambiguity-checked tables used to look them up
// while decoding.
package opcode

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

// CodeSegmentSet is a set of code
// segment types.
type CodeSegmentSet uint8

const AllCodeSegments CodeSegmentSet = 1<<x86.CodeSegment16 | 1<<x86.CodeSegment32 | 1<<x86.CodeSegment64

func NewCodeSegmentSet(types ...x86.CodeSegmentType) CodeSegmentSet {
	var s CodeSegmentSet
	for _, t := range types {
		s |= 1 << t
	}

	return s
}

func (s CodeSegmentSet) Contains(t x86.CodeSegmentType) bool { return s&(1<<t) != 0 }

func (s CodeSegmentSet) String() string {
	return formatSet(uint8(s), func(i int) string { return fmt.Sprint(x86.CodeSegmentType(i).Bits()) })
}

// AddressSizeSet is a set of address
// sizes.
type AddressSizeSet uint8

const AllAddressSizes AddressSizeSet = 1<<x86.AddressSize16 | 1<<x86.AddressSize32 | 1<<x86.AddressSize64

func NewAddressSizeSet(sizes ...x86.AddressSize) AddressSizeSet {
	var s AddressSizeSet
	for _, size := range sizes {
		s |= 1 << size
	}

	return s
}

func (s AddressSizeSet) Contains(size x86.AddressSize) bool { return s&(1<<size) != 0 }

func (s AddressSizeSet) String() string {
	return formatSet(uint8(s), func(i int) string { return fmt.Sprint(x86.AddressSize(i).Bits()) })
}

// OperandSizeSet is a set of operand
// sizes.
type OperandSizeSet uint8

const AllOperandSizes OperandSizeSet = 1<<x86.OperandSize16 | 1<<x86.OperandSize32 | 1<<x86.OperandSize64

func NewOperandSizeSet(sizes ...x86.OperandSize) OperandSizeSet {
	var s OperandSizeSet
	for _, size := range sizes {
		s |= 1 << size
	}

	return s
}

func (s OperandSizeSet) Contains(size x86.OperandSize) bool { return s&(1<<size) != 0 }

// Only returns the operand size, if the
// set contains exactly one.
func (s OperandSizeSet) Only() (x86.OperandSize, bool) {
	if bits.OnesCount8(uint8(s)) != 1 {
		return 0, false
	}

	return x86.OperandSize(bits.TrailingZeros8(uint8(s))), true
}

func (s OperandSizeSet) String() string {
	return formatSet(uint8(s), func(i int) string { return fmt.Sprint(x86.OperandSize(i).Bits()) })
}

// VectorLengthSet is a set of values
// of a vector prefix's L (or L'L)
// field.
type VectorLengthSet uint8

const (
	VectorLength128 VectorLengthSet = 1 << 0
	VectorLength256 VectorLengthSet = 1 << 1
	VectorLength512 VectorLengthSet = 1 << 2

	AllVectorLengths VectorLengthSet = 0b1111
)

func (s VectorLengthSet) Contains(l uint8) bool { return l < 8 && s&(1<<l) != 0 }

func (s VectorLengthSet) String() string {
	return formatSet(uint8(s), func(i int) string { return fmt.Sprintf("L%d", i) })
}

// SIMDPrefixSet is a set of SIMD
// prefixes.
type SIMDPrefixSet uint8

const AllSIMDPrefixes SIMDPrefixSet = 0b1111

func NewSIMDPrefixSet(prefixes ...x86.SIMDPrefix) SIMDPrefixSet {
	var s SIMDPrefixSet
	for _, p := range prefixes {
		s |= 1 << p
	}

	return s
}

func (s SIMDPrefixSet) Contains(p x86.SIMDPrefix) bool { return s&(1<<p) != 0 }

// Only returns the SIMD prefix, if the
// set contains exactly one.
func (s SIMDPrefixSet) Only() (x86.SIMDPrefix, bool) {
	if bits.OnesCount8(uint8(s)) != 1 {
		return 0, false
	}

	return x86.SIMDPrefix(bits.TrailingZeros8(uint8(s))), true
}

func (s SIMDPrefixSet) String() string {
	return formatSet(uint8(s), func(i int) string { return x86.SIMDPrefix(i).String() })
}

func formatSet(s uint8, name func(int) string) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i := 0; i < 8; i++ {
		if s&(1<<i) == 0 {
			continue
		}

		if !first {
			b.WriteByte(',')
		}

		first = false
		b.WriteString(name(i))
	}
	b.WriteByte('}')

	return b.String()
}

// XexForm is the kind of extension prefix
// that a rule expects. The legacy form
// includes an optional REX prefix.
type XexForm uint8

const (
	FormLegacy XexForm = iota
	FormVEX
	FormXOP
	FormEVEX
)

// FormOf returns the form of the
// given Xex type.
func FormOf(t x86.XexType) XexForm {
	switch t {
	case x86.XexVEX2, x86.XexVEX3:
		return FormVEX
	case x86.XexXOP:
		return FormXOP
	case x86.XexEVEX:
		return FormEVEX
	default:
		return FormLegacy
	}
}

func (f XexForm) IsVector() bool { return f != FormLegacy }

func (f XexForm) String() string {
	switch f {
	case FormLegacy:
		return "legacy"
	case FormVEX:
		return "VEX"
	case FormXOP:
		return "XOP"
	case FormEVEX:
		return "EVEX"
	default:
		return fmt.Sprintf("XexForm(%d)", f)
	}
}

// WBit is a rule's constraint on REX.W,
// or the W field of a vector prefix.
type WBit uint8

const (
	WIgnored WBit = iota
	W0
	W1
)

func (w WBit) Matches(set bool) bool {
	switch w {
	case W0:
		return !set
	case W1:
		return set
	default:
		return true
	}
}

func (w WBit) String() string {
	switch w {
	case WIgnored:
		return "WIG"
	case W0:
		return "W0"
	case W1:
		return "W1"
	default:
		return fmt.Sprintf("WBit(%d)", w)
	}
}

// Masks for the main opcode byte.
const (
	MaskFull          byte = 0xff // The main byte is fixed.
	MaskEmbeddedReg   byte = 0xf8 // The low 3 bits select a register.
	MaskConditionCode byte = 0xf0 // The low 4 bits select a condition.
)

// ModConstraint restricts the ModR/M.mod
// field.
type ModConstraint uint8

const (
	ModAny      ModConstraint = iota
	ModDirect                 // mod is 11.
	ModIndirect               // mod is not 11.
)

func (m ModConstraint) Matches(modrm x86.ModRM) bool {
	switch m {
	case ModDirect:
		return modrm.IsDirect()
	case ModIndirect:
		return modrm.IsMemory()
	default:
		return true
	}
}

// ModRMConstraint describes the ModR/M
// bytes that a rule accepts.
type ModRMConstraint struct {
	Present bool          // Whether a ModR/M byte follows the opcode.
	Mod     ModConstraint // Any restriction on ModR/M.mod.
	Reg     uint8         // Any fixed value used as the ModR/M byte's reg field, plus one. Zero for no value.
	RM      uint8         // Any fixed value used as the ModR/M byte's r/m field, plus one. Zero for no value.
}

// DependsOnModRM returns whether the rule
// only accepts some ModR/M values.
func (c ModRMConstraint) DependsOnModRM() bool {
	return c.Mod != ModAny || c.Reg != 0 || c.RM != 0
}

// Matches returns whether the given
// ModR/M byte is accepted.
func (c ModRMConstraint) Matches(modrm x86.ModRM) bool {
	if !c.Present || !c.Mod.Matches(modrm) {
		return false
	}

	if c.Reg != 0 && modrm.Reg() != c.Reg-1 {
		return false
	}

	if c.RM != 0 && modrm.RM() != c.RM-1 {
		return false
	}

	return true
}

func (c ModRMConstraint) String() string {
	if !c.Present {
		return ""
	}

	if c.Mod == ModAny && c.RM == 0 {
		if c.Reg == 0 {
			return "/r"
		}

		return fmt.Sprintf("/%d", c.Reg-1)
	}

	field := func(v uint8, wildcard string) string {
		if v == 0 {
			return wildcard
		}

		return fmt.Sprintf("%03b", v-1)
	}

	mod := "mm"
	switch c.Mod {
	case ModDirect:
		mod = "11"
	case ModIndirect:
		mod = "!(11)"
	}

	return mod + ":" + field(c.Reg, "rrr") + ":" + field(c.RM, "bbb")
}

// Encoding is a rule that matches the
// machine code of one instruction form.
// Each field either fixes part of the
// instruction or accepts several values.
type Encoding struct {
	CodeSegments  CodeSegmentSet
	AddressSizes  AddressSizeSet
	Form          XexForm
	OperandSizes  OperandSizeSet
	VectorLengths VectorLengthSet // Ignored in the legacy form.
	SIMDPrefixes  SIMDPrefixSet
	W             WBit
	Map           x86.OpcodeMap
	MainByte      byte
	MainByteMask  byte
	ModRM         ModRMConstraint
	Immediate     x86.ImmediateType
	FixedImm8     uint16 // Any fixed value of the 8-bit immediate, plus one. Zero for no value.
}

// ErrInvalidEncoding indicates a rule
// whose fields are inconsistent.
var ErrInvalidEncoding = errors.New("invalid encoding rule")

// Validate checks that the rule's fields
// are consistent.
func (e Encoding) Validate() error {
	bad := func(format string, v ...any) error {
		return fmt.Errorf("%w %s: %s", ErrInvalidEncoding, e, fmt.Sprintf(format, v...))
	}

	switch {
	case e.CodeSegments == 0 || e.CodeSegments&^AllCodeSegments != 0:
		return bad("code segments %s", e.CodeSegments)
	case e.AddressSizes == 0 || e.AddressSizes&^AllAddressSizes != 0:
		return bad("address sizes %s", e.AddressSizes)
	case e.OperandSizes == 0 || e.OperandSizes&^AllOperandSizes != 0:
		return bad("operand sizes %s", e.OperandSizes)
	case e.SIMDPrefixes == 0 || e.SIMDPrefixes&^AllSIMDPrefixes != 0:
		return bad("SIMD prefixes %s", e.SIMDPrefixes)
	case e.Form.IsVector() && e.VectorLengths == 0:
		return bad("no vector lengths")
	case e.W > W1:
		return bad("W %d", e.W)
	}

	switch e.Form {
	case FormLegacy:
		if _, ok := e.Map.EscapeBytes(); !ok {
			return bad("opcode map %s needs a vector prefix", e.Map)
		}

		if e.W == W1 && e.CodeSegments != NewCodeSegmentSet(x86.CodeSegment64) {
			return bad("REX.W outside long mode")
		}
	case FormVEX:
		switch e.Map {
		case x86.OpcodeMap0F, x86.OpcodeMap0F38, x86.OpcodeMap0F3A:
		default:
			return bad("opcode map %s cannot be used with VEX", e.Map)
		}
	case FormXOP:
		if !e.Map.IsXOP() {
			return bad("opcode map %s cannot be used with XOP", e.Map)
		}
	case FormEVEX:
		switch e.Map {
		case x86.OpcodeMap0F, x86.OpcodeMap0F38, x86.OpcodeMap0F3A, x86.OpcodeMap5, x86.OpcodeMap6:
		default:
			return bad("opcode map %s cannot be used with EVEX", e.Map)
		}
	default:
		return bad("Xex form %d", e.Form)
	}

	switch e.MainByteMask {
	case MaskFull, MaskEmbeddedReg, MaskConditionCode:
	default:
		return bad("main byte mask %#02x", e.MainByteMask)
	}

	if e.MainByte&^e.MainByteMask != 0 {
		return bad("main byte %#02x has bits outside mask %#02x", e.MainByte, e.MainByteMask)
	}

	if !e.ModRM.Present && e.ModRM != (ModRMConstraint{}) {
		return bad("ModR/M constraint without a ModR/M byte")
	}

	if e.ModRM.Mod > ModIndirect || e.ModRM.Reg > 8 || e.ModRM.RM > 8 {
		return bad("ModR/M constraint %+v", e.ModRM)
	}

	if e.ModRM.Present && e.MainByteMask == MaskEmbeddedReg {
		return bad("register embedded in main byte with a ModR/M byte")
	}

	if e.Immediate > x86.ImmediateMemoryOffset {
		return bad("immediate type %d", e.Immediate)
	}

	if e.FixedImm8 != 0 && (e.Immediate != x86.Immediate8 || e.FixedImm8 > 0x100) {
		return bad("fixed immediate with %s", e.Immediate)
	}

	return nil
}

// OperandSize returns the effective operand
// size for an instruction with the given
// prefixes. An operand size override prefix
// that is mandatory for the rule is a SIMD
// prefix instead.
func (e Encoding) OperandSize(mode x86.CodeSegmentType, prefixes x86.LegacyPrefixList, xex x86.Xex) x86.OperandSize {
	override := prefixes.HasOperandSizeOverride()
	if e.Form == FormLegacy && e.SIMDPrefixes == NewSIMDPrefixSet(x86.SIMDPrefix66) {
		override = false
	}

	rexW := e.Form == FormLegacy && xex.W()

	return mode.EffectiveOperandSize(override, rexW)
}

// ImmediateSize returns the size in bytes
// of the immediate for an instruction with
// the given prefixes.
func (e Encoding) ImmediateSize(mode x86.CodeSegmentType, prefixes x86.LegacyPrefixList, xex x86.Xex) int {
	address := mode.EffectiveAddressSize(prefixes.HasAddressSizeOverride())
	return e.Immediate.SizeInBytes(e.OperandSize(mode, prefixes, xex), address)
}

// MatchesOpcode returns whether the rule
// accepts the instruction's prefixes and
// opcode, ignoring the ModR/M byte and
// immediate.
func (e Encoding) MatchesOpcode(mode x86.CodeSegmentType, prefixes x86.LegacyPrefixList, xex x86.Xex, main byte) bool {
	if !e.CodeSegments.Contains(mode) {
		return false
	}

	if !e.AddressSizes.Contains(mode.EffectiveAddressSize(prefixes.HasAddressSizeOverride())) {
		return false
	}

	if FormOf(xex.Type()) != e.Form || xex.OpcodeMap() != e.Map {
		return false
	}

	if main&e.MainByteMask != e.MainByte {
		return false
	}

	simd, ok := xex.SIMDPrefix()
	if !ok {
		simd = prefixes.PotentialSIMDPrefix()
	}

	if !e.SIMDPrefixes.Contains(simd) {
		return false
	}

	if l, ok := xex.VectorLength(); ok && !e.VectorLengths.Contains(l) {
		return false
	}

	if !e.W.Matches(xex.W()) {
		return false
	}

	return e.OperandSizes.Contains(e.OperandSize(mode, prefixes, xex))
}

// MatchesImmediate returns whether the
// rule accepts the given 8-bit immediate.
func (e Encoding) MatchesImmediate(imm8 byte) bool {
	return e.FixedImm8 == 0 || uint16(imm8) == e.FixedImm8-1
}

func (e Encoding) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Form)
	if e.CodeSegments != AllCodeSegments {
		fmt.Fprintf(&b, " mode%s", e.CodeSegments)
	}

	if e.AddressSizes != AllAddressSizes {
		fmt.Fprintf(&b, " a%s", e.AddressSizes)
	}

	if e.OperandSizes != AllOperandSizes {
		fmt.Fprintf(&b, " o%s", e.OperandSizes)
	}

	if e.Form.IsVector() && e.VectorLengths != AllVectorLengths {
		fmt.Fprintf(&b, " %s", e.VectorLengths)
	}

	if e.SIMDPrefixes != AllSIMDPrefixes {
		fmt.Fprintf(&b, " %s", e.SIMDPrefixes)
	}

	if e.W != WIgnored {
		fmt.Fprintf(&b, " %s", e.W)
	}

	if e.Map != x86.OpcodeMapDefault {
		fmt.Fprintf(&b, " %s", e.Map)
	}

	switch e.MainByteMask {
	case MaskEmbeddedReg:
		fmt.Fprintf(&b, " %02X+r", e.MainByte)
	case MaskConditionCode:
		fmt.Fprintf(&b, " %02X+cc", e.MainByte)
	default:
		fmt.Fprintf(&b, " %02X", e.MainByte)
	}

	if e.ModRM.Present {
		fmt.Fprintf(&b, " %s", e.ModRM)
	}

	if e.Immediate != x86.ImmediateNone {
		fmt.Fprintf(&b, " %s", e.Immediate)
		if e.FixedImm8 != 0 {
			fmt.Fprintf(&b, "=%02X", e.FixedImm8-1)
		}
	}

	return b.String()
}
