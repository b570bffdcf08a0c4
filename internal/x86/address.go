// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// AddressBase is the base of an effective
// address: a general purpose register, the
// instruction pointer, or nothing. The zero
// value is no base.
type AddressBase uint8

const (
	BaseNone AddressBase = 0
	BaseRIP  AddressBase = NumGPRs + 1
)

// BaseReg returns the address base
// for a general purpose register.
func BaseReg(r GPR) AddressBase {
	if r >= NumGPRs {
		panic(fmt.Sprintf("invalid base register %d", r))
	}

	return AddressBase(r + 1)
}

// GPR returns the base register, if
// the base is a general purpose
// register.
func (b AddressBase) GPR() (GPR, bool) {
	if b == BaseNone || b > AddressBase(NumGPRs) {
		return 0, false
	}

	return GPR(b - 1), true
}

// AddressIndex is the index register of
// an effective address. The zero value
// is no index.
type AddressIndex uint8

const NoIndex AddressIndex = 0

// IndexReg returns the address index
// for a general purpose register.
func IndexReg(r GPR) AddressIndex {
	if r >= NumGPRs {
		panic(fmt.Sprintf("invalid index register %d", r))
	}

	return AddressIndex(r + 1)
}

// GPR returns the index register,
// if any.
func (i AddressIndex) GPR() (GPR, bool) {
	if i == NoIndex || i > AddressIndex(NumGPRs) {
		return 0, false
	}

	return GPR(i - 1), true
}

// legacyAddressForms lists the base and
// index registers selected by each value
// of ModR/M.rm with 16-bit addressing.
// With mod 00, rm 110 is an absolute
// 16-bit displacement instead.
var legacyAddressForms = [8]struct {
	base  GPR
	index AddressIndex
}{
	0b000: {RegB, IndexReg(RegSI)},
	0b001: {RegB, IndexReg(RegDI)},
	0b010: {RegBP, IndexReg(RegSI)},
	0b011: {RegBP, IndexReg(RegDI)},
	0b100: {RegSI, NoIndex},
	0b101: {RegDI, NoIndex},
	0b110: {RegBP, NoIndex},
	0b111: {RegB, NoIndex},
}

func legacyAddressRM(base GPR, index AddressIndex) (rm byte, ok bool) {
	for i, form := range legacyAddressForms {
		if form.base == base && form.index == index {
			return byte(i), true
		}
	}

	return 0, false
}

// EffectiveAddress is a fully resolved
// memory operand: an optional base and
// scaled index, a signed displacement, an
// optional segment override, and the
// address size.
//
// EffectiveAddress values are created
// with NewAbsoluteAddress,
// NewRIPRelativeAddress,
// NewIndirectAddress, or FromEncoding,
// which ensures they can be encoded.
type EffectiveAddress struct {
	size    AddressSize
	segment SegmentRegister
	base    AddressBase
	index   AddressIndex
	scale   uint8
	disp    int32
}

// IndirectAddress describes an effective
// address for NewIndirectAddress.
type IndirectAddress struct {
	Size         AddressSize
	Segment      SegmentRegister // Any segment override.
	Base         AddressBase
	Index        AddressIndex
	Scale        int // 1, 2, 4, or 8. Zero is treated as 1.
	Displacement int32
}

// ErrInvalidAddress indicates an effective
// address that cannot be encoded.
var ErrInvalidAddress = errors.New("invalid effective address")

func invalidAddress(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAddress, fmt.Sprintf(format, v...))
}

// NewAbsoluteAddress returns an address
// consisting of just a displacement.
func NewAbsoluteAddress(size AddressSize, segment SegmentRegister, disp int32) (EffectiveAddress, error) {
	return NewIndirectAddress(IndirectAddress{Size: size, Segment: segment, Displacement: disp})
}

// NewRIPRelativeAddress returns an address
// relative to the end of the instruction.
// This is only possible in long mode, with
// 32-bit or 64-bit addressing.
func NewRIPRelativeAddress(size AddressSize, segment SegmentRegister, disp int32) (EffectiveAddress, error) {
	return NewIndirectAddress(IndirectAddress{Size: size, Segment: segment, Base: BaseRIP, Displacement: disp})
}

// NewIndirectAddress validates the given
// address and returns the corresponding
// EffectiveAddress.
func NewIndirectAddress(a IndirectAddress) (EffectiveAddress, error) {
	ea := EffectiveAddress{
		size:    a.Size,
		segment: a.Segment,
		base:    a.Base,
		index:   a.Index,
		scale:   uint8(a.Scale),
		disp:    a.Displacement,
	}

	if a.Size > AddressSize64 {
		return EffectiveAddress{}, invalidAddress("address size %d", a.Size)
	}

	if a.Segment > SegmentGS {
		return EffectiveAddress{}, invalidAddress("segment %d", a.Segment)
	}

	if a.Base > BaseRIP {
		return EffectiveAddress{}, invalidAddress("base %d", a.Base)
	}

	if a.Index > AddressIndex(NumGPRs) {
		return EffectiveAddress{}, invalidAddress("index %d", a.Index)
	}

	switch a.Scale {
	case 0:
		ea.scale = 1
	case 1, 2, 4, 8:
	default:
		return EffectiveAddress{}, invalidAddress("scale %d: must be 1, 2, 4, or 8", a.Scale)
	}

	if a.Index == NoIndex && ea.scale != 1 {
		return EffectiveAddress{}, invalidAddress("scale %d without an index register", a.Scale)
	}

	if index, ok := a.Index.GPR(); ok && index == RegSP {
		return EffectiveAddress{}, invalidAddress("%s cannot be used as an index register", index.AddressName(a.Size))
	}

	if a.Base == BaseRIP {
		if a.Size == AddressSize16 {
			return EffectiveAddress{}, invalidAddress("RIP-relative addressing with 16-bit addresses")
		}

		if a.Index != NoIndex {
			return EffectiveAddress{}, invalidAddress("RIP-relative addressing with an index register")
		}
	}

	if a.Size != AddressSize16 {
		return ea, nil
	}

	// 16-bit addressing.

	if !DisplacementSize16.CanEncode(int64(a.Displacement)) {
		return EffectiveAddress{}, invalidAddress("displacement %#x does not fit in 16 bits", a.Displacement)
	}

	if a.Base == BaseNone {
		if a.Index != NoIndex {
			return EffectiveAddress{}, invalidAddress("16-bit address with an index but no base")
		}

		return ea, nil
	}

	if ea.scale != 1 {
		return EffectiveAddress{}, invalidAddress("scale %d with 16-bit addressing", a.Scale)
	}

	base, _ := a.Base.GPR()
	if _, ok := legacyAddressRM(base, a.Index); !ok {
		return EffectiveAddress{}, invalidAddress("%s is not a valid 16-bit address", ea.registers())
	}

	return ea, nil
}

func (a EffectiveAddress) AddressSize() AddressSize { return a.size }
func (a EffectiveAddress) Segment() SegmentRegister { return a.segment }
func (a EffectiveAddress) Base() AddressBase        { return a.base }
func (a EffectiveAddress) Index() AddressIndex      { return a.index }
func (a EffectiveAddress) Scale() int               { return int(a.scale) }
func (a EffectiveAddress) Displacement() int32      { return a.disp }
func (a EffectiveAddress) IsRIPRelative() bool      { return a.base == BaseRIP }
func (a EffectiveAddress) IsAbsolute() bool         { return a.base == BaseNone && a.index == NoIndex }
func (a EffectiveAddress) HasSegmentOverride() bool { return a.segment != SegmentDefault }

func (a EffectiveAddress) usesLongModeOnly() bool {
	return a.size == AddressSize64 || a.base == BaseRIP || a.hasExtendedRegister()
}

// baseIsBPLike returns whether the base
// register shares its low bits with BP,
// so mod 00 cannot be used.
func (a EffectiveAddress) baseIsBPLike() bool {
	r, ok := a.base.GPR()
	return ok && r.Low() == 0b101
}

// baseIsSPLike returns whether the base
// register shares its low bits with SP,
// so a SIB byte is needed.
func (a EffectiveAddress) baseIsSPLike() bool {
	r, ok := a.base.GPR()
	return ok && r.Low() == 0b100
}

func (a EffectiveAddress) sibScale() byte {
	s, _ := ScaleFromFactor(int(a.scale))
	return s
}

func (a EffectiveAddress) hasExtendedRegister() bool {
	if r, ok := a.base.GPR(); ok && r.IsExtended() {
		return true
	}

	if r, ok := a.index.GPR(); ok && r.IsExtended() {
		return true
	}

	return false
}

// EffectiveSegment returns the segment
// the address refers to. Without an
// override, addresses based on the stack
// or base pointer use SS, and others use
// DS.
func (a EffectiveAddress) EffectiveSegment() SegmentRegister {
	if a.segment != SegmentDefault {
		return a.segment
	}

	if base, ok := a.base.GPR(); ok && (base == RegSP || base == RegBP) {
		return SegmentSS
	}

	return SegmentDS
}

// MinimumDisplacementSize returns the
// smallest displacement size with which
// the address can be encoded.
func (a EffectiveAddress) MinimumDisplacementSize() DisplacementSize {
	if !DisplacementSize8.CanEncode(int64(a.disp)) || a.base == BaseNone {
		return MaximumDisplacementSize(a.size)
	}

	// With mod 00, the r/m value for the
	// base pointer means an absolute or
	// RIP-relative displacement instead.
	if a.size == AddressSize16 {
		if base, _ := a.base.GPR(); base == RegBP && a.index == NoIndex {
			return DisplacementSize8
		}
	} else if a.baseIsBPLike() {
		return DisplacementSize8
	}

	if a.base == BaseRIP {
		return DisplacementSize32
	}

	if a.disp == 0 {
		return DisplacementSize0
	}

	return DisplacementSize8
}

// RequiresSIB returns whether the address
// can only be encoded with a SIB byte in
// the given code segment.
func (a EffectiveAddress) RequiresSIB(mode CodeSegmentType) bool {
	if a.size == AddressSize16 || a.base == BaseRIP {
		return false
	}

	if a.index != NoIndex || a.baseIsSPLike() {
		return true
	}

	// In long mode, the ModR/M form of an
	// absolute address is RIP-relative.
	return a.base == BaseNone && mode.IsLongMode()
}

// AddressEncoding is the machine code
// representation of an effective
// address.
type AddressEncoding struct {
	AddressSizeOverride bool            // Whether an address size override prefix (0x67) is needed.
	Segment             SegmentRegister // Any segment override prefix.
	ModRM               ModRM
	SIB                 OptionalSIB
	BaseExtension       bool // REX.B, or its vector prefix equivalent.
	IndexExtension      bool // REX.X, or its vector prefix equivalent.
	Displacement        int32
	DisplacementSize    DisplacementSize
}

// NeedsREX returns whether the encoding
// can only be expressed with a REX or
// vector prefix.
func (e AddressEncoding) NeedsREX() bool {
	return e.BaseExtension || e.IndexExtension
}

// Prefixes returns the legacy prefixes
// that the encoding requires.
func (e AddressEncoding) Prefixes() LegacyPrefixList {
	var prefixes LegacyPrefixList
	if e.Segment != SegmentDefault {
		prefixes, _ = prefixes.Append(e.Segment.OverridePrefix())
	}

	if e.AddressSizeOverride {
		prefixes, _ = prefixes.Append(PrefixAddressSize)
	}

	return prefixes
}

// Bytes returns the ModR/M byte, any SIB
// byte, and any displacement, in the order
// they appear in an instruction.
func (e AddressEncoding) Bytes() []byte {
	b := []byte{byte(e.ModRM)}
	if sib, ok := e.SIB.Get(); ok {
		b = append(b, byte(sib))
	}

	return appendDisplacement(b, e.Displacement, e.DisplacementSize)
}

func appendDisplacement(b []byte, disp int32, size DisplacementSize) []byte {
	switch size {
	case DisplacementSize8:
		return append(b, byte(int8(disp)))
	case DisplacementSize16:
		return binary.LittleEndian.AppendUint16(b, uint16(int16(disp)))
	case DisplacementSize32:
		return binary.LittleEndian.AppendUint32(b, uint32(disp))
	default:
		return b
	}
}

func (e AddressEncoding) String() string {
	var s strings.Builder
	if e.Segment != SegmentDefault {
		fmt.Fprintf(&s, "%s: ", e.Segment)
	}

	if e.AddressSizeOverride {
		s.WriteString("addr: ")
	}

	fmt.Fprintf(&s, "ModR/M: %s", e.ModRM)
	if sib, ok := e.SIB.Get(); ok {
		fmt.Fprintf(&s, ", SIB: %s", sib)
	}

	if e.NeedsREX() {
		fmt.Fprintf(&s, ", X: %b, B: %b", b2i(e.IndexExtension), b2i(e.BaseExtension))
	}

	if e.DisplacementSize != DisplacementSize0 {
		fmt.Fprintf(&s, ", %s: %#x", e.DisplacementSize, e.Displacement)
	}

	return s.String()
}

// Encode returns the encoding of the address
// in the given code segment, using the
// smallest possible displacement. modReg is
// stored in the ModR/M.reg field.
func (a EffectiveAddress) Encode(mode CodeSegmentType, modReg byte) (AddressEncoding, error) {
	return a.EncodeWithDisplacement(mode, modReg, a.MinimumDisplacementSize())
}

// EncodeWithDisplacement returns the encoding
// of the address in the given code segment,
// using the given displacement size.
func (a EffectiveAddress) EncodeWithDisplacement(mode CodeSegmentType, modReg byte, size DisplacementSize) (AddressEncoding, error) {
	if mode > CodeSegment64 {
		return AddressEncoding{}, fmt.Errorf("invalid code segment type %d", mode)
	}

	enc := AddressEncoding{
		AddressSizeOverride: a.size != mode.DefaultAddressSize(),
		Segment:             a.segment,
		Displacement:        a.disp,
		DisplacementSize:    size,
	}

	if mode.EffectiveAddressSize(enc.AddressSizeOverride) != a.size {
		return AddressEncoding{}, invalidAddress("%d-bit addressing in a %s code segment", a.size.Bits(), mode)
	}

	if !mode.IsLongMode() && a.usesLongModeOnly() {
		return AddressEncoding{}, invalidAddress("%s can only be encoded in long mode", a)
	}

	if !size.CanEncode(int64(a.disp)) {
		return AddressEncoding{}, invalidAddress("displacement %#x does not fit in %d bits", a.disp, size.Bits())
	}

	switch size {
	case DisplacementSize0, DisplacementSize8:
	case MaximumDisplacementSize(a.size):
	default:
		return AddressEncoding{}, invalidAddress("%s with %d-bit addressing", size, a.size.Bits())
	}

	var mod byte
	switch size {
	case DisplacementSize0:
		mod = 0b00
	case DisplacementSize8:
		mod = 0b01
	default:
		mod = 0b10
	}

	if a.size == AddressSize16 {
		return a.encode16(enc, modReg, mod)
	}

	// Forms with no base register always
	// use mod 00 with a full displacement.
	if a.base == BaseNone || a.base == BaseRIP {
		if size != DisplacementSize32 {
			return AddressEncoding{}, invalidAddress("%s must have a 32-bit displacement", a)
		}

		switch {
		case a.base == BaseRIP:
			enc.ModRM = NewModRM(0b00, modReg, ModRMrmDisplacementOnly32)
		case a.index == NoIndex && !mode.IsLongMode():
			enc.ModRM = NewModRM(0b00, modReg, ModRMrmDisplacementOnly32)
		default:
			index := byte(SIBindexNone)
			if r, ok := a.index.GPR(); ok {
				index = r.Low()
				enc.IndexExtension = r.IsExtended()
			}

			enc.ModRM = NewModRM(0b00, modReg, ModRMrmSIB)
			enc.SIB = SomeSIB(NewSIB(a.sibScale(), index, SIBbaseNone))
		}

		return enc, nil
	}

	base, _ := a.base.GPR()
	if mod == 0b00 && base.Low() == 0b101 {
		return AddressEncoding{}, invalidAddress("%s needs a displacement", a)
	}

	enc.BaseExtension = base.IsExtended()
	if !a.RequiresSIB(mode) {
		enc.ModRM = NewModRM(mod, modReg, base.Low())
		return enc, nil
	}

	index := byte(SIBindexNone)
	if r, ok := a.index.GPR(); ok {
		index = r.Low()
		enc.IndexExtension = r.IsExtended()
	}

	enc.ModRM = NewModRM(mod, modReg, ModRMrmSIB)
	enc.SIB = SomeSIB(NewSIB(a.sibScale(), index, base.Low()))

	return enc, nil
}

func (a EffectiveAddress) encode16(enc AddressEncoding, modReg, mod byte) (AddressEncoding, error) {
	if a.base == BaseNone {
		if enc.DisplacementSize != DisplacementSize16 {
			return AddressEncoding{}, invalidAddress("%s must have a 16-bit displacement", a)
		}

		enc.ModRM = NewModRM(0b00, modReg, ModRMrmDisplacementOnly16)
		return enc, nil
	}

	base, _ := a.base.GPR()
	rm, ok := legacyAddressRM(base, a.index)
	if !ok {
		// NewIndirectAddress prevents this.
		panic(fmt.Sprintf("invalid 16-bit address %s", a))
	}

	if mod == 0b00 && rm == ModRMrmDisplacementOnly16 {
		return AddressEncoding{}, invalidAddress("%s needs a displacement", a)
	}

	enc.ModRM = NewModRM(mod, modReg, rm)

	return enc, nil
}

// FromEncoding returns the effective address
// described by the given encoding in a code
// segment of the given type. ModR/M.reg is
// ignored.
func FromEncoding(mode CodeSegmentType, enc AddressEncoding) (EffectiveAddress, error) {
	size := mode.EffectiveAddressSize(enc.AddressSizeOverride)
	if !enc.ModRM.IsMemory() {
		return EffectiveAddress{}, invalidAddress("ModR/M %s refers to a register", enc.ModRM)
	}

	sib, hasSIB := enc.SIB.Get()
	if hasSIB != enc.ModRM.ImpliesSIB(size) {
		if hasSIB {
			return EffectiveAddress{}, invalidAddress("unexpected SIB byte with ModR/M %s", enc.ModRM)
		}

		return EffectiveAddress{}, invalidAddress("missing SIB byte for ModR/M %s", enc.ModRM)
	}

	if want := enc.ModRM.DisplacementSize(size, enc.SIB); enc.DisplacementSize != want {
		return EffectiveAddress{}, invalidAddress("ModR/M %s has a %s, not a %s", enc.ModRM, want, enc.DisplacementSize)
	}

	if !mode.IsLongMode() && enc.NeedsREX() {
		return EffectiveAddress{}, invalidAddress("register extensions outside long mode")
	}

	a := IndirectAddress{
		Size:         size,
		Segment:      enc.Segment,
		Displacement: enc.Displacement,
	}

	extend := func(low byte, ext bool) GPR {
		return GPR(low | b2i(ext)<<3)
	}

	switch {
	case size == AddressSize16:
		if !enc.ModRM.IsAbsoluteDisplacementOnly(size) {
			form := legacyAddressForms[enc.ModRM.RM()]
			a.Base = BaseReg(form.base)
			a.Index = form.index
		}
	case enc.ModRM.IsAbsoluteDisplacementOnly(size):
		if mode.IsLongMode() {
			a.Base = BaseRIP
		}
	case hasSIB:
		if sib.Index() != SIBindexNone || enc.IndexExtension {
			a.Index = IndexReg(extend(sib.Index(), enc.IndexExtension))
			a.Scale = sib.ScaleFactor()
		}

		if enc.ModRM.Mod() != 0b00 || sib.Base() != SIBbaseNone {
			a.Base = BaseReg(extend(sib.Base(), enc.BaseExtension))
		}
	default:
		a.Base = BaseReg(extend(enc.ModRM.RM(), enc.BaseExtension))
	}

	return NewIndirectAddress(a)
}

func (a EffectiveAddress) registers() string {
	var parts []string
	if base, ok := a.base.GPR(); ok {
		parts = append(parts, base.AddressName(a.size))
	} else if a.base == BaseRIP {
		if a.size == AddressSize32 {
			parts = append(parts, "eip")
		} else {
			parts = append(parts, "rip")
		}
	}

	if index, ok := a.index.GPR(); ok {
		if a.scale > 1 {
			parts = append(parts, fmt.Sprintf("%s*%d", index.AddressName(a.size), a.scale))
		} else {
			parts = append(parts, index.AddressName(a.size))
		}
	}

	return strings.Join(parts, "+")
}

func (a EffectiveAddress) String() string {
	var s strings.Builder
	if a.segment != SegmentDefault {
		s.WriteString(a.segment.String())
		s.WriteByte(':')
	}

	s.WriteByte('[')
	regs := a.registers()
	s.WriteString(regs)
	switch {
	case regs == "" && a.size == AddressSize16:
		fmt.Fprintf(&s, "%#x", uint16(a.disp))
	case regs == "":
		fmt.Fprintf(&s, "%#x", uint32(a.disp))
	case a.disp < 0:
		fmt.Fprintf(&s, "-%#x", -int64(a.disp))
	case a.disp > 0:
		fmt.Fprintf(&s, "+%#x", a.disp)
	}
	s.WriteByte(']')

	return s.String()
}
