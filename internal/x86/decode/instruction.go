// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decode

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

// MaxInstructionLength is the largest
// number of bytes an instruction can
// contain.
const MaxInstructionLength = 15

// MaxImmediateSize is the largest number
// of bytes in an immediate.
const MaxImmediateSize = 8

// Builder holds the parts of an
// instruction as they are decoded.
type Builder struct {
	Mode             x86.CodeSegmentType
	Prefixes         x86.LegacyPrefixList
	Xex              x86.Xex
	MainByte         byte
	ModRM            x86.OptionalModRM
	SIB              x86.OptionalSIB
	Displacement     uint32 // Raw little-endian value.
	DisplacementSize x86.DisplacementSize
	Immediate        uint64 // Raw little-endian value.
	ImmediateSize    int
	Tag              string
}

// Build returns the instruction described
// by the builder. The displacement and
// immediate are truncated to their sizes.
func (b *Builder) Build() (Instruction, error) {
	if b.ImmediateSize < 0 || b.ImmediateSize > MaxImmediateSize {
		return Instruction{}, fmt.Errorf("invalid immediate size %d", b.ImmediateSize)
	}

	if b.DisplacementSize > x86.DisplacementSize32 {
		return Instruction{}, fmt.Errorf("invalid displacement size %d", b.DisplacementSize)
	}

	modrm, hasModRM := b.ModRM.Get()
	if !hasModRM && (b.SIB.IsSet() || b.DisplacementSize != x86.DisplacementSize0) {
		return Instruction{}, errors.New("SIB byte or displacement without a ModR/M byte")
	}

	if hasModRM {
		size := b.Mode.EffectiveAddressSize(b.Prefixes.HasAddressSizeOverride())
		if b.SIB.IsSet() != modrm.ImpliesSIB(size) {
			return Instruction{}, fmt.Errorf("ModR/M %s and SIB %s are inconsistent", modrm, b.SIB)
		}

		if want := modrm.DisplacementSize(size, b.SIB); b.DisplacementSize != want {
			return Instruction{}, fmt.Errorf("ModR/M %s has a %s, not a %s", modrm, want, b.DisplacementSize)
		}
	}

	imm := b.Immediate
	if b.ImmediateSize < MaxImmediateSize {
		imm &= 1<<(8*b.ImmediateSize) - 1
	}

	var disp int32
	switch b.DisplacementSize {
	case x86.DisplacementSize8:
		disp = int32(int8(b.Displacement))
	case x86.DisplacementSize16:
		disp = int32(int16(b.Displacement))
	case x86.DisplacementSize32:
		disp = int32(b.Displacement)
	}

	inst := Instruction{
		mode:     b.Mode,
		prefixes: b.Prefixes,
		xex:      b.Xex,
		main:     b.MainByte,
		modrm:    b.ModRM,
		sib:      b.SIB,
		disp:     disp,
		dispSize: b.DisplacementSize,
		imm:      imm,
		immSize:  uint8(b.ImmediateSize),
		tag:      b.Tag,
	}

	if n := inst.Len(); n > MaxInstructionLength {
		return Instruction{}, fmt.Errorf("instruction has %d bytes, more than the maximum of %d", n, MaxInstructionLength)
	}

	return inst, nil
}

// Instruction is a decoded x86
// instruction.
type Instruction struct {
	mode     x86.CodeSegmentType
	prefixes x86.LegacyPrefixList
	xex      x86.Xex
	main     byte
	modrm    x86.OptionalModRM
	sib      x86.OptionalSIB
	disp     int32
	dispSize x86.DisplacementSize
	imm      uint64
	immSize  uint8
	tag      string
}

func (i Instruction) Mode() x86.CodeSegmentType              { return i.mode }
func (i Instruction) Prefixes() x86.LegacyPrefixList         { return i.prefixes }
func (i Instruction) Xex() x86.Xex                           { return i.xex }
func (i Instruction) OpcodeMap() x86.OpcodeMap               { return i.xex.OpcodeMap() }
func (i Instruction) MainByte() byte                         { return i.main }
func (i Instruction) ModRM() x86.OptionalModRM               { return i.modrm }
func (i Instruction) SIB() x86.OptionalSIB                   { return i.sib }
func (i Instruction) Displacement() int32                    { return i.disp }
func (i Instruction) DisplacementSize() x86.DisplacementSize { return i.dispSize }
func (i Instruction) Immediate() uint64                      { return i.imm }
func (i Instruction) ImmediateSize() int                     { return int(i.immSize) }
func (i Instruction) Tag() string                            { return i.tag }

// AddressSize returns the instruction's
// effective address size.
func (i Instruction) AddressSize() x86.AddressSize {
	return i.mode.EffectiveAddressSize(i.prefixes.HasAddressSizeOverride())
}

// Len returns the instruction's length
// in bytes.
func (i Instruction) Len() int {
	n := i.prefixes.Len() + i.xex.Len() + 1
	if i.modrm.IsSet() {
		n++
	}

	if i.sib.IsSet() {
		n++
	}

	return n + i.dispSize.Bytes() + int(i.immSize)
}

// Bytes returns the machine code for
// the instruction.
func (i Instruction) Bytes() []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, i.Len()))
	b.AddBytes(i.prefixes.Bytes())
	b.AddBytes(i.xex.Bytes())
	b.AddUint8(i.main)
	if modrm, ok := i.modrm.Get(); ok {
		b.AddUint8(byte(modrm))
	}

	if sib, ok := i.sib.Get(); ok {
		b.AddUint8(byte(sib))
	}

	addLittleEndian(b, uint64(uint32(i.disp)), i.dispSize.Bytes())
	addLittleEndian(b, i.imm, int(i.immSize))

	return b.BytesOrPanic()
}

func addLittleEndian(b *cryptobyte.Builder, v uint64, size int) {
	for j := 0; j < size; j++ {
		b.AddUint8(byte(v >> (8 * j)))
	}
}

// EffectiveAddress returns the memory
// operand described by the instruction's
// ModR/M byte, if any.
func (i Instruction) EffectiveAddress() (x86.EffectiveAddress, error) {
	modrm, ok := i.modrm.Get()
	if !ok {
		return x86.EffectiveAddress{}, errors.New("instruction has no ModR/M byte")
	}

	segment, _ := i.prefixes.SegmentOverride()
	enc := x86.AddressEncoding{
		AddressSizeOverride: i.prefixes.HasAddressSizeOverride(),
		Segment:             segment,
		ModRM:               modrm,
		SIB:                 i.sib,
		BaseExtension:       i.xex.B(),
		IndexExtension:      i.xex.X(),
		Displacement:        i.disp,
		DisplacementSize:    i.dispSize,
	}

	return x86.FromEncoding(i.mode, enc)
}

func (i Instruction) String() string {
	var s strings.Builder
	if i.tag != "" {
		s.WriteString(i.tag)
	} else {
		s.WriteString("?")
	}

	fmt.Fprintf(&s, " {mode: %s", i.mode)
	if i.prefixes.Len() > 0 {
		fmt.Fprintf(&s, ", prefixes: %s", i.prefixes)
	}

	fmt.Fprintf(&s, ", xex: %s, opcode: %02x", i.xex, i.main)
	if modrm, ok := i.modrm.Get(); ok {
		fmt.Fprintf(&s, ", ModR/M: %s", modrm)
	}

	if sib, ok := i.sib.Get(); ok {
		fmt.Fprintf(&s, ", SIB: %s", sib)
	}

	if i.dispSize != x86.DisplacementSize0 {
		fmt.Fprintf(&s, ", %s: %#x", i.dispSize, i.disp)
	}

	if i.immSize != 0 {
		fmt.Fprintf(&s, ", imm%d: %#x", 8*int(i.immSize), i.imm)
	}

	s.WriteByte('}')

	return s.String()
}
