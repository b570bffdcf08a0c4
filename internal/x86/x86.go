// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package x86 contains structured information on the
// x86 instruction encoding format, from the legacy
// prefixes through to the immediate.
package x86

import (
	"fmt"
	"strings"
)

// CodeSegmentType represents the kind of
// code segment an instruction executes in,
// which determines the default operand and
// address sizes.
type CodeSegmentType uint8

const (
	CodeSegment16 CodeSegmentType = iota // Real mode and 16-bit protected mode.
	CodeSegment32                        // 32-bit protected mode.
	CodeSegment64                        // Long mode.
)

// CodeSegmentTypes lists every code
// segment type.
var CodeSegmentTypes = []CodeSegmentType{CodeSegment16, CodeSegment32, CodeSegment64}

// ParseCodeSegmentType returns the code
// segment type with the given number of
// bits, such as "64".
func ParseCodeSegmentType(s string) (CodeSegmentType, error) {
	switch strings.TrimSuffix(s, "-bit") {
	case "16":
		return CodeSegment16, nil
	case "32":
		return CodeSegment32, nil
	case "64":
		return CodeSegment64, nil
	default:
		return 0, fmt.Errorf("invalid code segment type %q: must be 16, 32, or 64", s)
	}
}

// Bits returns the code segment's
// default width.
func (c CodeSegmentType) Bits() int {
	switch c {
	case CodeSegment16:
		return 16
	case CodeSegment32:
		return 32
	case CodeSegment64:
		return 64
	default:
		panic(fmt.Sprintf("invalid code segment type %d", c))
	}
}

// IsLongMode returns whether the code
// segment is a 64-bit segment.
func (c CodeSegmentType) IsLongMode() bool { return c == CodeSegment64 }

// IsIA32 returns whether the code segment
// is a legacy 16-bit or 32-bit segment.
func (c CodeSegmentType) IsIA32() bool { return c != CodeSegment64 }

// DefaultAddressSize returns the address size
// used when no address size override prefix
// is present.
func (c CodeSegmentType) DefaultAddressSize() AddressSize {
	switch c {
	case CodeSegment16:
		return AddressSize16
	case CodeSegment32:
		return AddressSize32
	default:
		return AddressSize64
	}
}

// EffectiveAddressSize returns the address
// size in effect, given whether the address
// size override prefix (0x67) is present.
func (c CodeSegmentType) EffectiveAddressSize(override bool) AddressSize {
	if !override {
		return c.DefaultAddressSize()
	}

	switch c {
	case CodeSegment16:
		return AddressSize32
	case CodeSegment32:
		return AddressSize16
	default:
		return AddressSize32
	}
}

// DefaultOperandSize returns the operand size
// used when no operand size override prefix
// or REX.W is present.
func (c CodeSegmentType) DefaultOperandSize() OperandSize {
	if c == CodeSegment16 {
		return OperandSize16
	}

	return OperandSize32
}

// EffectiveOperandSize returns the operand
// size in effect, given whether the operand
// size override prefix (0x66) is present and
// whether REX.W (or its vector prefix
// equivalent) is set. REX.W takes precedence
// over the override prefix.
func (c CodeSegmentType) EffectiveOperandSize(override, rexW bool) OperandSize {
	if c == CodeSegment64 && rexW {
		return OperandSize64
	}

	if !override {
		return c.DefaultOperandSize()
	}

	if c == CodeSegment16 {
		return OperandSize32
	}

	return OperandSize16
}

func (c CodeSegmentType) String() string {
	switch c {
	case CodeSegment16:
		return "16-bit"
	case CodeSegment32:
		return "32-bit"
	case CodeSegment64:
		return "64-bit"
	default:
		return fmt.Sprintf("CodeSegmentType(%d)", c)
	}
}

// AddressSize is the width of an
// effective address computation.
type AddressSize uint8

const (
	AddressSize16 AddressSize = iota
	AddressSize32
	AddressSize64
)

func (s AddressSize) Bits() int  { return 16 << s }
func (s AddressSize) Bytes() int { return 2 << s }

func (s AddressSize) String() string {
	switch s {
	case AddressSize16, AddressSize32, AddressSize64:
		return fmt.Sprintf("a%d", s.Bits())
	default:
		return fmt.Sprintf("AddressSize(%d)", s)
	}
}

// OperandSize is the width of an
// instruction's integer operands.
type OperandSize uint8

const (
	OperandSize16 OperandSize = iota
	OperandSize32
	OperandSize64
)

func (s OperandSize) Bits() int  { return 16 << s }
func (s OperandSize) Bytes() int { return 2 << s }

// IntegerSize returns the operand size as
// an integer size.
func (s OperandSize) IntegerSize() IntegerSize { return IntegerSize(s + 1) }

func (s OperandSize) String() string {
	switch s {
	case OperandSize16, OperandSize32, OperandSize64:
		return fmt.Sprintf("o%d", s.Bits())
	default:
		return fmt.Sprintf("OperandSize(%d)", s)
	}
}

// IntegerSize is the width of an
// integer value, from a byte to a
// quadword.
type IntegerSize uint8

const (
	IntegerSize8 IntegerSize = iota
	IntegerSize16
	IntegerSize32
	IntegerSize64
)

func (s IntegerSize) Bits() int  { return 8 << s }
func (s IntegerSize) Bytes() int { return 1 << s }

func (s IntegerSize) String() string {
	switch s {
	case IntegerSize8:
		return "byte"
	case IntegerSize16:
		return "word"
	case IntegerSize32:
		return "dword"
	case IntegerSize64:
		return "qword"
	default:
		return fmt.Sprintf("IntegerSize(%d)", s)
	}
}

// DisplacementSize is the number of bits
// of memory displacement that follow the
// ModR/M and SIB bytes.
type DisplacementSize uint8

const (
	DisplacementSize0 DisplacementSize = iota
	DisplacementSize8
	DisplacementSize16
	DisplacementSize32
)

// MaximumDisplacementSize returns the largest
// displacement that can be used with the
// given address size.
func MaximumDisplacementSize(size AddressSize) DisplacementSize {
	if size == AddressSize16 {
		return DisplacementSize16
	}

	return DisplacementSize32
}

func (s DisplacementSize) Bytes() int {
	switch s {
	case DisplacementSize0:
		return 0
	case DisplacementSize8:
		return 1
	case DisplacementSize16:
		return 2
	case DisplacementSize32:
		return 4
	default:
		panic(fmt.Sprintf("invalid displacement size %d", s))
	}
}

func (s DisplacementSize) Bits() int { return s.Bytes() * 8 }

// CanEncode returns whether the given value
// can be stored in a displacement of this
// size without loss, once sign-extended.
func (s DisplacementSize) CanEncode(v int64) bool {
	switch s {
	case DisplacementSize0:
		return v == 0
	case DisplacementSize8:
		return v == int64(int8(v))
	case DisplacementSize16:
		return v == int64(int16(v))
	case DisplacementSize32:
		return v == int64(int32(v))
	default:
		return false
	}
}

func (s DisplacementSize) String() string {
	switch s {
	case DisplacementSize0, DisplacementSize8, DisplacementSize16, DisplacementSize32:
		return fmt.Sprintf("disp%d", s.Bits())
	default:
		return fmt.Sprintf("DisplacementSize(%d)", s)
	}
}

// ImmediateType describes the immediate
// value that follows an instruction's
// opcode, ModR/M, SIB, and displacement.
// Some immediate types have a size that
// depends on the effective operand or
// address size.
type ImmediateType uint8

const (
	ImmediateNone         ImmediateType = iota
	Immediate8                          // ib, cb.
	Immediate16                         // iw, cw.
	Immediate32                         // id, cd.
	Immediate64                         // io.
	ImmediateOperandZ                   // iz: 16 or 32 bits, by operand size.
	ImmediateOperandV                   // iv: 16, 32, or 64 bits, by operand size.
	Immediate16And8                     // iw ib, as used by ENTER.
	ImmediateFarPointer                 // cd or cp: a 16-bit segment and a 16- or 32-bit offset.
	ImmediateMemoryOffset               // moffs: an address-sized memory offset.
)

// SizeInBytes returns the size of the
// immediate in the given context.
func (t ImmediateType) SizeInBytes(operand OperandSize, address AddressSize) int {
	switch t {
	case ImmediateNone:
		return 0
	case Immediate8:
		return 1
	case Immediate16:
		return 2
	case Immediate32:
		return 4
	case Immediate64:
		return 8
	case ImmediateOperandZ:
		if operand == OperandSize16 {
			return 2
		}

		return 4
	case ImmediateOperandV:
		return operand.Bytes()
	case Immediate16And8:
		return 3
	case ImmediateFarPointer:
		if operand == OperandSize16 {
			return 4
		}

		return 6
	case ImmediateMemoryOffset:
		return address.Bytes()
	default:
		panic(fmt.Sprintf("invalid immediate type %d", t))
	}
}

// IsContextual returns whether the immediate
// size depends on the operand or address
// size.
func (t ImmediateType) IsContextual() bool {
	switch t {
	case ImmediateOperandZ, ImmediateOperandV, ImmediateFarPointer, ImmediateMemoryOffset:
		return true
	}

	return false
}

func (t ImmediateType) String() string {
	switch t {
	case ImmediateNone:
		return "none"
	case Immediate8:
		return "ib"
	case Immediate16:
		return "iw"
	case Immediate32:
		return "id"
	case Immediate64:
		return "io"
	case ImmediateOperandZ:
		return "iz"
	case ImmediateOperandV:
		return "iv"
	case Immediate16And8:
		return "iw ib"
	case ImmediateFarPointer:
		return "ptr"
	case ImmediateMemoryOffset:
		return "moffs"
	default:
		return fmt.Sprintf("ImmediateType(%d)", t)
	}
}
