// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
)

// ModRM provides helper functionality
// for reading and writing a ModR/M
// byte.
type ModRM byte

// Intel x86 manuals, Volume 2A,
// Section 2.1.5, Table 2-1.
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| mod | reg/opcode |  r/m |

const (
	ModRMmod00 ModRM = 0b00_000_000
	ModRMmod01 ModRM = 0b01_000_000
	ModRMmod10 ModRM = 0b10_000_000
	ModRMmod11 ModRM = 0b11_000_000

	ModRMmodDereferenceRegister    = ModRMmod00
	ModRMmodSmallDisplacedRegister = ModRMmod01
	ModRMmodLargeDisplacedRegister = ModRMmod10
	ModRMmodRegister               = ModRMmod11

	ModRMrmSIB                = 0b100
	ModRMrmDisplacementOnly32 = 0b101
	ModRMrmDisplacementOnly16 = 0b110
)

// NewModRM returns the ModR/M byte with
// the given fields. Only the low bits of
// each field are used.
func NewModRM(mod, reg, rm byte) ModRM {
	var m ModRM
	m.SetMod(mod)
	m.SetReg(reg)
	m.SetRM(rm)
	return m
}

func (m ModRM) Mod() byte      { return byte(m&0b11000000) >> 6 }
func (m ModRM) Reg() byte      { return byte(m&0b00111000) >> 3 }
func (m ModRM) RM() byte       { return byte(m&0b00000111) >> 0 }
func (m *ModRM) SetMod(b byte) { *m = (*m & 0b00111111) | ((ModRM(b) & 0b11) << 6) }
func (m *ModRM) SetReg(b byte) { *m = (*m & 0b11000111) | ((ModRM(b) & 0b111) << 3) }
func (m *ModRM) SetRM(b byte)  { *m = (*m & 0b11111000) | ((ModRM(b) & 0b111) << 0) }

// IsDirect returns whether the r/m field
// names a register rather than memory.
func (m ModRM) IsDirect() bool { return m.Mod() == 0b11 }

// IsMemory returns whether the r/m field
// describes a memory operand.
func (m ModRM) IsMemory() bool { return m.Mod() != 0b11 }

// ImpliesSIB returns whether a SIB byte
// follows the ModR/M byte.
func (m ModRM) ImpliesSIB(size AddressSize) bool {
	return size != AddressSize16 && m.IsMemory() && m.RM() == ModRMrmSIB
}

// IsAbsoluteDisplacementOnly returns whether
// the ModR/M byte describes a memory operand
// with no base or index register, just a
// displacement. In long mode, the 32-bit form
// is RIP-relative instead.
func (m ModRM) IsAbsoluteDisplacementOnly(size AddressSize) bool {
	if m.Mod() != 0b00 {
		return false
	}

	if size == AddressSize16 {
		return m.RM() == ModRMrmDisplacementOnly16
	}

	return m.RM() == ModRMrmDisplacementOnly32
}

// DisplacementSize returns the size of the
// displacement that follows the ModR/M byte
// and any SIB byte. The SIB byte is needed
// to recognise a base-less SIB form.
func (m ModRM) DisplacementSize(size AddressSize, sib OptionalSIB) DisplacementSize {
	switch m.Mod() {
	case 0b00:
		if m.IsAbsoluteDisplacementOnly(size) {
			return MaximumDisplacementSize(size)
		}

		if m.ImpliesSIB(size) {
			if s, ok := sib.Get(); ok && s.Base() == SIBbaseNone {
				return DisplacementSize32
			}
		}

		return DisplacementSize0
	case 0b01:
		return DisplacementSize8
	case 0b10:
		return MaximumDisplacementSize(size)
	default:
		return DisplacementSize0
	}
}

func (m ModRM) String() string {
	return fmt.Sprintf("{Mod: %02b, Reg: %03b, R/M: %03b}", m.Mod(), m.Reg(), m.RM())
}

// OptionalModRM is a ModR/M byte that
// may be absent. The zero value is
// absent, which is distinct from a
// present ModR/M byte of zero.
type OptionalModRM struct {
	modrm ModRM
	ok    bool
}

// SomeModRM returns a present
// ModR/M byte.
func SomeModRM(m ModRM) OptionalModRM { return OptionalModRM{modrm: m, ok: true} }

func (o OptionalModRM) Get() (ModRM, bool) { return o.modrm, o.ok }
func (o OptionalModRM) IsSet() bool        { return o.ok }

func (o OptionalModRM) String() string {
	if !o.ok {
		return "none"
	}

	return o.modrm.String()
}

// SIB provides helper functionality
// for reading and writing a SIB
// byte.
type SIB byte

const (
	// Section 2.1.5, table 2.3, Index column.
	SIBindexNone = 0b100

	// Section 2.1.5, table 2.3, Base row.
	SIBbaseStackPointer = 0b100
	SIBbaseNone         = 0b101
)

// NewSIB returns the SIB byte with the
// given fields. The scale is the log2
// of the scale factor.
func NewSIB(scale, index, base byte) SIB {
	var s SIB
	s.SetScale(scale)
	s.SetIndex(index)
	s.SetBase(base)
	return s
}

func (s SIB) Scale() byte      { return byte(s&0b11000000) >> 6 }
func (s SIB) Index() byte      { return byte(s&0b00111000) >> 3 }
func (s SIB) Base() byte       { return byte(s&0b00000111) >> 0 }
func (s *SIB) SetScale(b byte) { *s = (*s & 0b00111111) | ((SIB(b) & 0b11) << 6) }
func (s *SIB) SetIndex(b byte) { *s = (*s & 0b11000111) | ((SIB(b) & 0b111) << 3) }
func (s *SIB) SetBase(b byte)  { *s = (*s & 0b11111000) | ((SIB(b) & 0b111) << 0) }

// ScaleFactor returns the index
// multiplier: 1, 2, 4, or 8.
func (s SIB) ScaleFactor() int { return 1 << s.Scale() }

// ScaleFromFactor returns the SIB
// scale field for a scale factor.
func ScaleFromFactor(factor int) (byte, bool) {
	switch factor {
	case 1:
		return 0b00, true
	case 2:
		return 0b01, true
	case 4:
		return 0b10, true
	case 8:
		return 0b11, true
	default:
		return 0, false
	}
}

func (s SIB) String() string {
	return fmt.Sprintf("{Scale: %02b, Index: %03b, Base: %03b}", s.Scale(), s.Index(), s.Base())
}

// OptionalSIB is a SIB byte that
// may be absent.
type OptionalSIB struct {
	sib SIB
	ok  bool
}

// SomeSIB returns a present
// SIB byte.
func SomeSIB(s SIB) OptionalSIB { return OptionalSIB{sib: s, ok: true} }

func (o OptionalSIB) Get() (SIB, bool) { return o.sib, o.ok }
func (o OptionalSIB) IsSet() bool      { return o.ok }

func (o OptionalSIB) String() string {
	if !o.ok {
		return "none"
	}

	return o.sib.String()
}
