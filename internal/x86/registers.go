// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strings"
)

// GPR is the 4-bit encoding of a general
// purpose register, as it appears in the
// ModR/M and SIB fields combined with the
// REX (or equivalent) extension bit.
type GPR uint8

const (
	GPR0 GPR = iota // al, ax, eax, rax
	GPR1            // cl, cx, ecx, rcx
	GPR2            // dl, dx, edx, rdx
	GPR3            // bl, bx, ebx, rbx
	GPR4            // spl, sp, esp, rsp
	GPR5            // bpl, bp, ebp, rbp
	GPR6            // sil, si, esi, rsi
	GPR7            // dil, di, edi, rdi
	GPR8
	GPR9
	GPR10
	GPR11
	GPR12
	GPR13
	GPR14
	GPR15

	NumGPRs = 16
)

const (
	RegA  = GPR0
	RegC  = GPR1
	RegD  = GPR2
	RegB  = GPR3
	RegSP = GPR4
	RegBP = GPR5
	RegSI = GPR6
	RegDI = GPR7
)

// gprNames contains the names of the
// general purpose registers, by integer
// size and then register number.
var gprNames = [4][NumGPRs]string{
	IntegerSize8: {
		"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
		"r8l", "r9l", "r10l", "r11l", "r12l", "r13l", "r14l", "r15l",
	},
	IntegerSize16: {
		"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
		"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
	},
	IntegerSize32: {
		"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
		"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
	},
	IntegerSize64: {
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
}

// gprAliases maps the alternative names
// of some registers onto their canonical
// names.
var gprAliases = map[string]string{
	"r8b":  "r8l",
	"r9b":  "r9l",
	"r10b": "r10l",
	"r11b": "r11l",
	"r12b": "r12l",
	"r13b": "r13l",
	"r14b": "r14l",
	"r15b": "r15l",
}

type sizedGPR struct {
	reg  GPR
	size IntegerSize
}

// gprsByName maps each register name
// onto its number and size.
var gprsByName = make(map[string]sizedGPR)

func init() {
	for size, names := range gprNames {
		for reg, name := range names {
			gprsByName[name] = sizedGPR{reg: GPR(reg), size: IntegerSize(size)}
		}
	}

	for alias, name := range gprAliases {
		gprsByName[alias] = gprsByName[name]
	}
}

// ParseGPR returns the register number
// and size for the given register name,
// such as "r13d".
func ParseGPR(name string) (GPR, IntegerSize, error) {
	r, ok := gprsByName[strings.ToLower(name)]
	if !ok {
		return 0, 0, fmt.Errorf("invalid general purpose register %q", name)
	}

	return r.reg, r.size, nil
}

// Low returns the three bits of the
// register number that are stored in
// the ModR/M or SIB byte.
func (r GPR) Low() byte { return byte(r) & 0b111 }

// IsExtended returns whether the register
// requires an extension bit, which is only
// available in long mode.
func (r GPR) IsExtended() bool { return r >= GPR8 }

// Name returns the register's name for
// the given integer size.
func (r GPR) Name(size IntegerSize) string {
	if r >= NumGPRs || size > IntegerSize64 {
		return fmt.Sprintf("GPR(%d)", r)
	}

	return gprNames[size][r]
}

// AddressName returns the register's name
// when used in an address of the given
// size.
func (r GPR) AddressName(size AddressSize) string {
	switch size {
	case AddressSize16:
		return r.Name(IntegerSize16)
	case AddressSize32:
		return r.Name(IntegerSize32)
	default:
		return r.Name(IntegerSize64)
	}
}

func (r GPR) String() string { return r.Name(IntegerSize64) }

// SegmentRegister identifies one of the
// six segment registers. The zero value
// means no segment has been chosen, so
// the default segment applies.
type SegmentRegister uint8

const (
	SegmentDefault SegmentRegister = iota
	SegmentES
	SegmentCS
	SegmentSS
	SegmentDS
	SegmentFS
	SegmentGS
)

// ParseSegmentRegister returns the segment
// register with the given name.
func ParseSegmentRegister(name string) (SegmentRegister, error) {
	switch strings.ToLower(name) {
	case "es":
		return SegmentES, nil
	case "cs":
		return SegmentCS, nil
	case "ss":
		return SegmentSS, nil
	case "ds":
		return SegmentDS, nil
	case "fs":
		return SegmentFS, nil
	case "gs":
		return SegmentGS, nil
	default:
		return 0, fmt.Errorf("invalid segment register %q", name)
	}
}

// OverridePrefix returns the legacy
// prefix that selects the segment.
func (s SegmentRegister) OverridePrefix() LegacyPrefix {
	switch s {
	case SegmentES:
		return PrefixES
	case SegmentCS:
		return PrefixCS
	case SegmentSS:
		return PrefixSS
	case SegmentDS:
		return PrefixDS
	case SegmentFS:
		return PrefixFS
	case SegmentGS:
		return PrefixGS
	default:
		panic(fmt.Sprintf("invalid segment register %d", s))
	}
}

// Reg returns the segment register's
// number in the ModR/M.reg field.
func (s SegmentRegister) Reg() byte {
	if s == SegmentDefault {
		panic("default segment has no register number")
	}

	return byte(s - 1)
}

func (s SegmentRegister) String() string {
	switch s {
	case SegmentDefault:
		return "default"
	case SegmentES:
		return "es"
	case SegmentCS:
		return "cs"
	case SegmentSS:
		return "ss"
	case SegmentDS:
		return "ds"
	case SegmentFS:
		return "fs"
	case SegmentGS:
		return "gs"
	default:
		return fmt.Sprintf("SegmentRegister(%d)", s)
	}
}
