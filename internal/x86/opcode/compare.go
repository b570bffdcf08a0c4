// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"fmt"
)

// Comparison describes how the sets of
// instructions matched by two rules
// relate to one another.
type Comparison uint8

const (
	Equal          Comparison = iota // The rules match the same instructions.
	Different                        // No instruction matches both rules.
	LhsMoreGeneral                   // The left rule matches a superset of the right rule.
	RhsMoreGeneral                   // The right rule matches a superset of the left rule.
	Ambiguous                        // The rules overlap, but neither contains the other.
)

// Swap returns the comparison with
// the operands exchanged.
func (c Comparison) Swap() Comparison {
	switch c {
	case LhsMoreGeneral:
		return RhsMoreGeneral
	case RhsMoreGeneral:
		return LhsMoreGeneral
	default:
		return c
	}
}

// Combine returns the comparison of two
// rules, given c and d, the comparisons
// of two of their fields.
//
// A Different field makes the rules
// Different, regardless of the other
// fields. Otherwise, an Ambiguous field,
// or two fields that are more general in
// opposite directions, make the rules
// Ambiguous.
func (c Comparison) Combine(d Comparison) Comparison {
	switch {
	case c == Different || d == Different:
		return Different
	case c == Ambiguous || d == Ambiguous:
		return Ambiguous
	case c == Equal:
		return d
	case d == Equal || c == d:
		return c
	default:
		return Ambiguous
	}
}

func (c Comparison) String() string {
	switch c {
	case Equal:
		return "equal"
	case Different:
		return "different"
	case LhsMoreGeneral:
		return "lhs more general"
	case RhsMoreGeneral:
		return "rhs more general"
	case Ambiguous:
		return "ambiguous"
	default:
		return fmt.Sprintf("Comparison(%d)", c)
	}
}

// compareSets compares two sets, stored
// as bitmasks.
func compareSets(a, b uint8) Comparison {
	switch {
	case a == b:
		return Equal
	case a&b == 0:
		return Different
	case a&b == b:
		return LhsMoreGeneral
	case a&b == a:
		return RhsMoreGeneral
	default:
		return Ambiguous
	}
}

// compareFixed compares two fields that
// are either unconstrained (zero) or
// fixed to a value.
func compareFixed[T comparable](a, b, unconstrained T) Comparison {
	switch {
	case a == b:
		return Equal
	case a == unconstrained:
		return LhsMoreGeneral
	case b == unconstrained:
		return RhsMoreGeneral
	default:
		return Different
	}
}

func compareExact[T comparable](a, b T) Comparison {
	if a == b {
		return Equal
	}

	return Different
}

func compareMainBytes(a, b Encoding) Comparison {
	mask := a.MainByteMask & b.MainByteMask
	switch {
	case a.MainByte&mask != b.MainByte&mask:
		return Different
	case a.MainByteMask == b.MainByteMask:
		return Equal
	case mask == a.MainByteMask:
		return LhsMoreGeneral
	case mask == b.MainByteMask:
		return RhsMoreGeneral
	default:
		return Ambiguous
	}
}

func compareModRM(a, b ModRMConstraint) Comparison {
	switch {
	case !a.Present && !b.Present:
		return Equal
	case a.Present != b.Present:
		// The instructions would have
		// different lengths.
		return Ambiguous
	}

	return compareFixed(a.Mod, b.Mod, ModAny).
		Combine(compareFixed(a.Reg, b.Reg, 0)).
		Combine(compareFixed(a.RM, b.RM, 0))
}

func compareImmediates(a, b Encoding) Comparison {
	if a.Immediate != b.Immediate {
		return Ambiguous
	}

	return compareFixed(a.FixedImm8, b.FixedImm8, 0)
}

// Compare determines whether any instruction
// could be matched by both a and b, and if so,
// whether one rule is more general than the
// other.
//
// Compare(b, a) is always Compare(a, b).Swap().
func Compare(a, b Encoding) Comparison {
	c := compareSets(uint8(a.CodeSegments), uint8(b.CodeSegments))
	if c == Different {
		return c
	}

	c = c.Combine(compareSets(uint8(a.AddressSizes), uint8(b.AddressSizes)))
	c = c.Combine(compareExact(a.Form, b.Form))
	if c == Different {
		return c
	}

	c = c.Combine(compareSets(uint8(a.OperandSizes), uint8(b.OperandSizes)))
	if a.Form.IsVector() {
		c = c.Combine(compareSets(uint8(a.VectorLengths), uint8(b.VectorLengths)))
	}

	c = c.Combine(compareSets(uint8(a.SIMDPrefixes), uint8(b.SIMDPrefixes)))
	c = c.Combine(compareFixed(a.W, b.W, WIgnored))
	c = c.Combine(compareExact(a.Map, b.Map))
	c = c.Combine(compareMainBytes(a, b))
	if c == Different {
		return c
	}

	c = c.Combine(compareModRM(a.ModRM, b.ModRM))
	c = c.Combine(compareImmediates(a, b))

	return c
}
