// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"errors"
	"fmt"
	"strings"
)

// LegacyPrefix represents a legacy x86 prefix.
type LegacyPrefix byte

const (
	PrefixLock        LegacyPrefix = 0xf0
	PrefixRepeatNot   LegacyPrefix = 0xf2
	PrefixRepeat      LegacyPrefix = 0xf3
	PrefixCS          LegacyPrefix = 0x2e
	PrefixSS          LegacyPrefix = 0x36
	PrefixDS          LegacyPrefix = 0x3e
	PrefixES          LegacyPrefix = 0x26
	PrefixFS          LegacyPrefix = 0x64
	PrefixGS          LegacyPrefix = 0x65
	PrefixUnlikely    LegacyPrefix = 0x2e
	PrefixLikely      LegacyPrefix = 0x3e
	PrefixOperandSize LegacyPrefix = 0x66
	PrefixAddressSize LegacyPrefix = 0x67
)

// legacyPrefixes lists each legacy prefix.
// A prefix's index in this list is its
// 4-bit code in a LegacyPrefixList.
var legacyPrefixes = [...]LegacyPrefix{
	PrefixLock,
	PrefixRepeatNot,
	PrefixRepeat,
	PrefixCS,
	PrefixSS,
	PrefixDS,
	PrefixES,
	PrefixFS,
	PrefixGS,
	PrefixOperandSize,
	PrefixAddressSize,
}

// IsLegacyPrefix returns whether b is a
// legacy prefix byte.
func IsLegacyPrefix(b byte) bool {
	return legacyPrefixCode(LegacyPrefix(b)) >= 0
}

func legacyPrefixCode(p LegacyPrefix) int {
	for i, prefix := range legacyPrefixes {
		if prefix == p {
			return i
		}
	}

	return -1
}

// Group returns the prefix group that
// p belongs to. At most one prefix from
// each group is meaningful for a single
// instruction.
func (p LegacyPrefix) Group() LegacyPrefixGroup {
	switch p {
	case PrefixLock:
		return GroupLock
	case PrefixRepeatNot, PrefixRepeat:
		return GroupRepeat
	case PrefixCS, PrefixSS, PrefixDS, PrefixES, PrefixFS, PrefixGS:
		return GroupSegment
	case PrefixOperandSize:
		return GroupOperandSize
	case PrefixAddressSize:
		return GroupAddressSize
	default:
		panic(fmt.Sprintf("invalid legacy prefix %#02x", byte(p)))
	}
}

// Segment returns the segment register
// selected by a segment override prefix.
func (p LegacyPrefix) Segment() (SegmentRegister, bool) {
	switch p {
	case PrefixES:
		return SegmentES, true
	case PrefixCS:
		return SegmentCS, true
	case PrefixSS:
		return SegmentSS, true
	case PrefixDS:
		return SegmentDS, true
	case PrefixFS:
		return SegmentFS, true
	case PrefixGS:
		return SegmentGS, true
	default:
		return 0, false
	}
}

func (p LegacyPrefix) String() string {
	switch p {
	case PrefixLock:
		return "lock"
	case PrefixRepeatNot:
		return "repnz/repne"
	case PrefixRepeat:
		return "rep/repe/repz"
	case PrefixCS:
		return "cs/unlikely"
	case PrefixSS:
		return "ss"
	case PrefixDS:
		return "ds/likely"
	case PrefixES:
		return "es"
	case PrefixFS:
		return "fs"
	case PrefixGS:
		return "gs"
	case PrefixOperandSize:
		return "data16/data32"
	case PrefixAddressSize:
		return "addr16/addr32"
	default:
		return fmt.Sprintf("Prefix(%#02x)", byte(p))
	}
}

// LegacyPrefixGroup identifies a set of
// mutually exclusive legacy prefixes.
type LegacyPrefixGroup uint8

const (
	GroupLock LegacyPrefixGroup = iota
	GroupRepeat
	GroupSegment
	GroupOperandSize
	GroupAddressSize
)

func (g LegacyPrefixGroup) String() string {
	switch g {
	case GroupLock:
		return "lock"
	case GroupRepeat:
		return "repeat"
	case GroupSegment:
		return "segment override"
	case GroupOperandSize:
		return "operand size override"
	case GroupAddressSize:
		return "address size override"
	default:
		return fmt.Sprintf("LegacyPrefixGroup(%d)", g)
	}
}

// ErrTooManyPrefixes is returned when a
// legacy prefix is appended to a full
// LegacyPrefixList.
var ErrTooManyPrefixes = errors.New("legacy prefix list is full")

// LegacyPrefixList is an ordered sequence
// of legacy prefixes, packed into a single
// word. The zero value is an empty list.
//
// The layout is:
//
//	| 31 | 30 29 28 | 27 .. 24 | .. | 3 .. 0 |
//	+----+----------+----------+----+--------+
//	| 0  |  count   | prefix 6 | .. | prefix 0 |
//
// where each prefix is stored as its index
// into the table of legacy prefixes.
type LegacyPrefixList uint32

// MaxLegacyPrefixes is the capacity of a
// LegacyPrefixList.
const MaxLegacyPrefixes = 7

const (
	prefixListCountShift = 28
	prefixListCodeBits   = 4
	prefixListCodeMask   = 0b1111
)

// NewLegacyPrefixList returns a list
// containing the given prefixes.
func NewLegacyPrefixList(prefixes ...LegacyPrefix) (LegacyPrefixList, error) {
	var l LegacyPrefixList
	for _, p := range prefixes {
		var err error
		l, err = l.Append(p)
		if err != nil {
			return 0, err
		}
	}

	return l, nil
}

// Len returns the number of prefixes
// in the list.
func (l LegacyPrefixList) Len() int { return int(l >> prefixListCountShift) }

// At returns the i'th prefix.
func (l LegacyPrefixList) At(i int) LegacyPrefix {
	if i < 0 || i >= l.Len() {
		panic(fmt.Sprintf("legacy prefix index %d out of range [0:%d]", i, l.Len()))
	}

	code := (l >> (i * prefixListCodeBits)) & prefixListCodeMask
	return legacyPrefixes[code]
}

// Append returns a copy of l with p added
// at the end.
func (l LegacyPrefixList) Append(p LegacyPrefix) (LegacyPrefixList, error) {
	code := legacyPrefixCode(p)
	if code < 0 {
		return l, fmt.Errorf("invalid legacy prefix %#02x", byte(p))
	}

	n := l.Len()
	if n >= MaxLegacyPrefixes {
		return l, ErrTooManyPrefixes
	}

	l &^= 0b111 << prefixListCountShift
	l |= LegacyPrefixList(code) << (n * prefixListCodeBits)
	l |= LegacyPrefixList(n+1) << prefixListCountShift

	return l, nil
}

// Contains returns whether p appears
// in the list.
func (l LegacyPrefixList) Contains(p LegacyPrefix) bool {
	for i := 0; i < l.Len(); i++ {
		if l.At(i) == p {
			return true
		}
	}

	return false
}

// PrefixFromGroup returns the first prefix
// in the list from the given group.
func (l LegacyPrefixList) PrefixFromGroup(group LegacyPrefixGroup) (LegacyPrefix, bool) {
	for i := 0; i < l.Len(); i++ {
		if p := l.At(i); p.Group() == group {
			return p, true
		}
	}

	return 0, false
}

// SegmentOverride returns any segment
// override in the list.
func (l LegacyPrefixList) SegmentOverride() (SegmentRegister, bool) {
	p, ok := l.PrefixFromGroup(GroupSegment)
	if !ok {
		return 0, false
	}

	return p.Segment()
}

// Repeat returns any repeat prefix
// in the list.
func (l LegacyPrefixList) Repeat() (LegacyPrefix, bool) {
	return l.PrefixFromGroup(GroupRepeat)
}

func (l LegacyPrefixList) HasLock() bool                { return l.Contains(PrefixLock) }
func (l LegacyPrefixList) HasOperandSizeOverride() bool { return l.Contains(PrefixOperandSize) }
func (l LegacyPrefixList) HasAddressSizeOverride() bool { return l.Contains(PrefixAddressSize) }

// PotentialSIMDPrefix returns the SIMD
// prefix that the legacy prefixes would
// select for an SSE instruction. A repeat
// prefix takes precedence over the
// operand size override.
func (l LegacyPrefixList) PotentialSIMDPrefix() SIMDPrefix {
	if p, ok := l.Repeat(); ok {
		if p == PrefixRepeat {
			return SIMDPrefixF3
		}

		return SIMDPrefixF2
	}

	if l.HasOperandSizeOverride() {
		return SIMDPrefix66
	}

	return SIMDPrefixNone
}

// Bytes returns the prefixes in order.
func (l LegacyPrefixList) Bytes() []byte {
	b := make([]byte, l.Len())
	for i := range b {
		b[i] = byte(l.At(i))
	}

	return b
}

func (l LegacyPrefixList) String() string {
	var s strings.Builder
	s.WriteByte('[')
	for i := 0; i < l.Len(); i++ {
		if i > 0 {
			s.WriteByte(' ')
		}

		fmt.Fprintf(&s, "%02x", byte(l.At(i)))
	}
	s.WriteByte(']')

	return s.String()
}
