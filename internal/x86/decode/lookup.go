// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decode

import (
	"fmt"

	"firefly-os.dev/tools/x86dec/internal/x86"
	"firefly-os.dev/tools/x86dec/internal/x86/opcode"
)

// Query describes the instruction being
// decoded, up to and including its main
// opcode byte. ModRM is only set on the
// second lookup for an instruction.
type Query struct {
	Mode     x86.CodeSegmentType
	Prefixes x86.LegacyPrefixList
	Xex      x86.Xex
	MainByte byte
	ModRM    x86.OptionalModRM
}

// LookupStatus is the outcome of an
// opcode lookup.
type LookupStatus uint8

const (
	NotFound   LookupStatus = iota // No instruction has the opcode.
	Found                          // The instruction's layout is known.
	NeedsModRM                     // The layout depends on the ModR/M byte.
)

func (s LookupStatus) String() string {
	switch s {
	case NotFound:
		return "not found"
	case Found:
		return "found"
	case NeedsModRM:
		return "needs ModR/M"
	default:
		return fmt.Sprintf("LookupStatus(%d)", s)
	}
}

// LookupResult describes the layout of
// the rest of an instruction.
//
// When Status is NeedsModRM, HasModRM
// is always true and ImmediateSize and
// Tag are not yet known.
type LookupResult struct {
	Status        LookupStatus
	HasModRM      bool
	ImmediateSize int
	Tag           string
}

// Lookup identifies instructions for a
// decoder.
//
// The decoder calls Lookup once the main
// opcode byte has been read, without a
// ModR/M byte. If the result is NeedsModRM,
// Lookup is called again once the ModR/M
// byte has been read, and must then return
// NotFound, or Found with HasModRM set.
type Lookup interface {
	Lookup(Query) LookupResult
}

// LookupFunc is a function that
// implements Lookup.
type LookupFunc func(Query) LookupResult

func (fn LookupFunc) Lookup(q Query) LookupResult { return fn(q) }

// ImmediateMatcher is implemented by
// lookups that can refine the tag of an
// instruction using its 8-bit immediate,
// such as 3DNow! instructions, whose
// immediate selects the operation.
type ImmediateMatcher interface {
	MatchImmediate(q Query, imm8 byte) (tag string, ok bool)
}

// TableLookup implements Lookup and
// ImmediateMatcher using an opcode table.
type TableLookup struct {
	Table *opcode.Table
}

var (
	_ Lookup           = TableLookup{}
	_ ImmediateMatcher = TableLookup{}
)

func (q Query) opcodeQuery() opcode.Query {
	return opcode.Query{
		Mode:     q.Mode,
		Prefixes: q.Prefixes,
		Xex:      q.Xex,
		MainByte: q.MainByte,
		ModRM:    q.ModRM,
	}
}

func (l TableLookup) result(q Query, entry *opcode.Entry) LookupResult {
	return LookupResult{
		Status:        Found,
		HasModRM:      entry.Encoding.ModRM.Present,
		ImmediateSize: entry.Encoding.ImmediateSize(q.Mode, q.Prefixes, q.Xex),
		Tag:           entry.Tag,
	}
}

// Lookup returns the layout of the most
// specific rule that matches q.
func (l TableLookup) Lookup(q Query) LookupResult {
	oq := q.opcodeQuery()
	if q.ModRM.IsSet() {
		entry, ok := l.Table.Find(oq)
		if !ok {
			return LookupResult{Status: NotFound}
		}

		return l.result(q, entry)
	}

	candidates := l.Table.Candidates(oq)
	if len(candidates) == 0 {
		return LookupResult{Status: NotFound}
	}

	// Rules for the same opcode cannot
	// disagree about whether there is a
	// ModR/M byte, or they would be
	// ambiguous.
	first := l.result(q, candidates[0])
	if !first.HasModRM {
		return first
	}

	for _, entry := range candidates {
		if entry.Encoding.ModRM.DependsOnModRM() ||
			entry.Encoding.ImmediateSize(q.Mode, q.Prefixes, q.Xex) != first.ImmediateSize {
			return LookupResult{Status: NeedsModRM, HasModRM: true}
		}
	}

	return first
}

// MatchImmediate returns the tag of the
// most specific rule that matches the
// complete instruction.
func (l TableLookup) MatchImmediate(q Query, imm8 byte) (tag string, ok bool) {
	oq := q.opcodeQuery()
	oq.Imm8 = imm8
	oq.HasImm8 = true
	entry, ok := l.Table.Match(oq)
	if !ok {
		return "", false
	}

	return entry.Tag, true
}
