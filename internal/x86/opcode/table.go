// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"errors"
	"fmt"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

// Entry is a rule in a Table, along
// with the tag that identifies the
// instruction it matches, such as a
// mnemonic.
type Entry struct {
	Encoding Encoding
	Tag      string
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s (%s)", e.Tag, e.Encoding)
}

// Query describes an instruction being
// decoded, up to and including its main
// opcode byte, with its ModR/M byte and
// 8-bit immediate if known.
type Query struct {
	Mode     x86.CodeSegmentType
	Prefixes x86.LegacyPrefixList
	Xex      x86.Xex
	MainByte byte
	ModRM    x86.OptionalModRM

	Imm8    byte
	HasImm8 bool
}

// anySIMDPrefix is used in bucket keys
// when the prefix is not carried by a
// vector prefix, or a rule accepts more
// than one SIMD prefix.
const anySIMDPrefix = 0xff

type bucketKey struct {
	form   XexForm
	simd   uint8
	opMap  x86.OpcodeMap
	opcode uint8 // The top 5 bits of the main byte.
}

// Table is a set of rules, indexed for
// lookup while decoding. No two rules in
// a table are equal or ambiguous, and
// where one rule is more general than
// another, the more specific rule is
// matched first.
//
// A Table must not be modified while it
// is in use, but may be used by multiple
// goroutines concurrently once complete.
type Table struct {
	entries []*Entry
	buckets map[bucketKey][]*Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		buckets: make(map[bucketKey][]*Entry),
	}
}

// ErrConflictingRules indicates that a
// rule could not be added to a table,
// as it overlaps with an existing rule.
var ErrConflictingRules = errors.New("conflicting rules")

// bucketKeys returns the keys of the
// buckets a rule is stored in.
func bucketKeys(enc Encoding) []bucketKey {
	simd := uint8(anySIMDPrefix)
	if enc.Form.IsVector() {
		if p, ok := enc.SIMDPrefixes.Only(); ok {
			simd = uint8(p)
		}
	}

	first := enc.MainByte >> 3
	last := (enc.MainByte | ^enc.MainByteMask) >> 3
	keys := make([]bucketKey, 0, last-first+1)
	for opcode := first; opcode <= last; opcode++ {
		keys = append(keys, bucketKey{form: enc.Form, simd: simd, opMap: enc.Map, opcode: opcode})
	}

	return keys
}

// relatedKeys returns the keys of the
// buckets containing rules that may
// overlap with a rule stored under key.
func relatedKeys(key bucketKey) []bucketKey {
	if !key.form.IsVector() {
		return []bucketKey{key}
	}

	if key.simd != anySIMDPrefix {
		wildcard := key
		wildcard.simd = anySIMDPrefix
		return []bucketKey{key, wildcard}
	}

	keys := []bucketKey{key}
	for p := x86.SIMDPrefixNone; p <= x86.SIMDPrefixF2; p++ {
		specific := key
		specific.simd = uint8(p)
		keys = append(keys, specific)
	}

	return keys
}

// Add inserts a rule into the table.
//
// If the table already contains a rule
// with the same tag that differs only in
// matching a 16-bit rather than a 32-bit
// operand size, or vice versa, the two
// rules are merged.
//
// Add returns an error if the rule is
// invalid, or if it is equal to or
// ambiguous with an existing rule.
func (t *Table) Add(enc Encoding, tag string) error {
	if err := enc.Validate(); err != nil {
		return fmt.Errorf("cannot add %s: %w", tag, err)
	}

	keys := bucketKeys(enc)
	if twin := t.findTwin(keys, enc, tag); twin != nil {
		merged, _ := mergeOperandSizes(twin.Encoding, enc)
		if err := t.check(keys, merged, tag, twin); err != nil {
			return err
		}

		twin.Encoding = merged
		return nil
	}

	if err := t.check(keys, enc, tag, nil); err != nil {
		return err
	}

	entry := &Entry{Encoding: enc, Tag: tag}
	t.entries = append(t.entries, entry)
	for _, key := range keys {
		t.buckets[key] = insert(t.buckets[key], entry)
	}

	return nil
}

// findTwin returns any entry that can be
// merged with the given rule.
func (t *Table) findTwin(keys []bucketKey, enc Encoding, tag string) *Entry {
	for _, entry := range t.buckets[keys[0]] {
		if entry.Tag != tag {
			continue
		}

		if _, ok := mergeOperandSizes(entry.Encoding, enc); ok {
			return entry
		}
	}

	return nil
}

// check returns an error if enc is equal
// to or ambiguous with any existing rule
// other than skip.
func (t *Table) check(keys []bucketKey, enc Encoding, tag string, skip *Entry) error {
	for _, key := range keys {
		for _, related := range relatedKeys(key) {
			for _, entry := range t.buckets[related] {
				if entry == skip {
					continue
				}

				switch c := Compare(enc, entry.Encoding); c {
				case Equal, Ambiguous:
					return fmt.Errorf("%w: %s (%s) is %s with %s", ErrConflictingRules, tag, enc, c, entry)
				}
			}
		}
	}

	return nil
}

// insert adds entry to the bucket,
// before the first rule that is more
// general than it.
func insert(bucket []*Entry, entry *Entry) []*Entry {
	for i, other := range bucket {
		if Compare(entry.Encoding, other.Encoding) == RhsMoreGeneral {
			bucket = append(bucket, nil)
			copy(bucket[i+1:], bucket[i:])
			bucket[i] = entry
			return bucket
		}
	}

	return append(bucket, entry)
}

// Len returns the number of rules
// in the table.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the table's rules
// in the order they were added.
func (t *Table) Entries() []*Entry {
	entries := make([]*Entry, len(t.entries))
	copy(entries, t.entries)
	return entries
}

// Buckets returns the number of buckets
// in the table and the number of rules
// in the largest bucket.
func (t *Table) Buckets() (buckets, largest int) {
	for _, bucket := range t.buckets {
		if len(bucket) > largest {
			largest = len(bucket)
		}
	}

	return len(t.buckets), largest
}

// Candidates returns the rules that match
// the query's prefixes and opcode, most
// specific first. The ModR/M byte and
// immediate are not considered.
func (t *Table) Candidates(q Query) []*Entry {
	form := FormOf(q.Xex.Type())
	key := bucketKey{form: form, simd: anySIMDPrefix, opMap: q.Xex.OpcodeMap(), opcode: q.MainByte >> 3}
	keys := []bucketKey{key}
	if simd, ok := q.Xex.SIMDPrefix(); ok {
		specific := key
		specific.simd = uint8(simd)
		keys = []bucketKey{specific, key}
	}

	var candidates []*Entry
	for _, key := range keys {
		for _, entry := range t.buckets[key] {
			if entry.Encoding.MatchesOpcode(q.Mode, q.Prefixes, q.Xex, q.MainByte) {
				candidates = insert(candidates, entry)
			}
		}
	}

	return candidates
}

// Find returns the most specific rule that
// matches the query. If the query has no
// ModR/M byte, only rules without a ModR/M
// byte can match. Any fixed immediate is
// ignored.
func (t *Table) Find(q Query) (*Entry, bool) {
	for _, entry := range t.Candidates(q) {
		if entry.matchesModRM(q.ModRM) {
			return entry, true
		}
	}

	return nil, false
}

// Match returns the rule that identifies
// a complete instruction, including any
// fixed 8-bit immediate.
func (t *Table) Match(q Query) (*Entry, bool) {
	for _, entry := range t.Candidates(q) {
		if !entry.matchesModRM(q.ModRM) {
			continue
		}

		if q.HasImm8 && !entry.Encoding.MatchesImmediate(q.Imm8) {
			continue
		}

		return entry, true
	}

	return nil, false
}

func (e *Entry) matchesModRM(modrm x86.OptionalModRM) bool {
	m, ok := modrm.Get()
	if !ok {
		return !e.Encoding.ModRM.Present
	}

	return e.Encoding.ModRM.Matches(m)
}
