// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/mod/semver"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

// TableFormat is the version of the table
// file format written by this package. Files
// with the same major version can be read.
const TableFormat = "v1.0.0"

// A table file is a stream of JSON objects.
// The first is a header, identifying the
// format. Each subsequent object is a rule.
//
//	{"format": "v1.0.0"}
//	{"mnemonic": "CPUID", "encoding": "0F A2"}
//	{"mnemonic": "MOV", "encoding": "A1", "immediate": "moffs", "operandSizes": [32]}

type jsonHeader struct {
	Format string `json:"format"`
}

type jsonEntry struct {
	// The instruction's tag.
	Mnemonic string `json:"mnemonic"`

	// The textual representation of the
	// encoding, as accepted by ParseEncoding.
	Encoding string `json:"encoding"`

	// Any restrictions on the code segment
	// type, operand size and address size,
	// in bits.
	Modes        []int `json:"modes,omitempty"`
	OperandSizes []int `json:"operandSizes,omitempty"`
	AddressSizes []int `json:"addressSizes,omitempty"`

	// Any immediate type that cannot be
	// expressed in the encoding syntax,
	// such as "moffs".
	Immediate string `json:"immediate,omitempty"`
}

// ErrUnsupportedFormat indicates a table
// file in a format that cannot be read.
var ErrUnsupportedFormat = errors.New("unsupported table format")

// ReadEntries parses the rules in a table
// file, merging any 16-bit and 32-bit twins
// with MergeOperandSizes.
func ReadEntries(r io.Reader) ([]Entry, error) {
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()

	var header jsonHeader
	if err := d.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to parse table header: %w", err)
	}

	if !semver.IsValid(header.Format) {
		return nil, fmt.Errorf("%w: invalid format version %q", ErrUnsupportedFormat, header.Format)
	}

	if semver.Major(header.Format) != semver.Major(TableFormat) {
		return nil, fmt.Errorf("%w: format %s is not compatible with %s", ErrUnsupportedFormat, header.Format, TableFormat)
	}

	var entries []Entry
	for i := 1; ; i++ {
		var j jsonEntry
		err := d.Decode(&j)
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to parse entry %d: %w", i, err)
		}

		entry, err := j.entry()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		entries = append(entries, entry)
	}

	return MergeOperandSizes(entries), nil
}

func (j *jsonEntry) entry() (Entry, error) {
	if j.Mnemonic == "" {
		return Entry{}, fmt.Errorf("missing mnemonic")
	}

	enc, err := ParseEncoding(j.Encoding)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", j.Mnemonic, err)
	}

	if len(j.Modes) > 0 {
		var modes CodeSegmentSet
		for _, bits := range j.Modes {
			mode, ok := codeSegmentFromBits(bits)
			if !ok {
				return Entry{}, fmt.Errorf("%s: invalid mode %d", j.Mnemonic, bits)
			}

			modes |= NewCodeSegmentSet(mode)
		}

		enc.CodeSegments &= modes
	}

	if len(j.OperandSizes) > 0 {
		var sizes OperandSizeSet
		for _, bits := range j.OperandSizes {
			size, ok := operandSizeFromBits(bits)
			if !ok {
				return Entry{}, fmt.Errorf("%s: invalid operand size %d", j.Mnemonic, bits)
			}

			sizes |= NewOperandSizeSet(size)
		}

		enc.OperandSizes &= sizes
	}

	if len(j.AddressSizes) > 0 {
		var sizes AddressSizeSet
		for _, bits := range j.AddressSizes {
			size, ok := addressSizeFromBits(bits)
			if !ok {
				return Entry{}, fmt.Errorf("%s: invalid address size %d", j.Mnemonic, bits)
			}

			sizes |= NewAddressSizeSet(size)
		}

		enc.AddressSizes &= sizes
	}

	if j.Immediate != "" {
		imm, ok := parseImmediateType(j.Immediate)
		if !ok {
			return Entry{}, fmt.Errorf("%s: invalid immediate %q", j.Mnemonic, j.Immediate)
		}

		enc.Immediate = imm
		enc.FixedImm8 = 0
	}

	if err := enc.Validate(); err != nil {
		return Entry{}, fmt.Errorf("%s: %w", j.Mnemonic, err)
	}

	return Entry{Encoding: enc, Tag: j.Mnemonic}, nil
}

func codeSegmentFromBits(bits int) (x86.CodeSegmentType, bool) {
	for _, mode := range x86.CodeSegmentTypes {
		if mode.Bits() == bits {
			return mode, true
		}
	}

	return 0, false
}

func operandSizeFromBits(bits int) (x86.OperandSize, bool) {
	for size := x86.OperandSize16; size <= x86.OperandSize64; size++ {
		if size.Bits() == bits {
			return size, true
		}
	}

	return 0, false
}

func addressSizeFromBits(bits int) (x86.AddressSize, bool) {
	for size := x86.AddressSize16; size <= x86.AddressSize64; size++ {
		if size.Bits() == bits {
			return size, true
		}
	}

	return 0, false
}

func parseImmediateType(s string) (x86.ImmediateType, bool) {
	for t := x86.ImmediateNone; t <= x86.ImmediateMemoryOffset; t++ {
		if t.String() == s {
			return t, true
		}
	}

	return 0, false
}

// ReadTable reads the rules in a table file
// and adds them to t.
func (t *Table) ReadTable(r io.Reader) error {
	entries, err := ReadEntries(r)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := t.Add(entry.Encoding, entry.Tag); err != nil {
			return err
		}
	}

	return nil
}

// ReadTableFile reads the rules in the named
// table file and adds them to t.
func (t *Table) ReadTableFile(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}

	defer f.Close()

	if err := t.ReadTable(f); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}

// LoadTable returns a table containing the
// rules in the named table files.
func LoadTable(names ...string) (*Table, error) {
	t := NewTable()
	for _, name := range names {
		if err := t.ReadTableFile(name); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// WriteEntries writes the entries as a
// table file, using ParseEncoding syntax
// generated from each rule.
func WriteEntries(w io.Writer, entries []*Entry) error {
	e := json.NewEncoder(w)
	if err := e.Encode(jsonHeader{Format: TableFormat}); err != nil {
		return err
	}

	for _, entry := range entries {
		j, err := entry.json()
		if err != nil {
			return err
		}

		if err := e.Encode(j); err != nil {
			return err
		}
	}

	return nil
}

// json returns the table file form of
// the entry. The syntax expresses as much
// of the rule as it can, with any other
// restrictions in the remaining fields.
func (e *Entry) json() (jsonEntry, error) {
	syntax, err := e.Encoding.Syntax()
	if err != nil {
		return jsonEntry{}, fmt.Errorf("%s: %w", e.Tag, err)
	}

	base, err := ParseEncoding(syntax)
	if err != nil {
		return jsonEntry{}, fmt.Errorf("%s: %w", e.Tag, err)
	}

	j := jsonEntry{Mnemonic: e.Tag, Encoding: syntax}
	if base.CodeSegments != e.Encoding.CodeSegments {
		for _, mode := range x86.CodeSegmentTypes {
			if e.Encoding.CodeSegments.Contains(mode) {
				j.Modes = append(j.Modes, mode.Bits())
			}
		}
	}

	if base.OperandSizes != e.Encoding.OperandSizes {
		for size := x86.OperandSize16; size <= x86.OperandSize64; size++ {
			if e.Encoding.OperandSizes.Contains(size) {
				j.OperandSizes = append(j.OperandSizes, size.Bits())
			}
		}
	}

	if base.AddressSizes != e.Encoding.AddressSizes {
		for size := x86.AddressSize16; size <= x86.AddressSize64; size++ {
			if e.Encoding.AddressSizes.Contains(size) {
				j.AddressSizes = append(j.AddressSizes, size.Bits())
			}
		}
	}

	if base.Immediate != e.Encoding.Immediate {
		j.Immediate = e.Encoding.Immediate.String()
	}

	// Check that the rule survives the
	// round trip.
	got, err := j.entry()
	if err != nil {
		return jsonEntry{}, err
	}

	if got.Encoding != e.Encoding {
		return jsonEntry{}, fmt.Errorf("%s: rule %s cannot be expressed in a table file", e.Tag, e.Encoding)
	}

	return j, nil
}
