// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

func TestReadEntries(t *testing.T) {
	const file = `{"format": "v1.2.0"}
{"mnemonic": "MOV", "encoding": "B8+rd iw", "operandSizes": [16]}
{"mnemonic": "CPUID", "encoding": "0F A2"}
{"mnemonic": "MOV", "encoding": "B8+rd id", "operandSizes": [32]}
{"mnemonic": "MOV", "encoding": "A1", "immediate": "moffs", "addressSizes": [32, 64]}
{"mnemonic": "INC", "encoding": "40+rd", "modes": [16, 32]}
`

	got, err := ReadEntries(strings.NewReader(file))
	if err != nil {
		t.Fatalf("ReadEntries(): %v", err)
	}

	want := []Entry{
		{
			Encoding: rule(0xb8, func(e *Encoding) {
				e.OperandSizes = NewOperandSizeSet(x86.OperandSize16, x86.OperandSize32)
				e.MainByteMask = MaskEmbeddedReg
				e.Immediate = x86.ImmediateOperandZ
			}),
			Tag: "MOV",
		},
		{
			Encoding: rule(0xa2, func(e *Encoding) {
				e.Map = x86.OpcodeMap0F
			}),
			Tag: "CPUID",
		},
		{
			Encoding: rule(0xa1, func(e *Encoding) {
				e.AddressSizes = NewAddressSizeSet(x86.AddressSize32, x86.AddressSize64)
				e.Immediate = x86.ImmediateMemoryOffset
			}),
			Tag: "MOV",
		},
		{
			Encoding: rule(0x40, func(e *Encoding) {
				e.CodeSegments = NewCodeSegmentSet(x86.CodeSegment16, x86.CodeSegment32)
				e.MainByteMask = MaskEmbeddedReg
			}),
			Tag: "INC",
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ReadEntries(): (-want, +got)\n%s", diff)
	}
}

func TestReadEntriesErrors(t *testing.T) {
	tests := []struct {
		Name   string
		File   string
		Format bool // Whether the error is ErrUnsupportedFormat.
	}{
		{
			Name:   "no header",
			File:   ``,
			Format: false,
		},
		{
			Name:   "invalid version",
			File:   `{"format": "1.0"}`,
			Format: true,
		},
		{
			Name:   "newer major version",
			File:   `{"format": "v2.0.0"}`,
			Format: true,
		},
		{
			Name: "unknown field",
			File: `{"format": "v1.0.0"}
{"mnemonic": "NOP", "encoding": "90", "flags": 1}`,
		},
		{
			Name: "missing mnemonic",
			File: `{"format": "v1.0.0"}
{"encoding": "90"}`,
		},
		{
			Name: "bad encoding",
			File: `{"format": "v1.0.0"}
{"mnemonic": "NOP", "encoding": "90 zz"}`,
		},
		{
			Name: "bad mode",
			File: `{"format": "v1.0.0"}
{"mnemonic": "NOP", "encoding": "90", "modes": [8]}`,
		},
		{
			Name: "bad immediate",
			File: `{"format": "v1.0.0"}
{"mnemonic": "NOP", "encoding": "90", "immediate": "iq"}`,
		},
		{
			Name: "no operand sizes",
			File: `{"format": "v1.0.0"}
{"mnemonic": "MOV", "encoding": "REX.W B8+rd io", "operandSizes": [32]}`,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			_, err := ReadEntries(strings.NewReader(test.File))
			if err == nil {
				t.Fatalf("ReadEntries(): unexpected success")
			}

			if got := errors.Is(err, ErrUnsupportedFormat); got != test.Format {
				t.Fatalf("ReadEntries(): got error %v, want unsupported format: %v", err, test.Format)
			}
		})
	}
}

func TestBuiltinTable(t *testing.T) {
	table, err := BuiltinTable(SampleTableName)
	if err != nil {
		t.Fatalf("BuiltinTable(%q): %v", SampleTableName, err)
	}

	if got, want := table.Len(), 77; got != want {
		t.Errorf("Len(): got %d, want %d", got, want)
	}

	if _, err := BuiltinTable("missing"); err == nil {
		t.Errorf("BuiltinTable(%q): unexpected success", "missing")
	}

	// Check that every rule can be written
	// to a table file and read back.
	var buf bytes.Buffer
	entries := table.Entries()
	if err := WriteEntries(&buf, entries); err != nil {
		t.Fatalf("WriteEntries(): %v", err)
	}

	got, err := ReadEntries(&buf)
	if err != nil {
		t.Fatalf("ReadEntries(): %v", err)
	}

	want := make([]Entry, len(entries))
	for i, entry := range entries {
		want[i] = *entry
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip: (-want, +got)\n%s", diff)
	}
}

func TestWriteEntriesUnsupported(t *testing.T) {
	enc := MustParseEncoding("D5 ib")
	enc.FixedImm8 = 0x0a + 1
	err := WriteEntries(&bytes.Buffer{}, []*Entry{{Encoding: enc, Tag: "AAD"}})
	if err == nil {
		t.Fatalf("WriteEntries(): unexpected success")
	}
}
