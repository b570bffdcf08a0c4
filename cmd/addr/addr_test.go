// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package addr

import (
	"bytes"
	"testing"

	"rsc.io/diff"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

func TestPrint(t *testing.T) {
	tests := []struct {
		Name string
		Opts Options
		Want string
	}{
		{
			Name: "base index scale",
			Opts: Options{
				Mode:             x86.CodeSegment64,
				Base:             "rbx",
				Index:            "rcx",
				Scale:            4,
				Displacement:     0x10,
				DisplacementSize: -1,
			},
			Want: "address:  [rbx+rcx*4+0x10] (a64)\n" +
				"segment:  ds\n" +
				"bytes:    44 8b 10\n" +
				"encoding: ModR/M: {Mod: 01, Reg: 000, R/M: 100}, SIB: {Scale: 10, Index: 001, Base: 011}, disp8: 0x10\n",
		},
		{
			Name: "16-bit in 32-bit mode",
			Opts: Options{
				Mode:             x86.CodeSegment32,
				Base:             "bp",
				Displacement:     -2,
				DisplacementSize: -1,
			},
			Want: "address:  [bp-0x2] (a16)\n" +
				"segment:  ss\n" +
				"prefixes: 67\n" +
				"bytes:    46 fe\n" +
				"encoding: addr: ModR/M: {Mod: 01, Reg: 000, R/M: 110}, disp8: -0x2\n",
		},
		{
			Name: "extended base",
			Opts: Options{
				Mode:             x86.CodeSegment64,
				Base:             "r12",
				Reg:              2,
				DisplacementSize: 32,
			},
			Want: "address:  [r12] (a64)\n" +
				"segment:  ds\n" +
				"REX.X:    false\n" +
				"REX.B:    true\n" +
				"bytes:    94 24 00 00 00 00\n" +
				"encoding: ModR/M: {Mod: 10, Reg: 010, R/M: 100}, SIB: {Scale: 00, Index: 100, Base: 100}, X: 0, B: 1, disp32: 0x0\n",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Print(&buf, test.Opts)
			if err != nil {
				t.Fatalf("Print(): %v", err)
			}

			got := buf.String()
			if got != test.Want {
				t.Errorf("Print(): (-got, +want)\n%s", diff.Format(got, test.Want))
			}
		})
	}
}

func TestPrintErrors(t *testing.T) {
	tests := []struct {
		Name string
		Opts Options
	}{
		{
			Name: "mixed sizes",
			Opts: Options{Mode: x86.CodeSegment64, Base: "rax", Index: "ecx", Scale: 1, DisplacementSize: -1},
		},
		{
			Name: "stack pointer index",
			Opts: Options{Mode: x86.CodeSegment64, Base: "rax", Index: "rsp", Scale: 1, DisplacementSize: -1},
		},
		{
			Name: "long mode register",
			Opts: Options{Mode: x86.CodeSegment32, Base: "r8d", Scale: 1, DisplacementSize: -1},
		},
		{
			Name: "RIP with index",
			Opts: Options{Mode: x86.CodeSegment64, Base: "rip", Index: "rax", Scale: 1, DisplacementSize: -1},
		},
		{
			Name: "byte register",
			Opts: Options{Mode: x86.CodeSegment64, Base: "al", Scale: 1, DisplacementSize: -1},
		},
		{
			Name: "bad displacement size",
			Opts: Options{Mode: x86.CodeSegment64, Base: "rax", Scale: 1, DisplacementSize: 64},
		},
		{
			Name: "bad reg",
			Opts: Options{Mode: x86.CodeSegment64, Base: "rax", Scale: 1, Reg: 8, DisplacementSize: -1},
		},
		{
			Name: "unknown segment",
			Opts: Options{Mode: x86.CodeSegment64, Base: "rax", Scale: 1, Segment: "xs", DisplacementSize: -1},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Print(&buf, test.Opts)
			if err == nil {
				t.Fatalf("Print(): unexpected success:\n%s", buf.String())
			}
		})
	}
}

func TestAddressRIPRelative(t *testing.T) {
	a, err := Address(Options{Mode: x86.CodeSegment64, Base: "rip", Displacement: -8, Segment: "fs"})
	if err != nil {
		t.Fatalf("Address(): %v", err)
	}

	if got, want := a.String(), "fs:[rip-0x8]"; got != want {
		t.Errorf("Address(): got %s, want %s", got, want)
	}
}
