// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decode

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"firefly-os.dev/tools/x86dec/internal/x86"
	"firefly-os.dev/tools/x86dec/internal/x86/opcode"
)

func sampleLookup(t testing.TB) TableLookup {
	t.Helper()
	table, err := opcode.BuiltinTable(opcode.SampleTableName)
	if err != nil {
		t.Fatalf("failed to load sample table: %v", err)
	}

	return TableLookup{Table: table}
}

func parseHex(t testing.TB, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}

	return b
}

// decoded summarises an instruction
// for comparison.
type decoded struct {
	Tag              string
	Prefixes         string
	Xex              x86.XexType
	Map              x86.OpcodeMap
	MainByte         byte
	ModRM            string
	SIB              string
	Displacement     int32
	DisplacementSize x86.DisplacementSize
	Immediate        uint64
	ImmediateSize    int
	Len              int
}

func summarise(inst Instruction) decoded {
	return decoded{
		Tag:              inst.Tag(),
		Prefixes:         inst.Prefixes().String(),
		Xex:              inst.Xex().Type(),
		Map:              inst.OpcodeMap(),
		MainByte:         inst.MainByte(),
		ModRM:            inst.ModRM().String(),
		SIB:              inst.SIB().String(),
		Displacement:     inst.Displacement(),
		DisplacementSize: inst.DisplacementSize(),
		Immediate:        inst.Immediate(),
		ImmediateSize:    inst.ImmediateSize(),
		Len:              inst.Len(),
	}
}

var none = x86.OptionalModRM{}.String()
var noSIB = x86.OptionalSIB{}.String()

func modrm(b byte) string { return x86.SomeModRM(x86.ModRM(b)).String() }
func sib(b byte) string   { return x86.SomeSIB(x86.SIB(b)).String() }

func TestDecoder(t *testing.T) {
	lookup := sampleLookup(t)
	tests := []struct {
		Name    string
		Mode    x86.CodeSegmentType
		Code    string
		Want    decoded
		Address string // Any memory operand.
		Oracle  bool   // Whether to check the length with x86asm.
	}{
		{
			Name: "CPUID",
			Mode: x86.CodeSegment32,
			Code: "0f a2",
			Want: decoded{
				Tag:      "CPUID",
				Prefixes: "[]",
				Map:      x86.OpcodeMap0F,
				MainByte: 0xa2,
				ModRM:    none,
				SIB:      noSIB,
				Len:      2,
			},
			Oracle: true,
		},
		{
			Name: "long NOP with duplicate prefix",
			Mode: x86.CodeSegment32,
			Code: "66 66 0f 1f 84 00 00 00 00 00",
			Want: decoded{
				Tag:              "NOP",
				Prefixes:         "[66 66]",
				Map:              x86.OpcodeMap0F,
				MainByte:         0x1f,
				ModRM:            modrm(0x84),
				SIB:              sib(0x00),
				DisplacementSize: x86.DisplacementSize32,
				Len:              10,
			},
			Address: "[eax+eax]",
			Oracle:  true,
		},
		{
			Name: "ADD with zero ModR/M",
			Mode: x86.CodeSegment32,
			Code: "00 00",
			Want: decoded{
				Tag:      "ADD",
				Prefixes: "[]",
				MainByte: 0x00,
				ModRM:    modrm(0x00),
				SIB:      noSIB,
				Len:      2,
			},
			Address: "[eax]",
			Oracle:  true,
		},
		{
			Name: "VZEROUPPER in long mode",
			Mode: x86.CodeSegment64,
			Code: "c5 f8 77",
			Want: decoded{
				Tag:      "VZEROUPPER",
				Prefixes: "[]",
				Xex:      x86.XexVEX2,
				Map:      x86.OpcodeMap0F,
				MainByte: 0x77,
				ModRM:    none,
				SIB:      noSIB,
				Len:      3,
			},
		},
		{
			Name: "VZEROUPPER in protected mode",
			Mode: x86.CodeSegment32,
			Code: "c5 f8 77",
			Want: decoded{
				Tag:      "VZEROUPPER",
				Prefixes: "[]",
				Xex:      x86.XexVEX2,
				Map:      x86.OpcodeMap0F,
				MainByte: 0x77,
				ModRM:    none,
				SIB:      noSIB,
				Len:      3,
			},
		},
		{
			Name: "LDS",
			Mode: x86.CodeSegment32,
			Code: "c5 06",
			Want: decoded{
				Tag:      "LDS",
				Prefixes: "[]",
				MainByte: 0xc5,
				ModRM:    modrm(0x06),
				SIB:      noSIB,
				Len:      2,
			},
			Address: "[esi]",
			Oracle:  true,
		},
		{
			Name: "VADDPD with VEX3",
			Mode: x86.CodeSegment64,
			Code: "c4 e1 7d 58 c1",
			Want: decoded{
				Tag:      "VADDPD",
				Prefixes: "[]",
				Xex:      x86.XexVEX3,
				Map:      x86.OpcodeMap0F,
				MainByte: 0x58,
				ModRM:    modrm(0xc1),
				SIB:      noSIB,
				Len:      5,
			},
		},
		{
			Name: "VADDPD with EVEX",
			Mode: x86.CodeSegment64,
			Code: "62 f1 f5 48 58 c2",
			Want: decoded{
				Tag:      "VADDPD",
				Prefixes: "[]",
				Xex:      x86.XexEVEX,
				Map:      x86.OpcodeMap0F,
				MainByte: 0x58,
				ModRM:    modrm(0xc2),
				SIB:      noSIB,
				Len:      6,
			},
		},
		{
			Name: "POP register",
			Mode: x86.CodeSegment32,
			Code: "8f c0",
			Want: decoded{
				Tag:      "POP",
				Prefixes: "[]",
				MainByte: 0x8f,
				ModRM:    modrm(0xc0),
				SIB:      noSIB,
				Len:      2,
			},
			Oracle: true,
		},
		{
			Name: "POP memory",
			Mode: x86.CodeSegment32,
			Code: "8f 00",
			Want: decoded{
				Tag:      "POP",
				Prefixes: "[]",
				MainByte: 0x8f,
				ModRM:    modrm(0x00),
				SIB:      noSIB,
				Len:      2,
			},
			Address: "[eax]",
			Oracle:  true,
		},
		{
			Name: "POP in long mode",
			Mode: x86.CodeSegment64,
			Code: "8f c0",
			Want: decoded{
				Tag:      "POP",
				Prefixes: "[]",
				MainByte: 0x8f,
				ModRM:    modrm(0xc0),
				SIB:      noSIB,
				Len:      2,
			},
			Oracle: true,
		},
		{
			Name: "VPROTB",
			Mode: x86.CodeSegment64,
			Code: "8f e8 78 c0 c8 01",
			Want: decoded{
				Tag:           "VPROTB",
				Prefixes:      "[]",
				Xex:           x86.XexXOP,
				Map:           x86.OpcodeMapXOP8,
				MainByte:      0xc0,
				ModRM:         modrm(0xc8),
				SIB:           noSIB,
				Immediate:     0x01,
				ImmediateSize: 1,
				Len:           6,
			},
		},
		{
			Name: "BLCFILL",
			Mode: x86.CodeSegment32,
			Code: "8f e9 78 01 c8",
			Want: decoded{
				Tag:      "BLCFILL",
				Prefixes: "[]",
				Xex:      x86.XexXOP,
				Map:      x86.OpcodeMapXOP9,
				MainByte: 0x01,
				ModRM:    modrm(0xc8),
				SIB:      noSIB,
				Len:      5,
			},
		},
		{
			Name: "PFMUL",
			Mode: x86.CodeSegment32,
			Code: "0f 0f c1 b4",
			Want: decoded{
				Tag:           "PFMUL",
				Prefixes:      "[]",
				Map:           x86.OpcodeMap0F,
				MainByte:      0x0f,
				ModRM:         modrm(0xc1),
				SIB:           noSIB,
				Immediate:     0xb4,
				ImmediateSize: 1,
				Len:           4,
			},
		},
		{
			Name: "PFADD",
			Mode: x86.CodeSegment32,
			Code: "0f 0f c1 9e",
			Want: decoded{
				Tag:           "PFADD",
				Prefixes:      "[]",
				Map:           x86.OpcodeMap0F,
				MainByte:      0x0f,
				ModRM:         modrm(0xc1),
				SIB:           noSIB,
				Immediate:     0x9e,
				ImmediateSize: 1,
				Len:           4,
			},
		},
		{
			Name: "MOV moffs",
			Mode: x86.CodeSegment32,
			Code: "a1 78 56 34 12",
			Want: decoded{
				Tag:           "MOV",
				Prefixes:      "[]",
				MainByte:      0xa1,
				ModRM:         none,
				SIB:           noSIB,
				Immediate:     0x12345678,
				ImmediateSize: 4,
				Len:           5,
			},
			Oracle: true,
		},
		{
			Name: "MOV moffs with address size override",
			Mode: x86.CodeSegment32,
			Code: "67 a1 34 12",
			Want: decoded{
				Tag:           "MOV",
				Prefixes:      "[67]",
				MainByte:      0xa1,
				ModRM:         none,
				SIB:           noSIB,
				Immediate:     0x1234,
				ImmediateSize: 2,
				Len:           4,
			},
			Oracle: true,
		},
		{
			Name: "MOV moffs in long mode",
			Mode: x86.CodeSegment64,
			Code: "a1 f0 de bc 9a 78 56 34 12",
			Want: decoded{
				Tag:           "MOV",
				Prefixes:      "[]",
				MainByte:      0xa1,
				ModRM:         none,
				SIB:           noSIB,
				Immediate:     0x123456789abcdef0,
				ImmediateSize: 8,
				Len:           9,
			},
			Oracle: true,
		},
		{
			Name: "TEST with operand-sized immediate",
			Mode: x86.CodeSegment32,
			Code: "f7 c0 78 56 34 12",
			Want: decoded{
				Tag:           "TEST",
				Prefixes:      "[]",
				MainByte:      0xf7,
				ModRM:         modrm(0xc0),
				SIB:           noSIB,
				Immediate:     0x12345678,
				ImmediateSize: 4,
				Len:           6,
			},
			Oracle: true,
		},
		{
			Name: "TEST in real mode",
			Mode: x86.CodeSegment16,
			Code: "f7 c0 34 12",
			Want: decoded{
				Tag:           "TEST",
				Prefixes:      "[]",
				MainByte:      0xf7,
				ModRM:         modrm(0xc0),
				SIB:           noSIB,
				Immediate:     0x1234,
				ImmediateSize: 2,
				Len:           4,
			},
			Oracle: true,
		},
		{
			Name: "NOT",
			Mode: x86.CodeSegment32,
			Code: "f7 d0",
			Want: decoded{
				Tag:      "NOT",
				Prefixes: "[]",
				MainByte: 0xf7,
				ModRM:    modrm(0xd0),
				SIB:      noSIB,
				Len:      2,
			},
			Oracle: true,
		},
		{
			Name: "MOV with 16-bit addressing",
			Mode: x86.CodeSegment16,
			Code: "8b 46 fe",
			Want: decoded{
				Tag:              "MOV",
				Prefixes:         "[]",
				MainByte:         0x8b,
				ModRM:            modrm(0x46),
				SIB:              noSIB,
				Displacement:     -2,
				DisplacementSize: x86.DisplacementSize8,
				Len:              3,
			},
			Address: "[bp-0x2]",
			Oracle:  true,
		},
		{
			Name: "MOV RIP-relative",
			Mode: x86.CodeSegment64,
			Code: "8b 05 78 56 34 12",
			Want: decoded{
				Tag:              "MOV",
				Prefixes:         "[]",
				MainByte:         0x8b,
				ModRM:            modrm(0x05),
				SIB:              noSIB,
				Displacement:     0x12345678,
				DisplacementSize: x86.DisplacementSize32,
				Len:              6,
			},
			Address: "[rip+0x12345678]",
			Oracle:  true,
		},
		{
			Name: "MOV with extended base",
			Mode: x86.CodeSegment64,
			Code: "49 8b 04 24",
			Want: decoded{
				Tag:      "MOV",
				Prefixes: "[]",
				Xex:      x86.XexRexAndEscapes,
				MainByte: 0x8b,
				ModRM:    modrm(0x04),
				SIB:      sib(0x24),
				Len:      4,
			},
			Address: "[r12]",
			Oracle:  true,
		},
		{
			Name: "MOV with scaled index",
			Mode: x86.CodeSegment32,
			Code: "8b 04 8d 10 00 00 00",
			Want: decoded{
				Tag:              "MOV",
				Prefixes:         "[]",
				MainByte:         0x8b,
				ModRM:            modrm(0x04),
				SIB:              sib(0x8d),
				Displacement:     0x10,
				DisplacementSize: x86.DisplacementSize32,
				Len:              7,
			},
			Address: "[ecx*4+0x10]",
			Oracle:  true,
		},
		{
			Name: "CRC32 with mandatory prefixes",
			Mode: x86.CodeSegment64,
			Code: "66 f2 0f 38 f1 c1",
			Want: decoded{
				Tag:      "CRC32",
				Prefixes: "[66 f2]",
				Map:      x86.OpcodeMap0F38,
				MainByte: 0xf1,
				ModRM:    modrm(0xc1),
				SIB:      noSIB,
				Len:      6,
			},
			Oracle: true,
		},
		{
			Name: "PALIGNR",
			Mode: x86.CodeSegment64,
			Code: "66 0f 3a 0f c1 08",
			Want: decoded{
				Tag:           "PALIGNR",
				Prefixes:      "[66]",
				Map:           x86.OpcodeMap0F3A,
				MainByte:      0x0f,
				ModRM:         modrm(0xc1),
				SIB:           noSIB,
				Immediate:     0x08,
				ImmediateSize: 1,
				Len:           6,
			},
			Oracle: true,
		},
		{
			Name: "FADD register",
			Mode: x86.CodeSegment32,
			Code: "d8 c1",
			Want: decoded{
				Tag:      "FADD",
				Prefixes: "[]",
				MainByte: 0xd8,
				ModRM:    modrm(0xc1),
				SIB:      noSIB,
				Len:      2,
			},
			Oracle: true,
		},
		{
			Name: "longest instruction",
			Mode: x86.CodeSegment32,
			Code: "66 66 66 66 66 66 66 0f 1f 84 00 00 00 00 00",
			Want: decoded{
				Tag:              "NOP",
				Prefixes:         "[66 66 66 66 66 66 66]",
				Map:              x86.OpcodeMap0F,
				MainByte:         0x1f,
				ModRM:            modrm(0x84),
				SIB:              sib(0x00),
				DisplacementSize: x86.DisplacementSize32,
				Len:              15,
			},
			Address: "[eax+eax]",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			code := parseHex(t, test.Code)
			d := NewDecoder(test.Mode, lookup)
			for i, b := range code {
				more := d.Feed(b)
				if last := i == len(code)-1; more == last {
					t.Fatalf("Feed(%#02x) at offset %d: got %v, want %v (state %s, error %v)", b, i, more, !last, d.State(), d.Err())
				}
			}

			if got := d.State(); got != Completed {
				t.Fatalf("State(): got %s, want %s", got, Completed)
			}

			inst, err := d.Instruction()
			if err != nil {
				t.Fatalf("Instruction(): %v", err)
			}

			if diff := cmp.Diff(test.Want, summarise(inst)); diff != "" {
				t.Fatalf("Instruction(): (-want, +got)\n%s", diff)
			}

			if got := inst.Bytes(); !bytes.Equal(got, code) {
				t.Errorf("Bytes(): got % x, want % x", got, code)
			}

			addr, err := inst.EffectiveAddress()
			switch {
			case test.Address == "" && err == nil && inst.ModRM().IsSet():
				if m, _ := inst.ModRM().Get(); m.IsMemory() {
					t.Errorf("EffectiveAddress(): got %s, want no memory operand", addr)
				}
			case test.Address != "" && err != nil:
				t.Errorf("EffectiveAddress(): %v", err)
			case test.Address != "" && addr.String() != test.Address:
				t.Errorf("EffectiveAddress(): got %s, want %s", addr, test.Address)
			}

			if test.Oracle {
				ref, err := x86asm.Decode(code, test.Mode.Bits())
				if err != nil {
					t.Fatalf("x86asm.Decode(% x): %v", code, err)
				}

				if ref.Len != inst.Len() {
					t.Errorf("Len(): got %d, but x86asm decoded %d bytes as %s", inst.Len(), ref.Len, ref)
				}
			}
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	lookup := sampleLookup(t)
	tests := []struct {
		Name string
		Mode x86.CodeSegmentType
		Code string // The last byte causes the error.
		Want Error
	}{
		{
			Name: "conflicting repeat prefixes",
			Mode: x86.CodeSegment32,
			Code: "f2 f3",
			Want: ErrConflictingLegacyPrefixes,
		},
		{
			Name: "conflicting segment overrides",
			Mode: x86.CodeSegment64,
			Code: "66 2e 66 3e",
			Want: ErrConflictingLegacyPrefixes,
		},
		{
			Name: "too many prefixes",
			Mode: x86.CodeSegment32,
			Code: "66 66 66 66 66 66 66 66",
			Want: ErrTooManyLegacyPrefixes,
		},
		{
			Name: "unknown opcode",
			Mode: x86.CodeSegment32,
			Code: "0f ff",
			Want: ErrUnknownOpcode,
		},
		{
			Name: "unknown ModR/M",
			Mode: x86.CodeSegment32,
			Code: "8f e0",
			Want: ErrUnknownOpcode,
		},
		{
			Name: "SYSCALL outside long mode",
			Mode: x86.CodeSegment32,
			Code: "0f 05",
			Want: ErrUnknownOpcode,
		},
		{
			Name: "unknown 3DNow! operation",
			Mode: x86.CodeSegment32,
			Code: "0f 0f c1 00",
			Want: ErrUnknownOpcode,
		},
		{
			Name: "lock with VEX",
			Mode: x86.CodeSegment64,
			Code: "f0 c5 f8",
			Want: ErrLockWithVEX,
		},
		{
			Name: "reserved VEX map",
			Mode: x86.CodeSegment64,
			Code: "c4 e0 78",
			Want: ErrInvalidOpcodeMap,
		},
		{
			Name: "reserved XOP map",
			Mode: x86.CodeSegment64,
			Code: "8f eb 78",
			Want: ErrInvalidOpcodeMap,
		},
		{
			Name: "REX before legacy prefix",
			Mode: x86.CodeSegment64,
			Code: "48 66",
			Want: ErrMisplacedREX,
		},
		{
			Name: "REX before REX",
			Mode: x86.CodeSegment64,
			Code: "40 48",
			Want: ErrMisplacedREX,
		},
		{
			Name: "too long",
			Mode: x86.CodeSegment64,
			Code: "66 66 66 66 66 66 66 48 0f 1f 84 00 00 00 00",
			Want: ErrInstructionTooLong,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			code := parseHex(t, test.Code)
			d := NewDecoder(test.Mode, lookup)
			for i, b := range code {
				more := d.Feed(b)
				if last := i == len(code)-1; more == last {
					t.Fatalf("Feed(%#02x) at offset %d: got %v, want %v (state %s)", b, i, more, !last, d.State())
				}
			}

			if got := d.State(); got != Failed {
				t.Fatalf("State(): got %s, want %s", got, Failed)
			}

			if got := d.Len(); got != len(code) {
				t.Errorf("Len(): got %d, want %d", got, len(code))
			}

			if err := d.Err(); !errors.Is(err, test.Want) {
				t.Errorf("Err(): got %v, want %v", err, test.Want)
			}

			if _, err := d.Instruction(); !errors.Is(err, test.Want) {
				t.Errorf("Instruction(): got error %v, want %v", err, test.Want)
			}
		})
	}
}

func TestDecoderReset(t *testing.T) {
	d := NewDecoder(x86.CodeSegment64, sampleLookup(t))
	if _, err := d.Instruction(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Instruction(): got error %v, want %v", err, ErrIncomplete)
	}

	d.Feed(0xf2)
	if d.Feed(0xf3) {
		t.Fatalf("Feed(0xf3): got true, want false")
	}

	d.Reset()
	if got := d.State(); got != Initial {
		t.Fatalf("State(): got %s, want %s", got, Initial)
	}

	if err := d.Err(); err != nil {
		t.Fatalf("Err(): got %v, want nil", err)
	}

	if got := d.Mode(); got != x86.CodeSegment64 {
		t.Fatalf("Mode(): got %s, want %s", got, x86.CodeSegment64)
	}

	// SYSCALL only exists in long mode.
	d.Feed(0x0f)
	if d.Feed(0x05) {
		t.Fatalf("Feed(0x05): got true, want false")
	}

	inst, err := d.Instruction()
	if err != nil {
		t.Fatalf("Instruction(): %v", err)
	}

	if got, want := inst.Tag(), "SYSCALL"; got != want {
		t.Fatalf("Tag(): got %q, want %q", got, want)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("Feed() after completion: unexpected success")
		}
	}()

	d.Feed(0x90)
}

func TestDecode(t *testing.T) {
	lookup := sampleLookup(t)
	code := parseHex(t, "0f a2 c3")
	inst, err := Decode(x86.CodeSegment64, lookup, code)
	if err != nil {
		t.Fatalf("Decode(): %v", err)
	}

	if got, want := inst.Len(), 2; got != want {
		t.Fatalf("Len(): got %d, want %d", got, want)
	}

	if _, err := Decode(x86.CodeSegment64, lookup, code[:1]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Decode(% x): got error %v, want %v", code[:1], err, ErrIncomplete)
	}
}

func TestDecoderRollbackLookups(t *testing.T) {
	// The ModR/M byte of a POP that looked
	// like an XOP prefix is only known after
	// the first lookup has been made.
	var queries []string
	lookup := LookupFunc(func(q Query) LookupResult {
		queries = append(queries, q.ModRM.String())
		if !q.ModRM.IsSet() {
			return LookupResult{Status: NeedsModRM, HasModRM: true}
		}

		return LookupResult{Status: Found, HasModRM: true, Tag: "POP"}
	})

	inst, err := Decode(x86.CodeSegment32, lookup, []byte{0x8f, 0xc0})
	if err != nil {
		t.Fatalf("Decode(): %v", err)
	}

	if got, want := inst.Tag(), "POP"; got != want {
		t.Errorf("Tag(): got %q, want %q", got, want)
	}

	want := []string{none, modrm(0xc0)}
	if diff := cmp.Diff(want, queries); diff != "" {
		t.Errorf("queries: (-want, +got)\n%s", diff)
	}

	// A lookup that answers without
	// needing the ModR/M byte is only
	// called once.
	queries = nil
	lookup = LookupFunc(func(q Query) LookupResult {
		queries = append(queries, q.ModRM.String())
		return LookupResult{Status: Found, HasModRM: true, Tag: "POP"}
	})

	if _, err := Decode(x86.CodeSegment32, lookup, []byte{0x8f, 0x00}); err != nil {
		t.Fatalf("Decode(): %v", err)
	}

	if diff := cmp.Diff([]string{none}, queries); diff != "" {
		t.Errorf("queries: (-want, +got)\n%s", diff)
	}

	// An opcode without a ModR/M byte cannot
	// be confused with an XOP prefix.
	lookup = LookupFunc(func(q Query) LookupResult {
		return LookupResult{Status: Found, Tag: "POP"}
	})

	if _, err := Decode(x86.CodeSegment32, lookup, []byte{0x8f, 0x00}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("Decode(): got error %v, want %v", err, ErrUnknownOpcode)
	}
}

func TestDecoderInconsistentLookup(t *testing.T) {
	tests := []struct {
		Name   string
		Second LookupResult
	}{
		{
			Name:   "needs ModR/M twice",
			Second: LookupResult{Status: NeedsModRM, HasModRM: true},
		},
		{
			Name:   "no ModR/M after all",
			Second: LookupResult{Status: Found},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			lookup := LookupFunc(func(q Query) LookupResult {
				if !q.ModRM.IsSet() {
					return LookupResult{Status: NeedsModRM, HasModRM: true}
				}

				return test.Second
			})

			d := NewDecoder(x86.CodeSegment64, lookup)
			d.Feed(0xf7)

			defer func() {
				if recover() == nil {
					t.Fatalf("Feed(): unexpected success")
				}
			}()

			d.Feed(0xc0)
		})
	}
}

func TestDecoderConcurrent(t *testing.T) {
	lookup := sampleLookup(t)
	inputs := []string{
		"0f a2",
		"66 66 0f 1f 84 00 00 00 00 00",
		"c5 f8 77",
		"8f c0",
		"f7 c0 78 56 34 12",
		"0f 0f c1 b4",
	}

	codes := make([][]byte, len(inputs))
	for i, input := range inputs {
		codes[i] = parseHex(t, input)
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		for _, code := range codes {
			code := code
			g.Go(func() error {
				d := NewDecoder(x86.CodeSegment32, lookup)
				for j := 0; j < 10; j++ {
					d.Reset()
					for _, b := range code {
						if !d.Feed(b) {
							break
						}
					}

					inst, err := d.Instruction()
					if err != nil {
						return err
					}

					if !bytes.Equal(inst.Bytes(), code) {
						return errors.New("mismatched instruction bytes")
					}
				}

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
