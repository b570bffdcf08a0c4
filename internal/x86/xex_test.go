// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyXex(t *testing.T) {
	tests := []struct {
		Name string
		Mode CodeSegmentType
		Lead byte
		Next byte
		Want XexType
	}{
		{
			Name: "VEX2 in long mode",
			Mode: CodeSegment64,
			Lead: 0xc5,
			Next: 0x00,
			Want: XexVEX2,
		},
		{
			Name: "LDS in 32-bit mode",
			Mode: CodeSegment32,
			Lead: 0xc5,
			Next: 0x06, // mod 00.
			Want: XexEscapes,
		},
		{
			Name: "VEX2 in 32-bit mode",
			Mode: CodeSegment32,
			Lead: 0xc5,
			Next: 0xf8,
			Want: XexVEX2,
		},
		{
			Name: "LES in 16-bit mode",
			Mode: CodeSegment16,
			Lead: 0xc4,
			Next: 0x80,
			Want: XexEscapes,
		},
		{
			Name: "VEX3 in 16-bit mode",
			Mode: CodeSegment16,
			Lead: 0xc4,
			Next: 0xe2,
			Want: XexVEX3,
		},
		{
			Name: "BOUND in 32-bit mode",
			Mode: CodeSegment32,
			Lead: 0x62,
			Next: 0x01,
			Want: XexEscapes,
		},
		{
			Name: "EVEX in long mode",
			Mode: CodeSegment64,
			Lead: 0x62,
			Next: 0x01,
			Want: XexEVEX,
		},
		{
			Name: "POP memory",
			Mode: CodeSegment32,
			Lead: 0x8f,
			Next: 0x00,
			Want: XexEscapes,
		},
		{
			Name: "POP register",
			Mode: CodeSegment32,
			Lead: 0x8f,
			Next: 0xc0,
			Want: XexEscapes,
		},
		{
			Name: "XOP",
			Mode: CodeSegment64,
			Lead: 0x8f,
			Next: 0xe8,
			Want: XexXOP,
		},
		{
			Name: "REX",
			Mode: CodeSegment64,
			Lead: 0x48,
			Next: 0x89,
			Want: XexRexAndEscapes,
		},
		{
			Name: "INC in 32-bit mode",
			Mode: CodeSegment32,
			Lead: 0x40,
			Next: 0x90,
			Want: XexEscapes,
		},
		{
			Name: "plain opcode",
			Mode: CodeSegment64,
			Lead: 0x0f,
			Next: 0xa2,
			Want: XexEscapes,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			got := ClassifyXex(test.Mode, test.Lead, test.Next)
			if got != test.Want {
				t.Fatalf("ClassifyXex(%s, %#02x, %#02x): got %s, want %s", test.Mode, test.Lead, test.Next, got, test.Want)
			}
		})
	}
}

func TestClassifyLeadByte(t *testing.T) {
	for _, b := range []byte{0xc4, 0xc5, 0x62} {
		if _, lookahead := ClassifyLeadByte(CodeSegment64, b); lookahead {
			t.Errorf("ClassifyLeadByte(64-bit, %#02x): lookahead needed", b)
		}

		if _, lookahead := ClassifyLeadByte(CodeSegment32, b); !lookahead {
			t.Errorf("ClassifyLeadByte(32-bit, %#02x): lookahead not needed", b)
		}
	}

	if _, lookahead := ClassifyLeadByte(CodeSegment64, 0x8f); !lookahead {
		t.Errorf("ClassifyLeadByte(64-bit, 0x8f): lookahead not needed")
	}
}

// xexFields is a comparable summary
// of an Xex.
type xexFields struct {
	Type    XexType
	Map     OpcodeMap
	SIMD    SIMDPrefix
	HasSIMD bool
	R, X, B bool
	W       bool
	L       uint8
	HasL    bool
	VVVV    uint8
	HasVVVV bool
	EVEX    EVEXFields
	Len     int
	Bytes   []byte
}

func summariseXex(x Xex) xexFields {
	f := xexFields{
		Type:  x.Type(),
		Map:   x.OpcodeMap(),
		R:     x.R(),
		X:     x.X(),
		B:     x.B(),
		W:     x.W(),
		Len:   x.Len(),
		Bytes: x.Bytes(),
	}

	f.SIMD, f.HasSIMD = x.SIMDPrefix()
	f.L, f.HasL = x.VectorLength()
	f.VVVV, f.HasVVVV = x.NonDestructiveReg()
	f.EVEX, _ = x.EVEX()

	return f
}

func TestXex(t *testing.T) {
	must := func(x Xex, err error) Xex {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}

		return x
	}

	tests := []struct {
		Name string
		Xex  Xex
		Want xexFields
	}{
		{
			Name: "legacy",
			Xex:  must(NewEscapesXex(OpcodeMap0F38)),
			Want: xexFields{
				Type:  XexEscapes,
				Map:   OpcodeMap0F38,
				Len:   2,
				Bytes: []byte{0x0f, 0x38},
			},
		},
		{
			Name: "REX.W",
			Xex:  must(NewREXXex(0x48, OpcodeMap0F)),
			Want: xexFields{
				Type:  XexRexAndEscapes,
				Map:   OpcodeMap0F,
				W:     true,
				Len:   2,
				Bytes: []byte{0x48, 0x0f},
			},
		},
		{
			Name: "REX.RB",
			Xex:  must(NewREXXex(0x45, OpcodeMapDefault)),
			Want: xexFields{
				Type:  XexRexAndEscapes,
				Map:   OpcodeMapDefault,
				R:     true,
				B:     true,
				Len:   1,
				Bytes: []byte{0x45},
			},
		},
		{
			// vaddpd ymm14, ymm3, ymm1
			Name: "VEX2",
			Xex:  NewVEX2Xex(0x65),
			Want: xexFields{
				Type:    XexVEX2,
				Map:     OpcodeMap0F,
				SIMD:    SIMDPrefix66,
				HasSIMD: true,
				R:       true,
				L:       1,
				HasL:    true,
				VVVV:    3,
				HasVVVV: true,
				Len:     2,
				Bytes:   []byte{0xc5, 0x65},
			},
		},
		{
			Name: "VEX3",
			Xex:  must(NewVEX3Xex(0xe2, 0x7d)),
			Want: xexFields{
				Type:    XexVEX3,
				Map:     OpcodeMap0F38,
				SIMD:    SIMDPrefix66,
				HasSIMD: true,
				L:       1,
				HasL:    true,
				VVVV:    0,
				HasVVVV: true,
				Len:     3,
				Bytes:   []byte{0xc4, 0xe2, 0x7d},
			},
		},
		{
			Name: "XOP",
			Xex:  must(NewXOPXex(0xe8, 0x78)),
			Want: xexFields{
				Type:    XexXOP,
				Map:     OpcodeMapXOP8,
				SIMD:    SIMDPrefixNone,
				HasSIMD: true,
				HasL:    true,
				HasVVVV: true,
				Len:     3,
				Bytes:   []byte{0x8f, 0xe8, 0x78},
			},
		},
		{
			// vaddpd ymm14, ymm3, ymm31
			Name: "EVEX",
			Xex:  must(NewEVEXXex(0x11, 0xe5, 0x28)),
			Want: xexFields{
				Type:    XexEVEX,
				Map:     OpcodeMap0F,
				SIMD:    SIMDPrefix66,
				HasSIMD: true,
				R:       true,
				X:       true,
				B:       true,
				W:       true,
				L:       1,
				HasL:    true,
				VVVV:    3,
				HasVVVV: true,
				Len:     4,
				Bytes:   []byte{0x62, 0x11, 0xe5, 0x28},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			got := summariseXex(test.Xex)
			if diff := cmp.Diff(test.Want, got); diff != "" {
				t.Fatalf("%s: (-want, +got)\n%s", test.Xex, diff)
			}
		})
	}
}

func TestXexInvalidMaps(t *testing.T) {
	if _, err := NewVEX3Xex(0xe0, 0x7d); !errors.Is(err, ErrInvalidOpcodeMap) {
		t.Errorf("NewVEX3Xex with map 0: got error %v", err)
	}

	if _, err := NewXOPXex(0xe1, 0x78); !errors.Is(err, ErrInvalidOpcodeMap) {
		t.Errorf("NewXOPXex with map 1: got error %v", err)
	}

	if _, err := NewEVEXXex(0xf0, 0x7c, 0x08); !errors.Is(err, ErrInvalidOpcodeMap) {
		t.Errorf("NewEVEXXex with map 0: got error %v", err)
	}

	if _, err := NewEscapesXex(OpcodeMapXOP9); !errors.Is(err, ErrInvalidOpcodeMap) {
		t.Errorf("NewEscapesXex(XOP9): got error %v", err)
	}
}

func TestVEX2Byte(t *testing.T) {
	v := VEXFrom2Byte(0x65)
	if !v.Can2Byte() {
		t.Fatalf("%s: cannot be encoded in 2 bytes", v)
	}

	b1, b2 := v.Encode2Byte()
	if b1 != 0xc5 || b2 != 0x65 {
		t.Fatalf("Encode2Byte(): got %02x %02x, want c5 65", b1, b2)
	}

	_, p0, p1 := v.Encode3Byte()
	if p0 != 0x61 || p1 != 0x65 {
		t.Fatalf("Encode3Byte(): got %02x %02x, want 61 65", p0, p1)
	}
}
