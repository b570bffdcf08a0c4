// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package addr prints the machine code encoding of an effective
// address.
//
// The address is described with flags:
//
//	x86dec addr -mode 64 -base rbx -index rcx -scale 4 -disp 16
//
// The address size is taken from the registers used, or the
// code segment's default if there are none. The encoding is
// then decoded again to check that it describes the same
// address.
package addr

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

var program = filepath.Base(os.Args[0])

// Options describes an effective address.
type Options struct {
	Mode             x86.CodeSegmentType
	Base             string // A register name, "rip", or empty.
	Index            string // A register name or empty.
	Scale            int
	Displacement     int
	Segment          string // A segment register name or empty.
	Reg              uint   // The ModR/M.reg value.
	DisplacementSize int    // The displacement size in bits, or -1 for the smallest.
}

// Main prints the encoding of an
// effective address.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("addr", flag.ExitOnError)

	var help bool
	var mode string
	var opts Options
	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.StringVar(&mode, "mode", "64", "The code segment type (16, 32, or 64).")
	flags.StringVar(&opts.Base, "base", "", "The base register, or rip.")
	flags.StringVar(&opts.Index, "index", "", "The index register.")
	flags.IntVar(&opts.Scale, "scale", 1, "The index scale (1, 2, 4, or 8).")
	flags.IntVar(&opts.Displacement, "disp", 0, "The displacement.")
	flags.StringVar(&opts.Segment, "segment", "", "Any segment override.")
	flags.UintVar(&opts.Reg, "reg", 0, "The value of the ModR/M reg field.")
	flags.IntVar(&opts.DisplacementSize, "disp-size", -1, "The displacement size in bits (0, 8, 16, or 32). By default, the smallest size is used.")

	flags.Usage = func() {
		log.Printf("Usage:\n  %s %s [OPTIONS]\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help || flags.NArg() != 0 {
		flags.Usage()
	}

	opts.Mode, err = x86.ParseCodeSegmentType(mode)
	if err != nil {
		return err
	}

	return Print(w, opts)
}

// Address returns the effective address
// described by opts.
func Address(opts Options) (x86.EffectiveAddress, error) {
	var segment x86.SegmentRegister
	if opts.Segment != "" {
		var err error
		segment, err = x86.ParseSegmentRegister(opts.Segment)
		if err != nil {
			return x86.EffectiveAddress{}, err
		}
	}

	if opts.Displacement != int(int32(opts.Displacement)) {
		return x86.EffectiveAddress{}, fmt.Errorf("displacement %#x is too large", opts.Displacement)
	}

	disp := int32(opts.Displacement)
	size := opts.Mode.DefaultAddressSize()
	var sized bool
	setSize := func(reg string, s x86.IntegerSize) error {
		var want x86.AddressSize
		switch s {
		case x86.IntegerSize16:
			want = x86.AddressSize16
		case x86.IntegerSize32:
			want = x86.AddressSize32
		case x86.IntegerSize64:
			want = x86.AddressSize64
		default:
			return fmt.Errorf("register %s cannot be used in an address", reg)
		}

		if sized && want != size {
			return fmt.Errorf("register %s does not match the %s address size", reg, size)
		}

		size, sized = want, true
		return nil
	}

	if opts.Base == "rip" || opts.Base == "eip" {
		if opts.Index != "" {
			return x86.EffectiveAddress{}, fmt.Errorf("RIP-relative addresses cannot have an index")
		}

		size = x86.AddressSize64
		if opts.Base == "eip" {
			size = x86.AddressSize32
		}

		return x86.NewRIPRelativeAddress(size, segment, disp)
	}

	a := x86.IndirectAddress{
		Segment:      segment,
		Scale:        opts.Scale,
		Displacement: disp,
	}

	if opts.Base != "" {
		reg, s, err := x86.ParseGPR(opts.Base)
		if err != nil {
			return x86.EffectiveAddress{}, err
		}

		if err := setSize(opts.Base, s); err != nil {
			return x86.EffectiveAddress{}, err
		}

		a.Base = x86.BaseReg(reg)
	}

	if opts.Index != "" {
		reg, s, err := x86.ParseGPR(opts.Index)
		if err != nil {
			return x86.EffectiveAddress{}, err
		}

		if err := setSize(opts.Index, s); err != nil {
			return x86.EffectiveAddress{}, err
		}

		a.Index = x86.IndexReg(reg)
	}

	if opts.Base == "" && opts.Index == "" {
		return x86.NewAbsoluteAddress(size, segment, disp)
	}

	a.Size = size

	return x86.NewIndirectAddress(a)
}

func displacementSize(bits int) (x86.DisplacementSize, error) {
	switch bits {
	case 0:
		return x86.DisplacementSize0, nil
	case 8:
		return x86.DisplacementSize8, nil
	case 16:
		return x86.DisplacementSize16, nil
	case 32:
		return x86.DisplacementSize32, nil
	default:
		return 0, fmt.Errorf("invalid displacement size %d: must be 0, 8, 16, or 32", bits)
	}
}

// Print writes the encoding of the
// address described by opts to w.
func Print(w io.Writer, opts Options) error {
	addr, err := Address(opts)
	if err != nil {
		return err
	}

	if opts.Reg > 7 {
		return fmt.Errorf("invalid ModR/M reg value %d: must be 0 to 7", opts.Reg)
	}

	var enc x86.AddressEncoding
	if opts.DisplacementSize < 0 {
		enc, err = addr.Encode(opts.Mode, byte(opts.Reg))
	} else {
		var size x86.DisplacementSize
		size, err = displacementSize(opts.DisplacementSize)
		if err != nil {
			return err
		}

		enc, err = addr.EncodeWithDisplacement(opts.Mode, byte(opts.Reg), size)
	}

	if err != nil {
		return err
	}

	// Check that the encoding decodes to
	// the same address.
	decoded, err := x86.FromEncoding(opts.Mode, enc)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %v", enc, err)
	}

	if decoded != addr {
		return fmt.Errorf("%s encodes as %s, which decodes as %s", addr, enc, decoded)
	}

	prefixes := enc.Prefixes()
	fmt.Fprintf(w, "address:  %s (%s)\n", addr, addr.AddressSize())
	fmt.Fprintf(w, "segment:  %s\n", addr.EffectiveSegment())
	if prefixes.Len() != 0 {
		fmt.Fprintf(w, "prefixes: % x\n", prefixes.Bytes())
	}

	if enc.NeedsREX() {
		fmt.Fprintf(w, "REX.X:    %v\nREX.B:    %v\n", enc.IndexExtension, enc.BaseExtension)
	}

	fmt.Fprintf(w, "bytes:    % x\n", enc.Bytes())
	fmt.Fprintf(w, "encoding: %s\n", enc)

	return nil
}
