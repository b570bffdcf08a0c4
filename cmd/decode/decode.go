// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package decode decodes x86 machine code, printing the structure
// of each instruction.
//
// Each input is a sequence of hexadecimal bytes, which is
// decoded one instruction at a time. If no inputs are given
// on the command line, each line of standard input is an
// input. Inputs are decoded concurrently, sharing a single
// opcode table, but the results are printed in order.
package decode

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"firefly-os.dev/tools/x86dec/internal/config"
	"firefly-os.dev/tools/x86dec/internal/x86"
	"firefly-os.dev/tools/x86dec/internal/x86/decode"
)

var program = filepath.Base(os.Args[0])

// Options controls how decoded instructions
// are printed.
type Options struct {
	Reference bool // Print the x86asm disassembly of each instruction.
	Verbose   bool // Print each instruction's structure.
}

// Main decodes x86 machine code.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("decode", flag.ExitOnError)

	var help bool
	var opts Options
	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.BoolVar(&opts.Reference, "ref", true, "Show the reference disassembly from x86asm.")
	flags.BoolVar(&opts.Verbose, "v", false, "Show the structure of each instruction.")
	cfgFlags := config.RegisterFlags(flags)

	flags.Usage = func() {
		log.Printf("Usage:\n  %s %s [OPTIONS] [HEX...]\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	cfg, err := cfgFlags.Config()
	if err != nil {
		return err
	}

	mode, err := cfg.CodeSegment()
	if err != nil {
		return err
	}

	table, err := cfg.LoadTable()
	if err != nil {
		return err
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			if line := strings.TrimSpace(s.Text()); line != "" && !strings.HasPrefix(line, "#") {
				inputs = append(inputs, line)
			}
		}

		if err := s.Err(); err != nil {
			return fmt.Errorf("failed to read input: %v", err)
		}
	}

	return Run(ctx, w, mode, decode.TableLookup{Table: table}, cfg.Workers, opts, inputs)
}

// Run decodes each input, writing the
// results to w in order.
func Run(ctx context.Context, w io.Writer, mode x86.CodeSegmentType, lookup decode.Lookup, workers int, opts Options, inputs []string) error {
	codes := make([][]byte, len(inputs))
	for i, input := range inputs {
		code, err := ParseHex(input)
		if err != nil {
			return fmt.Errorf("invalid input %d: %v", i+1, err)
		}

		codes[i] = code
	}

	outputs := make([]string, len(codes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			var buf strings.Builder
			err := DecodeAll(ctx, &buf, mode, lookup, opts, code)
			if err != nil {
				return fmt.Errorf("input %d: %w", i+1, err)
			}

			outputs[i] = buf.String()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, output := range outputs {
		if len(outputs) > 1 {
			if i > 0 {
				fmt.Fprintln(w)
			}

			fmt.Fprintf(w, "# %s\n", inputs[i])
		}

		if _, err := io.WriteString(w, output); err != nil {
			return err
		}
	}

	return nil
}

// ParseHex parses a sequence of hexadecimal
// bytes, ignoring whitespace.
func ParseHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// DecodeAll decodes each instruction in
// code, writing one line per instruction
// to w. Invalid bytes are skipped one at
// a time until decoding succeeds again.
func DecodeAll(ctx context.Context, w io.Writer, mode x86.CodeSegmentType, lookup decode.Lookup, opts Options, code []byte) error {
	d := decode.NewDecoder(mode, lookup)
	for offset := 0; offset < len(code); {
		if err := ctx.Err(); err != nil {
			return err
		}

		d.Reset()
		for _, b := range code[offset:] {
			if !d.Feed(b) {
				break
			}
		}

		inst, err := d.Instruction()
		if err != nil {
			// Resynchronise at the next byte.
			fmt.Fprintf(w, "%04x  %-24s  error: %v\n", offset, hexBytes(code[offset:offset+d.Len()]), err)
			offset++
			continue
		}

		line := fmt.Sprintf("%04x  %-24s  %s", offset, hexBytes(inst.Bytes()), inst.Tag())
		if opts.Reference {
			line += "\t" + reference(code[offset:offset+inst.Len()], mode, offset)
		}

		fmt.Fprintln(w, strings.TrimRight(line, " "))
		if opts.Verbose {
			fmt.Fprintf(w, "      %s\n", inst)
			if addr, err := inst.EffectiveAddress(); err == nil {
				fmt.Fprintf(w, "      address: %s\n", addr)
			}
		}

		offset += inst.Len()
	}

	return nil
}

func hexBytes(b []byte) string {
	var s strings.Builder
	for i, x := range b {
		if i > 0 {
			s.WriteByte(' ')
		}

		fmt.Fprintf(&s, "%02x", x)
	}

	return s.String()
}

// reference returns x86asm's disassembly of
// the instruction, or a note saying why it
// could not be disassembled.
func reference(code []byte, mode x86.CodeSegmentType, offset int) string {
	inst, err := x86asm.Decode(code, mode.Bits())
	if err != nil {
		return "(x86asm: " + err.Error() + ")"
	}

	text := x86asm.IntelSyntax(inst, uint64(offset), nil)
	if inst.Len != len(code) {
		text += fmt.Sprintf(" (x86asm: %d bytes)", inst.Len)
	}

	return text
}
