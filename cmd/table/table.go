// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package table loads and checks opcode table files.
//
// Every rule is checked for consistency and against every
// other rule it could be confused with, so a table that
// loads successfully can be used to decode instructions
// unambiguously.
package table

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"firefly-os.dev/tools/x86dec/internal/config"
	"firefly-os.dev/tools/x86dec/internal/x86"
	"firefly-os.dev/tools/x86dec/internal/x86/opcode"
)

var program = filepath.Base(os.Args[0])

// Main loads and checks opcode tables.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("table", flag.ExitOnError)

	var help, dump bool
	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.BoolVar(&dump, "dump", false, "Print the merged table in the table file format.")
	cfgFlags := config.RegisterFlags(flags)

	flags.Usage = func() {
		log.Printf("Usage:\n  %s %s [OPTIONS] [TABLE...]\n\n", program, flags.Name())
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

	if names := flags.Args(); len(names) != 0 {
		cfg.Tables = append(cfg.Tables, names...)
	}

	table, err := cfg.LoadTable()
	if err != nil {
		return err
	}

	if dump {
		return opcode.WriteEntries(w, table.Entries())
	}

	return Summarise(w, table)
}

// Summarise prints statistics about
// the table.
func Summarise(w io.Writer, table *opcode.Table) error {
	forms := make(map[opcode.XexForm]int)
	maps := make(map[x86.OpcodeMap]int)
	for _, entry := range table.Entries() {
		forms[entry.Encoding.Form]++
		maps[entry.Encoding.Map]++
	}

	buckets, largest := table.Buckets()
	fmt.Fprintf(w, "rules:   %d\n", table.Len())
	fmt.Fprintf(w, "buckets: %d (largest has %d rules)\n", buckets, largest)
	fmt.Fprintf(w, "forms:\n")
	for form := opcode.FormLegacy; form <= opcode.FormEVEX; form++ {
		if n := forms[form]; n != 0 {
			fmt.Fprintf(w, "  %-8s%d\n", form, n)
		}
	}

	fmt.Fprintf(w, "maps:\n")
	for m := x86.OpcodeMapDefault; m <= x86.OpcodeMapXOP10; m++ {
		if n := maps[m]; n != 0 {
			fmt.Fprintf(w, "  %-8s%d\n", m, n)
		}
	}

	return nil
}
