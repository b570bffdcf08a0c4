// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

func TestParse(t *testing.T) {
	tests := []struct {
		Name string
		File string
		Want *Config
	}{
		{
			Name: "empty",
			File: ``,
			Want: Default(),
		},
		{
			Name: "full",
			File: `
mode = "32"
tables = ["base.json", "/opt/x86/avx.json"]
workers = 3
`,
			Want: &Config{
				Mode:    "32",
				Tables:  []string{filepath.Join("conf", "base.json"), "/opt/x86/avx.json"},
				Workers: 3,
			},
		},
		{
			Name: "mode with suffix",
			File: `mode = "16-bit"`,
			Want: &Config{
				Mode:    "16-bit",
				Workers: Default().Workers,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			got, err := Parse(filepath.Join("conf", "x86dec.toml"), []byte(test.File))
			if err != nil {
				t.Fatalf("Parse(): %v", err)
			}

			if diff := cmp.Diff(test.Want, got); diff != "" {
				t.Fatalf("Parse(): (-want, +got)\n%s", diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		Name string
		File string
	}{
		{
			Name: "invalid TOML",
			File: `mode = `,
		},
		{
			Name: "unknown field",
			File: `verbose = true`,
		},
		{
			Name: "invalid mode",
			File: `mode = "8"`,
		},
		{
			Name: "no workers",
			File: `workers = 0`,
		},
		{
			Name: "wrong type",
			File: `tables = "base.json"`,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			got, err := Parse("x86dec.toml", []byte(test.File))
			if err == nil {
				t.Fatalf("Parse(): got %#v, want error", got)
			}
		})
	}
}

func TestFlags(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "x86dec.toml")
	err := os.WriteFile(name, []byte("mode = \"32\"\ntables = [\"base.json\"]\nworkers = 2\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	flags := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(flags)
	err = flags.Parse([]string{"-config", name, "-mode", "16", "-table", "a.json", "-table", "b.json"})
	if err != nil {
		t.Fatalf("Parse(): %v", err)
	}

	got, err := f.Config()
	if err != nil {
		t.Fatalf("Config(): %v", err)
	}

	want := &Config{
		Mode:    "16",
		Tables:  []string{"a.json", "b.json"},
		Workers: 2,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Config(): (-want, +got)\n%s", diff)
	}

	mode, err := got.CodeSegment()
	if err != nil {
		t.Fatalf("CodeSegment(): %v", err)
	}

	if mode != x86.CodeSegment16 {
		t.Fatalf("CodeSegment(): got %s, want %s", mode, x86.CodeSegment16)
	}
}

func TestLoadTable(t *testing.T) {
	table, err := Default().LoadTable()
	if err != nil {
		t.Fatalf("LoadTable(): %v", err)
	}

	if table.Len() == 0 {
		t.Fatalf("LoadTable(): got empty table")
	}

	c := Default()
	c.Tables = []string{filepath.Join(t.TempDir(), "missing.json")}
	if _, err := c.LoadTable(); err == nil {
		t.Fatalf("LoadTable(): unexpected success")
	}
}
