// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package config contains the configuration shared by the x86dec
// commands.
//
// A configuration file is written in TOML:
//
//	# The default code segment type: 16, 32, or 64.
//	mode = "64"
//
//	# Opcode table files, in the order they are loaded.
//	# If none are given, the built-in sample table is used.
//	tables = ["base.json", "avx.json"]
//
//	# The number of inputs decoded at once.
//	workers = 4
//
// Relative table paths are resolved against the directory
// containing the configuration file. Values given with
// command-line flags take precedence over those in the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"firefly-os.dev/tools/x86dec/internal/x86"
	"firefly-os.dev/tools/x86dec/internal/x86/opcode"
)

// Config describes how instructions are
// decoded.
type Config struct {
	Mode    string   `toml:"mode"`
	Tables  []string `toml:"tables"`
	Workers int      `toml:"workers"`
}

// Default returns the configuration used
// when no file or flags are given.
func Default() *Config {
	return &Config{
		Mode:    "64",
		Workers: runtime.GOMAXPROCS(0),
	}
}

// Parse parses a configuration file. The
// name is used to resolve relative table
// paths and in error messages.
func Parse(name string, data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}

		return nil, fmt.Errorf("failed to parse %s: unknown fields: %s", name, strings.Join(keys, ", "))
	}

	dir := filepath.Dir(name)
	for i, table := range c.Tables {
		if !filepath.IsAbs(table) {
			c.Tables[i] = filepath.Join(dir, table)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", name, err)
	}

	return c, nil
}

// Load reads and parses the configuration
// file with the given name.
func Load(name string) (*Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(name, data)
}

// Validate checks that the configuration
// is complete and consistent.
func (c *Config) Validate() error {
	if _, err := x86.ParseCodeSegmentType(c.Mode); err != nil {
		return err
	}

	if c.Workers < 1 {
		return fmt.Errorf("invalid number of workers %d: must be at least 1", c.Workers)
	}

	return nil
}

// CodeSegment returns the code segment
// type named by c.Mode.
func (c *Config) CodeSegment() (x86.CodeSegmentType, error) {
	return x86.ParseCodeSegmentType(c.Mode)
}

// LoadTable builds the opcode table from
// the configured table files, or returns
// the built-in sample table if there are
// none.
func (c *Config) LoadTable() (*opcode.Table, error) {
	if len(c.Tables) == 0 {
		return opcode.BuiltinTable(opcode.SampleTableName)
	}

	return opcode.LoadTable(c.Tables...)
}

// Flags records the command-line flags
// that can override a configuration.
type Flags struct {
	config  string
	mode    string
	tables  tableList
	workers int
}

type tableList []string

func (l *tableList) String() string { return strings.Join(*l, ",") }

func (l *tableList) Set(s string) error {
	if s == "" {
		return errors.New("table name must not be empty")
	}

	*l = append(*l, s)
	return nil
}

// RegisterFlags adds the configuration
// flags to the flag set.
func RegisterFlags(flags *flag.FlagSet) *Flags {
	f := new(Flags)
	flags.StringVar(&f.config, "config", "", "Read configuration from the given TOML file.")
	flags.StringVar(&f.mode, "mode", "", "The code segment type (16, 32, or 64). Overrides the config file.")
	flags.Var(&f.tables, "table", "Load opcodes from the given table file. Can be repeated. Overrides the config file.")
	flags.IntVar(&f.workers, "workers", 0, "The number of inputs to decode at once. Overrides the config file.")

	return f
}

// Config returns the configuration from
// any config file, with values given on
// the command line taking precedence.
func (f *Flags) Config() (*Config, error) {
	c := Default()
	if f.config != "" {
		var err error
		c, err = Load(f.config)
		if err != nil {
			return nil, err
		}
	}

	if f.mode != "" {
		c.Mode = f.mode
	}

	if len(f.tables) != 0 {
		c.Tables = append([]string(nil), f.tables...)
	}

	if f.workers != 0 {
		c.Workers = f.workers
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}
