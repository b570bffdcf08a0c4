// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"embed"
	"fmt"
	"path"
)

// The built-in table files.
//
//go:embed tables/*.json
var tablesFS embed.FS

// SampleTableName is the name of the built-in
// table with a selection of common instructions
// in each encoding form.
const SampleTableName = "sample"

// BuiltinTable returns a table containing
// the rules in the named built-in table
// file.
func BuiltinTable(name string) (*Table, error) {
	f, err := tablesFS.Open(path.Join("tables", name+".json"))
	if err != nil {
		return nil, fmt.Errorf("no built-in table %q", name)
	}

	defer f.Close()

	t := NewTable()
	if err := t.ReadTable(f); err != nil {
		return nil, fmt.Errorf("built-in table %s: %w", name, err)
	}

	return t, nil
}
