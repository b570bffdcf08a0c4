// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"firefly-os.dev/tools/x86dec/internal/x86"
)

var (
	operandSize16 = NewOperandSizeSet(x86.OperandSize16)
	operandSize32 = NewOperandSizeSet(x86.OperandSize32)
)

// mergeOperandSizes combines two rules that
// are identical, other than one matching a
// 16-bit operand size and the other a 32-bit
// operand size. An imm16 and imm32 pair is
// replaced by an operand-sized immediate.
func mergeOperandSizes(a, b Encoding) (Encoding, bool) {
	switch {
	case a.OperandSizes == operandSize16 && b.OperandSizes == operandSize32:
	case a.OperandSizes == operandSize32 && b.OperandSizes == operandSize16:
		a, b = b, a
	default:
		return Encoding{}, false
	}

	merged := a
	merged.OperandSizes = a.OperandSizes | b.OperandSizes
	if a.Immediate == x86.Immediate16 && b.Immediate == x86.Immediate32 {
		merged.Immediate = x86.ImmediateOperandZ
		b.Immediate = x86.ImmediateOperandZ
	}

	// Everything else must match.
	b.OperandSizes = merged.OperandSizes
	if b != merged {
		return Encoding{}, false
	}

	return merged, true
}

// MergeOperandSizes returns the entries,
// with each pair of entries that share a
// tag and differ only in matching a 16-bit
// or a 32-bit operand size replaced by a
// single entry matching either. The merged
// entry takes the position of the first
// of the pair.
func MergeOperandSizes(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	merged := make([]bool, len(entries))
	for i, entry := range entries {
		if merged[i] {
			continue
		}

		for j := i + 1; j < len(entries); j++ {
			if merged[j] || entries[j].Tag != entry.Tag {
				continue
			}

			if enc, ok := mergeOperandSizes(entry.Encoding, entries[j].Encoding); ok {
				entry.Encoding = enc
				merged[j] = true
				break
			}
		}

		out = append(out, entry)
	}

	return out
}
