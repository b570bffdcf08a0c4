// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decode

import (
	"fmt"
)

// State represents the progress a
// decoder has made through an
// instruction.
type State uint8

const (
	Initial              State = iota // No bytes have been read.
	ExpectPrefixOrOpcode              // Legacy prefixes have been read.
	ExpectXexByte                     // Part of a vector prefix has been read.
	ExpectOpcode                      // A REX prefix, vector prefix, or escape byte has been read.
	ExpectModRM                       // The main opcode byte has been read.
	ExpectSIB                         // The ModR/M byte implies a SIB byte.
	ExpectDisplacement                // Part of the displacement remains.
	ExpectImmediate                   // Part of the immediate remains.
	Completed                         // The instruction is complete.
	Failed                            // The instruction is invalid.
)

// Terminal returns whether the state
// consumes no further bytes.
func (s State) Terminal() bool { return s == Completed || s == Failed }

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case ExpectPrefixOrOpcode:
		return "expect prefix or opcode"
	case ExpectXexByte:
		return "expect xex byte"
	case ExpectOpcode:
		return "expect opcode"
	case ExpectModRM:
		return "expect ModR/M"
	case ExpectSIB:
		return "expect SIB"
	case ExpectDisplacement:
		return "expect displacement"
	case ExpectImmediate:
		return "expect immediate"
	case Completed:
		return "completed"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Error describes why a byte sequence
// is not a valid instruction.
type Error uint8

const (
	_                            Error = iota
	ErrConflictingLegacyPrefixes       // Two different prefixes from the same group.
	ErrTooManyLegacyPrefixes           // More prefixes than a prefix list can hold.
	ErrUnknownOpcode                   // No instruction has the opcode.
	ErrVEXInRealMode                   // A vector prefix in real mode.
	ErrLockWithVEX                     // A lock prefix before a vector prefix.
	ErrInvalidOpcodeMap                // A vector prefix selects an undefined opcode map.
	ErrInstructionTooLong              // The instruction exceeds MaxInstructionLength.
	ErrMisplacedREX                    // A REX prefix followed by another prefix.
)

var _ error = Error(0)

func (e Error) Error() string {
	switch e {
	case ErrConflictingLegacyPrefixes:
		return "conflicting legacy prefixes"
	case ErrTooManyLegacyPrefixes:
		return "too many legacy prefixes"
	case ErrUnknownOpcode:
		return "unknown opcode"
	case ErrVEXInRealMode:
		return "vector prefix in real mode"
	case ErrLockWithVEX:
		return "lock prefix with vector prefix"
	case ErrInvalidOpcodeMap:
		return "invalid opcode map"
	case ErrInstructionTooLong:
		return "instruction too long"
	case ErrMisplacedREX:
		return "REX prefix not followed by an opcode"
	default:
		return fmt.Sprintf("decode.Error(%d)", e)
	}
}
