// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package decode implements a streaming decoder for x86
// machine code.
//
// A Decoder consumes one byte at a time, stopping once it
// has read a complete instruction or found the bytes to be
// invalid. The decoder only determines the structure of the
// instruction: its prefixes, opcode, ModR/M and SIB bytes,
// displacement, and immediate. Which opcodes exist, and
// whether they take a ModR/M byte or immediate, is decided
// by a Lookup, which is typically backed by an opcode table.
//
// A Decoder must not be used concurrently, but any number
// of decoders can share the same Lookup.
package decode

import (
	"errors"
	"fmt"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

// ErrIncomplete is returned when an
// instruction is requested before the
// decoder has read all of it.
var ErrIncomplete = errors.New("incomplete instruction")

// Decoder decodes a single instruction,
// one byte at a time.
type Decoder struct {
	// Immutable state.
	mode   x86.CodeSegmentType
	lookup Lookup

	// Mutable state as we progress through the instruction.
	state     State
	err       Error
	n         int // Number of bytes consumed.
	b         Builder
	inst      Instruction
	xexType   x86.XexType
	opcodeMap x86.OpcodeMap // The map selected by escape bytes.
	rex       x86.REX
	lead      byte    // The lead byte of a vector prefix.
	lookahead bool    // Whether the lead byte may be an opcode.
	payload   [3]byte // The vector prefix bytes after the lead byte.
	read      int     // The number of payload bytes read.
	deferred  bool    // Whether the lookup awaits the ModR/M byte.
	remaining int     // The bytes left in the displacement or immediate.
}

// NewDecoder returns a decoder for code
// in the given code segment type, which
// uses lookup to identify opcodes.
func NewDecoder(mode x86.CodeSegmentType, lookup Lookup) *Decoder {
	if mode > x86.CodeSegment64 {
		panic(fmt.Sprintf("decode: invalid code segment type %d", mode))
	}

	d := &Decoder{mode: mode, lookup: lookup}
	d.Reset()

	return d
}

// Reset discards any progress, preparing
// the decoder for a new instruction in the
// same code segment type.
func (d *Decoder) Reset() {
	*d = Decoder{mode: d.mode, lookup: d.lookup}
	d.b.Mode = d.mode
}

func (d *Decoder) Mode() x86.CodeSegmentType { return d.mode }
func (d *Decoder) State() State              { return d.state }

// Len returns the number of bytes
// consumed so far.
func (d *Decoder) Len() int { return d.n }

// Err returns the reason the instruction
// is invalid, if the decoder is in the
// error state.
func (d *Decoder) Err() error {
	if d.state != Failed {
		return nil
	}

	return d.err
}

// Instruction returns the decoded
// instruction. If the decoder is in
// the error state, the error is
// returned instead.
func (d *Decoder) Instruction() (Instruction, error) {
	switch d.state {
	case Completed:
		return d.inst, nil
	case Failed:
		return Instruction{}, d.err
	default:
		return Instruction{}, ErrIncomplete
	}
}

// Feed processes the next byte of the
// instruction, returning whether more
// bytes are needed. Once Feed returns
// false, the decoder must be Reset
// before it is fed again.
func (d *Decoder) Feed(b byte) bool {
	if d.state.Terminal() {
		panic("decode: Feed called in the " + d.state.String() + " state")
	}

	d.n++
	switch d.state {
	case Initial, ExpectPrefixOrOpcode:
		d.prefixOrOpcode(b)
	case ExpectXexByte:
		d.xexByte(b)
	case ExpectOpcode:
		d.opcode(b)
	case ExpectModRM:
		d.modRM(b)
	case ExpectSIB:
		d.sib(b)
	case ExpectDisplacement:
		d.displacement(b)
	case ExpectImmediate:
		d.immediate(b)
	default:
		panic(fmt.Sprintf("decode: invalid state %s", d.state))
	}

	if !d.state.Terminal() && d.n >= MaxInstructionLength {
		d.fail(ErrInstructionTooLong)
	}

	return !d.state.Terminal()
}

func (d *Decoder) fail(err Error) {
	d.state = Failed
	d.err = err
}

func (d *Decoder) query() Query {
	return Query{
		Mode:     d.mode,
		Prefixes: d.b.Prefixes,
		Xex:      d.b.Xex,
		MainByte: d.b.MainByte,
		ModRM:    d.b.ModRM,
	}
}

func (d *Decoder) prefixOrOpcode(b byte) {
	if x86.IsLegacyPrefix(b) {
		p := x86.LegacyPrefix(b)
		if prev, ok := d.b.Prefixes.PrefixFromGroup(p.Group()); ok && prev != p {
			d.fail(ErrConflictingLegacyPrefixes)
			return
		}

		prefixes, err := d.b.Prefixes.Append(p)
		if err != nil {
			d.fail(ErrTooManyLegacyPrefixes)
			return
		}

		d.b.Prefixes = prefixes
		d.state = ExpectPrefixOrOpcode
		return
	}

	typ, lookahead := x86.ClassifyLeadByte(d.mode, b)
	switch {
	case typ == x86.XexRexAndEscapes:
		d.xexType = typ
		d.rex = x86.REX(b)
		d.state = ExpectOpcode
	case typ.IsVectorPrefix():
		d.xexType = typ
		d.lead = b
		d.lookahead = lookahead
		d.state = ExpectXexByte
	default:
		d.opcode(b)
	}
}

func (d *Decoder) xexByte(b byte) {
	if d.read == 0 && d.lookahead && x86.ClassifyXex(d.mode, d.lead, b) == x86.XexEscapes {
		d.rollback(b)
		return
	}

	d.payload[d.read] = b
	d.read++
	if d.read < d.xexType.PayloadBytes() {
		return
	}

	if d.b.Prefixes.HasLock() {
		d.fail(ErrLockWithVEX)
		return
	}

	var xex x86.Xex
	var err error
	p := d.payload
	switch d.xexType {
	case x86.XexVEX2:
		xex = x86.NewVEX2Xex(p[0])
	case x86.XexVEX3:
		xex, err = x86.NewVEX3Xex(p[0], p[1])
	case x86.XexXOP:
		xex, err = x86.NewXOPXex(p[0], p[1])
	case x86.XexEVEX:
		xex, err = x86.NewEVEXXex(p[0], p[1], p[2])
	default:
		panic(fmt.Sprintf("decode: unexpected prefix type %s", d.xexType))
	}

	if err != nil {
		d.fail(ErrInvalidOpcodeMap)
		return
	}

	d.b.Xex = xex
	d.state = ExpectOpcode
}

// rollback treats the lead byte of what
// looked like a vector prefix as the main
// opcode byte, and b as its ModR/M byte.
//
// The opcode is looked up without the
// ModR/M byte first, as for any other
// instruction, but must take a ModR/M
// byte, as the vector prefix forms are
// only ambiguous with such opcodes.
func (d *Decoder) rollback(modrm byte) {
	d.xexType = x86.XexEscapes
	d.b.Xex = x86.Xex{}
	d.b.MainByte = d.lead

	res := d.lookup.Lookup(d.query())
	switch res.Status {
	case NotFound:
		d.fail(ErrUnknownOpcode)
		return
	case NeedsModRM:
		d.deferred = true
	case Found:
		if !res.HasModRM {
			d.fail(ErrUnknownOpcode)
			return
		}

		d.found(res)
	}

	d.modRM(modrm)
}

func (d *Decoder) opcode(b byte) {
	// A REX prefix must immediately precede
	// the opcode or its escape bytes.
	if d.xexType == x86.XexRexAndEscapes && d.opcodeMap == x86.OpcodeMapDefault && (x86.IsLegacyPrefix(b) || x86.IsREX(b)) {
		d.fail(ErrMisplacedREX)
		return
	}

	if d.xexType.AllowsEscapes() {
		switch {
		case d.opcodeMap == x86.OpcodeMapDefault && b == 0x0f:
			d.opcodeMap = x86.OpcodeMap0F
			d.state = ExpectOpcode
			return
		case d.opcodeMap == x86.OpcodeMap0F && b == 0x38:
			d.opcodeMap = x86.OpcodeMap0F38
			return
		case d.opcodeMap == x86.OpcodeMap0F && b == 0x3a:
			d.opcodeMap = x86.OpcodeMap0F3A
			return
		}

		var err error
		if d.xexType == x86.XexRexAndEscapes {
			d.b.Xex, err = x86.NewREXXex(d.rex, d.opcodeMap)
		} else {
			d.b.Xex, err = x86.NewEscapesXex(d.opcodeMap)
		}

		if err != nil {
			panic(fmt.Sprintf("decode: invalid legacy prefix: %v", err))
		}
	}

	d.b.MainByte = b
	res := d.lookup.Lookup(d.query())
	switch res.Status {
	case NotFound:
		d.fail(ErrUnknownOpcode)
	case NeedsModRM:
		d.deferred = true
		d.state = ExpectModRM
	case Found:
		d.found(res)
		if res.HasModRM {
			d.state = ExpectModRM
		} else {
			d.startImmediate()
		}
	default:
		panic(fmt.Sprintf("decode: invalid lookup status %s", res.Status))
	}
}

func (d *Decoder) found(res LookupResult) {
	if res.ImmediateSize < 0 || res.ImmediateSize > MaxImmediateSize {
		panic(fmt.Sprintf("decode: lookup returned invalid immediate size %d for %s", res.ImmediateSize, res.Tag))
	}

	d.b.Tag = res.Tag
	d.b.ImmediateSize = res.ImmediateSize
}

func (d *Decoder) addressSize() x86.AddressSize {
	return d.mode.EffectiveAddressSize(d.b.Prefixes.HasAddressSizeOverride())
}

func (d *Decoder) modRM(b byte) {
	modrm := x86.ModRM(b)
	d.b.ModRM = x86.SomeModRM(modrm)
	if d.deferred {
		d.deferred = false
		res := d.lookup.Lookup(d.query())
		switch res.Status {
		case NotFound:
			d.fail(ErrUnknownOpcode)
			return
		case NeedsModRM:
			panic(fmt.Sprintf("decode: lookup for opcode %02x still needs the ModR/M byte once it is known", d.b.MainByte))
		}

		if !res.HasModRM {
			panic(fmt.Sprintf("decode: lookup for opcode %02x needed the ModR/M byte but then found %s without one", d.b.MainByte, res.Tag))
		}

		d.found(res)
	}

	size := d.addressSize()
	if modrm.ImpliesSIB(size) {
		d.state = ExpectSIB
		return
	}

	d.startDisplacement(modrm.DisplacementSize(size, x86.OptionalSIB{}))
}

func (d *Decoder) sib(b byte) {
	d.b.SIB = x86.SomeSIB(x86.SIB(b))
	modrm, _ := d.b.ModRM.Get()
	d.startDisplacement(modrm.DisplacementSize(d.addressSize(), d.b.SIB))
}

func (d *Decoder) startDisplacement(size x86.DisplacementSize) {
	d.b.DisplacementSize = size
	d.remaining = size.Bytes()
	if d.remaining == 0 {
		d.startImmediate()
		return
	}

	d.state = ExpectDisplacement
}

func (d *Decoder) displacement(b byte) {
	shift := 8 * (d.b.DisplacementSize.Bytes() - d.remaining)
	d.b.Displacement |= uint32(b) << shift
	d.remaining--
	if d.remaining == 0 {
		d.startImmediate()
	}
}

func (d *Decoder) startImmediate() {
	d.remaining = d.b.ImmediateSize
	if d.remaining == 0 {
		d.complete()
		return
	}

	d.state = ExpectImmediate
}

func (d *Decoder) immediate(b byte) {
	shift := 8 * (d.b.ImmediateSize - d.remaining)
	d.b.Immediate |= uint64(b) << shift
	d.remaining--
	if d.remaining == 0 {
		d.complete()
	}
}

func (d *Decoder) complete() {
	// Some opcodes are only identified
	// by their 8-bit immediate.
	if m, ok := d.lookup.(ImmediateMatcher); ok && d.b.ImmediateSize == 1 {
		tag, ok := m.MatchImmediate(d.query(), byte(d.b.Immediate))
		if !ok {
			d.fail(ErrUnknownOpcode)
			return
		}

		d.b.Tag = tag
	}

	inst, err := d.b.Build()
	if err != nil {
		panic(fmt.Sprintf("decode: built invalid instruction: %v", err))
	}

	d.inst = inst
	d.state = Completed
}

// Decode decodes the instruction at the
// start of code.
func Decode(mode x86.CodeSegmentType, lookup Lookup, code []byte) (Instruction, error) {
	d := NewDecoder(mode, lookup)
	for _, b := range code {
		if !d.Feed(b) {
			break
		}
	}

	return d.Instruction()
}
