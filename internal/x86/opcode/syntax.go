// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package opcode

import (
	"fmt"
	"strconv"
	"strings"

	"firefly-os.dev/tools/x86dec/internal/x86"
)

// ParseEncoding processes the textual description
// of an x86 instruction's encoding, as used in the
// opcode column of the Intel x86 manuals, producing
// the rule that matches it.
//
// For example:
//
//	0F A2
//	REX.W 81 /7 id
//	66 0F 3A 0F /r ib
//	VEX.256.66.0F38.W0 18 /r
//	EVEX.512.F3.0F.W1 7F /r
//	XOP.128.MAP9.W0 01 /1
//
// Rules for a 16-bit and 32-bit operand size
// can be merged with MergeOperandSizes.
func ParseEncoding(s string) (Encoding, error) {
	// From the Intel x86 manuals, Volume 2A, section
	// 3.1.1.1:
	//
	// - NP: Indicates the use of 66/F2/F3 prefixes (beyond those already part of the instructions opcode) are not
	//   allowed with the instruction.
	// - NFx: Indicates the use of F2/F3 prefixes (beyond those already part of the instructions opcode) are not
	//   allowed with the instruction.
	// - REX.W: Indicates the use of a REX prefix that affects operand size or instruction semantics.
	// - /digit: A digit between 0 and 7 indicates that the ModR/M byte of the instruction uses only the r/m (register
	//   or memory) operand. The reg field contains the digit that provides an extension to the instruction's opcode.
	// - /r: Indicates that the ModR/M byte of the instruction contains a register operand and an r/m operand.
	// - cb, cw, cd, cp: A 1-byte (cb), 2-byte (cw), 4-byte (cd) or 6-byte (cp) value following the opcode.
	// - ib, iw, id, io: A 1-byte (ib), 2-byte (iw), 4-byte (id) or 8-byte (io) immediate operand to the instruction
	//   that follows the opcode, ModR/M bytes or scale-indexing bytes.
	// - +rb, +rw, +rd, +ro: Indicated the lower 3 bits of the opcode byte is used to encode the register operand
	//   without a modR/M byte.
	// - +i: A number used in floating-point instructions when one of the operands is ST(i) from the FPU register
	//   stack.

	e := Encoding{
		CodeSegments:  AllCodeSegments,
		AddressSizes:  AllAddressSizes,
		OperandSizes:  AllOperandSizes,
		VectorLengths: AllVectorLengths,
		SIMDPrefixes:  AllSIMDPrefixes,
		MainByteMask:  MaskFull,
	}

	bad := func(format string, v ...any) (Encoding, error) {
		return Encoding{}, fmt.Errorf("bad encoding syntax %q: %s", s, fmt.Sprintf(format, v...))
	}

	// Start with any prefixes.
	var mandatory66, mandatoryRep bool
	parts := strings.Fields(s)
prefixes:
	for i, clause := range parts {
		switch clause {
		case "NP":
			e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixNone)
		case "NFx":
			e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixNone, x86.SIMDPrefix66)
		case "REX":
			// Only affects the choice of
			// byte registers.
		case "REX.W":
			e.W = W1
			e.CodeSegments = NewCodeSegmentSet(x86.CodeSegment64)
			e.OperandSizes = NewOperandSizeSet(x86.OperandSize64)
		case "66": // operand size.
			mandatory66 = true
		case "F2": // REPNE/REPNZ or BND.
			e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixF2)
			mandatoryRep = true
		case "F3": // REP or REPE/REPZ.
			e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixF3)
			mandatoryRep = true
		case "F0", "2E", "36", "3E", "26", "64", "65", "67":
			return bad("unsupported mandatory prefix %s", clause)
		default:
			parts = parts[i:]
			break prefixes
		}
	}

	switch {
	case mandatory66 && mandatoryRep:
		// The repeat prefix is the SIMD
		// prefix, so the operand size
		// override has its normal meaning.
		e.OperandSizes = NewOperandSizeSet(x86.OperandSize16)
	case mandatory66:
		e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefix66)
	}

	// Some specialised instructions
	// hard-code an immediate value
	// that is used in the more general
	// instruction form to select the
	// special form. This is represented
	// in the encoding as a hex value
	// after /r, in place of ib.
	var (
		seenVector bool
		seenMain   bool
		seenModRM  bool
	)

	for i, clause := range parts {
		if clause == "+" {
			continue
		}

		if !seenMain {
			var (
				form     XexForm
				parseXex func(string, *Encoding) error
			)

			switch {
			case strings.HasPrefix(clause, "VEX."):
				form, parseXex = FormVEX, parseVEX
			case strings.HasPrefix(clause, "EVEX."):
				form, parseXex = FormEVEX, parseEVEX
			case strings.HasPrefix(clause, "XOP."):
				form, parseXex = FormXOP, parseXOP
			}

			if parseXex != nil {
				if seenVector || i != 0 || e.Map != x86.OpcodeMapDefault {
					return bad("unexpected vector prefix clause %q", clause)
				}

				if e.SIMDPrefixes != AllSIMDPrefixes || e.W != WIgnored || mandatory66 {
					return bad("legacy prefixes cannot be combined with %s", form)
				}

				seenVector = true
				e.Form = form
				e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixNone)
				if err := parseXex(clause, &e); err != nil {
					return bad("%v", err)
				}

				continue
			}
		}

		switch {
		case strings.HasSuffix(clause, "+rb"), strings.HasSuffix(clause, "+rw"), strings.HasSuffix(clause, "+rd"), strings.HasSuffix(clause, "+ro"):
			if seenMain {
				return bad("unexpected opcode register modifier %q", clause)
			}

			b, err := parseHexByte(clause[:len(clause)-3])
			if err != nil {
				return bad("invalid opcode register modifier clause %q: %v", clause, err)
			}

			e.MainByte = b
			e.MainByteMask = MaskEmbeddedReg
			seenMain = true
			continue
		case strings.HasSuffix(clause, "+cc"):
			if seenMain {
				return bad("unexpected condition code clause %q", clause)
			}

			b, err := parseHexByte(strings.TrimSuffix(clause, "+cc"))
			if err != nil {
				return bad("invalid condition code clause %q: %v", clause, err)
			}

			e.MainByte = b
			e.MainByteMask = MaskConditionCode
			seenMain = true
			continue
		case strings.HasSuffix(clause, "+i"):
			b, err := parseHexByte(strings.TrimSuffix(clause, "+i"))
			if err != nil {
				return bad("invalid FPU stack index clause %q: %v", clause, err)
			}

			if !seenMain {
				e.MainByte = b
				e.MainByteMask = MaskEmbeddedReg
				seenMain = true
				continue
			}

			// The stack index is the ModR/M.rm
			// field of a fixed register form.
			modrm := x86.ModRM(b)
			if seenModRM || !modrm.IsDirect() || modrm.RM() != 0 {
				return bad("invalid FPU stack index clause %q", clause)
			}

			e.ModRM = ModRMConstraint{Present: true, Mod: ModDirect, Reg: modrm.Reg() + 1}
			seenModRM = true
			continue
		}

		// Handle fixed ModR/M clauses, as they're complex.
		if strings.Contains(clause, ":") {
			if !seenMain || seenModRM {
				return bad("unexpected ModR/M clause %q", clause)
			}

			c, err := parseModRMFields(clause)
			if err != nil {
				return bad("invalid encoding clause %s: %v", clause, err)
			}

			e.ModRM = c
			seenModRM = true
			continue
		}

		switch clause {
		// Opcode extensions.
		case "/0", "/1", "/2", "/3", "/4", "/5", "/6", "/7":
			if !seenMain || seenModRM {
				return bad("unexpected ModR/M clause %q", clause)
			}

			digit := clause[1] - '0'
			e.ModRM = ModRMConstraint{Present: true, Reg: digit + 1}
			seenModRM = true
		// R/M operand.
		case "/r":
			if !seenMain || seenModRM {
				return bad("unexpected ModR/M clause %q", clause)
			}

			e.ModRM = ModRMConstraint{Present: true}
			seenModRM = true
		// Vector SIB.
		case "/vsib":
			if !seenMain {
				return bad("unexpected ModR/M clause %q", clause)
			}

			e.ModRM.Present = true
			e.ModRM.Mod = ModIndirect
			seenModRM = true
		// Immediate values and code offsets.
		case "ib", "cb", "/is4":
			switch e.Immediate {
			case x86.ImmediateNone:
				e.Immediate = x86.Immediate8
			case x86.Immediate16:
				e.Immediate = x86.Immediate16And8
			default:
				return bad("unexpected second immediate clause %q", clause)
			}
		case "iw", "cw", "id", "cd", "io", "cp":
			if e.Immediate != x86.ImmediateNone {
				return bad("unexpected second immediate clause %q", clause)
			}

			e.Immediate = map[string]x86.ImmediateType{
				"iw": x86.Immediate16,
				"cw": x86.Immediate16,
				"id": x86.Immediate32,
				"cd": x86.Immediate32,
				"io": x86.Immediate64,
				"cp": x86.ImmediateFarPointer,
			}[clause]
		default:
			b, err := parseHexByte(clause)
			if err != nil {
				return bad("failed to handle encoding clause %q", clause)
			}

			switch {
			case seenModRM:
				if e.Immediate != x86.ImmediateNone {
					return bad("unexpected implied immediate %q", clause)
				}

				e.Immediate = x86.Immediate8
				e.FixedImm8 = uint16(b) + 1
			case seenMain:
				// A fixed ModR/M byte. Only the
				// register forms can be expressed.
				modrm := x86.ModRM(b)
				if !modrm.IsDirect() {
					return bad("unsupported fixed memory ModR/M byte %q", clause)
				}

				e.ModRM = ModRMConstraint{Present: true, Mod: ModDirect, Reg: modrm.Reg() + 1, RM: modrm.RM() + 1}
				seenModRM = true
			case !seenVector && e.Map == x86.OpcodeMapDefault && b == 0x0f:
				e.Map = x86.OpcodeMap0F
			case !seenVector && e.Map == x86.OpcodeMap0F && b == 0x38 && parts[i-1] == "0F":
				e.Map = x86.OpcodeMap0F38
			case !seenVector && e.Map == x86.OpcodeMap0F && b == 0x3a && parts[i-1] == "0F":
				e.Map = x86.OpcodeMap0F3A
			default:
				e.MainByte = b
				seenMain = true
			}
		}
	}

	if !seenMain {
		return bad("missing opcode")
	}

	if err := e.Validate(); err != nil {
		return bad("%v", err)
	}

	return e, nil
}

// MustParseEncoding is like ParseEncoding,
// but panics if the syntax is invalid.
func MustParseEncoding(s string) Encoding {
	e, err := ParseEncoding(s)
	if err != nil {
		panic(err.Error())
	}

	return e
}

func parseHexByte(s string) (byte, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("%q is not a hex byte", s)
	}

	b, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}

	return byte(b), nil
}

func parseModRMFields(clause string) (ModRMConstraint, error) {
	c := ModRMConstraint{Present: true}
	fields := strings.Split(clause, ":")
	if len(fields) != 3 {
		return c, fmt.Errorf("failed to parse ModR/M fields")
	}

	switch fields[0] {
	case "11":
		c.Mod = ModDirect
	case "!(11)":
		c.Mod = ModIndirect
	case "mm":
		c.Mod = ModAny
	default:
		return c, fmt.Errorf("invalid ModR/M.mod field %q", fields[0])
	}

	field := func(name, s, wildcard string) (uint8, error) {
		if s == wildcard {
			return 0, nil // Any value.
		}

		n, err := strconv.ParseUint(s, 2, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid ModR/M.%s field %q: %v", name, s, err)
		}

		if n > 0b111 {
			return 0, fmt.Errorf("invalid ModR/M.%s field %q: exceeds bounds", name, s)
		}

		return uint8(n) + 1, nil
	}

	var err error
	c.Reg, err = field("reg", fields[1], "rrr")
	if err != nil {
		return c, err
	}

	c.RM, err = field("r/m", fields[2], "bbb")
	if err != nil {
		return c, err
	}

	return c, nil
}

// parseVectorClause handles the parts that
// VEX, EVEX, and XOP clauses have in common.
func parseVectorClause(part string, e *Encoding) (ok bool) {
	switch part {
	case "NDS", "NDD", "DDS":
		// The NDS/NDD/DDS terms can be ignored,
		// as their information is also encoded
		// in the parameter details.
	case "NP":
		e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixNone)
	case "66":
		e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefix66)
	case "F3":
		e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixF3)
	case "F2":
		e.SIMDPrefixes = NewSIMDPrefixSet(x86.SIMDPrefixF2)
	case "WIG":
		e.W = WIgnored
	case "W0":
		e.W = W0
	case "W1":
		e.W = W1
	default:
		return false
	}

	return true
}

func parseVEX(clause string, e *Encoding) error {
	for _, part := range strings.Split(clause, ".")[1:] {
		switch part {
		case "128", "L0", "LZ":
			e.VectorLengths = VectorLength128
		case "256", "L1":
			e.VectorLengths = VectorLength256
		case "LIG":
			e.VectorLengths = AllVectorLengths
		case "0F":
			e.Map = x86.OpcodeMap0F
		case "0F38":
			e.Map = x86.OpcodeMap0F38
		case "0F3A":
			e.Map = x86.OpcodeMap0F3A
		default:
			if !parseVectorClause(part, e) {
				return fmt.Errorf("bad VEX clause %q", part)
			}
		}
	}

	// Check mandatory fields.
	if e.Map == x86.OpcodeMapDefault {
		return fmt.Errorf("invalid encoding clause %s: missing VEX.m_mmmm", clause)
	}

	return nil
}

func parseEVEX(clause string, e *Encoding) error {
	for _, part := range strings.Split(clause, ".")[1:] {
		switch part {
		case "128":
			e.VectorLengths = VectorLength128
		case "256":
			e.VectorLengths = VectorLength256
		case "512":
			e.VectorLengths = VectorLength512
		case "LIG", "LLIG":
			e.VectorLengths = AllVectorLengths
		case "0F":
			e.Map = x86.OpcodeMap0F
		case "0F38":
			e.Map = x86.OpcodeMap0F38
		case "0F3A":
			e.Map = x86.OpcodeMap0F3A
		case "MAP5":
			e.Map = x86.OpcodeMap5
		case "MAP6":
			e.Map = x86.OpcodeMap6
		default:
			if !parseVectorClause(part, e) {
				return fmt.Errorf("bad EVEX clause %q", part)
			}
		}
	}

	// Check mandatory fields.
	if e.Map == x86.OpcodeMapDefault {
		return fmt.Errorf("invalid encoding clause %s: missing EVEX.mmm", clause)
	}

	return nil
}

func parseXOP(clause string, e *Encoding) error {
	for _, part := range strings.Split(clause, ".")[1:] {
		switch part {
		case "128", "L0":
			e.VectorLengths = VectorLength128
		case "256", "L1":
			e.VectorLengths = VectorLength256
		case "LIG":
			e.VectorLengths = AllVectorLengths
		case "08", "MAP8":
			e.Map = x86.OpcodeMapXOP8
		case "09", "MAP9":
			e.Map = x86.OpcodeMapXOP9
		case "0A", "MAP10":
			e.Map = x86.OpcodeMapXOP10
		default:
			if !parseVectorClause(part, e) {
				return fmt.Errorf("bad XOP clause %q", part)
			}
		}
	}

	// Check mandatory fields.
	if e.Map == x86.OpcodeMapDefault {
		return fmt.Errorf("invalid encoding clause %s: missing XOP.map_select", clause)
	}

	return nil
}

// Syntax returns the textual form of the
// rule, as accepted by ParseEncoding. The
// code segment, operand size, and address
// size sets are only included where they
// are implied by the prefixes, and some
// immediate types cannot be expressed.
func (e Encoding) Syntax() (string, error) {
	var parts []string
	if e.Form == FormLegacy {
		if e.W == W1 {
			parts = append(parts, "REX.W")
		}

		switch e.SIMDPrefixes {
		case AllSIMDPrefixes:
		case NewSIMDPrefixSet(x86.SIMDPrefixNone):
			parts = append(parts, "NP")
		case NewSIMDPrefixSet(x86.SIMDPrefixNone, x86.SIMDPrefix66):
			parts = append(parts, "NFx")
		case NewSIMDPrefixSet(x86.SIMDPrefix66):
			parts = append(parts, "66")
		case NewSIMDPrefixSet(x86.SIMDPrefixF2), NewSIMDPrefixSet(x86.SIMDPrefixF3):
			if e.OperandSizes == operandSize16 {
				parts = append(parts, "66")
			}

			p, _ := e.SIMDPrefixes.Only()
			parts = append(parts, p.String())
		default:
			return "", fmt.Errorf("SIMD prefixes %s cannot be expressed", e.SIMDPrefixes)
		}

		escapes, _ := e.Map.EscapeBytes()
		for _, b := range escapes {
			parts = append(parts, fmt.Sprintf("%02X", b))
		}
	} else {
		clause, err := e.vectorClause()
		if err != nil {
			return "", err
		}

		parts = append(parts, clause)
	}

	switch e.MainByteMask {
	case MaskEmbeddedReg:
		parts = append(parts, fmt.Sprintf("%02X+rd", e.MainByte))
	case MaskConditionCode:
		parts = append(parts, fmt.Sprintf("%02X+cc", e.MainByte))
	default:
		parts = append(parts, fmt.Sprintf("%02X", e.MainByte))
	}

	if e.ModRM.Present {
		parts = append(parts, e.ModRM.String())
	}

	switch e.Immediate {
	case x86.Immediate8:
		if e.FixedImm8 == 0 {
			parts = append(parts, "ib")
		} else if e.ModRM.Present {
			parts = append(parts, fmt.Sprintf("%02X", e.FixedImm8-1))
		} else {
			return "", fmt.Errorf("fixed immediate without a ModR/M byte cannot be expressed")
		}
	case x86.Immediate16:
		parts = append(parts, "iw")
	case x86.Immediate32:
		parts = append(parts, "id")
	case x86.Immediate64:
		parts = append(parts, "io")
	case x86.Immediate16And8:
		parts = append(parts, "iw", "ib")
	case x86.ImmediateFarPointer:
		parts = append(parts, "cp")
	}

	return strings.Join(parts, " "), nil
}

func (e Encoding) vectorClause() (string, error) {
	parts := []string{e.Form.String()}
	switch e.VectorLengths {
	case AllVectorLengths:
		parts = append(parts, "LIG")
	case VectorLength128:
		parts = append(parts, "128")
	case VectorLength256:
		parts = append(parts, "256")
	case VectorLength512:
		parts = append(parts, "512")
	default:
		return "", fmt.Errorf("vector lengths %s cannot be expressed", e.VectorLengths)
	}

	p, ok := e.SIMDPrefixes.Only()
	if !ok {
		return "", fmt.Errorf("SIMD prefixes %s cannot be expressed", e.SIMDPrefixes)
	}

	parts = append(parts, p.String())
	switch e.Map {
	case x86.OpcodeMapXOP8:
		parts = append(parts, "MAP8")
	case x86.OpcodeMapXOP9:
		parts = append(parts, "MAP9")
	case x86.OpcodeMapXOP10:
		parts = append(parts, "MAP10")
	default:
		parts = append(parts, e.Map.String())
	}

	parts = append(parts, e.W.String())

	return strings.Join(parts, "."), nil
}
