// Package bytecode describes the managed-runtime instruction set at the
// structural level: operand widths, branch shapes and instruction boundaries.
// It interprets nothing; the instrumentation engine uses it to relocate
// offsets and the emulator uses it to validate and execute code.
package bytecode

import (
	"errors"
	"fmt"
)

// Opcode is a single instruction opcode byte.
type Opcode byte

// Constants for the opcodes the engine emits or inspects by name. The full
// instruction set is covered by the metadata table below.
const (
	Nop        Opcode = 0x00
	AconstNull Opcode = 0x01
	IconstM1   Opcode = 0x02
	Iconst0    Opcode = 0x03
	Iconst1    Opcode = 0x04
	Iconst2    Opcode = 0x05
	Iconst3    Opcode = 0x06
	Iconst4    Opcode = 0x07
	Iconst5    Opcode = 0x08
	Bipush     Opcode = 0x10
	Sipush     Opcode = 0x11
	Ldc        Opcode = 0x12
	LdcW       Opcode = 0x13
	Ldc2W      Opcode = 0x14
	Iload      Opcode = 0x15
	Iload0     Opcode = 0x1A
	Iload1     Opcode = 0x1B
	Iload2     Opcode = 0x1C
	Iload3     Opcode = 0x1D
	Istore     Opcode = 0x36
	Istore0    Opcode = 0x3B
	Istore1    Opcode = 0x3C
	Istore2    Opcode = 0x3D
	Istore3    Opcode = 0x3E
	Pop        Opcode = 0x57
	Dup        Opcode = 0x59
	Iadd       Opcode = 0x60
	Isub       Opcode = 0x64
	Imul       Opcode = 0x68
	Idiv       Opcode = 0x6C
	Iinc       Opcode = 0x84
	Ifeq       Opcode = 0x99
	Ifne       Opcode = 0x9A
	Iflt       Opcode = 0x9B
	Ifge       Opcode = 0x9C
	Ifgt       Opcode = 0x9D
	Ifle       Opcode = 0x9E
	IfIcmpeq   Opcode = 0x9F
	IfIcmpne   Opcode = 0xA0
	IfIcmplt   Opcode = 0xA1
	IfIcmpge   Opcode = 0xA2
	IfIcmpgt   Opcode = 0xA3
	IfIcmple   Opcode = 0xA4
	Goto       Opcode = 0xA7
	Jsr        Opcode = 0xA8
	Ret        Opcode = 0xA9
	Tableswitch  Opcode = 0xAA
	Lookupswitch Opcode = 0xAB
	Ireturn    Opcode = 0xAC
	Lreturn    Opcode = 0xAD
	Freturn    Opcode = 0xAE
	Dreturn    Opcode = 0xAF
	Areturn    Opcode = 0xB0
	Return     Opcode = 0xB1
	Getstatic  Opcode = 0xB2
	Invokevirtual   Opcode = 0xB6
	Invokespecial   Opcode = 0xB7
	Invokestatic    Opcode = 0xB8
	Invokeinterface Opcode = 0xB9
	Invokedynamic   Opcode = 0xBA
	Athrow     Opcode = 0xBF
	Monitorenter Opcode = 0xC2
	Monitorexit  Opcode = 0xC3
	Wide       Opcode = 0xC4
	Ifnull     Opcode = 0xC6
	Ifnonnull  Opcode = 0xC7
	GotoW      Opcode = 0xC8
	JsrW       Opcode = 0xC9
)

// OpcodeInfo holds structural metadata about an opcode.
type OpcodeInfo struct {
	Name         string
	OperandBytes int // fixed operand byte count; -1 for variable-length forms
}

const variable = -1

// opcodeTable maps every defined opcode to its metadata. A zero Name marks an
// undefined opcode byte.
var opcodeTable = [256]OpcodeInfo{
	0x00: {"nop", 0},
	0x01: {"aconst_null", 0},
	0x02: {"iconst_m1", 0},
	0x03: {"iconst_0", 0},
	0x04: {"iconst_1", 0},
	0x05: {"iconst_2", 0},
	0x06: {"iconst_3", 0},
	0x07: {"iconst_4", 0},
	0x08: {"iconst_5", 0},
	0x09: {"lconst_0", 0},
	0x0A: {"lconst_1", 0},
	0x0B: {"fconst_0", 0},
	0x0C: {"fconst_1", 0},
	0x0D: {"fconst_2", 0},
	0x0E: {"dconst_0", 0},
	0x0F: {"dconst_1", 0},
	0x10: {"bipush", 1},
	0x11: {"sipush", 2},
	0x12: {"ldc", 1},
	0x13: {"ldc_w", 2},
	0x14: {"ldc2_w", 2},
	0x15: {"iload", 1},
	0x16: {"lload", 1},
	0x17: {"fload", 1},
	0x18: {"dload", 1},
	0x19: {"aload", 1},
	0x1A: {"iload_0", 0},
	0x1B: {"iload_1", 0},
	0x1C: {"iload_2", 0},
	0x1D: {"iload_3", 0},
	0x1E: {"lload_0", 0},
	0x1F: {"lload_1", 0},
	0x20: {"lload_2", 0},
	0x21: {"lload_3", 0},
	0x22: {"fload_0", 0},
	0x23: {"fload_1", 0},
	0x24: {"fload_2", 0},
	0x25: {"fload_3", 0},
	0x26: {"dload_0", 0},
	0x27: {"dload_1", 0},
	0x28: {"dload_2", 0},
	0x29: {"dload_3", 0},
	0x2A: {"aload_0", 0},
	0x2B: {"aload_1", 0},
	0x2C: {"aload_2", 0},
	0x2D: {"aload_3", 0},
	0x2E: {"iaload", 0},
	0x2F: {"laload", 0},
	0x30: {"faload", 0},
	0x31: {"daload", 0},
	0x32: {"aaload", 0},
	0x33: {"baload", 0},
	0x34: {"caload", 0},
	0x35: {"saload", 0},
	0x36: {"istore", 1},
	0x37: {"lstore", 1},
	0x38: {"fstore", 1},
	0x39: {"dstore", 1},
	0x3A: {"astore", 1},
	0x3B: {"istore_0", 0},
	0x3C: {"istore_1", 0},
	0x3D: {"istore_2", 0},
	0x3E: {"istore_3", 0},
	0x3F: {"lstore_0", 0},
	0x40: {"lstore_1", 0},
	0x41: {"lstore_2", 0},
	0x42: {"lstore_3", 0},
	0x43: {"fstore_0", 0},
	0x44: {"fstore_1", 0},
	0x45: {"fstore_2", 0},
	0x46: {"fstore_3", 0},
	0x47: {"dstore_0", 0},
	0x48: {"dstore_1", 0},
	0x49: {"dstore_2", 0},
	0x4A: {"dstore_3", 0},
	0x4B: {"astore_0", 0},
	0x4C: {"astore_1", 0},
	0x4D: {"astore_2", 0},
	0x4E: {"astore_3", 0},
	0x4F: {"iastore", 0},
	0x50: {"lastore", 0},
	0x51: {"fastore", 0},
	0x52: {"dastore", 0},
	0x53: {"aastore", 0},
	0x54: {"bastore", 0},
	0x55: {"castore", 0},
	0x56: {"sastore", 0},
	0x57: {"pop", 0},
	0x58: {"pop2", 0},
	0x59: {"dup", 0},
	0x5A: {"dup_x1", 0},
	0x5B: {"dup_x2", 0},
	0x5C: {"dup2", 0},
	0x5D: {"dup2_x1", 0},
	0x5E: {"dup2_x2", 0},
	0x5F: {"swap", 0},
	0x60: {"iadd", 0},
	0x61: {"ladd", 0},
	0x62: {"fadd", 0},
	0x63: {"dadd", 0},
	0x64: {"isub", 0},
	0x65: {"lsub", 0},
	0x66: {"fsub", 0},
	0x67: {"dsub", 0},
	0x68: {"imul", 0},
	0x69: {"lmul", 0},
	0x6A: {"fmul", 0},
	0x6B: {"dmul", 0},
	0x6C: {"idiv", 0},
	0x6D: {"ldiv", 0},
	0x6E: {"fdiv", 0},
	0x6F: {"ddiv", 0},
	0x70: {"irem", 0},
	0x71: {"lrem", 0},
	0x72: {"frem", 0},
	0x73: {"drem", 0},
	0x74: {"ineg", 0},
	0x75: {"lneg", 0},
	0x76: {"fneg", 0},
	0x77: {"dneg", 0},
	0x78: {"ishl", 0},
	0x79: {"lshl", 0},
	0x7A: {"ishr", 0},
	0x7B: {"lshr", 0},
	0x7C: {"iushr", 0},
	0x7D: {"lushr", 0},
	0x7E: {"iand", 0},
	0x7F: {"land", 0},
	0x80: {"ior", 0},
	0x81: {"lor", 0},
	0x82: {"ixor", 0},
	0x83: {"lxor", 0},
	0x84: {"iinc", 2},
	0x85: {"i2l", 0},
	0x86: {"i2f", 0},
	0x87: {"i2d", 0},
	0x88: {"l2i", 0},
	0x89: {"l2f", 0},
	0x8A: {"l2d", 0},
	0x8B: {"f2i", 0},
	0x8C: {"f2l", 0},
	0x8D: {"f2d", 0},
	0x8E: {"d2i", 0},
	0x8F: {"d2l", 0},
	0x90: {"d2f", 0},
	0x91: {"i2b", 0},
	0x92: {"i2c", 0},
	0x93: {"i2s", 0},
	0x94: {"lcmp", 0},
	0x95: {"fcmpl", 0},
	0x96: {"fcmpg", 0},
	0x97: {"dcmpl", 0},
	0x98: {"dcmpg", 0},
	0x99: {"ifeq", 2},
	0x9A: {"ifne", 2},
	0x9B: {"iflt", 2},
	0x9C: {"ifge", 2},
	0x9D: {"ifgt", 2},
	0x9E: {"ifle", 2},
	0x9F: {"if_icmpeq", 2},
	0xA0: {"if_icmpne", 2},
	0xA1: {"if_icmplt", 2},
	0xA2: {"if_icmpge", 2},
	0xA3: {"if_icmpgt", 2},
	0xA4: {"if_icmple", 2},
	0xA5: {"if_acmpeq", 2},
	0xA6: {"if_acmpne", 2},
	0xA7: {"goto", 2},
	0xA8: {"jsr", 2},
	0xA9: {"ret", 1},
	0xAA: {"tableswitch", variable},
	0xAB: {"lookupswitch", variable},
	0xAC: {"ireturn", 0},
	0xAD: {"lreturn", 0},
	0xAE: {"freturn", 0},
	0xAF: {"dreturn", 0},
	0xB0: {"areturn", 0},
	0xB1: {"return", 0},
	0xB2: {"getstatic", 2},
	0xB3: {"putstatic", 2},
	0xB4: {"getfield", 2},
	0xB5: {"putfield", 2},
	0xB6: {"invokevirtual", 2},
	0xB7: {"invokespecial", 2},
	0xB8: {"invokestatic", 2},
	0xB9: {"invokeinterface", 4},
	0xBA: {"invokedynamic", 4},
	0xBB: {"new", 2},
	0xBC: {"newarray", 1},
	0xBD: {"anewarray", 2},
	0xBE: {"arraylength", 0},
	0xBF: {"athrow", 0},
	0xC0: {"checkcast", 2},
	0xC1: {"instanceof", 2},
	0xC2: {"monitorenter", 0},
	0xC3: {"monitorexit", 0},
	0xC4: {"wide", variable},
	0xC5: {"multianewarray", 3},
	0xC6: {"ifnull", 2},
	0xC7: {"ifnonnull", 2},
	0xC8: {"goto_w", 4},
	0xC9: {"jsr_w", 4},
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if info := opcodeTable[op]; info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}

// Defined reports whether the byte is a defined opcode.
func (op Opcode) Defined() bool {
	return opcodeTable[op].Name != ""
}

// IsNarrowBranch reports whether the opcode carries a signed 16-bit relative
// branch offset.
func (op Opcode) IsNarrowBranch() bool {
	return (op >= Ifeq && op <= Jsr) || op == Ifnull || op == Ifnonnull
}

// IsWideBranch reports whether the opcode carries a signed 32-bit relative
// branch offset.
func (op Opcode) IsWideBranch() bool {
	return op == GotoW || op == JsrW
}

// IsReturn reports whether the opcode terminates the method normally.
func (op Opcode) IsReturn() bool {
	return op >= Ireturn && op <= Return
}

// ---------------------------------------------------------------------------
// Instruction iteration
// ---------------------------------------------------------------------------

// ErrMalformedCode indicates an undefined opcode or an instruction running
// past the end of the code array.
var ErrMalformedCode = errors.New("malformed code")

// Instruction is one decoded instruction boundary.
type Instruction struct {
	Offset int    // offset of the opcode byte
	Op     Opcode // the opcode
	Size   int    // total instruction length including operands
}

// SizeAt returns the full length of the instruction starting at offset. For
// tableswitch and lookupswitch the length depends on the opcode's own offset
// because of alignment padding.
func SizeAt(code []byte, offset int) (int, error) {
	op := Opcode(code[offset])
	info := opcodeTable[op]
	if info.Name == "" {
		return 0, fmt.Errorf("%w: undefined opcode 0x%02x at %d", ErrMalformedCode, byte(op), offset)
	}
	if info.OperandBytes != variable {
		return 1 + info.OperandBytes, nil
	}

	switch op {
	case Wide:
		if offset+1 >= len(code) {
			return 0, fmt.Errorf("%w: truncated wide at %d", ErrMalformedCode, offset)
		}
		if Opcode(code[offset+1]) == Iinc {
			return 6, nil // wide + iinc + u2 index + s2 const
		}
		return 4, nil // wide + op + u2 index

	case Tableswitch:
		pad := SwitchPadding(offset)
		base := offset + 1 + pad
		if base+12 > len(code) {
			return 0, fmt.Errorf("%w: truncated tableswitch at %d", ErrMalformedCode, offset)
		}
		low := int32(readU4(code[base+4:]))
		high := int32(readU4(code[base+8:]))
		if high < low {
			return 0, fmt.Errorf("%w: tableswitch high < low at %d", ErrMalformedCode, offset)
		}
		n := int(high) - int(low) + 1
		return 1 + pad + 12 + 4*n, nil

	case Lookupswitch:
		pad := SwitchPadding(offset)
		base := offset + 1 + pad
		if base+8 > len(code) {
			return 0, fmt.Errorf("%w: truncated lookupswitch at %d", ErrMalformedCode, offset)
		}
		npairs := int(int32(readU4(code[base+4:])))
		if npairs < 0 {
			return 0, fmt.Errorf("%w: negative lookupswitch pair count at %d", ErrMalformedCode, offset)
		}
		return 1 + pad + 8 + 8*npairs, nil
	}
	return 0, fmt.Errorf("%w: unhandled variable opcode %s", ErrMalformedCode, op)
}

// SwitchPadding returns the alignment padding after a switch opcode at the
// given offset: the operand block starts at the next multiple of four.
func SwitchPadding(opcodeOffset int) int {
	return (4 - (opcodeOffset+1)%4) % 4
}

// Iterate walks the instruction boundaries of a code array in order, calling
// fn for each instruction. It stops early if fn returns an error.
func Iterate(code []byte, fn func(Instruction) error) error {
	offset := 0
	for offset < len(code) {
		size, err := SizeAt(code, offset)
		if err != nil {
			return err
		}
		if offset+size > len(code) {
			return fmt.Errorf("%w: instruction at %d runs past end of code", ErrMalformedCode, offset)
		}
		if err := fn(Instruction{Offset: offset, Op: Opcode(code[offset]), Size: size}); err != nil {
			return err
		}
		offset += size
	}
	return nil
}

// Boundaries returns the set of valid instruction start offsets.
func Boundaries(code []byte) (map[int]bool, error) {
	offsets := make(map[int]bool)
	err := Iterate(code, func(ins Instruction) error {
		offsets[ins.Offset] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offsets, nil
}

func readU4(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
