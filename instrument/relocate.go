package instrument

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/javelin/bytecode"
)

// ---------------------------------------------------------------------------
// Relocation: rebuilding a code array around inserted probe sequences
// ---------------------------------------------------------------------------

// Insertion shifts every subsequent instruction, so relocation is an explicit
// post-pass: first compute the old-offset → new-offset function for the whole
// method, then emit the new code rewriting every branch target through it.
// Branch and exception-table fixups never mix with the insertion logic itself.

// relocation maps old code offsets to their positions in the rebuilt code.
// len(oldCode) maps to the end of the relocated body (where the exception
// handler block begins).
type relocation map[int]int

// offset translates an old offset, failing when it is not an instruction
// boundary (or the end-of-code offset).
func (r relocation) offset(old int) (int, error) {
	n, ok := r[old]
	if !ok {
		return 0, fmt.Errorf("%w: offset %d is not an instruction boundary", bytecode.ErrMalformedCode, old)
	}
	return n, nil
}

// maxLayoutPasses bounds the fixed-point iteration over switch padding.
// Padding is mod-4, so layouts settle almost immediately; failing to converge
// means the method cannot be relocated safely.
const maxLayoutPasses = 8

// relocate rebuilds code with entrySeq prepended and exitSeq inserted in
// front of every return instruction. It returns the new code and the offset
// map. Narrow branches whose corrected displacement no longer fits a signed
// 16 bits fail with ErrOffsetOverflow; no widening is attempted.
func relocate(code, entrySeq, exitSeq []byte) ([]byte, relocation, error) {
	var insns []bytecode.Instruction
	if err := bytecode.Iterate(code, func(ins bytecode.Instruction) error {
		insns = append(insns, ins)
		return nil
	}); err != nil {
		return nil, nil, err
	}

	// Pass 1: assign new offsets until the layout is stable. Switch padding
	// depends on each switch's own new offset, so a shift can change an
	// instruction's length and move everything after it.
	newOff := make(relocation, len(insns)+1)
	settled := false
	for pass := 0; pass < maxLayoutPasses && !settled; pass++ {
		pos := len(entrySeq)
		settled = true
		for _, ins := range insns {
			if newOff[ins.Offset] != pos {
				newOff[ins.Offset] = pos
				settled = false
			}
			size := ins.Size
			switch ins.Op {
			case bytecode.Tableswitch, bytecode.Lookupswitch:
				size += bytecode.SwitchPadding(pos) - bytecode.SwitchPadding(ins.Offset)
			}
			if ins.Op.IsReturn() {
				// The exit sequence runs immediately before the return, and
				// branches to the return must execute it too, so the return's
				// mapped offset is the start of the injected sequence.
				size += len(exitSeq)
			}
			pos += size
		}
		if newOff[len(code)] != pos {
			newOff[len(code)] = pos
			settled = false
		}
	}
	if !settled {
		return nil, nil, fmt.Errorf("%w: code layout did not converge", ErrOffsetOverflow)
	}

	// Pass 2: emit, rewriting every relative branch through the offset map.
	out := make([]byte, 0, newOff[len(code)])
	out = append(out, entrySeq...)
	for _, ins := range insns {
		if len(out) != newOff[ins.Offset] {
			return nil, nil, fmt.Errorf("%w: relocation drift at offset %d", ErrOffsetOverflow, ins.Offset)
		}
		if ins.Op.IsReturn() {
			out = append(out, exitSeq...)
			out = append(out, code[ins.Offset:ins.Offset+ins.Size]...)
			continue
		}

		srcNew := newOff[ins.Offset]
		switch {
		case ins.Op.IsNarrowBranch():
			oldTarget := ins.Offset + int(int16(binary.BigEndian.Uint16(code[ins.Offset+1:])))
			newTarget, err := newOff.offset(oldTarget)
			if err != nil {
				return nil, nil, err
			}
			rel := newTarget - srcNew
			if rel < math.MinInt16 || rel > math.MaxInt16 {
				return nil, nil, fmt.Errorf("%w: %s at %d needs displacement %d", ErrOffsetOverflow, ins.Op, ins.Offset, rel)
			}
			out = append(out, byte(ins.Op), byte(uint16(rel)>>8), byte(uint16(rel)))

		case ins.Op.IsWideBranch():
			oldTarget := ins.Offset + int(int32(binary.BigEndian.Uint32(code[ins.Offset+1:])))
			newTarget, err := newOff.offset(oldTarget)
			if err != nil {
				return nil, nil, err
			}
			rel := newTarget - srcNew
			out = append(out, byte(ins.Op))
			out = binary.BigEndian.AppendUint32(out, uint32(int32(rel)))

		case ins.Op == bytecode.Tableswitch:
			var err error
			out, err = emitTableswitch(out, code, ins, srcNew, newOff)
			if err != nil {
				return nil, nil, err
			}

		case ins.Op == bytecode.Lookupswitch:
			var err error
			out, err = emitLookupswitch(out, code, ins, srcNew, newOff)
			if err != nil {
				return nil, nil, err
			}

		default:
			out = append(out, code[ins.Offset:ins.Offset+ins.Size]...)
		}
	}

	return out, newOff, nil
}

// switchTarget maps one 32-bit switch branch offset relative to the opcode.
func switchTarget(code []byte, ins bytecode.Instruction, at int, srcNew int, newOff relocation) (int32, error) {
	oldTarget := ins.Offset + int(int32(binary.BigEndian.Uint32(code[at:])))
	newTarget, err := newOff.offset(oldTarget)
	if err != nil {
		return 0, err
	}
	return int32(newTarget - srcNew), nil
}

func emitTableswitch(out, code []byte, ins bytecode.Instruction, srcNew int, newOff relocation) ([]byte, error) {
	oldBase := ins.Offset + 1 + bytecode.SwitchPadding(ins.Offset)
	out = append(out, byte(ins.Op))
	out = append(out, make([]byte, bytecode.SwitchPadding(srcNew))...)

	def, err := switchTarget(code, ins, oldBase, srcNew, newOff)
	if err != nil {
		return nil, err
	}
	out = binary.BigEndian.AppendUint32(out, uint32(def))

	low := int32(binary.BigEndian.Uint32(code[oldBase+4:]))
	high := int32(binary.BigEndian.Uint32(code[oldBase+8:]))
	out = binary.BigEndian.AppendUint32(out, uint32(low))
	out = binary.BigEndian.AppendUint32(out, uint32(high))

	for i := 0; i < int(high)-int(low)+1; i++ {
		target, err := switchTarget(code, ins, oldBase+12+4*i, srcNew, newOff)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(target))
	}
	return out, nil
}

func emitLookupswitch(out, code []byte, ins bytecode.Instruction, srcNew int, newOff relocation) ([]byte, error) {
	oldBase := ins.Offset + 1 + bytecode.SwitchPadding(ins.Offset)
	out = append(out, byte(ins.Op))
	out = append(out, make([]byte, bytecode.SwitchPadding(srcNew))...)

	def, err := switchTarget(code, ins, oldBase, srcNew, newOff)
	if err != nil {
		return nil, err
	}
	out = binary.BigEndian.AppendUint32(out, uint32(def))

	npairs := int(int32(binary.BigEndian.Uint32(code[oldBase+4:])))
	out = binary.BigEndian.AppendUint32(out, uint32(int32(npairs)))

	for i := 0; i < npairs; i++ {
		at := oldBase + 8 + 8*i
		out = append(out, code[at:at+4]...) // match key is position-independent
		target, err := switchTarget(code, ins, at+4, srcNew, newOff)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(target))
	}
	return out, nil
}
