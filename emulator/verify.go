// Package emulator drives the codec and the instrumentation engine without a
// live managed runtime. LoadAndVerify performs the structural re-validation a
// real runtime's verifier would apply outright; Machine executes the reduced
// instruction subset the engine emits, enough to assert that instrumented
// methods keep their return values and fire their probes.
package emulator

import (
	"fmt"

	"github.com/chazu/javelin/bytecode"
	"github.com/chazu/javelin/classfile"
	"github.com/chazu/javelin/instrument"
)

// ---------------------------------------------------------------------------
// LoadAndVerify
// ---------------------------------------------------------------------------

// Options configures a verification round.
type Options struct {
	// Selector enables an instrumentation pass between decode and re-encode.
	// Nil verifies the bytes as-is.
	Selector instrument.Selector

	// Weaver supplies probe ids across classes. Nil creates a fresh one
	// targeting the default probe site.
	Weaver *instrument.Weaver
}

// Report is the outcome of LoadAndVerify.
type Report struct {
	Accepted    bool
	Diagnostics []string

	// Class is the re-decoded model after the optional transform, for callers
	// that want to execute it. Nil when decoding failed.
	Class *classfile.ClassFile

	// Instrumented lists the probe ids assigned during the transform pass.
	Instrumented []instrument.InstrumentedMethod
}

func (r *Report) reject(format string, args ...any) *Report {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
	r.Accepted = false
	return r
}

// LoadAndVerify decodes bytes, optionally instruments them, re-encodes, then
// re-decodes and structurally validates the result: constant-pool reference
// integrity, branch targets on instruction boundaries in range, and
// exception-table bounds.
func LoadAndVerify(data []byte, opts Options) *Report {
	r := &Report{Accepted: true}

	cf, err := classfile.Decode(data)
	if err != nil {
		return r.reject("decode: %v", err)
	}

	if opts.Selector != nil {
		w := opts.Weaver
		if w == nil {
			w = instrument.NewWeaver(instrument.DefaultProbeSite)
		}
		res, err := w.Weave(cf, opts.Selector)
		if err != nil {
			return r.reject("instrument: %v", err)
		}
		r.Instrumented = res.Instrumented
		for _, s := range res.Skipped {
			r.Diagnostics = append(r.Diagnostics, "skipped: "+s)
		}
	}

	recoded, err := classfile.Decode(cf.Encode())
	if err != nil {
		return r.reject("re-decode: %v", err)
	}
	r.Class = recoded

	validateStructure(recoded, r)
	return r
}

// validateStructure appends a diagnostic for every structural violation a
// runtime verifier would reject.
func validateStructure(cf *classfile.ClassFile, r *Report) {
	for i := range cf.Methods {
		m := &cf.Methods[i]
		code := m.Code()
		if code == nil {
			continue
		}
		name, descriptor, err := cf.MethodName(m)
		if err != nil {
			r.reject("method %d: %v", i, err)
			continue
		}
		label := name + descriptor
		validateCode(cf, code, label, r)
	}
}

func validateCode(cf *classfile.ClassFile, code *classfile.CodeAttribute, label string, r *Report) {
	boundaries, err := bytecode.Boundaries(code.Code)
	if err != nil {
		r.reject("%s: %v", label, err)
		return
	}

	checkTarget := func(at, target int, what string) {
		if target < 0 || target >= len(code.Code) || !boundaries[target] {
			r.reject("%s: %s at %d targets invalid offset %d", label, what, at, target)
		}
	}

	err = bytecode.Iterate(code.Code, func(ins bytecode.Instruction) error {
		switch {
		case ins.Op.IsNarrowBranch():
			rel := int(int16(be16(code.Code[ins.Offset+1:])))
			checkTarget(ins.Offset, ins.Offset+rel, ins.Op.String())

		case ins.Op.IsWideBranch():
			rel := int(int32(be32(code.Code[ins.Offset+1:])))
			checkTarget(ins.Offset, ins.Offset+rel, ins.Op.String())

		case ins.Op == bytecode.Tableswitch, ins.Op == bytecode.Lookupswitch:
			base := ins.Offset + 1 + bytecode.SwitchPadding(ins.Offset)
			checkTarget(ins.Offset, ins.Offset+int(int32(be32(code.Code[base:]))), "switch default")
			if ins.Op == bytecode.Tableswitch {
				low := int32(be32(code.Code[base+4:]))
				high := int32(be32(code.Code[base+8:]))
				for j := 0; j < int(high)-int(low)+1; j++ {
					checkTarget(ins.Offset, ins.Offset+int(int32(be32(code.Code[base+12+4*j:]))), "switch case")
				}
			} else {
				npairs := int(int32(be32(code.Code[base+4:])))
				for j := 0; j < npairs; j++ {
					checkTarget(ins.Offset, ins.Offset+int(int32(be32(code.Code[base+8+8*j+4:]))), "switch case")
				}
			}

		case ins.Op == bytecode.Ldc:
			validatePoolRef(cf, uint16(code.Code[ins.Offset+1]), label, ins, r)

		case ins.Op == bytecode.LdcW, ins.Op == bytecode.Ldc2W,
			ins.Op == bytecode.Getstatic, ins.Op == bytecode.Invokevirtual,
			ins.Op == bytecode.Invokespecial, ins.Op == bytecode.Invokestatic,
			ins.Op == bytecode.Invokeinterface, ins.Op == bytecode.Invokedynamic:
			validatePoolRef(cf, be16(code.Code[ins.Offset+1:]), label, ins, r)
		}
		return nil
	})
	if err != nil {
		r.reject("%s: %v", label, err)
	}

	for j, e := range code.ExceptionTable {
		if int(e.StartPC) >= len(code.Code) || !boundaries[int(e.StartPC)] {
			r.reject("%s: exception entry %d start %d invalid", label, j, e.StartPC)
		}
		if int(e.EndPC) > len(code.Code) || (int(e.EndPC) < len(code.Code) && !boundaries[int(e.EndPC)]) {
			r.reject("%s: exception entry %d end %d invalid", label, j, e.EndPC)
		}
		if e.StartPC >= e.EndPC {
			r.reject("%s: exception entry %d has empty range", label, j)
		}
		if int(e.HandlerPC) >= len(code.Code) || !boundaries[int(e.HandlerPC)] {
			r.reject("%s: exception entry %d handler %d invalid", label, j, e.HandlerPC)
		}
		if e.CatchType != 0 {
			if _, err := cf.Pool.ClassNameAt(e.CatchType); err != nil {
				r.reject("%s: exception entry %d catch type: %v", label, j, err)
			}
		}
	}
}

func validatePoolRef(cf *classfile.ClassFile, index uint16, label string, ins bytecode.Instruction, r *Report) {
	c, err := cf.Pool.At(index)
	if err != nil {
		r.reject("%s: %s at %d: %v", label, ins.Op, ins.Offset, err)
		return
	}
	switch ins.Op {
	case bytecode.Getstatic:
		if c.Tag() != classfile.TagFieldref {
			r.reject("%s: %s at %d references %s", label, ins.Op, ins.Offset, c.Tag())
		}
	case bytecode.Invokevirtual, bytecode.Invokespecial, bytecode.Invokestatic:
		if c.Tag() != classfile.TagMethodref && c.Tag() != classfile.TagInterfaceMethodref {
			r.reject("%s: %s at %d references %s", label, ins.Op, ins.Offset, c.Tag())
		}
	case bytecode.Invokeinterface:
		if c.Tag() != classfile.TagInterfaceMethodref {
			r.reject("%s: %s at %d references %s", label, ins.Op, ins.Offset, c.Tag())
		}
	case bytecode.Invokedynamic:
		if c.Tag() != classfile.TagInvokeDynamic {
			r.reject("%s: %s at %d references %s", label, ins.Op, ins.Offset, c.Tag())
		}
	}
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
