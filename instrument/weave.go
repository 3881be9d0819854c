// Package instrument rewrites method bodies to emit timing probes. It works
// purely on the classfile model: new constants are appended to the pool
// (existing indices never move), probe call sequences are inserted at entry
// and before every return, and a catch-all handler reports abnormal exits
// before re-raising. A single offset-relocation pass keeps every branch
// target and exception-table boundary valid.
package instrument

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/javelin/bytecode"
	"github.com/chazu/javelin/classfile"
)

// ---------------------------------------------------------------------------
// Failure modes
// ---------------------------------------------------------------------------

var (
	// ErrOffsetOverflow means a narrow branch or the exception table can no
	// longer address its target after insertion. The class is rejected whole;
	// the caller falls back to the original bytes.
	ErrOffsetOverflow = errors.New("instrumentation would overflow a code offset")

	// ErrPoolOverflow mirrors the pool's own limit for callers that match on
	// instrumentation failures.
	ErrPoolOverflow = classfile.ErrPoolOverflow
)

// probeStackSlots is the operand stack headroom the injected sequences need
// beyond the method's own maximum: method id + abnormal flag above whatever
// the method already has on the stack (the caught throwable in the handler
// case). The sequences have a statically known shape, so no dataflow analysis
// of the original method is needed.
const probeStackSlots = 3

// maxCodeLength is the format's limit on a method body; exception-table
// offsets are 16-bit.
const maxCodeLength = 0xFFFF

// stackMapTable is dropped from instrumented methods: its frames reference
// pre-relocation offsets. Untouched methods keep it byte for byte.
const stackMapTable = "StackMapTable"

// ---------------------------------------------------------------------------
// ProbeSite: where the injected calls go
// ---------------------------------------------------------------------------

// ProbeSite names the static probe methods the injected code invokes.
type ProbeSite struct {
	Class           string // binary name, e.g. "javelin/agent/Probe"
	EntryName       string // signature (I)V: method id
	EntryDescriptor string
	ExitName        string // signature (IZ)V: method id, abnormal flag
	ExitDescriptor  string
}

// DefaultProbeSite is the agent's fixed probe endpoint.
var DefaultProbeSite = ProbeSite{
	Class:           "javelin/agent/Probe",
	EntryName:       "methodEntry",
	EntryDescriptor: "(I)V",
	ExitName:        "methodExit",
	ExitDescriptor:  "(IZ)V",
}

// ---------------------------------------------------------------------------
// Weaver
// ---------------------------------------------------------------------------

// MethodKey identifies an instrumented method.
type MethodKey struct {
	Class      string
	Name       string
	Descriptor string
}

func (k MethodKey) String() string {
	return k.Class + "." + k.Name + k.Descriptor
}

// InstrumentedMethod records one woven method and its probe id.
type InstrumentedMethod struct {
	ID  int
	Key MethodKey
}

// Result reports what a single weave did to one class.
type Result struct {
	Class        *classfile.ClassFile
	Instrumented []InstrumentedMethod
	// Skipped lists selected methods that were not eligible (no code
	// attribute: abstract or native). Benign, not an error.
	Skipped []string
}

// Weaver assigns probe ids and rewrites classes. A Weaver is not safe for
// concurrent use; callers weaving from multiple threads must serialize.
type Weaver struct {
	probe   ProbeSite
	nextID  int
	methods map[int]MethodKey
}

// NewWeaver creates a Weaver targeting the given probe site.
func NewWeaver(site ProbeSite) *Weaver {
	return &Weaver{
		probe:   site,
		nextID:  1,
		methods: make(map[int]MethodKey),
	}
}

// MethodByID resolves a probe id back to the method it was assigned to.
func (w *Weaver) MethodByID(id int) (MethodKey, bool) {
	k, ok := w.methods[id]
	return k, ok
}

// Methods returns a copy of the id → method table.
func (w *Weaver) Methods() map[int]MethodKey {
	out := make(map[int]MethodKey, len(w.methods))
	for id, k := range w.methods {
		out[id] = k
	}
	return out
}

// Weave instruments every method of cf the selector accepts. On
// ErrOffsetOverflow or ErrPoolOverflow the whole class is rejected and cf
// must be discarded (the caller keeps the original bytes). Methods the
// selector rejects are untouched byte for byte.
func (w *Weaver) Weave(cf *classfile.ClassFile, sel Selector) (*Result, error) {
	className, err := cf.ClassName()
	if err != nil {
		return nil, err
	}

	res := &Result{Class: cf}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		name, descriptor, err := cf.MethodName(m)
		if err != nil {
			return nil, err
		}
		if !sel.Matches(className, name, descriptor, m.AccessFlags) {
			continue
		}

		key := MethodKey{Class: className, Name: name, Descriptor: descriptor}
		code := m.Code()
		if code == nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: no code attribute", key))
			continue
		}

		id := w.nextID
		if err := w.weaveMethod(cf, code, id); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		w.nextID++
		w.methods[id] = key
		res.Instrumented = append(res.Instrumented, InstrumentedMethod{ID: id, Key: key})
	}
	return res, nil
}

// weaveMethod rewrites one code attribute in place.
func (w *Weaver) weaveMethod(cf *classfile.ClassFile, code *classfile.CodeAttribute, id int) error {
	if id > math.MaxInt32 {
		return fmt.Errorf("%w: probe id %d", ErrPoolOverflow, id)
	}
	idIdx, err := cf.Pool.AddInteger(int32(id))
	if err != nil {
		return err
	}
	entryRef, err := cf.Pool.AddMethodref(w.probe.Class, w.probe.EntryName, w.probe.EntryDescriptor)
	if err != nil {
		return err
	}
	exitRef, err := cf.Pool.AddMethodref(w.probe.Class, w.probe.ExitName, w.probe.ExitDescriptor)
	if err != nil {
		return err
	}

	// ldc_w id; invokestatic entry
	entrySeq := []byte{
		byte(bytecode.LdcW), byte(idIdx >> 8), byte(idIdx),
		byte(bytecode.Invokestatic), byte(entryRef >> 8), byte(entryRef),
	}
	// ldc_w id; iconst_0; invokestatic exit  (before each return)
	exitSeq := []byte{
		byte(bytecode.LdcW), byte(idIdx >> 8), byte(idIdx),
		byte(bytecode.Iconst0),
		byte(bytecode.Invokestatic), byte(exitRef >> 8), byte(exitRef),
	}
	// ldc_w id; iconst_1; invokestatic exit; athrow  (catch-all handler)
	handlerSeq := []byte{
		byte(bytecode.LdcW), byte(idIdx >> 8), byte(idIdx),
		byte(bytecode.Iconst1),
		byte(bytecode.Invokestatic), byte(exitRef >> 8), byte(exitRef),
		byte(bytecode.Athrow),
	}

	newCode, newOff, err := relocate(code.Code, entrySeq, exitSeq)
	if err != nil {
		return err
	}

	handlerPC := len(newCode)
	newCode = append(newCode, handlerSeq...)
	if len(newCode) > maxCodeLength {
		return fmt.Errorf("%w: instrumented code length %d", ErrOffsetOverflow, len(newCode))
	}

	// Existing handlers keep their order and therefore their precedence; the
	// catch-all goes last and spans the original body.
	table := make([]classfile.ExceptionEntry, 0, len(code.ExceptionTable)+1)
	for _, e := range code.ExceptionTable {
		start, err := newOff.offset(int(e.StartPC))
		if err != nil {
			return err
		}
		end, err := newOff.offset(int(e.EndPC))
		if err != nil {
			return err
		}
		handler, err := newOff.offset(int(e.HandlerPC))
		if err != nil {
			return err
		}
		table = append(table, classfile.ExceptionEntry{
			StartPC:   uint16(start),
			EndPC:     uint16(end),
			HandlerPC: uint16(handler),
			CatchType: e.CatchType,
		})
	}
	table = append(table, classfile.ExceptionEntry{
		StartPC:   uint16(len(entrySeq)),
		EndPC:     uint16(handlerPC),
		HandlerPC: uint16(handlerPC),
		CatchType: 0, // any
	})

	code.Code = newCode
	code.ExceptionTable = table
	if int(code.MaxStack)+probeStackSlots <= math.MaxUint16 {
		code.MaxStack += probeStackSlots
	} else {
		code.MaxStack = math.MaxUint16
	}
	code.Nested = dropStackMapTable(cf, code.Nested)
	return nil
}

func dropStackMapTable(cf *classfile.ClassFile, attrs []classfile.Attribute) []classfile.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if name, err := cf.AttributeName(a); err == nil && name == stackMapTable {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}
