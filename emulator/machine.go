package emulator

import (
	"errors"
	"fmt"

	"github.com/chazu/javelin/bytecode"
	"github.com/chazu/javelin/classfile"
	"github.com/chazu/javelin/instrument"
)

// ---------------------------------------------------------------------------
// Reduced interpreter
// ---------------------------------------------------------------------------

var (
	ErrNoSuchMethod           = errors.New("no such method")
	ErrUnsupportedInstruction = errors.New("instruction not in the emulated subset")
	ErrStackOverflow          = errors.New("emulated call depth exceeded")
)

// ThrownError reports an exception that unwound out of the entry method.
type ThrownError struct {
	PC int // offset of the faulting instruction in the outermost frame
}

func (e *ThrownError) Error() string {
	return fmt.Sprintf("uncaught exception thrown at offset %d", e.PC)
}

// ProbeSink receives probe invocations from instrumented code running on the
// machine, playing the role of the agent's fixed native entry point.
type ProbeSink interface {
	MethodEntry(id int)
	MethodExit(id int, abnormal bool)
}

// CountingSink counts probe firings per id.
type CountingSink struct {
	Entries       map[int]int
	NormalExits   map[int]int
	AbnormalExits map[int]int
}

// NewCountingSink returns an empty counting sink.
func NewCountingSink() *CountingSink {
	return &CountingSink{
		Entries:       make(map[int]int),
		NormalExits:   make(map[int]int),
		AbnormalExits: make(map[int]int),
	}
}

func (s *CountingSink) MethodEntry(id int) {
	s.Entries[id]++
}

func (s *CountingSink) MethodExit(id int, abnormal bool) {
	if abnormal {
		s.AbnormalExits[id]++
	} else {
		s.NormalExits[id]++
	}
}

// Machine executes methods of one class using integer locals and operand
// stack. It supports exactly the instruction subset the instrumentation
// engine emits plus the arithmetic and branches test fixtures use; anything
// else fails with ErrUnsupportedInstruction.
type Machine struct {
	Class *classfile.ClassFile
	Probe instrument.ProbeSite
	Sink  ProbeSink

	// MaxDepth bounds recursion through invokestatic; 0 means the default.
	MaxDepth int
}

// NewMachine creates a machine for cf routing probe calls to sink (which may
// be nil when running uninstrumented fixtures).
func NewMachine(cf *classfile.ClassFile, sink ProbeSink) *Machine {
	return &Machine{Class: cf, Probe: instrument.DefaultProbeSite, Sink: sink}
}

// Run executes the named method with the given int arguments and returns its
// int result (0 for void methods). An exception that unwinds out of the
// method surfaces as *ThrownError.
func (m *Machine) Run(name, descriptor string, args ...int32) (int32, error) {
	method := m.Class.FindMethod(name, descriptor)
	if method == nil {
		return 0, fmt.Errorf("%w: %s%s", ErrNoSuchMethod, name, descriptor)
	}
	v, _, err := m.exec(method, args, 0)
	return v, err
}

// thrown is the in-flight exception marker used during unwinding.
type thrown struct {
	value int32
	pc    int
}

func (m *Machine) maxDepth() int {
	if m.MaxDepth > 0 {
		return m.MaxDepth
	}
	return 256
}

// exec interprets one method activation.
func (m *Machine) exec(method *classfile.Method, args []int32, depth int) (result int32, hasValue bool, err error) {
	if depth >= m.maxDepth() {
		return 0, false, ErrStackOverflow
	}
	code := method.Code()
	if code == nil {
		return 0, false, fmt.Errorf("%w: method has no code", ErrNoSuchMethod)
	}

	locals := make([]int32, int(code.MaxLocals)+len(args))
	copy(locals, args)
	stack := make([]int32, 0, code.MaxStack)

	push := func(v int32) { stack = append(stack, v) }
	pop := func() int32 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	raise := func(pc int, exc int32) (int, bool) {
		// First covering entry wins; the emulator does not model the class
		// hierarchy, so any handler whose range covers pc matches.
		for _, e := range code.ExceptionTable {
			if int(e.StartPC) <= pc && pc < int(e.EndPC) {
				stack = stack[:0]
				push(exc)
				return int(e.HandlerPC), true
			}
		}
		return 0, false
	}

	c := code.Code
	pc := 0
	for pc < len(c) {
		op := bytecode.Opcode(c[pc])
		var exc *thrown

		switch op {
		case bytecode.Nop:
			pc++
		case bytecode.AconstNull:
			push(0)
			pc++
		case bytecode.IconstM1, bytecode.Iconst0, bytecode.Iconst1, bytecode.Iconst2,
			bytecode.Iconst3, bytecode.Iconst4, bytecode.Iconst5:
			push(int32(op) - int32(bytecode.Iconst0))
			pc++
		case bytecode.Bipush:
			push(int32(int8(c[pc+1])))
			pc += 2
		case bytecode.Sipush:
			push(int32(int16(be16(c[pc+1:]))))
			pc += 3
		case bytecode.Ldc:
			v, lerr := m.Class.Pool.IntegerAt(uint16(c[pc+1]))
			if lerr != nil {
				return 0, false, fmt.Errorf("%w: ldc of non-integer at %d", ErrUnsupportedInstruction, pc)
			}
			push(v)
			pc += 2
		case bytecode.LdcW:
			v, lerr := m.Class.Pool.IntegerAt(be16(c[pc+1:]))
			if lerr != nil {
				return 0, false, fmt.Errorf("%w: ldc_w of non-integer at %d", ErrUnsupportedInstruction, pc)
			}
			push(v)
			pc += 3
		case bytecode.Iload:
			push(locals[c[pc+1]])
			pc += 2
		case bytecode.Iload0, bytecode.Iload1, bytecode.Iload2, bytecode.Iload3:
			push(locals[int(op)-int(bytecode.Iload0)])
			pc++
		case bytecode.Istore:
			locals[c[pc+1]] = pop()
			pc += 2
		case bytecode.Istore0, bytecode.Istore1, bytecode.Istore2, bytecode.Istore3:
			locals[int(op)-int(bytecode.Istore0)] = pop()
			pc++
		case bytecode.Pop:
			pop()
			pc++
		case bytecode.Dup:
			push(stack[len(stack)-1])
			pc++
		case bytecode.Iadd:
			b, a := pop(), pop()
			push(a + b)
			pc++
		case bytecode.Isub:
			b, a := pop(), pop()
			push(a - b)
			pc++
		case bytecode.Imul:
			b, a := pop(), pop()
			push(a * b)
			pc++
		case bytecode.Idiv:
			b, a := pop(), pop()
			if b == 0 {
				exc = &thrown{value: 1, pc: pc}
				break
			}
			push(a / b)
			pc++
		case bytecode.Iinc:
			locals[c[pc+1]] += int32(int8(c[pc+2]))
			pc += 3

		case bytecode.Ifeq, bytecode.Ifne, bytecode.Iflt, bytecode.Ifge, bytecode.Ifgt, bytecode.Ifle:
			v := pop()
			if intCompare(op-bytecode.Ifeq, v, 0) {
				pc += int(int16(be16(c[pc+1:])))
			} else {
				pc += 3
			}
		case bytecode.IfIcmpeq, bytecode.IfIcmpne, bytecode.IfIcmplt,
			bytecode.IfIcmpge, bytecode.IfIcmpgt, bytecode.IfIcmple:
			b, a := pop(), pop()
			if intCompare(op-bytecode.IfIcmpeq, a, b) {
				pc += int(int16(be16(c[pc+1:])))
			} else {
				pc += 3
			}
		case bytecode.Goto:
			pc += int(int16(be16(c[pc+1:])))
		case bytecode.GotoW:
			pc += int(int32(be32(c[pc+1:])))

		case bytecode.Tableswitch:
			base := pc + 1 + bytecode.SwitchPadding(pc)
			v := pop()
			low := int32(be32(c[base+4:]))
			high := int32(be32(c[base+8:]))
			if v < low || v > high {
				pc += int(int32(be32(c[base:])))
			} else {
				pc += int(int32(be32(c[base+12+4*int(v-low):])))
			}
		case bytecode.Lookupswitch:
			base := pc + 1 + bytecode.SwitchPadding(pc)
			v := pop()
			npairs := int(int32(be32(c[base+4:])))
			target := int(int32(be32(c[base:]))) // default
			for i := 0; i < npairs; i++ {
				if int32(be32(c[base+8+8*i:])) == v {
					target = int(int32(be32(c[base+8+8*i+4:])))
					break
				}
			}
			pc += target

		case bytecode.Ireturn:
			return pop(), true, nil
		case bytecode.Return:
			return 0, false, nil

		case bytecode.Athrow:
			exc = &thrown{value: pop(), pc: pc}

		case bytecode.Invokestatic:
			ret, hasRet, ierr := m.invokeStatic(be16(c[pc+1:]), &stack, depth)
			if ierr != nil {
				var te *ThrownError
				if errors.As(ierr, &te) {
					// The callee's exception unwinds into this frame at the
					// invoke instruction.
					exc = &thrown{value: 1, pc: pc}
					break
				}
				return 0, false, ierr
			}
			if hasRet {
				push(ret)
			}
			pc += 3

		default:
			return 0, false, fmt.Errorf("%w: %s at %d", ErrUnsupportedInstruction, op, pc)
		}

		if exc != nil {
			handler, ok := raise(exc.pc, exc.value)
			if !ok {
				return 0, false, &ThrownError{PC: exc.pc}
			}
			pc = handler
		}
	}
	return 0, false, fmt.Errorf("%w: fell off end of code", bytecode.ErrMalformedCode)
}

// invokeStatic dispatches an invokestatic: probe references go to the sink,
// static methods of the same class are interpreted recursively.
func (m *Machine) invokeStatic(index uint16, stack *[]int32, depth int) (int32, bool, error) {
	class, name, descriptor, err := m.Class.Pool.MemberRefAt(index)
	if err != nil {
		return 0, false, err
	}

	popN := func(n int) []int32 {
		s := *stack
		args := make([]int32, n)
		copy(args, s[len(s)-n:])
		*stack = s[:len(s)-n]
		return args
	}

	if class == m.Probe.Class {
		switch {
		case name == m.Probe.EntryName && descriptor == m.Probe.EntryDescriptor:
			args := popN(1)
			if m.Sink != nil {
				m.Sink.MethodEntry(int(args[0]))
			}
			return 0, false, nil
		case name == m.Probe.ExitName && descriptor == m.Probe.ExitDescriptor:
			args := popN(2)
			if m.Sink != nil {
				m.Sink.MethodExit(int(args[0]), args[1] != 0)
			}
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: unknown probe %s.%s%s", ErrUnsupportedInstruction, class, name, descriptor)
	}

	thisClass, err := m.Class.ClassName()
	if err != nil {
		return 0, false, err
	}
	if class != thisClass {
		return 0, false, fmt.Errorf("%w: cross-class call to %s.%s%s", ErrUnsupportedInstruction, class, name, descriptor)
	}
	callee := m.Class.FindMethod(name, descriptor)
	if callee == nil {
		return 0, false, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, class, name, descriptor)
	}
	return m.exec(callee, popN(argCount(descriptor)), depth+1)
}

// argCount counts the int-typed parameters of a fixture descriptor.
func argCount(descriptor string) int {
	n := 0
	for i := 1; i < len(descriptor) && descriptor[i] != ')'; i++ {
		n++
	}
	return n
}

// intCompare evaluates the condition encoded by the if<cond> opcode family.
func intCompare(cond bytecode.Opcode, a, b int32) bool {
	switch cond {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	case 5:
		return a <= b
	}
	return false
}
