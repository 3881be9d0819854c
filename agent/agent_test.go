package agent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/chazu/javelin/bytecode"
	"github.com/chazu/javelin/classfile"
	"github.com/chazu/javelin/emulator"
	"github.com/chazu/javelin/stats"
)

// appClassBytes encodes demo/App with one static method inc(I)I.
func appClassBytes(t *testing.T) []byte {
	t.Helper()
	cp := classfile.NewConstantPool()

	mustAdd := func(idx uint16, err error) uint16 {
		t.Helper()
		if err != nil {
			t.Fatalf("pool add: %v", err)
		}
		return idx
	}

	thisIdx := mustAdd(cp.AddClass("demo/App"))
	superIdx := mustAdd(cp.AddClass("java/lang/Object"))
	codeIdx := mustAdd(cp.AddUtf8("Code"))
	nameIdx := mustAdd(cp.AddUtf8("inc"))
	descIdx := mustAdd(cp.AddUtf8("(I)I"))

	cf := &classfile.ClassFile{
		MajorVersion: 52,
		Pool:         cp,
		AccessFlags:  classfile.AccPublic,
		ThisClass:    thisIdx,
		SuperClass:   superIdx,
		Methods: []classfile.Method{{
			AccessFlags:     classfile.AccPublic | classfile.AccStatic,
			NameIndex:       nameIdx,
			DescriptorIndex: descIdx,
			Attributes: []classfile.Attribute{&classfile.CodeAttribute{
				NameIndex: codeIdx,
				MaxStack:  2,
				MaxLocals: 1,
				Code: []byte{
					byte(bytecode.Iload0),
					byte(bytecode.Iconst1),
					byte(bytecode.Iadd),
					byte(bytecode.Ireturn),
				},
			}},
		}},
	}
	return cf.Encode()
}

// hugeClassBytes encodes a class whose single method cannot be instrumented:
// a branch already at the 16-bit displacement limit.
func hugeClassBytes(t *testing.T) []byte {
	t.Helper()
	cp := classfile.NewConstantPool()

	mustAdd := func(idx uint16, err error) uint16 {
		t.Helper()
		if err != nil {
			t.Fatalf("pool add: %v", err)
		}
		return idx
	}

	thisIdx := mustAdd(cp.AddClass("demo/Huge"))
	superIdx := mustAdd(cp.AddClass("java/lang/Object"))
	codeIdx := mustAdd(cp.AddUtf8("Code"))
	nameIdx := mustAdd(cp.AddUtf8("vast"))
	descIdx := mustAdd(cp.AddUtf8("()V"))

	code := make([]byte, 32765)
	code[0] = byte(bytecode.Goto)
	binary.BigEndian.PutUint16(code[1:], 32764)
	code[3] = byte(bytecode.Return)
	code[32764] = byte(bytecode.Return)

	cf := &classfile.ClassFile{
		MajorVersion: 52,
		Pool:         cp,
		AccessFlags:  classfile.AccPublic,
		ThisClass:    thisIdx,
		SuperClass:   superIdx,
		Methods: []classfile.Method{{
			AccessFlags:     classfile.AccPublic | classfile.AccStatic,
			NameIndex:       nameIdx,
			DescriptorIndex: descIdx,
			Attributes: []classfile.Attribute{&classfile.CodeAttribute{
				NameIndex: codeIdx,
				MaxStack:  1,
				Code:      code,
			}},
		}},
	}
	return cf.Encode()
}

func demoConfig() *Config {
	return &Config{
		Selector: SelectorConfig{Include: []string{"demo/*"}},
		Report:   ReportConfig{Interval: "30s"},
	}
}

// ---------------------------------------------------------------------------
// Transform boundary
// ---------------------------------------------------------------------------

func TestTransformInstruments(t *testing.T) {
	ag := New(demoConfig())
	original := appClassBytes(t)

	out, err := ag.Transform("demo/App", original)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if bytes.Equal(out, original) {
		t.Fatal("Transform returned unmodified bytes for a selected class")
	}

	cf, err := classfile.Decode(out)
	if err != nil {
		t.Fatalf("instrumented bytes do not decode: %v", err)
	}

	m := emulator.NewMachine(cf, &ThreadSink{Agent: ag, ThreadID: 1})
	got, err := m.Run("inc", "(I)I", 41)
	if err != nil {
		t.Fatalf("inc(41): %v", err)
	}
	if got != 42 {
		t.Errorf("inc(41) = %d, want 42", got)
	}

	key := stats.Key{Class: "demo/App", Method: "inc", Descriptor: "(I)I"}
	s, ok := ag.Snapshot()[key]
	if !ok {
		t.Fatal("no statistics recorded for demo/App.inc")
	}
	if s.Invocations != 1 {
		t.Errorf("Invocations = %d, want 1", s.Invocations)
	}
}

func TestTransformUnselectedReturnsOriginal(t *testing.T) {
	ag := New(&Config{
		Selector: SelectorConfig{Include: []string{"other/*"}},
		Report:   ReportConfig{Interval: "30s"},
	})
	original := appClassBytes(t)

	out, err := ag.Transform("demo/App", original)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Error("unselected class should pass through byte-identically")
	}
}

func TestTransformMalformed(t *testing.T) {
	ag := New(demoConfig())
	if _, err := ag.Transform("demo/Broken", []byte{0xCA, 0xFE}); !errors.Is(err, classfile.ErrMalformedClassFile) {
		t.Errorf("Transform = %v, want ErrMalformedClassFile", err)
	}
}

func TestTransformOverflowFallsBack(t *testing.T) {
	ag := New(demoConfig())
	original := hugeClassBytes(t)

	out, err := ag.Transform("demo/Huge", original)
	if err != nil {
		t.Fatalf("Transform should not fail on overflow: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Error("overflow fallback must return the original bytes")
	}
}

func TestTransformAssignsDistinctIDs(t *testing.T) {
	ag := New(demoConfig())

	if _, err := ag.Transform("demo/App", appClassBytes(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := ag.Transform("demo/App", appClassBytes(t)); err != nil {
		t.Fatal(err)
	}

	first, ok1 := ag.MethodByID(1)
	second, ok2 := ag.MethodByID(2)
	if !ok1 || !ok2 {
		t.Fatal("expected ids 1 and 2 to be assigned")
	}
	if first.Name != "inc" || second.Name != "inc" {
		t.Errorf("ids resolve to %q and %q", first.Name, second.Name)
	}
}

// ---------------------------------------------------------------------------
// Probe entry points
// ---------------------------------------------------------------------------

func TestProbeEventsForUnknownIDDropped(t *testing.T) {
	ag := New(demoConfig())
	ag.MethodEntry(99, 1)
	ag.MethodExit(99, false, 1)
	if n := len(ag.Snapshot()); n != 0 {
		t.Errorf("snapshot has %d records after unknown-id events", n)
	}
}

func TestLockEvents(t *testing.T) {
	ag := New(demoConfig())
	if _, err := ag.Transform("demo/App", appClassBytes(t)); err != nil {
		t.Fatal(err)
	}

	ag.MethodEntry(1, 7)
	ag.LockAcquired(1, 7)
	ag.LockReleased(1, 7)
	ag.MethodExit(1, false, 7)

	key := stats.Key{Class: "demo/App", Method: "inc", Descriptor: "(I)I"}
	s := ag.Snapshot()[key]
	if s.Invocations != 1 || s.LockWaits != 1 {
		t.Errorf("stats = %+v, want one invocation with one lock wait", s)
	}
}

func TestAgentReset(t *testing.T) {
	ag := New(demoConfig())
	if _, err := ag.Transform("demo/App", appClassBytes(t)); err != nil {
		t.Fatal(err)
	}
	ag.MethodEntry(1, 1)
	ag.MethodExit(1, false, 1)

	ag.Reset()
	if n := len(ag.Snapshot()); n != 0 {
		t.Errorf("snapshot has %d records after reset", n)
	}
}
