package emulator

import (
	"testing"

	"github.com/chazu/javelin/bytecode"
	"github.com/chazu/javelin/classfile"
	"github.com/chazu/javelin/instrument"
)

var selectAll = instrument.SelectorFunc(func(class, name, descriptor string, flags uint16) bool {
	return true
})

// idFor resolves the probe id assigned to a method during a verify round.
func idFor(t *testing.T, report *Report, name string) int {
	t.Helper()
	for _, im := range report.Instrumented {
		if im.Key.Name == name {
			return im.ID
		}
	}
	t.Fatalf("method %s was not instrumented", name)
	return 0
}

// ---------------------------------------------------------------------------
// LoadAndVerify tests
// ---------------------------------------------------------------------------

func TestLoadAndVerifyAccepts(t *testing.T) {
	report := LoadAndVerify(calcClass(t).Encode(), Options{})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}
	if report.Class == nil {
		t.Fatal("Class is nil on accept")
	}
}

func TestLoadAndVerifyInstrumented(t *testing.T) {
	report := LoadAndVerify(calcClass(t).Encode(), Options{Selector: selectAll})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}
	if len(report.Instrumented) == 0 {
		t.Fatal("no methods instrumented")
	}
}

func TestLoadAndVerifyRejectsGarbage(t *testing.T) {
	report := LoadAndVerify([]byte{0xCA, 0xFE, 0xBA}, Options{})
	if report.Accepted {
		t.Fatal("accepted garbage")
	}
	if len(report.Diagnostics) == 0 {
		t.Fatal("no diagnostics")
	}
}

func TestLoadAndVerifyRejectsBadBranchTarget(t *testing.T) {
	cf := calcClass(t)
	// A branch into the middle of nowhere.
	cf.Methods[0].Code().Code = []byte{
		byte(bytecode.Goto), 0x00, 0x50,
		byte(bytecode.Return),
	}
	report := LoadAndVerify(cf.Encode(), Options{})
	if report.Accepted {
		t.Fatal("accepted out-of-range branch")
	}
}

func TestLoadAndVerifyRejectsMisalignedBranch(t *testing.T) {
	cf := calcClass(t)
	// The target is in range but inside an instruction.
	cf.Methods[0].Code().Code = []byte{
		byte(bytecode.Goto), 0x00, 0x04,
		byte(bytecode.Bipush), 7,
		byte(bytecode.Return),
	}
	report := LoadAndVerify(cf.Encode(), Options{})
	if report.Accepted {
		t.Fatal("accepted branch into an operand")
	}
}

func TestLoadAndVerifyRejectsBadPoolRef(t *testing.T) {
	cf := calcClass(t)
	cf.Methods[0].Code().Code = []byte{
		byte(bytecode.LdcW), 0xFF, 0xFE,
		byte(bytecode.Pop),
		byte(bytecode.Return),
	}
	report := LoadAndVerify(cf.Encode(), Options{})
	if report.Accepted {
		t.Fatal("accepted dangling pool reference")
	}
}

func TestLoadAndVerifyRejectsBadExceptionRange(t *testing.T) {
	cf := calcClass(t)
	code := cf.Methods[0].Code()
	code.ExceptionTable = []classfile.ExceptionEntry{{StartPC: 2, EndPC: 2, HandlerPC: 0, CatchType: 0}}
	report := LoadAndVerify(cf.Encode(), Options{})
	if report.Accepted {
		t.Fatal("accepted empty exception range")
	}
}

// ---------------------------------------------------------------------------
// Probe behavior of instrumented code
// ---------------------------------------------------------------------------

func TestInstrumentedProbesFire(t *testing.T) {
	report := LoadAndVerify(calcClass(t).Encode(), Options{Selector: selectAll})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}

	sink := NewCountingSink()
	m := NewMachine(report.Class, sink)

	const calls = 5
	for i := 0; i < calls; i++ {
		got, err := m.Run("add", "(II)I", int32(i), 10)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if got != int32(i)+10 {
			t.Errorf("add(%d, 10) = %d", i, got)
		}
	}

	id := idFor(t, report, "add")
	if sink.Entries[id] != calls {
		t.Errorf("entries = %d, want %d", sink.Entries[id], calls)
	}
	if sink.NormalExits[id] != calls {
		t.Errorf("normal exits = %d, want %d", sink.NormalExits[id], calls)
	}
	if sink.AbnormalExits[id] != 0 {
		t.Errorf("abnormal exits = %d, want 0", sink.AbnormalExits[id])
	}
}

func TestInstrumentedResultsUnchanged(t *testing.T) {
	report := LoadAndVerify(calcClass(t).Encode(), Options{Selector: selectAll})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}
	m := NewMachine(report.Class, NewCountingSink())

	tests := []struct {
		name, desc string
		args       []int32
		want       int32
	}{
		{"add", "(II)I", []int32{3, 4}, 7},
		{"fact", "(I)I", []int32{5}, 120},
		{"pick", "(I)I", []int32{1}, 2},
		{"pick", "(I)I", []int32{7}, -1},
		{"gate", "(I)I", []int32{0}, 1},
		{"safeDiv", "(II)I", []int32{1, 0}, -1},
	}
	for _, tt := range tests {
		got, err := m.Run(tt.name, tt.desc, tt.args...)
		if err != nil {
			t.Errorf("%s%v: %v", tt.name, tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.name, tt.args, got, tt.want)
		}
	}
}

func TestInstrumentedAbnormalExit(t *testing.T) {
	report := LoadAndVerify(calcClass(t).Encode(), Options{Selector: selectAll})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}

	sink := NewCountingSink()
	m := NewMachine(report.Class, sink)

	if _, err := m.Run("div", "(II)I", 1, 0); err == nil {
		t.Fatal("div(1,0) should fail")
	}

	id := idFor(t, report, "div")
	if sink.Entries[id] != 1 {
		t.Errorf("entries = %d, want 1", sink.Entries[id])
	}
	if sink.AbnormalExits[id] != 1 {
		t.Errorf("abnormal exits = %d, want 1", sink.AbnormalExits[id])
	}
	if sink.NormalExits[id] != 0 {
		t.Errorf("normal exits = %d, want 0", sink.NormalExits[id])
	}
}

func TestInstrumentedBranchToReturnFiresProbe(t *testing.T) {
	// gate(0) reaches its return via a branch; the exit probe must still fire
	// exactly once because branches land on the injected sequence.
	report := LoadAndVerify(calcClass(t).Encode(), Options{Selector: selectAll})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}

	sink := NewCountingSink()
	m := NewMachine(report.Class, sink)

	got, err := m.Run("gate", "(I)I", 0)
	if err != nil {
		t.Fatalf("gate(0): %v", err)
	}
	if got != 1 {
		t.Errorf("gate(0) = %d, want 1", got)
	}

	id := idFor(t, report, "gate")
	if sink.NormalExits[id] != 1 {
		t.Errorf("normal exits = %d, want 1", sink.NormalExits[id])
	}
}

func TestInstrumentedRecursionCounts(t *testing.T) {
	report := LoadAndVerify(calcClass(t).Encode(), Options{Selector: selectAll})
	if !report.Accepted {
		t.Fatalf("rejected: %v", report.Diagnostics)
	}

	sink := NewCountingSink()
	m := NewMachine(report.Class, sink)

	if _, err := m.Run("fact", "(I)I", 4); err != nil {
		t.Fatalf("fact(4): %v", err)
	}

	// fact(4) activates fact four times: 4, 3, 2, 1.
	id := idFor(t, report, "fact")
	if sink.Entries[id] != 4 {
		t.Errorf("entries = %d, want 4", sink.Entries[id])
	}
	if sink.NormalExits[id] != 4 {
		t.Errorf("normal exits = %d, want 4", sink.NormalExits[id])
	}
}
