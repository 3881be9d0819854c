package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReport(t *testing.T) {
	ag := New(demoConfig())
	if _, err := ag.Transform("demo/App", appClassBytes(t)); err != nil {
		t.Fatal(err)
	}
	ag.MethodEntry(1, 1)
	ag.MethodExit(1, false, 1)

	path := filepath.Join(t.TempDir(), "latest.cbor")
	if err := ag.WriteReport(path); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := UnmarshalReport(data)
	if err != nil {
		t.Fatalf("written report does not parse: %v", err)
	}
	if r.Session != ag.Session() {
		t.Errorf("Session = %q, want %q", r.Session, ag.Session())
	}
	if len(r.Methods) != 1 || r.Methods[0].Invocations != 1 {
		t.Errorf("Methods = %+v", r.Methods)
	}
}

func TestReporterFlushesOnStop(t *testing.T) {
	out := filepath.Join(t.TempDir(), "latest.cbor")
	ag := New(&Config{
		Selector: SelectorConfig{Include: []string{"demo/*"}},
		Report:   ReportConfig{Interval: "1h", Output: out},
	})

	stop, err := NewReporter(ag, nil).Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("no report written on stop: %v", err)
	}
	if _, err := UnmarshalReport(data); err != nil {
		t.Errorf("flushed report does not parse: %v", err)
	}
}

func TestReporterSavesHistory(t *testing.T) {
	store := openTestStore(t)
	ag := New(&Config{
		Selector: SelectorConfig{Include: []string{"demo/*"}},
		Report:   ReportConfig{Interval: "10ms"},
	})

	stop, err := NewReporter(ag, store).Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		reports, err := store.Session(ag.Session())
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if len(reports) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no report saved within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()
}

func TestReporterRejectsBadInterval(t *testing.T) {
	ag := New(&Config{Report: ReportConfig{Interval: "soon"}})
	if _, err := NewReporter(ag, nil).Start(); err == nil {
		t.Error("Start accepted an unparseable interval")
	}
}
