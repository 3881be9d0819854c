package agent

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/javelin/stats"
)

// cborEncMode uses canonical mode so two reports over the same snapshot
// encode to identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("agent: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Report is one published statistics snapshot.
type Report struct {
	Session     string         `cbor:"session"`
	GeneratedAt time.Time      `cbor:"generated_at"`
	Methods     []MethodReport `cbor:"methods"`
}

// MethodReport is one method's statistics within a report.
type MethodReport struct {
	Class         string `cbor:"class"`
	Method        string `cbor:"method"`
	Descriptor    string `cbor:"descriptor"`
	Invocations   uint64 `cbor:"invocations"`
	AbnormalExits uint64 `cbor:"abnormal_exits"`
	TotalNanos    int64  `cbor:"total_nanos"`
	MinNanos      int64  `cbor:"min_nanos"`
	MaxNanos      int64  `cbor:"max_nanos"`
	LockWaits     uint64 `cbor:"lock_waits"`
	LockWaitNanos int64  `cbor:"lock_wait_nanos"`
}

// BuildReport converts a snapshot into a report. Methods are sorted by
// class, name, then descriptor.
func BuildReport(session string, snapshot map[stats.Key]stats.MethodStats) *Report {
	r := &Report{
		Session:     session,
		GeneratedAt: time.Now().UTC(),
		Methods:     make([]MethodReport, 0, len(snapshot)),
	}
	for k, s := range snapshot {
		r.Methods = append(r.Methods, MethodReport{
			Class:         k.Class,
			Method:        k.Method,
			Descriptor:    k.Descriptor,
			Invocations:   s.Invocations,
			AbnormalExits: s.AbnormalExits,
			TotalNanos:    s.TotalNanos,
			MinNanos:      s.MinNanos,
			MaxNanos:      s.MaxNanos,
			LockWaits:     s.LockWaits,
			LockWaitNanos: s.LockWaitNanos,
		})
	}
	sort.Slice(r.Methods, func(i, j int) bool {
		a, b := r.Methods[i], r.Methods[j]
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		return a.Descriptor < b.Descriptor
	})
	return r
}

// Report builds a report over the agent's current snapshot.
func (a *Agent) Report() *Report {
	return BuildReport(a.session, a.Snapshot())
}

// MarshalReport serializes a Report to CBOR bytes.
func MarshalReport(r *Report) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalReport deserializes a Report from CBOR bytes.
func UnmarshalReport(data []byte) (*Report, error) {
	var r Report
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("agent: unmarshal report: %w", err)
	}
	return &r, nil
}
