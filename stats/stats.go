// Package stats aggregates probe events into per-method statistics. It is the
// only concurrent component of the measurement core: Record is called from
// arbitrarily many application threads in parallel and costs a small constant
// number of atomic operations per event.
package stats

import "time"

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventKind classifies a probe event.
type EventKind uint8

const (
	EventEntry EventKind = iota
	EventExitNormal
	EventExitAbnormal
	EventLockAcquired
	EventLockReleased
)

// String returns the kind name used in diagnostics and reports.
func (k EventKind) String() string {
	switch k {
	case EventEntry:
		return "entry"
	case EventExitNormal:
		return "exit"
	case EventExitAbnormal:
		return "exit-abnormal"
	case EventLockAcquired:
		return "lock-acquired"
	case EventLockReleased:
		return "lock-released"
	default:
		return "unknown"
	}
}

// Key identifies one method's statistic record.
type Key struct {
	Class      string
	Method     string
	Descriptor string
}

func (k Key) String() string {
	return k.Class + "." + k.Method + k.Descriptor
}

// ProbeEvent is an ephemeral probe observation. Events are consumed
// immediately by a Collector and never persisted individually.
type ProbeEvent struct {
	Key       Key
	Kind      EventKind
	Timestamp int64 // monotonic nanoseconds from Now
	ThreadID  uint64
}

// ---------------------------------------------------------------------------
// Monotonic clock
// ---------------------------------------------------------------------------

// clockBase anchors the monotonic clock; wall-clock adjustments never perturb
// durations derived from it.
var clockBase = time.Now()

// Now returns the current monotonic timestamp in nanoseconds.
func Now() int64 {
	return int64(time.Since(clockBase))
}
