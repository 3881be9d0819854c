package stats

import (
	"math"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// MethodStats: the durable per-method record
// ---------------------------------------------------------------------------

// MethodStats is a point-in-time copy of one method's counters. Durations are
// monotonic nanoseconds.
type MethodStats struct {
	Invocations   uint64
	AbnormalExits uint64
	TotalNanos    int64
	MinNanos      int64
	MaxNanos      int64
	LockWaits     uint64
	LockWaitNanos int64
}

// record is the live counterpart, mutated only through atomics.
type record struct {
	invocations   atomic.Uint64
	abnormalExits atomic.Uint64
	totalNanos    atomic.Int64
	minNanos      atomic.Int64 // MaxInt64 until the first completed invocation
	maxNanos      atomic.Int64
	lockWaits     atomic.Uint64
	lockWaitNanos atomic.Int64
}

func newRecord() *record {
	r := &record{}
	r.minNanos.Store(math.MaxInt64)
	return r
}

func (r *record) snapshot() MethodStats {
	s := MethodStats{
		Invocations:   r.invocations.Load(),
		AbnormalExits: r.abnormalExits.Load(),
		TotalNanos:    r.totalNanos.Load(),
		MinNanos:      r.minNanos.Load(),
		MaxNanos:      r.maxNanos.Load(),
		LockWaits:     r.lockWaits.Load(),
		LockWaitNanos: r.lockWaitNanos.Load(),
	}
	if s.MinNanos == math.MaxInt64 {
		s.MinNanos = 0
	}
	return s
}

func atomicMin(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v >= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func atomicMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Per-thread pairing state
// ---------------------------------------------------------------------------

// frame is one open method activation on a thread.
type frame struct {
	key   Key
	entry int64
}

// threadState pairs entry and exit events. Each state is touched only by its
// own thread, so no locking is needed beyond the registry map.
type threadState struct {
	frames []frame
}

func (t *threadState) push(f frame) {
	t.frames = append(t.frames, f)
}

// pop removes and returns the most recent open frame for key. Exits normally
// match the top of the stack; searching downward tolerates frames orphaned by
// abnormal unwinding through uninstrumented callers.
func (t *threadState) pop(key Key) (frame, bool) {
	for i := len(t.frames) - 1; i >= 0; i-- {
		if t.frames[i].key == key {
			f := t.frames[i]
			t.frames = append(t.frames[:i], t.frames[i+1:]...)
			return f, true
		}
	}
	return frame{}, false
}

// top returns the most recent open frame for key without removing it.
func (t *threadState) top(key Key) (frame, bool) {
	for i := len(t.frames) - 1; i >= 0; i-- {
		if t.frames[i].key == key {
			return t.frames[i], true
		}
	}
	return frame{}, false
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// Collector aggregates probe events into per-method records. Records are
// created lazily on first observation and never evicted; the measurement
// surface is bounded by the set of instrumented methods.
//
// Record runs under a shared (read) lock so concurrent callers never block
// each other; only Reset takes the lock exclusively, making it mutually
// exclusive with the creation of new keys.
type Collector struct {
	mu      sync.RWMutex
	records *sync.Map // Key -> *record
	threads sync.Map  // uint64 thread id -> *threadState
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{records: &sync.Map{}}
}

// Record ingests one probe event. It is safe to call from any number of
// threads concurrently and never fails for well-formed events.
func (c *Collector) Record(ev ProbeEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ts := c.threadFor(ev.ThreadID)
	switch ev.Kind {
	case EventEntry:
		ts.push(frame{key: ev.Key, entry: ev.Timestamp})

	case EventExitNormal, EventExitAbnormal:
		rec := c.recordFor(ev.Key)
		var d int64
		if f, ok := ts.pop(ev.Key); ok {
			if d = ev.Timestamp - f.entry; d < 0 {
				d = 0
			}
		}
		// An exit without a matching entry (pairing state cleared by a reset
		// mid-flight) still counts as an invocation, with zero duration.
		rec.invocations.Add(1)
		rec.totalNanos.Add(d)
		atomicMin(&rec.minNanos, d)
		atomicMax(&rec.maxNanos, d)
		if ev.Kind == EventExitAbnormal {
			rec.abnormalExits.Add(1)
		}

	case EventLockAcquired:
		// The monitor wait began at method entry; acquisition ends it.
		rec := c.recordFor(ev.Key)
		rec.lockWaits.Add(1)
		if f, ok := ts.top(ev.Key); ok {
			if w := ev.Timestamp - f.entry; w > 0 {
				rec.lockWaitNanos.Add(w)
			}
		}

	case EventLockReleased:
		// Release carries no duration of its own.
	}
}

// Snapshot returns a copy of every record. Each key's counters are read as a
// group; cross-key consistency under concurrent writers is not guaranteed and
// not needed. Snapshot never blocks writers: it shares the read lock with
// Record.
func (c *Collector) Snapshot() map[Key]MethodStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Key]MethodStats)
	c.records.Range(func(k, v any) bool {
		out[k.(Key)] = v.(*record).snapshot()
		return true
	})
	return out
}

// Reset discards all records. Any Record call that completes before Reset
// returns is fully reflected in the pre-reset table; any that starts after is
// fully reflected in the post-reset table. Open per-thread frames survive so
// in-flight invocations still complete (with their full duration) after the
// reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.records = &sync.Map{}
	c.mu.Unlock()
}

// recordFor returns the record for key, creating it on first observation.
// The Load fast path keeps the hot path allocation-free once a key exists.
func (c *Collector) recordFor(key Key) *record {
	if v, ok := c.records.Load(key); ok {
		return v.(*record)
	}
	v, _ := c.records.LoadOrStore(key, newRecord())
	return v.(*record)
}

func (c *Collector) threadFor(id uint64) *threadState {
	if v, ok := c.threads.Load(id); ok {
		return v.(*threadState)
	}
	v, _ := c.threads.LoadOrStore(id, &threadState{})
	return v.(*threadState)
}
