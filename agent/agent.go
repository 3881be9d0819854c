// Package agent ties the measurement core together: it owns the transform
// boundary a class loader hands bytes through, the probe entry points
// instrumented code calls back into, the statistics collector behind them,
// and the reporting and persistence of snapshots.
package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/javelin/classfile"
	"github.com/chazu/javelin/instrument"
	"github.com/chazu/javelin/stats"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("javelin.agent")

// Agent is the long-lived measurement session. One Agent serves one runtime
// from attach to detach.
type Agent struct {
	cfg      *Config
	session  string
	selector instrument.Selector

	mu     sync.Mutex // guards weaver; Transform may be called from several loader threads
	weaver *instrument.Weaver

	collector *stats.Collector
}

// New creates an agent with a fresh session id.
func New(cfg *Config) *Agent {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Agent{
		cfg:       cfg,
		session:   uuid.NewString(),
		selector:  cfg.BuildSelector(),
		weaver:    instrument.NewWeaver(instrument.DefaultProbeSite),
		collector: stats.NewCollector(),
	}
}

// Session returns the agent's session id.
func (a *Agent) Session() string {
	return a.session
}

// Collector exposes the underlying statistics collector.
func (a *Agent) Collector() *stats.Collector {
	return a.collector
}

// Transform is the class-load boundary. It decodes data, instruments the
// selected methods and returns the re-encoded bytes.
//
// Classes the instrumentation cannot fit (offset or pool overflow) load
// unmodified: Transform logs the reason and returns the original bytes with a
// nil error, because a measurement gap is preferable to a load failure.
// Malformed input is the caller's problem and comes back as an error wrapping
// classfile.ErrMalformedClassFile.
func (a *Agent) Transform(className string, data []byte) ([]byte, error) {
	cf, err := classfile.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", className, err)
	}

	a.mu.Lock()
	res, err := a.weaver.Weave(cf, a.selector)
	a.mu.Unlock()
	if err != nil {
		if errors.Is(err, instrument.ErrOffsetOverflow) || errors.Is(err, instrument.ErrPoolOverflow) {
			log.Warningf("loading %s uninstrumented: %v", className, err)
			return data, nil
		}
		return nil, fmt.Errorf("%s: %w", className, err)
	}

	for _, s := range res.Skipped {
		log.Debugf("not eligible: %s", s)
	}
	if len(res.Instrumented) == 0 {
		// Nothing selected or nothing eligible: hand back the original bytes
		// so untouched classes stay byte-identical.
		return data, nil
	}
	log.Infof("instrumented %s: %d methods", className, len(res.Instrumented))
	return cf.Encode(), nil
}

// MethodByID resolves a probe id assigned during Transform.
func (a *Agent) MethodByID(id int) (instrument.MethodKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.weaver.MethodByID(id)
}

// MethodEntry is the probe target for method entry.
func (a *Agent) MethodEntry(id int, threadID uint64) {
	key, ok := a.keyForID(id)
	if !ok {
		return
	}
	a.collector.Record(stats.ProbeEvent{
		Key:       key,
		Kind:      stats.EventEntry,
		Timestamp: stats.Now(),
		ThreadID:  threadID,
	})
}

// MethodExit is the probe target for method exit, normal or abnormal.
func (a *Agent) MethodExit(id int, abnormal bool, threadID uint64) {
	key, ok := a.keyForID(id)
	if !ok {
		return
	}
	kind := stats.EventExitNormal
	if abnormal {
		kind = stats.EventExitAbnormal
	}
	a.collector.Record(stats.ProbeEvent{
		Key:       key,
		Kind:      kind,
		Timestamp: stats.Now(),
		ThreadID:  threadID,
	})
}

// LockAcquired records that the thread obtained the monitor of a synchronized
// method it entered earlier.
func (a *Agent) LockAcquired(id int, threadID uint64) {
	key, ok := a.keyForID(id)
	if !ok {
		return
	}
	a.collector.Record(stats.ProbeEvent{
		Key:       key,
		Kind:      stats.EventLockAcquired,
		Timestamp: stats.Now(),
		ThreadID:  threadID,
	})
}

// LockReleased records a monitor release.
func (a *Agent) LockReleased(id int, threadID uint64) {
	key, ok := a.keyForID(id)
	if !ok {
		return
	}
	a.collector.Record(stats.ProbeEvent{
		Key:       key,
		Kind:      stats.EventLockReleased,
		Timestamp: stats.Now(),
		ThreadID:  threadID,
	})
}

// Snapshot returns a copy of the current statistics.
func (a *Agent) Snapshot() map[stats.Key]stats.MethodStats {
	return a.collector.Snapshot()
}

// Reset discards accumulated statistics.
func (a *Agent) Reset() {
	a.collector.Reset()
}

func (a *Agent) keyForID(id int) (stats.Key, bool) {
	mk, ok := a.MethodByID(id)
	if !ok {
		log.Debugf("probe event for unknown id %d", id)
		return stats.Key{}, false
	}
	return stats.Key{Class: mk.Class, Method: mk.Name, Descriptor: mk.Descriptor}, true
}

// ThreadSink adapts the agent's probe entry points to the per-thread
// entry/exit interface the emulator dispatches to.
type ThreadSink struct {
	Agent    *Agent
	ThreadID uint64
}

func (s *ThreadSink) MethodEntry(id int) {
	s.Agent.MethodEntry(id, s.ThreadID)
}

func (s *ThreadSink) MethodExit(id int, abnormal bool) {
	s.Agent.MethodExit(id, abnormal, s.ThreadID)
}
