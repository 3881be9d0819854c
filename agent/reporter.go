package agent

import (
	"os"
	"time"
)

// Reporter periodically publishes the agent's statistics: the latest report
// to the configured output file and, when a store is attached, a row of
// session history.
type Reporter struct {
	agent *Agent
	store *Store // optional
}

// NewReporter creates a reporter over the agent. store may be nil.
func NewReporter(a *Agent, store *Store) *Reporter {
	return &Reporter{agent: a, store: store}
}

// Start begins publishing at the configured report interval.
// Returns a stop function that performs a final flush before returning.
func (r *Reporter) Start() (func(), error) {
	interval, err := r.agent.cfg.ReportInterval()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Publish()
			case <-done:
				r.Publish()
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}, nil
}

// Publish writes one snapshot immediately. Failures are logged, not
// returned: a missed report must never take the measured process down.
func (r *Reporter) Publish() {
	rep := r.agent.Report()
	if path := r.agent.cfg.Report.Output; path != "" {
		if err := writeReportFile(path, rep); err != nil {
			log.Errorf("writing report to %s: %v", path, err)
		}
	}
	if r.store != nil {
		if err := r.store.Save(rep); err != nil {
			log.Errorf("saving report: %v", err)
		}
	}
}

// WriteReport writes the agent's current report to path as canonical CBOR.
func (a *Agent) WriteReport(path string) error {
	return writeReportFile(path, a.Report())
}

func writeReportFile(path string, rep *Report) error {
	data, err := MarshalReport(rep)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
