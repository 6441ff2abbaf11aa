package metrics

import "time"

// SolveEvent is one optimizer stage invocation.
type SolveEvent struct {
	RunID     string
	Stage     string
	Component int
	Batches   int
	Status    string
	Objective int64
	Bound     int64
	WallTime  time.Duration
	Time      time.Time
}

// OutcomeOK is the RunEvent outcome of a successful run.
const OutcomeOK = "ok"

// RunEvent summarizes a finished scheduling run.
type RunEvent struct {
	RunID    string
	Batches  int
	Makespan int64
	// Outcome is "ok" or the error kind of a failed run.
	Outcome  string
	WallTime time.Duration
	Time     time.Time
}

// MetricsSink records solver events.
type MetricsSink interface {
	RecordSolve(ev SolveEvent) error
}

// RunRecorder is implemented by sinks able to record run summaries.
type RunRecorder interface {
	RecordRun(ev RunEvent) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordSolve(SolveEvent) error { return nil }
func (NopSink) RecordRun(RunEvent) error     { return nil }

// MultiSink fans events out to several sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSolve forwards the event to all sinks, returning the first error encountered.
func (m *MultiSink) RecordSolve(ev SolveEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSolve(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun forwards run summaries to sinks supporting them.
func (m *MultiSink) RecordRun(ev RunEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(RunRecorder); ok {
			if err := rec.RecordRun(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
