package metrics

import (
	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records solver events in Prometheus metrics.
type PromSink struct {
	solves   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
	makespan prometheus.Gauge
}

// NewPromSink registers scheduler metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	solves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hoistsched_stage_solves_total",
		Help: "Optimizer stage invocations by stage and solver status",
	}, []string{"stage", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hoistsched_stage_solve_seconds",
		Help:    "Wall-clock solve time per optimizer stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"stage"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hoistsched_runs_total",
		Help: "Scheduling runs by outcome",
	}, []string{"outcome"})
	makespan := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hoistsched_last_makespan_seconds",
		Help: "Makespan of the last successful run",
	})

	var err error
	if solves, err = register(reg, solves); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if runs, err = register(reg, runs); err != nil {
		return nil, err
	}
	if makespan, err = register(reg, makespan); err != nil {
		return nil, err
	}
	return &PromSink{solves: solves, duration: duration, runs: runs, makespan: makespan}, nil
}

// register returns the already registered collector on a duplicate.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordSolve counts the invocation and observes its wall time.
func (s *PromSink) RecordSolve(ev coremetrics.SolveEvent) error {
	s.solves.WithLabelValues(ev.Stage, ev.Status).Inc()
	s.duration.WithLabelValues(ev.Stage).Observe(ev.WallTime.Seconds())
	return nil
}

// RecordRun counts the run and keeps the makespan of successful ones.
func (s *PromSink) RecordRun(ev coremetrics.RunEvent) error {
	s.runs.WithLabelValues(ev.Outcome).Inc()
	if ev.Outcome == coremetrics.OutcomeOK {
		s.makespan.Set(float64(ev.Makespan))
	}
	return nil
}
