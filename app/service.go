// Package app wires the plant loader, the scheduling engine and its
// collaborators (metrics, status publisher, output store and exports).
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/hoistsched/config"
	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
	coremon "github.com/kilianp07/hoistsched/core/monitoring"
	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/infra/loader"
	"github.com/kilianp07/hoistsched/infra/logger"
	"github.com/kilianp07/hoistsched/infra/metrics"
	"github.com/kilianp07/hoistsched/infra/monitoring"
	"github.com/kilianp07/hoistsched/infra/mqtt"
	"github.com/kilianp07/hoistsched/infra/store"
	"github.com/kilianp07/hoistsched/internal/eventbus"
	"github.com/kilianp07/hoistsched/pkg/export"
)

// OutcomeError labels runs that failed outside the engine taxonomy.
const OutcomeError = "error"

const (
	progressBuffer = 256
	flushTimeout   = 2 * time.Second
)

// StatusPublisher forwards progress and conflict reports. *mqtt.Publisher
// satisfies it.
type StatusPublisher interface {
	Forward(ctx context.Context, bus *eventbus.Bus[scheduler.Progress]) func()
	PublishConflict(r scheduler.ConflictReport) error
	Disconnect()
}

// Service runs scheduling jobs described by the configuration.
type Service struct {
	cfg   *config.Config
	log   logger.Logger
	sink  coremetrics.MetricsSink
	pub   StatusPublisher
	out   store.Store
	mon   coremon.Monitor
	newID func() string
	now   func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithSink replaces the metrics sinks of the configuration.
func WithSink(s coremetrics.MetricsSink) Option { return func(svc *Service) { svc.sink = s } }

// WithPublisher replaces the MQTT publisher.
func WithPublisher(p StatusPublisher) Option { return func(svc *Service) { svc.pub = p } }

// WithStore replaces the configured output store.
func WithStore(s store.Store) Option { return func(svc *Service) { svc.out = s } }

// WithMonitor replaces the Sentry monitor.
func WithMonitor(m coremon.Monitor) Option { return func(svc *Service) { svc.mon = m } }

// New creates a Service from the configuration.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	svc := &Service{cfg: cfg, log: logger.New("service"), newID: uuid.NewString, now: time.Now}
	for _, o := range opts {
		o(svc)
	}
	if svc.sink == nil {
		sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
		if err != nil {
			return nil, fmt.Errorf("metrics sink: %w", err)
		}
		svc.sink = sink
	}
	if svc.mon == nil {
		mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		svc.mon = mon
	}
	if svc.pub == nil && cfg.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt publisher: %w", err)
		}
		svc.pub = pub
	}
	if svc.out == nil {
		out, err := store.Open(cfg.Output.Store())
		if err != nil {
			svc.closePublisher()
			return nil, err
		}
		svc.out = out
	}
	return svc, nil
}

// Outcome is the result of one scheduling job.
type Outcome struct {
	RunID    string
	Schedule model.Schedule
	// Report is set when the run failed with a scheduling error.
	Report *scheduler.ConflictReport
}

// Schedule loads the plant file and schedules it.
func (s *Service) Schedule(ctx context.Context, plantPath string) (Outcome, error) {
	p, err := loader.Load(plantPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("load plant: %w", err)
	}
	return s.SchedulePlant(ctx, p)
}

// SchedulePlant runs the engine on p, records metrics, publishes progress and
// writes the exports. A failed run writes conflicts.json and returns the
// engine error.
func (s *Service) SchedulePlant(ctx context.Context, p *model.Plant) (Outcome, error) {
	engineCfg, err := s.cfg.Scheduler.EngineConfig()
	if err != nil {
		return Outcome{}, err
	}
	runID := s.newID()
	started := s.now()

	bus := eventbus.New[scheduler.Progress](progressBuffer)
	waitMetrics := metrics.StartProgressCollector(ctx, bus, s.sink, s.log)
	waitPub := func() {}
	if s.pub != nil {
		waitPub = s.pub.Forward(ctx, bus)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	var g errgroup.Group
	if port := s.cfg.Metrics.PrometheusPort; port != "" {
		g.Go(func() error { return metrics.StartPromServer(serveCtx, port, nil, s.log) })
	}

	opts := []scheduler.Option{scheduler.WithProgress(bus), scheduler.WithRunID(runID)}
	if s.out != nil {
		opts = append(opts, scheduler.WithAccumulator(s.out))
		if s.cfg.Output.RunName != "" {
			opts = append(opts, scheduler.WithRunName(s.cfg.Output.RunName))
		}
	}
	engine, err := scheduler.New(engineCfg, logger.New("engine"), opts...)
	var sched model.Schedule
	if err == nil {
		sched, err = engine.Run(ctx, p)
	}

	bus.Close()
	waitMetrics()
	waitPub()
	stopServe()
	if serr := g.Wait(); serr != nil {
		s.log.Warnf("prom server: %v", serr)
	}
	if n := bus.Dropped(); n > 0 {
		s.log.Warnf("run %s: %d progress events dropped", runID, n)
	}

	out := Outcome{RunID: runID, Schedule: sched}
	if err != nil {
		return s.failed(out, p, started, err)
	}
	if err := export.WriteAll(s.cfg.Output.Dir, runID, sched); err != nil {
		return out, fmt.Errorf("export: %w", err)
	}
	s.log.Infof("run %s: wrote exports to %s", runID, s.cfg.Output.Dir)
	return out, nil
}

func (s *Service) failed(out Outcome, p *model.Plant, started time.Time, err error) (Outcome, error) {
	s.mon.CaptureException(err, monitoring.Tags(out.RunID, err))
	outcome := OutcomeError
	se, ok := scheduler.AsScheduleError(err)
	if ok {
		outcome = string(se.Kind)
		report := se.Report
		out.Report = &report
	}
	if rec, isRec := s.sink.(coremetrics.RunRecorder); isRec {
		if rerr := rec.RecordRun(coremetrics.RunEvent{
			RunID: out.RunID, Batches: len(p.Batches), Outcome: outcome,
			WallTime: s.now().Sub(started), Time: s.now(),
		}); rerr != nil {
			s.log.Warnf("metrics: %v", rerr)
		}
	}
	if out.Report == nil {
		return out, err
	}
	if s.pub != nil {
		if perr := s.pub.PublishConflict(*out.Report); perr != nil {
			s.log.Errorf("publish conflict: %v", perr)
		}
	}
	if xerr := export.WriteConflicts(s.cfg.Output.Dir, *out.Report, out.Schedule); xerr != nil {
		return out, errors.Join(err, fmt.Errorf("export conflicts: %w", xerr))
	}
	return out, err
}

// Close releases the store, the publisher and closable sinks.
func (s *Service) Close() error {
	s.closePublisher()
	s.mon.Flush(flushTimeout)
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	if s.out != nil {
		return s.out.Close()
	}
	return nil
}

func (s *Service) closePublisher() {
	if s.pub != nil {
		s.pub.Disconnect()
	}
}
