package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/hoistsched/core/logger"
	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/stagea"
	"github.com/kilianp07/hoistsched/core/stageb"
	"github.com/kilianp07/hoistsched/core/validate"
)

// ValidateStageName identifies the final validation in progress events.
const ValidateStageName = "validate"

// Progress is published after every optimizer stage and after validation.
type Progress struct {
	RunID  string
	Record model.StageStatus
	// Makespan is set on the final event of a successful run.
	Makespan int64
	Final    bool
}

// ProgressPublisher receives progress events. eventbus.Bus[Progress]
// satisfies it.
type ProgressPublisher interface {
	Publish(Progress)
}

// Accumulator stores the schedule of every solved component in solve order.
type Accumulator interface {
	Begin(ctx context.Context, run string) error
	Append(ctx context.Context, run string, component int, s model.Schedule) error
}

// Engine runs Stage A, the decomposed Stage B (or C) and the validator.
type Engine struct {
	cfg      Config
	log      logger.Logger
	progress ProgressPublisher
	out      Accumulator
	name     string
	newID    func() string
	now      func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithProgress publishes progress events to p.
func WithProgress(p ProgressPublisher) Option { return func(e *Engine) { e.progress = p } }

// WithAccumulator appends every solved component to a.
func WithAccumulator(a Accumulator) Option { return func(e *Engine) { e.out = a } }

// WithRunName names the run in the accumulator. Defaults to the run id.
func WithRunName(name string) Option { return func(e *Engine) { e.name = name } }

// WithRunID uses id as the run id instead of a random UUID.
func WithRunID(id string) Option { return func(e *Engine) { e.newID = func() string { return id } } }

// New returns an Engine. The configuration is validated and copied.
func New(cfg Config, log logger.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithPatterns(cfg.Patterns)
	e := &Engine{cfg: cfg, log: log, newID: uuid.NewString, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config { return e.cfg.WithPatterns(e.cfg.Patterns) }

// Run schedules every batch of the plant. Every fatal outcome is returned
// as a *ScheduleError carrying a ConflictReport.
func (e *Engine) Run(ctx context.Context, p *model.Plant) (model.Schedule, error) {
	runID := e.newID()
	name := e.name
	if name == "" {
		name = runID
	}
	started := e.now()
	tb := physics.BuildTable(p)
	e.log.Infof("run %s: %d batches, %d stations, %d transporters", runID, len(p.Batches), len(p.Stations), len(p.Transporters))

	if e.out != nil {
		if err := e.out.Begin(ctx, name); err != nil {
			return model.Schedule{}, fmt.Errorf("output accumulator: %w", err)
		}
	}

	var out model.Schedule
	a, err := e.stageA(ctx, runID, p, tb)
	if err != nil {
		return out, err
	}
	out.Status = append(out.Status, a.Status)

	order := a.Order()
	var comps []stageb.Component
	if e.cfg.Decompose {
		comps = stageb.Decompose(a.Entries, order, e.cfg.BatchWindowMargin)
	} else {
		comps = []stageb.Component{stageb.Single(a.Entries, order)}
	}
	e.log.Infof("run %s: %d components", runID, len(comps))

	optB := stageb.New(p, tb, e.stageBOptions(), e.log)
	gap := e.chainGap(p, tb)
	var earliest int64
	for i, comp := range comps {
		comp.Index = i
		res, err := optB.Solve(ctx, comp, a.Entries, earliest)
		if err != nil {
			return out, e.fail(runID, e.stageBName(), i, comp.Batches, err)
		}
		e.publish(runID, res.Status)
		if !res.Status.Status.Solved() {
			return out, statusError(runID, res.Status, comp.Batches)
		}
		part := model.Schedule{Entries: res.Entries, Tasks: res.Tasks, Status: []model.StageStatus{res.Status}}
		if e.out != nil {
			if err := e.out.Append(ctx, name, i, part); err != nil {
				return out, fmt.Errorf("output accumulator component %d: %w", i, err)
			}
		}
		out.Append(part)
		earliest = res.End() + gap
	}

	report := validate.New(p, tb, e.cfg.Avoidance).Check(out)
	status := model.StageStatus{
		Stage: ValidateStageName, Batches: len(p.Batches), Status: model.StatusOptimal,
		Objective: out.Makespan(), WallTime: e.now().Sub(started),
	}
	if !report.OK() {
		status.Status = model.StatusInfeasible
		e.publish(runID, status)
		se := newError(runID, KindViolation, ValidateStageName, 0, violationBatches(report.Violations),
			fmt.Errorf("%d schedule invariant violations", len(report.Violations)))
		se.Report.Violations = report.Violations
		e.log.Errorf("run %s: %s", runID, se)
		return out, se
	}
	out.Sort()
	if e.progress != nil {
		e.progress.Publish(Progress{RunID: runID, Record: status, Makespan: out.Makespan(), Final: true})
	}
	e.log.Infof("run %s: makespan %ds in %s", runID, out.Makespan(), status.WallTime)
	return out, nil
}

func (e *Engine) stageA(ctx context.Context, runID string, p *model.Plant, tb *physics.Table) (stagea.Result, error) {
	opt := stagea.New(p, tb, stagea.Options{
		Solver:        e.cfg.StageA,
		SameGroup:     e.cfg.SameGroup,
		SameGroupHard: e.cfg.SameGroupHard,
		GroupPenalty:  e.cfg.GroupPenalty,
	}, e.log)
	a, err := opt.Solve(ctx)
	if err != nil {
		return a, e.fail(runID, stagea.StageName, 0, batchIDs(p), err)
	}
	e.publish(runID, a.Status)
	if !a.Status.Status.Solved() {
		return a, statusError(runID, a.Status, batchIDs(p))
	}
	return a, nil
}

func (e *Engine) stageBOptions() stageb.Options {
	params := e.cfg.StageB
	if len(e.cfg.Patterns) > 0 {
		params = e.cfg.StageC
	}
	return stageb.Options{
		Solver:         params,
		Avoidance:      e.cfg.Avoidance,
		MakespanWeight: e.cfg.MakespanWeight,
		GapWeight:      e.cfg.GapWeight,
		Patterns:       e.cfg.Patterns,
	}
}

func (e *Engine) stageBName() string {
	if len(e.cfg.Patterns) > 0 {
		return stageb.PatternStageName
	}
	return stageb.StageName
}

// chainGap is the idle time between two consecutive components. It covers
// the station change time, any deadhead and the largest avoidance gap so the
// concatenated schedule stays valid.
func (e *Engine) chainGap(p *model.Plant, tb *physics.Table) int64 {
	var maxAvoid float64
	for _, t := range p.Transporters {
		maxAvoid = math.Max(maxAvoid, t.AvoidDistance)
	}
	gap := e.cfg.TransporterWindowMargin
	for _, g := range []int64{tb.ChangeTime(), tb.MaxDeadhead(), e.cfg.Avoidance.MaxRequired(maxAvoid)} {
		if g > gap {
			gap = g
		}
	}
	return gap
}

func (e *Engine) fail(runID, stage string, comp int, batches []int, err error) error {
	kind := KindInfeasible
	if isMissing(err) {
		kind = KindMissing
	}
	se := newError(runID, kind, stage, comp, batches, err)
	e.log.Errorf("run %s: %s", runID, se)
	return se
}

func (e *Engine) publish(runID string, st model.StageStatus) {
	if e.progress == nil {
		return
	}
	e.progress.Publish(Progress{RunID: runID, Record: st})
}

func batchIDs(p *model.Plant) []int {
	ids := make([]int, len(p.Batches))
	for i, b := range p.Batches {
		ids[i] = b.ID
	}
	return ids
}
