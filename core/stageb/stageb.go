// Package stageb schedules the transporter tasks of batches whose stations
// were fixed by Stage A. It decides stage durations within their windows,
// which transporter carries each transition and the exact task timing under
// station, transporter and spatial avoidance constraints. Patterns restrict
// the task order per transporter (Stage C).
package stageb

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/hoistsched/core/logger"
	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/solver"
)

const (
	// StageName identifies Stage B in status records.
	StageName = "B"
	// PatternStageName identifies a Stage-B solve with patterns.
	PatternStageName = "C"
)

var (
	// ErrNoTransporter is returned when no transporter can serve a transition.
	ErrNoTransporter = errors.New("no eligible transporter")
	// ErrMissingPlan is returned when a batch has no Stage-A entries.
	ErrMissingPlan = errors.New("missing stage A plan")
)

// Options configures the optimizer.
type Options struct {
	Solver    solver.Params
	Avoidance physics.Avoidance
	// MakespanWeight and GapWeight weigh the component makespan and the sum
	// of first-stage entry gaps between consecutive batches. The makespan
	// weight is raised above any possible gap sum when needed.
	MakespanWeight int64
	GapWeight      int64
	// Patterns enables Stage C.
	Patterns []Pattern
}

// Result is the schedule of one component.
type Result struct {
	Entries []model.ScheduleEntry
	Tasks   []model.TransporterTask
	Status  model.StageStatus
}

// End is the latest exit in the result.
func (r Result) End() int64 {
	var end int64
	for _, e := range r.Entries {
		if e.Exit > end {
			end = e.Exit
		}
	}
	return end
}

// Optimizer runs Stage B on components.
type Optimizer struct {
	plant *model.Plant
	table *physics.Table
	opts  Options
	log   logger.Logger
}

// New returns an Optimizer.
func New(p *model.Plant, tb *physics.Table, opts Options, log logger.Logger) *Optimizer {
	if opts.MakespanWeight <= 0 {
		opts.MakespanWeight = 1
	}
	if opts.GapWeight < 0 {
		opts.GapWeight = 0
	}
	return &Optimizer{plant: p, table: tb, opts: opts, log: log}
}

// stageName returns B or C depending on the options.
func (o *Optimizer) stageName() string {
	if len(o.opts.Patterns) > 0 {
		return PatternStageName
	}
	return StageName
}

type batchPlan struct {
	batch   model.Batch
	stages  []model.Stage
	station []int
	aEntry  []int64
	entry   []solver.IntVar
	exit    []solver.IntVar
}

// aExit is the Stage-A exit of stage i.
func (bp *batchPlan) aExit(i int) int64 {
	if i == 0 {
		return bp.aEntry[0]
	}
	return bp.aEntry[i] + bp.stages[i-1].MinTime
}

type task struct {
	b, i     int
	from, to int
	hosts    []model.Transporter
	dur      []int64
	y        []solver.IntVar
	// hint is the host tried first, the fastest one.
	hint int
}

func (t *task) start(bps []*batchPlan) solver.IntVar { return bps[t.b].exit[t.i-1] }
func (t *task) end(bps []*batchPlan) solver.IntVar   { return bps[t.b].entry[t.i] }

// on returns the literals selecting host k. Single host tasks need none.
func (t *task) on(k int) []solver.Lit {
	if t.y == nil {
		return nil
	}
	return []solver.Lit{t.y[k].Lit()}
}

func (t *task) hostIndex(id int) int {
	for k, h := range t.hosts {
		if h.ID == id {
			return k
		}
	}
	return -1
}

type builder struct {
	o        *Optimizer
	m        *solver.Model
	bps      []*batchPlan
	tasks    []*task
	byStage  map[[2]int]*task
	earliest int64
	change   int64
}

// Solve schedules one component. plan holds the Stage-A entries of at least
// the component's batches. No task starts before earliest.
func (o *Optimizer) Solve(ctx context.Context, comp Component, plan []model.ScheduleEntry, earliest int64) (Result, error) {
	status := model.StageStatus{Stage: o.stageName(), Component: comp.Index, Batches: len(comp.Batches)}
	if len(comp.Batches) == 0 {
		status.Status = model.StatusOptimal
		return Result{Status: status}, nil
	}
	bd, err := o.newBuilder(comp, plan, earliest)
	if err != nil {
		return Result{}, err
	}
	if err := bd.build(); err != nil {
		return Result{}, err
	}
	o.log.Infof("stage %s component %d: %d batches, %d tasks, %d variables, %d constraints",
		status.Stage, comp.Index, len(comp.Batches), len(bd.tasks), bd.m.NumVars(), bd.m.NumConstraints())

	res, err := solver.Solve(ctx, bd.m, o.opts.Solver)
	if err != nil {
		return Result{}, fmt.Errorf("stage %s component %d model: %w", status.Stage, comp.Index, err)
	}
	status.Status = model.SolveStatus(res.Status.String())
	status.Objective = res.Objective
	status.Bound = res.Bound
	status.WallTime = res.WallTime
	o.log.Infof("stage %s component %d %s: objective=%d bound=%d nodes=%d in %s",
		status.Stage, comp.Index, res.Status, res.Objective, res.Bound, res.Nodes, res.WallTime)
	if !res.Status.HasSolution() {
		return Result{Status: status}, nil
	}
	out := bd.extract(res)
	out.Status = status
	return out, nil
}

func (o *Optimizer) newBuilder(comp Component, plan []model.ScheduleEntry, earliest int64) (*builder, error) {
	bd := &builder{
		o:        o,
		m:        solver.NewModel(fmt.Sprintf("stage-b-%d", comp.Index)),
		byStage:  make(map[[2]int]*task),
		earliest: earliest,
		change:   o.table.ChangeTime(),
	}
	byBatch := make(map[int][]model.ScheduleEntry)
	for _, e := range plan {
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e)
	}
	batches := make(map[int]model.Batch, len(o.plant.Batches))
	for _, b := range o.plant.Batches {
		batches[b.ID] = b
	}
	for _, id := range comp.Batches {
		bt, ok := batches[id]
		if !ok {
			return nil, fmt.Errorf("batch %d: %w", id, model.ErrInvalidPlant)
		}
		stages := o.plant.ProgramOf(bt).Stages
		bp := &batchPlan{
			batch:   bt,
			stages:  stages,
			station: make([]int, len(stages)+1),
			aEntry:  make([]int64, len(stages)+1),
		}
		seen := make([]bool, len(stages)+1)
		for _, e := range byBatch[id] {
			if e.Stage < 0 || e.Stage > len(stages) {
				continue
			}
			bp.station[e.Stage] = e.Station
			bp.aEntry[e.Stage] = e.Entry
			seen[e.Stage] = true
		}
		for i, ok := range seen {
			if !ok {
				return nil, fmt.Errorf("batch %d stage %d: %w", id, i, ErrMissingPlan)
			}
		}
		bd.bps = append(bd.bps, bp)
	}
	for b, bp := range bd.bps {
		for i := 1; i <= len(bp.stages); i++ {
			t := &task{b: b, i: i, from: bp.station[i-1], to: bp.station[i]}
			t.hosts = o.plant.EligibleTransporters(t.from, t.to)
			if len(t.hosts) == 0 {
				return nil, fmt.Errorf("batch %d stage %d %d->%d: %w", bp.batch.ID, i, t.from, t.to, ErrNoTransporter)
			}
			for k, h := range t.hosts {
				d, err := o.table.Task(h.ID, t.from, t.to)
				if err != nil {
					return nil, err
				}
				t.dur = append(t.dur, d)
				if d < t.dur[t.hint] {
					t.hint = k
				}
			}
			bd.tasks = append(bd.tasks, t)
			bd.byStage[[2]int{b, i}] = t
		}
	}
	return bd, nil
}

// horizon bounds every time variable by running the batches one after
// another with maximal stage times.
func (bd *builder) horizon() (int64, error) {
	dead := bd.o.table.MaxDeadhead()
	avoid := bd.o.opts.Avoidance.MaxRequired(bd.maxAvoid())
	h := bd.earliest + dead + avoid
	for b, bp := range bd.bps {
		h += bd.change
		for i, st := range bp.stages {
			var longest int64
			for _, d := range bd.byStage[[2]int{b, i + 1}].dur {
				if d > longest {
					longest = d
				}
			}
			h += longest + st.MaxTime + dead + avoid
		}
	}
	if h > solver.MaxDomain {
		return 0, fmt.Errorf("%w: horizon %d exceeds solver domain", solver.ErrModelInvalid, h)
	}
	return h, nil
}

func (bd *builder) maxAvoid() float64 {
	var m float64
	for _, t := range bd.o.plant.Transporters {
		m = math.Max(m, t.AvoidDistance)
	}
	return m
}

// shift moves Stage-A times so the component starts at earliest.
func (bd *builder) shift() int64 {
	first := int64(math.MaxInt64)
	for _, bp := range bd.bps {
		if bp.aEntry[0] < first {
			first = bp.aEntry[0]
		}
	}
	if bd.earliest > first {
		return bd.earliest - first
	}
	return 0
}

func (bd *builder) build() error {
	H, err := bd.horizon()
	if err != nil {
		return err
	}
	m := bd.m
	shift := bd.shift()
	for _, bp := range bd.bps {
		k := len(bp.stages)
		bp.entry = make([]solver.IntVar, k+1)
		bp.exit = make([]solver.IntVar, k+1)
		id := bp.batch.ID
		bp.exit[0] = m.NewIntVar(bd.earliest, H, fmt.Sprintf("start_b%d", id))
		bp.entry[0] = bp.exit[0]
		m.SetPriority(bp.exit[0], 2)
		m.AddHint(bp.exit[0], bp.aEntry[0]+shift)
		for i := 1; i <= k; i++ {
			st := bp.stages[i-1]
			bp.entry[i] = m.NewIntVar(bd.earliest, H, fmt.Sprintf("entry_b%d_s%d", id, i))
			bp.exit[i] = m.NewIntVar(bd.earliest, H, fmt.Sprintf("exit_b%d_s%d", id, i))
			m.SetPriority(bp.entry[i], 2)
			m.SetPriority(bp.exit[i], 2)
			m.AddLinear([]solver.Term{solver.T(bp.exit[i], 1), solver.T(bp.entry[i], -1)}, st.MinTime, st.MaxTime)
		}
	}
	for _, t := range bd.tasks {
		bd.addTask(t)
	}
	bd.addStations()
	if err := bd.addTaskPairs(); err != nil {
		return err
	}
	bd.addAnchors()
	if err := bd.addPatterns(); err != nil {
		return err
	}
	bd.addObjective(H)
	return m.Validate()
}

// addTask links a transition to the stage times and picks its transporter.
func (bd *builder) addTask(t *task) {
	m := bd.m
	start, end := t.start(bd.bps), t.end(bd.bps)
	if len(t.hosts) == 1 {
		m.AddEquality(end, start, t.dur[0])
		return
	}
	bp := bd.bps[t.b]
	terms := []solver.Term{solver.T(end, 1), solver.T(start, -1)}
	t.y = make([]solver.IntVar, len(t.hosts))
	for k, h := range t.hosts {
		y := m.NewBoolVar(fmt.Sprintf("carry_b%d_s%d_t%d", bp.batch.ID, t.i, h.ID))
		m.SetPriority(y, 0)
		if k == t.hint {
			m.AddHint(y, 1)
		} else {
			m.AddHint(y, 0)
		}
		t.y[k] = y
		terms = append(terms, solver.T(y, -t.dur[k]))
	}
	m.AddExactlyOne(t.y)
	m.AddLinear(terms, 0, 0)
}

// addStations separates dwell intervals of different batches at one station.
func (bd *builder) addStations() {
	m := bd.m
	for a, pa := range bd.bps {
		for b := a + 1; b < len(bd.bps); b++ {
			pb := bd.bps[b]
			for i := 1; i <= len(pa.stages); i++ {
				for j := 1; j <= len(pb.stages); j++ {
					if pa.station[i] != pb.station[j] {
						continue
					}
					q := m.NewBoolVar(fmt.Sprintf("station_b%d_s%d_before_b%d_s%d", pa.batch.ID, i, pb.batch.ID, j))
					m.SetPriority(q, 1)
					if pa.aEntry[i] <= pb.aEntry[j] {
						m.AddHint(q, 1)
					} else {
						m.AddHint(q, 0)
					}
					m.AddGreaterOrEqual(pb.entry[j], pa.exit[i], bd.change).OnlyEnforceIf(q.Lit())
					m.AddGreaterOrEqual(pa.entry[i], pb.exit[j], bd.change).OnlyEnforceIf(q.Not())
				}
			}
		}
	}
}

// separation is one required gap between two tasks for a host combination.
type separation struct {
	lits   []solver.Lit
	ab, ba int64 // a before b, b before a
}

// separations lists the gaps required between two tasks for every host
// combination that needs one: deadhead on a shared transporter and the
// avoidance margin on two different transporters whose spans come too close.
func (bd *builder) separations(a, b *task) ([]separation, error) {
	var out []separation
	for ka, ha := range a.hosts {
		for kb, hb := range b.hosts {
			lits := append(a.on(ka), b.on(kb)...)
			if ha.ID == hb.ID {
				ab, err := bd.o.table.Deadhead(ha.ID, a.to, b.from)
				if err != nil {
					return nil, err
				}
				ba, err := bd.o.table.Deadhead(ha.ID, b.to, a.from)
				if err != nil {
					return nil, err
				}
				out = append(out, separation{lits: lits, ab: ab, ba: ba})
				continue
			}
			gap, ok, err := bd.avoidGap(a, b, ha, hb)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, separation{lits: lits, ab: gap, ba: gap})
			}
		}
	}
	return out, nil
}

func (bd *builder) avoidGap(a, b *task, ha, hb model.Transporter) (int64, bool, error) {
	sa, err := bd.span(a)
	if err != nil {
		return 0, false, err
	}
	sb, err := bd.span(b)
	if err != nil {
		return 0, false, err
	}
	gap, ok := bd.o.opts.Avoidance.Required(sa, sb, ha.AvoidDistance, hb.AvoidDistance)
	return gap, ok, nil
}

func (bd *builder) span(t *task) (physics.Segment, error) {
	x1, err := bd.o.table.Position(t.from)
	if err != nil {
		return physics.Segment{}, err
	}
	x2, err := bd.o.table.Position(t.to)
	if err != nil {
		return physics.Segment{}, err
	}
	return physics.Span(x1, x2), nil
}

// aStart approximates the task start from the Stage-A plan.
func (bd *builder) aStart(t *task) int64 { return bd.bps[t.b].aExit(t.i - 1) }

// addTaskPairs orders every pair of tasks that share a transporter or come
// within avoidance distance. Tasks of one batch keep their stage order.
func (bd *builder) addTaskPairs() error {
	m := bd.m
	for ai, a := range bd.tasks {
		for _, b := range bd.tasks[ai+1:] {
			seps, err := bd.separations(a, b)
			if err != nil {
				return err
			}
			if len(seps) == 0 {
				continue
			}
			as, ae := a.start(bd.bps), a.end(bd.bps)
			bs, be := b.start(bd.bps), b.end(bd.bps)
			if a.b == b.b {
				// Tasks are listed in stage order within a batch.
				for _, s := range seps {
					if s.ab > 0 {
						m.AddGreaterOrEqual(bs, ae, s.ab).OnlyEnforceIf(s.lits...)
					}
				}
				continue
			}
			p := m.NewBoolVar(fmt.Sprintf("task_b%d_s%d_before_b%d_s%d", bd.bps[a.b].batch.ID, a.i, bd.bps[b.b].batch.ID, b.i))
			m.SetPriority(p, 1)
			if bd.aStart(a) <= bd.aStart(b) {
				m.AddHint(p, 1)
			} else {
				m.AddHint(p, 0)
			}
			for _, s := range seps {
				m.AddGreaterOrEqual(bs, ae, s.ab).OnlyEnforceIf(append(append([]solver.Lit(nil), s.lits...), p.Lit())...)
				m.AddGreaterOrEqual(as, be, s.ba).OnlyEnforceIf(append(append([]solver.Lit(nil), s.lits...), p.Not())...)
			}
		}
	}
	return nil
}

// addAnchors keeps the Stage-A first-stage order of batches sharing a program.
func (bd *builder) addAnchors() {
	last := make(map[int]*batchPlan)
	for _, bp := range bd.bps {
		if len(bp.stages) == 0 {
			continue
		}
		if prev, ok := last[bp.batch.Program]; ok {
			bd.m.AddGreaterOrEqual(bp.entry[1], prev.entry[1], 0)
		}
		last[bp.batch.Program] = bp
	}
}

func (bd *builder) addObjective(H int64) {
	m := bd.m
	mk := m.NewIntVar(bd.earliest, H, "makespan")
	m.SetPriority(mk, 3)
	for _, bp := range bd.bps {
		m.AddGreaterOrEqual(mk, bp.exit[len(bp.stages)], 0)
	}
	obj := []solver.Term{solver.T(mk, bd.makespanWeight(H))}
	if bd.o.opts.GapWeight > 0 {
		for j := 1; j < len(bd.bps); j++ {
			prev, cur := bd.bps[j-1], bd.bps[j]
			g := m.NewIntVar(0, H, fmt.Sprintf("gap_b%d_b%d", prev.batch.ID, cur.batch.ID))
			m.SetPriority(g, 3)
			m.AddLinear([]solver.Term{solver.T(g, 1), solver.T(cur.entry[1], -1), solver.T(prev.entry[1], 1)}, 0, solver.Inf)
			m.AddLinear([]solver.Term{solver.T(g, 1), solver.T(cur.entry[1], 1), solver.T(prev.entry[1], -1)}, 0, solver.Inf)
			obj = append(obj, solver.T(g, bd.o.opts.GapWeight))
		}
	}
	m.Minimize(obj, 0)
}

// makespanWeight raises the makespan weight above the largest possible gap
// sum so that one unit of makespan always outweighs every gap term.
func (bd *builder) makespanWeight(H int64) int64 {
	w, gw := bd.o.opts.MakespanWeight, bd.o.opts.GapWeight
	pairs := int64(len(bd.bps) - 1)
	if gw <= 0 || pairs <= 0 {
		return w
	}
	span := H - bd.earliest
	if span < 0 {
		span = 0
	}
	if need := gw*pairs*span + 1; w < need {
		return need
	}
	return w
}

func (bd *builder) extract(res solver.Result) Result {
	var out Result
	for b, bp := range bd.bps {
		start := res.Value(bp.exit[0])
		out.Entries = append(out.Entries, model.ScheduleEntry{
			BatchID: bp.batch.ID, Program: bp.batch.Program, Stage: 0, Station: bp.station[0],
			Entry: start, Exit: start,
		})
		for i := 1; i <= len(bp.stages); i++ {
			t := bd.byStage[[2]int{b, i}]
			host := t.hosts[0].ID
			for k, y := range t.y {
				if res.Bool(y) {
					host = t.hosts[k].ID
				}
			}
			st := bp.stages[i-1]
			out.Entries = append(out.Entries, model.ScheduleEntry{
				BatchID: bp.batch.ID, Program: bp.batch.Program, Stage: i, Station: bp.station[i],
				Transporter: host,
				Entry:       res.Value(bp.entry[i]), Exit: res.Value(bp.exit[i]),
				MinTime: st.MinTime, MaxTime: st.MaxTime,
			})
			out.Tasks = append(out.Tasks, model.TransporterTask{
				BatchID: bp.batch.ID, Stage: i, Transporter: host,
				From: t.from, To: t.to,
				Start: res.Value(bp.exit[i-1]), End: res.Value(bp.entry[i]),
			})
		}
	}
	return out
}
