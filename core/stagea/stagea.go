// Package stagea assigns every batch stage to a concrete station and computes
// batch level entry and exit times minimizing the makespan. Transfers are
// approximated by the plant's average task time and stage durations are fixed
// to their minimum.
package stagea

import (
	"context"
	"fmt"
	"sort"

	"github.com/kilianp07/hoistsched/core/logger"
	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/solver"
)

// StageName identifies Stage A in status records.
const StageName = "A"

// Options configures the optimizer.
type Options struct {
	Solver solver.Params
	// SameGroup prefers keeping consecutive stages of a batch inside one
	// station group.
	SameGroup bool
	// SameGroupHard turns the preference into a constraint wherever a same
	// group choice exists.
	SameGroupHard bool
	// GroupPenalty is the objective cost of one group change in soft mode.
	GroupPenalty int64
}

// Result is the Stage-A assignment. Entries hold stages 0..K of every batch.
type Result struct {
	Entries []model.ScheduleEntry
	Status  model.StageStatus
}

// Order returns the batch ids sorted by first-stage entry time.
func (r Result) Order() []int {
	type first struct {
		id    int
		entry int64
		idx   int
	}
	var fs []first
	for i, e := range r.Entries {
		if e.Stage == 1 {
			fs = append(fs, first{e.BatchID, e.Entry, i})
		}
	}
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].entry != fs[j].entry {
			return fs[i].entry < fs[j].entry
		}
		return fs[i].idx < fs[j].idx
	})
	ids := make([]int, len(fs))
	for i, f := range fs {
		ids[i] = f.id
	}
	return ids
}

// Optimizer runs Stage A over a plant.
type Optimizer struct {
	plant *model.Plant
	table *physics.Table
	opts  Options
	log   logger.Logger
}

// New returns an Optimizer. The options are copied.
func New(p *model.Plant, tb *physics.Table, opts Options, log logger.Logger) *Optimizer {
	return &Optimizer{plant: p, table: tb, opts: opts, log: log}
}

type instance struct {
	batches []model.Batch
	stages  [][]model.Stage
	// cands[b][i] lists candidate stations of stage i; index 0 holds the
	// start station.
	cands [][][]int
	// rules[b][i] is set when stages i and i+1 can either stay in a group or
	// leave it.
	rules       [][]bool
	avg, change int64
}

func (in *instance) groupRule(b, i int) bool {
	return i >= 1 && i < len(in.rules[b]) && in.rules[b][i]
}

func (o *Optimizer) instance(batches []model.Batch) *instance {
	in := &instance{
		batches: batches,
		stages:  make([][]model.Stage, len(batches)),
		cands:   make([][][]int, len(batches)),
		rules:   make([][]bool, len(batches)),
		avg:     o.table.AverageTaskTime(),
		change:  o.table.ChangeTime(),
	}
	for b, bt := range batches {
		stages := o.plant.ProgramOf(bt).Stages
		in.stages[b] = stages
		in.cands[b] = make([][]int, len(stages)+1)
		in.cands[b][0] = []int{bt.StartStation}
		for i, st := range stages {
			in.cands[b][i+1] = o.plant.StationsInRange(st.MinStation, st.MaxStation)
		}
		in.rules[b] = make([]bool, len(stages)+1)
		if !o.opts.SameGroup {
			continue
		}
		for i := 1; i < len(stages); i++ {
			same, diff := false, false
			for _, s := range in.cands[b][i] {
				for _, t := range in.cands[b][i+1] {
					if o.group(s) == o.group(t) {
						same = true
					} else {
						diff = true
					}
				}
			}
			in.rules[b][i] = same && diff
		}
	}
	return in
}

// serialHorizon is the length of running the batches one after another.
func (in *instance) serialHorizon() int64 {
	var h int64
	for b := range in.batches {
		h += in.avg + in.change
		for _, st := range in.stages[b] {
			h += st.MinTime + in.avg
		}
	}
	return h
}

type vars struct {
	entry    [][]solver.IntVar
	x        [][]map[int]solver.IntVar
	penalty  []solver.IntVar
	makespan solver.IntVar
}

// stationLits returns the literals that make (b, i) sit at station s. An
// empty slice means the stage has a single candidate.
func (v *vars) stationLits(b, i, s int) []solver.Lit {
	if v.x[b][i] == nil {
		return nil
	}
	return []solver.Lit{v.x[b][i][s].Lit()}
}

// Solve builds and solves the Stage-A model for the plant's batches.
func (o *Optimizer) Solve(ctx context.Context) (Result, error) {
	batches := o.plant.Batches
	status := model.StageStatus{Stage: StageName, Batches: len(batches)}
	if len(batches) == 0 {
		status.Status = model.StatusOptimal
		return Result{Status: status}, nil
	}
	in := o.instance(batches)
	hint := o.greedy(in)
	horizon := in.serialHorizon()
	if hint.consistent {
		if h := hint.makespan(in); h < horizon {
			horizon = h
		}
	}

	m, v := o.build(in, hint, horizon)
	o.log.Infof("stage A: %d batches, %d variables, %d constraints, horizon %ds", len(batches), m.NumVars(), m.NumConstraints(), horizon)

	res, err := solver.Solve(ctx, m, o.opts.Solver)
	if err != nil {
		return Result{}, fmt.Errorf("stage A model: %w", err)
	}
	status.Status = model.SolveStatus(res.Status.String())
	status.Objective = res.Objective
	status.Bound = res.Bound
	status.WallTime = res.WallTime
	o.log.Infof("stage A %s: objective=%d bound=%d nodes=%d in %s", res.Status, res.Objective, res.Bound, res.Nodes, res.WallTime)
	if !res.Status.HasSolution() {
		return Result{Status: status}, nil
	}
	return Result{Entries: o.extract(in, v, res), Status: status}, nil
}

func (o *Optimizer) build(in *instance, hint plan, horizon int64) (*solver.Model, *vars) {
	m := solver.NewModel("stage-a")
	v := &vars{
		entry: make([][]solver.IntVar, len(in.batches)),
		x:     make([][]map[int]solver.IntVar, len(in.batches)),
	}
	v.makespan = m.NewIntVar(0, horizon, "makespan")
	m.SetPriority(v.makespan, 4)

	for b, bt := range in.batches {
		k := len(in.stages[b])
		v.entry[b] = make([]solver.IntVar, k+1)
		v.x[b] = make([]map[int]solver.IntVar, k+1)
		for i := 0; i <= k; i++ {
			v.entry[b][i] = m.NewIntVar(0, horizon, fmt.Sprintf("entry_b%d_s%d", bt.ID, i))
			m.SetPriority(v.entry[b][i], 3)
			if i == 0 || len(in.cands[b][i]) < 2 {
				continue
			}
			v.x[b][i] = make(map[int]solver.IntVar, len(in.cands[b][i]))
			one := make([]solver.IntVar, 0, len(in.cands[b][i]))
			for _, s := range in.cands[b][i] {
				x := m.NewBoolVar(fmt.Sprintf("at_b%d_s%d_st%d", bt.ID, i, s))
				m.SetPriority(x, 0)
				if hint.station[b][i] == s {
					m.AddHint(x, 1)
				} else {
					m.AddHint(x, 0)
				}
				v.x[b][i][s] = x
				one = append(one, x)
			}
			m.AddExactlyOne(one)
		}
		m.AddEquality(v.entry[b][1], v.entry[b][0], in.avg)
		for i := 1; i < k; i++ {
			st := in.stages[b][i-1]
			m.AddLinear([]solver.Term{solver.T(v.entry[b][i+1], 1), solver.T(v.entry[b][i], -1)},
				st.MinTime+in.avg, st.MaxTime+in.avg)
		}
		m.AddGreaterOrEqual(v.makespan, v.entry[b][k], in.stages[b][k-1].MinTime)
	}

	o.addOccupancy(m, in, v, hint)
	o.addProgramOrder(m, in, v)
	o.addGroupRules(m, in, v, hint)

	obj := []solver.Term{solver.T(v.makespan, 1)}
	for _, d := range v.penalty {
		obj = append(obj, solver.T(d, o.opts.GroupPenalty))
	}
	m.Minimize(obj, 0)
	return m, v
}

type occurrence struct{ b, i int }

// addOccupancy adds the station disjunctions between stages of different
// batches whose candidate sets intersect.
func (o *Optimizer) addOccupancy(m *solver.Model, in *instance, v *vars, hint plan) {
	var occ []occurrence
	for b := range in.batches {
		for i := 1; i <= len(in.stages[b]); i++ {
			occ = append(occ, occurrence{b, i})
		}
	}
	for ui, u := range occ {
		for _, w := range occ[ui+1:] {
			if u.b == w.b {
				continue
			}
			shared := intersect(in.cands[u.b][u.i], in.cands[w.b][w.i])
			if len(shared) == 0 {
				continue
			}
			p := m.NewBoolVar(fmt.Sprintf("before_b%d_s%d_b%d_s%d", in.batches[u.b].ID, u.i, in.batches[w.b].ID, w.i))
			m.SetPriority(p, 2)
			if hint.entry[u.b][u.i] <= hint.entry[w.b][w.i] {
				m.AddHint(p, 1)
			} else {
				m.AddHint(p, 0)
			}
			du := in.stages[u.b][u.i-1].MinTime
			dw := in.stages[w.b][w.i-1].MinTime
			for _, s := range shared {
				lits := append(v.stationLits(u.b, u.i, s), v.stationLits(w.b, w.i, s)...)
				m.AddGreaterOrEqual(v.entry[w.b][w.i], v.entry[u.b][u.i], du+in.change).
					OnlyEnforceIf(append(append([]solver.Lit(nil), lits...), p.Lit())...)
				m.AddGreaterOrEqual(v.entry[u.b][u.i], v.entry[w.b][w.i], dw+in.change).
					OnlyEnforceIf(append(append([]solver.Lit(nil), lits...), p.Not())...)
			}
		}
	}
}

// addProgramOrder keeps batches of one program in input order at the start
// stage and at the first real stage.
func (o *Optimizer) addProgramOrder(m *solver.Model, in *instance, v *vars) {
	last := make(map[int]int)
	for b, bt := range in.batches {
		if prev, ok := last[bt.Program]; ok {
			m.AddGreaterOrEqual(v.entry[b][0], v.entry[prev][0], 0)
			m.AddGreaterOrEqual(v.entry[b][1], v.entry[prev][1], 0)
		}
		last[bt.Program] = b
	}
}

func (o *Optimizer) addGroupRules(m *solver.Model, in *instance, v *vars, hint plan) {
	if !o.opts.SameGroup {
		return
	}
	soft := !o.opts.SameGroupHard
	if soft && o.opts.GroupPenalty <= 0 {
		return
	}
	for b, bt := range in.batches {
		for i := 1; i < len(in.stages[b]); i++ {
			if !in.groupRule(b, i) {
				continue
			}
			var d solver.IntVar
			if soft {
				d = m.NewBoolVar(fmt.Sprintf("group_change_b%d_s%d", bt.ID, i))
				m.SetPriority(d, 1)
				if o.group(hint.station[b][i]) != o.group(hint.station[b][i+1]) {
					m.AddHint(d, 1)
				} else {
					m.AddHint(d, 0)
				}
				v.penalty = append(v.penalty, d)
			}
			for _, s := range in.cands[b][i] {
				for _, t := range in.cands[b][i+1] {
					if o.group(s) == o.group(t) {
						continue
					}
					var terms []solver.Term
					fixed := int64(0)
					for _, lits := range [][]solver.Lit{v.stationLits(b, i, s), v.stationLits(b, i+1, t)} {
						if len(lits) == 0 {
							fixed++
							continue
						}
						terms = append(terms, solver.T(lits[0].Var, 1))
					}
					if soft {
						terms = append(terms, solver.T(d, -1))
					}
					m.AddLinear(terms, -solver.Inf, 1-fixed)
				}
			}
		}
	}
}

func (o *Optimizer) extract(in *instance, v *vars, res solver.Result) []model.ScheduleEntry {
	var out []model.ScheduleEntry
	for b, bt := range in.batches {
		start := res.Value(v.entry[b][0])
		out = append(out, model.ScheduleEntry{
			BatchID: bt.ID, Program: bt.Program, Stage: 0, Station: bt.StartStation,
			Entry: start, Exit: start,
		})
		for i, st := range in.stages[b] {
			n := i + 1
			station := in.cands[b][n][0]
			for s, x := range v.x[b][n] {
				if res.Bool(x) {
					station = s
				}
			}
			entry := res.Value(v.entry[b][n])
			out = append(out, model.ScheduleEntry{
				BatchID: bt.ID, Program: bt.Program, Stage: n, Station: station,
				Entry: entry, Exit: entry + st.MinTime, MinTime: st.MinTime, MaxTime: st.MaxTime,
			})
		}
	}
	return out
}

func intersect(a, b []int) []int {
	var out []int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
