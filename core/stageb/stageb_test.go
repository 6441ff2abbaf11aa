package stageb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/solver"
	"github.com/kilianp07/hoistsched/core/stagea"
	"github.com/kilianp07/hoistsched/core/validate"
	"github.com/kilianp07/hoistsched/infra/logger"
)

func hoist(id int, avoid float64) model.Transporter {
	return model.Transporter{
		ID: id, MaxSpeed: 1000, AccelTime: 2, DecelTime: 2,
		VerticalTravel: 2000, SlowZoneDry: 200, SlowZoneWet: 400, SlowZoneEnd: 100,
		SlowSpeed: 100, FastSpeed: 500,
		MinLift: 101, MaxLift: 103, MinSink: 101, MaxSink: 103,
		AvoidDistance: avoid,
	}
}

func serialProgram() model.TreatmentProgram {
	return model.TreatmentProgram{ID: 1, Stages: []model.Stage{
		{MinStation: 102, MaxStation: 102, MinTime: 60, MaxTime: 90},
		{MinStation: 103, MaxStation: 103, MinTime: 60, MaxTime: 90},
	}}
}

type fixture struct {
	plant *model.Plant
	table *physics.Table
	plan  stagea.Result
}

func newFixture(t *testing.T, hoists []model.Transporter, batches int) fixture {
	t.Helper()
	var bs []model.Batch
	for i := 1; i <= batches; i++ {
		bs = append(bs, model.Batch{ID: i, Program: 1, StartStation: 101})
	}
	p, err := model.NewPlant(
		[]model.Station{{ID: 101, X: 0}, {ID: 102, X: 1500}, {ID: 103, X: 4500}},
		hoists, []model.TreatmentProgram{serialProgram()}, bs,
	)
	require.NoError(t, err)
	tb := physics.BuildTable(p)
	a, err := stagea.New(p, tb, stagea.Options{Solver: solver.Params{TimeLimit: 10 * time.Second, Polish: true}}, logger.NopLogger{}).
		Solve(context.Background())
	require.NoError(t, err)
	require.True(t, a.Status.Status.Solved())
	return fixture{plant: p, table: tb, plan: a}
}

func (f fixture) optimizer(opts Options) *Optimizer {
	if opts.Solver.TimeLimit == 0 {
		opts.Solver.TimeLimit = 10 * time.Second
		opts.Solver.Polish = true
	}
	return New(f.plant, f.table, opts, logger.NopLogger{})
}

func asSchedule(r Result) model.Schedule {
	return model.Schedule{Entries: r.Entries, Tasks: r.Tasks}
}

func TestSerialLineIsValid(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0)}, 2)
	comp := Single(f.plan.Entries, f.plan.Order())
	avoid := physics.Avoidance{Margin: 3}
	res, err := f.optimizer(Options{Avoidance: avoid, GapWeight: 1}).Solve(context.Background(), comp, f.plan.Entries, 0)
	require.NoError(t, err)
	require.True(t, res.Status.Status.Solved(), "status %s", res.Status.Status)
	assert.Equal(t, StageName, res.Status.Stage)
	require.Len(t, res.Tasks, 4)

	s := asSchedule(res)
	report := validate.New(f.plant, f.table, avoid).Check(s)
	assert.True(t, report.OK(), "%v", report.Violations)

	b1, ok := s.Entry(1, 1)
	require.True(t, ok)
	b2, ok := s.Entry(2, 1)
	require.True(t, ok)
	assert.GreaterOrEqual(t, b2.Entry, b1.Exit+f.table.ChangeTime())
	for _, e := range s.Entries {
		if e.Stage > 0 {
			assert.Equal(t, 1, e.Transporter)
		}
	}
	assert.Equal(t, res.End(), s.Makespan())
}

func TestTwoTransportersRespectAvoidance(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 1000), hoist(2, 1000)}, 2)
	comp := Single(f.plan.Entries, f.plan.Order())
	avoid := physics.Avoidance{Margin: 2, PerMeter: 1}
	res, err := f.optimizer(Options{Avoidance: avoid}).Solve(context.Background(), comp, f.plan.Entries, 0)
	require.NoError(t, err)
	require.True(t, res.Status.Status.Solved(), "status %s", res.Status.Status)
	report := validate.New(f.plant, f.table, avoid).Check(asSchedule(res))
	assert.True(t, report.OK(), "%v", report.Violations)
}

func TestEarliestShiftsComponent(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0)}, 1)
	comp := Single(f.plan.Entries, f.plan.Order())
	res, err := f.optimizer(Options{}).Solve(context.Background(), comp, f.plan.Entries, 1000)
	require.NoError(t, err)
	require.True(t, res.Status.Status.Solved())
	for _, task := range res.Tasks {
		assert.GreaterOrEqual(t, task.Start, int64(1000))
	}
	start, ok := asSchedule(res).Entry(1, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1000), start.Entry)
}

func TestNoEligibleTransporter(t *testing.T) {
	h := hoist(1, 0)
	h.MaxSink = 102
	f := newFixture(t, []model.Transporter{h, func() model.Transporter {
		g := hoist(2, 0)
		g.MinLift, g.MaxLift = 101, 101
		return g
	}()}, 1)
	comp := Single(f.plan.Entries, f.plan.Order())
	_, err := f.optimizer(Options{}).Solve(context.Background(), comp, f.plan.Entries, 0)
	assert.True(t, errors.Is(err, ErrNoTransporter))
}

func TestMissingPlan(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0)}, 1)
	comp := Component{Batches: []int{1}}
	_, err := f.optimizer(Options{}).Solve(context.Background(), comp, f.plan.Entries[:1], 0)
	assert.True(t, errors.Is(err, ErrMissingPlan))
}

func TestPatternOrdersTransporter(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0), hoist(2, 0)}, 2)
	comp := Single(f.plan.Entries, f.plan.Order())
	opts := Options{Patterns: []Pattern{{Transporter: 1, Stages: []int{1, 2}}}}
	res, err := f.optimizer(opts).Solve(context.Background(), comp, f.plan.Entries, 0)
	require.NoError(t, err)
	require.True(t, res.Status.Status.Solved())
	assert.Equal(t, PatternStageName, res.Status.Stage)

	var first, second model.TransporterTask
	for _, task := range res.Tasks {
		assert.Equal(t, 1, task.Transporter)
		if task.BatchID == comp.Batches[0] && task.Stage == 2 {
			first = task
		}
		if task.BatchID == comp.Batches[1] && task.Stage == 1 {
			second = task
		}
	}
	dh, err := f.table.Deadhead(1, first.To, second.From)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.Start, first.End+dh)
	report := validate.New(f.plant, f.table, physics.Avoidance{}).Check(asSchedule(res))
	assert.True(t, report.OK(), "%v", report.Violations)
}

func TestPatternRejectsUnservedStage(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0)}, 1)
	comp := Single(f.plan.Entries, f.plan.Order())
	_, err := f.optimizer(Options{Patterns: []Pattern{{Transporter: 5, Stages: []int{1}}}}).
		Solve(context.Background(), comp, f.plan.Entries, 0)
	assert.True(t, errors.Is(err, ErrInvalidPattern))
}

func TestPatternOffsets(t *testing.T) {
	assert.Equal(t, []int{0, 0, 0}, Pattern{Stages: []int{1, 2, 4}}.Offsets())
	assert.Equal(t, []int{0, 0, 1, 1}, Pattern{Stages: []int{3, 4, 1, 2}}.Offsets())
	assert.Equal(t, []int{0, 1}, Pattern{Stages: []int{2, 2}}.Offsets())
}

func TestValidatePatterns(t *testing.T) {
	assert.NoError(t, ValidatePatterns([]Pattern{{Transporter: 1, Stages: []int{1, 3}}, {Transporter: 2, Stages: []int{2}}}))
	for _, ps := range [][]Pattern{
		{{Transporter: 1, Stages: []int{1}}, {Transporter: 1, Stages: []int{2}}},
		{{Transporter: 1, Stages: []int{1}}, {Transporter: 2, Stages: []int{1}}},
		{{Transporter: 1}},
		{{Transporter: 1, Stages: []int{0}}},
	} {
		assert.True(t, errors.Is(ValidatePatterns(ps), ErrInvalidPattern), "%v", ps)
	}
}

func entries(id int, windows ...[2]int64) []model.ScheduleEntry {
	var out []model.ScheduleEntry
	for i, w := range windows {
		out = append(out, model.ScheduleEntry{BatchID: id, Stage: i, Entry: w[0], Exit: w[1]})
	}
	return out
}

func TestDecompose(t *testing.T) {
	var plan []model.ScheduleEntry
	plan = append(plan, entries(1, [2]int64{0, 0}, [2]int64{10, 100})...)
	plan = append(plan, entries(2, [2]int64{90, 90}, [2]int64{100, 200})...)
	plan = append(plan, entries(3, [2]int64{300, 300}, [2]int64{310, 400})...)
	plan = append(plan, entries(4, [2]int64{150, 150}, [2]int64{160, 180})...)

	comps := Decompose(plan, []int{1, 2, 4, 3}, 10)
	require.Len(t, comps, 2)
	assert.Equal(t, []int{1, 2, 4}, comps[0].Batches)
	assert.Equal(t, int64(-10), comps[0].Start)
	assert.Equal(t, int64(210), comps[0].End)
	assert.Equal(t, []int{3}, comps[1].Batches)
	assert.Equal(t, 1, comps[1].Index)

	all := Decompose(plan, []int{1, 2, 4, 3}, 60)
	require.Len(t, all, 1)
	assert.Equal(t, []int{1, 2, 4, 3}, all[0].Batches)

	one := Single(plan, []int{1, 2, 4, 3})
	assert.Equal(t, int64(0), one.Start)
	assert.Equal(t, int64(400), one.End)
	assert.Empty(t, Decompose(nil, nil, 0))
}

func TestUnionFind(t *testing.T) {
	u := newUnionFind(5)
	u.union(0, 1)
	u.union(3, 4)
	u.union(1, 4)
	assert.Equal(t, u.find(0), u.find(3))
	assert.NotEqual(t, u.find(0), u.find(2))
}

func TestAnchorsKeepProgramOrder(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0)}, 2)
	for _, order := range [][]int{{1, 2}, {2, 1}} {
		comp := Single(f.plan.Entries, order)
		res, err := f.optimizer(Options{}).Solve(context.Background(), comp, f.plan.Entries, 0)
		require.NoError(t, err)
		require.True(t, res.Status.Status.Solved(), "status %s", res.Status.Status)
		s := asSchedule(res)
		first, ok := s.Entry(order[0], 1)
		require.True(t, ok)
		second, ok := s.Entry(order[1], 1)
		require.True(t, ok)
		assert.LessOrEqual(t, first.Entry, second.Entry, "order %v", order)
	}
}

func TestGapTermKeepsMakespan(t *testing.T) {
	f := newFixture(t, []model.Transporter{hoist(1, 0)}, 2)
	comp := Single(f.plan.Entries, f.plan.Order())
	makespan := func(gw int64) int64 {
		res, err := f.optimizer(Options{GapWeight: gw}).Solve(context.Background(), comp, f.plan.Entries, 0)
		require.NoError(t, err)
		require.Equal(t, model.StatusOptimal, res.Status.Status)
		return asSchedule(res).Makespan()
	}
	base := makespan(0)
	assert.Equal(t, base, makespan(1))
	assert.Equal(t, base, makespan(50))
}

func TestMakespanWeightDominatesGaps(t *testing.T) {
	bd := &builder{
		o:        &Optimizer{opts: Options{MakespanWeight: 1, GapWeight: 2}},
		bps:      make([]*batchPlan, 3),
		earliest: 100,
	}
	assert.Equal(t, int64(2*2*400+1), bd.makespanWeight(500))

	bd.o.opts.MakespanWeight = 5000
	assert.Equal(t, int64(5000), bd.makespanWeight(500))

	bd.o.opts.GapWeight = 0
	bd.o.opts.MakespanWeight = 1
	assert.Equal(t, int64(1), bd.makespanWeight(500))
}
