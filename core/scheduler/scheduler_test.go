package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/solver"
	"github.com/kilianp07/hoistsched/core/stageb"
	"github.com/kilianp07/hoistsched/core/validate"
	"github.com/kilianp07/hoistsched/infra/logger"
	"github.com/kilianp07/hoistsched/internal/eventbus"
)

func hoist(id int) model.Transporter {
	return model.Transporter{
		ID: id, MaxSpeed: 1000, AccelTime: 2, DecelTime: 2,
		VerticalTravel: 2000, SlowZoneDry: 200, SlowZoneWet: 400, SlowZoneEnd: 100,
		SlowSpeed: 100, FastSpeed: 500,
		MinLift: 101, MaxLift: 103, MinSink: 101, MaxSink: 103,
	}
}

func linePlant(t *testing.T, batches int, hoists ...model.Transporter) *model.Plant {
	t.Helper()
	if len(hoists) == 0 {
		hoists = []model.Transporter{hoist(1)}
	}
	var bs []model.Batch
	for i := 1; i <= batches; i++ {
		bs = append(bs, model.Batch{ID: i, Program: 1, StartStation: 101})
	}
	p, err := model.NewPlant(
		[]model.Station{{ID: 101, X: 0}, {ID: 102, X: 1500}, {ID: 103, X: 4500}},
		hoists,
		[]model.TreatmentProgram{{ID: 1, Stages: []model.Stage{
			{MinStation: 102, MaxStation: 102, MinTime: 60, MaxTime: 90},
			{MinStation: 103, MaxStation: 103, MinTime: 60, MaxTime: 90},
		}}},
		bs,
	)
	require.NoError(t, err)
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	p := solver.Params{TimeLimit: 10 * time.Second, Workers: 1, Polish: true}
	cfg.StageA, cfg.StageB, cfg.StageC = p, p, p
	return cfg
}

type memAccumulator struct {
	mu    sync.Mutex
	runs  []string
	parts []int
}

func (m *memAccumulator) Begin(_ context.Context, run string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memAccumulator) Append(_ context.Context, _ string, comp int, _ model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = append(m.parts, comp)
	return nil
}

func TestTwoBatchesOneHoist(t *testing.T) {
	p := linePlant(t, 2)
	bus := eventbus.New[Progress](16)
	sub := bus.Subscribe()
	acc := &memAccumulator{}
	e, err := New(testConfig(), logger.NopLogger{}, WithProgress(bus), WithAccumulator(acc), WithRunName("line"))
	require.NoError(t, err)

	s, err := e.Run(context.Background(), p)
	require.NoError(t, err)

	tb := physics.BuildTable(p)
	b1, ok := s.Entry(1, 1)
	require.True(t, ok)
	b2, ok := s.Entry(2, 1)
	require.True(t, ok)
	first, second := b1, b2
	if b2.Entry < b1.Entry {
		first, second = b2, b1
	}
	assert.GreaterOrEqual(t, second.Entry, first.Exit+tb.ChangeTime())
	assert.True(t, validate.New(p, tb, e.Config().Avoidance).Check(s).OK())
	assert.Len(t, s.Tasks, 4)
	require.NotEmpty(t, s.Status)
	assert.Equal(t, "A", s.Status[0].Stage)

	assert.Equal(t, []string{"line"}, acc.runs)
	assert.NotEmpty(t, acc.parts)

	var events []Progress
	for len(sub) > 0 {
		events = append(events, <-sub)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, s.Makespan(), last.Makespan)
	assert.Equal(t, ValidateStageName, last.Record.Stage)
	assert.NotEmpty(t, last.RunID)
}

func TestDecompositionAndSinglePassAreBothValid(t *testing.T) {
	p := linePlant(t, 3, hoist(1), hoist(2))
	tb := physics.BuildTable(p)
	for _, decompose := range []bool{true, false} {
		cfg := testConfig()
		cfg.Decompose = decompose
		e, err := New(cfg, logger.NopLogger{})
		require.NoError(t, err)
		s, err := e.Run(context.Background(), p)
		require.NoError(t, err, "decompose=%v", decompose)
		r := validate.New(p, tb, cfg.Avoidance).Check(s)
		assert.True(t, r.OK(), "decompose=%v: %v", decompose, r.Violations)
		for _, b := range p.Batches {
			assert.Len(t, s.EntriesOf(b.ID), 3)
		}
	}
}

func TestDisjointWindowsChainComponents(t *testing.T) {
	// One fixed-length stage: the second batch can only leave the start
	// station after the first has vacated 102, so their windows never meet.
	p, err := model.NewPlant(
		[]model.Station{{ID: 101, X: 0}, {ID: 102, X: 1500}, {ID: 103, X: 4500}},
		[]model.Transporter{hoist(1)},
		[]model.TreatmentProgram{{ID: 1, Stages: []model.Stage{{MinStation: 102, MaxStation: 102, MinTime: 60, MaxTime: 60}}}},
		[]model.Batch{{ID: 1, Program: 1, StartStation: 101}, {ID: 2, Program: 1, StartStation: 101}, {ID: 3, Program: 1, StartStation: 101}},
	)
	require.NoError(t, err)
	acc := &memAccumulator{}
	e, err := New(testConfig(), logger.NopLogger{}, WithAccumulator(acc))
	require.NoError(t, err)

	s, err := e.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, acc.parts)

	tb := physics.BuildTable(p)
	r := validate.New(p, tb, e.Config().Avoidance).Check(s)
	assert.True(t, r.OK(), "%v", r.Violations)
	assert.Len(t, s.Tasks, 3)

	var stageB int
	for _, st := range s.Status {
		if st.Stage == stageb.StageName {
			stageB++
		}
	}
	assert.Equal(t, 3, stageB)

	gap := e.chainGap(p, tb)
	for i := 1; i < len(s.Tasks); i++ {
		assert.GreaterOrEqual(t, s.Tasks[i].Start, s.Tasks[i-1].End+gap)
	}
}

func TestMissingTransporterIsReported(t *testing.T) {
	h := hoist(1)
	h.MaxSink = 102
	p := linePlant(t, 1, h)
	e, err := New(testConfig(), logger.NopLogger{})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), p)
	se, ok := AsScheduleError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, KindMissing, se.Kind)
	assert.Equal(t, stageb.StageName, se.Stage)
	assert.Equal(t, KindMissing, se.Report.Kind)
	assert.NotEmpty(t, se.Report.RunID)
	assert.ErrorIs(t, err, stageb.ErrNoTransporter)
}

func TestCancelledRunIsUnknown(t *testing.T) {
	p := linePlant(t, 2)
	e, err := New(testConfig(), logger.NopLogger{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, p)
	se, ok := AsScheduleError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, KindUnknown, se.Kind)
	assert.Equal(t, "A", se.Stage)
	assert.ElementsMatch(t, []int{1, 2}, se.Report.Batches)
}

func TestPatternRunUsesStageC(t *testing.T) {
	p := linePlant(t, 2, hoist(1), hoist(2))
	cfg := testConfig().WithPatterns([]stageb.Pattern{{Transporter: 2, Stages: []int{1, 2}}})
	e, err := New(cfg, logger.NopLogger{})
	require.NoError(t, err)
	s, err := e.Run(context.Background(), p)
	require.NoError(t, err)
	for _, task := range s.Tasks {
		assert.Equal(t, 2, task.Transporter)
	}
	var stages []string
	for _, st := range s.Status {
		stages = append(stages, st.Stage)
	}
	assert.Contains(t, stages, stageb.PatternStageName)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.BatchWindowMargin = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.StageB.Workers = -2
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg.WithPatterns([]stageb.Pattern{{Transporter: 1, Stages: []int{1}}, {Transporter: 2, Stages: []int{1}}})
	assert.ErrorIs(t, bad.Validate(), stageb.ErrInvalidPattern)
	_, err := New(bad, logger.NopLogger{})
	assert.Error(t, err)
}

func TestConfigIsCopied(t *testing.T) {
	ps := []stageb.Pattern{{Transporter: 1, Stages: []int{1, 2}}}
	e, err := New(testConfig().WithPatterns(ps), logger.NopLogger{})
	require.NoError(t, err)
	ps[0].Transporter = 9
	assert.Equal(t, 1, e.Config().Patterns[0].Transporter)
}

func TestDecodePatterns(t *testing.T) {
	data := "patterns:\n  - transporter: 1\n    stages: [3, 4, 1, 2]\n  - transporter: 2\n    stages: [5]\n"
	ps, err := DecodePatterns(bytes.NewBufferString(data), "yaml")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, []int{3, 4, 1, 2}, ps[0].Stages)

	ps, err = DecodePatterns(bytes.NewBufferString(`{"patterns":[{"transporter":1,"stages":[1]}]}`), "json")
	require.NoError(t, err)
	assert.Equal(t, 1, ps[0].Transporter)

	_, err = DecodePatterns(bytes.NewBufferString(`{"patterns":[{"transporter":1,"stages":[]}]}`), "json")
	assert.ErrorIs(t, err, stageb.ErrInvalidPattern)

	_, err = DecodePatterns(bytes.NewBufferString(""), "toml")
	assert.Error(t, err)
}

func TestLoadPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yml")
	require.NoError(t, os.WriteFile(path, []byte("patterns:\n  - transporter: 3\n    stages: [1, 2]\n"), 0o600))
	ps, err := LoadPatterns(path)
	require.NoError(t, err)
	assert.Equal(t, []stageb.Pattern{{Transporter: 3, Stages: []int{1, 2}}}, ps)

	_, err = LoadPatterns(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestScheduleErrorMessage(t *testing.T) {
	se := newError("run", KindViolation, ValidateStageName, 0, []int{1}, assert.AnError)
	se.Report.Violations = []validate.Violation{{Kind: validate.KindStation, Message: "too close"}}
	assert.Contains(t, se.Error(), "violation")
	assert.Contains(t, se.Error(), "station: too close")
	assert.ErrorIs(t, se, assert.AnError)
}

func TestRunIDOption(t *testing.T) {
	p := linePlant(t, 1)
	bus := eventbus.New[Progress](16)
	sub := bus.Subscribe()
	acc := &memAccumulator{}
	e, err := New(testConfig(), logger.NopLogger{}, WithProgress(bus), WithAccumulator(acc), WithRunID("fixed"))
	require.NoError(t, err)
	_, err = e.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"fixed"}, acc.runs)
	ev := <-sub
	assert.Equal(t, "fixed", ev.RunID)
}
