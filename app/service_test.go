package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/hoistsched/config"
	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
	coremon "github.com/kilianp07/hoistsched/core/monitoring"
	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/infra/store"
	"github.com/kilianp07/hoistsched/internal/eventbus"
	"github.com/kilianp07/hoistsched/pkg/export"
)

type captureSink struct {
	mu     sync.Mutex
	solves []coremetrics.SolveEvent
	runs   []coremetrics.RunEvent
}

func (c *captureSink) RecordSolve(ev coremetrics.SolveEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.solves = append(c.solves, ev)
	return nil
}

func (c *captureSink) RecordRun(ev coremetrics.RunEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, ev)
	return nil
}

type fakePublisher struct {
	mu           sync.Mutex
	progress     []scheduler.Progress
	conflicts    []scheduler.ConflictReport
	disconnected bool
}

func (f *fakePublisher) Forward(ctx context.Context, bus *eventbus.Bus[scheduler.Progress]) func() {
	return bus.Forward(ctx, func(p scheduler.Progress) {
		f.mu.Lock()
		f.progress = append(f.progress, p)
		f.mu.Unlock()
	})
}

func (f *fakePublisher) PublishConflict(r scheduler.ConflictReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = append(f.conflicts, r)
	return nil
}

func (f *fakePublisher) Disconnect() { f.disconnected = true }

func hoist(maxSink int) model.Transporter {
	return model.Transporter{
		ID: 1, MaxSpeed: 1000, AccelTime: 2, DecelTime: 2,
		VerticalTravel: 2000, SlowZoneDry: 200, SlowZoneWet: 400, SlowZoneEnd: 100,
		SlowSpeed: 100, FastSpeed: 500,
		MinLift: 101, MaxLift: 103, MinSink: 101, MaxSink: maxSink,
	}
}

func plant(t *testing.T, h model.Transporter) *model.Plant {
	t.Helper()
	p, err := model.NewPlant(
		[]model.Station{{ID: 101}, {ID: 102, X: 1500}, {ID: 103, X: 4500}},
		[]model.Transporter{h},
		[]model.TreatmentProgram{{ID: 1, Stages: []model.Stage{
			{MinStation: 102, MaxStation: 102, MinTime: 60, MaxTime: 90},
			{MinStation: 103, MaxStation: 103, MinTime: 60, MaxTime: 90},
		}}},
		[]model.Batch{{ID: 1, Program: 1, StartStation: 101}, {ID: 2, Program: 1, StartStation: 101}},
	)
	require.NoError(t, err)
	return p
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	for _, s := range []*config.SolverConfig{&cfg.Scheduler.StageA, &cfg.Scheduler.StageB, &cfg.Scheduler.StageC} {
		s.TimeLimitSeconds = 10
	}
	cfg.Output.Dir = t.TempDir()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return &cfg
}

func newService(t *testing.T, cfg *config.Config, opts ...Option) (*Service, *captureSink, *fakePublisher) {
	t.Helper()
	sink := &captureSink{}
	pub := &fakePublisher{}
	svc, err := New(cfg, append([]Option{WithSink(sink), WithPublisher(pub)}, opts...)...)
	require.NoError(t, err)
	svc.newID = func() string { return "run-1" }
	return svc, sink, pub
}

func TestSchedulePlantWritesExports(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.RunName = "line"
	acc, err := store.NewSQLiteStore(":memory:", store.ModeOverwrite)
	require.NoError(t, err)
	svc, sink, pub := newService(t, cfg, WithStore(acc))

	out, err := svc.SchedulePlant(context.Background(), plant(t, hoist(103)))
	require.NoError(t, err)
	assert.Equal(t, "run-1", out.RunID)
	assert.Nil(t, out.Report)
	assert.Len(t, out.Schedule.Tasks, 4)

	for _, name := range []string{export.BatchFile, export.TransporterFile, export.StationFile, export.StatusFile} {
		_, err := os.Stat(filepath.Join(cfg.Output.Dir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, export.ConflictFile))
	assert.True(t, os.IsNotExist(err))

	stored, err := acc.Load(context.Background(), "line")
	require.NoError(t, err)
	assert.Len(t, stored.Tasks, 4)

	require.Len(t, sink.runs, 1)
	assert.Equal(t, coremetrics.OutcomeOK, sink.runs[0].Outcome)
	assert.Equal(t, out.Schedule.Makespan(), sink.runs[0].Makespan)
	assert.NotEmpty(t, sink.solves)
	assert.Equal(t, "A", sink.solves[0].Stage)

	require.NotEmpty(t, pub.progress)
	assert.True(t, pub.progress[len(pub.progress)-1].Final)
	assert.Empty(t, pub.conflicts)

	require.NoError(t, svc.Close())
	assert.True(t, pub.disconnected)
}

func TestSchedulePlantReportsConflict(t *testing.T) {
	cfg := testConfig(t)
	mon := &coremon.Recorder{}
	svc, sink, pub := newService(t, cfg, WithMonitor(mon))
	defer func() { _ = svc.Close() }()

	out, err := svc.SchedulePlant(context.Background(), plant(t, hoist(102)))
	require.Error(t, err)
	require.NotNil(t, out.Report)
	assert.Equal(t, scheduler.KindMissing, out.Report.Kind)
	assert.Equal(t, "run-1", out.Report.RunID)

	require.Len(t, sink.runs, 1)
	assert.Equal(t, string(scheduler.KindMissing), sink.runs[0].Outcome)
	require.Len(t, pub.conflicts, 1)
	assert.Equal(t, *out.Report, pub.conflicts[0])

	b, err := os.ReadFile(filepath.Join(cfg.Output.Dir, export.ConflictFile))
	require.NoError(t, err)
	var report scheduler.ConflictReport
	require.NoError(t, json.Unmarshal(b, &report))
	assert.Equal(t, scheduler.KindMissing, report.Kind)
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, export.BatchFile))
	assert.True(t, os.IsNotExist(err))

	caps := mon.Captures()
	require.Len(t, caps, 1)
	assert.Equal(t, "run-1", caps[0].Tags["run_id"])
	assert.Equal(t, string(scheduler.KindMissing), caps[0].Tags["kind"])
}

func TestScheduleLoadsPlantFile(t *testing.T) {
	cfg := testConfig(t)
	svc, _, _ := newService(t, cfg)
	defer func() { _ = svc.Close() }()
	out, err := svc.Schedule(context.Background(), "../infra/loader/testdata/line.yaml")
	require.NoError(t, err)
	assert.Len(t, out.Schedule.EntriesOf(1), 3)
	assert.Len(t, out.Schedule.EntriesOf(2), 3)

	_, err = svc.Schedule(context.Background(), "missing.yaml")
	assert.Error(t, err)
}

func TestNewBuildsConfiguredStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Backend = "jsonl"
	cfg.Output.Path = filepath.Join(t.TempDir(), "c.jsonl")
	svc, err := New(cfg, WithSink(coremetrics.NopSink{}))
	require.NoError(t, err)
	assert.IsType(t, &store.JSONLStore{}, svc.out)
	assert.Nil(t, svc.pub)
	require.NoError(t, svc.Close())
}
