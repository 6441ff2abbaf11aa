package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/infra/logger"
	"github.com/kilianp07/hoistsched/internal/eventbus"
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

func TestRecordConvertsProgress(t *testing.T) {
	sink := &captureSink{}
	now := time.Now()
	p := scheduler.Progress{RunID: "r1", Record: model.StageStatus{
		Stage: "A", Batches: 4, Status: model.StatusOptimal, Objective: 100, Bound: 100, WallTime: time.Second,
	}}
	require.NoError(t, Record(sink, p, now))
	require.Len(t, sink.solves, 1)
	assert.Equal(t, coremetrics.SolveEvent{
		RunID: "r1", Stage: "A", Batches: 4, Status: "optimal", Objective: 100, Bound: 100, WallTime: time.Second, Time: now,
	}, sink.solves[0])

	p.Final = true
	p.Makespan = 640
	require.NoError(t, Record(sink, p, now))
	require.Len(t, sink.runs, 1)
	assert.Equal(t, int64(640), sink.runs[0].Makespan)
	assert.Equal(t, coremetrics.OutcomeOK, sink.runs[0].Outcome)

	assert.NoError(t, Record(coremetrics.NewMultiSink(), p, now))
}

func TestStartProgressCollector(t *testing.T) {
	bus := eventbus.New[scheduler.Progress](4)
	sink := &captureSink{}
	wait := StartProgressCollector(context.Background(), bus, sink, logger.NopLogger{})
	bus.Publish(scheduler.Progress{RunID: "r1", Record: model.StageStatus{Stage: "B", Status: model.StatusFeasible}})
	bus.Publish(scheduler.Progress{RunID: "r1", Final: true, Makespan: 10})
	bus.Close()
	wait()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.solves, 1)
	assert.Len(t, sink.runs, 1)

	StartProgressCollector(context.Background(), nil, sink, logger.NopLogger{})()
}
