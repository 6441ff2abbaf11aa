package metrics

import (
	"context"
	"time"

	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/infra/logger"
	"github.com/kilianp07/hoistsched/internal/eventbus"
)

// StartProgressCollector records every engine progress event in sink until
// ctx is canceled or the bus is closed. The returned function waits for the
// collector to stop.
func StartProgressCollector(ctx context.Context, bus *eventbus.Bus[scheduler.Progress], sink coremetrics.MetricsSink, log logger.Logger) func() {
	if bus == nil || sink == nil {
		return func() {}
	}
	return bus.Forward(ctx, func(p scheduler.Progress) {
		if err := Record(sink, p, time.Now()); err != nil {
			log.Warnf("metrics: %v", err)
		}
	})
}

// Record converts one progress event. The final event of a run is recorded
// as a run summary when the sink supports it.
func Record(sink coremetrics.MetricsSink, p scheduler.Progress, now time.Time) error {
	if p.Final {
		rec, ok := sink.(coremetrics.RunRecorder)
		if !ok {
			return nil
		}
		return rec.RecordRun(coremetrics.RunEvent{
			RunID: p.RunID, Batches: p.Record.Batches, Makespan: p.Makespan,
			Outcome: coremetrics.OutcomeOK, WallTime: p.Record.WallTime, Time: now,
		})
	}
	return sink.RecordSolve(coremetrics.SolveEvent{
		RunID:     p.RunID,
		Stage:     p.Record.Stage,
		Component: p.Record.Component,
		Batches:   p.Record.Batches,
		Status:    string(p.Record.Status),
		Objective: p.Record.Objective,
		Bound:     p.Record.Bound,
		WallTime:  p.Record.WallTime,
		Time:      now,
	})
}
