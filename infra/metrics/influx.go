package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
	"github.com/kilianp07/hoistsched/infra/logger"
)

// InfluxSink writes solver and run events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
	// tags are added to every point, e.g. the plant line.
	tags map[string]string
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// SetTags adds constant tags to every written point.
func (s *InfluxSink) SetTags(tags map[string]string) { s.tags = tags }

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

// RecordSolve writes one stage_solve point.
func (s *InfluxSink) RecordSolve(ev coremetrics.SolveEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, s.tagged(solvePoint(ev)))
}

// RecordRun writes one schedule_run point.
func (s *InfluxSink) RecordRun(ev coremetrics.RunEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, s.tagged(runPoint(ev)))
}

func (s *InfluxSink) tagged(p *write.Point) *write.Point {
	for k, v := range s.tags {
		p.AddTag(k, v)
	}
	return p
}

func solvePoint(ev coremetrics.SolveEvent) *write.Point {
	return write.NewPointWithMeasurement("stage_solve").
		AddTag("run_id", ev.RunID).
		AddTag("stage", ev.Stage).
		AddTag("component", strconv.Itoa(ev.Component)).
		AddTag("status", ev.Status).
		AddField("batches", ev.Batches).
		AddField("objective", ev.Objective).
		AddField("bound", ev.Bound).
		AddField("wall_ms", ev.WallTime.Milliseconds()).
		SetTime(ev.Time)
}

func runPoint(ev coremetrics.RunEvent) *write.Point {
	return write.NewPointWithMeasurement("schedule_run").
		AddTag("run_id", ev.RunID).
		AddTag("outcome", ev.Outcome).
		AddField("batches", ev.Batches).
		AddField("makespan", ev.Makespan).
		AddField("wall_ms", ev.WallTime.Milliseconds()).
		SetTime(ev.Time)
}
