// Package monitoring reports failed scheduling runs to Sentry.
package monitoring

import (
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	coremon "github.com/kilianp07/hoistsched/core/monitoring"
	"github.com/kilianp07/hoistsched/core/scheduler"
)

// Config holds the Sentry client options. An empty DSN disables reporting.
type Config struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	Release          string  `json:"release"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
}

// NewSentryMonitor initializes Sentry using the provided configuration and
// returns a Monitor implementation.
func NewSentryMonitor(cfg Config) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{}, nil
}

type sentryMonitor struct{}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	if len(tags) == 0 {
		sentry.CaptureException(err)
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func (s *sentryMonitor) Flush(timeout time.Duration) { sentry.Flush(timeout) }

// Tags describes a failed run. Scheduling errors add stage, component and
// error kind.
func Tags(runID string, err error) map[string]string {
	tags := map[string]string{"module": "scheduler", "run_id": runID}
	if se, ok := scheduler.AsScheduleError(err); ok {
		tags["stage"] = se.Stage
		tags["component"] = strconv.Itoa(se.Component)
		tags["kind"] = string(se.Kind)
	}
	return tags
}
