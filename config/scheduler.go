package config

import (
	"fmt"
	"time"

	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/core/solver"
)

// SolverConfig bounds one optimizer stage.
type SolverConfig struct {
	TimeLimitSeconds float64 `json:"time_limit_seconds"`
	Workers          int     `json:"workers"`
	NodeLimit        int64   `json:"node_limit"`
	Polish           bool    `json:"polish"`
}

// Params converts the section into backend parameters.
func (c SolverConfig) Params() solver.Params {
	return solver.Params{
		TimeLimit: time.Duration(c.TimeLimitSeconds * float64(time.Second)),
		Workers:   c.Workers,
		NodeLimit: c.NodeLimit,
		Polish:    c.Polish,
	}
}

// SchedulerConfig holds the engine options.
type SchedulerConfig struct {
	StageA SolverConfig `json:"stage_a"`
	StageB SolverConfig `json:"stage_b"`
	StageC SolverConfig `json:"stage_c"`

	SameGroup     bool  `json:"same_group"`
	SameGroupHard bool  `json:"same_group_hard"`
	GroupPenalty  int64 `json:"group_penalty"`

	Decompose               bool  `json:"decompose"`
	BatchWindowMargin       int64 `json:"batch_window_margin"`
	TransporterWindowMargin int64 `json:"transporter_window_margin"`

	AvoidTimeMargin     int64   `json:"avoid_time_margin"`
	AvoidMarginPerMeter float64 `json:"avoid_margin_per_meter"`

	MakespanWeight int64 `json:"makespan_weight"`
	GapWeight      int64 `json:"gap_weight"`

	// PatternFile enables the cyclic pattern stage.
	PatternFile string `json:"pattern_file"`
}

// DefaultScheduler mirrors scheduler.DefaultConfig.
func DefaultScheduler() SchedulerConfig {
	d := scheduler.DefaultConfig()
	stage := SolverConfig{TimeLimitSeconds: d.StageA.TimeLimit.Seconds(), Workers: d.StageA.Workers, Polish: d.StageA.Polish}
	return SchedulerConfig{
		StageA: stage, StageB: stage, StageC: stage,
		SameGroup:       d.SameGroup,
		GroupPenalty:    d.GroupPenalty,
		Decompose:       d.Decompose,
		AvoidTimeMargin: d.Avoidance.Margin,
		MakespanWeight:  d.MakespanWeight,
		GapWeight:       d.GapWeight,
	}
}

// SetDefaults gives every stage at least one worker.
func (c *SchedulerConfig) SetDefaults() {
	for _, s := range []*SolverConfig{&c.StageA, &c.StageB, &c.StageC} {
		if s.Workers == 0 {
			s.Workers = 1
		}
	}
}

// Validate checks value ranges through the engine configuration.
func (c SchedulerConfig) Validate() error {
	for name, s := range map[string]SolverConfig{"stage_a": c.StageA, "stage_b": c.StageB, "stage_c": c.StageC} {
		if s.TimeLimitSeconds < 0 {
			return fmt.Errorf("%s.time_limit_seconds must not be negative", name)
		}
	}
	return c.engineConfig().Validate()
}

// EngineConfig builds the immutable engine configuration and loads the
// pattern file when set.
func (c SchedulerConfig) EngineConfig() (scheduler.Config, error) {
	cfg := c.engineConfig()
	if c.PatternFile != "" {
		ps, err := scheduler.LoadPatterns(c.PatternFile)
		if err != nil {
			return cfg, fmt.Errorf("pattern file: %w", err)
		}
		cfg = cfg.WithPatterns(ps)
	}
	return cfg, cfg.Validate()
}

func (c SchedulerConfig) engineConfig() scheduler.Config {
	return scheduler.Config{
		StageA:                  c.StageA.Params(),
		StageB:                  c.StageB.Params(),
		StageC:                  c.StageC.Params(),
		SameGroup:               c.SameGroup,
		SameGroupHard:           c.SameGroupHard,
		GroupPenalty:            c.GroupPenalty,
		Decompose:               c.Decompose,
		BatchWindowMargin:       c.BatchWindowMargin,
		TransporterWindowMargin: c.TransporterWindowMargin,
		Avoidance:               physics.Avoidance{Margin: c.AvoidTimeMargin, PerMeter: c.AvoidMarginPerMeter},
		MakespanWeight:          c.MakespanWeight,
		GapWeight:               c.GapWeight,
	}
}
