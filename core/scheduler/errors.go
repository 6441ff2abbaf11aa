package scheduler

import (
	"errors"
	"fmt"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/stageb"
	"github.com/kilianp07/hoistsched/core/validate"
)

// Kind classifies fatal scheduling outcomes.
type Kind string

const (
	KindInfeasible Kind = "infeasible"
	KindUnknown    Kind = "unknown"
	KindViolation  Kind = "violation"
	KindMissing    Kind = "missing_data"
)

// ConflictReport is the machine-readable description of a failed run.
type ConflictReport struct {
	RunID      string               `json:"run_id"`
	Kind       Kind                 `json:"kind"`
	Stage      string               `json:"stage"`
	Component  int                  `json:"component"`
	Batches    []int                `json:"batches"`
	Reason     string               `json:"reason"`
	Violations []validate.Violation `json:"violations,omitempty"`
}

// ScheduleError is returned by Engine.Run for every fatal outcome.
type ScheduleError struct {
	Kind      Kind
	Stage     string
	Component int
	Report    ConflictReport
	Err       error
}

func (e *ScheduleError) Error() string {
	msg := fmt.Sprintf("stage %s component %d: %s: %s", e.Stage, e.Component, e.Kind, e.Report.Reason)
	if len(e.Report.Violations) > 0 {
		msg += fmt.Sprintf(" (%d violations, first: %s)", len(e.Report.Violations), e.Report.Violations[0])
	}
	return msg
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// AsScheduleError extracts a *ScheduleError from err.
func AsScheduleError(err error) (*ScheduleError, bool) {
	var se *ScheduleError
	ok := errors.As(err, &se)
	return se, ok
}

func newError(runID string, kind Kind, stage string, comp int, batches []int, err error) *ScheduleError {
	return &ScheduleError{
		Kind: kind, Stage: stage, Component: comp, Err: err,
		Report: ConflictReport{
			RunID: runID, Kind: kind, Stage: stage, Component: comp,
			Batches: append([]int(nil), batches...), Reason: err.Error(),
		},
	}
}

// statusError maps an unsolved stage status to its error kind.
func statusError(runID string, st model.StageStatus, batches []int) *ScheduleError {
	kind := KindUnknown
	reason := fmt.Errorf("no solution found within the time limit")
	if st.Status == model.StatusInfeasible {
		kind = KindInfeasible
		reason = fmt.Errorf("model proven infeasible")
	}
	return newError(runID, kind, st.Stage, st.Component, batches, reason)
}

// isMissing reports whether err comes from absent reference data.
func isMissing(err error) bool {
	for _, target := range []error{
		physics.ErrMissingDuration,
		model.ErrUnknownStation,
		model.ErrUnknownTransporter,
		model.ErrUnknownProgram,
		model.ErrInvalidPlant,
		stageb.ErrNoTransporter,
		stageb.ErrMissingPlan,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func violationBatches(vs []validate.Violation) []int {
	seen := make(map[int]bool)
	var out []int
	for _, v := range vs {
		for _, b := range v.Batches {
			if !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out
}
