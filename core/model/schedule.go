package model

import (
	"sort"
	"time"
)

// ScheduleEntry is the stay of a batch at one stage. Times are seconds from
// the schedule origin. Stage 0 is the virtual start stage whose entry and exit
// both equal the batch start time.
type ScheduleEntry struct {
	BatchID     int   `json:"batch_id"`
	Program     int   `json:"program"`
	Stage       int   `json:"stage"`
	Station     int   `json:"station"`
	Transporter int   `json:"transporter"`
	Entry       int64 `json:"entry"`
	Exit        int64 `json:"exit"`
	MinTime     int64 `json:"min_time"`
	MaxTime     int64 `json:"max_time"`
}

// Duration is the realized treatment time.
func (e ScheduleEntry) Duration() int64 { return e.Exit - e.Entry }

// TransporterTask is one lift/move/sink handling of a batch. Stage is the
// stage the batch is delivered to.
type TransporterTask struct {
	BatchID     int   `json:"batch_id"`
	Stage       int   `json:"stage"`
	Transporter int   `json:"transporter"`
	From        int   `json:"from_station"`
	To          int   `json:"to_station"`
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
}

// Duration is End-Start.
func (t TransporterTask) Duration() int64 { return t.End - t.Start }

// SolveStatus mirrors the backend status of an optimizer stage.
type SolveStatus string

const (
	StatusOptimal    SolveStatus = "optimal"
	StatusFeasible   SolveStatus = "feasible"
	StatusInfeasible SolveStatus = "infeasible"
	StatusUnknown    SolveStatus = "unknown"
)

// Solved reports whether the status carries a usable solution.
func (s SolveStatus) Solved() bool { return s == StatusOptimal || s == StatusFeasible }

// StageStatus is the status record of one optimizer invocation.
type StageStatus struct {
	Stage     string        `json:"stage"`
	Component int           `json:"component"`
	Batches   int           `json:"batches"`
	Status    SolveStatus   `json:"status"`
	Objective int64         `json:"objective"`
	Bound     int64         `json:"bound"`
	WallTime  time.Duration `json:"wall_time"`
}

// Schedule is the derived result of a scheduling run.
type Schedule struct {
	Entries []ScheduleEntry   `json:"entries"`
	Tasks   []TransporterTask `json:"tasks"`
	Status  []StageStatus     `json:"status"`
}

// Makespan returns the latest exit time over all entries.
func (s Schedule) Makespan() int64 {
	var m int64
	for _, e := range s.Entries {
		if e.Exit > m {
			m = e.Exit
		}
	}
	return m
}

// Append adds the entries, tasks and status records of other.
func (s *Schedule) Append(other Schedule) {
	s.Entries = append(s.Entries, other.Entries...)
	s.Tasks = append(s.Tasks, other.Tasks...)
	s.Status = append(s.Status, other.Status...)
}

// Sort orders entries by batch and stage and tasks by start time.
func (s *Schedule) Sort() {
	sort.SliceStable(s.Entries, func(i, j int) bool {
		if s.Entries[i].BatchID != s.Entries[j].BatchID {
			return s.Entries[i].BatchID < s.Entries[j].BatchID
		}
		return s.Entries[i].Stage < s.Entries[j].Stage
	})
	sort.SliceStable(s.Tasks, func(i, j int) bool {
		if s.Tasks[i].Start != s.Tasks[j].Start {
			return s.Tasks[i].Start < s.Tasks[j].Start
		}
		return s.Tasks[i].BatchID < s.Tasks[j].BatchID
	})
}

// EntriesOf returns the entries of a batch ordered by stage.
func (s Schedule) EntriesOf(batchID int) []ScheduleEntry {
	var out []ScheduleEntry
	for _, e := range s.Entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Entry returns the entry of a batch at a stage.
func (s Schedule) Entry(batchID, stage int) (ScheduleEntry, bool) {
	for _, e := range s.Entries {
		if e.BatchID == batchID && e.Stage == stage {
			return e, true
		}
	}
	return ScheduleEntry{}, false
}
