// Package export writes schedules, status records and conflict reports as
// CSV and JSON files for reporting tools.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/scheduler"
)

// File names written by WriteAll and WriteConflicts.
const (
	BatchFile       = "batch_schedule.csv"
	TransporterFile = "transporter_schedule.csv"
	StationFile     = "station_schedule.csv"
	StatusFile      = "status.json"
	ConflictFile    = "conflicts.json"
)

func itoa(v int) string  { return strconv.Itoa(v) }
func i64(v int64) string { return strconv.FormatInt(v, 10) }

func writeRows(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteBatchCSV writes one row per batch and stage.
func WriteBatchCSV(w io.Writer, s model.Schedule) error {
	entries := append([]model.ScheduleEntry(nil), s.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].BatchID != entries[j].BatchID {
			return entries[i].BatchID < entries[j].BatchID
		}
		return entries[i].Stage < entries[j].Stage
	})
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			itoa(e.BatchID), itoa(e.Program), itoa(e.Stage), itoa(e.Transporter), itoa(e.Station),
			i64(e.Entry), i64(e.Exit), i64(e.Duration()),
		})
	}
	return writeRows(w, []string{"batch_id", "program", "stage", "transporter", "station", "entry", "exit", "duration"}, rows)
}

// WriteTransporterCSV writes one row per transporter task ordered by
// transporter and start time.
func WriteTransporterCSV(w io.Writer, s model.Schedule) error {
	tasks := append([]model.TransporterTask(nil), s.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Transporter != tasks[j].Transporter {
			return tasks[i].Transporter < tasks[j].Transporter
		}
		return tasks[i].Start < tasks[j].Start
	})
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			itoa(t.Transporter), itoa(t.BatchID), itoa(t.Stage), itoa(t.From), itoa(t.To),
			i64(t.Start), i64(t.End), i64(t.Duration()),
		})
	}
	return writeRows(w, []string{"transporter", "batch_id", "stage", "from_station", "to_station", "start", "end", "duration"}, rows)
}

// WriteStationCSV writes station occupancy ordered by station and entry.
func WriteStationCSV(w io.Writer, s model.Schedule) error {
	entries := append([]model.ScheduleEntry(nil), s.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Station != entries[j].Station {
			return entries[i].Station < entries[j].Station
		}
		return entries[i].Entry < entries[j].Entry
	})
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{itoa(e.Station), itoa(e.BatchID), itoa(e.Stage), i64(e.Entry), i64(e.Exit)})
	}
	return writeRows(w, []string{"station", "batch_id", "stage", "entry", "exit"}, rows)
}

// StatusDocument is the content of status.json.
type StatusDocument struct {
	RunID    string              `json:"run_id,omitempty"`
	Makespan int64               `json:"makespan"`
	Stages   []model.StageStatus `json:"stages"`
}

// WriteStatusJSON writes the stage status records.
func WriteStatusJSON(w io.Writer, runID string, s model.Schedule) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(StatusDocument{RunID: runID, Makespan: s.Makespan(), Stages: s.Status})
}

// WriteConflictJSON writes a conflict report.
func WriteConflictJSON(w io.Writer, r scheduler.ConflictReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteAll writes the schedule files and status.json into dir.
func WriteAll(dir, runID string, s model.Schedule) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{BatchFile, func(w io.Writer) error { return WriteBatchCSV(w, s) }},
		{TransporterFile, func(w io.Writer) error { return WriteTransporterCSV(w, s) }},
		{StationFile, func(w io.Writer) error { return WriteStationCSV(w, s) }},
		{StatusFile, func(w io.Writer) error { return WriteStatusJSON(w, runID, s) }},
	}
	for _, f := range files {
		if err := writeFile(filepath.Join(dir, f.name), f.write); err != nil {
			return err
		}
	}
	return nil
}

// WriteConflicts writes conflicts.json into dir. The status records gathered
// before the failure are written to status.json.
func WriteConflicts(dir string, r scheduler.ConflictReport, partial model.Schedule) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, ConflictFile), func(w io.Writer) error { return WriteConflictJSON(w, r) }); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, StatusFile), func(w io.Writer) error { return WriteStatusJSON(w, r.RunID, partial) })
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := write(f); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
