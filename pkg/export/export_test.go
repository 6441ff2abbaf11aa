package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/core/validate"
)

func sample() model.Schedule {
	return model.Schedule{
		Entries: []model.ScheduleEntry{
			{BatchID: 2, Program: 1, Stage: 1, Station: 102, Transporter: 1, Entry: 200, Exit: 270},
			{BatchID: 1, Program: 1, Stage: 1, Station: 102, Transporter: 1, Entry: 20, Exit: 100},
			{BatchID: 1, Program: 1, Stage: 0, Station: 101, Entry: 0, Exit: 0},
		},
		Tasks: []model.TransporterTask{
			{BatchID: 2, Stage: 1, Transporter: 1, From: 101, To: 102, Start: 180, End: 200},
			{BatchID: 1, Stage: 1, Transporter: 1, From: 101, To: 102, Start: 0, End: 20},
		},
		Status: []model.StageStatus{{Stage: "A", Batches: 2, Status: model.StatusOptimal, Objective: 270, WallTime: time.Second}},
	}
}

func readCSV(t *testing.T, b []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteBatchCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBatchCSV(&buf, sample()))
	rows := readCSV(t, buf.Bytes())
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"batch_id", "program", "stage", "transporter", "station", "entry", "exit", "duration"}, rows[0])
	assert.Equal(t, []string{"1", "1", "0", "0", "101", "0", "0", "0"}, rows[1])
	assert.Equal(t, []string{"1", "1", "1", "1", "102", "20", "100", "80"}, rows[2])
	assert.Equal(t, "2", rows[3][0])
}

func TestWriteTransporterCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTransporterCSV(&buf, sample()))
	rows := readCSV(t, buf.Bytes())
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"1", "1", "1", "101", "102", "0", "20", "20"}, rows[1])
	assert.Equal(t, "180", rows[2][5])
}

func TestWriteStationCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStationCSV(&buf, sample()))
	rows := readCSV(t, buf.Bytes())
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"101", "1", "0", "0", "0"}, rows[1])
	assert.Equal(t, []string{"102", "1", "1", "20", "100"}, rows[2])
	assert.Equal(t, []string{"102", "2", "1", "200", "270"}, rows[3])
}

func TestWriteAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, WriteAll(dir, "run-1", sample()))
	for _, name := range []string{BatchFile, TransporterFile, StationFile, StatusFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	b, err := os.ReadFile(filepath.Join(dir, StatusFile))
	require.NoError(t, err)
	var doc StatusDocument
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "run-1", doc.RunID)
	assert.Equal(t, int64(270), doc.Makespan)
	require.Len(t, doc.Stages, 1)
	assert.Equal(t, model.StatusOptimal, doc.Stages[0].Status)
}

func TestWriteConflicts(t *testing.T) {
	dir := t.TempDir()
	r := scheduler.ConflictReport{
		RunID: "run-2", Kind: scheduler.KindViolation, Stage: scheduler.ValidateStageName,
		Batches: []int{1, 2}, Reason: "1 schedule invariant violations",
		Violations: []validate.Violation{{Kind: validate.KindStation, Batches: []int{1, 2}, Message: "overlap"}},
	}
	require.NoError(t, WriteConflicts(dir, r, sample()))
	b, err := os.ReadFile(filepath.Join(dir, ConflictFile))
	require.NoError(t, err)
	var got scheduler.ConflictReport
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, r.Kind, got.Kind)
	assert.Equal(t, r.Batches, got.Batches)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, "overlap", got.Violations[0].Message)
	_, err = os.Stat(filepath.Join(dir, StatusFile))
	assert.NoError(t, err)
}
