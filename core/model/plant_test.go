package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransporter() Transporter {
	return Transporter{ID: 1, MaxSpeed: 1000, AccelTime: 2, DecelTime: 2, SlowSpeed: 100, FastSpeed: 500,
		MinLift: 100, MaxLift: 200, MinSink: 100, MaxSink: 200}
}

func TestNewPlantValid(t *testing.T) {
	p, err := NewPlant(
		[]Station{{ID: 102, X: 1000}, {ID: 101}, {ID: 103, X: 2000}},
		[]Transporter{testTransporter()},
		[]TreatmentProgram{{ID: 1, Stages: []Stage{{MinStation: 102, MaxStation: 103, MinTime: 60, MaxTime: 90}}}},
		[]Batch{{ID: 1, Program: 1, StartStation: 101}},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{102, 103}, p.StationsInRange(102, 103))
	assert.Equal(t, 101, p.Stations[0].ID, "stations sorted by id")
	s, err := p.Station(103)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, s.X)
	_, err = p.Station(999)
	assert.True(t, errors.Is(err, ErrUnknownStation))
	assert.Len(t, p.EligibleTransporters(101, 102), 1)
	assert.Empty(t, p.EligibleTransporters(101, 250))
}

func TestNewPlantErrors(t *testing.T) {
	st := []Station{{ID: 101}, {ID: 102}}
	tr := []Transporter{testTransporter()}
	prog := []TreatmentProgram{{ID: 1, Stages: []Stage{{MinStation: 102, MaxStation: 102, MinTime: 10, MaxTime: 20}}}}
	cases := []struct {
		name     string
		stations []Station
		trans    []Transporter
		programs []TreatmentProgram
		batches  []Batch
		want     error
	}{
		{"dup station", []Station{{ID: 1}, {ID: 1}}, tr, prog, nil, ErrInvalidPlant},
		{"unknown start", st, tr, prog, []Batch{{ID: 1, Program: 1, StartStation: 5}}, ErrUnknownStation},
		{"unknown program", st, tr, prog, []Batch{{ID: 1, Program: 9, StartStation: 101}}, ErrUnknownProgram},
		{"bad window", st, tr, []TreatmentProgram{{ID: 1, Stages: []Stage{{MinStation: 102, MaxStation: 102, MinTime: 30, MaxTime: 20}}}}, nil, ErrInvalidPlant},
		{"empty range", st, tr, []TreatmentProgram{{ID: 1, Stages: []Stage{{MinStation: 150, MaxStation: 160, MinTime: 1, MaxTime: 2}}}}, nil, ErrUnknownStation},
		{"zero speed", st, []Transporter{{ID: 1}}, prog, nil, ErrInvalidPlant},
		{"no transporters", st, nil, prog, nil, ErrInvalidPlant},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewPlant(c.stations, c.trans, c.programs, c.batches)
			require.Error(t, err)
			assert.True(t, errors.Is(err, c.want), "got %v", err)
		})
	}
}

func TestScheduleHelpers(t *testing.T) {
	s := Schedule{Entries: []ScheduleEntry{
		{BatchID: 2, Stage: 1, Entry: 50, Exit: 100},
		{BatchID: 1, Stage: 2, Entry: 10, Exit: 300},
		{BatchID: 1, Stage: 1, Entry: 0, Exit: 5},
	}}
	s.Sort()
	assert.Equal(t, int64(300), s.Makespan())
	assert.Equal(t, 1, s.Entries[0].BatchID)
	assert.Equal(t, 1, s.Entries[0].Stage)
	e, ok := s.Entry(2, 1)
	require.True(t, ok)
	assert.Equal(t, int64(50), e.Duration())
	assert.Len(t, s.EntriesOf(1), 2)
	assert.True(t, StatusFeasible.Solved())
	assert.False(t, StatusUnknown.Solved())
}
