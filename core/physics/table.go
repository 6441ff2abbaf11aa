package physics

import (
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/hoistsched/core/model"
)

// ErrMissingDuration is returned for lookups outside the computed table.
var ErrMissingDuration = errors.New("missing duration")

type stationKey struct{ transporter, station int }

type pairKey struct{ transporter, from, to int }

// Table holds the whole-second durations for every transporter, station and
// station pair of a plant.
type Table struct {
	lift     map[stationKey]int64
	sink     map[stationKey]int64
	transfer map[pairKey]int64
	task     map[pairKey]int64
	position map[int]float64
	average  int64
}

// BuildTable evaluates the physics model for every combination up front.
func BuildTable(p *model.Plant) *Table {
	n := len(p.Stations)
	tb := &Table{
		lift:     make(map[stationKey]int64, n*len(p.Transporters)),
		sink:     make(map[stationKey]int64, n*len(p.Transporters)),
		transfer: make(map[pairKey]int64, n*n*len(p.Transporters)),
		task:     make(map[pairKey]int64, n*n*len(p.Transporters)),
		position: make(map[int]float64, n),
	}
	var sum float64
	var count int
	var sumAll float64
	var countAll int
	for _, s := range p.Stations {
		tb.position[s.ID] = s.X
	}
	for _, t := range p.Transporters {
		for _, s := range p.Stations {
			k := stationKey{t.ID, s.ID}
			tb.lift[k] = Seconds(LiftTime(s, t))
			tb.sink[k] = Seconds(SinkTime(s, t))
		}
		for _, from := range p.Stations {
			for _, to := range p.Stations {
				k := pairKey{t.ID, from.ID, to.ID}
				tb.transfer[k] = Seconds(TransferTime(from, to, t))
				task := TaskTime(from, to, t)
				tb.task[k] = Seconds(task)
				if from.ID == to.ID {
					continue
				}
				sumAll += task
				countAll++
				if t.CanServe(from.ID, to.ID) {
					sum += task
					count++
				}
			}
		}
	}
	switch {
	case count > 0:
		tb.average = int64(math.Round(sum / float64(count)))
	case countAll > 0:
		tb.average = int64(math.Round(sumAll / float64(countAll)))
	}
	if tb.average < 1 {
		tb.average = 1
	}
	return tb
}

// Lift returns the lift time of transporter h at station s.
func (tb *Table) Lift(h, s int) (int64, error) {
	v, ok := tb.lift[stationKey{h, s}]
	if !ok {
		return 0, fmt.Errorf("lift transporter %d station %d: %w", h, s, ErrMissingDuration)
	}
	return v, nil
}

// Sink returns the sink time of transporter h at station s.
func (tb *Table) Sink(h, s int) (int64, error) {
	v, ok := tb.sink[stationKey{h, s}]
	if !ok {
		return 0, fmt.Errorf("sink transporter %d station %d: %w", h, s, ErrMissingDuration)
	}
	return v, nil
}

// Transfer returns the horizontal travel time between two stations.
func (tb *Table) Transfer(h, from, to int) (int64, error) {
	v, ok := tb.transfer[pairKey{h, from, to}]
	if !ok {
		return 0, fmt.Errorf("transfer transporter %d %d->%d: %w", h, from, to, ErrMissingDuration)
	}
	return v, nil
}

// Deadhead is the empty travel time between two stations. It uses the same
// horizontal profile as a loaded move.
func (tb *Table) Deadhead(h, from, to int) (int64, error) {
	return tb.Transfer(h, from, to)
}

// Task returns the lift, move and sink duration of a loaded move.
func (tb *Table) Task(h, from, to int) (int64, error) {
	v, ok := tb.task[pairKey{h, from, to}]
	if !ok {
		return 0, fmt.Errorf("task transporter %d %d->%d: %w", h, from, to, ErrMissingDuration)
	}
	return v, nil
}

// Position returns the horizontal station coordinate in mm.
func (tb *Table) Position(s int) (float64, error) {
	x, ok := tb.position[s]
	if !ok {
		return 0, fmt.Errorf("position station %d: %w", s, ErrMissingDuration)
	}
	return x, nil
}

// AverageTaskTime is the mean task duration over all served station pairs.
func (tb *Table) AverageTaskTime() int64 { return tb.average }

// ChangeTime is the minimum empty time of a station between two occupants.
func (tb *Table) ChangeTime() int64 { return 2 * tb.average }

// MaxDeadhead is the largest empty travel time in the table.
func (tb *Table) MaxDeadhead() int64 {
	var m int64
	for _, v := range tb.transfer {
		if v > m {
			m = v
		}
	}
	return m
}
