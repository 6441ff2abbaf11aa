// Package validate re-derives the schedule invariants from realized
// timestamps only. It does not trust any solver state.
package validate

import (
	"fmt"
	"sort"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/physics"
)

// Violation kinds.
const (
	KindSequence     = "sequence"
	KindDuration     = "duration"
	KindTaskDuration = "task_duration"
	KindTaskLink     = "task_link"
	KindEnvelope     = "envelope"
	KindStation      = "station"
	KindTransporter  = "transporter"
	KindAvoidance    = "avoidance"
	KindMissing      = "missing_data"
)

// Violation is one broken invariant. Shortfall is the number of seconds
// missing to satisfy it.
type Violation struct {
	Kind         string `json:"kind"`
	Batches      []int  `json:"batches"`
	Stages       []int  `json:"stages"`
	Transporters []int  `json:"transporters,omitempty"`
	Station      int    `json:"station,omitempty"`
	Shortfall    int64  `json:"shortfall"`
	Message      string `json:"message"`
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Kind, v.Message) }

// Report lists every violation found.
type Report struct {
	Violations []Violation `json:"violations"`
}

// OK reports whether the schedule passed.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// First returns the first violation.
func (r Report) First() (Violation, bool) {
	if len(r.Violations) == 0 {
		return Violation{}, false
	}
	return r.Violations[0], true
}

func (r *Report) add(v Violation) { r.Violations = append(r.Violations, v) }

// Validator checks schedules of one plant.
type Validator struct {
	plant     *model.Plant
	table     *physics.Table
	avoidance physics.Avoidance
}

// New returns a Validator using the same avoidance rule as the optimizer.
func New(p *model.Plant, tb *physics.Table, avoid physics.Avoidance) *Validator {
	return &Validator{plant: p, table: tb, avoidance: avoid}
}

// Check runs every invariant over the schedule.
func (v *Validator) Check(s model.Schedule) Report {
	var r Report
	v.checkBatches(s, &r)
	v.checkTasks(s, &r)
	v.checkStations(s, &r)
	v.checkTransporters(s, &r)
	v.checkAvoidance(s, &r)
	return r
}

func (v *Validator) checkBatches(s model.Schedule, r *Report) {
	byBatch := make(map[int][]model.ScheduleEntry)
	for _, e := range s.Entries {
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e)
	}
	for _, b := range v.plant.Batches {
		es := byBatch[b.ID]
		if len(es) == 0 {
			continue
		}
		sort.Slice(es, func(i, j int) bool { return es[i].Stage < es[j].Stage })
		prog := v.plant.ProgramOf(b)
		for i, e := range es {
			if e.Stage >= 1 && e.Stage <= len(prog.Stages) {
				st := prog.Stage(e.Stage)
				if d := e.Duration(); d < st.MinTime || d > st.MaxTime {
					short := st.MinTime - d
					if d > st.MaxTime {
						short = d - st.MaxTime
					}
					r.add(Violation{
						Kind: KindDuration, Batches: []int{b.ID}, Stages: []int{e.Stage}, Station: e.Station,
						Shortfall: short,
						Message:   fmt.Sprintf("batch %d stage %d lasts %ds outside [%d,%d]", b.ID, e.Stage, d, st.MinTime, st.MaxTime),
					})
				}
			}
			if i == 0 {
				continue
			}
			prev := es[i-1]
			if e.Stage != prev.Stage+1 {
				r.add(Violation{
					Kind: KindSequence, Batches: []int{b.ID}, Stages: []int{prev.Stage, e.Stage},
					Message: fmt.Sprintf("batch %d skips from stage %d to %d", b.ID, prev.Stage, e.Stage),
				})
			}
			if e.Entry < prev.Exit {
				r.add(Violation{
					Kind: KindSequence, Batches: []int{b.ID}, Stages: []int{prev.Stage, e.Stage},
					Shortfall: prev.Exit - e.Entry,
					Message:   fmt.Sprintf("batch %d enters stage %d at %d before leaving stage %d at %d", b.ID, e.Stage, e.Entry, prev.Stage, prev.Exit),
				})
			}
		}
	}
}

// checkTasks verifies durations, envelopes and that every task connects the
// exit of one stage to the entry of the next.
func (v *Validator) checkTasks(s model.Schedule, r *Report) {
	for _, t := range s.Tasks {
		h, err := v.plant.Transporter(t.Transporter)
		if err != nil {
			r.add(Violation{Kind: KindMissing, Batches: []int{t.BatchID}, Stages: []int{t.Stage}, Transporters: []int{t.Transporter}, Message: err.Error()})
			continue
		}
		if !h.CanServe(t.From, t.To) {
			r.add(Violation{
				Kind: KindEnvelope, Batches: []int{t.BatchID}, Stages: []int{t.Stage}, Transporters: []int{h.ID},
				Message: fmt.Sprintf("transporter %d cannot move %d->%d", h.ID, t.From, t.To),
			})
		}
		want, err := v.table.Task(h.ID, t.From, t.To)
		if err != nil {
			r.add(Violation{Kind: KindMissing, Batches: []int{t.BatchID}, Stages: []int{t.Stage}, Transporters: []int{h.ID}, Message: err.Error()})
			continue
		}
		if got := t.Duration(); got != want {
			r.add(Violation{
				Kind: KindTaskDuration, Batches: []int{t.BatchID}, Stages: []int{t.Stage}, Transporters: []int{h.ID},
				Shortfall: abs(want - got),
				Message:   fmt.Sprintf("task batch %d stage %d takes %ds, physics gives %ds", t.BatchID, t.Stage, got, want),
			})
		}
		prev, okPrev := s.Entry(t.BatchID, t.Stage-1)
		next, okNext := s.Entry(t.BatchID, t.Stage)
		if !okPrev || !okNext {
			r.add(Violation{
				Kind: KindTaskLink, Batches: []int{t.BatchID}, Stages: []int{t.Stage},
				Message: fmt.Sprintf("task batch %d stage %d has no matching stage entries", t.BatchID, t.Stage),
			})
			continue
		}
		if prev.Exit != t.Start || next.Entry != t.End || prev.Station != t.From || next.Station != t.To {
			r.add(Violation{
				Kind: KindTaskLink, Batches: []int{t.BatchID}, Stages: []int{t.Stage - 1, t.Stage}, Transporters: []int{h.ID},
				Shortfall: abs(prev.Exit-t.Start) + abs(next.Entry-t.End),
				Message:   fmt.Sprintf("task batch %d stage %d does not connect stage exit and entry", t.BatchID, t.Stage),
			})
		}
	}
}

func (v *Validator) checkStations(s model.Schedule, r *Report) {
	change := v.table.ChangeTime()
	byStation := make(map[int][]model.ScheduleEntry)
	for _, e := range s.Entries {
		if e.Stage == 0 {
			continue
		}
		byStation[e.Station] = append(byStation[e.Station], e)
	}
	for _, station := range sortedKeys(byStation) {
		es := byStation[station]
		sort.Slice(es, func(i, j int) bool { return es[i].Entry < es[j].Entry })
		for i := 0; i < len(es); i++ {
			for j := i + 1; j < len(es); j++ {
				a, b := es[i], es[j]
				if a.BatchID == b.BatchID {
					continue
				}
				if gap := b.Entry - a.Exit; gap < change {
					r.add(Violation{
						Kind: KindStation, Batches: []int{a.BatchID, b.BatchID}, Stages: []int{a.Stage, b.Stage}, Station: station,
						Shortfall: change - gap,
						Message: fmt.Sprintf("station %d: batch %d enters at %d, %ds after batch %d left at %d (change time %ds)",
							station, b.BatchID, b.Entry, gap, a.BatchID, a.Exit, change),
					})
				}
			}
		}
	}
}

func (v *Validator) checkTransporters(s model.Schedule, r *Report) {
	byHost := make(map[int][]model.TransporterTask)
	for _, t := range s.Tasks {
		byHost[t.Transporter] = append(byHost[t.Transporter], t)
	}
	for _, h := range sortedKeys(byHost) {
		ts := byHost[h]
		sortTasks(ts)
		for i := 0; i < len(ts); i++ {
			for j := i + 1; j < len(ts); j++ {
				a, b := ts[i], ts[j]
				dh, err := v.table.Deadhead(h, a.To, b.From)
				if err != nil {
					r.add(Violation{Kind: KindMissing, Batches: []int{a.BatchID, b.BatchID}, Transporters: []int{h}, Message: err.Error()})
					continue
				}
				if gap := b.Start - a.End; gap < dh {
					r.add(Violation{
						Kind: KindTransporter, Batches: []int{a.BatchID, b.BatchID}, Stages: []int{a.Stage, b.Stage}, Transporters: []int{h},
						Shortfall: dh - gap,
						Message: fmt.Sprintf("transporter %d starts batch %d stage %d at %d, %ds after finishing batch %d stage %d (deadhead %ds)",
							h, b.BatchID, b.Stage, b.Start, gap, a.BatchID, a.Stage, dh),
					})
				}
			}
		}
	}
}

func (v *Validator) checkAvoidance(s model.Schedule, r *Report) {
	ts := append([]model.TransporterTask(nil), s.Tasks...)
	sortTasks(ts)
	for i := 0; i < len(ts); i++ {
		for j := i + 1; j < len(ts); j++ {
			a, b := ts[i], ts[j]
			if a.Transporter == b.Transporter {
				continue
			}
			ha, errA := v.plant.Transporter(a.Transporter)
			hb, errB := v.plant.Transporter(b.Transporter)
			if errA != nil || errB != nil {
				continue
			}
			sa, errA := v.span(a)
			sb, errB := v.span(b)
			if errA != nil || errB != nil {
				r.add(Violation{Kind: KindMissing, Batches: []int{a.BatchID, b.BatchID}, Transporters: []int{ha.ID, hb.ID}, Message: "missing station position"})
				continue
			}
			need, ok := v.avoidance.Required(sa, sb, ha.AvoidDistance, hb.AvoidDistance)
			if !ok {
				continue
			}
			if gap := b.Start - a.End; gap < need {
				r.add(Violation{
					Kind: KindAvoidance, Batches: []int{a.BatchID, b.BatchID}, Stages: []int{a.Stage, b.Stage}, Transporters: []int{ha.ID, hb.ID},
					Shortfall: need - gap,
					Message: fmt.Sprintf("transporters %d and %d move within avoid distance: gap %ds, need %ds",
						ha.ID, hb.ID, gap, need),
				})
			}
		}
	}
}

func (v *Validator) span(t model.TransporterTask) (physics.Segment, error) {
	x1, err := v.table.Position(t.From)
	if err != nil {
		return physics.Segment{}, err
	}
	x2, err := v.table.Position(t.To)
	if err != nil {
		return physics.Segment{}, err
	}
	return physics.Span(x1, x2), nil
}

func sortTasks(ts []model.TransporterTask) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Start != ts[j].Start {
			return ts[i].Start < ts[j].Start
		}
		return ts[i].End < ts[j].End
	})
}

func sortedKeys[T any](m map[int]T) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
