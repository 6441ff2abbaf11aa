package model

import (
	"errors"
	"fmt"
	"sort"
)

// StationType selects the vertical slow-zone length used when a transporter
// lifts from or sinks into the station.
type StationType int

const (
	StationDry StationType = iota
	StationWet
)

func (t StationType) String() string {
	switch t {
	case StationDry:
		return "dry"
	case StationWet:
		return "wet"
	default:
		return "unknown"
	}
}

// ParseStationType converts "dry"/"wet" into a StationType.
func ParseStationType(s string) (StationType, error) {
	switch s {
	case "dry", "":
		return StationDry, nil
	case "wet":
		return StationWet, nil
	default:
		return StationDry, fmt.Errorf("unknown station type %q", s)
	}
}

// Station is a treatment position on the line. Positions are in millimetres
// and delays in seconds.
type Station struct {
	ID           int         `json:"id"`
	Group        int         `json:"group"`
	X            float64     `json:"x"`
	Type         StationType `json:"type"`
	DeviceDelay  float64     `json:"device_delay"`
	DroppingTime float64     `json:"dropping_time"`
}

// Transporter is a hoist serving a contiguous part of the line.
type Transporter struct {
	ID int `json:"id"`

	// Horizontal kinematics: mm/s and seconds.
	MaxSpeed  float64 `json:"max_speed"`
	AccelTime float64 `json:"accel_time"`
	DecelTime float64 `json:"decel_time"`

	// Vertical kinematics: mm and mm/s.
	VerticalTravel float64 `json:"vertical_travel"`
	SlowZoneDry    float64 `json:"slow_zone_dry"`
	SlowZoneWet    float64 `json:"slow_zone_wet"`
	SlowZoneEnd    float64 `json:"slow_zone_end"`
	SlowSpeed      float64 `json:"slow_speed"`
	FastSpeed      float64 `json:"fast_speed"`

	// Operating envelope expressed as station ids.
	MinLift int `json:"min_lift"`
	MaxLift int `json:"max_lift"`
	MinSink int `json:"min_sink"`
	MaxSink int `json:"max_sink"`

	AvoidDistance float64 `json:"avoid_distance"`
}

// CanServe reports whether the transporter may lift at from and sink at to.
func (t Transporter) CanServe(from, to int) bool {
	return from >= t.MinLift && from <= t.MaxLift && to >= t.MinSink && to <= t.MaxSink
}

// Stage is one treatment step. Times are in seconds.
type Stage struct {
	MinStation int   `json:"min_station"`
	MaxStation int   `json:"max_station"`
	MinTime    int64 `json:"min_time"`
	MaxTime    int64 `json:"max_time"`
}

// TreatmentProgram lists the real stages of a program. Stage numbering used
// throughout the engine is 1-based; stage 0 is the virtual start stage.
type TreatmentProgram struct {
	ID     int     `json:"id"`
	Stages []Stage `json:"stages"`
}

// Stage returns the stage with the given 1-based number.
func (p TreatmentProgram) Stage(n int) Stage { return p.Stages[n-1] }

// Batch is a unit of product moving through the line.
type Batch struct {
	ID           int `json:"id"`
	Program      int `json:"program"`
	StartStation int `json:"start_station"`
}

var (
	ErrUnknownStation     = errors.New("unknown station")
	ErrUnknownTransporter = errors.New("unknown transporter")
	ErrUnknownProgram     = errors.New("unknown program")
	ErrInvalidPlant       = errors.New("invalid plant data")
)

// Plant bundles the read-only reference tables of one run.
type Plant struct {
	Stations     []Station
	Transporters []Transporter
	Programs     []TreatmentProgram
	Batches      []Batch

	stationIdx     map[int]int
	transporterIdx map[int]int
	programIdx     map[int]int
}

// NewPlant indexes and validates the reference tables.
func NewPlant(stations []Station, transporters []Transporter, programs []TreatmentProgram, batches []Batch) (*Plant, error) {
	p := &Plant{
		Stations:       append([]Station(nil), stations...),
		Transporters:   append([]Transporter(nil), transporters...),
		Programs:       append([]TreatmentProgram(nil), programs...),
		Batches:        append([]Batch(nil), batches...),
		stationIdx:     make(map[int]int, len(stations)),
		transporterIdx: make(map[int]int, len(transporters)),
		programIdx:     make(map[int]int, len(programs)),
	}
	sort.Slice(p.Stations, func(i, j int) bool { return p.Stations[i].ID < p.Stations[j].ID })
	for i, s := range p.Stations {
		if _, dup := p.stationIdx[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate station %d", ErrInvalidPlant, s.ID)
		}
		p.stationIdx[s.ID] = i
	}
	for i, t := range p.Transporters {
		if _, dup := p.transporterIdx[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate transporter %d", ErrInvalidPlant, t.ID)
		}
		p.transporterIdx[t.ID] = i
	}
	for i, pr := range p.Programs {
		if _, dup := p.programIdx[pr.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate program %d", ErrInvalidPlant, pr.ID)
		}
		p.programIdx[pr.ID] = i
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks cross references and value ranges.
func (p *Plant) Validate() error {
	if len(p.Stations) == 0 {
		return fmt.Errorf("%w: no stations", ErrInvalidPlant)
	}
	if len(p.Transporters) == 0 {
		return fmt.Errorf("%w: no transporters", ErrInvalidPlant)
	}
	for _, t := range p.Transporters {
		if t.MaxSpeed <= 0 || t.SlowSpeed <= 0 || t.FastSpeed <= 0 {
			return fmt.Errorf("%w: transporter %d has non-positive speed", ErrInvalidPlant, t.ID)
		}
		if t.AccelTime < 0 || t.DecelTime < 0 || t.VerticalTravel < 0 || t.AvoidDistance < 0 {
			return fmt.Errorf("%w: transporter %d has negative kinematics", ErrInvalidPlant, t.ID)
		}
	}
	seenBatch := make(map[int]bool, len(p.Batches))
	for _, b := range p.Batches {
		if seenBatch[b.ID] {
			return fmt.Errorf("%w: duplicate batch %d", ErrInvalidPlant, b.ID)
		}
		seenBatch[b.ID] = true
		if _, ok := p.stationIdx[b.StartStation]; !ok {
			return fmt.Errorf("batch %d start station %d: %w", b.ID, b.StartStation, ErrUnknownStation)
		}
		if _, ok := p.programIdx[b.Program]; !ok {
			return fmt.Errorf("batch %d program %d: %w", b.ID, b.Program, ErrUnknownProgram)
		}
	}
	for _, pr := range p.Programs {
		if len(pr.Stages) == 0 {
			return fmt.Errorf("%w: program %d has no stages", ErrInvalidPlant, pr.ID)
		}
		for i, st := range pr.Stages {
			if st.MinStation > st.MaxStation {
				return fmt.Errorf("%w: program %d stage %d has empty station range", ErrInvalidPlant, pr.ID, i+1)
			}
			if st.MinTime < 0 || st.MinTime > st.MaxTime {
				return fmt.Errorf("%w: program %d stage %d has invalid time window [%d,%d]", ErrInvalidPlant, pr.ID, i+1, st.MinTime, st.MaxTime)
			}
			if len(p.StationsInRange(st.MinStation, st.MaxStation)) == 0 {
				return fmt.Errorf("program %d stage %d range [%d,%d]: %w", pr.ID, i+1, st.MinStation, st.MaxStation, ErrUnknownStation)
			}
		}
	}
	return nil
}

// Station returns the station with the given id.
func (p *Plant) Station(id int) (Station, error) {
	i, ok := p.stationIdx[id]
	if !ok {
		return Station{}, fmt.Errorf("station %d: %w", id, ErrUnknownStation)
	}
	return p.Stations[i], nil
}

// Transporter returns the transporter with the given id.
func (p *Plant) Transporter(id int) (Transporter, error) {
	i, ok := p.transporterIdx[id]
	if !ok {
		return Transporter{}, fmt.Errorf("transporter %d: %w", id, ErrUnknownTransporter)
	}
	return p.Transporters[i], nil
}

// Program returns the treatment program with the given id.
func (p *Plant) Program(id int) (TreatmentProgram, error) {
	i, ok := p.programIdx[id]
	if !ok {
		return TreatmentProgram{}, fmt.Errorf("program %d: %w", id, ErrUnknownProgram)
	}
	return p.Programs[i], nil
}

// ProgramOf returns the program of the batch. The plant was validated so the
// lookup cannot fail for batches it holds.
func (p *Plant) ProgramOf(b Batch) TreatmentProgram {
	return p.Programs[p.programIdx[b.Program]]
}

// StationsInRange returns the ids of existing stations within [lo, hi], sorted.
func (p *Plant) StationsInRange(lo, hi int) []int {
	var ids []int
	for _, s := range p.Stations {
		if s.ID >= lo && s.ID <= hi {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// EligibleTransporters returns the transporters able to move a batch from
// station from to station to, in table order.
func (p *Plant) EligibleTransporters(from, to int) []Transporter {
	var out []Transporter
	for _, t := range p.Transporters {
		if t.CanServe(from, to) {
			out = append(out, t)
		}
	}
	return out
}
