// Package loader reads plant reference data (stations, transporters,
// treatment programs and batches) from one YAML or JSON document.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/hoistsched/core/model"
)

// ErrBadDuration is returned for a duration that is not hh:mm:ss, mm:ss or
// whole seconds.
var ErrBadDuration = errors.New("invalid duration")

// Duration is a number of seconds written as "hh:mm:ss", "mm:ss", "90" or 90.
type Duration int64

// ParseDuration converts a wall-clock style duration into seconds.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadDuration)
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, s)
	}
	var total int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrBadDuration, s)
		}
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("%w: %q field out of range", ErrBadDuration, s)
		}
		total = total*60 + v
	}
	return Duration(total), nil
}

func (d *Duration) parse(raw string) error {
	v, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// UnmarshalYAML accepts integer and string scalars.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: expected scalar", ErrBadDuration, n.Line)
	}
	if err := d.parse(n.Value); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	return nil
}

// UnmarshalJSON accepts numbers and strings.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrBadDuration, b)
	}
	return d.parse(n.String())
}

// Document is the on-disk plant layout.
type Document struct {
	Stations     []StationDoc     `yaml:"stations" json:"stations"`
	Transporters []TransporterDoc `yaml:"transporters" json:"transporters"`
	Programs     []ProgramDoc     `yaml:"programs" json:"programs"`
	Batches      []BatchDoc       `yaml:"batches" json:"batches"`
}

// Fields with pointer types are required. Absent required fields fail the
// load with model.ErrInvalidPlant instead of defaulting to zero.
type StationDoc struct {
	ID           *int     `yaml:"id" json:"id"`
	Group        int      `yaml:"group" json:"group"`
	X            *float64 `yaml:"x" json:"x"`
	Type         string   `yaml:"type" json:"type"`
	DeviceDelay  float64  `yaml:"device_delay" json:"device_delay"`
	DroppingTime float64  `yaml:"dropping_time" json:"dropping_time"`
}

type TransporterDoc struct {
	ID             *int     `yaml:"id" json:"id"`
	MaxSpeed       *float64 `yaml:"max_speed" json:"max_speed"`
	AccelTime      *float64 `yaml:"accel_time" json:"accel_time"`
	DecelTime      *float64 `yaml:"decel_time" json:"decel_time"`
	VerticalTravel *float64 `yaml:"vertical_travel" json:"vertical_travel"`
	SlowZoneDry    *float64 `yaml:"slow_zone_dry" json:"slow_zone_dry"`
	SlowZoneWet    *float64 `yaml:"slow_zone_wet" json:"slow_zone_wet"`
	SlowZoneEnd    *float64 `yaml:"slow_zone_end" json:"slow_zone_end"`
	SlowSpeed      *float64 `yaml:"slow_speed" json:"slow_speed"`
	FastSpeed      *float64 `yaml:"fast_speed" json:"fast_speed"`
	MinLift        *int     `yaml:"min_lift" json:"min_lift"`
	MaxLift        *int     `yaml:"max_lift" json:"max_lift"`
	MinSink        *int     `yaml:"min_sink" json:"min_sink"`
	MaxSink        *int     `yaml:"max_sink" json:"max_sink"`
	AvoidDistance  *float64 `yaml:"avoid_distance" json:"avoid_distance"`
}

type StageDoc struct {
	MinStation *int      `yaml:"min_station" json:"min_station"`
	MaxStation *int      `yaml:"max_station" json:"max_station"`
	MinTime    *Duration `yaml:"min_time" json:"min_time"`
	MaxTime    *Duration `yaml:"max_time" json:"max_time"`
}

type ProgramDoc struct {
	ID     int        `yaml:"id" json:"id"`
	Stages []StageDoc `yaml:"stages" json:"stages"`
}

type BatchDoc struct {
	ID           int `yaml:"id" json:"id"`
	Program      int `yaml:"program" json:"program"`
	StartStation int `yaml:"start_station" json:"start_station"`
}

// Load reads a plant file. The format follows the extension: .json or
// .yaml/.yml.
func Load(path string) (*model.Plant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	p, err := Decode(f, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses a document and builds a validated plant.
func Decode(r io.Reader, format string) (*model.Plant, error) {
	var doc Document
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case "json":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported plant format %q", format)
	}
	return doc.Plant()
}

// required collects the names of absent required fields.
type required struct{ missing []string }

func need[T any](r *required, name string, v *T) T {
	if v == nil {
		r.missing = append(r.missing, name)
		var zero T
		return zero
	}
	return *v
}

func (r *required) err(format string, args ...any) error {
	if len(r.missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: missing %s", model.ErrInvalidPlant,
		fmt.Sprintf(format, args...), strings.Join(r.missing, ", "))
}

func (s StationDoc) station(i int) (model.Station, error) {
	var r required
	st := model.Station{
		ID: need(&r, "id", s.ID), Group: s.Group, X: need(&r, "x", s.X),
		DeviceDelay: s.DeviceDelay, DroppingTime: s.DroppingTime,
	}
	if err := r.err("station #%d", i+1); err != nil {
		return st, err
	}
	typ, err := model.ParseStationType(s.Type)
	if err != nil {
		return st, fmt.Errorf("%w: station %d: %v", model.ErrInvalidPlant, st.ID, err)
	}
	st.Type = typ
	return st, nil
}

func (t TransporterDoc) transporter(i int) (model.Transporter, error) {
	var r required
	tr := model.Transporter{
		ID:             need(&r, "id", t.ID),
		MaxSpeed:       need(&r, "max_speed", t.MaxSpeed),
		AccelTime:      need(&r, "accel_time", t.AccelTime),
		DecelTime:      need(&r, "decel_time", t.DecelTime),
		VerticalTravel: need(&r, "vertical_travel", t.VerticalTravel),
		SlowZoneDry:    need(&r, "slow_zone_dry", t.SlowZoneDry),
		SlowZoneWet:    need(&r, "slow_zone_wet", t.SlowZoneWet),
		SlowZoneEnd:    need(&r, "slow_zone_end", t.SlowZoneEnd),
		SlowSpeed:      need(&r, "slow_speed", t.SlowSpeed),
		FastSpeed:      need(&r, "fast_speed", t.FastSpeed),
		MinLift:        need(&r, "min_lift", t.MinLift),
		MaxLift:        need(&r, "max_lift", t.MaxLift),
		MinSink:        need(&r, "min_sink", t.MinSink),
		MaxSink:        need(&r, "max_sink", t.MaxSink),
		AvoidDistance:  need(&r, "avoid_distance", t.AvoidDistance),
	}
	return tr, r.err("transporter #%d", i+1)
}

func (s StageDoc) stage(program, i int) (model.Stage, error) {
	var r required
	st := model.Stage{
		MinStation: need(&r, "min_station", s.MinStation),
		MaxStation: need(&r, "max_station", s.MaxStation),
		MinTime:    int64(need(&r, "min_time", s.MinTime)),
		MaxTime:    int64(need(&r, "max_time", s.MaxTime)),
	}
	return st, r.err("program %d stage %d", program, i+1)
}

// Plant converts the document into validated reference tables.
func (d Document) Plant() (*model.Plant, error) {
	stations := make([]model.Station, 0, len(d.Stations))
	for i, s := range d.Stations {
		st, err := s.station(i)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	transporters := make([]model.Transporter, 0, len(d.Transporters))
	for i, t := range d.Transporters {
		tr, err := t.transporter(i)
		if err != nil {
			return nil, err
		}
		transporters = append(transporters, tr)
	}
	programs := make([]model.TreatmentProgram, 0, len(d.Programs))
	for _, p := range d.Programs {
		pr := model.TreatmentProgram{ID: p.ID}
		for i, sd := range p.Stages {
			st, err := sd.stage(p.ID, i)
			if err != nil {
				return nil, err
			}
			pr.Stages = append(pr.Stages, st)
		}
		programs = append(programs, pr)
	}
	batches := make([]model.Batch, 0, len(d.Batches))
	for _, b := range d.Batches {
		batches = append(batches, model.Batch(b))
	}
	return model.NewPlant(stations, transporters, programs, batches)
}
