package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/core/solver"
	"github.com/kilianp07/hoistsched/core/stageb"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid scheduler config")

// Config is the immutable configuration of one engine. It is copied into
// every optimizer stage at construction.
type Config struct {
	StageA solver.Params
	StageB solver.Params
	// StageC is used instead of StageB when Patterns is not empty.
	StageC solver.Params

	SameGroup     bool
	SameGroupHard bool
	GroupPenalty  int64

	// Decompose splits Stage B into components of overlapping batch windows.
	Decompose bool
	// BatchWindowMargin pads every batch window before overlap detection.
	BatchWindowMargin int64
	// TransporterWindowMargin is the minimal idle time between the end of a
	// component and the start of the next one.
	TransporterWindowMargin int64

	Avoidance physics.Avoidance

	MakespanWeight int64
	GapWeight      int64

	Patterns []stageb.Pattern
}

// DefaultConfig returns a configuration with a 60s limit per stage.
func DefaultConfig() Config {
	p := solver.Params{TimeLimit: 60 * time.Second, Workers: 1, Polish: true}
	return Config{
		StageA:         p,
		StageB:         p,
		StageC:         p,
		SameGroup:      true,
		GroupPenalty:   10,
		Decompose:      true,
		Avoidance:      physics.Avoidance{Margin: 5},
		MakespanWeight: 1,
		GapWeight:      1,
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	for name, p := range map[string]solver.Params{"A": c.StageA, "B": c.StageB, "C": c.StageC} {
		if p.TimeLimit < 0 || p.Workers < 0 || p.NodeLimit < 0 {
			return fmt.Errorf("%w: stage %s solver params must not be negative", ErrInvalidConfig, name)
		}
	}
	if c.BatchWindowMargin < 0 || c.TransporterWindowMargin < 0 {
		return fmt.Errorf("%w: window margins must not be negative", ErrInvalidConfig)
	}
	if c.Avoidance.Margin < 0 || c.Avoidance.PerMeter < 0 {
		return fmt.Errorf("%w: avoidance margin must not be negative", ErrInvalidConfig)
	}
	if c.GroupPenalty < 0 || c.MakespanWeight < 0 || c.GapWeight < 0 {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidConfig)
	}
	if err := stageb.ValidatePatterns(c.Patterns); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// WithPatterns returns a copy of c using ps.
func (c Config) WithPatterns(ps []stageb.Pattern) Config {
	c.Patterns = append([]stageb.Pattern(nil), ps...)
	return c
}

type patternFile struct {
	Patterns []stageb.Pattern `json:"patterns" yaml:"patterns"`
}

// LoadPatterns loads Stage-C patterns from a JSON or YAML file.
func LoadPatterns(path string) ([]stageb.Pattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	ps, err := DecodePatterns(f, ext)
	if err != nil {
		return nil, fmt.Errorf("pattern file %s: %w", path, err)
	}
	return ps, nil
}

// DecodePatterns reads patterns from r and validates them.
func DecodePatterns(r io.Reader, format string) ([]stageb.Pattern, error) {
	var pf patternFile
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.NewDecoder(r).Decode(&pf); err != nil {
			return nil, err
		}
	case "json":
		if err := json.NewDecoder(r).Decode(&pf); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if err := stageb.ValidatePatterns(pf.Patterns); err != nil {
		return nil, err
	}
	return pf.Patterns, nil
}
