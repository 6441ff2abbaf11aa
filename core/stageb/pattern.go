package stageb

import (
	"errors"
	"fmt"
)

// ErrInvalidPattern is returned for patterns that cannot be applied.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is the cyclic order in which a transporter serves stages. Reading
// the list from the start, a stage number that does not increase moves on to
// the next batch in Stage-A order. Each cycle starts one batch later than
// the previous one.
type Pattern struct {
	Transporter int   `yaml:"transporter" json:"transporter"`
	Stages      []int `yaml:"stages" json:"stages"`
}

// Offsets returns the batch offset of every pattern element within a cycle.
func (p Pattern) Offsets() []int {
	off := make([]int, len(p.Stages))
	for j := 1; j < len(p.Stages); j++ {
		off[j] = off[j-1]
		if p.Stages[j] <= p.Stages[j-1] {
			off[j]++
		}
	}
	return off
}

// ValidatePatterns checks that every stage is claimed by at most one
// transporter and that the lists are not empty.
func ValidatePatterns(ps []Pattern) error {
	owner := make(map[int]int)
	seen := make(map[int]bool)
	for _, p := range ps {
		if seen[p.Transporter] {
			return fmt.Errorf("%w: transporter %d listed twice", ErrInvalidPattern, p.Transporter)
		}
		seen[p.Transporter] = true
		if len(p.Stages) == 0 {
			return fmt.Errorf("%w: transporter %d has no stages", ErrInvalidPattern, p.Transporter)
		}
		for _, s := range p.Stages {
			if s < 1 {
				return fmt.Errorf("%w: transporter %d stage %d", ErrInvalidPattern, p.Transporter, s)
			}
			if h, ok := owner[s]; ok && h != p.Transporter {
				return fmt.Errorf("%w: stage %d claimed by transporters %d and %d", ErrInvalidPattern, s, h, p.Transporter)
			}
			owner[s] = p.Transporter
		}
	}
	return nil
}

// patternTask returns the task delivering batch index b to stage s, or nil
// when the batch's program has no such stage.
func (bd *builder) patternTask(b, s int) *task {
	if b < 0 || b >= len(bd.bps) {
		return nil
	}
	return bd.byStage[[2]int{b, s}]
}

// addPatterns pins pattern stages to their transporter and chains the tasks
// of consecutive pattern elements, including the wrap from one cycle to the
// next.
func (bd *builder) addPatterns() error {
	if len(bd.o.opts.Patterns) == 0 {
		return nil
	}
	if err := ValidatePatterns(bd.o.opts.Patterns); err != nil {
		return err
	}
	m := bd.m
	for _, p := range bd.o.opts.Patterns {
		for _, t := range bd.tasks {
			if !contains(p.Stages, t.i) {
				continue
			}
			k := t.hostIndex(p.Transporter)
			if k < 0 {
				return fmt.Errorf("%w: transporter %d cannot serve batch %d stage %d", ErrInvalidPattern,
					p.Transporter, bd.bps[t.b].batch.ID, t.i)
			}
			if t.y != nil {
				m.AddBoolOr(t.y[k].Lit())
			}
		}

		off := p.Offsets()
		type element struct{ b, s int }
		var seq []element
		for c := range bd.bps {
			for j, s := range p.Stages {
				seq = append(seq, element{c + off[j], s})
			}
		}
		links := 0
		for j := 1; j < len(seq); j++ {
			a := bd.patternTask(seq[j-1].b, seq[j-1].s)
			b := bd.patternTask(seq[j].b, seq[j].s)
			if a == nil || b == nil {
				continue
			}
			dh, err := bd.o.table.Deadhead(p.Transporter, a.to, b.from)
			if err != nil {
				return err
			}
			m.AddGreaterOrEqual(b.start(bd.bps), a.end(bd.bps), dh)
			links++
		}
		bd.o.log.Debugw("pattern applied", map[string]any{
			"transporter": p.Transporter,
			"stages":      p.Stages,
			"links":       links,
		})
	}
	return nil
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
