package physics

import "math"

// Segment is the horizontal span covered by a move, in mm.
type Segment struct{ Lo, Hi float64 }

// Span returns the segment between two positions.
func Span(a, b float64) Segment {
	if a > b {
		a, b = b, a
	}
	return Segment{Lo: a, Hi: b}
}

// Gap is the horizontal clearance between two segments. Overlapping
// segments have a zero gap.
func Gap(a, b Segment) float64 {
	switch {
	case a.Hi < b.Lo:
		return b.Lo - a.Hi
	case b.Hi < a.Lo:
		return a.Lo - b.Hi
	default:
		return 0
	}
}

// Avoidance describes the time separation required between moves of two
// different transporters that come closer than their avoid distance.
type Avoidance struct {
	// Margin is the base time gap in seconds.
	Margin int64
	// PerMeter adds seconds per metre of overlap between the padded spans.
	PerMeter float64
}

// Required returns the time gap between two moves given their segments and
// the avoid distances of both transporters. Both segments are padded by the
// larger avoid distance on each side; ok is false when the padded spans do
// not overlap, i.e. the segments are at least twice that distance apart.
func (a Avoidance) Required(s1, s2 Segment, avoid1, avoid2 float64) (gap int64, ok bool) {
	reach := 2 * math.Max(avoid1, avoid2)
	dist := Gap(s1, s2)
	if dist > 0 && dist >= reach {
		return 0, false
	}
	extra := a.PerMeter * (reach - dist) / 1000
	return a.Margin + Seconds(extra), true
}

// MaxRequired bounds Required over any pair of moves.
func (a Avoidance) MaxRequired(maxAvoid float64) int64 {
	return a.Margin + Seconds(a.PerMeter*2*maxAvoid/1000)
}
