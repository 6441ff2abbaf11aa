package solver

import "time"

// Status is the outcome of a solve.
type Status int

const (
	StatusUnknown Status = iota
	StatusOptimal
	StatusFeasible
	StatusInfeasible
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusFeasible:
		return "feasible"
	case StatusInfeasible:
		return "infeasible"
	default:
		return "unknown"
	}
}

// HasSolution reports whether Values are populated.
func (s Status) HasSolution() bool { return s == StatusOptimal || s == StatusFeasible }

// Params configures a solve.
type Params struct {
	// TimeLimit bounds the wall-clock search time. Zero means no limit
	// beyond the context deadline.
	TimeLimit time.Duration
	// Workers is the number of portfolio workers. Values below one use one.
	Workers int
	// NodeLimit bounds the search nodes per worker. Zero means no limit.
	NodeLimit int64
	// RelaxationMaxRows skips the LP bound when the relaxation has more
	// inequality rows. Zero uses DefaultRelaxationRows; negative disables it.
	RelaxationMaxRows int
	// Polish completes every full boolean assignment with an LP over the
	// remaining integer variables instead of branching on them.
	Polish bool
}

// DefaultRelaxationRows is the LP relaxation size used when Params leaves it unset.
const DefaultRelaxationRows = 250

// Result is the outcome of Solve.
type Result struct {
	Status    Status
	Objective int64
	// Bound is a proven lower bound of the objective, or -Inf when none.
	Bound    int64
	Values   []int64
	WallTime time.Duration
	Nodes    int64
}

// Value returns the solution value of v.
func (r Result) Value(v IntVar) int64 { return r.Values[v] }

// Bool returns the solution value of a boolean variable.
func (r Result) Bool(v IntVar) bool { return r.Values[v] == 1 }
