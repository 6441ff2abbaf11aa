package solver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoJobs builds two jobs of length 3 and 5 sharing one machine.
func twoJobs() (*Model, IntVar) {
	m := NewModel("two-jobs")
	order := m.NewBoolVar("first_before_second")
	s1 := m.NewIntVar(0, 100, "s1")
	s2 := m.NewIntVar(0, 100, "s2")
	mk := m.NewIntVar(0, 200, "makespan")
	m.AddGreaterOrEqual(s2, s1, 3).OnlyEnforceIf(order.Lit())
	m.AddGreaterOrEqual(s1, s2, 5).OnlyEnforceIf(order.Not())
	m.AddGreaterOrEqual(mk, s1, 3)
	m.AddGreaterOrEqual(mk, s2, 5)
	m.SetPriority(s1, 1)
	m.SetPriority(s2, 1)
	m.SetPriority(mk, 2)
	m.Minimize([]Term{T(mk, 1)}, 0)
	return m, mk
}

func TestSolveDisjunction(t *testing.T) {
	for _, tc := range []struct {
		name   string
		params Params
	}{
		{"search", Params{}},
		{"polish", Params{Polish: true}},
		{"portfolio", Params{Workers: 4, Polish: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, mk := twoJobs()
			res, err := Solve(context.Background(), m, tc.params)
			require.NoError(t, err)
			assert.Equal(t, StatusOptimal, res.Status)
			assert.Equal(t, int64(8), res.Objective)
			assert.Equal(t, int64(8), res.Value(mk))
			assert.Equal(t, int64(8), res.Bound)
		})
	}
}

func TestSolveInfeasibleAtRoot(t *testing.T) {
	m := NewModel("root")
	x := m.NewIntVar(0, 5, "x")
	m.AddLinear([]Term{T(x, 1)}, 6, Inf)
	res, err := Solve(context.Background(), m, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusInfeasible, res.Status)
	assert.False(t, res.Status.HasSolution())
}

func TestSolveInfeasibleBySearch(t *testing.T) {
	m := NewModel("search")
	a := m.NewBoolVar("a")
	b := m.NewBoolVar("b")
	m.AddExactlyOne([]IntVar{a, b})
	m.AddEquality(a, b, 0)
	res, err := Solve(context.Background(), m, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusInfeasible, res.Status)
}

func TestEnforcementLiteral(t *testing.T) {
	m := NewModel("enforce")
	e := m.NewBoolVar("e")
	x := m.NewIntVar(0, 10, "x")
	m.AddLinear([]Term{T(x, 1)}, 8, Inf).OnlyEnforceIf(e.Lit())
	m.AddLinear([]Term{T(x, 1)}, 0, 2).OnlyEnforceIf(e.Not())
	m.AddBoolOr(e.Lit())
	m.Minimize([]Term{T(x, 1)}, 0)
	res, err := Solve(context.Background(), m, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusOptimal, res.Status)
	assert.True(t, res.Bool(e))
	assert.Equal(t, int64(8), res.Value(x))
}

func TestNegatedEnforcementPicksCheaperSide(t *testing.T) {
	m := NewModel("negated")
	e := m.NewBoolVar("e")
	x := m.NewIntVar(0, 10, "x")
	m.AddLinear([]Term{T(x, 1)}, 8, Inf).OnlyEnforceIf(e.Lit())
	m.AddLinear([]Term{T(x, 1)}, 3, Inf).OnlyEnforceIf(e.Not())
	m.Minimize([]Term{T(x, 1)}, 10)
	res, err := Solve(context.Background(), m, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusOptimal, res.Status)
	assert.False(t, res.Bool(e))
	assert.Equal(t, int64(13), res.Objective)
}

func TestHintsGuideFirstSolution(t *testing.T) {
	m := NewModel("hints")
	a := m.NewBoolVar("a")
	x := m.NewIntVar(0, 10, "x")
	m.AddHint(a, 1)
	m.AddHint(x, 7)
	res, err := Solve(context.Background(), m, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusOptimal, res.Status)
	assert.True(t, res.Bool(a))
	assert.Equal(t, int64(7), res.Value(x))
}

func TestCancelledContextIsUnknown(t *testing.T) {
	m, _ := twoJobs()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Solve(ctx, m, Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Nil(t, res.Values)
}

func lpBoundModel() *Model {
	m := NewModel("lp")
	x := m.NewIntVar(0, 100, "x")
	y := m.NewIntVar(0, 100, "y")
	m.AddLinear([]Term{T(x, 1), T(y, 1)}, 7, Inf)
	m.Minimize([]Term{T(x, 1), T(y, 1)}, 0)
	return m
}

func TestRelaxationBoundProvesOptimality(t *testing.T) {
	res, err := Solve(context.Background(), lpBoundModel(), Params{NodeLimit: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusOptimal, res.Status)
	assert.Equal(t, int64(7), res.Objective)
}

func TestRelaxationFailureFallsBackToSearch(t *testing.T) {
	orig := lpSolve
	lpSolve = func([]float64, [][]float64, []float64) (float64, []float64, error) {
		return 0, nil, errors.New("boom")
	}
	defer func() { lpSolve = orig }()

	res, err := Solve(context.Background(), lpBoundModel(), Params{NodeLimit: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusFeasible, res.Status)
	assert.Equal(t, int64(7), res.Objective)
	assert.Equal(t, -Inf, res.Bound)

	m, _ := twoJobs()
	res, err = Solve(context.Background(), m, Params{Polish: true})
	require.NoError(t, err)
	assert.True(t, res.Status.HasSolution())
	assert.Equal(t, int64(8), res.Objective)
}

func TestRelaxationDisabled(t *testing.T) {
	res, err := Solve(context.Background(), lpBoundModel(), Params{NodeLimit: 3, RelaxationMaxRows: -1})
	require.NoError(t, err)
	assert.Equal(t, StatusFeasible, res.Status)
}

func TestInvalidModel(t *testing.T) {
	m := NewModel("bad")
	m.NewIntVar(5, 1, "empty")
	_, err := Solve(context.Background(), m, Params{})
	assert.True(t, errors.Is(err, ErrModelInvalid))

	m = NewModel("bad-enforce")
	x := m.NewIntVar(0, 3, "x")
	m.AddLinear([]Term{T(x, 1)}, 1, Inf).OnlyEnforceIf(x.Lit())
	assert.True(t, errors.Is(m.Validate(), ErrModelInvalid))
}

func TestAddLinearMergesTerms(t *testing.T) {
	m := NewModel("merge")
	x := m.NewIntVar(0, 10, "x")
	y := m.NewIntVar(0, 10, "y")
	c := m.AddLinear([]Term{T(x, 2), T(y, 1), T(x, -2)}, 0, 5)
	require.Len(t, c.terms, 1)
	assert.Equal(t, y, c.terms[0].Var)
}

func TestDivisionRounding(t *testing.T) {
	assert.Equal(t, int64(-2), floorDiv(-3, 2))
	assert.Equal(t, int64(1), floorDiv(3, 2))
	assert.Equal(t, int64(2), ceilDiv(3, 2))
	assert.Equal(t, int64(-1), ceilDiv(-3, 2))
	assert.Equal(t, int64(-2), floorDiv(3, -2))
	assert.Equal(t, int64(-1), ceilDiv(3, -2))
}

func TestWorkerPanicIsReturned(t *testing.T) {
	orig := runWorker
	runWorker = func(w *worker) {
		if w.id == 1 {
			panic("corrupt trail")
		}
		orig(w)
	}
	defer func() { runWorker = orig }()

	m, _ := twoJobs()
	res, err := Solve(context.Background(), m, Params{Workers: 2})
	require.ErrorIs(t, err, ErrWorkerFailed)
	assert.Contains(t, err.Error(), "corrupt trail")
	assert.Equal(t, StatusUnknown, res.Status)
}
