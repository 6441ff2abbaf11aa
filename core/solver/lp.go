package solver

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	lpUnavailable = iota
	lpSolved
	lpPruned
)

// lpRows collects inequality rows G x <= h over a column mapping.
type lpRows struct {
	g [][]float64
	h []float64
}

func (r *lpRows) add(row []float64, rhs float64) {
	for _, v := range row {
		if v != 0 {
			r.g = append(r.g, row)
			r.h = append(r.h, rhs)
			return
		}
	}
}

// solveLP minimizes c·x subject to G x <= h with free x. It returns the
// optimum and the primal solution.
func solveLP(c []float64, g [][]float64, h []float64) (float64, []float64, error) {
	n := len(c)
	if n == 0 || len(g) == 0 {
		return 0, nil, errEmptyLP
	}
	G := mat.NewDense(len(g), n, nil)
	for i, row := range g {
		G.SetRow(i, row)
	}
	cStd, aStd, bStd := lp.Convert(c, G, h, nil, nil)
	opt, sol, err := lp.Simplex(cStd, aStd, bStd, 1e-7, nil)
	if err != nil {
		return 0, nil, err
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = sol[i] - sol[n+i]
	}
	return opt, x, nil
}

var errEmptyLP = errors.New("empty linear program")

// lpSolve points to the LP routine. Tests override it to simulate failures.
var lpSolve = solveLP

// relaxationBound returns a lower bound of the objective from the LP
// relaxation of the model at the given domains. Enforced constraints are
// relaxed with big-M terms derived from the domains. It returns -Inf when the
// relaxation is too large or the LP fails.
func relaxationBound(c *compiled, lb, ub []int64, maxRows int) int64 {
	if maxRows < 0 || c.objIdx < 0 {
		return -Inf
	}
	n := len(lb)
	rows := &lpRows{}
	for ci, con := range c.cons {
		if ci == c.objIdx {
			continue
		}
		minSum, maxSum := sumsAt(con.terms, lb, ub)
		if con.hi < Inf && maxSum > con.hi {
			bigM := float64(maxSum - con.hi)
			row := make([]float64, n)
			for _, t := range con.terms {
				row[t.Var] += float64(t.Coef)
			}
			rhs := float64(con.hi)
			addEnforcement(row, &rhs, con.enforce, bigM)
			rows.add(row, rhs)
		}
		if con.lo > -Inf && minSum < con.lo {
			bigM := float64(con.lo - minSum)
			row := make([]float64, n)
			for _, t := range con.terms {
				row[t.Var] -= float64(t.Coef)
			}
			rhs := -float64(con.lo)
			addEnforcement(row, &rhs, con.enforce, bigM)
			rows.add(row, rhs)
		}
		if len(rows.g) > maxRows {
			return -Inf
		}
	}
	for v := 0; v < n; v++ {
		up := make([]float64, n)
		up[v] = 1
		rows.add(up, float64(ub[v]))
		down := make([]float64, n)
		down[v] = -1
		rows.add(down, -float64(lb[v]))
	}
	obj := make([]float64, n)
	for _, t := range c.cons[c.objIdx].terms {
		obj[t.Var] += float64(t.Coef)
	}
	opt, _, err := lpSolve(obj, rows.g, rows.h)
	if err != nil || math.IsNaN(opt) || math.IsInf(opt, 0) {
		return -Inf
	}
	return int64(math.Ceil(opt-1e-6)) + c.m.objOffset
}

// addEnforcement relaxes row <= rhs so it only binds when every literal is 1:
// row <= rhs + M*sum(1-lit).
func addEnforcement(row []float64, rhs *float64, lits []Lit, bigM float64) {
	for _, l := range lits {
		if l.Neg {
			// 1-lit = x
			row[l.Var] -= bigM
		} else {
			// 1-lit = 1-x
			row[l.Var] += bigM
			*rhs += bigM
		}
	}
}

func sumsAt(terms []Term, lb, ub []int64) (lo, hi int64) {
	for _, t := range terms {
		if t.Coef > 0 {
			lo += t.Coef * lb[t.Var]
			hi += t.Coef * ub[t.Var]
		} else {
			lo += t.Coef * ub[t.Var]
			hi += t.Coef * lb[t.Var]
		}
	}
	return lo, hi
}

// polishLP solves the LP over the unfixed integer variables once every
// boolean is fixed. Scheduling rows are difference constraints, so the
// optimal vertex is integral and rounding recovers it.
func (w *worker) polishLP() (map[IntVar]int64, int) {
	if w.c.objIdx < 0 {
		return nil, lpUnavailable
	}
	col := make(map[IntVar]int)
	var free []IntVar
	for v := range w.lb {
		if w.lb[v] != w.ub[v] {
			col[IntVar(v)] = len(free)
			free = append(free, IntVar(v))
		}
	}
	if len(free) == 0 {
		return nil, lpUnavailable
	}
	n := len(free)
	rows := &lpRows{}
	maxRows := w.params.relaxationRows()
	if maxRows < 0 {
		return nil, lpUnavailable
	}
	for ci, con := range w.c.cons {
		if ci == w.c.objIdx || !w.active(con) {
			continue
		}
		var fixed int64
		row := make([]float64, n)
		open := false
		for _, t := range con.terms {
			if j, ok := col[t.Var]; ok {
				row[j] += float64(t.Coef)
				open = true
			} else {
				fixed += t.Coef * w.lb[t.Var]
			}
		}
		if !open {
			continue
		}
		if con.hi < Inf {
			rows.add(row, float64(con.hi-fixed))
		}
		if con.lo > -Inf {
			neg := make([]float64, n)
			for j, v := range row {
				neg[j] = -v
			}
			rows.add(neg, -float64(con.lo-fixed))
		}
		if len(rows.g) > maxRows {
			return nil, lpUnavailable
		}
	}
	for j, v := range free {
		up := make([]float64, n)
		up[j] = 1
		rows.add(up, float64(w.ub[v]))
		down := make([]float64, n)
		down[j] = -1
		rows.add(down, -float64(w.lb[v]))
	}
	obj := make([]float64, n)
	var fixedObj int64
	for _, t := range w.c.cons[w.c.objIdx].terms {
		if j, ok := col[t.Var]; ok {
			obj[j] += float64(t.Coef)
		} else {
			fixedObj += t.Coef * w.lb[t.Var]
		}
	}
	opt, x, err := lpSolve(obj, rows.g, rows.h)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return nil, lpPruned
		}
		return nil, lpUnavailable
	}
	if float64(fixedObj)+opt > float64(w.objHi)+1e-6 {
		return nil, lpPruned
	}
	vals := make(map[IntVar]int64, n)
	for j, v := range free {
		vals[v] = roundInt(x[j])
	}
	return vals, lpSolved
}

// active reports whether every enforcement literal of con holds.
func (w *worker) active(con *Constraint) bool {
	for _, l := range con.enforce {
		if w.litValue(l) != 1 {
			return false
		}
	}
	return true
}
