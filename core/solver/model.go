// Package solver is the constraint backend used by the optimizer stages.
// A Model holds integer variables, linear constraints that may be enforced
// by boolean literals and a linear objective. Solve runs a bounds
// propagating branch-and-bound search with an LP relaxation bound.
package solver

import (
	"errors"
	"fmt"
	"math"
)

// Inf is used for unbounded constraint sides.
const Inf int64 = math.MaxInt64 / 4

// MaxDomain bounds the absolute value of any variable bound.
const MaxDomain int64 = 1 << 40

// ErrModelInvalid is returned when a model was built with inconsistent input.
var ErrModelInvalid = errors.New("invalid model")

// IntVar indexes a model variable.
type IntVar int

// Lit is a boolean literal on a 0/1 variable.
type Lit struct {
	Var IntVar
	Neg bool
}

// Lit returns the positive literal of v.
func (v IntVar) Lit() Lit { return Lit{Var: v} }

// Not returns the negative literal of v.
func (v IntVar) Not() Lit { return Lit{Var: v, Neg: true} }

// Not negates the literal.
func (l Lit) Not() Lit { return Lit{Var: l.Var, Neg: !l.Neg} }

// Term is Coef*Var.
type Term struct {
	Var  IntVar
	Coef int64
}

// T is shorthand for a Term.
func T(v IntVar, coef int64) Term { return Term{Var: v, Coef: coef} }

// Constraint is lo <= sum(terms) <= hi, active only when every enforcement
// literal holds.
type Constraint struct {
	terms   []Term
	lo, hi  int64
	enforce []Lit
	m       *Model
}

// OnlyEnforceIf makes the constraint conditional on all lits being true.
func (c *Constraint) OnlyEnforceIf(lits ...Lit) *Constraint {
	for _, l := range lits {
		if !c.m.checkVar(l.Var) {
			continue
		}
		if !c.m.isBool[l.Var] {
			c.m.fail(fmt.Errorf("%w: enforcement literal on non-boolean %s", ErrModelInvalid, c.m.names[l.Var]))
			continue
		}
		c.enforce = append(c.enforce, l)
	}
	return c
}

// Model is a constraint model under construction.
type Model struct {
	Name string

	lb, ub   []int64
	names    []string
	isBool   []bool
	priority []int
	hint     []int64
	hasHint  []bool

	cons      []*Constraint
	obj       []Term
	objOffset int64
	hasObj    bool

	err error
}

// NewModel returns an empty model.
func NewModel(name string) *Model {
	return &Model{Name: name}
}

func (m *Model) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *Model) checkVar(v IntVar) bool {
	if int(v) < 0 || int(v) >= len(m.lb) {
		m.fail(fmt.Errorf("%w: unknown variable %d", ErrModelInvalid, v))
		return false
	}
	return true
}

func (m *Model) newVar(lb, ub int64, name string, boolean bool) IntVar {
	if lb > ub {
		m.fail(fmt.Errorf("%w: variable %s has empty domain [%d,%d]", ErrModelInvalid, name, lb, ub))
		ub = lb
	}
	if lb < -MaxDomain || ub > MaxDomain {
		m.fail(fmt.Errorf("%w: variable %s domain exceeds %d", ErrModelInvalid, name, MaxDomain))
	}
	m.lb = append(m.lb, lb)
	m.ub = append(m.ub, ub)
	m.names = append(m.names, name)
	m.isBool = append(m.isBool, boolean)
	m.priority = append(m.priority, 0)
	m.hint = append(m.hint, 0)
	m.hasHint = append(m.hasHint, false)
	return IntVar(len(m.lb) - 1)
}

// NewIntVar adds an integer variable with domain [lb, ub].
func (m *Model) NewIntVar(lb, ub int64, name string) IntVar {
	return m.newVar(lb, ub, name, false)
}

// NewBoolVar adds a 0/1 variable.
func (m *Model) NewBoolVar(name string) IntVar {
	return m.newVar(0, 1, name, true)
}

// NewConstant adds a fixed variable.
func (m *Model) NewConstant(v int64) IntVar {
	return m.newVar(v, v, fmt.Sprintf("const_%d", v), false)
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int { return len(m.lb) }

// NumConstraints returns the number of constraints.
func (m *Model) NumConstraints() int { return len(m.cons) }

// VarName returns the name given at creation.
func (m *Model) VarName(v IntVar) string { return m.names[v] }

// Bounds returns the creation domain of v.
func (m *Model) Bounds(v IntVar) (int64, int64) { return m.lb[v], m.ub[v] }

// SetPriority sets the branching tier of v. Lower tiers are decided first.
func (m *Model) SetPriority(v IntVar, p int) {
	if m.checkVar(v) {
		m.priority[v] = p
	}
}

// AddHint sets the preferred value of v.
func (m *Model) AddHint(v IntVar, value int64) {
	if m.checkVar(v) {
		m.hint[v] = value
		m.hasHint[v] = true
	}
}

// AddLinear adds lo <= sum(terms) <= hi. Duplicate variables are merged.
func (m *Model) AddLinear(terms []Term, lo, hi int64) *Constraint {
	merged := make([]Term, 0, len(terms))
	pos := make(map[IntVar]int, len(terms))
	for _, t := range terms {
		if !m.checkVar(t.Var) || t.Coef == 0 {
			continue
		}
		if i, ok := pos[t.Var]; ok {
			merged[i].Coef += t.Coef
			continue
		}
		pos[t.Var] = len(merged)
		merged = append(merged, t)
	}
	out := merged[:0]
	for _, t := range merged {
		if t.Coef != 0 {
			out = append(out, t)
		}
	}
	if lo > hi {
		m.fail(fmt.Errorf("%w: constraint bounds [%d,%d]", ErrModelInvalid, lo, hi))
	}
	c := &Constraint{terms: out, lo: lo, hi: hi, m: m}
	m.cons = append(m.cons, c)
	return c
}

// AddGreaterOrEqual adds a - b >= gap.
func (m *Model) AddGreaterOrEqual(a, b IntVar, gap int64) *Constraint {
	return m.AddLinear([]Term{T(a, 1), T(b, -1)}, gap, Inf)
}

// AddEquality adds a - b == gap.
func (m *Model) AddEquality(a, b IntVar, gap int64) *Constraint {
	return m.AddLinear([]Term{T(a, 1), T(b, -1)}, gap, gap)
}

// AddExactlyOne requires exactly one of the boolean vars to be true.
func (m *Model) AddExactlyOne(vars []IntVar) *Constraint {
	terms := make([]Term, len(vars))
	for i, v := range vars {
		terms[i] = T(v, 1)
	}
	return m.AddLinear(terms, 1, 1)
}

// AddBoolOr requires at least one literal to be true.
func (m *Model) AddBoolOr(lits ...Lit) *Constraint {
	terms := make([]Term, 0, len(lits))
	var neg int64
	for _, l := range lits {
		if l.Neg {
			terms = append(terms, T(l.Var, -1))
			neg++
		} else {
			terms = append(terms, T(l.Var, 1))
		}
	}
	return m.AddLinear(terms, 1-neg, Inf)
}

// Minimize sets the objective to sum(terms) + offset.
func (m *Model) Minimize(terms []Term, offset int64) {
	for _, t := range terms {
		m.checkVar(t.Var)
	}
	m.obj = append([]Term(nil), terms...)
	m.objOffset = offset
	m.hasObj = true
}

// Validate returns the first construction error.
func (m *Model) Validate() error { return m.err }
