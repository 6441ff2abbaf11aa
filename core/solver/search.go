package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type compiled struct {
	m      *Model
	cons   []*Constraint
	objIdx int
	watch  [][]int
	enfPos [][]int
	enfNeg [][]int
	scope  [][]IntVar
	tiers  [][]IntVar
	// inTerms marks variables that appear in some constraint sum.
	inTerms []bool
}

func compile(m *Model) *compiled {
	c := &compiled{m: m, cons: append([]*Constraint(nil), m.cons...), objIdx: -1}
	if m.hasObj {
		obj := &Constraint{lo: -Inf, hi: Inf, m: m}
		pos := make(map[IntVar]int, len(m.obj))
		for _, t := range m.obj {
			if i, ok := pos[t.Var]; ok {
				obj.terms[i].Coef += t.Coef
				continue
			}
			pos[t.Var] = len(obj.terms)
			obj.terms = append(obj.terms, t)
		}
		c.objIdx = len(c.cons)
		c.cons = append(c.cons, obj)
	}
	n := m.NumVars()
	c.watch = make([][]int, n)
	c.inTerms = make([]bool, n)
	c.enfPos = make([][]int, n)
	c.enfNeg = make([][]int, n)
	last := make([]int, n)
	for i := range last {
		last[i] = -1
	}
	for ci, con := range c.cons {
		for _, t := range con.terms {
			c.inTerms[t.Var] = true
			if last[t.Var] != ci {
				last[t.Var] = ci
				c.watch[t.Var] = append(c.watch[t.Var], ci)
			}
		}
		for _, l := range con.enforce {
			if last[l.Var] != ci {
				last[l.Var] = ci
				c.watch[l.Var] = append(c.watch[l.Var], ci)
			}
			if l.Neg {
				c.enfNeg[l.Var] = append(c.enfNeg[l.Var], ci)
			} else {
				c.enfPos[l.Var] = append(c.enfPos[l.Var], ci)
			}
		}
	}
	c.scope = make([][]IntVar, n)
	seen := make([]int, n)
	for i := range seen {
		seen[i] = -1
	}
	for v := 0; v < n; v++ {
		if !m.isBool[v] {
			continue
		}
		for _, list := range [][]int{c.enfPos[v], c.enfNeg[v]} {
			for _, ci := range list {
				for _, t := range c.cons[ci].terms {
					if m.isBool[t.Var] || seen[t.Var] == v {
						continue
					}
					seen[t.Var] = v
					c.scope[v] = append(c.scope[v], t.Var)
				}
			}
		}
	}
	byPrio := make(map[int][]IntVar)
	for v := 0; v < n; v++ {
		if m.lb[v] == m.ub[v] {
			continue
		}
		byPrio[m.priority[v]] = append(byPrio[m.priority[v]], IntVar(v))
	}
	prios := make([]int, 0, len(byPrio))
	for p := range byPrio {
		prios = append(prios, p)
	}
	sort.Ints(prios)
	for _, p := range prios {
		c.tiers = append(c.tiers, byPrio[p])
	}
	return c
}

func (c *compiled) boolsFixed(lb, ub []int64) bool {
	for v := range lb {
		if c.m.isBool[v] && lb[v] != ub[v] {
			return false
		}
	}
	return true
}

type incumbent struct {
	mu     sync.Mutex
	found  bool
	best   int64
	values []int64
	bound  int64

	proved     atomic.Bool
	stop       atomic.Bool
	incomplete atomic.Bool
}

func (s *incumbent) get() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best, s.found
}

func (s *incumbent) offer(obj int64, values []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.found && obj >= s.best {
		return
	}
	s.found = true
	s.best = obj
	s.values = values
}

type trailEntry struct {
	v      IntVar
	lb, ub int64
}

type branch struct {
	v      IntVar
	lo, hi int64
}

type worker struct {
	c      *compiled
	id     int
	lb, ub []int64
	trail  []trailEntry
	queue  []int
	queued []bool
	objHi  int64
	shared *incumbent
	rng    *rand.Rand
	ctx    context.Context
	params Params

	nodes   int64
	stopped bool
	aborted bool
}

func newWorker(ctx context.Context, c *compiled, id int, shared *incumbent, p Params) *worker {
	w := &worker{
		c:      c,
		id:     id,
		lb:     append([]int64(nil), c.m.lb...),
		ub:     append([]int64(nil), c.m.ub...),
		queued: make([]bool, len(c.cons)),
		objHi:  Inf,
		shared: shared,
		ctx:    ctx,
		params: p,
	}
	if id > 0 {
		w.rng = rand.New(rand.NewSource(int64(id)))
	}
	for ci := range c.cons {
		w.enqueue(ci)
	}
	return w
}

func (w *worker) enqueue(ci int) {
	if !w.queued[ci] {
		w.queued[ci] = true
		w.queue = append(w.queue, ci)
	}
}

func (w *worker) flush() {
	for _, ci := range w.queue {
		w.queued[ci] = false
	}
	w.queue = w.queue[:0]
}

func (w *worker) setLB(v IntVar, x int64) bool {
	if x <= w.lb[v] {
		return true
	}
	if x > w.ub[v] {
		return false
	}
	w.trail = append(w.trail, trailEntry{v, w.lb[v], w.ub[v]})
	w.lb[v] = x
	for _, ci := range w.c.watch[v] {
		w.enqueue(ci)
	}
	return true
}

func (w *worker) setUB(v IntVar, x int64) bool {
	if x >= w.ub[v] {
		return true
	}
	if x < w.lb[v] {
		return false
	}
	w.trail = append(w.trail, trailEntry{v, w.lb[v], w.ub[v]})
	w.ub[v] = x
	for _, ci := range w.c.watch[v] {
		w.enqueue(ci)
	}
	return true
}

func (w *worker) undo(mark int) {
	for i := len(w.trail) - 1; i >= mark; i-- {
		e := w.trail[i]
		w.lb[e.v], w.ub[e.v] = e.lb, e.ub
	}
	w.trail = w.trail[:mark]
}

// litValue returns 1 when l holds, 0 when it is false and -1 when unfixed.
func (w *worker) litValue(l Lit) int {
	if w.lb[l.Var] != w.ub[l.Var] {
		return -1
	}
	val := w.lb[l.Var] == 1
	if l.Neg {
		val = !val
	}
	if val {
		return 1
	}
	return 0
}

func (w *worker) setLit(l Lit, val bool) bool {
	if l.Neg {
		val = !val
	}
	x := int64(0)
	if val {
		x = 1
	}
	return w.setLB(l.Var, x) && w.setUB(l.Var, x)
}

func (w *worker) sums(terms []Term) (lo, hi int64) {
	for _, t := range terms {
		if t.Coef > 0 {
			lo += t.Coef * w.lb[t.Var]
			hi += t.Coef * w.ub[t.Var]
		} else {
			lo += t.Coef * w.ub[t.Var]
			hi += t.Coef * w.lb[t.Var]
		}
	}
	return lo, hi
}

func (w *worker) upper(ci int) int64 {
	if ci == w.c.objIdx {
		return w.objHi
	}
	return w.c.cons[ci].hi
}

func (w *worker) propagateOne(ci int) bool {
	con := w.c.cons[ci]
	hi := w.upper(ci)
	unfixed, open := -1, 0
	for i, l := range con.enforce {
		switch w.litValue(l) {
		case 0:
			return true
		case -1:
			open++
			unfixed = i
		}
	}
	minSum, maxSum := w.sums(con.terms)
	if open > 0 {
		if (minSum > hi || maxSum < con.lo) && open == 1 {
			return w.setLit(con.enforce[unfixed], false)
		}
		return true
	}
	if minSum > hi || maxSum < con.lo {
		return false
	}
	if hi < Inf {
		for _, t := range con.terms {
			var tmin int64
			if t.Coef > 0 {
				tmin = t.Coef * w.lb[t.Var]
			} else {
				tmin = t.Coef * w.ub[t.Var]
			}
			slack := hi - (minSum - tmin)
			if t.Coef > 0 {
				if !w.setUB(t.Var, floorDiv(slack, t.Coef)) {
					return false
				}
			} else if !w.setLB(t.Var, ceilDiv(slack, t.Coef)) {
				return false
			}
		}
	}
	if con.lo > -Inf {
		_, maxSum = w.sums(con.terms)
		for _, t := range con.terms {
			var tmax int64
			if t.Coef > 0 {
				tmax = t.Coef * w.ub[t.Var]
			} else {
				tmax = t.Coef * w.lb[t.Var]
			}
			need := con.lo - (maxSum - tmax)
			if t.Coef > 0 {
				if !w.setLB(t.Var, ceilDiv(need, t.Coef)) {
					return false
				}
			} else if !w.setUB(t.Var, floorDiv(need, t.Coef)) {
				return false
			}
		}
	}
	return true
}

func (w *worker) propagate() bool {
	for len(w.queue) > 0 {
		ci := w.queue[len(w.queue)-1]
		w.queue = w.queue[:len(w.queue)-1]
		w.queued[ci] = false
		if !w.propagateOne(ci) {
			w.flush()
			return false
		}
	}
	return true
}

func (w *worker) halted() bool {
	if w.stopped {
		return true
	}
	if w.shared.stop.Load() {
		w.stopped = true
		return true
	}
	if w.params.NodeLimit > 0 && w.nodes >= w.params.NodeLimit {
		w.stopped, w.aborted = true, true
		return true
	}
	if w.nodes&255 == 0 && w.ctx.Err() != nil {
		w.stopped, w.aborted = true, true
		return true
	}
	return false
}

func (w *worker) refreshBound() {
	if w.c.objIdx < 0 {
		return
	}
	if best, ok := w.shared.get(); ok && best-1 < w.objHi {
		w.objHi = best - 1
	}
	w.enqueue(w.c.objIdx)
}

func (w *worker) objective() int64 {
	if w.c.objIdx < 0 {
		return 0
	}
	v := w.c.m.objOffset
	for _, t := range w.c.cons[w.c.objIdx].terms {
		v += t.Coef * w.lb[t.Var]
	}
	return v
}

func (w *worker) record() {
	obj := w.objective()
	w.shared.offer(obj, append([]int64(nil), w.lb...))
	if w.c.objIdx < 0 || obj <= w.shared.bound {
		w.shared.proved.Store(true)
		w.shared.stop.Store(true)
	}
	if obj-1 < w.objHi {
		w.objHi = obj - 1
	}
}

func (w *worker) key(v IntVar) int64 {
	if !w.c.m.isBool[v] {
		return w.lb[v]
	}
	if len(w.c.scope[v]) == 0 {
		return -Inf
	}
	k := Inf
	for _, s := range w.c.scope[v] {
		if w.lb[s] < k {
			k = w.lb[s]
		}
	}
	return k
}

func (w *worker) pick() (IntVar, bool) {
	for _, tier := range w.c.tiers {
		best := IntVar(-1)
		var bestKey int64
		for _, v := range tier {
			if w.lb[v] == w.ub[v] {
				continue
			}
			k := w.key(v)
			if best < 0 || k < bestKey || (k == bestKey && w.rng != nil && w.rng.Intn(3) == 0) {
				best, bestKey = v, k
			}
		}
		if best >= 0 {
			return best, true
		}
	}
	return 0, false
}

// violation measures how far a constraint is from holding when every
// variable sits at its lower bound.
func (w *worker) violation(ci int) int64 {
	con := w.c.cons[ci]
	var s int64
	for _, t := range con.terms {
		s += t.Coef * w.lb[t.Var]
	}
	if hi := w.upper(ci); s > hi {
		return s - hi
	}
	if s < con.lo {
		return con.lo - s
	}
	return 0
}

func (w *worker) preferBool(v IntVar) int64 {
	m := w.c.m
	if m.hasHint[v] && (w.rng == nil || w.rng.Intn(5) != 0) {
		return m.hint[v]
	}
	var v1, v0 int64
	for _, ci := range w.c.enfPos[v] {
		v1 += w.violation(ci)
	}
	for _, ci := range w.c.enfNeg[v] {
		v0 += w.violation(ci)
	}
	choice := int64(1)
	if v0 < v1 {
		choice = 0
	}
	if w.rng != nil && (v0 == v1 || w.rng.Intn(8) == 0) {
		choice = int64(w.rng.Intn(2))
	}
	return choice
}

// irrelevant reports whether no value of the boolean v can change the
// outcome: every constraint it enforces is already disabled by another literal
// or entailed by the current domains.
func (w *worker) irrelevant(v IntVar) bool {
	if w.c.inTerms[v] {
		return false
	}
	for _, list := range [2][]int{w.c.enfPos[v], w.c.enfNeg[v]} {
		for _, ci := range list {
			con := w.c.cons[ci]
			dead := false
			for _, l := range con.enforce {
				if l.Var != v && w.litValue(l) == 0 {
					dead = true
					break
				}
			}
			if dead {
				continue
			}
			lo, hi := w.sums(con.terms)
			if lo < con.lo || hi > w.upper(ci) {
				return false
			}
		}
	}
	return true
}

func (w *worker) branches(v IntVar) []branch {
	lo, hi := w.lb[v], w.ub[v]
	if w.c.m.isBool[v] {
		first := w.preferBool(v)
		if w.irrelevant(v) {
			return []branch{{v, first, first}}
		}
		return []branch{{v, first, first}, {v, 1 - first, 1 - first}}
	}
	val := lo
	if w.c.m.hasHint[v] {
		if h := w.c.m.hint[v]; h >= lo && h <= hi {
			val = h
		}
	}
	out := []branch{{v, val, val}}
	if val < hi {
		out = append(out, branch{v, val + 1, hi})
	}
	if val > lo {
		out = append(out, branch{v, lo, val - 1})
	}
	return out
}

func (w *worker) restrict(b branch) bool {
	return w.setLB(b.v, b.lo) && w.setUB(b.v, b.hi)
}

func (w *worker) dfs() {
	if w.halted() {
		return
	}
	w.nodes++
	w.refreshBound()
	if !w.propagate() {
		return
	}
	if w.params.Polish && w.c.boolsFixed(w.lb, w.ub) {
		w.completeLeaf()
		return
	}
	v, ok := w.pick()
	if !ok {
		w.record()
		return
	}
	for _, br := range w.branches(v) {
		if w.halted() {
			return
		}
		mark := len(w.trail)
		if w.restrict(br) {
			w.dfs()
		} else {
			w.flush()
		}
		w.undo(mark)
	}
}

// completeLeaf assigns the remaining integer variables once every boolean is
// fixed. The linear program over the remaining variables gives the best
// completion; a lower-bound dive is used when the LP is unavailable.
func (w *worker) completeLeaf() {
	mark := len(w.trail)
	defer w.undo(mark)
	vals, outcome := w.polishLP()
	switch outcome {
	case lpPruned:
		return
	case lpSolved:
		if w.fixAll(vals) {
			w.record()
			return
		}
		w.undo(mark)
	}
	w.shared.incomplete.Store(true)
	if w.dive() {
		w.record()
	}
}

func (w *worker) fixAll(vals map[IntVar]int64) bool {
	for v, x := range vals {
		if !w.setLB(v, x) || !w.setUB(v, x) {
			w.flush()
			return false
		}
	}
	return w.propagate() && w.allFixed()
}

func (w *worker) allFixed() bool {
	for v := range w.lb {
		if w.lb[v] != w.ub[v] {
			return false
		}
	}
	return true
}

func (w *worker) dive() bool {
	for {
		v, ok := w.pick()
		if !ok {
			return true
		}
		if !w.setUB(v, w.lb[v]) || !w.propagate() {
			w.flush()
			return false
		}
	}
}

// ErrWorkerFailed is returned when a search worker aborts.
var ErrWorkerFailed = errors.New("search worker failed")

// runWorker points to the worker loop. Tests override it to simulate failures.
var runWorker = (*worker).run

func (w *worker) run() {
	w.dfs()
	if !w.stopped {
		w.shared.proved.Store(true)
		w.shared.stop.Store(true)
	}
}

// Solve searches the model for an optimal assignment. The error is non-nil
// for invalid models and aborted workers; infeasibility is reported through
// Status.
func Solve(ctx context.Context, m *Model, p Params) (Result, error) {
	start := time.Now()
	if err := m.Validate(); err != nil {
		return Result{Status: StatusUnknown, Bound: -Inf}, err
	}
	if p.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.TimeLimit)
		defer cancel()
	}
	c := compile(m)
	shared := &incumbent{bound: -Inf}

	root := newWorker(ctx, c, 0, shared, p)
	if !root.propagate() {
		return Result{Status: StatusInfeasible, Bound: -Inf, WallTime: time.Since(start)}, nil
	}
	if c.objIdx >= 0 {
		shared.bound = relaxationBound(c, root.lb, root.ub, p.relaxationRows())
	}

	n := p.Workers
	if n < 1 {
		n = 1
	}
	workers := make([]*worker, n)
	var g errgroup.Group
	for i := range workers {
		w := newWorker(ctx, c, i, shared, p)
		workers[i] = w
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					shared.stop.Store(true)
					err = fmt.Errorf("%w: worker %d: %v", ErrWorkerFailed, w.id, r)
				}
			}()
			runWorker(w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Status: StatusUnknown, Bound: -Inf, WallTime: time.Since(start)}, err
	}

	res := Result{Bound: shared.bound, WallTime: time.Since(start)}
	for _, w := range workers {
		res.Nodes += w.nodes
	}
	best, found := shared.get()
	proved := shared.proved.Load()
	if p.Polish && shared.incomplete.Load() && c.objIdx >= 0 && !(found && best <= shared.bound) {
		proved = false
	}
	switch {
	case found && proved:
		res.Status = StatusOptimal
	case found:
		res.Status = StatusFeasible
	case proved:
		res.Status = StatusInfeasible
	default:
		res.Status = StatusUnknown
	}
	if found {
		res.Objective = best
		shared.mu.Lock()
		res.Values = shared.values
		shared.mu.Unlock()
		if res.Status == StatusOptimal {
			res.Bound = best
		}
	}
	return res, nil
}

func (p Params) relaxationRows() int {
	if p.RelaxationMaxRows == 0 {
		return DefaultRelaxationRows
	}
	return p.RelaxationMaxRows
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) == (b < 0) {
		q++
	}
	return q
}

func roundInt(x float64) int64 { return int64(math.Round(x)) }
