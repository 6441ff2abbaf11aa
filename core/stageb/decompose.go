package stageb

import (
	"sort"

	"github.com/kilianp07/hoistsched/core/model"
)

// Component is a set of batches whose time windows overlap. Batches are
// listed in Stage-A first-stage order.
type Component struct {
	Index   int
	Batches []int
	// Start and End span the padded windows of the batches.
	Start, End int64
}

type window struct {
	id         int
	rank       int
	start, end int64
}

type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
		u.size[i] = 1
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}

// Windows returns the padded Stage-A time window of every batch keyed by id.
func Windows(plan []model.ScheduleEntry, margin int64) map[int][2]int64 {
	w := make(map[int][2]int64)
	for _, e := range plan {
		cur, ok := w[e.BatchID]
		if !ok {
			cur = [2]int64{e.Entry, e.Exit}
		}
		if e.Entry < cur[0] {
			cur[0] = e.Entry
		}
		if e.Exit > cur[1] {
			cur[1] = e.Exit
		}
		w[e.BatchID] = cur
	}
	for id, cur := range w {
		w[id] = [2]int64{cur[0] - margin, cur[1] + margin}
	}
	return w
}

// Decompose groups the batches of order into components of overlapping
// windows. Components are returned by window start.
func Decompose(plan []model.ScheduleEntry, order []int, margin int64) []Component {
	spans := Windows(plan, margin)
	ws := make([]window, 0, len(order))
	for rank, id := range order {
		s, ok := spans[id]
		if !ok {
			continue
		}
		ws = append(ws, window{id: id, rank: rank, start: s[0], end: s[1]})
	}
	if len(ws) == 0 {
		return nil
	}
	byStart := make([]int, len(ws))
	for i := range byStart {
		byStart[i] = i
	}
	sort.SliceStable(byStart, func(a, b int) bool { return ws[byStart[a]].start < ws[byStart[b]].start })

	uf := newUnionFind(len(ws))
	reach := byStart[0]
	for _, i := range byStart[1:] {
		if ws[i].start <= ws[reach].end {
			uf.union(reach, i)
		}
		if ws[i].end > ws[reach].end {
			reach = i
		}
	}

	groups := make(map[int]*Component)
	var roots []int
	for _, i := range byStart {
		r := uf.find(i)
		c, ok := groups[r]
		if !ok {
			c = &Component{Start: ws[i].start, End: ws[i].end}
			groups[r] = c
			roots = append(roots, r)
		}
		if ws[i].end > c.End {
			c.End = ws[i].end
		}
	}
	members := make(map[int][]window)
	for i, w := range ws {
		r := uf.find(i)
		members[r] = append(members[r], w)
	}
	out := make([]Component, 0, len(roots))
	for idx, r := range roots {
		ms := members[r]
		sort.Slice(ms, func(a, b int) bool { return ms[a].rank < ms[b].rank })
		c := groups[r]
		c.Index = idx
		for _, w := range ms {
			c.Batches = append(c.Batches, w.id)
		}
		out = append(out, *c)
	}
	return out
}

// Single returns one component holding every batch of order.
func Single(plan []model.ScheduleEntry, order []int) Component {
	c := Component{Batches: append([]int(nil), order...)}
	spans := Windows(plan, 0)
	first := true
	for _, id := range order {
		s, ok := spans[id]
		if !ok {
			continue
		}
		if first || s[0] < c.Start {
			c.Start = s[0]
		}
		if first || s[1] > c.End {
			c.End = s[1]
		}
		first = false
	}
	return c
}
