package stagea

// plan is a station and entry time per batch and stage, index 0 being the
// virtual start stage.
type plan struct {
	station [][]int
	entry   [][]int64
	// consistent is false when the greedy pass had to break a hard group rule.
	consistent bool
}

// greedy builds a list schedule: batches in input order, each stage placed at
// the candidate station that frees up first. Waiting beyond a stage's slack
// pushes the batch start back and restarts the batch.
func (o *Optimizer) greedy(in *instance) plan {
	n := len(in.batches)
	pl := plan{station: make([][]int, n), entry: make([][]int64, n), consistent: true}
	free := make(map[int]int64)
	var prevStart int64
	for b := range in.batches {
		stages := in.stages[b]
		k := len(stages)
		st := make([]int, k+1)
		en := make([]int64, k+1)
		st[0] = in.batches[b].StartStation
		s0 := prevStart
		for {
			en[0] = s0
			t := s0 + in.avg
			restart := false
			for i := 1; i <= k; i++ {
				s := o.pickStation(in, b, i, st[i-1], t, free)
				entry := t
				if f := free[s]; f > entry {
					entry = f
				}
				wait := entry - t
				var slack int64
				if i > 1 {
					slack = stages[i-2].MaxTime - stages[i-2].MinTime
				}
				if wait > slack {
					s0 += wait - slack
					restart = true
					break
				}
				st[i], en[i] = s, entry
				t = entry + stages[i-1].MinTime + in.avg
			}
			if !restart {
				break
			}
		}
		for i := 1; i <= k; i++ {
			if end := en[i] + stages[i-1].MinTime + in.change; end > free[st[i]] {
				free[st[i]] = end
			}
			if o.opts.SameGroupHard && i > 1 && in.groupRule(b, i-1) && o.group(st[i-1]) != o.group(st[i]) {
				pl.consistent = false
			}
		}
		pl.station[b], pl.entry[b] = st, en
		prevStart = s0
	}
	return pl
}

// pickStation returns the candidate of (b, i) that is free the earliest,
// preferring the group of the previous stage's station on ties and, in hard
// group mode, restricting to that group when possible.
func (o *Optimizer) pickStation(in *instance, b, i, prev int, t int64, free map[int]int64) int {
	cands := in.cands[b][i]
	if o.opts.SameGroup && i > 1 {
		var same []int
		for _, s := range cands {
			if o.group(s) == o.group(prev) {
				same = append(same, s)
			}
		}
		if o.opts.SameGroupHard && len(same) > 0 {
			cands = same
		}
	}
	best := cands[0]
	bestAt := maxInt(t, free[best])
	for _, s := range cands[1:] {
		at := maxInt(t, free[s])
		if at < bestAt || (at == bestAt && o.opts.SameGroup && i > 1 && o.group(s) == o.group(prev) && o.group(best) != o.group(prev)) {
			best, bestAt = s, at
		}
	}
	return best
}

func (o *Optimizer) group(station int) int {
	s, err := o.plant.Station(station)
	if err != nil {
		return -station
	}
	return s.Group
}

func maxInt(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// makespan is the latest exit of the plan.
func (pl plan) makespan(in *instance) int64 {
	var m int64
	for b, en := range pl.entry {
		for i := 1; i < len(en); i++ {
			if e := en[i] + in.stages[b][i-1].MinTime; e > m {
				m = e
			}
		}
	}
	return m
}
