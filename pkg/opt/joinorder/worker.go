// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinorder

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinsearch/pkg/opt"
)

// orderConstraint is an ordered pair of base-relation ordinals: after must
// not appear in any intermediate join result lacking before.
type orderConstraint struct {
	before, after int
}

// bushyConstraint orders a disjoint ordinal triple (first, second, third):
// first must join with third before second enters any enclosing
// intermediate result.
type bushyConstraint struct {
	first, second, third int
}

// dpTable maps a subset bitmap to the best known relation covering exactly
// that subset. A nil entry marks a subset with no known plan; it is never
// interpreted as an empty or zero-cost join.
type dpTable []*opt.Relation

func makeDPTable(n int) dpTable {
	return make(dpTable, 1<<uint(n))
}

func (d dpTable) get(s opt.RelSet) *opt.Relation {
	return d[s]
}

// improve records rel under its covering set, unless an entry with equal or
// lower total cost is already present. Repeated calls with the same inputs
// are idempotent; a recorded cost never increases.
func (d dpTable) improve(o opt.Oracle, rel *opt.Relation) {
	if cur := d[rel.Rels]; cur != nil && o.TotalCost(cur.Plan) <= o.TotalCost(rel.Plan) {
		return
	}
	d[rel.Rels] = rel
}

// workerTask is one independent unit of the partitioned search. It owns a
// forked oracle snapshot and a private DP table for its lifetime; nothing
// is shared with other tasks until the orchestrator's merge step.
type workerTask struct {
	oracle  opt.Oracle
	rels    []opt.Relation
	n       int
	partID  int
	workers int
	mode    Mode
	logger  opt.Logger

	pairs   []orderConstraint
	triples []bushyConstraint
	dp      dpTable
}

// partitionConstraints derives the left-deep constraint set for one
// partition. Ordinals are grouped in disjoint pairs (2i, 2i+1); bit i of
// partID orients pair i. For example, with workers=4 and partID=2, bit 0
// is clear so relation 0 precedes relation 1, and bit 1 is set so relation
// 3 precedes relation 2. Distinct partition ids differ in at least one
// pair's orientation, and the orientations across all ids in [0, workers)
// cover the unconstrained space.
func partitionConstraints(partID, workers int) []orderConstraint {
	var pc []orderConstraint
	for i := 0; 1<<uint(i) < workers; i++ {
		if partID&(1<<uint(i)) != 0 {
			pc = append(pc, orderConstraint{before: 2*i + 1, after: 2 * i})
		} else {
			pc = append(pc, orderConstraint{before: 2 * i, after: 2*i + 1})
		}
	}
	return pc
}

// partitionConstraintsBushy is the bushy analogue of partitionConstraints:
// ordinals are grouped in disjoint triples (3i, 3i+1, 3i+2) and bit i of
// partID selects which of the first two ordinals must combine with the
// third before the other joins in.
func partitionConstraintsBushy(partID, workers int) []bushyConstraint {
	var pc []bushyConstraint
	for i := 0; 1<<uint(i) < workers; i++ {
		if partID&(1<<uint(i)) != 0 {
			pc = append(pc, bushyConstraint{first: 3*i + 1, second: 3 * i, third: 3*i + 2})
		} else {
			pc = append(pc, bushyConstraint{first: 3 * i, second: 3*i + 1, third: 3*i + 2})
		}
	}
	return pc
}

// constrainedPowerSet returns the admissible subsets of the ordinal pair
// {q1, q2}. A singleton {q} is dropped when some constraint names q as its
// after ordinal: such a q cannot stand alone in an intermediate result.
// The full pair is always admissible.
func constrainedPowerSet(pairs []orderConstraint, q1, q2 int) []opt.RelSet {
	includeQ1, includeQ2 := true, true
	for _, c := range pairs {
		if c.after == q1 {
			includeQ1 = false
		} else if c.after == q2 {
			includeQ2 = false
		}
	}
	var cps []opt.RelSet
	if includeQ1 {
		cps = append(cps, opt.MakeRelSet(q1))
	}
	if includeQ2 {
		cps = append(cps, opt.MakeRelSet(q2))
	}
	return append(cps, opt.MakeRelSet(q1, q2))
}

// constrainedPowerSetBushy returns the admissible subsets of the ordinal
// triple {q1, q2, q3}. The two pairs involving q3 are dropped when their
// other member is named as the after ordinal of some constraint.
func constrainedPowerSetBushy(triples []bushyConstraint, q1, q2, q3 int) []opt.RelSet {
	includeQ1Q3, includeQ2Q3 := true, true
	for _, c := range triples {
		if c.second == q1 {
			includeQ1Q3 = false
		} else if c.second == q2 {
			includeQ2Q3 = false
		}
	}
	cps := []opt.RelSet{
		opt.MakeRelSet(q1),
		opt.MakeRelSet(q2),
		opt.MakeRelSet(q3),
		opt.MakeRelSet(q1, q2),
	}
	if includeQ1Q3 {
		cps = append(cps, opt.MakeRelSet(q1, q3))
	}
	if includeQ2Q3 {
		cps = append(cps, opt.MakeRelSet(q2, q3))
	}
	return append(cps, opt.MakeRelSet(q1, q2, q3))
}

// crossUnion combines two admissible-set lists: the result contains every
// element of both lists plus the union of every cross pair. Chained across
// disjoint ordinal groups it yields exactly the subsets assemblable from
// per-group admissible pieces; with unconstrained groups that degenerates
// to the full power set.
func crossUnion(a, b []opt.RelSet) []opt.RelSet {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	res := make([]opt.RelSet, 0, len(a)+len(b)+len(a)*len(b))
	res = append(res, a...)
	res = append(res, b...)
	for _, sa := range a {
		for _, sb := range b {
			res = append(res, sa.Union(sb))
		}
	}
	return res
}

// admissibleSets expands the task's constraint set into the list of subsets
// that may appear as self-contained intermediate join results. Ordinals
// beyond the last full group join the product as their own short group so
// that coverage holds for every relation count.
func (w *workerTask) admissibleSets() []opt.RelSet {
	var sets []opt.RelSet
	switch w.mode {
	case LeftDeep:
		i := 0
		for ; 2*i+1 < w.n; i++ {
			sets = crossUnion(sets, constrainedPowerSet(w.pairs, 2*i, 2*i+1))
		}
		if 2*i < w.n {
			sets = crossUnion(sets, []opt.RelSet{opt.MakeRelSet(2 * i)})
		}
	case Bushy:
		i := 0
		for ; 3*i+2 < w.n; i++ {
			q1, q2, q3 := 3*i, 3*i+1, 3*i+2
			if i < len(w.triples) {
				t := w.triples[i]
				q1, q2, q3 = t.first, t.second, t.third
			}
			sets = crossUnion(sets, constrainedPowerSetBushy(w.triples, q1, q2, q3))
		}
		switch w.n - 3*i {
		case 1:
			sets = crossUnion(sets, []opt.RelSet{opt.MakeRelSet(3 * i)})
		case 2:
			sets = crossUnion(sets, []opt.RelSet{
				opt.MakeRelSet(3 * i),
				opt.MakeRelSet(3*i + 1),
				opt.MakeRelSet(3*i, 3*i+1),
			})
		}
	}
	return sets
}

// tryJoin asks the oracle for a join of two finalized relations covering s
// and folds a successful result into the DP table. Oracle failures abort
// the task; an illegal pair is skipped silently.
func (w *workerTask) tryJoin(left, right opt.Relation, s opt.RelSet, final bool) error {
	node, ok, err := w.oracle.TryJoin(left, right)
	if err != nil {
		return errors.Wrapf(err, "joining %v and %v", left.Rels, right.Rels)
	}
	if !ok {
		return nil
	}
	w.oracle.MaybeParallelize(node, final)
	w.oracle.Finalize(node)
	w.dp.improve(w.oracle, &opt.Relation{Rels: s, Plan: node})
	return nil
}

// trySplitsLeftDeep enumerates the legal (left tree, singleton right)
// decompositions of the admissible subset s and records the cheapest
// resulting join in the DP table. It never touches entries for strict
// subsets of s.
func (w *workerTask) trySplitsLeftDeep(s opt.RelSet) error {
	// An ordinal constrained to precede another member of s cannot be the
	// last relation joined in.
	var barred opt.RelSet
	for _, c := range w.pairs {
		if s.Contains(c.before) && s.Contains(c.after) {
			barred.Add(c.before)
		}
	}
	final := s.Len() == w.n
	for u, ok := s.Next(0); ok; u, ok = s.Next(u + 1) {
		if barred.Contains(u) {
			continue
		}
		left := w.dp.get(s.Without(u))
		right := w.dp.get(opt.MakeRelSet(u))
		if left == nil || right == nil {
			continue
		}
		if err := w.tryJoin(*left, *right, s, final); err != nil {
			return err
		}
	}
	return nil
}

// trySplitsBushy partitions the admissible subset s into every two-way
// split consistent with its groups' admissibility structure, evaluates a
// join for each pair with a known plan on both sides, and keeps the
// minimum-cost result.
func (w *workerTask) trySplitsBushy(s opt.RelSet) error {
	final := s.Len() == w.n
	for _, l := range w.bushySplitCandidates(s) {
		if l.Empty() || l == s {
			continue
		}
		left := w.dp.get(l)
		right := w.dp.get(s.Difference(l))
		if left == nil || right == nil {
			continue
		}
		if err := w.tryJoin(*left, *right, s, final); err != nil {
			return err
		}
	}
	return nil
}

// bushySplitCandidates rebuilds, restricted to the members of s, the
// admissible pieces of every ordinal group and combines them with
// crossUnion; each result is a candidate left side of a split of s. The
// case analysis for constrained groups is deliberately narrower than the
// unconstrained one: a pair under an ordering restriction loses the
// decompositions that would reorder it.
func (w *workerTask) bushySplitCandidates(s opt.RelSet) []opt.RelSet {
	var cands []opt.RelSet
	i := 0
	for ; 3*i+2 < w.n; i++ {
		var pow []opt.RelSet
		add := func(ords ...int) {
			pow = append(pow, opt.MakeRelSet(ords...))
		}
		if i < len(w.triples) {
			t := w.triples[i]
			q1, q2, q3 := t.first, t.second, t.third
			p1, p2, p3 := s.Contains(q1), s.Contains(q2), s.Contains(q3)
			switch {
			case p3:
				add(q3)
				if p2 {
					add(q2)
					if p1 {
						add(q1, q2)
						add(q1, q3)
						add(q1, q2, q3)
					}
				} else if p1 {
					add(q1)
					add(q1, q3)
				}
			case p2:
				add(q2)
				if p1 {
					add(q1, q2)
					add(q1)
				}
			case p1:
				add(q1)
			}
		} else {
			q1, q2, q3 := 3*i, 3*i+1, 3*i+2
			p1, p2, p3 := s.Contains(q1), s.Contains(q2), s.Contains(q3)
			switch {
			case p3:
				add(q3)
				if p2 {
					add(q2)
					add(q2, q3)
					if p1 {
						add(q1)
						add(q1, q2)
						add(q1, q3)
						add(q1, q2, q3)
					}
				} else if p1 {
					add(q1)
					add(q1, q3)
				}
			case p2:
				add(q2)
				if p1 {
					add(q1, q2)
					add(q1)
				}
			case p1:
				add(q1)
			}
		}
		cands = crossUnion(cands, pow)
	}
	// Ordinals beyond the last full triple form a short unconstrained
	// group: every present subset of it is admissible.
	var rest []int
	for j := 3 * i; j < w.n; j++ {
		if s.Contains(j) {
			rest = append(rest, j)
		}
	}
	switch len(rest) {
	case 1:
		cands = crossUnion(cands, []opt.RelSet{opt.MakeRelSet(rest[0])})
	case 2:
		cands = crossUnion(cands, []opt.RelSet{
			opt.MakeRelSet(rest[0]),
			opt.MakeRelSet(rest[1]),
			opt.MakeRelSet(rest[0], rest[1]),
		})
	}
	return cands
}

// run executes one partition's search to completion, returning the relation
// covering every input or an error if this partition's slice of the space
// contains no full plan.
func (w *workerTask) run(ctx context.Context) (*opt.Relation, error) {
	switch w.mode {
	case LeftDeep:
		w.pairs = partitionConstraints(w.partID, w.workers)
	case Bushy:
		w.triples = partitionConstraintsBushy(w.partID, w.workers)
	default:
		return nil, errors.AssertionFailedf("unknown search mode %v", w.mode)
	}
	sets := w.admissibleSets()
	// Every strict subset of an admissible set that can appear on one side
	// of a split has smaller cardinality, so filling the table in
	// cardinality order finalizes subproblems before they are needed.
	slices.SortStableFunc(sets, func(a, b opt.RelSet) int {
		return a.Len() - b.Len()
	})
	w.dp = makeDPTable(w.n)
	for i := range w.rels {
		w.dp[opt.MakeRelSet(i)] = &w.rels[i]
	}
	logf(ctx, w.logger, "searching %d admissible sets under %d constraints",
		len(sets), len(w.pairs)+len(w.triples))
	for _, s := range sets {
		if s.Len() < 2 {
			// Singletons are covered by the seeded base relations.
			continue
		}
		var err error
		if w.mode == LeftDeep {
			err = w.trySplitsLeftDeep(s)
		} else {
			err = w.trySplitsBushy(s)
		}
		if err != nil {
			return nil, err
		}
	}
	best := w.dp.get(opt.FullRelSet(w.n))
	if best == nil {
		return nil, errors.Wrapf(ErrNoLegalJoinOrder, "failed to build a %d-way join", w.n)
	}
	return best, nil
}
