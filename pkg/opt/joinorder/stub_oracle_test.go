// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinorder

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinsearch/pkg/opt"
)

// stubOracle implements opt.Oracle over a static join graph: a join is
// legal iff some edge connects the two sides (or allowAll is set). Costs
// follow a simple cardinality model, cost(l ⋈ r) = cost(l) + cost(r) +
// card(l)·card(r), which is symmetric in the two inputs so that tests can
// compute expected plans by hand.
type stubOracle struct {
	cards    []float64
	edges    [][2]int
	allowAll bool
	failWith error

	// Mutable planner state, exercised by Fork and Adopt.
	joins        int
	parallelized int
}

type stubPlan struct {
	rels      opt.RelSet
	card      float64
	cost      float64
	finalized bool
	parallel  bool
}

func (o *stubOracle) relations() []opt.Relation {
	rels := make([]opt.Relation, len(o.cards))
	for i, c := range o.cards {
		s := opt.MakeRelSet(i)
		rels[i] = opt.Relation{Rels: s, Plan: &stubPlan{rels: s, card: c}}
	}
	return rels
}

func (o *stubOracle) connected(a, b opt.RelSet) bool {
	if o.allowAll {
		return true
	}
	for _, e := range o.edges {
		if (a.Contains(e[0]) && b.Contains(e[1])) || (a.Contains(e[1]) && b.Contains(e[0])) {
			return true
		}
	}
	return false
}

func (o *stubOracle) TryJoin(left, right opt.Relation) (opt.PlanNode, bool, error) {
	if o.failWith != nil {
		return nil, false, o.failWith
	}
	if left.Rels.Intersects(right.Rels) {
		return nil, false, errors.AssertionFailedf(
			"joining overlapping relation sets %v and %v", left.Rels, right.Rels)
	}
	if !o.connected(left.Rels, right.Rels) {
		return nil, false, nil
	}
	lp := left.Plan.(*stubPlan)
	rp := right.Plan.(*stubPlan)
	o.joins++
	return &stubPlan{
		rels: left.Rels.Union(right.Rels),
		card: lp.card * rp.card,
		cost: lp.cost + rp.cost + lp.card*rp.card,
	}, true, nil
}

func (o *stubOracle) MaybeParallelize(node opt.PlanNode, finalLevel bool) {
	if !finalLevel {
		node.(*stubPlan).parallel = true
		o.parallelized++
	}
}

func (o *stubOracle) Finalize(node opt.PlanNode) {
	node.(*stubPlan).finalized = true
}

func (o *stubOracle) Desirable(a, b opt.Relation) bool {
	return o.connected(a.Rels, b.Rels)
}

func (o *stubOracle) TotalCost(node opt.PlanNode) float64 {
	return node.(*stubPlan).cost
}

func (o *stubOracle) Fork() opt.Oracle {
	cpy := *o
	return &cpy
}

func (o *stubOracle) Adopt(snapshot opt.Oracle) {
	s := snapshot.(*stubOracle)
	o.joins = s.joins
	o.parallelized = s.parallelized
}

var _ opt.Oracle = &stubOracle{}

// bestLeftDeepCost finds the cheapest left-deep chain over the oracle's
// graph by trying every permutation. Exponential; for small inputs only.
func bestLeftDeepCost(o *stubOracle, rels []opt.Relation) (float64, bool) {
	best := math.Inf(1)
	found := false
	var extend func(cur opt.Relation, used opt.RelSet)
	extend = func(cur opt.Relation, used opt.RelSet) {
		if used == opt.FullRelSet(len(rels)) {
			if c := o.TotalCost(cur.Plan); c < best {
				best, found = c, true
			}
			return
		}
		for i := range rels {
			if used.Contains(i) {
				continue
			}
			node, ok, err := o.TryJoin(cur, rels[i])
			if err != nil || !ok {
				continue
			}
			extend(opt.Relation{Rels: used.Union(rels[i].Rels), Plan: node}, used.Union(rels[i].Rels))
		}
	}
	for i := range rels {
		extend(rels[i], rels[i].Rels)
	}
	return best, found
}
