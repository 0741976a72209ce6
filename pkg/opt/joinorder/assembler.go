// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinorder

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinsearch/pkg/opt"
	"github.com/cockroachdb/redact"
	"github.com/google/btree"
)

// clump is a partial join result tracked during guide-tree assembly.
type clump struct {
	rel  opt.Relation
	size int // number of base relations joined into rel
	seq  int // insertion order; breaks size ties
}

// clumpList keeps clumps ordered by size descending, insertion order
// ascending. Equal-sized clumps therefore stay in the order they were
// inserted.
type clumpList struct {
	t       *btree.BTreeG[*clump]
	nextSeq int
}

const clumpTreeDegree = 8

func newClumpList() *clumpList {
	return &clumpList{
		t: btree.NewG(clumpTreeDegree, func(a, b *clump) bool {
			if a.size != b.size {
				return a.size > b.size
			}
			return a.seq < b.seq
		}),
	}
}

func (cl *clumpList) insert(c *clump) {
	c.seq = cl.nextSeq
	cl.nextSeq++
	cl.t.ReplaceOrInsert(c)
}

func (cl *clumpList) remove(c *clump) {
	cl.t.Delete(c)
}

func (cl *clumpList) len() int {
	return cl.t.Len()
}

// items returns the clumps in list order.
func (cl *clumpList) items() []*clump {
	res := make([]*clump, 0, cl.t.Len())
	cl.t.Ascend(func(c *clump) bool {
		res = append(res, c)
		return true
	})
	return res
}

// assembler drives the guide-tree heuristic: resolve the tree bottom-up,
// merging where the oracle finds a join desirable, then force-merge
// whatever did not combine on the way up.
type assembler struct {
	oracle opt.Oracle
	rels   []opt.Relation
	n      int
}

// resolution is the outcome of resolving one guide-tree node: either a
// single merged clump, or the still-unmerged clumps of both subtrees.
type resolution struct {
	merged   *clump
	unmerged []*clump
}

func (r resolution) clumps() []*clump {
	if r.merged != nil {
		return []*clump{r.merged}
	}
	return r.unmerged
}

// join attempts to combine two clumps into one finalized clump. ok is false
// when the pair admits no legal join.
func (a *assembler) join(c1, c2 *clump) (_ *clump, ok bool, _ error) {
	node, ok, err := a.oracle.TryJoin(c1.rel, c2.rel)
	if err != nil {
		return nil, false, errors.Wrapf(err, "joining %v and %v", c1.rel.Rels, c2.rel.Rels)
	}
	if !ok {
		return nil, false, nil
	}
	size := c1.size + c2.size
	a.oracle.MaybeParallelize(node, size == a.n)
	a.oracle.Finalize(node)
	return &clump{
		rel:  opt.Relation{Rels: c1.rel.Rels.Union(c2.rel.Rels), Plan: node},
		size: size,
	}, true, nil
}

// resolve walks the guide tree. A leaf yields a singleton clump; an
// internal node joins its children's clumps when both sides resolved to a
// single clump and the oracle finds the join desirable, and otherwise
// postpones by concatenating the two clump lists.
func (a *assembler) resolve(t *opt.GuideTree) (resolution, error) {
	if t.IsLeaf() {
		return resolution{merged: &clump{rel: a.rels[t.Ordinal], size: 1}}, nil
	}
	left, err := a.resolve(t.Left)
	if err != nil {
		return resolution{}, err
	}
	right, err := a.resolve(t.Right)
	if err != nil {
		return resolution{}, err
	}
	if left.merged == nil || right.merged == nil {
		// A subtree has already postponed some join; postpone everything.
		return resolution{unmerged: append(left.clumps(), right.clumps()...)}, nil
	}
	c1, c2 := left.merged, right.merged
	if a.oracle.Desirable(c1.rel, c2.rel) {
		merged, ok, err := a.join(c1, c2)
		if err != nil {
			return resolution{}, err
		}
		if ok {
			return resolution{merged: merged}, nil
		}
	}
	return resolution{unmerged: []*clump{c1, c2}}, nil
}

// forceMerge folds c into the list: it joins c to the first existing clump
// that will legally accept it and keeps merging the enlarged result, which
// may now reach clumps it could not before. When nothing combines, c is
// inserted in size order and assembly moves on.
func (a *assembler) forceMerge(cl *clumpList, c *clump) error {
	for _, old := range cl.items() {
		merged, ok, err := a.join(old, c)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cl.remove(old)
		return a.forceMerge(cl, merged)
	}
	cl.insert(c)
	return nil
}

func checkGuideTree(tree *opt.GuideTree, n int) error {
	var seen opt.RelSet
	var walk func(t *opt.GuideTree) error
	walk = func(t *opt.GuideTree) error {
		if t == nil {
			return errors.AssertionFailedf("nil guide tree node")
		}
		if t.IsLeaf() {
			if t.Ordinal < 0 || t.Ordinal >= n {
				return errors.AssertionFailedf("guide tree ordinal %d out of range [0,%d)",
					redact.Safe(t.Ordinal), redact.Safe(n))
			}
			if seen.Contains(t.Ordinal) {
				return errors.AssertionFailedf("duplicate ordinal %d in guide tree",
					redact.Safe(t.Ordinal))
			}
			seen.Add(t.Ordinal)
			return nil
		}
		if t.Left == nil || t.Right == nil {
			return errors.AssertionFailedf("guide tree node with a single child")
		}
		if err := walk(t.Left); err != nil {
			return err
		}
		return walk(t.Right)
	}
	if err := walk(tree); err != nil {
		return err
	}
	if seen != opt.FullRelSet(n) {
		return errors.AssertionFailedf("guide tree covers %v, expected all %d relations",
			seen, redact.Safe(n))
	}
	return nil
}

// AssembleFromGuideTree builds a plan joining all of the given relations by
// following a precomputed binary guide tree: subtrees merge greedily where
// the oracle finds the join desirable, and whatever remains is force-merged
// in size order. The process is deterministic: identical inputs yield the
// identical winning relation and cost.
func AssembleFromGuideTree(
	ctx context.Context, oracle opt.Oracle, tree *opt.GuideTree, rels []opt.Relation,
) (opt.Relation, error) {
	n := len(rels)
	if err := checkSize(n); err != nil {
		return opt.Relation{}, err
	}
	if err := checkGuideTree(tree, n); err != nil {
		return opt.Relation{}, err
	}
	a := &assembler{oracle: oracle, rels: rels, n: n}
	res, err := a.resolve(tree)
	if err != nil {
		return opt.Relation{}, err
	}
	clumps := res.clumps()
	if len(clumps) == 1 {
		return clumps[0].rel, nil
	}
	cl := newClumpList()
	for _, c := range clumps {
		if err := a.forceMerge(cl, c); err != nil {
			return opt.Relation{}, err
		}
	}
	if cl.len() != 1 {
		return opt.Relation{}, errors.Wrapf(ErrNoLegalJoinOrder,
			"guide tree left %d unmergeable clumps", redact.Safe(cl.len()))
	}
	return cl.items()[0].rel, nil
}

// EvaluateGuideTree prices a guide tree without disturbing the caller's
// planner state: assembly runs on a forked oracle snapshot that is
// discarded afterwards. A tree that cannot legally merge prices as
// math.MaxFloat64.
func EvaluateGuideTree(
	ctx context.Context, oracle opt.Oracle, tree *opt.GuideTree, rels []opt.Relation,
) (float64, error) {
	fork := oracle.Fork()
	rel, err := AssembleFromGuideTree(ctx, fork, tree, rels)
	if err != nil {
		if errors.Is(err, ErrNoLegalJoinOrder) {
			return math.MaxFloat64, nil
		}
		return 0, err
	}
	return fork.TotalCost(rel.Plan), nil
}
