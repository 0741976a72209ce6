// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package opt

// GuideTree is a binary join-order tree produced upstream from semantic
// join-order restrictions. The heuristic assembler follows its shape when
// pairwise DP cannot resolve the ordering directly. A node is either a
// leaf naming a base-relation ordinal, or an internal node with two
// children.
type GuideTree struct {
	// Ordinal is the base-relation ordinal; meaningful only on leaves.
	Ordinal int

	Left, Right *GuideTree
}

// Leaf returns a guide-tree leaf for the given base-relation ordinal.
func Leaf(ord int) *GuideTree {
	return &GuideTree{Ordinal: ord}
}

// Internal returns a guide-tree node joining two subtrees.
func Internal(left, right *GuideTree) *GuideTree {
	return &GuideTree{Left: left, Right: right}
}

// IsLeaf returns true if the node is a leaf.
func (t *GuideTree) IsLeaf() bool {
	return t.Left == nil && t.Right == nil
}

// Rels returns the set of base-relation ordinals under this node.
func (t *GuideTree) Rels() RelSet {
	if t.IsLeaf() {
		return MakeRelSet(t.Ordinal)
	}
	var s RelSet
	if t.Left != nil {
		s = s.Union(t.Left.Rels())
	}
	if t.Right != nil {
		s = s.Union(t.Right.Rels())
	}
	return s
}

// NumLeaves returns the number of leaves under this node.
func (t *GuideTree) NumLeaves() int {
	if t.IsLeaf() {
		return 1
	}
	n := 0
	if t.Left != nil {
		n += t.Left.NumLeaves()
	}
	if t.Right != nil {
		n += t.Right.NumLeaves()
	}
	return n
}
