// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package opt

// PlanNode is an opaque handle to a physical plan. Plan nodes are created,
// mutated, and costed exclusively by the Oracle; the search engine only
// carries them around and compares their total costs.
type PlanNode interface{}

// Relation is a handle to a base relation or to an already-formed join of
// base relations. It is tagged by the set of base-relation ordinals it
// covers and references its cheapest known plan. Relations are immutable
// once constructed; improving on a relation means constructing a new one.
type Relation struct {
	// Rels is the set of base-relation ordinals this relation covers.
	Rels RelSet

	// Plan is the cheapest known plan producing this relation, owned by
	// the Oracle.
	Plan PlanNode
}
