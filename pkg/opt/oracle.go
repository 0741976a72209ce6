// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package opt

import "context"

// Oracle estimates and validates joins on behalf of the search engine. It
// is implemented by the surrounding planner; the search engine never
// inspects plan nodes itself.
//
// Oracles carry mutable planner state. The partitioned search gives every
// worker its own snapshot via Fork and installs the winning worker's
// snapshot via Adopt, so implementations need not be safe for concurrent
// use: each fork is only ever used from one goroutine.
type Oracle interface {
	// TryJoin builds a join between two disjoint relations, enforcing all
	// semantic legality (outer-join ordering, laterals, and so on)
	// internally. ok is false when the pair admits no legal join; this is
	// not an error. A non-nil error is an oracle failure and aborts the
	// calling task.
	TryJoin(left, right Relation) (node PlanNode, ok bool, err error)

	// MaybeParallelize adds a parallel-gather plan variant to node, unless
	// finalLevel marks it as covering the topmost, all-relation level.
	MaybeParallelize(node PlanNode, finalLevel bool)

	// Finalize materializes implementation strategies for node and selects
	// its cheapest concrete plan, mutating the node in place. It must be
	// called exactly once per node, after MaybeParallelize.
	Finalize(node PlanNode)

	// Desirable reports whether a usable join clause exists between the
	// two relations, or an order restriction forces their combination.
	// Only the guide-tree assembler consults it.
	Desirable(a, b Relation) bool

	// TotalCost returns the total cost of node's cheapest plan. It is the
	// sole basis for every cost comparison in the search engine.
	TotalCost(node PlanNode) float64

	// Fork returns an independent copy of the oracle's mutable state.
	Fork() Oracle

	// Adopt replaces the oracle's mutable state with that of a snapshot
	// previously returned by Fork.
	Adopt(snapshot Oracle)
}

// Logger receives progress events from the search engine. Implementations
// must be safe for concurrent use by multiple workers. A nil Logger
// discards all events.
type Logger interface {
	Logf(ctx context.Context, format string, args ...interface{})
}
