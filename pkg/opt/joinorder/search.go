// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package joinorder implements the join-order search of a cost-based query
// optimizer: given up to 32 scannable relations and a cost oracle able to
// estimate and validate the join of any two partial results, it finds a
// minimum-estimated-cost plan joining all of them.
//
// Search decomposes the dynamic-programming space across independent worker
// partitions, each exploring a deterministic slice of the space derived
// from its partition id. SearchExhaustive runs the classic unconstrained
// level-wise enumeration. AssembleFromGuideTree is the heuristic fallback
// for inputs whose order restrictions the DP cannot resolve directly.
//
// Memory and time are exponential in the number of relations; callers
// needing bounded planning time must impose an external limit.
package joinorder

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinsearch/pkg/opt"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"golang.org/x/sync/errgroup"
)

// Mode selects the shape of join trees the partitioned search explores.
type Mode int8

const (
	// LeftDeep restricts every join's right input to a single base
	// relation.
	LeftDeep Mode = iota
	// Bushy places no restriction on join tree shape.
	Bushy
)

func (m Mode) String() string {
	switch m {
	case LeftDeep:
		return "left-deep"
	case Bushy:
		return "bushy"
	default:
		return "unknown"
	}
}

// SafeValue implements redact.SafeValue.
func (m Mode) SafeValue() {}

var _ redact.SafeValue = Mode(0)

// Options configures Search.
type Options struct {
	// Mode selects left-deep or bushy exploration.
	Mode Mode

	// Workers is the number of independent search partitions. Values below
	// one default to one; values beyond what the relation count can absorb
	// are clamped, since every partition bit claims a disjoint ordinal
	// group.
	Workers int

	// Serial runs the partitions one at a time instead of concurrently.
	// The result is identical; only elapsed time differs.
	Serial bool

	// Logger, if set, receives progress events.
	Logger opt.Logger
}

// ErrNoLegalJoinOrder is reported when a search exhausts its space without
// covering every relation. It is always surfaced, never retried silently.
var ErrNoLegalJoinOrder = errors.New("no legal join order")

// ErrTooManyRelations is reported when the input exceeds
// opt.MaxRelations; the search rejects such inputs before doing any work.
var ErrTooManyRelations = errors.New("too many relations")

func checkSize(n int) error {
	if n == 0 {
		return errors.AssertionFailedf("join-order search over zero relations")
	}
	if n > opt.MaxRelations {
		return errors.Mark(
			errors.Newf("cannot search %d relations; the limit is %d",
				redact.Safe(n), redact.Safe(opt.MaxRelations)),
			ErrTooManyRelations)
	}
	return nil
}

// clampWorkers bounds the worker count so that every constrained ordinal
// group fits inside the relation range: each partition bit claims a group
// of two (left-deep) or three (bushy) ordinals.
func clampWorkers(workers, n int, mode Mode) int {
	if workers < 1 {
		workers = 1
	}
	groups := n / 2
	if mode == Bushy {
		groups = n / 3
	}
	if maxWorkers := 1 << uint(groups); workers > maxWorkers {
		workers = maxWorkers
	}
	return workers
}

func logf(ctx context.Context, l opt.Logger, format string, args ...interface{}) {
	if l == nil {
		return
	}
	if tags := logtags.FromContext(ctx); tags != nil {
		format = "[" + tags.String() + "] " + format
	}
	l.Logf(ctx, format, args...)
}

// Search finds a minimum-estimated-cost plan joining all of the given
// relations, respecting the order restrictions the oracle enforces. The
// space of join orders is split across opts.Workers independent partitions;
// each worker runs on its own oracle snapshot and DP table, and the oracle
// adopts the winning snapshot once every worker has finished. The search
// fails only if every partition fails.
func Search(
	ctx context.Context, oracle opt.Oracle, rels []opt.Relation, opts Options,
) (opt.Relation, error) {
	n := len(rels)
	if err := checkSize(n); err != nil {
		return opt.Relation{}, err
	}
	if opts.Mode != LeftDeep && opts.Mode != Bushy {
		return opt.Relation{}, errors.AssertionFailedf("unknown search mode %v", opts.Mode)
	}
	if n == 1 {
		// Nothing to join; no DP table is built.
		return rels[0], nil
	}
	workers := clampWorkers(opts.Workers, n, opts.Mode)

	type taskResult struct {
		best   *opt.Relation
		oracle opt.Oracle
		err    error
	}
	results := make([]taskResult, workers)

	var g errgroup.Group
	if opts.Serial {
		g.SetLimit(1)
	}
	for id := 0; id < workers; id++ {
		w := &workerTask{
			oracle:  oracle.Fork(),
			rels:    rels,
			n:       n,
			partID:  id,
			workers: workers,
			mode:    opts.Mode,
			logger:  opts.Logger,
		}
		g.Go(func() error {
			wctx := logtags.AddTag(ctx, "join-worker", w.partID)
			logf(wctx, opts.Logger, "starting %v search, partition %d of %d",
				opts.Mode, w.partID, workers)
			best, err := w.run(wctx)
			if err != nil {
				logf(wctx, opts.Logger, "partition failed: %v", err)
				// A failed partition must not cancel its peers; the error
				// surfaces in the merge step below.
				results[w.partID] = taskResult{err: errors.Wrapf(err, "join search worker %d", w.partID)}
				return nil
			}
			logf(wctx, opts.Logger, "partition finished, cost %v",
				w.oracle.TotalCost(best.Plan))
			results[w.partID] = taskResult{best: best, oracle: w.oracle}
			return nil
		})
	}
	// The errgroup never carries an error; failures ride in results.
	_ = g.Wait()

	// Single-threaded merge: adopt the cheapest winner, discard every other
	// snapshot. Ties keep the first-found result.
	var won *taskResult
	var failures error
	for id := range results {
		r := &results[id]
		if r.err != nil {
			failures = errors.CombineErrors(failures, r.err)
			continue
		}
		if won == nil || r.oracle.TotalCost(r.best.Plan) < won.oracle.TotalCost(won.best.Plan) {
			won = r
		}
	}
	if won == nil {
		return opt.Relation{}, errors.Wrapf(failures,
			"all %d join search workers failed", redact.Safe(workers))
	}
	oracle.Adopt(won.oracle)
	return *won.best, nil
}

// SearchExhaustive runs the unconstrained level-wise enumeration: plans
// covering k relations are built from every disjoint pair of finalized
// lower-level plans, for k = 2 up to the full input. It explores every join
// tree shape, at exponential worst-case cost in the relation count; Search
// bounds the same space across partitions.
func SearchExhaustive(
	ctx context.Context, oracle opt.Oracle, rels []opt.Relation,
) (opt.Relation, error) {
	n := len(rels)
	if err := checkSize(n); err != nil {
		return opt.Relation{}, err
	}
	if n == 1 {
		return rels[0], nil
	}
	dp := makeDPTable(n)
	levels := make([][]opt.RelSet, n+1)
	for i := range rels {
		s := opt.MakeRelSet(i)
		dp[s] = &rels[i]
		levels[1] = append(levels[1], s)
	}
	for lev := 2; lev <= n; lev++ {
		final := lev == n
		var added []opt.RelSet
		seen := make(map[opt.RelSet]struct{})
		for k := 1; k <= lev/2; k++ {
			lhs, rhs := levels[lev-k], levels[k]
			for i, ls := range lhs {
				start := 0
				if k == lev-k {
					// Same level on both sides: visit unordered pairs once.
					start = i + 1
				}
				for _, rs := range rhs[start:] {
					if ls.Intersects(rs) {
						continue
					}
					node, ok, err := oracle.TryJoin(*dp.get(ls), *dp.get(rs))
					if err != nil {
						return opt.Relation{}, errors.Wrapf(err, "joining %v and %v", ls, rs)
					}
					if !ok {
						continue
					}
					oracle.MaybeParallelize(node, final)
					oracle.Finalize(node)
					u := ls.Union(rs)
					dp.improve(oracle, &opt.Relation{Rels: u, Plan: node})
					if _, dup := seen[u]; !dup {
						seen[u] = struct{}{}
						added = append(added, u)
					}
				}
			}
		}
		levels[lev] = added
	}
	best := dp.get(opt.FullRelSet(n))
	if best == nil {
		return opt.Relation{}, errors.Wrapf(ErrNoLegalJoinOrder,
			"failed to build any %d-way joins", n)
	}
	return *best, nil
}
