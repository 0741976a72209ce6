// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinorder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/joinsearch/pkg/opt"
)

// TestDataDriven runs search scenarios from testdata files. Each directive
// describes a join graph and invokes one of the search entry points:
//
//	search      cards=(...) [edges=(0-1,...)|edges=all] [mode=bushy] [workers=N]
//	exhaustive  cards=(...) [edges=(0-1,...)|edges=all]
//
// The output is the winning relation set and its cost, or the error.
func TestDataDriven(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			o := &stubOracle{}
			opts := Options{Mode: LeftDeep, Workers: 1}
			for _, arg := range d.CmdArgs {
				switch arg.Key {
				case "cards":
					for _, v := range arg.Vals {
						c, err := strconv.ParseFloat(v, 64)
						if err != nil {
							d.Fatalf(t, "bad cardinality %q: %v", v, err)
						}
						o.cards = append(o.cards, c)
					}
				case "edges":
					if len(arg.Vals) == 1 && arg.Vals[0] == "all" {
						o.allowAll = true
						continue
					}
					for _, v := range arg.Vals {
						ends := strings.Split(v, "-")
						if len(ends) != 2 {
							d.Fatalf(t, "bad edge %q", v)
						}
						a, err1 := strconv.Atoi(ends[0])
						b, err2 := strconv.Atoi(ends[1])
						if err1 != nil || err2 != nil {
							d.Fatalf(t, "bad edge %q", v)
						}
						o.edges = append(o.edges, [2]int{a, b})
					}
				case "mode":
					switch arg.Vals[0] {
					case "left-deep":
						opts.Mode = LeftDeep
					case "bushy":
						opts.Mode = Bushy
					default:
						d.Fatalf(t, "bad mode %q", arg.Vals[0])
					}
				case "workers":
					var err error
					opts.Workers, err = strconv.Atoi(arg.Vals[0])
					if err != nil {
						d.Fatalf(t, "bad workers %q: %v", arg.Vals[0], err)
					}
				default:
					d.Fatalf(t, "unknown argument %q", arg.Key)
				}
			}
			rels := o.relations()

			var res opt.Relation
			var err error
			switch d.Cmd {
			case "search":
				res, err = Search(context.Background(), o, rels, opts)
			case "exhaustive":
				res, err = SearchExhaustive(context.Background(), o, rels)
			default:
				d.Fatalf(t, "unknown command %q", d.Cmd)
			}
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return fmt.Sprintf("rels=%s cost=%v", res.Rels, o.TotalCost(res.Plan))
		})
	})
}
