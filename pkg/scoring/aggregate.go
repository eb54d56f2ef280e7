package scoring

import (
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/sspi-data/sspi/pkg/impute"
	"github.com/sspi-data/sspi/pkg/tree"
)

// Aggregate computes category, pillar and SSPI scores bottom-up. A parent
// score is the mean of its non-nil child scores at the same (country, year),
// taken in child-code order; it is nil when every child is nil. Indicator
// cells must already be present in the grid.
func Aggregate(g *Grid, root *tree.Node) error {
	agg := func(n *tree.Node) error {
		aggregateNode(g, n)
		return nil
	}
	return root.PostOrder(tree.Visitor{Category: agg, Pillar: agg, SSPI: agg})
}

func aggregateNode(g *Grid, n *tree.Node) {
	out := g.cells(n.Code)
	children := make([][]cell, 0, len(n.Children))
	for _, ch := range n.Children {
		children = append(children, g.cells(ch.Code))
	}

	vals := make(stats.Float64Data, 0, len(children))
	for i := range out {
		vals = vals[:0]
		var c cell
		for _, cs := range children {
			child := cs[i]
			if child.score == nil {
				continue
			}
			vals = append(vals, *child.score)
			if child.imputed {
				c.imputed = true
				c.method = impute.Worse(c.method, child.method)
				c.distance = max(c.distance, child.distance)
			}
		}
		if len(vals) > 0 {
			// Mean only fails on empty input.
			m, _ := stats.Mean(vals)
			c.score = &m
		}
		out[i] = c
	}
}

// Rank assigns standard competition ranks per (item, year): countries are
// ordered by descending score, equal scores share a rank and the next rank
// skips accordingly. Nil scores get a nil rank.
func Rank(g *Grid) {
	type entry struct {
		ci    int
		score float64
	}
	n := g.window.Len()
	entries := make([]entry, 0, len(g.countries))
	for _, cs := range g.items {
		for yi := 0; yi < n; yi++ {
			entries = entries[:0]
			for ci := range g.countries {
				c := &cs[g.at(ci, yi)]
				c.rank = nil
				if c.score != nil {
					entries = append(entries, entry{ci: ci, score: *c.score})
				}
			}
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].score > entries[j].score })
			for i, e := range entries {
				r := i + 1
				if i > 0 && e.score == entries[i-1].score {
					r = *cs[g.at(entries[i-1].ci, yi)].rank
				}
				cs[g.at(e.ci, yi)].rank = &r
			}
		}
	}
}
