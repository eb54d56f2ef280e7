package scoring

import (
	"sort"
	"time"

	"github.com/sspi-data/sspi/pkg/impute"
	"github.com/sspi-data/sspi/pkg/tree"
)

// cell is one (country, year) slot of an item.
type cell struct {
	score    *float64
	rank     *int
	imputed  bool
	method   impute.Method
	distance int
	err      string
}

// Grid holds the dense score cells of every item over a fixed country
// universe and year window. It is not safe for concurrent writes.
type Grid struct {
	window    Window
	countries []string
	index     map[string]int
	items     map[string][]cell
}

// NewGrid creates an empty grid. Countries are sorted and deduplicated.
func NewGrid(window Window, countries []string) *Grid {
	cs := append([]string(nil), countries...)
	sort.Strings(cs)
	uniq := cs[:0]
	for i, c := range cs {
		if i == 0 || c != cs[i-1] {
			uniq = append(uniq, c)
		}
	}
	g := &Grid{
		window:    window,
		countries: uniq,
		index:     make(map[string]int, len(uniq)),
		items:     map[string][]cell{},
	}
	for i, c := range uniq {
		g.index[c] = i
	}
	return g
}

// Window returns the grid's year window.
func (g *Grid) Window() Window { return g.window }

// Countries returns the sorted country universe.
func (g *Grid) Countries() []string { return append([]string(nil), g.countries...) }

func (g *Grid) cells(item string) []cell {
	cs, ok := g.items[item]
	if !ok {
		cs = make([]cell, len(g.countries)*g.window.Len())
		g.items[item] = cs
	}
	return cs
}

func (g *Grid) at(country, year int) int { return country*g.window.Len() + year }

// Has reports whether the grid holds cells for item.
func (g *Grid) Has(item string) bool {
	_, ok := g.items[item]
	return ok
}

// Score returns the score of (item, country, year), or nil.
func (g *Grid) Score(item, country string, year int) *float64 {
	cs, ok := g.items[item]
	ci, cok := g.index[country]
	if !ok || !cok || !g.window.Contains(year) {
		return nil
	}
	return cs[g.at(ci, year-g.window.Start)].score
}

// Put loads a previously computed document into the grid. Documents for
// countries or years outside the grid are ignored. Ranks are not loaded; they
// are recomputed by Rank.
func (g *Grid) Put(d ScoreDoc) {
	ci, ok := g.index[d.CountryCode]
	if !ok || !g.window.Contains(d.Year) {
		return
	}
	cs := g.cells(d.ItemCode)
	cs[g.at(ci, d.Year-g.window.Start)] = cell{
		score:    d.Score,
		imputed:  d.Imputed,
		method:   d.ImputationMethod,
		distance: d.ImputationDistance,
		err:      d.Error,
	}
}

// Docs flattens the grid into ScoreDocs ordered by the config's canonical
// item order, then country, then year.
func (g *Grid) Docs(cfg *tree.Config, hash string, createdAt time.Time) []ScoreDoc {
	var docs []ScoreDoc
	_ = cfg.Root.Walk(func(n *tree.Node) error {
		cs, ok := g.items[n.Code]
		if !ok {
			return nil
		}
		for ci, country := range g.countries {
			for yi := 0; yi < g.window.Len(); yi++ {
				c := cs[g.at(ci, yi)]
				docs = append(docs, ScoreDoc{
					ConfigHash:         hash,
					ItemCode:           n.Code,
					ItemType:           string(n.Kind),
					CountryCode:        country,
					Year:               g.window.Start + yi,
					Score:              c.score,
					Rank:               c.rank,
					Imputed:            c.imputed,
					ImputationMethod:   c.method,
					ImputationDistance: c.distance,
					Error:              c.err,
					CreatedAt:          createdAt,
				})
			}
		}
		return nil
	})
	return docs
}
