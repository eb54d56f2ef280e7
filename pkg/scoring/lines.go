package scoring

import (
	"github.com/sspi-data/sspi/pkg/tree"
)

// Lines projects the grid into one LineDoc per (item, country). Each score
// array is aligned to the grid window and holds nil where the score is nil.
func Lines(g *Grid, cfg *tree.Config, hash string, groups map[string][]string) []LineDoc {
	years := g.window.Years()
	var lines []LineDoc
	_ = cfg.Root.Walk(func(n *tree.Node) error {
		cs, ok := g.items[n.Code]
		if !ok {
			return nil
		}
		for ci, country := range g.countries {
			ld := LineDoc{
				ConfigHash: hash,
				ICode:      n.Code,
				IName:      n.Name,
				IType:      string(n.Kind),
				CCode:      country,
				CGroup:     append([]string{}, groups[country]...),
				Years:      append([]int(nil), years...),
				Score:      make([]*float64, len(years)),
				Imputed:    make([]bool, len(years)),
			}
			for yi := range years {
				c := cs[g.at(ci, yi)]
				ld.Score[yi] = c.score
				ld.Imputed[yi] = c.imputed
			}
			lines = append(lines, ld)
		}
		return nil
	})
	return lines
}
