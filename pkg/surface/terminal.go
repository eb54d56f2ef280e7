package surface

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

// TerminalRenderer renders the SSPI ranking of the latest scored year as
// colored terminal output.
type TerminalRenderer struct {
	// MaxErrors caps the failure list; 0 means 10.
	MaxErrors int
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func scoreColor(score float64) string {
	if noColor() {
		return ""
	}
	switch {
	case score >= 2.0/3:
		return colorGreen
	case score >= 1.0/3:
		return colorYellow
	default:
		return colorRed
	}
}

func noColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

func bold(s string) string {
	if noColor() {
		return s
	}
	return colorBold + s + colorReset
}

func dim(s string) string {
	if noColor() {
		return s
	}
	return colorDim + s + colorReset
}

func colored(s, color string) string {
	if noColor() || color == "" {
		return s
	}
	return color + s + colorReset
}

func (r *TerminalRenderer) Render(w io.Writer, result *scoring.Result) error {
	hash := result.ConfigHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	fmt.Fprintf(w, "%s\n\n", bold(fmt.Sprintf("SSPI scores: config %s", hash)))

	year, rows := latestRanking(result.Scores)
	if len(rows) == 0 {
		fmt.Fprintln(w, "No scores.")
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "Year %d, %d countries scored\n\n", year, len(rows))
		fmt.Fprintf(w, "  %-5s %-8s %s\n", "Rank", "Country", "Score")
		for _, d := range rows {
			rank := "-"
			if d.Rank != nil {
				rank = fmt.Sprintf("%d", *d.Rank)
			}
			score := colored(fmt.Sprintf("%.3f", *d.Score), scoreColor(*d.Score))
			fmt.Fprintf(w, "  %-5s %-8s %s", rank, d.CountryCode, score)
			if d.Imputed {
				fmt.Fprintf(w, " %s", dim("(imputed)"))
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	if len(result.Errors) > 0 {
		limit := r.MaxErrors
		if limit <= 0 {
			limit = 10
		}
		fmt.Fprintf(w, "Indicator failures (%d):\n", len(result.Errors))
		for i, msg := range result.Errors {
			if i == limit {
				fmt.Fprintf(w, "  %s\n", dim(fmt.Sprintf("... and %d more", len(result.Errors)-limit)))
				break
			}
			fmt.Fprintf(w, "  %s %s\n", colored("●", colorRed), msg)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// latestRanking returns the SSPI docs with a score for the latest year that
// has any, ordered by rank then country.
func latestRanking(docs []scoring.ScoreDoc) (int, []scoring.ScoreDoc) {
	year := 0
	for _, d := range docs {
		if d.ItemType == string(tree.KindSSPI) && d.Score != nil && d.Year > year {
			year = d.Year
		}
	}
	var rows []scoring.ScoreDoc
	for _, d := range docs {
		if d.ItemType == string(tree.KindSSPI) && d.Score != nil && d.Year == year {
			rows = append(rows, d)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rankOf(rows[i]), rankOf(rows[j])
		if ri != rj {
			return ri < rj
		}
		return rows[i].CountryCode < rows[j].CountryCode
	})
	return year, rows
}

func rankOf(d scoring.ScoreDoc) int {
	if d.Rank == nil {
		return int(^uint(0) >> 1)
	}
	return *d.Rank
}
