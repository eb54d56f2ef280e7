// Package scoring implements the SSPI scoring engine. It scores indicators
// from imputed dataset series, aggregates them up the item tree, ranks
// countries and projects the results into chart lines.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/impute"
)

// ScoreDoc is one flat score for (item, country, year) under a config hash.
// Unique by (ConfigHash, ItemCode, CountryCode, Year).
type ScoreDoc struct {
	ConfigHash         string        `json:"config_hash"`
	ItemCode           string        `json:"item_code"`
	ItemType           string        `json:"item_type"`
	CountryCode        string        `json:"country_code"`
	Year               int           `json:"year"`
	Score              *float64      `json:"score"`
	Rank               *int          `json:"rank"`
	Imputed            bool          `json:"imputed"`
	ImputationMethod   impute.Method `json:"imputation_method"`
	ImputationDistance int           `json:"imputation_distance"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Key returns the unique key of the document within its hash.
func (d ScoreDoc) Key() string {
	return fmt.Sprintf("%s|%s|%d", d.ItemCode, d.CountryCode, d.Year)
}

// LineDoc is the year-aligned projection of one (item, country) for charts.
// Unique by (ConfigHash, ICode, CCode).
type LineDoc struct {
	ConfigHash string     `json:"config_hash"`
	ICode      string     `json:"ICode"`
	IName      string     `json:"IName"`
	IType      string     `json:"IType"`
	CCode      string     `json:"CCode"`
	CGroup     []string   `json:"CGroup"`
	Years      []int      `json:"years"`
	Score      []*float64 `json:"score"`
	Imputed    []bool     `json:"imputed"`
}

// Window is an inclusive range of years.
type Window struct {
	Start int `json:"start" yaml:"start_year"`
	End   int `json:"end" yaml:"end_year"`
}

// Len returns the number of years in the window.
func (w Window) Len() int { return w.End - w.Start + 1 }

// Years returns every year in the window in ascending order.
func (w Window) Years() []int {
	years := make([]int, 0, w.Len())
	for y := w.Start; y <= w.End; y++ {
		years = append(years, y)
	}
	return years
}

// Contains reports whether year falls inside the window.
func (w Window) Contains(year int) bool { return year >= w.Start && year <= w.End }

// Validate checks the window against the accepted year bounds.
func (w Window) Validate() error {
	if w.Start < dataset.MinYear || w.End > dataset.MaxYear || w.Start > w.End {
		return fmt.Errorf("year window %d..%d must lie within %d..%d", w.Start, w.End, dataset.MinYear, dataset.MaxYear)
	}
	return nil
}

// DataSource is the clean dataset store consumed by scoring.
type DataSource interface {
	// Countries returns the country universe to score.
	Countries(ctx context.Context) ([]string, error)
	// Readings returns every reading of one dataset. An unknown dataset
	// yields no readings and no error.
	Readings(ctx context.Context, datasetCode string) ([]dataset.Reading, error)
}

// CountryGrouper is implemented by data sources that know country groups
// (regions, income groups) for LineDoc.CGroup.
type CountryGrouper interface {
	CountryGroups(ctx context.Context) (map[string][]string, error)
}

// Result is the output of a complete scoring run.
type Result struct {
	ConfigHash string     `json:"config_hash"`
	Scores     []ScoreDoc `json:"scores"`
	Lines      []LineDoc  `json:"lines"`
	// Errors holds one entry per distinct indicator-local failure.
	Errors []string `json:"errors,omitempty"`
}
