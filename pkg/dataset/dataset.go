// Package dataset defines the clean-data reading consumed by scoring.
package dataset

import (
	"fmt"
	"math"
	"regexp"
	"sort"
)

// Year bounds accepted for readings and score documents.
const (
	MinYear = 1990
	MaxYear = 2030
)

var countryCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Reading is one cleaned observation. Readings are unique by
// (DatasetCode, CountryCode, Year).
type Reading struct {
	DatasetCode string  `json:"DatasetCode"`
	CountryCode string  `json:"CountryCode"`
	Year        int     `json:"Year"`
	Value       float64 `json:"Value"`
	Unit        string  `json:"Unit,omitempty"`
}

// Key returns the unique key of the reading.
func (r Reading) Key() string {
	return fmt.Sprintf("%s|%s|%d", r.DatasetCode, r.CountryCode, r.Year)
}

// Validate checks that every reading is finite, in range, and unique.
// It returns every problem found.
func Validate(readings []Reading) []error {
	var errs []error
	seen := make(map[string]bool, len(readings))
	for i, r := range readings {
		if r.DatasetCode == "" {
			errs = append(errs, fmt.Errorf("reading %d: missing DatasetCode", i))
		}
		if !countryCode.MatchString(r.CountryCode) {
			errs = append(errs, fmt.Errorf("reading %d: invalid CountryCode %q", i, r.CountryCode))
		}
		if r.Year < MinYear || r.Year > MaxYear {
			errs = append(errs, fmt.Errorf("reading %d: year %d outside %d..%d", i, r.Year, MinYear, MaxYear))
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			errs = append(errs, fmt.Errorf("reading %d: non-finite value for %s", i, r.Key()))
		}
		k := r.Key()
		if seen[k] {
			errs = append(errs, fmt.Errorf("reading %d: duplicate %s", i, k))
		}
		seen[k] = true
	}
	return errs
}

// Series is the observed values of one dataset for one country, keyed by year.
type Series struct {
	Values map[int]float64
	Units  map[string]bool
}

// Years returns the observed years in ascending order.
func (s *Series) Years() []int {
	years := make([]int, 0, len(s.Values))
	for y := range s.Values {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// GroupByCountry groups readings of a single dataset by country code.
// Readings of other datasets are ignored.
func GroupByCountry(code string, readings []Reading) map[string]*Series {
	out := make(map[string]*Series)
	for _, r := range readings {
		if r.DatasetCode != code {
			continue
		}
		s, ok := out[r.CountryCode]
		if !ok {
			s = &Series{Values: make(map[int]float64), Units: make(map[string]bool)}
			out[r.CountryCode] = s
		}
		s.Values[r.Year] = r.Value
		if r.Unit != "" {
			s.Units[r.Unit] = true
		}
	}
	return out
}

// Clean returns the readings that pass Validate, keeping the first of any
// duplicate key, and the errors of the dropped ones.
func Clean(readings []Reading) ([]Reading, []error) {
	kept := make([]Reading, 0, len(readings))
	var dropped []error
	seen := make(map[string]bool, len(readings))
	for _, r := range readings {
		if errs := Validate([]Reading{r}); len(errs) > 0 {
			dropped = append(dropped, errs...)
			continue
		}
		if seen[r.Key()] {
			dropped = append(dropped, fmt.Errorf("duplicate %s", r.Key()))
			continue
		}
		seen[r.Key()] = true
		kept = append(kept, r)
	}
	return kept, dropped
}
