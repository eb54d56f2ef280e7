// Package impute fills missing years of a per-country dataset series.
//
// Gaps strictly between two observations are linearly interpolated. Years
// after the last observation copy it forward and years before the first copy
// it backward. Each filled cell records the method and its distance in years
// from the nearest observation used.
package impute

import (
	"encoding/json"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// Method names how a cell was filled. The zero value means observed.
type Method string

const (
	None                Method = ""
	Interpolate         Method = "interpolate"
	ExtrapolateForward  Method = "extrapolate_forward"
	ExtrapolateBackward Method = "extrapolate_backward"
)

// Severity orders methods from least to most speculative.
func (m Method) Severity() int {
	switch m {
	case Interpolate:
		return 1
	case ExtrapolateForward:
		return 2
	case ExtrapolateBackward:
		return 3
	default:
		return 0
	}
}

// Worse returns the more severe of a and b.
func Worse(a, b Method) Method {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ParseMethod parses a stored method name. The empty string is None.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case None, Interpolate, ExtrapolateForward, ExtrapolateBackward:
		return m, nil
	}
	return None, fmt.Errorf("unknown imputation method %q", s)
}

// MarshalJSON encodes None as null.
func (m Method) MarshalJSON() ([]byte, error) {
	if m == None {
		return []byte("null"), nil
	}
	return json.Marshal(string(m))
}

// UnmarshalJSON accepts null or a known method name.
func (m *Method) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = None
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Cell is one year of a dense series.
type Cell struct {
	Year     int
	Value    float64
	Imputed  bool
	Method   Method
	Distance int
}

// Fill returns a dense series over [from, to] built from observed values
// keyed by year. It returns nil when there are no observations.
func Fill(observed map[int]float64, from, to int) []Cell {
	if len(observed) == 0 || to < from {
		return nil
	}

	years := make([]int, 0, len(observed))
	for y := range observed {
		years = append(years, y)
	}
	sort.Ints(years)
	first, last := years[0], years[len(years)-1]

	var pl *interp.PiecewiseLinear
	if len(years) > 1 {
		xs := make([]float64, len(years))
		ys := make([]float64, len(years))
		for i, y := range years {
			xs[i] = float64(y)
			ys[i] = observed[y]
		}
		pl = &interp.PiecewiseLinear{}
		if err := pl.Fit(xs, ys); err != nil {
			pl = nil
		}
	}

	cells := make([]Cell, 0, to-from+1)
	for y := from; y <= to; y++ {
		if v, ok := observed[y]; ok {
			cells = append(cells, Cell{Year: y, Value: v})
			continue
		}
		switch {
		case y > last:
			cells = append(cells, Cell{Year: y, Value: observed[last], Imputed: true, Method: ExtrapolateForward, Distance: y - last})
		case y < first:
			cells = append(cells, Cell{Year: y, Value: observed[first], Imputed: true, Method: ExtrapolateBackward, Distance: first - y})
		default:
			lo, hi := neighbours(years, y)
			v := interpolate(pl, lo, hi, observed, y)
			cells = append(cells, Cell{Year: y, Value: v, Imputed: true, Method: Interpolate, Distance: min(y-lo, hi-y)})
		}
	}
	return cells
}

// neighbours returns the observed years immediately before and after y.
// y must lie strictly between the first and last observed years.
func neighbours(years []int, y int) (int, int) {
	i := sort.SearchInts(years, y)
	return years[i-1], years[i]
}

func interpolate(pl *interp.PiecewiseLinear, lo, hi int, observed map[int]float64, y int) float64 {
	if pl != nil {
		return pl.Predict(float64(y))
	}
	t := float64(y-lo) / float64(hi-lo)
	return observed[lo] + float64(t*(observed[hi]-observed[lo]))
}
