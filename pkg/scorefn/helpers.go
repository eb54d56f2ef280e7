package scorefn

import (
	"math"
	"sort"
)

// helper is a whitelisted callable. maxArgs < 0 means variadic.
type helper struct {
	name    string
	minArgs int
	maxArgs int
	fn      func(args []float64) (float64, error)
}

var helpers = map[string]*helper{
	"goalpost": {name: "goalpost", minArgs: 3, maxArgs: 3, fn: func(a []float64) (float64, error) {
		return Goalpost(a[0], a[1], a[2]), nil
	}},
	"average": {name: "average", minArgs: 1, maxArgs: -1, fn: func(a []float64) (float64, error) {
		return mean(a), nil
	}},
	"max": {name: "max", minArgs: 2, maxArgs: -1, fn: func(a []float64) (float64, error) {
		m := a[0]
		for _, v := range a[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	}},
	"min": {name: "min", minArgs: 2, maxArgs: -1, fn: func(a []float64) (float64, error) {
		m := a[0]
		for _, v := range a[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	}},
	"pow": {name: "pow", minArgs: 2, maxArgs: 2, fn: pow},
}

// Helpers returns the names of the whitelisted helpers in sorted order.
func Helpers() []string {
	names := make([]string, 0, len(helpers))
	for name := range helpers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsHelper reports whether name is a whitelisted helper.
func IsHelper(name string) bool {
	_, ok := helpers[name]
	return ok
}

// Goalpost normalizes v linearly onto [0, 1] between lo and hi. Inverted
// goalposts (lo > hi) are allowed. Equal goalposts yield 0.5.
func Goalpost(v, lo, hi float64) float64 {
	if lo == hi {
		return 0.5
	}
	s := (v - lo) / (hi - lo)
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

func mean(a []float64) float64 {
	var sum float64
	for _, v := range a {
		sum += v
	}
	return sum / float64(len(a))
}

func pow(a []float64) (float64, error) {
	if math.Abs(a[1]) > MaxExponent {
		return 0, computationErr(nil, "pow exponent %g exceeds limit of %d", a[1], MaxExponent)
	}
	return math.Pow(a[0], a[1]), nil
}
