package scoring

import (
	"fmt"
	"sort"

	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/impute"
	"github.com/sspi-data/sspi/pkg/scorefn"
	"github.com/sspi-data/sspi/pkg/tree"
)

// ScoreIndicator fills the grid cells of one indicator from the readings of
// its datasets, keyed by DatasetCode. Failures never abort: the affected
// cells get a nil score and an error tag. The distinct failure messages are
// returned in sorted order.
func ScoreIndicator(g *Grid, spec *tree.IndicatorSpec, readings map[string][]dataset.Reading) []string {
	cs := g.cells(spec.Code)
	n := g.window.Len()
	failures := map[string]bool{}
	fail := func(ci, yi int, msg string) {
		cs[g.at(ci, yi)] = cell{err: msg}
		failures[msg] = true
	}

	series := make(map[string]map[string]*dataset.Series, len(spec.DatasetCodes))
	for _, code := range spec.DatasetCodes {
		series[code] = dataset.GroupByCountry(code, readings[code])
	}

	for ci, country := range g.countries {
		filled, msg := fillCountry(spec, series, country, g.window)
		if msg != "" {
			for yi := 0; yi < n; yi++ {
				fail(ci, yi, msg)
			}
			continue
		}

		values := make(map[string]float64, len(spec.DatasetCodes))
		for yi := 0; yi < n; yi++ {
			var c cell
			for _, code := range spec.DatasetCodes {
				fc := filled[code][yi]
				values[code] = fc.Value
				if fc.Imputed {
					c.imputed = true
					c.method = impute.Worse(c.method, fc.Method)
					c.distance = max(c.distance, fc.Distance)
				}
			}

			v, err := spec.Function.Evaluate(values)
			if err == nil && (v < -scoreTolerance || v > 1+scoreTolerance) {
				err = &scorefn.Error{Kind: scorefn.KindComputation, Pos: -1, Msg: fmt.Sprintf("score %g outside [0, 1]", v)}
			}
			if err != nil {
				fail(ci, yi, err.Error())
				continue
			}
			v = min(max(v, 0), 1)
			c.score = &v
			cs[g.at(ci, yi)] = c
		}
	}

	msgs := make([]string, 0, len(failures))
	for m := range failures {
		msgs = append(msgs, m)
	}
	sort.Strings(msgs)
	return msgs
}

// fillCountry imputes every dataset series of the indicator for one country.
// A non-empty message means the indicator cannot be scored for the country.
func fillCountry(spec *tree.IndicatorSpec, series map[string]map[string]*dataset.Series, country string, w Window) (map[string][]impute.Cell, string) {
	filled := make(map[string][]impute.Cell, len(spec.DatasetCodes))
	for _, code := range spec.DatasetCodes {
		s, ok := series[code][country]
		if !ok || len(s.Values) == 0 {
			return nil, fmt.Sprintf("%s: no observations for DatasetCode %s", scorefn.KindDataQuality, code)
		}
		if spec.Unit != "" {
			units := make([]string, 0, len(s.Units))
			for unit := range s.Units {
				units = append(units, unit)
			}
			sort.Strings(units)
			for _, unit := range units {
				if unit != spec.Unit {
					return nil, fmt.Sprintf("%s: DatasetCode %s has unit %q, indicator requires %q", scorefn.KindDataQuality, code, unit, spec.Unit)
				}
			}
		}
		filled[code] = impute.Fill(s.Values, w.Start, w.End)
	}
	return filled, ""
}

// FailureSummary formats indicator failures for logs and job results.
func FailureSummary(indicator string, msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, indicator+": "+m)
	}
	return out
}
