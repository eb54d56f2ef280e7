package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/tree"
)

// Engine runs a complete, cache-less scoring pass over a configuration.
type Engine struct {
	window    Window
	countries []string
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCountries overrides the country universe reported by the data source.
func WithCountries(countries []string) Option {
	return func(e *Engine) { e.countries = countries }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a scoring engine for the given year window.
func NewEngine(window Window, opts ...Option) *Engine {
	e := &Engine{window: window, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Window returns the engine's year window.
func (e *Engine) Window() Window { return e.window }

// Universe resolves the country universe: the override if set, otherwise
// the data source's countries.
func (e *Engine) Universe(ctx context.Context, src DataSource) ([]string, error) {
	if len(e.countries) > 0 {
		return e.countries, nil
	}
	countries, err := src.Countries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing countries: %w", err)
	}
	return countries, nil
}

// Score scores every indicator of cfg, aggregates, ranks and projects lines.
func (e *Engine) Score(ctx context.Context, cfg *tree.Config, src DataSource) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := e.window.Validate(); err != nil {
		return nil, err
	}
	countries, err := e.Universe(ctx, src)
	if err != nil {
		return nil, err
	}

	readings, err := FetchReadings(ctx, src, RequiredDatasets(cfg.Indicators()))
	if err != nil {
		return nil, err
	}

	g := NewGrid(e.window, countries)
	result := &Result{ConfigHash: cfg.Hash()}
	for _, n := range cfg.Indicators() {
		msgs := ScoreIndicator(g, n.Indicator, readings)
		result.Errors = append(result.Errors, FailureSummary(n.Code, msgs)...)
	}
	if err := Aggregate(g, cfg.Root); err != nil {
		return nil, fmt.Errorf("aggregating scores: %w", err)
	}
	Rank(g)

	var groups map[string][]string
	if cg, ok := src.(CountryGrouper); ok {
		if groups, err = cg.CountryGroups(ctx); err != nil {
			return nil, fmt.Errorf("loading country groups: %w", err)
		}
	}

	result.Scores = g.Docs(cfg, cfg.Hash(), e.now().UTC())
	result.Lines = Lines(g, cfg, cfg.Hash(), groups)
	return result, nil
}

// RequiredDatasets returns the sorted union of dataset codes of the given
// indicators.
func RequiredDatasets(indicators []*tree.Node) []string {
	seen := map[string]bool{}
	var codes []string
	for _, n := range indicators {
		for _, c := range n.Indicator.DatasetCodes {
			if !seen[c] {
				seen[c] = true
				codes = append(codes, c)
			}
		}
	}
	sort.Strings(codes)
	return codes
}

// FetchReadings loads every listed dataset sequentially.
func FetchReadings(ctx context.Context, src DataSource, codes []string) (map[string][]dataset.Reading, error) {
	out := make(map[string][]dataset.Reading, len(codes))
	for _, code := range codes {
		rs, err := src.Readings(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("reading dataset %s: %w", code, err)
		}
		out[code] = rs
	}
	return out, nil
}
