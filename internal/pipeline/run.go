package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/jobs"
	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

// indicatorBatch is how many indicators are scored between cancellation
// checks and progress events.
const indicatorBatch = 25

// RunResult summarizes one scoring run.
type RunResult struct {
	ConfigHash string   `json:"config_hash"`
	CacheHit   bool     `json:"cache_hit"`
	Recomputed []string `json:"recomputed,omitempty"`
	Reused     []string `json:"reused,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	ScoreDocs  int      `json:"score_docs"`
	LineDocs   int      `json:"line_docs"`
}

// Run scores cfg and writes the result to the cache. It returns early on a
// cache hit. Indicators unchanged from the default configuration reuse the
// cached default scores when those are available. ctx is checked between
// stages; cancellation never interrupts an evaluation.
func (s *Service) Run(ctx context.Context, cfg *tree.Config, p Progress) (*RunResult, error) {
	if p == nil {
		p = discard{}
	}
	hash := cfg.Hash()
	res := &RunResult{ConfigHash: hash}

	engine := scoring.NewEngine(s.opts.Window, scoring.WithCountries(s.opts.Countries))
	countries, err := retry(ctx, s.opts.RetryDelay, "list countries", func() ([]string, error) {
		return engine.Universe(ctx, s.src)
	})
	if err != nil {
		return nil, err
	}

	send(p, 5, "checking cache")
	hit, err := retry(ctx, s.opts.RetryDelay, "check cache", func() (bool, error) {
		return s.cache.Exists(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		covered, err := s.covers(ctx, hash, cfg.Root.Code, countries)
		if err != nil {
			return nil, err
		}
		if covered {
			res.CacheHit = true
			p.Send(jobs.Event{Progress: 99, Message: "cache hit", CacheHit: true})
			log.Printf("config %s: cache hit", hash)
			return res, nil
		}
		log.Printf("config %s: cached result covers a different window or country set, recomputing", hash)
	}

	g := scoring.NewGrid(s.opts.Window, countries)

	// Change detection.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	send(p, 10, "comparing with default configuration")
	reused, err := s.reuse(ctx, cfg, g)
	if err != nil {
		return nil, err
	}
	res.Reused = reused.codes
	res.Errors = append(res.Errors, reused.errors...)

	var todo []*tree.Node
	for _, n := range cfg.Indicators() {
		if reused.diff.Changed(n.Code) {
			todo = append(todo, n)
		}
	}
	for _, n := range todo {
		res.Recomputed = append(res.Recomputed, n.Code)
	}
	if len(res.Reused) > 0 {
		log.Printf("config %s: reusing %d indicators from baseline, recomputing %s",
			hash, len(res.Reused), joinCodes(res.Recomputed, 10))
	}

	// Datasets.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codes := scoring.RequiredDatasets(todo)
	send(p, 20, fmt.Sprintf("loading %d datasets", len(codes)))
	readings, err := s.fetch(ctx, codes)
	if err != nil {
		return nil, err
	}

	// Indicators, in canonical order.
	for i, n := range todo {
		msgs := scoring.ScoreIndicator(g, n.Indicator, readings)
		for _, m := range msgs {
			log.Printf("config %s: indicator %s: %s", hash, n.Code, m)
		}
		res.Errors = append(res.Errors, scoring.FailureSummary(n.Code, msgs)...)
		if (i+1)%indicatorBatch == 0 || i == len(todo)-1 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			send(p, 40+45*(i+1)/len(todo), fmt.Sprintf("scored %d/%d indicators", i+1, len(todo)))
		}
	}
	sort.Strings(res.Errors)

	send(p, 88, "aggregating")
	if err := scoring.Aggregate(g, cfg.Root); err != nil {
		return nil, fmt.Errorf("aggregate scores: %w", err)
	}
	scoring.Rank(g)

	var groups map[string][]string
	if cg, ok := s.src.(scoring.CountryGrouper); ok {
		groups, err = retry(ctx, s.opts.RetryDelay, "load country groups", func() (map[string][]string, error) {
			return cg.CountryGroups(ctx)
		})
		if err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := g.Docs(cfg, hash, s.opts.Now().UTC())
	lines := scoring.Lines(g, cfg, hash, groups)
	send(p, 95, fmt.Sprintf("writing %d score documents", len(docs)))
	if _, err := retry(ctx, s.opts.RetryDelay, "write cache", func() (struct{}, error) {
		return struct{}{}, s.cache.Write(ctx, hash, docs, lines)
	}); err != nil {
		return nil, err
	}

	res.ScoreDocs, res.LineDocs = len(docs), len(lines)
	log.Printf("config %s: scored %d indicators (%d reused), %d documents, %d indicator errors",
		hash, len(cfg.Indicators()), len(res.Reused), len(docs), len(res.Errors))
	return res, nil
}

// covers reports whether the cached documents of hash span exactly the
// service window and the given countries. The root item has a document for
// every grid cell, so it alone is inspected.
func (s *Service) covers(ctx context.Context, hash, root string, countries []string) (bool, error) {
	docs, err := retry(ctx, s.opts.RetryDelay, "check cache coverage", func() ([]scoring.ScoreDoc, error) {
		return s.cache.FlatScores(ctx, hash, cachestore.Filter{ItemCodes: []string{root}})
	})
	if err != nil {
		return false, err
	}
	want := map[string]bool{}
	for _, c := range countries {
		want[c] = true
	}
	w := s.opts.Window
	seen := map[string]bool{}
	years := map[int]bool{}
	for _, d := range docs {
		if !want[d.CountryCode] || !w.Contains(d.Year) {
			return false, nil
		}
		seen[d.CountryCode] = true
		years[d.Year] = true
	}
	return len(seen) == len(want) && len(years) == w.Len(), nil
}

func send(p Progress, progress int, msg string) {
	p.Send(jobs.Event{Progress: progress, Message: msg})
}

type reuseResult struct {
	// diff lists as unchanged only the indicators actually loaded.
	diff   tree.Diff
	codes  []string
	errors []string
}

// reuse loads the cached default-configuration documents of every indicator
// whose fingerprint is unchanged. An indicator is reused only when the
// cached documents cover the whole grid.
func (s *Service) reuse(ctx context.Context, cfg *tree.Config, g *scoring.Grid) (reuseResult, error) {
	var out reuseResult
	b, err := s.baseline(ctx)
	if err != nil {
		log.Printf("config %s: baseline unavailable, recomputing all indicators: %v", cfg.Hash(), err)
		return out, nil
	}
	if b == nil || b.cfg.Hash() == cfg.Hash() {
		return out, nil
	}
	cached, err := retry(ctx, s.opts.RetryDelay, "check baseline cache", func() (bool, error) {
		return s.cache.Exists(ctx, b.cfg.Hash())
	})
	if err != nil {
		return out, err
	}
	if !cached {
		return out, nil
	}

	diff := tree.ComputeDiff(b.fingerprints, cfg.Fingerprints())
	if len(diff.Unchanged) == 0 {
		return out, nil
	}
	docs, err := retry(ctx, s.opts.RetryDelay, "read baseline scores", func() ([]scoring.ScoreDoc, error) {
		return s.cache.FlatScores(ctx, b.cfg.Hash(), cachestore.Filter{
			ItemCodes: diff.Unchanged,
			ItemTypes: []string{string(tree.KindIndicator)},
		})
	})
	if err != nil {
		return out, err
	}

	countries := map[string]bool{}
	for _, c := range g.Countries() {
		countries[c] = true
	}
	byItem := map[string][]scoring.ScoreDoc{}
	for _, d := range docs {
		if countries[d.CountryCode] && g.Window().Contains(d.Year) {
			byItem[d.ItemCode] = append(byItem[d.ItemCode], d)
		}
	}
	want := len(countries) * g.Window().Len()
	for _, code := range diff.Unchanged {
		ds := byItem[code]
		if len(ds) != want {
			continue
		}
		msgs := map[string]bool{}
		for _, d := range ds {
			g.Put(d)
			if d.Error != "" {
				msgs[d.Error] = true
			}
		}
		distinct := make([]string, 0, len(msgs))
		for m := range msgs {
			distinct = append(distinct, m)
		}
		sort.Strings(distinct)
		out.errors = append(out.errors, scoring.FailureSummary(code, distinct)...)
		out.codes = append(out.codes, code)
	}
	out.diff.Unchanged = out.codes
	return out, nil
}

// fetch reads every dataset concurrently, retrying each read once.
func (s *Service) fetch(ctx context.Context, codes []string) (map[string][]dataset.Reading, error) {
	out := make(map[string][]dataset.Reading, len(codes))
	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.FetchConcurrency)
	for _, code := range codes {
		eg.Go(func() error {
			rs, err := retry(ctx, s.opts.RetryDelay, "read dataset "+code, func() ([]dataset.Reading, error) {
				return s.src.Readings(ctx, code)
			})
			if err != nil {
				return err
			}
			mu.Lock()
			out[code] = rs
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
