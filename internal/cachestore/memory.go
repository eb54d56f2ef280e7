package cachestore

import (
	"context"
	"sync"

	"github.com/sspi-data/sspi/pkg/scoring"
)

type snapshot struct {
	scores []scoring.ScoreDoc
	lines  []scoring.LineDoc
}

// Memory is an in-process Store. Each hash maps to an immutable snapshot
// that is swapped whole on write.
type Memory struct {
	locks   hashLocks
	entries sync.Map // hash -> *snapshot
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) load(hash string) *snapshot {
	v, ok := m.entries.Load(hash)
	if !ok {
		return nil
	}
	return v.(*snapshot)
}

func (m *Memory) Exists(ctx context.Context, hash string) (bool, error) {
	return m.load(hash) != nil, nil
}

func (m *Memory) Write(ctx context.Context, hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc) error {
	if err := checkHash(hash, scores, lines); err != nil {
		return err
	}
	unlock := m.locks.lock(hash)
	defer unlock()

	snap := &snapshot{
		scores: dedupeScores(scores),
		lines:  dedupeLines(lines),
	}
	sortScores(snap.scores)
	sortLines(snap.lines)
	m.entries.Store(hash, snap)
	return nil
}

func (m *Memory) FlatScores(ctx context.Context, hash string, f Filter) ([]scoring.ScoreDoc, error) {
	snap := m.load(hash)
	if snap == nil {
		return nil, nil
	}
	var out []scoring.ScoreDoc
	for _, d := range snap.scores {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) LineData(ctx context.Context, hash, itemCode string, countries []string) ([]scoring.LineDoc, error) {
	snap := m.load(hash)
	if snap == nil {
		return nil, nil
	}
	var out []scoring.LineDoc
	for _, d := range snap.lines {
		if (itemCode == "" || d.ICode == itemCode) && in(countries, d.CCode) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) Clear(ctx context.Context, hash string) (int, error) {
	unlock := m.locks.lock(hash)
	defer unlock()
	v, ok := m.entries.LoadAndDelete(hash)
	if !ok {
		return 0, nil
	}
	snap := v.(*snapshot)
	return len(snap.scores) + len(snap.lines), nil
}

func (m *Memory) Close() error { return nil }

// dedupeScores keeps the last document per unique key, mirroring
// insert-with-overwrite.
func dedupeScores(docs []scoring.ScoreDoc) []scoring.ScoreDoc {
	idx := make(map[string]int, len(docs))
	out := make([]scoring.ScoreDoc, 0, len(docs))
	for _, d := range docs {
		if i, ok := idx[d.Key()]; ok {
			out[i] = d
			continue
		}
		idx[d.Key()] = len(out)
		out = append(out, d)
	}
	return out
}

func dedupeLines(docs []scoring.LineDoc) []scoring.LineDoc {
	idx := make(map[string]int, len(docs))
	out := make([]scoring.LineDoc, 0, len(docs))
	for _, d := range docs {
		k := d.ICode + "|" + d.CCode
		if i, ok := idx[k]; ok {
			out[i] = d
			continue
		}
		idx[k] = len(out)
		out = append(out, d)
	}
	return out
}
