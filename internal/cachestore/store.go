// Package cachestore persists score and line documents keyed by config hash.
// Writes are serialized per hash and commit atomically; reads take no lock.
package cachestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sspi-data/sspi/pkg/scoring"
)

// Store is the score cache.
type Store interface {
	// Exists reports whether a complete document set is cached for hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Write replaces every document of hash. Readers see either the old
	// set or the new one.
	Write(ctx context.Context, hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc) error
	// FlatScores returns the score documents of hash matching f, ordered
	// by item code, country code and year.
	FlatScores(ctx context.Context, hash string, f Filter) ([]scoring.ScoreDoc, error)
	// LineData returns the line documents of hash, optionally restricted to
	// one item and a set of countries, ordered by item code then country.
	LineData(ctx context.Context, hash, itemCode string, countries []string) ([]scoring.LineDoc, error)
	// Clear deletes every document of hash and returns how many were removed.
	Clear(ctx context.Context, hash string) (int, error)
	Close() error
}

// Filter narrows a FlatScores query. Zero fields match everything.
type Filter struct {
	ItemCodes    []string `json:"item_codes,omitempty"`
	ItemTypes    []string `json:"item_types,omitempty"`
	CountryCodes []string `json:"country_codes,omitempty"`
	FromYear     int      `json:"from_year,omitempty"`
	ToYear       int      `json:"to_year,omitempty"`
}

// Match reports whether d passes the filter.
func (f Filter) Match(d scoring.ScoreDoc) bool {
	return in(f.ItemCodes, d.ItemCode) &&
		in(f.ItemTypes, d.ItemType) &&
		in(f.CountryCodes, d.CountryCode) &&
		(f.FromYear == 0 || d.Year >= f.FromYear) &&
		(f.ToYear == 0 || d.Year <= f.ToYear)
}

func in(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ConflictError reports a unique-key violation during a cache write.
type ConflictError struct {
	Hash string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cache conflict for %s: %v", e.Hash, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// hashLocks hands out one mutex per config hash.
type hashLocks struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	sync.Mutex
	refs int
}

func (h *hashLocks) lock(hash string) func() {
	h.mu.Lock()
	if h.locks == nil {
		h.locks = make(map[string]*hashLock)
	}
	l, ok := h.locks[hash]
	if !ok {
		l = &hashLock{}
		h.locks[hash] = l
	}
	l.refs++
	h.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, hash)
		}
		h.mu.Unlock()
	}
}

func sortScores(docs []scoring.ScoreDoc) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.ItemCode != b.ItemCode {
			return a.ItemCode < b.ItemCode
		}
		if a.CountryCode != b.CountryCode {
			return a.CountryCode < b.CountryCode
		}
		return a.Year < b.Year
	})
}

func sortLines(docs []scoring.LineDoc) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].ICode != docs[j].ICode {
			return docs[i].ICode < docs[j].ICode
		}
		return docs[i].CCode < docs[j].CCode
	})
}

// checkHash rejects documents belonging to another hash.
func checkHash(hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc) error {
	for _, d := range scores {
		if d.ConfigHash != hash {
			return fmt.Errorf("score document %s has hash %q, want %q", d.Key(), d.ConfigHash, hash)
		}
	}
	for _, d := range lines {
		if d.ConfigHash != hash {
			return fmt.Errorf("line document %s|%s has hash %q, want %q", d.ICode, d.CCode, d.ConfigHash, hash)
		}
	}
	return nil
}
