package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/tree"
)

// Memory is an in-process data source for tests and local runs.
type Memory struct {
	mu        sync.Mutex
	countries []string
	groups    map[string][]string
	readings  map[string][]dataset.Reading
	defaults  []tree.Document
	calls     map[string]int
	failures  int
	failErr   error
}

// NewMemory creates a Memory serving the given countries.
func NewMemory(countries ...string) *Memory {
	cs := append([]string(nil), countries...)
	sort.Strings(cs)
	return &Memory{
		countries: cs,
		groups:    map[string][]string{},
		readings:  map[string][]dataset.Reading{},
		calls:     map[string]int{},
	}
}

// Add appends readings, grouped by their DatasetCode.
func (m *Memory) Add(readings ...dataset.Reading) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range readings {
		m.readings[r.DatasetCode] = append(m.readings[r.DatasetCode], r)
	}
	return m
}

// SetGroups sets the groups of one country.
func (m *Memory) SetGroups(country string, groups ...string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[country] = groups
	return m
}

// SetDefault sets the default configuration documents.
func (m *Memory) SetDefault(docs []tree.Document) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = docs
	return m
}

// FailNext makes the next n Readings calls return err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures, m.failErr = n, err
}

// Calls returns how many times Readings was called for code.
func (m *Memory) Calls(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[code]
}

func (m *Memory) Countries(ctx context.Context) ([]string, error) {
	return append([]string(nil), m.countries...), nil
}

func (m *Memory) CountryGroups(ctx context.Context) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.groups))
	for k, v := range m.groups {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (m *Memory) Readings(ctx context.Context, code string) ([]dataset.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[code]++
	if m.failures > 0 {
		m.failures--
		return nil, m.failErr
	}
	return append([]dataset.Reading(nil), m.readings[code]...), nil
}

// DefaultMetadata returns the documents set with SetDefault.
func (m *Memory) DefaultMetadata(ctx context.Context) (*tree.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaults == nil {
		return nil, fmt.Errorf("reading default metadata: %w", ErrNotFound)
	}
	return &tree.Submission{Metadata: append([]tree.Document(nil), m.defaults...)}, nil
}
