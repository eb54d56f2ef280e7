// Package registry stores named user configurations. An entry references a
// configuration hash; many entries may share one hash and deleting an entry
// never touches the score cache.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sspi-data/sspi/pkg/tree"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("configuration not found")

// Entry is one saved configuration.
type Entry struct {
	ID         string          `db:"id" json:"id"`
	Owner      string          `db:"owner" json:"owner"`
	Name       string          `db:"name" json:"name"`
	ConfigHash string          `db:"config_hash" json:"config_hash"`
	Canonical  json.RawMessage `db:"canonical" json:"canonical"`
	ActionLog  json.RawMessage `db:"action_log" json:"action_log,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Config rebuilds the saved configuration from its canonical form.
func (e *Entry) Config(opts tree.Options) (*tree.Config, error) {
	cfg, errs := tree.FromCanonical(e.Canonical, opts)
	if len(errs) > 0 {
		return nil, fmt.Errorf("rebuild configuration %s: %w", e.ID, errors.Join(errs...))
	}
	return cfg.WithActionLog(e.ActionLog), nil
}

// Store persists saved configurations.
type Store interface {
	// Save creates or replaces the entry named (owner, name).
	Save(ctx context.Context, owner, name string, cfg *tree.Config) (*Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	// List returns an owner's entries ordered by name.
	List(ctx context.Context, owner string) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	// CountByHash returns how many entries reference hash.
	CountByHash(ctx context.Context, hash string) (int, error)
}

func checkEntry(owner, name string, cfg *tree.Config) error {
	switch {
	case owner == "":
		return fmt.Errorf("owner is required")
	case name == "":
		return fmt.Errorf("name is required")
	case cfg == nil:
		return fmt.Errorf("configuration is required")
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: map[string]*Entry{}, now: time.Now}
}

func (m *Memory) Save(ctx context.Context, owner, name string, cfg *tree.Config) (*Entry, error) {
	if err := checkEntry(owner, name, cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for _, e := range m.entries {
		if e.Owner == owner && e.Name == name {
			e.ConfigHash = cfg.Hash()
			e.Canonical = cfg.Canonical()
			e.ActionLog = append(json.RawMessage(nil), cfg.ActionLog...)
			e.UpdatedAt = now
			cp := *e
			return &cp, nil
		}
	}
	e := &Entry{
		ID:         uuid.NewString(),
		Owner:      owner,
		Name:       name,
		ConfigHash: cfg.Hash(),
		Canonical:  cfg.Canonical(),
		ActionLog:  append(json.RawMessage(nil), cfg.ActionLog...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.entries[e.ID] = e
	cp := *e
	return &cp, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("get configuration %s: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) List(ctx context.Context, owner string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Owner == owner {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("delete configuration %s: %w", id, ErrNotFound)
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) CountByHash(ctx context.Context, hash string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.ConfigHash == hash {
			n++
		}
	}
	return n, nil
}
