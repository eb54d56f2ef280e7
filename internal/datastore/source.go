package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/tree"
)

// Blob layout inside a StorageClient.
const (
	CountriesKey    = "countries.json"
	DatasetIndexKey = "datasets/index.json"
)

// DatasetKey returns the blob key holding the readings of one dataset.
func DatasetKey(code string) string { return "datasets/" + code + ".json" }

// Country is one entry of countries.json.
type Country struct {
	CountryCode   string   `json:"CountryCode"`
	CountryGroups []string `json:"CountryGroups,omitempty"`
}

// Source serves the clean dataset store and the metadata registry from a
// StorageClient. It implements scoring.DataSource and scoring.CountryGrouper.
type Source struct {
	store      StorageClient
	defaultKey string
}

// NewSource creates a Source. defaultKey locates the default configuration.
func NewSource(store StorageClient, defaultKey string) *Source {
	return &Source{store: store, defaultKey: defaultKey}
}

func (s *Source) countries(ctx context.Context) ([]Country, error) {
	data, err := s.store.Get(ctx, CountriesKey)
	if err != nil {
		return nil, fmt.Errorf("reading country list: %w", err)
	}
	var cs []Country
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parsing country list: %w", err)
	}
	return cs, nil
}

// Countries returns the sorted country universe.
func (s *Source) Countries(ctx context.Context) ([]string, error) {
	cs, err := s.countries(ctx)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(cs))
	for _, c := range cs {
		codes = append(codes, c.CountryCode)
	}
	sort.Strings(codes)
	return codes, nil
}

// CountryGroups returns the groups each country belongs to.
func (s *Source) CountryGroups(ctx context.Context) (map[string][]string, error) {
	cs, err := s.countries(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(cs))
	for _, c := range cs {
		out[c.CountryCode] = c.CountryGroups
	}
	return out, nil
}

// Readings returns the clean readings of one dataset. A dataset with no blob
// yields no readings. Invalid readings are dropped and logged.
func (s *Source) Readings(ctx context.Context, code string) ([]dataset.Reading, error) {
	data, err := s.store.Get(ctx, DatasetKey(code))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", code, err)
	}
	var rs []dataset.Reading
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", code, err)
	}
	kept, dropped := dataset.Clean(rs)
	if len(dropped) > 0 {
		log.Printf("dataset %s: dropped %d invalid readings (first: %v)", code, len(dropped), dropped[0])
	}
	return kept, nil
}

// PutReadings stores the readings of one dataset.
func (s *Source) PutReadings(ctx context.Context, code string, readings []dataset.Reading) error {
	data, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("marshaling dataset %s: %w", code, err)
	}
	return s.store.Put(ctx, DatasetKey(code), data)
}

// PutCountries stores the country list.
func (s *Source) PutCountries(ctx context.Context, countries []Country) error {
	data, err := json.Marshal(countries)
	if err != nil {
		return fmt.Errorf("marshaling country list: %w", err)
	}
	return s.store.Put(ctx, CountriesKey, data)
}

// KnownDatasets returns the dataset codes listed in the dataset index, or
// nil when no index is stored.
func (s *Source) KnownDatasets(ctx context.Context) (map[string]bool, error) {
	data, err := s.store.Get(ctx, DatasetIndexKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dataset index: %w", err)
	}
	var codes []string
	if err := json.Unmarshal(data, &codes); err != nil {
		return nil, fmt.Errorf("parsing dataset index: %w", err)
	}
	known := make(map[string]bool, len(codes))
	for _, c := range codes {
		known[c] = true
	}
	return known, nil
}

// DefaultMetadata returns the default SSPI configuration documents.
func (s *Source) DefaultMetadata(ctx context.Context) (*tree.Submission, error) {
	data, err := s.store.Get(ctx, s.defaultKey)
	if err != nil {
		return nil, fmt.Errorf("reading default metadata: %w", err)
	}
	sub, err := tree.ParseDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("parsing default metadata: %w", err)
	}
	return sub, nil
}

// PutDefaultMetadata stores the default configuration as document JSON.
func (s *Source) PutDefaultMetadata(ctx context.Context, docs []tree.Document) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default metadata: %w", err)
	}
	return s.store.Put(ctx, s.defaultKey, data)
}
