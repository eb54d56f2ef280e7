package cachestore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sspi-data/sspi/pkg/config"
	"github.com/sspi-data/sspi/pkg/impute"
	"github.com/sspi-data/sspi/pkg/scoring"
)

const hashA = "0123456789abcdef0123456789abcdef"

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func sampleDocs(hash string) ([]scoring.ScoreDoc, []scoring.LineDoc) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	scores := []scoring.ScoreDoc{
		{ConfigHash: hash, ItemCode: "SSPI", ItemType: "SSPI", CountryCode: "USA", Year: 2020, Score: f64(0.5), Rank: intp(1), CreatedAt: created},
		{ConfigHash: hash, ItemCode: "SSPI", ItemType: "SSPI", CountryCode: "FRA", Year: 2020, Score: f64(0.25), Rank: intp(2), CreatedAt: created},
		{ConfigHash: hash, ItemCode: "GDPGRW", ItemType: "Indicator", CountryCode: "USA", Year: 2021, Score: f64(0.75), Rank: intp(1),
			Imputed: true, ImputationMethod: impute.ExtrapolateForward, ImputationDistance: 1, CreatedAt: created},
		{ConfigHash: hash, ItemCode: "GDPGRW", ItemType: "Indicator", CountryCode: "FRA", Year: 2021,
			Error: "DataQualityError: no observations for DatasetCode GDP", CreatedAt: created},
	}
	lines := []scoring.LineDoc{
		{ConfigHash: hash, ICode: "SSPI", IName: "SSPI", IType: "SSPI", CCode: "USA", CGroup: []string{"G20"},
			Years: []int{2020, 2021}, Score: []*float64{f64(0.5), nil}, Imputed: []bool{false, false}},
		{ConfigHash: hash, ICode: "SSPI", IName: "SSPI", IType: "SSPI", CCode: "FRA", CGroup: []string{},
			Years: []int{2020, 2021}, Score: []*float64{f64(0.25), nil}, Imputed: []bool{false, false}},
	}
	return scores, lines
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	scores, lines := sampleDocs(hashA)

	ok, err := s.Exists(ctx, hashA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, hashA, scores, lines))
	ok, err = s.Exists(ctx, hashA)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := s.FlatScores(ctx, hashA, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	// ordered by item code, country, year
	assert.Equal(t, "GDPGRW", all[0].ItemCode)
	assert.Equal(t, "FRA", all[0].CountryCode)
	assert.Nil(t, all[0].Score)
	assert.Nil(t, all[0].Rank)
	assert.Equal(t, "DataQualityError: no observations for DatasetCode GDP", all[0].Error)
	assert.Equal(t, impute.ExtrapolateForward, all[1].ImputationMethod)
	assert.Equal(t, 1, all[1].ImputationDistance)
	assert.True(t, all[1].Imputed)
	assert.Equal(t, 0.75, *all[1].Score)
	assert.True(t, all[1].CreatedAt.Equal(scores[2].CreatedAt))
	assert.Equal(t, "SSPI", all[2].ItemCode)

	filtered, err := s.FlatScores(ctx, hashA, Filter{ItemTypes: []string{"SSPI"}, CountryCodes: []string{"USA"}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, 1, *filtered[0].Rank)

	byYear, err := s.FlatScores(ctx, hashA, Filter{FromYear: 2021, ToYear: 2021})
	require.NoError(t, err)
	assert.Len(t, byYear, 2)

	ld, err := s.LineData(ctx, hashA, "SSPI", []string{"USA"})
	require.NoError(t, err)
	require.Len(t, ld, 1)
	assert.Equal(t, []int{2020, 2021}, ld[0].Years)
	require.Len(t, ld[0].Score, 2)
	assert.Equal(t, 0.5, *ld[0].Score[0])
	assert.Nil(t, ld[0].Score[1])
	assert.Equal(t, []string{"G20"}, ld[0].CGroup)

	allLines, err := s.LineData(ctx, hashA, "", nil)
	require.NoError(t, err)
	require.Len(t, allLines, 2)
	assert.Equal(t, "FRA", allLines[0].CCode)

	// A second write replaces the documents of the hash.
	require.NoError(t, s.Write(ctx, hashA, scores[:2], lines[:1]))
	all, err = s.FlatScores(ctx, hashA, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := s.Clear(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	ok, err = s.Exists(ctx, hashA)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = s.Clear(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	none, err := s.FlatScores(ctx, "ffffffffffffffffffffffffffffffff", Filter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("SSPI_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SSPI_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), config.CacheConfig{Backend: "postgres", DatabaseURL: url})
	require.NoError(t, err)
	defer s.Close()
	_, _ = s.Clear(context.Background(), hashA)
	testStore(t, s)
}

func TestWriteRejectsForeignHash(t *testing.T) {
	scores, lines := sampleDocs("ffffffffffffffffffffffffffffffff")
	err := NewMemory().Write(context.Background(), hashA, scores, lines)
	assert.Error(t, err)
}

func TestMemory_ConcurrentWritesSameHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	scores, lines := sampleDocs(hashA)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Write(ctx, hashA, scores, lines))
			got, err := s.FlatScores(ctx, hashA, Filter{})
			assert.NoError(t, err)
			assert.Len(t, got, len(scores))
		}()
	}
	wg.Wait()
	assert.Empty(t, s.locks.locks, "hash locks should be released")
}

func TestFilterMatch(t *testing.T) {
	d := scoring.ScoreDoc{ItemCode: "ECO", ItemType: "Pillar", CountryCode: "USA", Year: 2010}
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"item hit", Filter{ItemCodes: []string{"SOC", "ECO"}}, true},
		{"item miss", Filter{ItemCodes: []string{"SOC"}}, false},
		{"type miss", Filter{ItemTypes: []string{"Indicator"}}, false},
		{"country hit", Filter{CountryCodes: []string{"USA"}}, true},
		{"from", Filter{FromYear: 2011}, false},
		{"to", Filter{ToYear: 2010}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.Match(d))
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.CacheConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.CacheConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.CacheConfig{Backend: "postgres"})
	assert.Error(t, err)
	_, err = Open(ctx, config.CacheConfig{Backend: "redis"})
	assert.Error(t, err)
}
