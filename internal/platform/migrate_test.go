package platform

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups != 2 || downs != 2 {
		t.Errorf("expected 2 up and 2 down migrations, got %d/%d", ups, downs)
	}
}

func TestScoreCacheSchema(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/000001_score_cache.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(data)
	for _, want := range []string{
		"PRIMARY KEY (config_hash, item_code, country_code, year)",
		"PRIMARY KEY (config_hash, item_code, country_code)",
		"CREATE TABLE IF NOT EXISTS cache_entries",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
