package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sspi-data/sspi/pkg/scoring"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    config_hash TEXT PRIMARY KEY,
    score_count INTEGER NOT NULL,
    line_count  INTEGER NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS score_docs (
    config_hash         TEXT NOT NULL,
    item_code           TEXT NOT NULL,
    item_type           TEXT NOT NULL,
    country_code        TEXT NOT NULL,
    year                INTEGER NOT NULL CHECK (year BETWEEN 1990 AND 2030),
    score               REAL,
    rank                INTEGER,
    imputed             BOOLEAN NOT NULL DEFAULT 0,
    imputation_method   TEXT,
    imputation_distance INTEGER NOT NULL DEFAULT 0,
    error               TEXT,
    created_at          TEXT NOT NULL,
    PRIMARY KEY (config_hash, item_code, country_code, year)
);

CREATE TABLE IF NOT EXISTS line_docs (
    config_hash    TEXT NOT NULL,
    item_code      TEXT NOT NULL,
    item_name      TEXT NOT NULL,
    item_type      TEXT NOT NULL,
    country_code   TEXT NOT NULL,
    country_groups TEXT NOT NULL,
    years          TEXT NOT NULL,
    scores         TEXT NOT NULL,
    imputed        TEXT NOT NULL,
    PRIMARY KEY (config_hash, item_code, country_code)
);
`

// SQLite is a single-node Store used by the CLI.
type SQLite struct {
	db    *sqlx.DB
	locks hashLocks
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Exists(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cache_entries WHERE config_hash = ?`, hash)
	if err != nil {
		return false, fmt.Errorf("check cache %s: %w", hash, err)
	}
	return n > 0, nil
}

// Write inserts the documents of hash in one transaction, retrying once
// with a delete of the old rows when the hash is already cached.
func (s *SQLite) Write(ctx context.Context, hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc) error {
	if err := checkHash(hash, scores, lines); err != nil {
		return err
	}
	scores, lines = dedupeScores(scores), dedupeLines(lines)

	unlock := s.locks.lock(hash)
	defer unlock()

	err := s.write(ctx, hash, scores, lines, false)
	var ce *ConflictError
	if errors.As(err, &ce) {
		log.Printf("cache %s: %v; replacing existing rows", hash, ce.Err)
		err = s.write(ctx, hash, scores, lines, true)
	}
	return err
}

func (s *SQLite) write(ctx context.Context, hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc, replace bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache write: %w", err)
	}
	defer tx.Rollback()

	if replace {
		for _, table := range []string{"score_docs", "line_docs", "cache_entries"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE config_hash = ?`, hash); err != nil {
				return fmt.Errorf("clear %s for %s: %w", table, hash, err)
			}
		}
	}

	for _, d := range scores {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO score_docs (`+scoreColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			toScoreRow(d).args()...,
		); err != nil {
			return s.wrap(hash, fmt.Errorf("insert score %s: %w", d.Key(), err))
		}
	}

	for _, d := range lines {
		cols, err := sqliteLineColumns(d)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO line_docs (config_hash, item_code, item_name, item_type, country_code,
			                        country_groups, years, scores, imputed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cols...,
		); err != nil {
			return s.wrap(hash, fmt.Errorf("insert line %s|%s: %w", d.ICode, d.CCode, err))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (config_hash, score_count, line_count) VALUES (?, ?, ?)`,
		hash, len(scores), len(lines),
	); err != nil {
		return s.wrap(hash, fmt.Errorf("insert cache entry: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache write: %w", err)
	}
	return nil
}

func (s *SQLite) wrap(hash string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return &ConflictError{Hash: hash, Err: err}
		}
	}
	return err
}

func sqliteLineColumns(d scoring.LineDoc) ([]any, error) {
	groups := d.CGroup
	if groups == nil {
		groups = []string{}
	}
	cols := []any{d.ConfigHash, d.ICode, d.IName, d.IType, d.CCode}
	for _, v := range []any{groups, d.Years, d.Score, d.Imputed} {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal line %s|%s: %w", d.ICode, d.CCode, err)
		}
		cols = append(cols, string(data))
	}
	return cols, nil
}

func (s *SQLite) FlatScores(ctx context.Context, hash string, f Filter) ([]scoring.ScoreDoc, error) {
	q := `SELECT ` + scoreColumns + ` FROM score_docs WHERE config_hash = ?`
	args := []any{hash}
	if len(f.ItemCodes) > 0 {
		q += ` AND item_code IN (?)`
		args = append(args, f.ItemCodes)
	}
	if len(f.ItemTypes) > 0 {
		q += ` AND item_type IN (?)`
		args = append(args, f.ItemTypes)
	}
	if len(f.CountryCodes) > 0 {
		q += ` AND country_code IN (?)`
		args = append(args, f.CountryCodes)
	}
	if f.FromYear != 0 {
		q += ` AND year >= ?`
		args = append(args, f.FromYear)
	}
	if f.ToYear != 0 {
		q += ` AND year <= ?`
		args = append(args, f.ToYear)
	}
	q += ` ORDER BY item_code, country_code, year`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("expand score filter: %w", err)
	}
	var rows []scoreRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select scores for %s: %w", hash, err)
	}
	return scoreDocs(rows)
}

type sqliteLineRow struct {
	ConfigHash    string `db:"config_hash"`
	ItemCode      string `db:"item_code"`
	ItemName      string `db:"item_name"`
	ItemType      string `db:"item_type"`
	CountryCode   string `db:"country_code"`
	CountryGroups string `db:"country_groups"`
	Years         string `db:"years"`
	Scores        string `db:"scores"`
	Imputed       string `db:"imputed"`
}

func (s *SQLite) LineData(ctx context.Context, hash, itemCode string, countries []string) ([]scoring.LineDoc, error) {
	q := `SELECT config_hash, item_code, item_name, item_type, country_code,
	             country_groups, years, scores, imputed
	      FROM line_docs WHERE config_hash = ?`
	args := []any{hash}
	if itemCode != "" {
		q += ` AND item_code = ?`
		args = append(args, itemCode)
	}
	if len(countries) > 0 {
		q += ` AND country_code IN (?)`
		args = append(args, countries)
	}
	q += ` ORDER BY item_code, country_code`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("expand line filter: %w", err)
	}
	var rows []sqliteLineRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select lines for %s: %w", hash, err)
	}

	out := make([]scoring.LineDoc, 0, len(rows))
	for _, r := range rows {
		d := scoring.LineDoc{
			ConfigHash: r.ConfigHash,
			ICode:      r.ItemCode,
			IName:      r.ItemName,
			IType:      r.ItemType,
			CCode:      r.CountryCode,
		}
		for _, f := range []struct {
			src string
			dst any
		}{
			{r.CountryGroups, &d.CGroup},
			{r.Years, &d.Years},
			{r.Scores, &d.Score},
			{r.Imputed, &d.Imputed},
		} {
			if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
				return nil, fmt.Errorf("decode line %s|%s: %w", r.ItemCode, r.CountryCode, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLite) Clear(ctx context.Context, hash string) (int, error) {
	unlock := s.locks.lock(hash)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cache clear: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for _, table := range []string{"score_docs", "line_docs"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE config_hash = ?`, hash)
		if err != nil {
			return 0, fmt.Errorf("clear %s for %s: %w", table, hash, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("count cleared rows: %w", err)
		}
		total += int(n)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE config_hash = ?`, hash); err != nil {
		return 0, fmt.Errorf("clear cache entry %s: %w", hash, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cache clear: %w", err)
	}
	return total, nil
}
