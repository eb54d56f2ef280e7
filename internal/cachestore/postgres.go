package cachestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sspi-data/sspi/pkg/scoring"
)

// Postgres is a Store backed by the score_docs, line_docs and cache_entries
// tables created by platform.AutoMigrate.
type Postgres struct {
	db    *sqlx.DB
	locks hashLocks
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to databaseURL with the lib/pq driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// DB returns the underlying handle.
func (p *Postgres) DB() *sqlx.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Exists(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := p.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM cache_entries WHERE config_hash = $1)`, hash)
	if err != nil {
		return false, fmt.Errorf("check cache %s: %w", hash, err)
	}
	return ok, nil
}

// Write inserts the documents of hash in one transaction. If rows for the
// hash already exist the insert fails with a unique violation; the write is
// then retried once, deleting the old rows first.
func (p *Postgres) Write(ctx context.Context, hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc) error {
	if err := checkHash(hash, scores, lines); err != nil {
		return err
	}
	scores, lines = dedupeScores(scores), dedupeLines(lines)

	unlock := p.locks.lock(hash)
	defer unlock()

	err := p.write(ctx, hash, scores, lines, false)
	var ce *ConflictError
	if errors.As(err, &ce) {
		log.Printf("cache %s: %v; replacing existing rows", hash, ce.Err)
		err = p.write(ctx, hash, scores, lines, true)
	}
	return err
}

func (p *Postgres) write(ctx context.Context, hash string, scores []scoring.ScoreDoc, lines []scoring.LineDoc, replace bool) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache write: %w", err)
	}
	defer tx.Rollback()

	if replace {
		for _, table := range []string{"score_docs", "line_docs", "cache_entries"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE config_hash = $1`, hash); err != nil {
				return fmt.Errorf("clear %s for %s: %w", table, hash, err)
			}
		}
	}

	scoreStmt, err := tx.PreparexContext(ctx,
		`INSERT INTO score_docs (`+scoreColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("prepare score insert: %w", err)
	}
	defer scoreStmt.Close()
	for _, d := range scores {
		if _, err := scoreStmt.ExecContext(ctx, toScoreRow(d).args()...); err != nil {
			return p.wrap(hash, fmt.Errorf("insert score %s: %w", d.Key(), err))
		}
	}

	lineStmt, err := tx.PreparexContext(ctx,
		`INSERT INTO line_docs (config_hash, item_code, item_name, item_type, country_code,
		                        country_groups, years, scores, imputed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`)
	if err != nil {
		return fmt.Errorf("prepare line insert: %w", err)
	}
	defer lineStmt.Close()
	for _, d := range lines {
		scoresJSON, err := marshalScores(d.Score)
		if err != nil {
			return err
		}
		years := make([]int64, len(d.Years))
		for i, y := range d.Years {
			years[i] = int64(y)
		}
		groups := d.CGroup
		if groups == nil {
			groups = []string{}
		}
		if _, err := lineStmt.ExecContext(ctx,
			d.ConfigHash, d.ICode, d.IName, d.IType, d.CCode,
			pq.Array(groups), pq.Array(years), scoresJSON, pq.Array(d.Imputed),
		); err != nil {
			return p.wrap(hash, fmt.Errorf("insert line %s|%s: %w", d.ICode, d.CCode, err))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (config_hash, score_count, line_count) VALUES ($1, $2, $3)`,
		hash, len(scores), len(lines),
	); err != nil {
		return p.wrap(hash, fmt.Errorf("insert cache entry: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache write: %w", err)
	}
	return nil
}

// wrap turns unique violations into ConflictError.
func (p *Postgres) wrap(hash string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return &ConflictError{Hash: hash, Err: err}
	}
	return err
}

func (p *Postgres) FlatScores(ctx context.Context, hash string, f Filter) ([]scoring.ScoreDoc, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + scoreColumns + ` FROM score_docs WHERE config_hash = $1`)
	args := []any{hash}
	add := func(cond string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+cond, len(args))
	}
	if len(f.ItemCodes) > 0 {
		add("item_code = ANY($%d)", pq.Array(f.ItemCodes))
	}
	if len(f.ItemTypes) > 0 {
		add("item_type = ANY($%d)", pq.Array(f.ItemTypes))
	}
	if len(f.CountryCodes) > 0 {
		add("country_code = ANY($%d)", pq.Array(f.CountryCodes))
	}
	if f.FromYear != 0 {
		add("year >= $%d", f.FromYear)
	}
	if f.ToYear != 0 {
		add("year <= $%d", f.ToYear)
	}
	b.WriteString(" ORDER BY item_code, country_code, year")

	var rows []scoreRow
	if err := p.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, fmt.Errorf("select scores for %s: %w", hash, err)
	}
	return scoreDocs(rows)
}

type pgLineRow struct {
	ConfigHash    string         `db:"config_hash"`
	ItemCode      string         `db:"item_code"`
	ItemName      string         `db:"item_name"`
	ItemType      string         `db:"item_type"`
	CountryCode   string         `db:"country_code"`
	CountryGroups pq.StringArray `db:"country_groups"`
	Years         pq.Int64Array  `db:"years"`
	Scores        string         `db:"scores"`
	Imputed       pq.BoolArray   `db:"imputed"`
}

func (p *Postgres) LineData(ctx context.Context, hash, itemCode string, countries []string) ([]scoring.LineDoc, error) {
	q := `SELECT config_hash, item_code, item_name, item_type, country_code,
	             country_groups, years, scores, imputed
	      FROM line_docs WHERE config_hash = $1`
	args := []any{hash}
	if itemCode != "" {
		args = append(args, itemCode)
		q += fmt.Sprintf(" AND item_code = $%d", len(args))
	}
	if len(countries) > 0 {
		args = append(args, pq.Array(countries))
		q += fmt.Sprintf(" AND country_code = ANY($%d)", len(args))
	}
	q += " ORDER BY item_code, country_code"

	var rows []pgLineRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select lines for %s: %w", hash, err)
	}
	out := make([]scoring.LineDoc, 0, len(rows))
	for _, r := range rows {
		scores, err := unmarshalScores(r.Scores)
		if err != nil {
			return nil, err
		}
		years := make([]int, len(r.Years))
		for i, y := range r.Years {
			years[i] = int(y)
		}
		out = append(out, scoring.LineDoc{
			ConfigHash: r.ConfigHash,
			ICode:      r.ItemCode,
			IName:      r.ItemName,
			IType:      r.ItemType,
			CCode:      r.CountryCode,
			CGroup:     []string(r.CountryGroups),
			Years:      years,
			Score:      scores,
			Imputed:    []bool(r.Imputed),
		})
	}
	return out, nil
}

func (p *Postgres) Clear(ctx context.Context, hash string) (int, error) {
	unlock := p.locks.lock(hash)
	defer unlock()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cache clear: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for _, table := range []string{"score_docs", "line_docs"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE config_hash = $1`, hash)
		if err != nil {
			return 0, fmt.Errorf("clear %s for %s: %w", table, hash, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("count cleared rows: %w", err)
		}
		total += int(n)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE config_hash = $1`, hash); err != nil {
		return 0, fmt.Errorf("clear cache entry %s: %w", hash, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cache clear: %w", err)
	}
	return total, nil
}
