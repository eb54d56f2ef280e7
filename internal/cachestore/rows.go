package cachestore

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sspi-data/sspi/pkg/impute"
	"github.com/sspi-data/sspi/pkg/scoring"
)

const scoreColumns = `config_hash, item_code, item_type, country_code, year, score, rank,
	imputed, imputation_method, imputation_distance, error, created_at`

// dbTime stores timestamps as RFC 3339 text and scans either text or a
// native time value.
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t dbTime) Value() (driver.Value, error) {
	return t.UTC().Format(time.RFC3339Nano), nil
}

type scoreRow struct {
	ConfigHash         string          `db:"config_hash"`
	ItemCode           string          `db:"item_code"`
	ItemType           string          `db:"item_type"`
	CountryCode        string          `db:"country_code"`
	Year               int             `db:"year"`
	Score              sql.NullFloat64 `db:"score"`
	Rank               sql.NullInt64   `db:"rank"`
	Imputed            bool            `db:"imputed"`
	ImputationMethod   sql.NullString  `db:"imputation_method"`
	ImputationDistance int             `db:"imputation_distance"`
	Error              sql.NullString  `db:"error"`
	CreatedAt          dbTime          `db:"created_at"`
}

func toScoreRow(d scoring.ScoreDoc) scoreRow {
	r := scoreRow{
		ConfigHash:         d.ConfigHash,
		ItemCode:           d.ItemCode,
		ItemType:           d.ItemType,
		CountryCode:        d.CountryCode,
		Year:               d.Year,
		Imputed:            d.Imputed,
		ImputationMethod:   sql.NullString{String: string(d.ImputationMethod), Valid: d.ImputationMethod != impute.None},
		ImputationDistance: d.ImputationDistance,
		Error:              sql.NullString{String: d.Error, Valid: d.Error != ""},
		CreatedAt:          dbTime{d.CreatedAt},
	}
	if d.Score != nil {
		r.Score = sql.NullFloat64{Float64: *d.Score, Valid: true}
	}
	if d.Rank != nil {
		r.Rank = sql.NullInt64{Int64: int64(*d.Rank), Valid: true}
	}
	return r
}

// args returns the row values in scoreColumns order.
func (r scoreRow) args() []any {
	return []any{
		r.ConfigHash, r.ItemCode, r.ItemType, r.CountryCode, r.Year, r.Score, r.Rank,
		r.Imputed, r.ImputationMethod, r.ImputationDistance, r.Error, r.CreatedAt,
	}
}

func (r scoreRow) doc() (scoring.ScoreDoc, error) {
	method, err := impute.ParseMethod(r.ImputationMethod.String)
	if err != nil {
		return scoring.ScoreDoc{}, err
	}
	d := scoring.ScoreDoc{
		ConfigHash:         r.ConfigHash,
		ItemCode:           r.ItemCode,
		ItemType:           r.ItemType,
		CountryCode:        r.CountryCode,
		Year:               r.Year,
		Imputed:            r.Imputed,
		ImputationMethod:   method,
		ImputationDistance: r.ImputationDistance,
		Error:              r.Error.String,
		CreatedAt:          r.CreatedAt.Time,
	}
	if r.Score.Valid {
		v := r.Score.Float64
		d.Score = &v
	}
	if r.Rank.Valid {
		v := int(r.Rank.Int64)
		d.Rank = &v
	}
	return d, nil
}

func scoreDocs(rows []scoreRow) ([]scoring.ScoreDoc, error) {
	out := make([]scoring.ScoreDoc, 0, len(rows))
	for _, r := range rows {
		d, err := r.doc()
		if err != nil {
			return nil, fmt.Errorf("decode score %s|%s|%d: %w", r.ItemCode, r.CountryCode, r.Year, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func marshalScores(scores []*float64) (string, error) {
	data, err := json.Marshal(scores)
	if err != nil {
		return "", fmt.Errorf("marshal line scores: %w", err)
	}
	return string(data), nil
}

func unmarshalScores(s string) ([]*float64, error) {
	var scores []*float64
	if err := json.Unmarshal([]byte(s), &scores); err != nil {
		return nil, fmt.Errorf("unmarshal line scores: %w", err)
	}
	return scores, nil
}
