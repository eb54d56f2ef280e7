package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sspi-data/sspi/pkg/tree"
)

const entryColumns = `id, owner, name, config_hash, canonical, action_log, created_at, updated_at`

// Postgres is a Store backed by the custom_configs table.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgres creates a Postgres store. The schema is managed by
// platform.AutoMigrate.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (p *Postgres) Save(ctx context.Context, owner, name string, cfg *tree.Config) (*Entry, error) {
	if err := checkEntry(owner, name, cfg); err != nil {
		return nil, err
	}
	var actionLog any
	if len(cfg.ActionLog) > 0 {
		actionLog = string(cfg.ActionLog)
	}
	e := &Entry{}
	err := p.db.QueryRowxContext(ctx,
		`INSERT INTO custom_configs (id, owner, name, config_hash, canonical, action_log, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $7)
		 ON CONFLICT (owner, name) DO UPDATE
		   SET config_hash = EXCLUDED.config_hash,
		       canonical = EXCLUDED.canonical,
		       action_log = EXCLUDED.action_log,
		       updated_at = EXCLUDED.updated_at
		 RETURNING `+entryColumns,
		uuid.NewString(), owner, name, cfg.Hash(), string(cfg.Canonical()), actionLog, p.now().UTC(),
	).StructScan(e)
	if err != nil {
		return nil, fmt.Errorf("save configuration %s/%s: %w", owner, name, err)
	}
	return e, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get configuration %s: %w", id, ErrNotFound)
	}
	e := &Entry{}
	err := p.db.GetContext(ctx, e, `SELECT `+entryColumns+` FROM custom_configs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get configuration %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration %s: %w", id, err)
	}
	return e, nil
}

func (p *Postgres) List(ctx context.Context, owner string) ([]Entry, error) {
	var out []Entry
	if err := p.db.SelectContext(ctx, &out,
		`SELECT `+entryColumns+` FROM custom_configs WHERE owner = $1 ORDER BY name`, owner); err != nil {
		return nil, fmt.Errorf("list configurations of %s: %w", owner, err)
	}
	return out, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("delete configuration %s: %w", id, ErrNotFound)
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM custom_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete configuration %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete configuration %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete configuration %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CountByHash(ctx context.Context, hash string) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, `SELECT count(*) FROM custom_configs WHERE config_hash = $1`, hash); err != nil {
		return 0, fmt.Errorf("count configurations of %s: %w", hash, err)
	}
	return n, nil
}
