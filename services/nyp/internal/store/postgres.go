package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps documents as jsonb rows in nyp_documents. Each save bumps the
// row version inside the same statement.
type Postgres struct {
	DB  *pgxpool.Pool
	now func() time.Time
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db, now: time.Now}
}

const upsertDocumentSQL = `
INSERT INTO nyp_documents(name, body, version, updated_at)
VALUES($1, $2::jsonb, 1, $3)
ON CONFLICT (name) DO UPDATE
SET body=EXCLUDED.body,
    version=nyp_documents.version+1,
    updated_at=EXCLUDED.updated_at
`

func (p *Postgres) Load(ctx context.Context, name string, def json.RawMessage) (json.RawMessage, error) {
	const op = "store.Postgres.Load"

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var body []byte
	err := p.DB.QueryRow(ctx, `SELECT body FROM nyp_documents WHERE name=$1`, name).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return def, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return body, nil
}

func (p *Postgres) Save(ctx context.Context, name string, doc json.RawMessage) error {
	const op = "store.Postgres.Save"

	if err := validateDoc(name, doc); err != nil {
		return err
	}
	if _, err := p.DB.Exec(ctx, upsertDocumentSQL, name, string(doc), p.now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Postgres) SaveAll(ctx context.Context, docs map[string]json.RawMessage) error {
	const op = "store.Postgres.SaveAll"

	for name, doc := range docs {
		if err := validateDoc(name, doc); err != nil {
			return err
		}
	}
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	for name, doc := range docs {
		if _, err := tx.Exec(ctx, upsertDocumentSQL, name, string(doc), now); err != nil {
			return fmt.Errorf("%s: %s: %w", op, name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Postgres) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var exists bool
	err := p.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM nyp_documents WHERE name=$1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store.Postgres.Exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	tag, err := p.DB.Exec(ctx, `DELETE FROM nyp_documents WHERE name=$1`, name)
	if err != nil {
		return false, fmt.Errorf("store.Postgres.Delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Backup(ctx context.Context, name string) (string, error) {
	const op = "store.Postgres.Backup"

	if err := ValidateName(name); err != nil {
		return "", err
	}
	now := p.now().UTC()
	dst := backupName(name, now.Format(backupLayout))
	tag, err := p.DB.Exec(ctx, `
INSERT INTO nyp_documents(name, body, version, updated_at)
SELECT $2, body, 1, $3 FROM nyp_documents WHERE name=$1
ON CONFLICT (name) DO UPDATE
SET body=EXCLUDED.body,
    version=nyp_documents.version+1,
    updated_at=EXCLUDED.updated_at
`, name, dst, now)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return "", nil
	}
	return dst, nil
}

func (p *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := p.DB.Query(ctx, `SELECT name FROM nyp_documents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store.Postgres.List: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) Info() Info {
	return Info{Mode: ModeDB, Location: "postgres:nyp_documents"}
}
