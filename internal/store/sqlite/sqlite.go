// Package sqlite provides a SQLite-backed implementation of the
// app.AccessPersister port. The access table is stored across three small
// tables and rewritten inside one transaction on every save.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ app.AccessPersister = (*Persister)(nil)

// Persister implements app.AccessPersister using SQLite (via database/sql).
// It is safe for concurrent use; database/sql manages connection pooling and
// serialization, and the access table serializes saves anyway.
type Persister struct{ db *sql.DB }

// New constructs a Persister, initializing the required schema if absent.
func New(db *sql.DB) (*Persister, error) {
	p := &Persister{db: db}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Persister) init() error {
	schema := `CREATE TABLE IF NOT EXISTS access_admin (
singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
admin INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS access_users (
id INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS access_tokens (
token TEXT PRIMARY KEY
);`
	_, err := p.db.Exec(schema)
	return err
}

// Load reads the stored table. The absence of the admin row means nothing
// was ever saved.
func (p *Persister) Load(ctx context.Context) (app.AccessRecord, bool, error) {
	var rec app.AccessRecord
	var admin int64
	row := p.db.QueryRowContext(ctx, `SELECT admin FROM access_admin WHERE singleton = 1`)
	if err := row.Scan(&admin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return app.AccessRecord{}, false, nil
		}
		return app.AccessRecord{}, false, err
	}
	rec.Admin = domain.Identity(admin)

	users, err := p.db.QueryContext(ctx, `SELECT id FROM access_users ORDER BY id`)
	if err != nil {
		return app.AccessRecord{}, false, err
	}
	defer users.Close()
	for users.Next() {
		var id int64
		if err = users.Scan(&id); err != nil {
			return app.AccessRecord{}, false, err
		}
		rec.Users = append(rec.Users, domain.Identity(id))
	}
	if err = users.Err(); err != nil {
		return app.AccessRecord{}, false, err
	}

	tokens, err := p.db.QueryContext(ctx, `SELECT token FROM access_tokens ORDER BY token`)
	if err != nil {
		return app.AccessRecord{}, false, err
	}
	defer tokens.Close()
	for tokens.Next() {
		var tok string
		if err = tokens.Scan(&tok); err != nil {
			return app.AccessRecord{}, false, err
		}
		rec.MailTokens = append(rec.MailTokens, tok)
	}
	if err = tokens.Err(); err != nil {
		return app.AccessRecord{}, false, err
	}
	return rec, true, nil
}

// Save replaces the stored table with rec in a single transaction.
func (p *Persister) Save(ctx context.Context, rec app.AccessRecord) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsertAdmin = `INSERT INTO access_admin (singleton, admin) VALUES (1, ?)
ON CONFLICT(singleton) DO UPDATE SET admin = excluded.admin`
	if _, err = tx.ExecContext(ctx, upsertAdmin, int64(rec.Admin)); err != nil {
		return fmt.Errorf("save admin: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM access_users`); err != nil {
		return fmt.Errorf("clear users: %w", err)
	}
	for _, u := range rec.Users {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO access_users (id) VALUES (?)`, int64(u)); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM access_tokens`); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	for _, tok := range rec.MailTokens {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO access_tokens (token) VALUES (?)`, tok); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
	}
	return tx.Commit()
}
