package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Backend on a single SQLite file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path with mode 0600 and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Create the file ourselves so it never exists with a wider mode.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	f.Close()
	if err := os.Chmod(path, 0600); err != nil {
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// DB exposes the handle for schema inspection.
func (b *SQLite) DB() *sql.DB { return b.db }

// Path returns the database file.
func (b *SQLite) Path() string { return b.path }

const (
	insertRecord = `
		INSERT INTO keys (kind, hash, scope, ciphertext, timestamp, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, hash) DO NOTHING`
	upsertRecord = `
		INSERT INTO keys (kind, hash, scope, ciphertext, timestamp, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, hash) DO UPDATE SET
			scope = excluded.scope,
			ciphertext = excluded.ciphertext,
			timestamp = excluded.timestamp,
			stored_at = excluded.stored_at`
)

// PutAll writes recs in one transaction.
func (b *SQLite) PutAll(ctx context.Context, recs []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, insertRecord)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()
	upsert, err := tx.PrepareContext(ctx, upsertRecord)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	now := time.Now().UnixMilli()
	for _, r := range recs {
		stmt := insert
		if r.Kind.Mutable() {
			stmt = upsert
		}
		if _, err := stmt.ExecContext(ctx, string(r.Kind), r.Hash, r.Scope, r.Ciphertext, r.Timestamp, now); err != nil {
			return fmt.Errorf("write %s: %w", r, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get returns one record.
func (b *SQLite) Get(ctx context.Context, kind Kind, hash string) (Record, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT kind, hash, scope, ciphertext, timestamp
		FROM keys WHERE kind = ? AND hash = ?`, string(kind), hash)

	var r Record
	var k string
	err := row.Scan(&k, &r.Hash, &r.Scope, &r.Ciphertext, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", kind, hash, err)
	}
	r.Kind = Kind(k)
	return r, nil
}

// List returns every record of kind, newest first.
func (b *SQLite) List(ctx context.Context, kind Kind) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT kind, hash, scope, ciphertext, timestamp
		FROM keys WHERE kind = ?
		ORDER BY timestamp DESC, hash DESC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return scanRecords(rows)
}

// ListScope returns the records of kind under scope, newest first.
func (b *SQLite) ListScope(ctx context.Context, kind Kind, scope string) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT kind, hash, scope, ciphertext, timestamp
		FROM keys WHERE kind = ? AND scope = ?
		ORDER BY timestamp DESC, hash DESC`, string(kind), scope)
	if err != nil {
		return nil, fmt.Errorf("list %s in %q: %w", kind, scope, err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var k string
		if err := rows.Scan(&k, &r.Hash, &r.Scope, &r.Ciphertext, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = Kind(k)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (b *SQLite) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
