package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaStep is one versioned change to the SQLite schema.
type schemaStep struct {
	version int
	name    string
	up      string
	down    string
}

var schema = []schemaStep{
	{
		version: 1,
		name:    "key records by kind and hash",
		up: `
			CREATE TABLE IF NOT EXISTS keys (
				kind        TEXT NOT NULL,
				hash        TEXT NOT NULL,
				scope       TEXT NOT NULL DEFAULT '',
				ciphertext  BLOB NOT NULL,
				timestamp   INTEGER NOT NULL,
				stored_at   INTEGER NOT NULL,
				PRIMARY KEY (kind, hash)
			);
			CREATE INDEX IF NOT EXISTS idx_keys_kind_ts ON keys(kind, timestamp DESC, hash DESC);`,
		down: `
			DROP INDEX IF EXISTS idx_keys_kind_ts;
			DROP TABLE IF EXISTS keys;`,
	},
	{
		version: 2,
		name:    "per-conversation room key index",
		up:      `CREATE INDEX IF NOT EXISTS idx_keys_scope ON keys(kind, scope, timestamp DESC);`,
		down:    `DROP INDEX IF EXISTS idx_keys_scope;`,
	},
}

// LatestSchemaVersion is the version MigrateDB brings a database to.
func LatestSchemaVersion() int { return schema[len(schema)-1].version }

const createSchemaTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL,
		description TEXT
	)`

// MigrateDB brings db to the latest schema version.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	return MigrateTo(ctx, db, LatestSchemaVersion())
}

// MigrateTo moves db up or down to target. Every step runs in its own
// transaction, so a failure leaves the database at the last completed step.
func MigrateTo(ctx context.Context, db *sql.DB, target int) error {
	if target < 0 || target > LatestSchemaVersion() {
		return fmt.Errorf("schema version %d out of range [0, %d]", target, LatestSchemaVersion())
	}
	if _, err := db.ExecContext(ctx, createSchemaTable); err != nil {
		return fmt.Errorf("create schema table: %w", err)
	}
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range schema {
		if step.version > current && step.version <= target {
			if err := applyStep(ctx, db, step, true); err != nil {
				return err
			}
		}
	}
	for i := len(schema) - 1; i >= 0; i-- {
		if step := schema[i]; step.version <= current && step.version > target {
			if err := applyStep(ctx, db, step, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep, up bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema v%d: begin: %w", step.version, err)
	}
	defer tx.Rollback()

	stmt, record, args := step.down, "DELETE FROM schema_migrations WHERE version = ?", []any{step.version}
	if up {
		stmt = step.up
		record = "INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)"
		args = []any{step.version, time.Now().UnixMilli(), step.name}
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("schema v%d (%s): %w", step.version, step.name, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("schema v%d: record: %w", step.version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied version, 0 for an empty database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// SchemaStatus describes the schema state of a database.
type SchemaStatus struct {
	Current int
	Latest  int
	Applied []AppliedStep
	Pending []string
}

// AppliedStep is one row of schema_migrations.
type AppliedStep struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// GetSchemaStatus reports applied and pending schema steps.
func GetSchemaStatus(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	st := &SchemaStatus{Latest: LatestSchemaVersion()}
	if _, err := db.ExecContext(ctx, createSchemaTable); err != nil {
		return nil, fmt.Errorf("create schema table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("read schema table: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var (
			a  AppliedStep
			at int64
		)
		if err := rows.Scan(&a.Version, &at, &a.Name); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		a.AppliedAt = time.UnixMilli(at)
		st.Applied = append(st.Applied, a)
		applied[a.Version] = true
		st.Current = max(st.Current, a.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, step := range schema {
		if !applied[step.version] {
			st.Pending = append(st.Pending, fmt.Sprintf("v%d %s", step.version, step.name))
		}
	}
	return st, nil
}

// ValidateSchema checks that the tables and indexes of the latest schema
// exist.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	want := map[string]string{
		"keys":              "table",
		"schema_migrations": "table",
		"idx_keys_kind_ts":  "index",
		"idx_keys_scope":    "index",
	}
	for name, typ := range want {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", typ, name,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("check %s %s: %w", typ, name, err)
		}
		if n == 0 {
			return fmt.Errorf("missing %s %s", typ, name)
		}
	}
	return nil
}
