package db

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS preempt_records (
	row_key         TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	resources       TEXT NOT NULL DEFAULT '[]',
	detected_at     TEXT NOT NULL,
	vm_name         TEXT NOT NULL DEFAULT '',
	subscription_id TEXT NOT NULL DEFAULT '',
	resource_group  TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_preempt_records_event_id ON preempt_records(event_id)`,
}

// ApplyMigrations creates the schema. Statements are idempotent so a
// restart against an existing database is safe.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
