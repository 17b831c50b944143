// Package db persists preempt records to SQLite. The store is
// append-only: records are inserted once, keyed by a row key derived
// from the event id and detection timestamp, and never updated.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/schedev/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertPreemptRecord appends one record. A row key collision returns
// ErrDuplicate; the caller treats that as already-recorded.
func (s *Store) InsertPreemptRecord(ctx context.Context, rec model.PreemptRecord) error {
	if strings.TrimSpace(rec.RowKey) == "" {
		return fmt.Errorf("row_key is required")
	}
	if strings.TrimSpace(rec.EventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	resourcesJSON, err := json.Marshal(rec.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO preempt_records(row_key, event_id, event_type, description, resources, detected_at, vm_name, subscription_id, resource_group, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.RowKey, rec.EventID, rec.EventType, rec.Description, string(resourcesJSON), ts(rec.DetectedAt), rec.VMName, rec.SubscriptionID, rec.ResourceGroup, ts(rec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert preempt record: %w", err)
	}
	return nil
}

// GetPreemptRecord fetches one record by row key.
func (s *Store) GetPreemptRecord(ctx context.Context, rowKey string) (model.PreemptRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT row_key, event_id, event_type, description, resources, detected_at, vm_name, subscription_id, resource_group, created_at
FROM preempt_records
WHERE row_key = ?
`, rowKey)
	rec, err := scanPreemptRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PreemptRecord{}, ErrNotFound
	}
	if err != nil {
		return model.PreemptRecord{}, fmt.Errorf("get preempt record: %w", err)
	}
	return rec, nil
}

// ListPreemptRecords returns all records, oldest first.
func (s *Store) ListPreemptRecords(ctx context.Context) ([]model.PreemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT row_key, event_id, event_type, description, resources, detected_at, vm_name, subscription_id, resource_group, created_at
FROM preempt_records
ORDER BY created_at ASC, row_key ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list preempt records: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PreemptRecord
	for rows.Next() {
		rec, err := scanPreemptRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan preempt record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preempt records: %w", err)
	}
	return out, nil
}

func scanPreemptRecord(scan func(dest ...any) error) (model.PreemptRecord, error) {
	var (
		rec           model.PreemptRecord
		resourcesJSON string
		detectedAt    string
		createdAt     string
	)
	if err := scan(&rec.RowKey, &rec.EventID, &rec.EventType, &rec.Description, &resourcesJSON, &detectedAt, &rec.VMName, &rec.SubscriptionID, &rec.ResourceGroup, &createdAt); err != nil {
		return model.PreemptRecord{}, err
	}
	if resourcesJSON != "" {
		if err := json.Unmarshal([]byte(resourcesJSON), &rec.Resources); err != nil {
			return model.PreemptRecord{}, fmt.Errorf("unmarshal resources: %w", err)
		}
	}
	var err error
	if rec.DetectedAt, err = parseTS(detectedAt); err != nil {
		return model.PreemptRecord{}, err
	}
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.PreemptRecord{}, err
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}
