package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/warden/internal/registry"
)

var ErrRecordNotFound = errors.New("database: record not found")

// RecordStore persists registry snapshots as JSONB and keeps an
// append-only history of status changes.
type RecordStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db, now: time.Now}
}

var _ registry.Store = (*RecordStore)(nil)

// Save upserts the record and appends a history row when its status changed.
func (s *RecordStore) Save(ctx context.Context, kind registry.RecordKind, id, status string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM warden_records WHERE kind = $1 AND id = $2`,
		string(kind), id).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read %s %s: %w", kind, id, err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO warden_records (kind, id, status, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (kind, id) DO UPDATE
        SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
    `, string(kind), id, status, payload, now)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}

	if !previous.Valid || previous.String != status {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO warden_history (kind, id, status, recorded_at)
            VALUES ($1, $2, $3, $4)
        `, string(kind), id, status, now)
		if err != nil {
			return fmt.Errorf("append history %s %s: %w", kind, id, err)
		}
	}

	return tx.Commit()
}

// Load decodes the stored payload of a record into out.
func (s *RecordStore) Load(ctx context.Context, kind registry.RecordKind, id string, out any) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM warden_records WHERE kind = $1 AND id = $2`,
		string(kind), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrRecordNotFound, kind, id)
	}
	if err != nil {
		return fmt.Errorf("query %s %s: %w", kind, id, err)
	}
	return json.Unmarshal(payload, out)
}

// GetHistory returns the status changes of a record, oldest first.
func (s *RecordStore) GetHistory(ctx context.Context, kind registry.RecordKind, id string) ([]ChangeRecord, error) {
	query := `
        SELECT seq, kind, id, status, recorded_at
        FROM warden_history
        WHERE kind = $1 AND id = $2
        ORDER BY seq ASC
    `
	rows, err := s.db.QueryContext(ctx, query, string(kind), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []ChangeRecord
	for rows.Next() {
		var r ChangeRecord
		if err := rows.Scan(&r.Seq, &r.Kind, &r.ID, &r.Status, &r.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type ChangeRecord struct {
	Seq        int64
	Kind       string
	ID         string
	Status     string
	RecordedAt time.Time
}
