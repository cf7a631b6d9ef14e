package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/paysentinel/internal/isotime"
)

// PostgresStore persists provenance chains in PostgreSQL. Within a chain,
// the BIGSERIAL id preserves append order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a provenance store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the provenance schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS provenance_records (
			id         BIGSERIAL PRIMARY KEY,
			tx_id      VARCHAR(64) NOT NULL,
			stage      VARCHAR(32) NOT NULL,
			action     TEXT NOT NULL DEFAULT '',
			outcome    VARCHAR(16) NOT NULL,
			details    JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_provenance_tx ON provenance_records(tx_id, id);
	`)
	if err != nil {
		return fmt.Errorf("migrate provenance schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	createdAt, err := isotime.Parse(rec.Timestamp)
	if err != nil {
		return fmt.Errorf("parse record timestamp: %w", err)
	}

	var details []byte
	if rec.Details != nil {
		details, err = json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshal record details: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provenance_records (tx_id, stage, action, outcome, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.TxID, string(rec.Stage), rec.Action, string(rec.Outcome), nullableJSON(details), createdAt)
	if err != nil {
		return fmt.Errorf("insert provenance record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Chain(ctx context.Context, txID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, stage, action, outcome, COALESCE(details::TEXT, ''), created_at
		FROM provenance_records
		WHERE tx_id = $1
		ORDER BY id ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("query provenance chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chain := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rec)
	}
	return chain, rows.Err()
}

func (s *PostgresStore) TransactionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id FROM provenance_records GROUP BY tx_id ORDER BY MIN(id)
	`)
	if err != nil {
		return nil, fmt.Errorf("query transaction ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) TotalRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provenance_records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count provenance records: %w", err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec       Record
		rawDetail string
		createdAt time.Time
	)
	if err := rows.Scan(&rec.TxID, (*string)(&rec.Stage), &rec.Action, (*string)(&rec.Outcome), &rawDetail, &createdAt); err != nil {
		return nil, fmt.Errorf("scan provenance record: %w", err)
	}
	if rawDetail != "" {
		if err := json.Unmarshal([]byte(rawDetail), &rec.Details); err != nil {
			return nil, fmt.Errorf("decode record details: %w", err)
		}
	}
	rec.Timestamp = isotime.Format(createdAt)
	return &rec, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
