package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/paysentinel/internal/isotime"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed recovery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the recoveries table. The goose migrations in migrations/
// are authoritative for deployments.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recoveries (
			id             VARCHAR(64) PRIMARY KEY,
			dispute_id     VARCHAR(64) NOT NULL,
			transaction_id VARCHAR(64),
			agent_id       VARCHAR(255),
			type           VARCHAR(32) NOT NULL,
			amount         DOUBLE PRECISION NOT NULL,
			currency       VARCHAR(32) NOT NULL,
			status         VARCHAR(32) NOT NULL,
			attempts       INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT,
			refund_tx_id   VARCHAR(128),
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			completed_at   TIMESTAMPTZ,
			seq            BIGSERIAL,
			CONSTRAINT chk_rcv_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_rcv_dispute ON recoveries(dispute_id);
		CREATE INDEX IF NOT EXISTS idx_rcv_status ON recoveries(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, a *Action) error {
	createdAt, updatedAt, completedAt, err := actionTimes(a)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO recoveries
			(id, dispute_id, transaction_id, agent_id, type, amount, currency,
			 status, attempts, last_error, refund_tx_id,
			 created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, a.ID, a.DisputeID, nullable(a.TransactionID), nullable(a.AgentID),
		string(a.Type), a.Amount, a.Currency, string(a.Status), a.Attempts,
		nullable(a.LastError), nullable(a.RefundTxID), createdAt, updatedAt,
		completedAt)
	if err != nil {
		return fmt.Errorf("recovery: create %s: %w", a.ID, err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Action) error {
	_, updatedAt, completedAt, err := actionTimes(a)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE recoveries SET
			status = $2, attempts = $3, last_error = $4, refund_tx_id = $5,
			updated_at = $6, completed_at = $7
		WHERE id = $1
	`, a.ID, string(a.Status), a.Attempts, nullable(a.LastError),
		nullable(a.RefundTxID), updatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("recovery: update %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Action, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` FROM recoveries WHERE id = $1`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) ByDispute(ctx context.Context, disputeID string) ([]*Action, error) {
	rows, err := p.db.QueryContext(ctx,
		selectColumns+` FROM recoveries WHERE dispute_id = $1 ORDER BY seq DESC`, disputeID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (p *PostgresStore) List(ctx context.Context, status Status) ([]*Action, error) {
	if status == "" {
		rows, err := p.db.QueryContext(ctx, selectColumns+` FROM recoveries ORDER BY seq DESC`)
		if err != nil {
			return nil, err
		}
		return collect(rows)
	}
	rows, err := p.db.QueryContext(ctx,
		selectColumns+` FROM recoveries WHERE status = $1 ORDER BY seq DESC`, string(status))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

const selectColumns = `
	SELECT id, dispute_id, COALESCE(transaction_id, ''), COALESCE(agent_id, ''),
	       type, amount, currency, status, attempts, COALESCE(last_error, ''),
	       COALESCE(refund_tx_id, ''), created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a                    Action
		typ, status          string
		createdAt, updatedAt time.Time
		completedAt          sql.NullTime
	)
	err := row.Scan(&a.ID, &a.DisputeID, &a.TransactionID, &a.AgentID, &typ,
		&a.Amount, &a.Currency, &status, &a.Attempts, &a.LastError,
		&a.RefundTxID, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	a.Type = Type(typ)
	a.Status = Status(status)
	a.CreatedAt = isotime.Format(createdAt)
	a.UpdatedAt = isotime.Format(updatedAt)
	if completedAt.Valid {
		a.CompletedAt = isotime.Format(completedAt.Time)
	}
	return &a, nil
}

func collect(rows *sql.Rows) ([]*Action, error) {
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// actionTimes converts the action's ISO-8601 strings into the timestamp
// values the driver needs; completedAt maps to NULL until the refund lands.
func actionTimes(a *Action) (createdAt, updatedAt time.Time, completedAt any, err error) {
	createdAt, err = isotime.Parse(a.CreatedAt)
	if err != nil {
		return createdAt, updatedAt, nil, fmt.Errorf("recovery: bad createdAt on %s: %w", a.ID, err)
	}
	updatedAt, err = isotime.Parse(a.UpdatedAt)
	if err != nil {
		return createdAt, updatedAt, nil, fmt.Errorf("recovery: bad updatedAt on %s: %w", a.ID, err)
	}
	if a.CompletedAt != "" {
		t, err := isotime.Parse(a.CompletedAt)
		if err != nil {
			return createdAt, updatedAt, nil, fmt.Errorf("recovery: bad completedAt on %s: %w", a.ID, err)
		}
		completedAt = t
	}
	return createdAt, updatedAt, completedAt, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
