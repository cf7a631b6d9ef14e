package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/payment"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions table. The goose migrations in
// migrations/ are authoritative for deployments; this keeps dev mode
// bootstrapped without running the migrate binary.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id             VARCHAR(64) PRIMARY KEY,
			agent_id       VARCHAR(255) NOT NULL,
			recipient      TEXT NOT NULL,
			amount         DOUBLE PRECISION NOT NULL,
			currency       VARCHAR(32) NOT NULL,
			purpose        TEXT,
			protocol       VARCHAR(32) NOT NULL,
			status         VARCHAR(16) NOT NULL,
			service_id     VARCHAR(255),
			protocol_tx_id TEXT,
			metadata       JSONB,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			seq            BIGSERIAL,
			CONSTRAINT chk_tx_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_tx_agent ON transactions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tx_service ON transactions(service_id);
		CREATE INDEX IF NOT EXISTS idx_tx_recipient ON transactions(recipient);
		CREATE INDEX IF NOT EXISTS idx_tx_seq ON transactions(seq DESC);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, tx *payment.Transaction) error {
	createdAt, err := isotime.Parse(tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: bad createdAt on %s: %w", tx.ID, err)
	}
	updatedAt, err := isotime.Parse(tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger: bad updatedAt on %s: %w", tx.ID, err)
	}

	var metadata []byte
	if len(tx.Metadata) > 0 {
		metadata, err = json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("ledger: marshal metadata for %s: %w", tx.ID, err)
		}
	}

	// Upsert: updates overwrite the mutable fields only, so the row keeps
	// its original insertion position (seq) and identity columns.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, agent_id, recipient, amount, currency, purpose, protocol,
			 status, service_id, protocol_tx_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			amount         = EXCLUDED.amount,
			status         = EXCLUDED.status,
			purpose        = EXCLUDED.purpose,
			protocol_tx_id = EXCLUDED.protocol_tx_id,
			metadata       = EXCLUDED.metadata,
			updated_at     = EXCLUDED.updated_at
	`, tx.ID, tx.AgentID, tx.Recipient, tx.Amount, tx.Currency,
		nullable(tx.Purpose), string(tx.Protocol), string(tx.Status),
		nullable(tx.ServiceID), nullable(tx.ProtocolTxID), metadata,
		createdAt, updatedAt)
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", tx.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*payment.Transaction, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) ByAgent(ctx context.Context, agentID string) ([]*payment.Transaction, error) {
	return p.list(ctx, `agent_id = $1`, agentID)
}

func (p *PostgresStore) ByService(ctx context.Context, serviceID string) ([]*payment.Transaction, error) {
	return p.list(ctx, `service_id = $1`, serviceID)
}

func (p *PostgresStore) ByRecipient(ctx context.Context, recipient string) ([]*payment.Transaction, error) {
	return p.list(ctx, `recipient = $1`, recipient)
}

func (p *PostgresStore) list(ctx context.Context, where string, arg any) ([]*payment.Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		selectColumns+` FROM transactions WHERE `+where+` ORDER BY seq DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*payment.Transaction, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.AgentID != "" {
		add(`agent_id = $%d`, f.AgentID)
	}
	if f.Recipient != "" {
		add(`recipient = $%d`, f.Recipient)
	}
	if f.ServiceID != "" {
		add(`service_id = $%d`, f.ServiceID)
	}
	if f.Protocol != "" {
		add(`protocol = $%d`, string(f.Protocol))
	}
	if f.Status != "" {
		add(`status = $%d`, string(f.Status))
	}
	if f.Currency != "" {
		add(`currency = $%d`, f.Currency)
	}
	if f.MinAmount != nil {
		add(`amount >= $%d`, *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add(`amount <= $%d`, *f.MaxAmount)
	}
	if f.After != "" {
		t, err := isotime.Parse(f.After)
		if err != nil {
			return nil, fmt.Errorf("%w: after %q", ErrInvalidFilter, f.After)
		}
		add(`created_at > $%d`, t)
	}
	if f.Before != "" {
		t, err := isotime.Parse(f.Before)
		if err != nil {
			return nil, fmt.Errorf("%w: before %q", ErrInvalidFilter, f.Before)
		}
		add(`created_at < $%d`, t)
	}

	query := selectColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) Size(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

func (p *PostgresStore) Agents(ctx context.Context) ([]string, error) {
	return p.distinct(ctx, `SELECT DISTINCT agent_id FROM transactions ORDER BY agent_id`)
}

func (p *PostgresStore) Recipients(ctx context.Context) ([]string, error) {
	return p.distinct(ctx, `SELECT DISTINCT recipient FROM transactions ORDER BY recipient`)
}

func (p *PostgresStore) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, agent_id, recipient, amount, currency,
	       COALESCE(purpose, ''), protocol, status,
	       COALESCE(service_id, ''), COALESCE(protocol_tx_id, ''),
	       metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*payment.Transaction, error) {
	var (
		tx                   payment.Transaction
		protocol, status     string
		metadata             []byte
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&tx.ID, &tx.AgentID, &tx.Recipient, &tx.Amount, &tx.Currency,
		&tx.Purpose, &protocol, &status, &tx.ServiceID, &tx.ProtocolTxID,
		&metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	tx.Protocol = payment.Protocol(protocol)
	tx.Status = payment.Status(status)
	tx.CreatedAt = isotime.Format(createdAt)
	tx.UpdatedAt = isotime.Format(updatedAt)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal metadata for %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*payment.Transaction, error) {
	var out []*payment.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
