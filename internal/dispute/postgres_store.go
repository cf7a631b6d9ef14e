package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/paysentinel/internal/isotime"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table. The goose migrations in migrations/
// are authoritative for deployments.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id               VARCHAR(64) PRIMARY KEY,
			transaction_id   VARCHAR(64) NOT NULL,
			agent_id         VARCHAR(255),
			reason           TEXT NOT NULL,
			status           VARCHAR(32) NOT NULL,
			liability        VARCHAR(32) NOT NULL,
			requested_amount DOUBLE PRECISION NOT NULL,
			resolved_amount  DOUBLE PRECISION,
			currency         VARCHAR(32),
			evidence         JSONB NOT NULL DEFAULT '[]',
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			resolved_at      TIMESTAMPTZ,
			seq              BIGSERIAL,
			CONSTRAINT chk_dsp_amount_positive CHECK (requested_amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_dsp_tx ON disputes(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_dsp_agent ON disputes(agent_id);
		CREATE INDEX IF NOT EXISTS idx_dsp_status ON disputes(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	createdAt, updatedAt, resolvedAt, err := caseTimes(c)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("dispute: marshal evidence for %s: %w", c.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes
			(id, transaction_id, agent_id, reason, status, liability,
			 requested_amount, resolved_amount, currency, evidence,
			 created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.TransactionID, nullable(c.AgentID), c.Reason, string(c.Status),
		string(c.Liability), c.RequestedAmount, c.ResolvedAmount,
		nullable(c.Currency), evidence, createdAt, updatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: create %s: %w", c.ID, err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, c *Case) error {
	_, updatedAt, resolvedAt, err := caseTimes(c)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("dispute: marshal evidence for %s: %w", c.ID, err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, liability = $3, resolved_amount = $4,
			evidence = $5, updated_at = $6, resolved_at = $7
		WHERE id = $1
	`, c.ID, string(c.Status), string(c.Liability), c.ResolvedAmount,
		evidence, updatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: update %s: %w", c.ID, err)
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

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` FROM disputes WHERE id = $1`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ByTransaction(ctx context.Context, txID string) ([]*Case, error) {
	return p.Query(ctx, Filter{TransactionID: txID})
}

func (p *PostgresStore) ByAgent(ctx context.Context, agentID string) ([]*Case, error) {
	return p.Query(ctx, Filter{AgentID: agentID})
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Case, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add(`status = $%d`, string(f.Status))
	}
	if f.AgentID != "" {
		add(`agent_id = $%d`, f.AgentID)
	}
	if f.TransactionID != "" {
		add(`transaction_id = $%d`, f.TransactionID)
	}
	if f.Liability != "" {
		add(`liability = $%d`, string(f.Liability))
	}
	if f.Before != "" {
		t, err := isotime.Parse(f.Before)
		if err != nil {
			return nil, fmt.Errorf("%w: before %q", ErrInvalidFilter, f.Before)
		}
		add(`created_at < $%d`, t)
	}

	query := selectColumns + ` FROM disputes`
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

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, transaction_id, COALESCE(agent_id, ''), reason, status,
	       liability, requested_amount, resolved_amount,
	       COALESCE(currency, ''), evidence, created_at, updated_at,
	       resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var (
		c                    Case
		status, liability    string
		evidence             []byte
		createdAt, updatedAt time.Time
		resolvedAt           sql.NullTime
	)
	err := row.Scan(&c.ID, &c.TransactionID, &c.AgentID, &c.Reason, &status,
		&liability, &c.RequestedAmount, &c.ResolvedAmount, &c.Currency,
		&evidence, &createdAt, &updatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.Liability = Liability(liability)
	c.CreatedAt = isotime.Format(createdAt)
	c.UpdatedAt = isotime.Format(updatedAt)
	if resolvedAt.Valid {
		c.ResolvedAt = isotime.Format(resolvedAt.Time)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
			return nil, fmt.Errorf("dispute: unmarshal evidence for %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// caseTimes converts the case's ISO-8601 strings into the timestamp values
// the driver needs; resolvedAt maps to NULL while the case is open.
func caseTimes(c *Case) (createdAt, updatedAt time.Time, resolvedAt any, err error) {
	createdAt, err = isotime.Parse(c.CreatedAt)
	if err != nil {
		return createdAt, updatedAt, nil, fmt.Errorf("dispute: bad createdAt on %s: %w", c.ID, err)
	}
	updatedAt, err = isotime.Parse(c.UpdatedAt)
	if err != nil {
		return createdAt, updatedAt, nil, fmt.Errorf("dispute: bad updatedAt on %s: %w", c.ID, err)
	}
	if c.ResolvedAt != "" {
		t, err := isotime.Parse(c.ResolvedAt)
		if err != nil {
			return createdAt, updatedAt, nil, fmt.Errorf("dispute: bad resolvedAt on %s: %w", c.ID, err)
		}
		resolvedAt = t
	}
	return createdAt, updatedAt, resolvedAt, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
