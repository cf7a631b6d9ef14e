package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/paysentinel/internal/isotime"
)

// PostgresStore persists spend policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sp *SpendPolicy) error {
	rulesJSON, budgetsJSON, err := marshalPolicy(sp)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO spend_policies (id, name, enabled, rules, budgets, cooldown_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sp.ID, sp.Name, sp.Enabled, rulesJSON, budgetsJSON, sp.CooldownMs,
		parseOrNow(sp.CreatedAt), parseOrNow(sp.UpdatedAt),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SpendPolicy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, rules, budgets, cooldown_ms, created_at, updated_at
		FROM spend_policies WHERE id = $1`, id)
	return scanPolicy(row)
}

func (p *PostgresStore) List(ctx context.Context) ([]*SpendPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, enabled, rules, budgets, cooldown_ms, created_at, updated_at
		FROM spend_policies
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SpendPolicy
	for rows.Next() {
		sp := &SpendPolicy{}
		var rulesJSON, budgetsJSON []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Enabled, &rulesJSON, &budgetsJSON,
			&sp.CooldownMs, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalPolicy(sp, rulesJSON, budgetsJSON); err != nil {
			return nil, err
		}
		sp.CreatedAt = isotime.Format(createdAt)
		sp.UpdatedAt = isotime.Format(updatedAt)
		result = append(result, sp)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sp *SpendPolicy) error {
	rulesJSON, budgetsJSON, err := marshalPolicy(sp)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE spend_policies
		SET name = $1, enabled = $2, rules = $3, budgets = $4, cooldown_ms = $5, updated_at = $6
		WHERE id = $7`,
		sp.Name, sp.Enabled, rulesJSON, budgetsJSON, sp.CooldownMs,
		parseOrNow(sp.UpdatedAt), sp.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM spend_policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Migrate creates the spend_policies table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spend_policies (
			id          VARCHAR(64) PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			enabled     BOOLEAN NOT NULL DEFAULT true,
			rules       JSONB NOT NULL DEFAULT '[]',
			budgets     JSONB NOT NULL DEFAULT '[]',
			cooldown_ms BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func scanPolicy(row *sql.Row) (*SpendPolicy, error) {
	sp := &SpendPolicy{}
	var rulesJSON, budgetsJSON []byte
	var createdAt, updatedAt time.Time
	err := row.Scan(&sp.ID, &sp.Name, &sp.Enabled, &rulesJSON, &budgetsJSON,
		&sp.CooldownMs, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalPolicy(sp, rulesJSON, budgetsJSON); err != nil {
		return nil, err
	}
	sp.CreatedAt = isotime.Format(createdAt)
	sp.UpdatedAt = isotime.Format(updatedAt)
	return sp, nil
}

func marshalPolicy(sp *SpendPolicy) (rules, budgets []byte, err error) {
	rules, err = json.Marshal(sp.Rules)
	if err != nil {
		return nil, nil, err
	}
	budgets, err = json.Marshal(sp.Budgets)
	if err != nil {
		return nil, nil, err
	}
	return rules, budgets, nil
}

// unmarshalPolicy decodes the JSONB columns, returning an error on
// corruption instead of silently returning an empty policy (which would
// fail-open).
func unmarshalPolicy(sp *SpendPolicy, rulesJSON, budgetsJSON []byte) error {
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &sp.Rules); err != nil {
			return fmt.Errorf("corrupt rules for policy %s: %w", sp.ID, err)
		}
	}
	if len(budgetsJSON) > 0 {
		if err := json.Unmarshal(budgetsJSON, &sp.Budgets); err != nil {
			return fmt.Errorf("corrupt budgets for policy %s: %w", sp.ID, err)
		}
	}
	return nil
}

func parseOrNow(s string) time.Time {
	if t, err := isotime.Parse(s); err == nil {
		return t
	}
	return time.Now().UTC()
}

var _ Store = (*PostgresStore)(nil)
