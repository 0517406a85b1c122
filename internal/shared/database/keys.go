package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/ledger"
)

var _ ledger.SpendStore = (*DB)(nil)

// LoadKeyStates returns the persisted ledger state of every key
func (db *DB) LoadKeyStates(ctx context.Context) (map[string]ledger.KeyState, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key_id, spent_usd, revoked, budget_override FROM key_states`)
	if err != nil {
		return nil, fmt.Errorf("query key states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]ledger.KeyState)
	for rows.Next() {
		var (
			id       string
			st       ledger.KeyState
			override sql.NullFloat64
		)
		if err := rows.Scan(&id, &st.SpentUSD, &st.Revoked, &override); err != nil {
			return nil, fmt.Errorf("scan key state: %w", err)
		}
		if override.Valid {
			v := override.Float64
			st.BudgetOverride = &v
		}
		states[id] = st
	}
	return states, rows.Err()
}

// AddSpend atomically increments a key's persisted spend
func (db *DB) AddSpend(ctx context.Context, keyID string, deltaUSD float64) error {
	query := db.rebind(`INSERT INTO key_states (key_id, spent_usd, revoked, updated_at)
		VALUES (?, ?, FALSE, ?)
		ON CONFLICT (key_id) DO UPDATE SET
			spent_usd = key_states.spent_usd + excluded.spent_usd,
			updated_at = excluded.updated_at`)
	if _, err := db.conn.ExecContext(ctx, query, keyID, deltaUSD, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("add spend for %s: %w", keyID, err)
	}
	return nil
}

// SetRevoked marks a key as revoked
func (db *DB) SetRevoked(ctx context.Context, keyID string) error {
	query := db.rebind(`INSERT INTO key_states (key_id, revoked, updated_at)
		VALUES (?, TRUE, ?)
		ON CONFLICT (key_id) DO UPDATE SET revoked = TRUE, updated_at = excluded.updated_at`)
	if _, err := db.conn.ExecContext(ctx, query, keyID, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("revoke %s: %w", keyID, err)
	}
	return nil
}

// SetBudget stores an admin budget override for a key
func (db *DB) SetBudget(ctx context.Context, keyID string, limitUSD float64) error {
	query := db.rebind(`INSERT INTO key_states (key_id, budget_override, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key_id) DO UPDATE SET
			budget_override = excluded.budget_override,
			updated_at = excluded.updated_at`)
	if _, err := db.conn.ExecContext(ctx, query, keyID, limitUSD, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("set budget for %s: %w", keyID, err)
	}
	return nil
}
