package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thorgate/relay/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// ApplySettlement runs the three-way update in one transaction:
// a) conditionally debits the account (residual_credit >= cost), bumping request and token counters
// b) moves cost from the key's remaining quota to its used quota and stamps accessed_at
// c) adds cost to the channel's usage
// d) inserts a usage_records row
// If (a) matches no row the transaction is rolled back and false is returned.
// A missing channel rolls back with models.ErrUnknownChannel.
func (r *Repository) ApplySettlement(ctx context.Context, p SettleParams) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET residual_credit = residual_credit - $1,
		    request_count = request_count + 1,
		    consume_token = consume_token + $2,
		    updated_at = now()
		WHERE id = $3 AND residual_credit >= $1
	`, p.CreditCost, p.TokenCount, p.AccountID)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if p.KeyID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE access_keys
			SET remain_quota = remain_quota - $1, used_quota = used_quota + $1, accessed_at = now()
			WHERE id = $2
		`, p.CreditCost, *p.KeyID); err != nil {
			return false, err
		}
	}

	result, err = tx.Exec(ctx, `UPDATE channels SET quota = quota + $1 WHERE id = $2`, p.CreditCost, p.ChannelID)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return false, fmt.Errorf("%w: %s", models.ErrUnknownChannel, p.ChannelID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_records (id, account_id, access_key_id, channel_id, model, prompt_tokens, completion_tokens, credit_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), p.AccountID, p.KeyID, p.ChannelID, p.Model, p.PromptTokens, p.CompletionTokens, p.CreditCost); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AdjustCredit applies delta with the same overdraft guard as settlement.
func (r *Repository) AdjustCredit(ctx context.Context, accountID uuid.UUID, delta int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		UPDATE accounts SET residual_credit = residual_credit + $1, updated_at = now()
		WHERE id = $2 AND residual_credit + $1 >= 0
		RETURNING residual_credit
	`, delta, accountID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// Distinguish a missing account from a refused debit.
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, models.ErrNotFound
	}
	return 0, models.ErrInsufficientCredit
}
