// Package ledger owns every mutation of account credit, access-key quota and
// channel usage. A settlement either applies all three updates or none.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/metrics"
	"github.com/thorgate/relay/internal/models"
)

// SettleParams describes one metered call. KeyID is nil for calls made
// without an access key.
type SettleParams struct {
	AccountID        uuid.UUID
	KeyID            *uuid.UUID
	ChannelID        uuid.UUID
	CreditCost       int64
	TokenCount       int64
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Store applies ledger operations atomically.
//
// ApplySettlement returns (false, nil) when the account's residual credit is
// below the cost, leaving every balance untouched. AdjustCredit returns
// models.ErrInsufficientCredit when a debit would overdraw the account and
// models.ErrNotFound for an unknown account.
type Store interface {
	ApplySettlement(ctx context.Context, p SettleParams) (bool, error)
	AdjustCredit(ctx context.Context, accountID uuid.UUID, delta int64) (int64, error)
}

type Ledger struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(store Store, log *slog.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, log: log, metrics: m}
}

// Settle debits CreditCost from the account, credits it to the key's used
// quota and the channel's usage, and bumps the account's request and token
// counters. It returns false without mutating anything when the account
// cannot cover the cost. Settle is not idempotent.
func (l *Ledger) Settle(ctx context.Context, p SettleParams) (bool, error) {
	if p.CreditCost < 0 || p.TokenCount < 0 {
		return false, fmt.Errorf("%w: credit cost and token count must be non-negative", models.ErrValidation)
	}
	applied, err := l.store.ApplySettlement(ctx, p)
	if err != nil {
		l.metrics.RecordSettlement("failed", p.Model, p.CreditCost, p.TokenCount)
		return false, fmt.Errorf("settle account %s: %w", p.AccountID, err)
	}
	if !applied {
		l.metrics.RecordSettlement("refused", p.Model, p.CreditCost, p.TokenCount)
		l.log.Debug("settlement refused", "account_id", p.AccountID, "credit_cost", p.CreditCost)
		return false, nil
	}
	l.metrics.RecordSettlement("applied", p.Model, p.CreditCost, p.TokenCount)
	return true, nil
}

// Adjust adds delta to the account's residual credit and returns the new
// balance. A negative delta is refused with models.ErrInsufficientCredit if
// it would overdraw the account.
func (l *Ledger) Adjust(ctx context.Context, accountID uuid.UUID, delta int64) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: adjustment must be non-zero", models.ErrValidation)
	}
	balance, err := l.store.AdjustCredit(ctx, accountID, delta)
	if err != nil {
		return 0, fmt.Errorf("adjust account %s: %w", accountID, err)
	}
	l.metrics.RecordAdjustment(delta)
	l.log.Info("credit adjusted", "account_id", accountID, "delta", delta, "balance", balance)
	return balance, nil
}
