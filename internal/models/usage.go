package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is written once per applied settlement, inside the same
// transaction as the balance updates.
type UsageRecord struct {
	ID               uuid.UUID  `json:"id"`
	AccountID        uuid.UUID  `json:"account_id"`
	AccessKeyID      *uuid.UUID `json:"access_key_id,omitempty"`
	ChannelID        uuid.UUID  `json:"channel_id"`
	Model            string     `json:"model"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	CreditCost       int64      `json:"credit_cost"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Event kinds passed to the audit recorder.
const (
	EventAccountCreated    = "account_created"
	EventAccountRemoved    = "account_removed"
	EventCreditAdjusted    = "credit_adjusted"
	EventSettlementRefused = "settlement_refused"
	EventSettlementFailed  = "settlement_failed"
	EventChannelChanged    = "channel_changed"
	EventChannelTripped    = "channel_tripped"
)

// Event is a fire-and-forget audit notification.
type Event struct {
	Kind       string         `json:"kind"`
	AccountID  *uuid.UUID     `json:"account_id,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
