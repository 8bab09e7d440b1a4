package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessKey is a bearer credential scoped to one account. Only the SHA-256
// hash of the key string is stored; the plaintext is returned once at issuance.
//
// UnlimitedQuota is advisory: settlement still decrements RemainQuota.
type AccessKey struct {
	ID               uuid.UUID  `json:"id"`
	AccountID        uuid.UUID  `json:"account_id"`
	Name             string     `json:"name"`
	KeyHash          string     `json:"-"`
	KeyPrefix        string     `json:"key_prefix"`
	RemainQuota      int64      `json:"remain_quota"`
	UsedQuota        int64      `json:"used_quota"`
	UnlimitedQuota   bool       `json:"unlimited_quota"`
	UnlimitedExpired bool       `json:"unlimited_expired"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	AccessedAt       *time.Time `json:"accessed_at,omitempty"`
	IsDisabled       bool       `json:"is_disabled"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry at now.
func (k *AccessKey) Expired(now time.Time) bool {
	if k.UnlimitedExpired || k.ExpiredAt == nil {
		return false
	}
	return !now.Before(*k.ExpiredAt)
}
