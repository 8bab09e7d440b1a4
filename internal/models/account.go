package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. Admins may manage other accounts and channels.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Account struct {
	ID             uuid.UUID `json:"id"`
	UserName       string    `json:"user_name"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	PasswordSalt   string    `json:"-"`
	ResidualCredit int64     `json:"residual_credit"`
	ConsumeToken   int64     `json:"consume_token"`
	RequestCount   int64     `json:"request_count"`
	IsDisabled     bool      `json:"is_disabled"`
	Avatar         string    `json:"avatar"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsAdmin reports whether the account may use the administrative surface.
func (a *Account) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}
