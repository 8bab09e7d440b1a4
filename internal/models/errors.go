package models

import "errors"

// Caller input.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("already exists")
	ErrNotFound       = errors.New("not found")
	ErrAuthentication = errors.New("authentication failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrSelfDeletion   = errors.New("cannot remove own account")
)

// Access-key gate.
var (
	ErrInvalidKey      = errors.New("invalid access key")
	ErrKeyExpired      = errors.New("access key expired")
	ErrAccountDisabled = errors.New("account disabled")
)

// Routing.
var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("provider already registered")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrChannelDisabled   = errors.New("channel disabled")
)

// Upstream failures, not attributable to the caller.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider timed out")
)

// ErrInsufficientCredit is the ledger's admission refusal.
var ErrInsufficientCredit = errors.New("insufficient credit")
