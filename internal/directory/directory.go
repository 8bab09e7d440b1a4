// Package directory owns the account lifecycle and access key issuance.
// Balance changes are delegated to the ledger.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/auth"
	"github.com/thorgate/relay/internal/events"
	"github.com/thorgate/relay/internal/models"
)

const (
	minUserNameLen = 5
	minPasswordLen = 5

	defaultPageSize = 20
	maxPageSize     = 100

	defaultKeyName = "default"
)

var userNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

type Store interface {
	CreateAccountWithKey(ctx context.Context, a *models.Account, k *models.AccessKey) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	ListAccounts(ctx context.Context, page models.Page) (int64, []*models.Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	UpdateProfile(ctx context.Context, id uuid.UUID, email, avatar string) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt string) error
	ToggleAccountDisabled(ctx context.Context, id uuid.UUID) (bool, error)

	CreateKey(ctx context.Context, k *models.AccessKey) error
	ListKeys(ctx context.Context, accountID uuid.UUID) ([]*models.AccessKey, error)
	RevokeKey(ctx context.Context, accountID, keyID uuid.UUID) error
}

// CreditAdjuster applies administrative credit changes.
type CreditAdjuster interface {
	Adjust(ctx context.Context, accountID uuid.UUID, delta int64) (int64, error)
}

type Directory struct {
	store         Store
	credit        CreditAdjuster
	events        events.Recorder
	log           *slog.Logger
	initialCredit int64
}

func New(store Store, credit CreditAdjuster, rec events.Recorder, log *slog.Logger, initialCredit int64) *Directory {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = events.NewLogRecorder(log)
	}
	return &Directory{store: store, credit: credit, events: rec, log: log, initialCredit: initialCredit}
}

type CreateInput struct {
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Created is the result of account creation. Key is the plaintext default
// access key; it is not retrievable later.
type Created struct {
	Account   *models.Account   `json:"account"`
	AccessKey *models.AccessKey `json:"access_key"`
	Key       string            `json:"key"`
}

func validateCreate(in CreateInput) error {
	if len(in.UserName) < minUserNameLen || utf8.RuneCountInString(in.Password) < minPasswordLen {
		return fmt.Errorf("%w: user name and password must be at least %d characters", models.ErrValidation, minUserNameLen)
	}
	if !userNamePattern.MatchString(in.UserName) {
		return fmt.Errorf("%w: user name may contain only letters and digits", models.ErrValidation)
	}
	if !strings.Contains(in.Email, "@") {
		return fmt.Errorf("%w: email is invalid", models.ErrValidation)
	}
	switch in.Role {
	case "", models.RoleUser, models.RoleAdmin:
	default:
		return fmt.Errorf("%w: unknown role %q", models.ErrValidation, in.Role)
	}
	return nil
}

// Create registers an account with the configured initial credit and a
// default unlimited access key.
func (d *Directory) Create(ctx context.Context, in CreateInput) (*Created, error) {
	in.UserName = strings.TrimSpace(in.UserName)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	hash, salt, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	role := in.Role
	if role == "" {
		role = models.RoleUser
	}
	acc := &models.Account{
		ID:             uuid.New(),
		UserName:       in.UserName,
		Email:          in.Email,
		PasswordHash:   hash,
		PasswordSalt:   salt,
		ResidualCredit: d.initialCredit,
		Role:           role,
	}
	plain, key, err := newKey(acc.ID, KeyInput{Name: defaultKeyName, UnlimitedQuota: true, UnlimitedExpired: true})
	if err != nil {
		return nil, err
	}
	if err := d.store.CreateAccountWithKey(ctx, acc, key); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("%w: user name or email already registered", models.ErrConflict)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	d.log.Info("account created", "account_id", acc.ID, "user_name", acc.UserName)
	d.events.Record(ctx, models.Event{Kind: models.EventAccountCreated, AccountID: &acc.ID, Message: "created account " + acc.UserName})
	return &Created{Account: acc, AccessKey: key, Key: plain}, nil
}

func (d *Directory) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return d.store.GetAccount(ctx, id)
}

// List returns one page (1-based) of accounts, newest first, and the total
// number matching keyword.
func (d *Directory) List(ctx context.Context, page, pageSize int, keyword string) (int64, []*models.Account, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return d.store.ListAccounts(ctx, models.Page{
		Offset:  (page - 1) * pageSize,
		Limit:   pageSize,
		Keyword: strings.TrimSpace(keyword),
	})
}

// Remove deletes target on behalf of caller. Nobody may delete themselves.
func (d *Directory) Remove(ctx context.Context, callerID, targetID uuid.UUID) error {
	if callerID == targetID {
		return models.ErrSelfDeletion
	}
	if err := d.store.DeleteAccount(ctx, targetID); err != nil {
		return err
	}
	d.log.Info("account removed", "account_id", targetID, "by", callerID)
	d.events.Record(ctx, models.Event{Kind: models.EventAccountRemoved, AccountID: &targetID, Message: "removed by " + callerID.String()})
	return nil
}

type ProfileInput struct {
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

func (d *Directory) UpdateProfile(ctx context.Context, callerID uuid.UUID, in ProfileInput) (*models.Account, error) {
	in.Email = strings.TrimSpace(in.Email)
	if !strings.Contains(in.Email, "@") {
		return nil, fmt.Errorf("%w: email is invalid", models.ErrValidation)
	}
	if err := d.store.UpdateProfile(ctx, callerID, in.Email, in.Avatar); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("%w: email already registered", models.ErrConflict)
		}
		return nil, err
	}
	return d.store.GetAccount(ctx, callerID)
}

// UpdatePassword replaces the caller's password after verifying the old one.
func (d *Directory) UpdatePassword(ctx context.Context, callerID uuid.UUID, oldPassword, newPassword string) error {
	acc, err := d.store.GetAccount(ctx, callerID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if !auth.VerifyPassword(acc.PasswordHash, acc.PasswordSalt, oldPassword) {
		return fmt.Errorf("%w: old password does not match", models.ErrAuthentication)
	}
	if utf8.RuneCountInString(newPassword) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, minPasswordLen)
	}
	hash, salt, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return d.store.UpdatePassword(ctx, callerID, hash, salt)
}

// AdjustCredit adds delta (which may be negative) to the account's credit.
func (d *Directory) AdjustCredit(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	balance, err := d.credit.Adjust(ctx, id, delta)
	if err != nil {
		return 0, err
	}
	d.events.Record(ctx, models.Event{
		Kind:       models.EventCreditAdjusted,
		AccountID:  &id,
		Message:    fmt.Sprintf("credit adjusted by %d", delta),
		Attributes: map[string]any{"delta": delta, "balance": balance},
	})
	return balance, nil
}

// ToggleDisabled flips the account's disabled flag and returns the new value.
func (d *Directory) ToggleDisabled(ctx context.Context, id uuid.UUID) (bool, error) {
	disabled, err := d.store.ToggleAccountDisabled(ctx, id)
	if err != nil {
		return false, err
	}
	d.log.Info("account disabled flag toggled", "account_id", id, "disabled", disabled)
	return disabled, nil
}

// ---------------------------------------------------------------------------
// Access keys
// ---------------------------------------------------------------------------

type KeyInput struct {
	Name             string     `json:"name"`
	RemainQuota      int64      `json:"remain_quota"`
	UnlimitedQuota   bool       `json:"unlimited_quota"`
	UnlimitedExpired bool       `json:"unlimited_expired"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
}

// IssuedKey carries the plaintext key, shown once.
type IssuedKey struct {
	AccessKey *models.AccessKey `json:"access_key"`
	Key       string            `json:"key"`
}

func newKey(accountID uuid.UUID, in KeyInput) (string, *models.AccessKey, error) {
	plain, hash, prefix, err := auth.GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	return plain, &models.AccessKey{
		ID:               uuid.New(),
		AccountID:        accountID,
		Name:             in.Name,
		KeyHash:          hash,
		KeyPrefix:        prefix,
		RemainQuota:      in.RemainQuota,
		UnlimitedQuota:   in.UnlimitedQuota,
		UnlimitedExpired: in.UnlimitedExpired,
		ExpiredAt:        in.ExpiredAt,
	}, nil
}

func (d *Directory) IssueKey(ctx context.Context, accountID uuid.UUID, in KeyInput) (*IssuedKey, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: key name is required", models.ErrValidation)
	}
	if in.RemainQuota < 0 {
		return nil, fmt.Errorf("%w: quota must not be negative", models.ErrValidation)
	}
	if !in.UnlimitedExpired && in.ExpiredAt == nil {
		return nil, fmt.Errorf("%w: expiry is required unless unlimited", models.ErrValidation)
	}
	plain, key, err := newKey(accountID, in)
	if err != nil {
		return nil, err
	}
	if err := d.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create key: %w", err)
	}
	return &IssuedKey{AccessKey: key, Key: plain}, nil
}

func (d *Directory) ListKeys(ctx context.Context, accountID uuid.UUID) ([]*models.AccessKey, error) {
	return d.store.ListKeys(ctx, accountID)
}

func (d *Directory) RevokeKey(ctx context.Context, accountID, keyID uuid.UUID) error {
	return d.store.RevokeKey(ctx, accountID, keyID)
}
