package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/models"
)

// KeyStore is the persistence the authority needs.
type KeyStore interface {
	// FindKeyByHash returns the key and its owning account, or
	// models.ErrNotFound.
	FindKeyByHash(ctx context.Context, keyHash string) (*models.AccessKey, *models.Account, error)
	TouchKey(ctx context.Context, keyID uuid.UUID, at time.Time) error
}

// Authority validates inbound access keys. It does not check quota; usage is
// only known after the provider call.
type Authority struct {
	store KeyStore
	log   *slog.Logger
	now   func() time.Time
}

func NewAuthority(store KeyStore, log *slog.Logger) *Authority {
	if log == nil {
		log = slog.Default()
	}
	return &Authority{store: store, log: log, now: time.Now}
}

func (a *Authority) Authenticate(ctx context.Context, keyString string) (*models.Account, *models.AccessKey, error) {
	keyString = strings.TrimSpace(keyString)
	if keyString == "" {
		return nil, nil, models.ErrInvalidKey
	}
	key, acc, err := a.store.FindKeyByHash(ctx, HashKey(keyString))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrInvalidKey
		}
		return nil, nil, fmt.Errorf("find access key: %w", err)
	}
	if key.IsDisabled {
		return nil, nil, models.ErrInvalidKey
	}
	now := a.now()
	if key.Expired(now) {
		return nil, nil, models.ErrKeyExpired
	}
	if acc.IsDisabled {
		return nil, nil, models.ErrAccountDisabled
	}

	if err := a.store.TouchKey(ctx, key.ID, now); err != nil {
		a.log.Warn("touch access key failed", "key_id", key.ID, "error", err)
	}
	return acc, key, nil
}
