package events

import (
	"context"
	"encoding/json"

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

func (r *Repository) InsertEvent(ctx context.Context, e models.Event) error {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO system_events (kind, account_id, message, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.Kind, e.AccountID, e.Message, raw, e.CreatedAt)
	return err
}
