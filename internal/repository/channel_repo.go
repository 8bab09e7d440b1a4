package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thorgate/relay/internal/models"
)

const channelColumns = `id, name, provider, address, credential, models, sort_order, enabled, control_automatically, quota, created_at`

type ChannelRepo struct {
	pool *pgxpool.Pool
}

func NewChannelRepo(pool *pgxpool.Pool) *ChannelRepo {
	return &ChannelRepo{pool: pool}
}

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var c models.Channel
	if err := row.Scan(&c.ID, &c.Name, &c.Provider, &c.Address, &c.Credential, &c.Models, &c.Order, &c.Enabled, &c.ControlAutomatically, &c.Quota, &c.CreatedAt); err != nil {
		return nil, err
	}
	if c.Models == nil {
		c.Models = []string{}
	}
	return &c, nil
}

// modelList keeps a nil slice from being written as NULL.
func modelList(m []string) []string {
	if m == nil {
		return []string{}
	}
	return m
}

func collectChannels(rows pgx.Rows) ([]*models.Channel, error) {
	defer rows.Close()
	list := []*models.Channel{}
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *ChannelRepo) CreateChannel(ctx context.Context, c *models.Channel) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channels (id, name, provider, address, credential, models, sort_order, enabled, control_automatically)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING quota, created_at
	`, c.ID, c.Name, c.Provider, c.Address, c.Credential, modelList(c.Models), c.Order, c.Enabled, c.ControlAutomatically).Scan(&c.Quota, &c.CreatedAt)
	return mapErr(err)
}

func (r *ChannelRepo) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	c, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (r *ChannelRepo) ListChannels(ctx context.Context, page models.Page) (int64, []*models.Channel, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM channels`).Scan(&total); err != nil {
		return 0, nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+channelColumns+` FROM channels ORDER BY created_at DESC OFFSET $1 LIMIT $2
	`, page.Offset, page.Limit)
	if err != nil {
		return 0, nil, err
	}
	list, err := collectChannels(rows)
	return total, list, err
}

// ListEnabledChannels returns enabled channels serving model, lowest order first.
func (r *ChannelRepo) ListEnabledChannels(ctx context.Context, model string) ([]*models.Channel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE enabled AND (cardinality(models) = 0 OR $1 = ANY(models))
		ORDER BY sort_order, created_at
	`, model)
	if err != nil {
		return nil, err
	}
	return collectChannels(rows)
}

// UpdateChannel rewrites the editable fields. Usage (quota) is left alone.
func (r *ChannelRepo) UpdateChannel(ctx context.Context, c *models.Channel) error {
	return requireRow(r.pool.Exec(ctx, `
		UPDATE channels SET name = $2, provider = $3, address = $4, credential = $5, models = $6, sort_order = $7, enabled = $8, control_automatically = $9
		WHERE id = $1
	`, c.ID, c.Name, c.Provider, c.Address, c.Credential, modelList(c.Models), c.Order, c.Enabled, c.ControlAutomatically))
}

func (r *ChannelRepo) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	return requireRow(r.pool.Exec(ctx, "DELETE FROM channels WHERE id = $1", id))
}

func (r *ChannelRepo) ToggleChannelEnabled(ctx context.Context, id uuid.UUID) (bool, error) {
	var enabled bool
	err := r.pool.QueryRow(ctx, `UPDATE channels SET enabled = NOT enabled WHERE id = $1 RETURNING enabled`, id).Scan(&enabled)
	return enabled, mapErr(err)
}

func (r *ChannelRepo) SetChannelEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return requireRow(r.pool.Exec(ctx, `UPDATE channels SET enabled = $2 WHERE id = $1`, id, enabled))
}

func (r *ChannelRepo) ToggleChannelAutomatic(ctx context.Context, id uuid.UUID) (bool, error) {
	var auto bool
	err := r.pool.QueryRow(ctx, `
		UPDATE channels SET control_automatically = NOT control_automatically WHERE id = $1 RETURNING control_automatically
	`, id).Scan(&auto)
	return auto, mapErr(err)
}

func (r *ChannelRepo) SetChannelOrder(ctx context.Context, id uuid.UUID, order int) error {
	return requireRow(r.pool.Exec(ctx, `UPDATE channels SET sort_order = $2 WHERE id = $1`, id, order))
}
