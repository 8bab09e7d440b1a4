package repository

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store bundles the postgres repositories. Each embedded repo contributes its
// methods so one value satisfies every consumer-side store interface.
type Store struct {
	*AccountRepo
	*AccessKeyRepo
	*ChannelRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		AccountRepo:   NewAccountRepo(pool),
		AccessKeyRepo: NewAccessKeyRepo(pool),
		ChannelRepo:   NewChannelRepo(pool),
	}
}

// Migrate creates the relay tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
