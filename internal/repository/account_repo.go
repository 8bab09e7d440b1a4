package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thorgate/relay/internal/models"
)

const accountColumns = `id, user_name, email, password_hash, password_salt, residual_credit, consume_token, request_count, is_disabled, avatar, role, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.UserName, &a.Email, &a.PasswordHash, &a.PasswordSalt, &a.ResidualCredit, &a.ConsumeToken, &a.RequestCount, &a.IsDisabled, &a.Avatar, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccountWithKey inserts the account and its default access key in one
// transaction. Duplicate user names or emails return models.ErrConflict.
func (r *AccountRepo) CreateAccountWithKey(ctx context.Context, a *models.Account, k *models.AccessKey) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, user_name, email, password_hash, password_salt, residual_credit, avatar, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.UserName, a.Email, a.PasswordHash, a.PasswordSalt, a.ResidualCredit, a.Avatar, a.Role).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if k != nil {
		if err := insertKey(ctx, tx, k); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (r *AccountRepo) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

// ListAccounts returns the total match count and one page, newest first.
func (r *AccountRepo) ListAccounts(ctx context.Context, page models.Page) (int64, []*models.Account, error) {
	const filter = `WHERE ($1 = '' OR user_name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%')`

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM accounts `+filter, page.Keyword).Scan(&total); err != nil {
		return 0, nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts `+filter+`
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3
	`, page.Keyword, page.Offset, page.Limit)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	list := []*models.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return 0, nil, err
		}
		list = append(list, a)
	}
	return total, list, rows.Err()
}

func (r *AccountRepo) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	return requireRow(r.pool.Exec(ctx, "DELETE FROM accounts WHERE id = $1", id))
}

func (r *AccountRepo) UpdateProfile(ctx context.Context, id uuid.UUID, email, avatar string) error {
	return requireRow(r.pool.Exec(ctx, `
		UPDATE accounts SET email = $2, avatar = $3, updated_at = now() WHERE id = $1
	`, id, email, avatar))
}

func (r *AccountRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash, salt string) error {
	return requireRow(r.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, password_salt = $3, updated_at = now() WHERE id = $1
	`, id, hash, salt))
}

// ToggleAccountDisabled flips is_disabled and returns the new value.
func (r *AccountRepo) ToggleAccountDisabled(ctx context.Context, id uuid.UUID) (bool, error) {
	var disabled bool
	err := r.pool.QueryRow(ctx, `
		UPDATE accounts SET is_disabled = NOT is_disabled, updated_at = now() WHERE id = $1
		RETURNING is_disabled
	`, id).Scan(&disabled)
	return disabled, mapErr(err)
}
