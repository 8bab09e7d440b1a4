package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thorgate/relay/internal/models"
)

const keyColumns = `id, account_id, name, key_hash, key_prefix, remain_quota, used_quota, unlimited_quota, unlimited_expired, expired_at, accessed_at, is_disabled, created_at`

type AccessKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAccessKeyRepo(pool *pgxpool.Pool) *AccessKeyRepo {
	return &AccessKeyRepo{pool: pool}
}

func keyDest(k *models.AccessKey) []any {
	return []any{&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.RemainQuota, &k.UsedQuota, &k.UnlimitedQuota, &k.UnlimitedExpired, &k.ExpiredAt, &k.AccessedAt, &k.IsDisabled, &k.CreatedAt}
}

func insertKey(ctx context.Context, tx pgx.Tx, k *models.AccessKey) error {
	return tx.QueryRow(ctx, `
		INSERT INTO access_keys (id, account_id, name, key_hash, key_prefix, remain_quota, unlimited_quota, unlimited_expired, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, k.ID, k.AccountID, k.Name, k.KeyHash, k.KeyPrefix, k.RemainQuota, k.UnlimitedQuota, k.UnlimitedExpired, k.ExpiredAt).Scan(&k.CreatedAt)
}

func (r *AccessKeyRepo) CreateKey(ctx context.Context, k *models.AccessKey) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertKey(ctx, tx, k); err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

// ListKeys returns all keys for the account, newest first.
func (r *AccessKeyRepo) ListKeys(ctx context.Context, accountID uuid.UUID) ([]*models.AccessKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM access_keys WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.AccessKey{}
	for rows.Next() {
		var k models.AccessKey
		if err := rows.Scan(keyDest(&k)...); err != nil {
			return nil, err
		}
		list = append(list, &k)
	}
	return list, rows.Err()
}

// RevokeKey disables the key. Keys of other accounts are reported as not found.
func (r *AccessKeyRepo) RevokeKey(ctx context.Context, accountID, keyID uuid.UUID) error {
	return requireRow(r.pool.Exec(ctx, `
		UPDATE access_keys SET is_disabled = TRUE WHERE id = $1 AND account_id = $2
	`, keyID, accountID))
}

// FindKeyByHash returns the key and its owning account.
func (r *AccessKeyRepo) FindKeyByHash(ctx context.Context, keyHash string) (*models.AccessKey, *models.Account, error) {
	var k models.AccessKey
	var a models.Account
	dest := append(keyDest(&k),
		&a.ID, &a.UserName, &a.Email, &a.PasswordHash, &a.PasswordSalt, &a.ResidualCredit, &a.ConsumeToken, &a.RequestCount, &a.IsDisabled, &a.Avatar, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	err := r.pool.QueryRow(ctx, `
		SELECT k.id, k.account_id, k.name, k.key_hash, k.key_prefix, k.remain_quota, k.used_quota, k.unlimited_quota, k.unlimited_expired, k.expired_at, k.accessed_at, k.is_disabled, k.created_at,
		       ac.id, ac.user_name, ac.email, ac.password_hash, ac.password_salt, ac.residual_credit, ac.consume_token, ac.request_count, ac.is_disabled, ac.avatar, ac.role, ac.created_at, ac.updated_at
		FROM access_keys k
		INNER JOIN accounts ac ON ac.id = k.account_id
		WHERE k.key_hash = $1
	`, keyHash).Scan(dest...)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	return &k, &a, nil
}

func (r *AccessKeyRepo) TouchKey(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE access_keys SET accessed_at = $2 WHERE id = $1`, keyID, at)
	return err
}
