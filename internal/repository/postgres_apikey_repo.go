package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ksaito/newsrelay/internal/model"
)

// PostgresAPIKeyRepo はPostgreSQLを使用したAPIキーリポジトリ。
// キーの発行・失効はアカウント管理側の責務のため、参照のみを提供する。
type PostgresAPIKeyRepo struct {
	db *sql.DB
}

// NewPostgresAPIKeyRepo はPostgresAPIKeyRepoを生成する。
func NewPostgresAPIKeyRepo(db *sql.DB) *PostgresAPIKeyRepo {
	return &PostgresAPIKeyRepo{db: db}
}

// FindActiveByHash はキーハッシュでアクティブなAPIキーを検索する。見つからない場合はnilを返す。
func (r *PostgresAPIKeyRepo) FindActiveByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	key := &model.APIKey{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, key_hash, key_prefix, name, is_active, created_at
		 FROM user_api_keys WHERE key_hash = $1 AND is_active = true`,
		keyHash,
	).Scan(&key.ID, &key.UserID, &key.KeyHash, &key.KeyPrefix, &key.Name, &key.IsActive, &key.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("APIキーの検索に失敗しました: %w", err)
	}

	return key, nil
}

// FindByID は指定IDのAPIキーを取得する。見つからない場合はnilを返す。
func (r *PostgresAPIKeyRepo) FindByID(ctx context.Context, id string) (*model.APIKey, error) {
	key := &model.APIKey{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, key_hash, key_prefix, name, is_active, created_at
		 FROM user_api_keys WHERE id = $1`,
		id,
	).Scan(&key.ID, &key.UserID, &key.KeyHash, &key.KeyPrefix, &key.Name, &key.IsActive, &key.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("APIキーの取得に失敗しました: %w", err)
	}

	return key, nil
}
