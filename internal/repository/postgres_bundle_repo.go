package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ksaito/newsrelay/internal/model"
)

// PostgresBundleRepo はPostgreSQLを使用したバンドルリポジトリ。
type PostgresBundleRepo struct {
	db *sql.DB
}

// NewPostgresBundleRepo はPostgresBundleRepoを生成する。
func NewPostgresBundleRepo(db *sql.DB) *PostgresBundleRepo {
	return &PostgresBundleRepo{db: db}
}

const bundleColumns = `id, user_id, api_key_id, slug, name, description,
	        default_format, is_active, created_at, updated_at`

// scanBundle は1行分のバンドルをスキャンする。
func scanBundle(row rowScanner) (*model.Bundle, error) {
	bundle := &model.Bundle{}
	var description sql.NullString

	err := row.Scan(
		&bundle.ID, &bundle.UserID, &bundle.APIKeyID, &bundle.Slug, &bundle.Name,
		&description, &bundle.DefaultFormat, &bundle.IsActive,
		&bundle.CreatedAt, &bundle.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	bundle.Description = nullStringValue(description)
	return bundle, nil
}

// FindByID は指定IDのバンドルを取得する。見つからない場合はnilを返す。
func (r *PostgresBundleRepo) FindByID(ctx context.Context, id string) (*model.Bundle, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+bundleColumns+" FROM bundles WHERE id = $1", id)

	bundle, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("バンドルの取得に失敗しました: %w", err)
	}
	return bundle, nil
}

// FindBySlug はスラッグでアクティブなバンドルを検索する。見つからない場合はnilを返す。
func (r *PostgresBundleRepo) FindBySlug(ctx context.Context, slug string) (*model.Bundle, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+bundleColumns+" FROM bundles WHERE slug = $1 AND is_active = true", slug)

	bundle, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スラッグによるバンドルの検索に失敗しました: %w", err)
	}
	return bundle, nil
}

// Create はバンドルとメンバーシップを同一トランザクションで作成する。
func (r *PostgresBundleRepo) Create(ctx context.Context, bundle *model.Bundle, feedIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bundles (id, user_id, api_key_id, slug, name, description,
		                      default_format, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		bundle.ID, bundle.UserID, bundle.APIKeyID, bundle.Slug, bundle.Name,
		nullString(bundle.Description), bundle.DefaultFormat, bundle.IsActive,
		bundle.CreatedAt, bundle.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("バンドルの作成に失敗しました: %w", err)
	}

	for _, feedID := range feedIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO bundle_memberships (bundle_id, feed_id) VALUES ($1, $2)`,
			bundle.ID, feedID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateMember
			}
			return fmt.Errorf("バンドルメンバーの作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("バンドル作成のコミットに失敗しました: %w", err)
	}
	return nil
}

// Update はバンドル情報を更新する。
func (r *PostgresBundleRepo) Update(ctx context.Context, bundle *model.Bundle) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bundles SET
		    name = $2, description = $3, default_format = $4,
		    is_active = $5, updated_at = $6
		 WHERE id = $1`,
		bundle.ID, bundle.Name, nullString(bundle.Description),
		bundle.DefaultFormat, bundle.IsActive, bundle.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("バンドルの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーのバンドル一覧を作成日時の降順で返す。
func (r *PostgresBundleRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Bundle, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+bundleColumns+" FROM bundles WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("バンドル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var bundles []*model.Bundle
	for rows.Next() {
		bundle, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("バンドルのスキャンに失敗しました: %w", err)
		}
		bundles = append(bundles, bundle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バンドルの読み取りに失敗しました: %w", err)
	}

	return bundles, nil
}

// CountActiveByUserID はユーザーのアクティブなバンドル数を返す。
func (r *PostgresBundleRepo) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM bundles WHERE user_id = $1 AND is_active = true`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("バンドル数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListMemberFeedIDs はバンドルのメンバーフィードIDを追加順で返す。
func (r *PostgresBundleRepo) ListMemberFeedIDs(ctx context.Context, bundleID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT feed_id FROM bundle_memberships WHERE bundle_id = $1 ORDER BY added_at, id`,
		bundleID,
	)
	if err != nil {
		return nil, fmt.Errorf("バンドルメンバーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feedIDs []string
	for rows.Next() {
		var feedID string
		if err := rows.Scan(&feedID); err != nil {
			return nil, fmt.Errorf("バンドルメンバーのスキャンに失敗しました: %w", err)
		}
		feedIDs = append(feedIDs, feedID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バンドルメンバーの読み取りに失敗しました: %w", err)
	}

	return feedIDs, nil
}

// CountMembers はバンドルのメンバー数を返す。
func (r *PostgresBundleRepo) CountMembers(ctx context.Context, bundleID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM bundle_memberships WHERE bundle_id = $1`,
		bundleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("バンドルメンバー数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// AddMember はバンドルにフィードを追加する。既にメンバーの場合はErrDuplicateMemberを返す。
func (r *PostgresBundleRepo) AddMember(ctx context.Context, bundleID, feedID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bundle_memberships (bundle_id, feed_id) VALUES ($1, $2)`,
		bundleID, feedID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMember
		}
		return fmt.Errorf("バンドルメンバーの追加に失敗しました: %w", err)
	}
	return nil
}

// RemoveMember はバンドルからフィードを除外する。メンバーでなかった場合はfalseを返す。
func (r *PostgresBundleRepo) RemoveMember(ctx context.Context, bundleID, feedID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM bundle_memberships WHERE bundle_id = $1 AND feed_id = $2`,
		bundleID, feedID,
	)
	if err != nil {
		return false, fmt.Errorf("バンドルメンバーの削除に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// DeactivateCascade はバンドルを無効化し、依存するWebhookの無効化と
// 未終端ジョブの取り消しを同一トランザクションで行う。
func (r *PostgresBundleRepo) DeactivateCascade(ctx context.Context, bundleID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE bundles SET is_active = false, updated_at = now() WHERE id = $1`,
		bundleID,
	); err != nil {
		return fmt.Errorf("バンドルの無効化に失敗しました: %w", err)
	}

	if err := deactivateWebhooksByScope(ctx, tx, "bundle_id", bundleID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("バンドル無効化のコミットに失敗しました: %w", err)
	}
	return nil
}

// isUniqueViolation はPostgreSQLのユニーク制約違反（SQLSTATE 23505）かを判定する。
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
