package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ksaito/newsrelay/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したカスタムフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, user_id, api_key_id, slug, name, description, filters,
	        default_format, is_active, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanFeed は1行分のフィードをスキャンする。
func scanFeed(row rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var description sql.NullString
	var filtersJSON []byte

	err := row.Scan(
		&feed.ID, &feed.UserID, &feed.APIKeyID, &feed.Slug, &feed.Name,
		&description, &filtersJSON, &feed.DefaultFormat, &feed.IsActive,
		&feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.Description = nullStringValue(description)
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &feed.Filters); err != nil {
			return nil, fmt.Errorf("フィルタのデコードに失敗しました: %w", err)
		}
	}
	feed.Filters = feed.Filters.Normalize()

	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+feedColumns+" FROM feeds WHERE id = $1", id)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindBySlug はスラッグでアクティブなフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindBySlug(ctx context.Context, slug string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+feedColumns+" FROM feeds WHERE slug = $1 AND is_active = true", slug)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スラッグによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// FindActiveByIDs は指定IDのうちアクティブなフィードを返す。
func (r *PostgresFeedRepo) FindActiveByIDs(ctx context.Context, ids []string) ([]*model.Feed, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+feedColumns+" FROM feeds WHERE id = ANY($1) AND is_active = true",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("フィードのID検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィードのスキャンに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィードの読み取りに失敗しました: %w", err)
	}

	return feeds, nil
}

// Create はフィードを作成する。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	filtersJSON, err := json.Marshal(feed.Filters)
	if err != nil {
		return fmt.Errorf("フィルタのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, user_id, api_key_id, slug, name, description,
		                    filters, default_format, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		feed.ID, feed.UserID, feed.APIKeyID, feed.Slug, feed.Name,
		nullString(feed.Description), filtersJSON, feed.DefaultFormat,
		feed.IsActive, feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はフィード情報を更新する。
func (r *PostgresFeedRepo) Update(ctx context.Context, feed *model.Feed) error {
	filtersJSON, err := json.Marshal(feed.Filters)
	if err != nil {
		return fmt.Errorf("フィルタのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    name = $2, description = $3, filters = $4,
		    default_format = $5, is_active = $6, updated_at = $7
		 WHERE id = $1`,
		feed.ID, feed.Name, nullString(feed.Description), filtersJSON,
		feed.DefaultFormat, feed.IsActive, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーのフィード一覧を作成日時の降順で返す。
func (r *PostgresFeedRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+feedColumns+" FROM feeds WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィードのスキャンに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィードの読み取りに失敗しました: %w", err)
	}

	return feeds, nil
}

// CountActiveByUserID はユーザーのアクティブなフィード数を返す。
func (r *PostgresFeedRepo) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM feeds WHERE user_id = $1 AND is_active = true`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("フィード数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// DeactivateCascade はフィードを無効化し、依存するWebhookの無効化と
// 未終端ジョブの取り消しを同一トランザクションで行う。
func (r *PostgresFeedRepo) DeactivateCascade(ctx context.Context, feedID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE feeds SET is_active = false, updated_at = now() WHERE id = $1`,
		feedID,
	); err != nil {
		return fmt.Errorf("フィードの無効化に失敗しました: %w", err)
	}

	if err := deactivateWebhooksByScope(ctx, tx, "feed_id", feedID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("フィード無効化のコミットに失敗しました: %w", err)
	}
	return nil
}

// deactivateWebhooksByScope はscopeColumn（feed_idまたはbundle_id）で紐づく
// Webhookを無効化し、それらの未終端ジョブをcancelledへ遷移させる。
func deactivateWebhooksByScope(ctx context.Context, tx *sql.Tx, scopeColumn, scopeID string) error {
	// scopeColumnは呼び出し側が固定文字列で渡すため、プレースホルダ対象外。
	query := fmt.Sprintf(`UPDATE webhooks SET is_active = false WHERE %s = $1 AND is_active = true`, scopeColumn)
	if _, err := tx.ExecContext(ctx, query, scopeID); err != nil {
		return fmt.Errorf("依存Webhookの無効化に失敗しました: %w", err)
	}

	cancelQuery := fmt.Sprintf(
		`UPDATE delivery_jobs SET status = 'cancelled', updated_at = now()
		 WHERE webhook_id IN (SELECT id FROM webhooks WHERE %s = $1)
		   AND status IN ('pending', 'retry_pending')`, scopeColumn)
	if _, err := tx.ExecContext(ctx, cancelQuery, scopeID); err != nil {
		return fmt.Errorf("依存ジョブの取り消しに失敗しました: %w", err)
	}

	return nil
}
