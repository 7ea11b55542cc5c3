package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// PostgresWebhookRepo はPostgreSQLを使用したWebhookリポジトリ。
type PostgresWebhookRepo struct {
	db *sql.DB
}

// NewPostgresWebhookRepo はPostgresWebhookRepoを生成する。
func NewPostgresWebhookRepo(db *sql.DB) *PostgresWebhookRepo {
	return &PostgresWebhookRepo{db: db}
}

const webhookColumns = `id, user_id, feed_id, bundle_id, platform,
	        target_encrypted, secret_encrypted, is_active, interval_minutes,
	        last_triggered_at, last_attempted_at,
	        cursor_published_at, cursor_article_id,
	        failure_count, max_failures, created_at`

// scanWebhook は1行分のWebhookをスキャンする。
func scanWebhook(row rowScanner) (*model.Webhook, error) {
	w := &model.Webhook{}
	var feedID, bundleID, secretEncrypted, cursorArticleID sql.NullString
	var lastTriggered, lastAttempted, cursorPublished sql.NullTime

	err := row.Scan(
		&w.ID, &w.UserID, &feedID, &bundleID, &w.Platform,
		&w.TargetEncrypted, &secretEncrypted, &w.IsActive, &w.IntervalMinutes,
		&lastTriggered, &lastAttempted,
		&cursorPublished, &cursorArticleID,
		&w.FailureCount, &w.MaxFailures, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.FeedID = nullStringValue(feedID)
	w.BundleID = nullStringValue(bundleID)
	w.SecretEncrypted = nullStringValue(secretEncrypted)
	w.CursorArticleID = nullStringValue(cursorArticleID)
	w.LastTriggeredAt = nullTimeValue(lastTriggered)
	w.LastAttemptedAt = nullTimeValue(lastAttempted)
	w.CursorPublishedAt = nullTimeValue(cursorPublished)

	return w, nil
}

// FindByID は指定IDのWebhookを取得する。見つからない場合はnilを返す。
func (r *PostgresWebhookRepo) FindByID(ctx context.Context, id string) (*model.Webhook, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE id = $1", id)

	webhook, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Webhookの取得に失敗しました: %w", err)
	}
	return webhook, nil
}

// Create はWebhookを作成する。
func (r *PostgresWebhookRepo) Create(ctx context.Context, webhook *model.Webhook) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, user_id, feed_id, bundle_id, platform,
		                       target_encrypted, secret_encrypted, is_active,
		                       interval_minutes, failure_count, max_failures, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		webhook.ID, webhook.UserID, nullString(webhook.FeedID), nullString(webhook.BundleID),
		webhook.Platform, webhook.TargetEncrypted, nullString(webhook.SecretEncrypted),
		webhook.IsActive, webhook.IntervalMinutes,
		webhook.FailureCount, webhook.MaxFailures, webhook.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Webhookの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はWebhookの設定項目を更新する。
// cursor_*とfailure_countは配信トランザクション専用のため対象外。
func (r *PostgresWebhookRepo) Update(ctx context.Context, webhook *model.Webhook) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET
		    target_encrypted = $2, secret_encrypted = $3, is_active = $4,
		    interval_minutes = $5, max_failures = $6
		 WHERE id = $1`,
		webhook.ID, webhook.TargetEncrypted, nullString(webhook.SecretEncrypted),
		webhook.IsActive, webhook.IntervalMinutes, webhook.MaxFailures,
	)
	if err != nil {
		return fmt.Errorf("Webhookの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーのWebhook一覧を作成日時の降順で返す。
func (r *PostgresWebhookRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Webhook, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("Webhook一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

// CountActiveByUserID はユーザーのアクティブなWebhook数を返す。
func (r *PostgresWebhookRepo) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM webhooks WHERE user_id = $1 AND is_active = true`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("Webhook数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListActive はアクティブかつ失敗上限未満のWebhookをすべて返す。
func (r *PostgresWebhookRepo) ListActive(ctx context.Context) ([]*model.Webhook, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE is_active = true AND failure_count < max_failures",
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブWebhookの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

// StampAttempt はlast_attempted_atを更新する。
func (r *PostgresWebhookRepo) StampAttempt(ctx context.Context, webhookID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET last_attempted_at = $2 WHERE id = $1`,
		webhookID, at,
	)
	if err != nil {
		return fmt.Errorf("試行時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// DeactivateCascade はWebhookを無効化し、未終端ジョブを同一トランザクションで
// cancelledに遷移させる。
func (r *PostgresWebhookRepo) DeactivateCascade(ctx context.Context, webhookID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE webhooks SET is_active = false WHERE id = $1`,
		webhookID,
	); err != nil {
		return fmt.Errorf("Webhookの無効化に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE delivery_jobs SET status = 'cancelled', updated_at = now()
		 WHERE webhook_id = $1 AND status IN ('pending', 'retry_pending')`,
		webhookID,
	); err != nil {
		return fmt.Errorf("未終端ジョブの取り消しに失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Webhook無効化のコミットに失敗しました: %w", err)
	}
	return nil
}

// collectWebhooks は複数行のWebhookをスキャンして返す。
func collectWebhooks(rows *sql.Rows) ([]*model.Webhook, error) {
	var webhooks []*model.Webhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("Webhookのスキャンに失敗しました: %w", err)
		}
		webhooks = append(webhooks, webhook)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Webhookの読み取りに失敗しました: %w", err)
	}
	return webhooks, nil
}
