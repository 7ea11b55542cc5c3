package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用した配信ジョブリポジトリ。
// ジョブ状態機械の遷移は条件付きUPDATEで強制し、
// Webhookのカーソル・カウンタ更新は終端遷移と同一トランザクションで行う。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

const jobColumns = `id, webhook_id, window_start, window_end, status, attempts,
	        next_retry_at, payload_digest, article_count, last_error,
	        created_at, updated_at`

// scanJob は1行分のジョブをスキャンする。
func scanJob(row rowScanner) (*model.DeliveryJob, error) {
	job := &model.DeliveryJob{}
	var nextRetryAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&job.ID, &job.WebhookID, &job.WindowStart, &job.WindowEnd,
		&job.Status, &job.Attempts, &nextRetryAt, &job.PayloadDigest,
		&job.ArticleCount, &lastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.NextRetryAt = nullTimeValue(nextRetryAt)
	job.LastError = nullStringValue(lastError)
	return job, nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.DeliveryJob, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM delivery_jobs WHERE id = $1", id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// InsertWithItems はジョブと配信アイテムを同一トランザクションで挿入する。
// 冪等性制約に違反した場合はErrDuplicateJobを返す。
// 同時実行されたプランナーとの競合やリプレイはこのエラーで検出される。
func (r *PostgresJobRepo) InsertWithItems(ctx context.Context, job *model.DeliveryJob, articleIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO delivery_jobs (id, webhook_id, window_start, window_end,
		                            status, attempts, payload_digest, article_count,
		                            created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.WebhookID, job.WindowStart, job.WindowEnd,
		job.Status, job.Attempts, job.PayloadDigest, job.ArticleCount,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}

	for position, articleID := range articleIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO delivery_items (job_id, article_id, position) VALUES ($1, $2, $3)`,
			job.ID, articleID, position,
		)
		if err != nil {
			return fmt.Errorf("配信アイテムの作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ジョブ作成のコミットに失敗しました: %w", err)
	}
	return nil
}

// Claim はpending/retry_pendingのジョブをprocessingへ原子的に遷移させる。
// 条件付きUPDATE 1文で行うため、2つのワーカーが同一ジョブを同時に
// 配信することはない。
func (r *PostgresJobRepo) Claim(ctx context.Context, jobID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET status = 'processing', updated_at = $2
		 WHERE id = $1
		   AND (status = 'pending'
		        OR (status = 'retry_pending' AND (next_retry_at IS NULL OR next_retry_at <= $2)))`,
		jobID, now,
	)
	if err != nil {
		return false, fmt.Errorf("ジョブのクレームに失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("クレーム件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// ListRunnable は実行可能なジョブのIDを作成日時の昇順で返す。
func (r *PostgresJobRepo) ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM delivery_jobs
		 WHERE status = 'pending'
		    OR (status = 'retry_pending' AND (next_retry_at IS NULL OR next_retry_at <= $1))
		 ORDER BY created_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行可能ジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ジョブIDのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブIDの読み取りに失敗しました: %w", err)
	}

	return ids, nil
}

// ListItems はジョブの配信アイテムをposition昇順で返す。
func (r *PostgresJobRepo) ListItems(ctx context.Context, jobID string) ([]*model.DeliveryItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, article_id, position, created_at
		 FROM delivery_items WHERE job_id = $1 ORDER BY position`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("配信アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.DeliveryItem
	for rows.Next() {
		item := &model.DeliveryItem{}
		if err := rows.Scan(&item.ID, &item.JobID, &item.ArticleID, &item.Position, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("配信アイテムのスキャンに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信アイテムの読み取りに失敗しました: %w", err)
	}

	return items, nil
}

// MarkDelivered はジョブをdeliveredに遷移させ、同一トランザクションで
// Webhookのカーソル前進・failure_countリセット・last_triggered_at更新を行う。
// プロセスがこの途中でクラッシュした場合もカーソルとカウンタの整合は保たれる。
func (r *PostgresJobRepo) MarkDelivered(ctx context.Context, jobID, webhookID string, cursorPublishedAt *time.Time, cursorArticleID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx,
		`UPDATE delivery_jobs SET status = 'delivered', last_error = NULL, updated_at = $2
		 WHERE id = $1 AND status = 'processing'`,
		jobID, now,
	)
	if err != nil {
		return fmt.Errorf("ジョブの配信完了遷移に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("遷移件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("ジョブ %s はprocessing状態ではないため配信完了にできません", jobID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE webhooks SET
		    failure_count = 0,
		    last_triggered_at = $2,
		    cursor_published_at = COALESCE($3, cursor_published_at),
		    cursor_article_id = COALESCE($4, cursor_article_id)
		 WHERE id = $1`,
		webhookID, now, nullTime(cursorPublishedAt), nullString(cursorArticleID),
	)
	if err != nil {
		return fmt.Errorf("Webhookカーソルの更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("配信完了のコミットに失敗しました: %w", err)
	}
	return nil
}

// MarkFailed は失敗を記録し、次の状態を決定して返す。
// attempts >= maxAttempts または failure_count >= max_failures で
// dead_letter + Webhook無効化、それ以外はretry_pending + バックオフ。
func (r *PostgresJobRepo) MarkFailed(ctx context.Context, jobID, webhookID, errMsg string, maxAttempts int) (model.JobStatus, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// ジョブとWebhookのカウンタを行ロック付きで読み取る
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM delivery_jobs WHERE id = $1 AND status = 'processing' FOR UPDATE`,
		jobID,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("ジョブ %s はprocessing状態ではないため失敗を記録できません", jobID)
	}
	if err != nil {
		return "", fmt.Errorf("ジョブの読み取りに失敗しました: %w", err)
	}

	var failureCount, maxFailures int
	err = tx.QueryRowContext(ctx,
		`SELECT failure_count, max_failures FROM webhooks WHERE id = $1 FOR UPDATE`,
		webhookID,
	).Scan(&failureCount, &maxFailures)
	if err != nil {
		return "", fmt.Errorf("Webhookの読み取りに失敗しました: %w", err)
	}

	attempts++
	failureCount++

	// エラーメッセージは2000文字で切り詰めて保存する
	if len(errMsg) > 2000 {
		errMsg = errMsg[:2000]
	}

	var status model.JobStatus
	if attempts >= maxAttempts || failureCount >= maxFailures {
		status = model.JobStatusDeadLetter
		_, err = tx.ExecContext(ctx,
			`UPDATE delivery_jobs SET
			    status = 'dead_letter', attempts = $2, last_error = $3,
			    next_retry_at = NULL, updated_at = $4
			 WHERE id = $1`,
			jobID, attempts, errMsg, now,
		)
		if err != nil {
			return "", fmt.Errorf("ジョブのdead_letter遷移に失敗しました: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE webhooks SET failure_count = $2, is_active = false WHERE id = $1`,
			webhookID, failureCount,
		)
		if err != nil {
			return "", fmt.Errorf("Webhookの無効化に失敗しました: %w", err)
		}
	} else {
		status = model.JobStatusRetryPending
		nextRetry := now.Add(model.RetryBackoff(attempts))
		_, err = tx.ExecContext(ctx,
			`UPDATE delivery_jobs SET
			    status = 'retry_pending', attempts = $2, last_error = $3,
			    next_retry_at = $4, updated_at = $5
			 WHERE id = $1`,
			jobID, attempts, errMsg, nextRetry, now,
		)
		if err != nil {
			return "", fmt.Errorf("ジョブのretry_pending遷移に失敗しました: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE webhooks SET failure_count = $2 WHERE id = $1`,
			webhookID, failureCount,
		)
		if err != nil {
			return "", fmt.Errorf("Webhook失敗カウンタの更新に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("失敗記録のコミットに失敗しました: %w", err)
	}
	return status, nil
}

// Cancel はジョブをcancelledに遷移させる。終端状態のジョブには作用しない。
func (r *PostgresJobRepo) Cancel(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'processing', 'retry_pending')`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("ジョブの取り消しに失敗しました: %w", err)
	}
	return nil
}

// ListByWebhook はWebhookの配信履歴を作成日時の降順で返す。
func (r *PostgresJobRepo) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*model.DeliveryJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+jobColumns+` FROM delivery_jobs
		 WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`,
		webhookID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ジョブのスキャンに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブの読み取りに失敗しました: %w", err)
	}

	return jobs, nil
}

// DeleteTerminalBefore は終端状態かつupdated_atがcutoffより古いジョブを削除する。
func (r *PostgresJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_jobs
		 WHERE status IN ('delivered', 'dead_letter', 'cancelled') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("配信履歴の削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
