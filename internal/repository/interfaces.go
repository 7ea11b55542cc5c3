// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// ErrDuplicateJob は(webhook_id, window_end, payload_digest)のユニーク制約違反を表す。
// 同一バッチが既にプランニング済みであることを意味し、呼び出し側は黙って無視する。
var ErrDuplicateJob = errors.New("delivery job already planned for this window and digest")

// ErrDuplicateMember は(bundle_id, feed_id)のユニーク制約違反を表す。
var ErrDuplicateMember = errors.New("feed is already a member of this bundle")

// ArticleQuery は記事ストアへの絞り込みクエリを表す。
// すべての条件はAND結合される。
type ArticleQuery struct {
	Topics          []string
	ExcludeTopics   []string
	Categories      []string
	Sources         []string
	ExcludeSources  []string
	Language        string
	Keywords        []string // title/excerpt/contentのILIKE部分一致（OR結合）
	ExcludeKeywords []string // title/excerpt/contentいずれにも含まない
	OldestPublished time.Time
	Since           *time.Time // 公開日時がこの時刻より後（排他的）
	ExcludeReadBy   string     // 空でなければ該当ユーザーの既読記事を除外
	Limit           int
}

// ArticleRepository は記事データの読み取り専用クエリインターフェース。
// 記事の書き込みはインジェスト側パイプラインの責務。
type ArticleRepository interface {
	// ListMatching はクエリ条件に一致する記事を公開日時の降順で返す。
	ListMatching(ctx context.Context, q ArticleQuery) ([]*model.Article, error)

	// FindByIDs は指定IDの記事をまとめて取得する。見つからないIDは結果に含まれない。
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.Article, error)
}

// APIKeyRepository はAPIキーの参照インターフェース。
// キーの発行・失効はアカウント管理側が行うため参照のみを提供する。
type APIKeyRepository interface {
	// FindActiveByHash はキーハッシュでアクティブなAPIキーを検索する。
	// 見つからない場合はnilを返す。
	FindActiveByHash(ctx context.Context, keyHash string) (*model.APIKey, error)

	// FindByID は指定IDのAPIキーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.APIKey, error)
}

// FeedRepository はカスタムフィードの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindBySlug はスラッグでアクティブなフィードを検索する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Feed, error)

	// FindActiveByIDs は指定IDのうちアクティブなフィードを返す。
	FindActiveByIDs(ctx context.Context, ids []string) ([]*model.Feed, error)

	// Create はフィードを作成する。
	Create(ctx context.Context, feed *model.Feed) error

	// Update はフィード情報を更新する。
	Update(ctx context.Context, feed *model.Feed) error

	// ListByUserID はユーザーのフィード一覧を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Feed, error)

	// CountActiveByUserID はユーザーのアクティブなフィード数を返す。
	CountActiveByUserID(ctx context.Context, userID string) (int, error)

	// DeactivateCascade はフィードを無効化し、依存するWebhookの無効化と
	// 未終端ジョブの取り消しを同一トランザクションで行う。
	DeactivateCascade(ctx context.Context, feedID string) error
}

// BundleRepository はフィードバンドルの永続化インターフェース。
type BundleRepository interface {
	// FindByID は指定IDのバンドルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Bundle, error)

	// FindBySlug はスラッグでアクティブなバンドルを検索する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Bundle, error)

	// Create はバンドルとメンバーシップを同一トランザクションで作成する。
	Create(ctx context.Context, bundle *model.Bundle, feedIDs []string) error

	// Update はバンドル情報を更新する。
	Update(ctx context.Context, bundle *model.Bundle) error

	// ListByUserID はユーザーのバンドル一覧を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Bundle, error)

	// CountActiveByUserID はユーザーのアクティブなバンドル数を返す。
	CountActiveByUserID(ctx context.Context, userID string) (int, error)

	// ListMemberFeedIDs はバンドルのメンバーフィードIDを追加順で返す。
	ListMemberFeedIDs(ctx context.Context, bundleID string) ([]string, error)

	// CountMembers はバンドルのメンバー数を返す。
	CountMembers(ctx context.Context, bundleID string) (int, error)

	// AddMember はバンドルにフィードを追加する。
	// 既にメンバーの場合はErrDuplicateMemberを返す。
	AddMember(ctx context.Context, bundleID, feedID string) error

	// RemoveMember はバンドルからフィードを除外する。
	// メンバーでなかった場合はfalseを返す。
	RemoveMember(ctx context.Context, bundleID, feedID string) (bool, error)

	// DeactivateCascade はバンドルを無効化し、依存するWebhookの無効化と
	// 未終端ジョブの取り消しを同一トランザクションで行う。
	DeactivateCascade(ctx context.Context, bundleID string) error
}

// WebhookRepository はWebhook設定の永続化インターフェース。
// cursor_*とfailure_countの更新はJobRepositoryの終端遷移トランザクション内
// でのみ行われる（ドリフト防止）。
type WebhookRepository interface {
	// FindByID は指定IDのWebhookを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Webhook, error)

	// Create はWebhookを作成する。
	Create(ctx context.Context, webhook *model.Webhook) error

	// Update はWebhookの設定項目を更新する。
	Update(ctx context.Context, webhook *model.Webhook) error

	// ListByUserID はユーザーのWebhook一覧を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Webhook, error)

	// CountActiveByUserID はユーザーのアクティブなWebhook数を返す。
	CountActiveByUserID(ctx context.Context, userID string) (int, error)

	// ListActive はアクティブかつ失敗上限未満のWebhookをすべて返す。
	// due判定はプランナー側でmodel.Webhook.IsDueにより行う。
	ListActive(ctx context.Context) ([]*model.Webhook, error)

	// StampAttempt はlast_attempted_atを更新する。
	// 新着記事ゼロのバッチでも試行として記録し、プランナーの空回りを防ぐ。
	StampAttempt(ctx context.Context, webhookID string, at time.Time) error

	// DeactivateCascade はWebhookを無効化し、未終端ジョブを同一トランザクションで
	// cancelledに遷移させる。
	DeactivateCascade(ctx context.Context, webhookID string) error
}

// JobRepository は配信ジョブと配信アイテムの永続化インターフェース。
// ジョブの状態機械（§model.CanTransition）はこの層の条件付きUPDATEで強制される。
type JobRepository interface {
	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DeliveryJob, error)

	// InsertWithItems はジョブと配信アイテムを同一トランザクションで挿入する。
	// 冪等性制約(webhook_id, window_end, payload_digest)に違反した場合は
	// ErrDuplicateJobを返す。
	InsertWithItems(ctx context.Context, job *model.DeliveryJob, articleIDs []string) error

	// Claim はpending/retry_pendingのジョブをprocessingへ原子的に遷移させる。
	// retry_pendingの場合はnext_retry_at <= nowのときのみ成功する。
	// 他ワーカーに先取りされた場合や対象外の状態の場合はfalseを返す。
	Claim(ctx context.Context, jobID string, now time.Time) (bool, error)

	// ListRunnable は実行可能なジョブのIDを作成日時の昇順で返す。
	// pendingすべてと、next_retry_at <= nowのretry_pendingが対象。
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ListItems はジョブの配信アイテムをposition昇順で返す。
	ListItems(ctx context.Context, jobID string) ([]*model.DeliveryItem, error)

	// MarkDelivered はジョブをdeliveredに遷移させ、同一トランザクションで
	// Webhookのカーソル前進・failure_countリセット・last_triggered_at更新を行う。
	MarkDelivered(ctx context.Context, jobID, webhookID string, cursorPublishedAt *time.Time, cursorArticleID string) error

	// MarkFailed は失敗を記録し、次の状態を決定して返す。
	// ジョブのattemptsとWebhookのfailure_countをインクリメントし、
	// どちらかが上限に達した場合はdead_letter + Webhook無効化、
	// そうでなければretry_pending + バックオフ設定を同一トランザクションで行う。
	MarkFailed(ctx context.Context, jobID, webhookID, errMsg string, maxAttempts int) (model.JobStatus, error)

	// Cancel はジョブをcancelledに遷移させる。終端状態のジョブには作用しない。
	Cancel(ctx context.Context, jobID string) error

	// ListByWebhook はWebhookの配信履歴を作成日時の降順で返す。
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*model.DeliveryJob, error)

	// DeleteTerminalBefore は終端状態かつupdated_atがcutoffより古いジョブを削除する。
	// delivery_itemsはCASCADE削除される。削除件数を返す。
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
