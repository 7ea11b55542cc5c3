// Package planner は配信バッチのプランニングワーカーを提供する。
// 実行期限を迎えたWebhookごとに新着記事を選択し、配信ジョブとして登録する。
// 複数インスタンス構成ではリースロックにより同時に1インスタンスのみが
// プランニングを実行する。
package planner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ksaito/newsrelay/internal/dispatch"
	"github.com/ksaito/newsrelay/internal/metrics"
	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/selector"
)

// leaseName はプランナーが使用するリース名。
const leaseName = "delivery_planner"

// Lease はプランニングの排他制御インターフェース。
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// ArticleSelector はフィルタに基づく記事選択のインターフェース。
type ArticleSelector interface {
	Select(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error)
	SelectBundle(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error)
}

// Planner は期限を迎えたWebhookのバッチプランニングを行う。
type Planner struct {
	webhookRepo repository.WebhookRepository
	jobRepo     repository.JobRepository
	feedRepo    repository.FeedRepository
	bundleRepo  repository.BundleRepository
	articles    ArticleSelector
	lease       Lease
	collector   metrics.MetricsCollector
	logger      *slog.Logger

	lockTTL          time.Duration
	maxItemsPerBatch int
}

// NewPlanner はPlannerの新しいインスタンスを生成する。
// maxItemsPerBatchが0以下の場合はデフォルト値50を使用する。
func NewPlanner(
	webhookRepo repository.WebhookRepository,
	jobRepo repository.JobRepository,
	feedRepo repository.FeedRepository,
	bundleRepo repository.BundleRepository,
	articles ArticleSelector,
	lease Lease,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	lockTTL time.Duration,
	maxItemsPerBatch int,
) *Planner {
	if maxItemsPerBatch <= 0 {
		maxItemsPerBatch = 50
	}
	if lockTTL <= 0 {
		lockTTL = 4 * time.Minute
	}
	return &Planner{
		webhookRepo:      webhookRepo,
		jobRepo:          jobRepo,
		feedRepo:         feedRepo,
		bundleRepo:       bundleRepo,
		articles:         articles,
		lease:            lease,
		collector:        collector,
		logger:           logger,
		lockTTL:          lockTTL,
		maxItemsPerBatch: maxItemsPerBatch,
	}
}

// Start は指定間隔のティッカーでプランナーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Planner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("配信プランナーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_items_per_batch", p.maxItemsPerBatch),
	)

	// 起動直後に1回実行
	if err := p.RunOnce(ctx); err != nil {
		p.logger.Error("プランニングサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("配信プランナーを停止しました")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("プランニングサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はリースを獲得できた場合に1回のプランニングサイクルを実行する。
// 他インスタンスがリースを保持している場合は何もせず正常終了する。
func (p *Planner) RunOnce(ctx context.Context) error {
	token, ok, err := p.lease.Acquire(ctx, leaseName, p.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Debug("プランナーリースを他インスタンスが保持しています")
		return nil
	}
	defer func() {
		if err := p.lease.Release(ctx, leaseName, token); err != nil {
			p.logger.Warn("プランナーリースの解放に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()

	start := time.Now()
	now := start.UTC()

	webhooks, err := p.webhookRepo.ListActive(ctx)
	if err != nil {
		return err
	}

	planned := 0
	for _, w := range webhooks {
		if !w.IsDue(now) {
			continue
		}
		created, err := p.planWebhook(ctx, w, now)
		if err != nil {
			p.logger.Error("Webhookのプランニングに失敗しました",
				slog.String("webhook_id", w.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		planned += created
	}

	p.collector.RecordPlannerRun(planned)
	p.logger.Info("プランニングサイクルが完了しました",
		slog.Int("webhook_count", len(webhooks)),
		slog.Int("planned_jobs", planned),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// planWebhook は1つのWebhookに対するバッチをプランニングする。
// 新着記事がない場合でも試行として記録し、次回期限を前進させる。
// 作成したジョブ数（0または1）を返す。
func (p *Planner) planWebhook(ctx context.Context, w *model.Webhook, now time.Time) (int, error) {
	if err := p.webhookRepo.StampAttempt(ctx, w.ID, now); err != nil {
		return 0, err
	}

	// 時間窓はカーソルから現在まで。未配信のWebhookは直近1間隔分のみ拾う
	windowStart := now.Add(-time.Duration(w.IntervalMinutes) * time.Minute)
	if w.CursorPublishedAt != nil {
		windowStart = *w.CursorPublishedAt
	}

	articles, err := p.selectArticles(ctx, w, windowStart)
	if err != nil {
		return 0, err
	}
	if len(articles) == 0 {
		p.logger.Debug("新着記事がないためジョブを作成しません",
			slog.String("webhook_id", w.ID),
		)
		return 0, nil
	}
	if len(articles) > p.maxItemsPerBatch {
		articles = articles[:p.maxItemsPerBatch]
	}

	articleIDs := make([]string, len(articles))
	for i, sa := range articles {
		articleIDs[i] = sa.Article.ID
	}

	job := &model.DeliveryJob{
		ID:            uuid.NewString(),
		WebhookID:     w.ID,
		WindowStart:   windowStart,
		WindowEnd:     now,
		Status:        model.JobStatusPending,
		PayloadDigest: dispatch.PayloadDigest(articleIDs),
		ArticleCount:  len(articleIDs),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := p.jobRepo.InsertWithItems(ctx, job, articleIDs); err != nil {
		// 同一窓・同一ペイロードのジョブは既にプランニング済み
		if errors.Is(err, repository.ErrDuplicateJob) {
			p.logger.Debug("同一バッチが既にプランニング済みのためスキップします",
				slog.String("webhook_id", w.ID),
				slog.String("payload_digest", job.PayloadDigest),
			)
			return 0, nil
		}
		return 0, err
	}

	p.logger.Info("配信ジョブを作成しました",
		slog.String("job_id", job.ID),
		slog.String("webhook_id", w.ID),
		slog.Int("article_count", len(articleIDs)),
	)
	return 1, nil
}

// selectArticles はWebhookの紐づけ先（フィードまたはバンドル）の
// フィルタを解決して新着記事を選択する。紐づけ先が無効化済みの場合は空を返す。
func (p *Planner) selectArticles(ctx context.Context, w *model.Webhook, since time.Time) ([]model.ScoredArticle, error) {
	if w.FeedID != "" {
		feed, err := p.feedRepo.FindByID(ctx, w.FeedID)
		if err != nil {
			return nil, err
		}
		if feed == nil || !feed.IsActive {
			return nil, nil
		}
		filters := feed.Filters.Normalize()
		return p.articles.Select(ctx, filters, selector.Options{
			Limit:  p.batchLimit(filters.Limit),
			Since:  &since,
			Sort:   filters.SortMode,
			UserID: w.UserID,
		})
	}

	bundle, err := p.bundleRepo.FindByID(ctx, w.BundleID)
	if err != nil {
		return nil, err
	}
	if bundle == nil || !bundle.IsActive {
		return nil, nil
	}
	feedIDs, err := p.bundleRepo.ListMemberFeedIDs(ctx, bundle.ID)
	if err != nil {
		return nil, err
	}
	feeds, err := p.feedRepo.FindActiveByIDs(ctx, feedIDs)
	if err != nil {
		return nil, err
	}
	if len(feeds) == 0 {
		return nil, nil
	}
	return p.articles.SelectBundle(ctx, feeds, selector.Options{
		Limit:  p.maxItemsPerBatch,
		Since:  &since,
		UserID: w.UserID,
	})
}

// batchLimit はフィルタのlimitをバッチ上限で頭打ちにする。
func (p *Planner) batchLimit(filterLimit int) int {
	if filterLimit <= 0 || filterLimit > p.maxItemsPerBatch {
		return p.maxItemsPerBatch
	}
	return filterLimit
}
