// Package deliver は配信ジョブの実行ワーカーを提供する。
// 実行可能なジョブを原子的にクレームし、プラットフォーム別センダーで
// 配信して終端状態（delivered / retry_pending / dead_letter）へ遷移させる。
// プランナーと異なりリースは不要で、クレームの条件付きUPDATEが
// 複数インスタンス間の排他を保証する。
package deliver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ksaito/newsrelay/internal/dispatch"
	"github.com/ksaito/newsrelay/internal/metrics"
	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
)

// runnableBatchLimit は1サイクルでクレーム対象とするジョブ数の上限。
const runnableBatchLimit = 100

// DispatchService はプラットフォーム別配信のインターフェース。
type DispatchService interface {
	Dispatch(ctx context.Context, platform model.Platform, target, secret string, env *dispatch.Envelope) dispatch.Outcome
}

// CredentialSource はWebhookの配信先・シークレットの復号インターフェース。
type CredentialSource interface {
	Credentials(webhook *model.Webhook) (target, secret string, err error)
}

// Deliverer は配信ジョブを並列実行するワーカー。
type Deliverer struct {
	jobRepo     repository.JobRepository
	webhookRepo repository.WebhookRepository
	articleRepo repository.ArticleRepository
	feedRepo    repository.FeedRepository
	bundleRepo  repository.BundleRepository
	creds       CredentialSource
	dispatcher  DispatchService
	collector   metrics.MetricsCollector
	logger      *slog.Logger

	maxConcurrency int
	maxAttempts    int
}

// NewDeliverer はDelivererの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10、
// maxAttemptsが0以下の場合はデフォルト値5を使用する。
func NewDeliverer(
	jobRepo repository.JobRepository,
	webhookRepo repository.WebhookRepository,
	articleRepo repository.ArticleRepository,
	feedRepo repository.FeedRepository,
	bundleRepo repository.BundleRepository,
	creds CredentialSource,
	dispatcher DispatchService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
	maxAttempts int,
) *Deliverer {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Deliverer{
		jobRepo:        jobRepo,
		webhookRepo:    webhookRepo,
		articleRepo:    articleRepo,
		feedRepo:       feedRepo,
		bundleRepo:     bundleRepo,
		creds:          creds,
		dispatcher:     dispatcher,
		collector:      collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		maxAttempts:    maxAttempts,
	}
}

// Start は指定間隔のティッカーでワーカーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (d *Deliverer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("配信ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", d.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := d.RunOnce(ctx); err != nil {
		d.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("配信ワーカーを停止しました")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("配信サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は実行可能なジョブを取得し、並列で配信を実行する。
// semaphoreパターンで最大並列数を制御する。
func (d *Deliverer) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	jobIDs, err := d.jobRepo.ListRunnable(ctx, now, runnableBatchLimit)
	if err != nil {
		return err
	}
	if len(jobIDs) == 0 {
		return nil
	}

	d.logger.Info("配信サイクルを開始します",
		slog.Int("job_count", len(jobIDs)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, d.maxConcurrency)
	var wg sync.WaitGroup

	for _, jobID := range jobIDs {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := d.deliverOne(ctx, id); err != nil {
				d.logger.Error("ジョブ配信に失敗しました",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
			}
		}(jobID)
	}

	wg.Wait()
	return nil
}

// deliverOne は1ジョブをクレームして配信し、結果に応じた終端遷移を行う。
// 他ワーカーに先取りされたジョブは黙ってスキップする。
func (d *Deliverer) deliverOne(ctx context.Context, jobID string) error {
	now := time.Now().UTC()

	claimed, err := d.jobRepo.Claim(ctx, jobID, now)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	job, err := d.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	webhook, err := d.webhookRepo.FindByID(ctx, job.WebhookID)
	if err != nil {
		return err
	}
	// 配信先Webhookが消失・無効化済みのジョブは取り消す
	if webhook == nil || !webhook.IsActive {
		return d.jobRepo.Cancel(ctx, jobID)
	}

	env, cursorAt, cursorID, err := d.buildEnvelope(ctx, job, webhook, now)
	if err != nil {
		return err
	}
	if env == nil {
		// 記事が保持期間切れで全滅した場合は配信せず取り消す
		return d.jobRepo.Cancel(ctx, jobID)
	}

	target, secret, err := d.creds.Credentials(webhook)
	if err != nil {
		// 復号不能は恒久エラーとして失敗カウントを進める
		return d.recordFailure(ctx, job, webhook, "decrypt_failed")
	}

	start := time.Now()
	outcome := d.dispatcher.Dispatch(ctx, webhook.Platform, target, secret, env)
	d.collector.RecordDeliveryLatency(string(webhook.Platform), time.Since(start))
	d.collector.RecordDelivery(string(webhook.Platform), outcome.Success)

	if !outcome.Success {
		return d.recordFailure(ctx, job, webhook, outcome.Message)
	}

	if err := d.jobRepo.MarkDelivered(ctx, job.ID, webhook.ID, cursorAt, cursorID); err != nil {
		return err
	}
	d.logger.Info("ジョブを配信しました",
		slog.String("job_id", job.ID),
		slog.String("webhook_id", webhook.ID),
		slog.String("platform", string(webhook.Platform)),
		slog.Int("article_count", job.ArticleCount),
	)
	return nil
}

// buildEnvelope はジョブの配信アイテムから配信ペイロードを再構築する。
// アイテムはプランニング時の順序（position昇順）を保持する。
// あわせてカーソル前進用の最新記事（公開日時が最大のもの）を返す。
func (d *Deliverer) buildEnvelope(ctx context.Context, job *model.DeliveryJob, webhook *model.Webhook, now time.Time) (*dispatch.Envelope, *time.Time, string, error) {
	items, err := d.jobRepo.ListItems(ctx, job.ID)
	if err != nil {
		return nil, nil, "", err
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ArticleID
	}
	articles, err := d.articleRepo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, nil, "", err
	}

	scored := make([]model.ScoredArticle, 0, len(items))
	var cursorAt *time.Time
	var cursorID string
	for _, item := range items {
		article, ok := articles[item.ArticleID]
		if !ok {
			continue
		}
		scored = append(scored, model.ScoredArticle{Article: article})
		if cursorAt == nil || article.PublishedAt.After(*cursorAt) {
			at := article.PublishedAt
			cursorAt = &at
			cursorID = article.ID
		}
	}
	if len(scored) == 0 {
		return nil, nil, "", nil
	}

	source, err := d.resolveSource(ctx, webhook)
	if err != nil {
		return nil, nil, "", err
	}
	return dispatch.NewEnvelope(source, scored, now), cursorAt, cursorID, nil
}

// resolveSource はWebhookの紐づけ先のメタ情報を解決する。
func (d *Deliverer) resolveSource(ctx context.Context, webhook *model.Webhook) (dispatch.EnvelopeSource, error) {
	if webhook.FeedID != "" {
		feed, err := d.feedRepo.FindByID(ctx, webhook.FeedID)
		if err != nil {
			return dispatch.EnvelopeSource{}, err
		}
		source := dispatch.EnvelopeSource{ID: webhook.FeedID, Kind: dispatch.SourceFeed}
		if feed != nil {
			source.Name = feed.Name
		}
		return source, nil
	}

	bundle, err := d.bundleRepo.FindByID(ctx, webhook.BundleID)
	if err != nil {
		return dispatch.EnvelopeSource{}, err
	}
	source := dispatch.EnvelopeSource{ID: webhook.BundleID, Kind: dispatch.SourceBundle}
	if bundle != nil {
		source.Name = bundle.Name
	}
	return source, nil
}

// recordFailure は失敗を記録し、デッドレター到達時はメトリクスに反映する。
func (d *Deliverer) recordFailure(ctx context.Context, job *model.DeliveryJob, webhook *model.Webhook, errMsg string) error {
	status, err := d.jobRepo.MarkFailed(ctx, job.ID, webhook.ID, errMsg, d.maxAttempts)
	if err != nil {
		return err
	}
	if status == model.JobStatusDeadLetter {
		d.collector.RecordDeadLetter(string(webhook.Platform))
		d.logger.Warn("ジョブがデッドレターに到達しました",
			slog.String("job_id", job.ID),
			slog.String("webhook_id", webhook.ID),
			slog.String("last_error", errMsg),
		)
	} else {
		d.logger.Warn("ジョブ配信に失敗しリトライを予約しました",
			slog.String("job_id", job.ID),
			slog.String("webhook_id", webhook.ID),
			slog.String("last_error", errMsg),
		)
	}
	return nil
}
