package planner

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/selector"
)

// --- モック定義 ---

// mockWebhookRepo はWebhookRepositoryのテスト用モック。
type mockWebhookRepo struct {
	listActiveFunc   func(ctx context.Context) ([]*model.Webhook, error)
	stampAttemptFunc func(ctx context.Context, webhookID string, at time.Time) error

	stamped []string
}

func (m *mockWebhookRepo) FindByID(ctx context.Context, id string) (*model.Webhook, error) {
	return nil, nil
}
func (m *mockWebhookRepo) Create(ctx context.Context, webhook *model.Webhook) error { return nil }
func (m *mockWebhookRepo) Update(ctx context.Context, webhook *model.Webhook) error { return nil }
func (m *mockWebhookRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Webhook, error) {
	return nil, nil
}
func (m *mockWebhookRepo) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	return 0, nil
}
func (m *mockWebhookRepo) ListActive(ctx context.Context) ([]*model.Webhook, error) {
	if m.listActiveFunc != nil {
		return m.listActiveFunc(ctx)
	}
	return nil, nil
}
func (m *mockWebhookRepo) StampAttempt(ctx context.Context, webhookID string, at time.Time) error {
	m.stamped = append(m.stamped, webhookID)
	if m.stampAttemptFunc != nil {
		return m.stampAttemptFunc(ctx, webhookID, at)
	}
	return nil
}
func (m *mockWebhookRepo) DeactivateCascade(ctx context.Context, webhookID string) error {
	return nil
}

// mockJobRepo はJobRepositoryのテスト用モック。
type mockJobRepo struct {
	insertFunc func(ctx context.Context, job *model.DeliveryJob, articleIDs []string) error

	insertedJobs  []*model.DeliveryJob
	insertedItems [][]string
}

func (m *mockJobRepo) FindByID(ctx context.Context, id string) (*model.DeliveryJob, error) {
	return nil, nil
}
func (m *mockJobRepo) InsertWithItems(ctx context.Context, job *model.DeliveryJob, articleIDs []string) error {
	if m.insertFunc != nil {
		if err := m.insertFunc(ctx, job, articleIDs); err != nil {
			return err
		}
	}
	m.insertedJobs = append(m.insertedJobs, job)
	m.insertedItems = append(m.insertedItems, articleIDs)
	return nil
}
func (m *mockJobRepo) Claim(ctx context.Context, jobID string, now time.Time) (bool, error) {
	return false, nil
}
func (m *mockJobRepo) ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}
func (m *mockJobRepo) ListItems(ctx context.Context, jobID string) ([]*model.DeliveryItem, error) {
	return nil, nil
}
func (m *mockJobRepo) MarkDelivered(ctx context.Context, jobID, webhookID string, cursorPublishedAt *time.Time, cursorArticleID string) error {
	return nil
}
func (m *mockJobRepo) MarkFailed(ctx context.Context, jobID, webhookID, errMsg string, maxAttempts int) (model.JobStatus, error) {
	return model.JobStatusRetryPending, nil
}
func (m *mockJobRepo) Cancel(ctx context.Context, jobID string) error { return nil }
func (m *mockJobRepo) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*model.DeliveryJob, error) {
	return nil, nil
}
func (m *mockJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// mockFeedRepo はFeedRepositoryのテスト用モック。
type mockFeedRepo struct {
	feeds map[string]*model.Feed
}

func (m *mockFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	return m.feeds[id], nil
}
func (m *mockFeedRepo) FindBySlug(ctx context.Context, slug string) (*model.Feed, error) {
	return nil, nil
}
func (m *mockFeedRepo) FindActiveByIDs(ctx context.Context, ids []string) ([]*model.Feed, error) {
	var out []*model.Feed
	for _, id := range ids {
		if f, ok := m.feeds[id]; ok && f.IsActive {
			out = append(out, f)
		}
	}
	return out, nil
}
func (m *mockFeedRepo) Create(ctx context.Context, feed *model.Feed) error { return nil }
func (m *mockFeedRepo) Update(ctx context.Context, feed *model.Feed) error { return nil }
func (m *mockFeedRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Feed, error) {
	return nil, nil
}
func (m *mockFeedRepo) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	return 0, nil
}
func (m *mockFeedRepo) DeactivateCascade(ctx context.Context, feedID string) error { return nil }

// mockBundleRepo はBundleRepositoryのテスト用モック。
type mockBundleRepo struct {
	bundles map[string]*model.Bundle
	members map[string][]string
}

func (m *mockBundleRepo) FindByID(ctx context.Context, id string) (*model.Bundle, error) {
	return m.bundles[id], nil
}
func (m *mockBundleRepo) FindBySlug(ctx context.Context, slug string) (*model.Bundle, error) {
	return nil, nil
}
func (m *mockBundleRepo) Create(ctx context.Context, bundle *model.Bundle, feedIDs []string) error {
	return nil
}
func (m *mockBundleRepo) Update(ctx context.Context, bundle *model.Bundle) error { return nil }
func (m *mockBundleRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Bundle, error) {
	return nil, nil
}
func (m *mockBundleRepo) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	return 0, nil
}
func (m *mockBundleRepo) ListMemberFeedIDs(ctx context.Context, bundleID string) ([]string, error) {
	return m.members[bundleID], nil
}
func (m *mockBundleRepo) CountMembers(ctx context.Context, bundleID string) (int, error) {
	return len(m.members[bundleID]), nil
}
func (m *mockBundleRepo) AddMember(ctx context.Context, bundleID, feedID string) error { return nil }
func (m *mockBundleRepo) RemoveMember(ctx context.Context, bundleID, feedID string) (bool, error) {
	return false, nil
}
func (m *mockBundleRepo) DeactivateCascade(ctx context.Context, bundleID string) error { return nil }

// mockSelector はArticleSelectorのテスト用モック。
type mockSelector struct {
	selectFunc       func(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error)
	selectBundleFunc func(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error)

	lastOpts selector.Options
}

func (m *mockSelector) Select(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
	m.lastOpts = opts
	if m.selectFunc != nil {
		return m.selectFunc(ctx, filters, opts)
	}
	return nil, nil
}

func (m *mockSelector) SelectBundle(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error) {
	m.lastOpts = opts
	if m.selectBundleFunc != nil {
		return m.selectBundleFunc(ctx, feeds, opts)
	}
	return nil, nil
}

// mockLease はLeaseのテスト用モック。
type mockLease struct {
	denied   bool
	acquired int
	released int
}

func (m *mockLease) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if m.denied {
		return "", false, nil
	}
	m.acquired++
	return "token-1", true, nil
}

func (m *mockLease) Release(ctx context.Context, name, token string) error {
	m.released++
	return nil
}

// mockCollector はMetricsCollectorのテスト用モック。
type mockCollector struct {
	plannerRuns int
	jobsPlanned int
}

func (m *mockCollector) RecordPlannerRun(plannedJobs int) {
	m.plannerRuns++
	m.jobsPlanned += plannedJobs
}
func (m *mockCollector) RecordDelivery(platform string, success bool)                  {}
func (m *mockCollector) RecordDeliveryLatency(platform string, duration time.Duration) {}
func (m *mockCollector) RecordDeadLetter(platform string)                              {}
func (m *mockCollector) RecordHTTPStatus(statusCode int)                               {}
func (m *mockCollector) RecordFeedRender(format string, cacheHit bool)                 {}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func sampleArticles(n int) []model.ScoredArticle {
	out := make([]model.ScoredArticle, n)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = model.ScoredArticle{Article: &model.Article{
			ID:          "art-" + string(rune('a'+i)),
			Title:       "記事",
			URL:         "https://example.com/a",
			PublishedAt: base.Add(-time.Duration(i) * time.Hour),
		}}
	}
	return out
}

func dueWebhook(id, feedID, bundleID string) *model.Webhook {
	return &model.Webhook{
		ID:              id,
		UserID:          "user-1",
		FeedID:          feedID,
		BundleID:        bundleID,
		Platform:        model.PlatformSlack,
		IsActive:        true,
		IntervalMinutes: 60,
		MaxFailures:     5,
		CreatedAt:       time.Now().UTC().Add(-24 * time.Hour),
	}
}

func activeFeed(id string) *model.Feed {
	return &model.Feed{
		ID:       id,
		UserID:   "user-1",
		Name:     "Tech News",
		Filters:  model.DefaultFilters(),
		IsActive: true,
	}
}

func newTestPlanner(
	webhookRepo *mockWebhookRepo,
	jobRepo *mockJobRepo,
	feedRepo *mockFeedRepo,
	bundleRepo *mockBundleRepo,
	sel *mockSelector,
	lease *mockLease,
	collector *mockCollector,
) *Planner {
	return NewPlanner(webhookRepo, jobRepo, feedRepo, bundleRepo, sel, lease, collector,
		newTestLogger(), time.Minute, 50)
}

// TestRunOnce_LeaseDenied はリース未獲得時に何もしないことを検証する。
func TestRunOnce_LeaseDenied(t *testing.T) {
	webhookRepo := &mockWebhookRepo{
		listActiveFunc: func(ctx context.Context) ([]*model.Webhook, error) {
			t.Error("リース未獲得でWebhook一覧が取得されました")
			return nil, nil
		},
	}
	p := newTestPlanner(webhookRepo, &mockJobRepo{}, &mockFeedRepo{}, &mockBundleRepo{},
		&mockSelector{}, &mockLease{denied: true}, &mockCollector{})

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗: %v", err)
	}
}

// TestRunOnce_ReleasesLease はサイクル完了後にリースを解放することを検証する。
func TestRunOnce_ReleasesLease(t *testing.T) {
	lease := &mockLease{}
	p := newTestPlanner(&mockWebhookRepo{}, &mockJobRepo{}, &mockFeedRepo{}, &mockBundleRepo{},
		&mockSelector{}, lease, &mockCollector{})

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗: %v", err)
	}
	if lease.acquired != 1 || lease.released != 1 {
		t.Errorf("リースの獲得・解放回数が一致しません: acquired=%d released=%d", lease.acquired, lease.released)
	}
}

// TestRunOnce_PlansDueWebhook は期限到来Webhookにジョブが作成されることを検証する。
func TestRunOnce_PlansDueWebhook(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	webhookRepo := &mockWebhookRepo{
		listActiveFunc: func(ctx context.Context) ([]*model.Webhook, error) {
			return []*model.Webhook{w}, nil
		},
	}
	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": activeFeed("feed-1")}}
	sel := &mockSelector{
		selectFunc: func(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
			return sampleArticles(3), nil
		},
	}
	collector := &mockCollector{}
	p := newTestPlanner(webhookRepo, jobRepo, feedRepo, &mockBundleRepo{}, sel, &mockLease{}, collector)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗: %v", err)
	}

	if len(jobRepo.insertedJobs) != 1 {
		t.Fatalf("作成されたジョブ数が一致しません: %d", len(jobRepo.insertedJobs))
	}
	job := jobRepo.insertedJobs[0]
	if job.WebhookID != "wh-1" {
		t.Errorf("webhook_idが一致しません: %s", job.WebhookID)
	}
	if job.Status != model.JobStatusPending {
		t.Errorf("初期状態がpendingではありません: %s", job.Status)
	}
	if job.ArticleCount != 3 || len(jobRepo.insertedItems[0]) != 3 {
		t.Errorf("記事数が一致しません: count=%d items=%d", job.ArticleCount, len(jobRepo.insertedItems[0]))
	}
	if job.PayloadDigest == "" {
		t.Error("ペイロードダイジェストが設定されていません")
	}
	if len(webhookRepo.stamped) != 1 || webhookRepo.stamped[0] != "wh-1" {
		t.Errorf("試行記録が一致しません: %v", webhookRepo.stamped)
	}
	if collector.plannerRuns != 1 || collector.jobsPlanned != 1 {
		t.Errorf("メトリクスが一致しません: runs=%d planned=%d", collector.plannerRuns, collector.jobsPlanned)
	}
}

// TestRunOnce_SkipsNotDue は期限未到来Webhookをスキップすることを検証する。
func TestRunOnce_SkipsNotDue(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	w.CreatedAt = time.Now().UTC() // 作成直後なので未到来
	webhookRepo := &mockWebhookRepo{
		listActiveFunc: func(ctx context.Context) ([]*model.Webhook, error) {
			return []*model.Webhook{w}, nil
		},
	}
	jobRepo := &mockJobRepo{}
	p := newTestPlanner(webhookRepo, jobRepo, &mockFeedRepo{}, &mockBundleRepo{},
		&mockSelector{}, &mockLease{}, &mockCollector{})

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗: %v", err)
	}
	if len(jobRepo.insertedJobs) != 0 {
		t.Errorf("未到来Webhookにジョブが作成されました: %d", len(jobRepo.insertedJobs))
	}
	if len(webhookRepo.stamped) != 0 {
		t.Errorf("未到来Webhookに試行が記録されました: %v", webhookRepo.stamped)
	}
}

// TestRunOnce_EmptyBatchStampsAttempt は新着ゼロでも試行を記録することを検証する。
func TestRunOnce_EmptyBatchStampsAttempt(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	webhookRepo := &mockWebhookRepo{
		listActiveFunc: func(ctx context.Context) ([]*model.Webhook, error) {
			return []*model.Webhook{w}, nil
		},
	}
	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": activeFeed("feed-1")}}
	p := newTestPlanner(webhookRepo, jobRepo, feedRepo, &mockBundleRepo{},
		&mockSelector{}, &mockLease{}, &mockCollector{})

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗: %v", err)
	}
	if len(jobRepo.insertedJobs) != 0 {
		t.Errorf("新着ゼロでジョブが作成されました: %d", len(jobRepo.insertedJobs))
	}
	if len(webhookRepo.stamped) != 1 {
		t.Errorf("新着ゼロでも試行が記録されるべきです: %v", webhookRepo.stamped)
	}
}

// TestRunOnce_DuplicateJobIgnored は重複ジョブが黙って無視されることを検証する。
func TestRunOnce_DuplicateJobIgnored(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	webhookRepo := &mockWebhookRepo{
		listActiveFunc: func(ctx context.Context) ([]*model.Webhook, error) {
			return []*model.Webhook{w}, nil
		},
	}
	jobRepo := &mockJobRepo{
		insertFunc: func(ctx context.Context, job *model.DeliveryJob, articleIDs []string) error {
			return repository.ErrDuplicateJob
		},
	}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": activeFeed("feed-1")}}
	sel := &mockSelector{
		selectFunc: func(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
			return sampleArticles(2), nil
		},
	}
	collector := &mockCollector{}
	p := newTestPlanner(webhookRepo, jobRepo, feedRepo, &mockBundleRepo{}, sel, &mockLease{}, collector)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("重複ジョブがエラーとして伝播しました: %v", err)
	}
	if collector.jobsPlanned != 0 {
		t.Errorf("重複ジョブがプランニング数に計上されました: %d", collector.jobsPlanned)
	}
}

// TestPlanWebhook_CursorWindow はカーソルが時間窓の起点になることを検証する。
func TestPlanWebhook_CursorWindow(t *testing.T) {
	cursor := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	w := dueWebhook("wh-1", "feed-1", "")
	w.CursorPublishedAt = &cursor

	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": activeFeed("feed-1")}}
	sel := &mockSelector{
		selectFunc: func(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
			return sampleArticles(1), nil
		},
	}
	p := newTestPlanner(&mockWebhookRepo{}, jobRepo, feedRepo, &mockBundleRepo{}, sel, &mockLease{}, &mockCollector{})

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if _, err := p.planWebhook(context.Background(), w, now); err != nil {
		t.Fatalf("planWebhookに失敗: %v", err)
	}

	if sel.lastOpts.Since == nil || !sel.lastOpts.Since.Equal(cursor) {
		t.Errorf("Sinceがカーソルと一致しません: %v", sel.lastOpts.Since)
	}
	if len(jobRepo.insertedJobs) != 1 {
		t.Fatalf("ジョブが作成されていません")
	}
	job := jobRepo.insertedJobs[0]
	if !job.WindowStart.Equal(cursor) || !job.WindowEnd.Equal(now) {
		t.Errorf("時間窓が一致しません: [%v, %v)", job.WindowStart, job.WindowEnd)
	}
	// 作成・更新時刻はプランニング時刻で刻印される（ゼロ値のままINSERTしない）
	if !job.CreatedAt.Equal(now) || !job.UpdatedAt.Equal(now) {
		t.Errorf("ジョブのタイムスタンプが刻印されていません: created=%v updated=%v", job.CreatedAt, job.UpdatedAt)
	}
}

// TestPlanWebhook_NoCursorUsesInterval はカーソル未設定時に直近1間隔分を窓とすることを検証する。
func TestPlanWebhook_NoCursorUsesInterval(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": activeFeed("feed-1")}}
	sel := &mockSelector{
		selectFunc: func(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
			return sampleArticles(1), nil
		},
	}
	p := newTestPlanner(&mockWebhookRepo{}, jobRepo, feedRepo, &mockBundleRepo{}, sel, &mockLease{}, &mockCollector{})

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if _, err := p.planWebhook(context.Background(), w, now); err != nil {
		t.Fatalf("planWebhookに失敗: %v", err)
	}

	want := now.Add(-60 * time.Minute)
	if !jobRepo.insertedJobs[0].WindowStart.Equal(want) {
		t.Errorf("窓の起点が一致しません: %v, want %v", jobRepo.insertedJobs[0].WindowStart, want)
	}
}

// TestPlanWebhook_TruncatesToBatchLimit はバッチ上限での切り詰めを検証する。
func TestPlanWebhook_TruncatesToBatchLimit(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": activeFeed("feed-1")}}
	sel := &mockSelector{
		selectFunc: func(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
			return sampleArticles(10), nil
		},
	}
	p := NewPlanner(&mockWebhookRepo{}, jobRepo, feedRepo, &mockBundleRepo{}, sel, &mockLease{},
		&mockCollector{}, newTestLogger(), time.Minute, 5)

	if _, err := p.planWebhook(context.Background(), w, time.Now().UTC()); err != nil {
		t.Fatalf("planWebhookに失敗: %v", err)
	}
	if jobRepo.insertedJobs[0].ArticleCount != 5 {
		t.Errorf("バッチ上限で切り詰められていません: %d", jobRepo.insertedJobs[0].ArticleCount)
	}
}

// TestPlanWebhook_InactiveFeedSkipped は無効化済みフィードでジョブを作らないことを検証する。
func TestPlanWebhook_InactiveFeedSkipped(t *testing.T) {
	w := dueWebhook("wh-1", "feed-1", "")
	feed := activeFeed("feed-1")
	feed.IsActive = false
	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{"feed-1": feed}}
	p := newTestPlanner(&mockWebhookRepo{}, jobRepo, feedRepo, &mockBundleRepo{},
		&mockSelector{}, &mockLease{}, &mockCollector{})

	if _, err := p.planWebhook(context.Background(), w, time.Now().UTC()); err != nil {
		t.Fatalf("planWebhookに失敗: %v", err)
	}
	if len(jobRepo.insertedJobs) != 0 {
		t.Errorf("無効化済みフィードにジョブが作成されました")
	}
}

// TestPlanWebhook_BundleUsesActiveMembers はバンドル配信でアクティブメンバーのみを使うことを検証する。
func TestPlanWebhook_BundleUsesActiveMembers(t *testing.T) {
	w := dueWebhook("wh-1", "", "bundle-1")
	inactive := activeFeed("feed-2")
	inactive.IsActive = false

	jobRepo := &mockJobRepo{}
	feedRepo := &mockFeedRepo{feeds: map[string]*model.Feed{
		"feed-1": activeFeed("feed-1"),
		"feed-2": inactive,
	}}
	bundleRepo := &mockBundleRepo{
		bundles: map[string]*model.Bundle{"bundle-1": {ID: "bundle-1", Name: "Daily", IsActive: true}},
		members: map[string][]string{"bundle-1": {"feed-1", "feed-2"}},
	}

	var gotFeeds []*model.Feed
	sel := &mockSelector{
		selectBundleFunc: func(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error) {
			gotFeeds = feeds
			return sampleArticles(2), nil
		},
	}
	p := newTestPlanner(&mockWebhookRepo{}, jobRepo, feedRepo, bundleRepo, sel, &mockLease{}, &mockCollector{})

	if _, err := p.planWebhook(context.Background(), w, time.Now().UTC()); err != nil {
		t.Fatalf("planWebhookに失敗: %v", err)
	}
	if len(gotFeeds) != 1 || gotFeeds[0].ID != "feed-1" {
		t.Errorf("アクティブメンバーのみが渡されるべきです: %+v", gotFeeds)
	}
	if len(jobRepo.insertedJobs) != 1 {
		t.Errorf("バンドルジョブが作成されていません")
	}
}
