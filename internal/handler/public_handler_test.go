package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/ksaito/newsrelay/internal/cache"
	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/selector"
)

// mockPublicFeedRepo は公開エンドポイントが使うメソッドのみを実装したモック。
type mockPublicFeedRepo struct {
	repository.FeedRepository
	findBySlugFunc      func(ctx context.Context, slug string) (*model.Feed, error)
	findActiveByIDsFunc func(ctx context.Context, ids []string) ([]*model.Feed, error)
}

func (m *mockPublicFeedRepo) FindBySlug(ctx context.Context, slug string) (*model.Feed, error) {
	return m.findBySlugFunc(ctx, slug)
}

func (m *mockPublicFeedRepo) FindActiveByIDs(ctx context.Context, ids []string) ([]*model.Feed, error) {
	return m.findActiveByIDsFunc(ctx, ids)
}

type mockPublicBundleRepo struct {
	repository.BundleRepository
	findBySlugFunc        func(ctx context.Context, slug string) (*model.Bundle, error)
	listMemberFeedIDsFunc func(ctx context.Context, bundleID string) ([]string, error)
}

func (m *mockPublicBundleRepo) FindBySlug(ctx context.Context, slug string) (*model.Bundle, error) {
	return m.findBySlugFunc(ctx, slug)
}

func (m *mockPublicBundleRepo) ListMemberFeedIDs(ctx context.Context, bundleID string) ([]string, error) {
	return m.listMemberFeedIDsFunc(ctx, bundleID)
}

// mockPublicSelector はPublicArticleSelectorのテスト用モック。
type mockPublicSelector struct {
	selectCalls      int
	lastOpts         selector.Options
	lastBundleFeeds  []*model.Feed
	articles         []model.ScoredArticle
	selectBundleFunc func(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error)
}

func (m *mockPublicSelector) Select(_ context.Context, _ model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error) {
	m.selectCalls++
	m.lastOpts = opts
	return m.articles, nil
}

func (m *mockPublicSelector) SelectBundle(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error) {
	m.lastBundleFeeds = feeds
	m.lastOpts = opts
	if m.selectBundleFunc != nil {
		return m.selectBundleFunc(ctx, feeds, opts)
	}
	return m.articles, nil
}

// mockRenderCollector はフィードレンダリングの記録のみ検証するモック。
type mockRenderCollector struct {
	renders []string
}

func (m *mockRenderCollector) RecordPlannerRun(int)                        {}
func (m *mockRenderCollector) RecordDelivery(string, bool)                 {}
func (m *mockRenderCollector) RecordDeliveryLatency(string, time.Duration) {}
func (m *mockRenderCollector) RecordDeadLetter(string)                     {}
func (m *mockRenderCollector) RecordHTTPStatus(int)                        {}

func (m *mockRenderCollector) RecordFeedRender(format string, cacheHit bool) {
	key := format + ":miss"
	if cacheHit {
		key = format + ":hit"
	}
	m.renders = append(m.renders, key)
}

// publicFixture は公開エンドポイントのテスト用依存一式。
type publicFixture struct {
	feedRepo   *mockPublicFeedRepo
	bundleRepo *mockPublicBundleRepo
	articles   *mockPublicSelector
	collector  *mockRenderCollector
	router     http.Handler
}

func newPublicFixture(t *testing.T, ttl time.Duration) *publicFixture {
	t.Helper()

	published := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f := &publicFixture{
		feedRepo: &mockPublicFeedRepo{
			findBySlugFunc: func(_ context.Context, slug string) (*model.Feed, error) {
				if slug == "k9x2mw4q" {
					return sampleFeed("feed-1", slug), nil
				}
				return nil, nil
			},
			findActiveByIDsFunc: func(_ context.Context, ids []string) ([]*model.Feed, error) {
				feeds := make([]*model.Feed, len(ids))
				for i, id := range ids {
					feeds[i] = sampleFeed(id, "slug-"+id)
				}
				return feeds, nil
			},
		},
		bundleRepo: &mockPublicBundleRepo{
			findBySlugFunc: func(_ context.Context, slug string) (*model.Bundle, error) {
				if slug == "m3p8xq1z" {
					return sampleBundle("bundle-1", slug), nil
				}
				return nil, nil
			},
			listMemberFeedIDsFunc: func(_ context.Context, _ string) ([]string, error) {
				return []string{"feed-1", "feed-2"}, nil
			},
		},
		articles: &mockPublicSelector{
			articles: []model.ScoredArticle{
				{Article: &model.Article{ID: "art-1", Title: "Go 1.25 Released", URL: "https://example.com/go", PublishedAt: published}},
			},
		},
		collector: &mockRenderCollector{},
	}

	h := NewPublicHandler(f.feedRepo, f.bundleRepo, f.articles, cache.New(ttl), f.collector, "https://news.example.com")
	r := chi.NewRouter()
	r.Get("/feeds/{slug}", h.GetFeed)
	r.Get("/bundles/{slug}", h.GetBundle)
	f.router = r
	return f
}

func TestPublicHandler_GetFeed_JSON(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/feeds/k9x2mw4q", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスが一致しません: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Typeが一致しません: %s", ct)
	}

	var out struct {
		Feed struct {
			Slug string `json:"slug"`
		} `json:"feed"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if out.Feed.Slug != "k9x2mw4q" {
		t.Errorf("スラッグが一致しません: %s", out.Feed.Slug)
	}
	if out.Count != 1 {
		t.Errorf("件数が一致しません: %d", out.Count)
	}
}

func TestPublicHandler_GetFeed_QueryOverrides(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/feeds/k9x2mw4q?limit=5&since=2025-06-01T00:00:00Z&sort=relevance", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスが一致しません: %d", w.Code)
	}
	if f.articles.lastOpts.Limit != 5 {
		t.Errorf("limitが一致しません: %d", f.articles.lastOpts.Limit)
	}
	if f.articles.lastOpts.Sort != model.SortByRelevance {
		t.Errorf("sortが一致しません: %s", f.articles.lastOpts.Sort)
	}
	if f.articles.lastOpts.Since == nil || !f.articles.lastOpts.Since.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("sinceが一致しません: %v", f.articles.lastOpts.Since)
	}
}

func TestPublicHandler_GetFeed_LimitCapped(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/feeds/k9x2mw4q?limit=500", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if f.articles.lastOpts.Limit != maxPublicLimit {
		t.Errorf("limitの上限が効いていません: %d", f.articles.lastOpts.Limit)
	}
}

func TestPublicHandler_GetFeed_NotFound(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/feeds/unknown", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("ステータスが一致しません: %d", w.Code)
	}
}

func TestPublicHandler_GetFeed_InvalidFormat(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/feeds/k9x2mw4q?format=yaml", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("ステータスが一致しません: %d", w.Code)
	}
}

func TestPublicHandler_GetFeed_InvalidSort(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/feeds/k9x2mw4q?sort=alphabetical", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("ステータスが一致しません: %d", w.Code)
	}
}

func TestPublicHandler_GetFeed_CacheHit(t *testing.T) {
	f := newPublicFixture(t, 5*time.Minute)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/feeds/k9x2mw4q", nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスが一致しません: %d", w.Code)
		}
	}

	// 2回目はキャッシュから返り、セレクタは1回しか呼ばれない
	if f.articles.selectCalls != 1 {
		t.Errorf("セレクタの呼び出し回数が一致しません: %d", f.articles.selectCalls)
	}
	want := []string{"json:miss", "json:hit"}
	if diff := cmp.Diff(want, f.collector.renders); diff != "" {
		t.Errorf("レンダリング記録が一致しません (-want +got):\n%s", diff)
	}
}

func TestPublicHandler_GetFeed_DifferentParamsMissCache(t *testing.T) {
	f := newPublicFixture(t, 5*time.Minute)

	for _, target := range []string{"/feeds/k9x2mw4q?limit=5", "/feeds/k9x2mw4q?limit=10"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
	}

	if f.articles.selectCalls != 2 {
		t.Errorf("パラメータが異なるのにキャッシュが共有されています: %d", f.articles.selectCalls)
	}
}

func TestPublicHandler_GetBundle_RSS(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/bundles/m3p8xq1z", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスが一致しません: %d", w.Code)
	}
	// バンドルのデフォルトフォーマットはRSS
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Content-Typeが一致しません: %s", ct)
	}
	if !strings.Contains(w.Body.String(), "Go 1.25 Released") {
		t.Errorf("記事タイトルが出力に含まれていません: %s", w.Body.String())
	}
	if len(f.articles.lastBundleFeeds) != 2 {
		t.Errorf("メンバーフィード数が一致しません: %d", len(f.articles.lastBundleFeeds))
	}
}

func TestPublicHandler_GetBundle_NotFound(t *testing.T) {
	f := newPublicFixture(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/bundles/unknown", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("ステータスが一致しません: %d", w.Code)
	}
}
