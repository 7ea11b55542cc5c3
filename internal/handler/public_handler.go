package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ksaito/newsrelay/internal/cache"
	"github.com/ksaito/newsrelay/internal/format"
	"github.com/ksaito/newsrelay/internal/metrics"
	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/selector"
)

// maxPublicLimit は公開エンドポイントで一度に返す記事数の上限。
const maxPublicLimit = 100

// PublicArticleSelector は公開フィードハンドラーが必要とする記事選択インターフェース。
type PublicArticleSelector interface {
	Select(ctx context.Context, filters model.FeedFilters, opts selector.Options) ([]model.ScoredArticle, error)
	SelectBundle(ctx context.Context, feeds []*model.Feed, opts selector.Options) ([]model.ScoredArticle, error)
}

// PublicHandler は認証不要の公開フィードエンドポイントのHTTPハンドラー。
// スラッグは推測困難なランダム値であり、URLを知っていることが購読許可となる。
type PublicHandler struct {
	feedRepo   repository.FeedRepository
	bundleRepo repository.BundleRepository
	articles   PublicArticleSelector
	cache      *cache.TTLCache
	collector  metrics.MetricsCollector
	baseURL    string
}

// NewPublicHandler はPublicHandlerを生成する。
func NewPublicHandler(
	feedRepo repository.FeedRepository,
	bundleRepo repository.BundleRepository,
	articles PublicArticleSelector,
	renderCache *cache.TTLCache,
	collector metrics.MetricsCollector,
	baseURL string,
) *PublicHandler {
	return &PublicHandler{
		feedRepo:   feedRepo,
		bundleRepo: bundleRepo,
		articles:   articles,
		cache:      renderCache,
		collector:  collector,
		baseURL:    baseURL,
	}
}

// publicQuery はクエリパラメータの解析結果。
type publicQuery struct {
	limit  int
	since  *time.Time
	sort   model.SortMode
	format model.OutputFormat
}

// parsePublicQuery はクエリパラメータを解析・検証する。
// formatの既定値はフィード・バンドル側の設定に従うため呼び出し側で補う。
func parsePublicQuery(r *http.Request, defaultFormat model.OutputFormat) (publicQuery, *model.APIError) {
	q := publicQuery{format: defaultFormat}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			q.limit = n
		}
	}
	if q.limit > maxPublicLimit {
		q.limit = maxPublicLimit
	}

	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			q.since = &t
		}
	}

	if v := r.URL.Query().Get("sort"); v != "" {
		mode := model.SortMode(v)
		if mode != model.SortByDate && mode != model.SortByRelevance {
			return q, model.NewInvalidSortError(v)
		}
		q.sort = mode
	}

	if v := r.URL.Query().Get("format"); v != "" {
		f := model.OutputFormat(v)
		if !model.ValidFormat(f) {
			return q, model.NewInvalidFormatError(v)
		}
		q.format = f
	}

	return q, nil
}

// cacheKey は同一出力を共有できる粒度のキャッシュキーを構築する。
func (q publicQuery) cacheKey(kind, slug string) string {
	since := ""
	if q.since != nil {
		since = q.since.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s/%s?limit=%d&since=%s&sort=%s&format=%s", kind, slug, q.limit, since, q.sort, q.format)
}

// GetFeed は公開フィードを指定フォーマットで出力する。
// GET /feeds/:slug
func (h *PublicHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	f, err := h.feedRepo.FindBySlug(r.Context(), slug)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if f == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(slug))
		return
	}

	q, apiErr := parsePublicQuery(r, f.DefaultFormat)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	key := q.cacheKey("feed", f.Slug)
	if body, contentType, ok := h.cache.Get(key); ok {
		h.recordRender(q.format, true)
		writeRendered(w, contentType, body)
		return
	}

	articles, err := h.articles.Select(r.Context(), f.Filters, selector.Options{
		Limit:  q.limit,
		Since:  q.since,
		Sort:   q.sort,
		UserID: f.UserID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.render(w, q, format.Source{
		Slug:        f.Slug,
		Name:        f.Name,
		Description: f.Description,
		Link:        h.baseURL + "/feeds/" + f.Slug,
	}, key, articles)
}

// GetBundle は公開バンドルを指定フォーマットで出力する。
// GET /bundles/:slug
func (h *PublicHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	b, err := h.bundleRepo.FindBySlug(r.Context(), slug)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if b == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewBundleNotFoundError(slug))
		return
	}

	q, apiErr := parsePublicQuery(r, b.DefaultFormat)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	key := q.cacheKey("bundle", b.Slug)
	if body, contentType, ok := h.cache.Get(key); ok {
		h.recordRender(q.format, true)
		writeRendered(w, contentType, body)
		return
	}

	memberIDs, err := h.bundleRepo.ListMemberFeedIDs(r.Context(), b.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	feeds, err := h.feedRepo.FindActiveByIDs(r.Context(), memberIDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	articles, err := h.articles.SelectBundle(r.Context(), feeds, selector.Options{
		Limit:  q.limit,
		Since:  q.since,
		Sort:   q.sort,
		UserID: b.UserID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.render(w, q, format.Source{
		Slug:        b.Slug,
		Name:        b.Name,
		Description: b.Description,
		Link:        h.baseURL + "/bundles/" + b.Slug,
	}, key, articles)
}

// render はフィード出力をレンダリングしてキャッシュに格納しつつ応答する。
func (h *PublicHandler) render(w http.ResponseWriter, q publicQuery, source format.Source, key string, articles []model.ScoredArticle) {
	body, err := format.Render(q.format, source, articles, time.Now().UTC())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	contentType := format.ContentType(q.format)
	h.cache.Set(key, body, contentType)
	h.recordRender(q.format, false)
	writeRendered(w, contentType, body)
}

func (h *PublicHandler) recordRender(f model.OutputFormat, cacheHit bool) {
	if h.collector != nil {
		h.collector.RecordFeedRender(string(f), cacheHit)
	}
}

func writeRendered(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
