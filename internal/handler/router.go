package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksaito/newsrelay/internal/cache"
	"github.com/ksaito/newsrelay/internal/metrics"
	"github.com/ksaito/newsrelay/internal/middleware"
	"github.com/ksaito/newsrelay/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Collector         metrics.MetricsCollector
	APIKeyFinder      middleware.APIKeyFinder
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string

	// 管理API
	FeedService    FeedServiceInterface
	BundleService  BundleServiceInterface
	WebhookService WebhookServiceInterface
	Dispatcher     TestDispatcher

	// 公開フィード
	FeedRepo    repository.FeedRepository
	BundleRepo  repository.BundleRepository
	Articles    PublicArticleSelector
	RenderCache *cache.TTLCache

	// メトリクス公開
	Gatherer prometheus.Gatherer

	BaseURL string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → (APIKey → RateLimit)
//
// 公開フィード・ヘルスチェック・メトリクスは認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Collector))

	feedHandler := NewFeedHandler(deps.FeedService, deps.BaseURL)
	bundleHandler := NewBundleHandler(deps.BundleService, deps.BaseURL)
	webhookHandler := NewWebhookHandler(deps.WebhookService, deps.Dispatcher)
	publicHandler := NewPublicHandler(deps.FeedRepo, deps.BundleRepo, deps.Articles, deps.RenderCache, deps.Collector, deps.BaseURL)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// 公開フィード（スラッグを知っていることが購読許可）
	r.Get("/feeds/{slug}", publicHandler.GetFeed)
	r.Get("/bundles/{slug}", publicHandler.GetBundle)

	// --- APIキー認証が必要なルート ---
	// ミドルウェアスタック: APIKey → RateLimit(General) → RateLimit(Write)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAPIKeyMiddleware(deps.APIKeyFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(deps.RateLimiter.WriteMiddleware())

		// フィード管理
		r.Route("/api/feeds", func(r chi.Router) {
			r.Post("/", feedHandler.CreateFeed)
			r.Get("/", feedHandler.ListFeeds)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", feedHandler.GetFeed)
				r.Patch("/", feedHandler.UpdateFeed)
				r.Delete("/", feedHandler.DeleteFeed)
			})
		})

		// バンドル管理
		r.Route("/api/bundles", func(r chi.Router) {
			r.Post("/", bundleHandler.CreateBundle)
			r.Get("/", bundleHandler.ListBundles)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", bundleHandler.GetBundle)
				r.Patch("/", bundleHandler.UpdateBundle)
				r.Delete("/", bundleHandler.DeleteBundle)

				// メンバー管理
				r.Post("/feeds", bundleHandler.AddMember)
				r.Delete("/feeds/{feedID}", bundleHandler.RemoveMember)
			})
		})

		// Webhook管理
		r.Route("/api/webhooks", func(r chi.Router) {
			r.Post("/", webhookHandler.Create)
			r.Get("/", webhookHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", webhookHandler.Get)
				r.Patch("/", webhookHandler.Update)
				r.Delete("/", webhookHandler.Delete)

				// 配信履歴とテスト配信
				r.Get("/jobs", webhookHandler.History)
				r.Post("/test", webhookHandler.TestSend)
			})
		})
	})

	return r
}
