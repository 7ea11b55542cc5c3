package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ksaito/newsrelay/internal/dispatch"
	"github.com/ksaito/newsrelay/internal/middleware"
	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/webhook"
)

// WebhookServiceInterface はWebhookハンドラーが必要とするサービスインターフェース。
type WebhookServiceInterface interface {
	Create(ctx context.Context, userID string, input webhook.CreateInput) (*model.Webhook, error)
	Get(ctx context.Context, userID, webhookID string) (*model.Webhook, error)
	Update(ctx context.Context, userID, webhookID string, input webhook.UpdateInput) (*model.Webhook, error)
	List(ctx context.Context, userID string) ([]*model.Webhook, error)
	Delete(ctx context.Context, userID, webhookID string) error
	History(ctx context.Context, userID, webhookID string, limit int) ([]*model.DeliveryJob, error)
	Describe(w *model.Webhook) webhook.Info
	Credentials(w *model.Webhook) (target, secret string, err error)
}

// TestDispatcher はテスト配信のためのディスパッチインターフェース。
type TestDispatcher interface {
	Dispatch(ctx context.Context, platform model.Platform, target, secret string, env *dispatch.Envelope) dispatch.Outcome
}

// WebhookHandler はWebhook管理のHTTPハンドラー。
type WebhookHandler struct {
	service    WebhookServiceInterface
	dispatcher TestDispatcher
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(service WebhookServiceInterface, dispatcher TestDispatcher) *WebhookHandler {
	return &WebhookHandler{
		service:    service,
		dispatcher: dispatcher,
	}
}

// webhookCreateRequest はWebhook作成リクエストのボディ。
type webhookCreateRequest struct {
	FeedID          string         `json:"feed_id"`
	BundleID        string         `json:"bundle_id"`
	Platform        model.Platform `json:"platform"`
	Target          string         `json:"target"`
	Secret          string         `json:"secret"`
	IntervalMinutes int            `json:"interval_minutes"`
	MaxFailures     int            `json:"max_failures"`
}

// webhookUpdateRequest はWebhook更新リクエストのボディ。
type webhookUpdateRequest struct {
	Target          *string `json:"target"`
	Secret          *string `json:"secret"`
	IntervalMinutes *int    `json:"interval_minutes"`
	MaxFailures     *int    `json:"max_failures"`
	IsActive        *bool   `json:"is_active"`
}

// webhookResponse はWebhook情報のAPIレスポンス。
// 配信先はマスク済みの形でのみ含まれる。
type webhookResponse struct {
	ID              string         `json:"id"`
	FeedID          string         `json:"feed_id,omitempty"`
	BundleID        string         `json:"bundle_id,omitempty"`
	Platform        model.Platform `json:"platform"`
	TargetMasked    string         `json:"target_masked"`
	HasSecret       bool           `json:"has_secret"`
	IsActive        bool           `json:"is_active"`
	IntervalMinutes int            `json:"interval_minutes"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	FailureCount    int            `json:"failure_count"`
	MaxFailures     int            `json:"max_failures"`
	CreatedAt       time.Time      `json:"created_at"`
}

// jobResponse は配信履歴のAPIレスポンス。
type jobResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ArticleCount int        `json:"article_count"`
	LastError    string     `json:"last_error,omitempty"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Create はWebhook作成を処理する。
// POST /api/webhooks
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req webhookCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	created, err := h.service.Create(r.Context(), userID, webhook.CreateInput{
		FeedID:          req.FeedID,
		BundleID:        req.BundleID,
		Platform:        req.Platform,
		Target:          req.Target,
		Secret:          req.Secret,
		IntervalMinutes: req.IntervalMinutes,
		MaxFailures:     req.MaxFailures,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toWebhookResponse(created))
}

// Get はWebhook詳細を取得する。
// GET /api/webhooks/:id
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	wh, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toWebhookResponse(wh))
}

// Update はWebhookを部分更新する。
// PATCH /api/webhooks/:id
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req webhookUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	updated, err := h.service.Update(r.Context(), userID, chi.URLParam(r, "id"), webhook.UpdateInput{
		Target:          req.Target,
		Secret:          req.Secret,
		IntervalMinutes: req.IntervalMinutes,
		MaxFailures:     req.MaxFailures,
		IsActive:        req.IsActive,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toWebhookResponse(updated))
}

// List はユーザーのWebhook一覧を取得する。
// GET /api/webhooks
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	webhooks, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]webhookResponse, len(webhooks))
	for i, wh := range webhooks {
		out[i] = h.toWebhookResponse(wh)
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

// Delete はWebhookを無効化する。未終端ジョブも連鎖して取り消される。
// DELETE /api/webhooks/:id
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// History はWebhookの配信履歴を取得する。
// GET /api/webhooks/:id/jobs?limit=N
func (h *WebhookHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	jobs, err := h.service.History(r.Context(), userID, chi.URLParam(r, "id"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		out[i] = jobResponse{
			ID:           job.ID,
			Status:       string(job.Status),
			Attempts:     job.Attempts,
			NextRetryAt:  job.NextRetryAt,
			ArticleCount: job.ArticleCount,
			LastError:    job.LastError,
			WindowStart:  job.WindowStart,
			WindowEnd:    job.WindowEnd,
			CreatedAt:    job.CreatedAt,
			UpdatedAt:    job.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// TestSend はWebhookの疎通確認用テスト配信を同期実行する。
// 配信結果はジョブとして記録されず、失敗カウントにも影響しない。
// POST /api/webhooks/:id/test
func (h *WebhookHandler) TestSend(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	wh, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	target, secret, err := h.service.Credentials(wh)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	env := dispatch.NewEnvelope(testEnvelopeSource(wh), []model.ScoredArticle{
		{Article: &model.Article{
			ID:          "test",
			Title:       "配信テスト",
			URL:         "https://example.com/test",
			PublishedAt: time.Now().UTC(),
		}},
	}, time.Now().UTC())

	outcome := h.dispatcher.Dispatch(r.Context(), wh.Platform, target, secret, env)

	statusCode := http.StatusOK
	if !outcome.Success {
		statusCode = http.StatusBadGateway
	}
	writeJSON(w, statusCode, map[string]any{
		"success":     outcome.Success,
		"status_code": outcome.StatusCode,
		"message":     outcome.Message,
	})
}

// testEnvelopeSource はテスト配信用のペイロード配信元を構築する。
func testEnvelopeSource(wh *model.Webhook) dispatch.EnvelopeSource {
	if wh.BundleID != "" {
		return dispatch.EnvelopeSource{ID: wh.BundleID, Kind: dispatch.SourceBundle, Name: "配信テスト"}
	}
	return dispatch.EnvelopeSource{ID: wh.FeedID, Kind: dispatch.SourceFeed, Name: "配信テスト"}
}

// toWebhookResponse はサービス層のマスク済み表現からAPIレスポンスに変換する。
func (h *WebhookHandler) toWebhookResponse(wh *model.Webhook) webhookResponse {
	info := h.service.Describe(wh)
	return webhookResponse{
		ID:              info.ID,
		FeedID:          info.FeedID,
		BundleID:        info.BundleID,
		Platform:        info.Platform,
		TargetMasked:    info.TargetMasked,
		HasSecret:       info.HasSecret,
		IsActive:        info.IsActive,
		IntervalMinutes: info.IntervalMinutes,
		LastTriggeredAt: info.LastTriggeredAt,
		FailureCount:    info.FailureCount,
		MaxFailures:     info.MaxFailures,
		CreatedAt:       info.CreatedAt,
	}
}
