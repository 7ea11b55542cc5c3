package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ksaito/newsrelay/internal/feed"
	"github.com/ksaito/newsrelay/internal/middleware"
	"github.com/ksaito/newsrelay/internal/model"
)

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	CreateFeed(ctx context.Context, userID, apiKeyID string, input feed.CreateFeedInput) (*model.Feed, error)
	GetFeed(ctx context.Context, userID, feedID string) (*model.Feed, error)
	UpdateFeed(ctx context.Context, userID, feedID string, input feed.UpdateFeedInput) (*model.Feed, error)
	ListFeeds(ctx context.Context, userID string) ([]*model.Feed, error)
	DeleteFeed(ctx context.Context, userID, feedID string) error
}

// FeedHandler はカスタムフィード管理のHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
	baseURL string
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface, baseURL string) *FeedHandler {
	return &FeedHandler{
		service: service,
		baseURL: baseURL,
	}
}

// feedRequest はフィード作成・更新リクエストのボディ。
type feedRequest struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	Filters     *model.FeedFilters  `json:"filters"`
	Format      *model.OutputFormat `json:"format"`
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	ID            string             `json:"id"`
	Slug          string             `json:"slug"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Filters       model.FeedFilters  `json:"filters"`
	DefaultFormat model.OutputFormat `json:"default_format"`
	PublicURL     string             `json:"public_url"`
	IsActive      bool               `json:"is_active"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// CreateFeed はフィード作成を処理する。
// POST /api/feeds
func (h *FeedHandler) CreateFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	apiKeyID, _ := middleware.APIKeyIDFromContext(r.Context())

	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	input := feed.CreateFeedInput{}
	if req.Name != nil {
		input.Name = *req.Name
	}
	if req.Description != nil {
		input.Description = *req.Description
	}
	if req.Filters != nil {
		input.Filters = *req.Filters
	}
	if req.Format != nil {
		input.Format = *req.Format
	}

	created, err := h.service.CreateFeed(r.Context(), userID, apiKeyID, input)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toFeedResponse(created))
}

// GetFeed はフィード詳細を取得する。
// GET /api/feeds/:id
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	f, err := h.service.GetFeed(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toFeedResponse(f))
}

// UpdateFeed はフィードを部分更新する。
// PATCH /api/feeds/:id
func (h *FeedHandler) UpdateFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	updated, err := h.service.UpdateFeed(r.Context(), userID, chi.URLParam(r, "id"), feed.UpdateFeedInput{
		Name:        req.Name,
		Description: req.Description,
		Filters:     req.Filters,
		Format:      req.Format,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toFeedResponse(updated))
}

// ListFeeds はユーザーのフィード一覧を取得する。
// GET /api/feeds
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	feeds, err := h.service.ListFeeds(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]feedResponse, len(feeds))
	for i, f := range feeds {
		out[i] = h.toFeedResponse(f)
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

// DeleteFeed はフィードを無効化する。
// 依存するWebhookの無効化と未終端ジョブの取り消しも連鎖して行われる。
// DELETE /api/feeds/:id
func (h *FeedHandler) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.DeleteFeed(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// toFeedResponse はmodel.FeedからAPIレスポンスに変換する。
func (h *FeedHandler) toFeedResponse(f *model.Feed) feedResponse {
	return feedResponse{
		ID:            f.ID,
		Slug:          f.Slug,
		Name:          f.Name,
		Description:   f.Description,
		Filters:       f.Filters,
		DefaultFormat: f.DefaultFormat,
		PublicURL:     h.baseURL + "/feeds/" + f.Slug,
		IsActive:      f.IsActive,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}
