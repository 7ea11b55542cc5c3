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

// BundleServiceInterface はバンドルハンドラーが必要とするサービスインターフェース。
type BundleServiceInterface interface {
	CreateBundle(ctx context.Context, userID, apiKeyID string, input feed.CreateBundleInput) (*model.Bundle, error)
	GetBundle(ctx context.Context, userID, bundleID string) (*model.Bundle, error)
	UpdateBundle(ctx context.Context, userID, bundleID string, input feed.UpdateBundleInput) (*model.Bundle, error)
	ListBundles(ctx context.Context, userID string) ([]*model.Bundle, error)
	DeleteBundle(ctx context.Context, userID, bundleID string) error
	AddBundleMember(ctx context.Context, userID, bundleID, feedID string) error
	RemoveBundleMember(ctx context.Context, userID, bundleID, feedID string) error
	MemberFeeds(ctx context.Context, bundleID string) ([]*model.Feed, error)
}

// BundleHandler はフィードバンドル管理のHTTPハンドラー。
type BundleHandler struct {
	service BundleServiceInterface
	baseURL string
}

// NewBundleHandler はBundleHandlerを生成する。
func NewBundleHandler(service BundleServiceInterface, baseURL string) *BundleHandler {
	return &BundleHandler{
		service: service,
		baseURL: baseURL,
	}
}

// bundleRequest はバンドル作成・更新リクエストのボディ。
type bundleRequest struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	Format      *model.OutputFormat `json:"format"`
	FeedIDs     []string            `json:"feed_ids"`
}

// bundleMemberRequest はメンバー追加リクエストのボディ。
type bundleMemberRequest struct {
	FeedID string `json:"feed_id"`
}

// bundleResponse はバンドル情報のAPIレスポンス。
type bundleResponse struct {
	ID            string             `json:"id"`
	Slug          string             `json:"slug"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	DefaultFormat model.OutputFormat `json:"default_format"`
	PublicURL     string             `json:"public_url"`
	IsActive      bool               `json:"is_active"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// bundleMemberResponse はメンバーフィードのAPIレスポンス。
type bundleMemberResponse struct {
	FeedID string `json:"feed_id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
}

// CreateBundle はバンドル作成を処理する。
// POST /api/bundles
func (h *BundleHandler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	apiKeyID, _ := middleware.APIKeyIDFromContext(r.Context())

	var req bundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	input := feed.CreateBundleInput{FeedIDs: req.FeedIDs}
	if req.Name != nil {
		input.Name = *req.Name
	}
	if req.Description != nil {
		input.Description = *req.Description
	}
	if req.Format != nil {
		input.Format = *req.Format
	}

	created, err := h.service.CreateBundle(r.Context(), userID, apiKeyID, input)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toBundleResponse(created))
}

// GetBundle はバンドル詳細をメンバー一覧付きで取得する。
// GET /api/bundles/:id
func (h *BundleHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	bundle, err := h.service.GetBundle(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	members, err := h.service.MemberFeeds(r.Context(), bundle.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	memberOut := make([]bundleMemberResponse, len(members))
	for i, f := range members {
		memberOut[i] = bundleMemberResponse{FeedID: f.ID, Slug: f.Slug, Name: f.Name}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bundle":  h.toBundleResponse(bundle),
		"members": memberOut,
	})
}

// UpdateBundle はバンドルを部分更新する。
// PATCH /api/bundles/:id
func (h *BundleHandler) UpdateBundle(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req bundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	updated, err := h.service.UpdateBundle(r.Context(), userID, chi.URLParam(r, "id"), feed.UpdateBundleInput{
		Name:        req.Name,
		Description: req.Description,
		Format:      req.Format,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toBundleResponse(updated))
}

// ListBundles はユーザーのバンドル一覧を取得する。
// GET /api/bundles
func (h *BundleHandler) ListBundles(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	bundles, err := h.service.ListBundles(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]bundleResponse, len(bundles))
	for i, b := range bundles {
		out[i] = h.toBundleResponse(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": out})
}

// DeleteBundle はバンドルを無効化する。
// DELETE /api/bundles/:id
func (h *BundleHandler) DeleteBundle(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.DeleteBundle(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AddMember はバンドルにフィードを追加する。
// POST /api/bundles/:id/feeds
func (h *BundleHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req bundleMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.FeedID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewFeedNotFoundError(""))
		return
	}

	if err := h.service.AddBundleMember(r.Context(), userID, chi.URLParam(r, "id"), req.FeedID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RemoveMember はバンドルからフィードを除外する。
// DELETE /api/bundles/:id/feeds/:feedID
func (h *BundleHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.RemoveBundleMember(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "feedID")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// toBundleResponse はmodel.BundleからAPIレスポンスに変換する。
func (h *BundleHandler) toBundleResponse(b *model.Bundle) bundleResponse {
	return bundleResponse{
		ID:            b.ID,
		Slug:          b.Slug,
		Name:          b.Name,
		Description:   b.Description,
		DefaultFormat: b.DefaultFormat,
		PublicURL:     h.baseURL + "/bundles/" + b.Slug,
		IsActive:      b.IsActive,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}
