// Package scorer は外部の関連度スコアリングサービスへのクライアントを提供する。
//
// スコアリングサービスは任意の外部コンポーネントであり、未設定または
// 応答不能の場合はスコアなしで処理を継続する（グレースフルデグレード）。
// 関連度ソートのフィードは新着順にフォールバックする。
package scorer

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/ksaito/newsrelay/internal/model"
)

// Service は記事の関連度スコアリングのインターフェース。
type Service interface {
	// Score は記事群にフィルタ条件に対する関連度スコアを付与する。
	// userIDはスコアリングサービス側のパーソナライズに使われる（空も可）。
	// サービスが未設定または失敗した場合はScored=falseのまま全記事を返し、
	// エラーは返さない。
	Score(ctx context.Context, userID string, articles []*model.Article, filters model.FeedFilters) []model.ScoredArticle

	// Enabled はスコアリングサービスが設定されているかを返す。
	Enabled() bool
}

// scoreRequest はスコアリングサービスへのリクエストボディ。
type scoreRequest struct {
	UserID   string            `json:"user_id"`
	Articles []scoreArticle    `json:"articles"`
	Criteria model.FeedFilters `json:"criteria"`
}

// scoreArticle はスコアリング対象の記事表現。本文全体は送らない。
type scoreArticle struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Excerpt string   `json:"excerpt,omitempty"`
	Topics  []string `json:"topics,omitempty"`
}

// scoreResponse はスコアリングサービスの応答。
type scoreResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Client はHTTP経由のスコアリングクライアント。
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient はスコアリングクライアントを生成する。
// baseURLが空の場合、Scoreは常にスコアなしで返す。
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Enabled はスコアリングサービスが設定されているかを返す。
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Score は記事群にフィルタ条件に対する関連度スコアを付与する。
// 失敗時はwarningログのみ残し、スコアなしの結果を返す。
func (c *Client) Score(ctx context.Context, userID string, articles []*model.Article, filters model.FeedFilters) []model.ScoredArticle {
	result := make([]model.ScoredArticle, len(articles))
	for i, a := range articles {
		result[i] = model.ScoredArticle{Article: a}
	}

	if !c.Enabled() || len(articles) == 0 {
		return result
	}

	req := scoreRequest{
		UserID:   userID,
		Articles: make([]scoreArticle, len(articles)),
		Criteria: filters,
	}
	for i, a := range articles {
		req.Articles[i] = scoreArticle{
			ID:      a.ID,
			Title:   a.Title,
			Excerpt: a.Excerpt,
			Topics:  a.Topics,
		}
	}

	var resp scoreResponse
	err := requests.URL(c.baseURL).
		Path("/v1/score").
		Client(c.client).
		BodyJSON(&req).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		c.logger.Warn("スコアリングサービスへの問い合わせに失敗したため新着順にフォールバックします",
			"error", err, "articles", len(articles))
		return result
	}

	for i := range result {
		if score, ok := resp.Scores[result[i].Article.ID]; ok {
			result[i].Score = score
			result[i].Scored = true
		}
	}
	return result
}
