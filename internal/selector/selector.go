// Package selector はフィルタ条件に基づく記事の選択・スコアリング・整列を行う。
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/scorer"
)

// maxOversample は関連度スコアリング時に取得する記事数の上限。
// スコアリング後の足切りを見込んでlimitの3倍まで多めに取得するが、
// スコアリングサービスへの負荷を抑えるためこの値で頭打ちにする。
const maxOversample = 200

// Options は選択時の上書きパラメータ。ゼロ値はフィルタ設定に従う。
type Options struct {
	// Limit は返却する記事数の上限。0の場合はフィルタのLimitを使う。
	Limit int
	// Since は公開日時の下限（排他的）。Webhookのカーソルまたは
	// フィード購読側のincremental取得で使用する。
	Since *time.Time
	// Sort は並び順の上書き。空の場合はフィルタのSortModeを使う。
	Sort model.SortMode
	// UserID は既読除外とスコアリングの対象ユーザー。既読除外は
	// フィルタのExcludeReadが有効な場合のみ参照される。
	UserID string
}

// Selector は記事の選択処理を提供する。
type Selector struct {
	articles repository.ArticleRepository
	scorer   scorer.Service
	logger   *slog.Logger
}

// New はSelectorを生成する。
func New(articles repository.ArticleRepository, sc scorer.Service, logger *slog.Logger) *Selector {
	return &Selector{articles: articles, scorer: sc, logger: logger}
}

// Select はフィルタ条件に一致する記事を選択して返す。
//
// 関連度ソートまたはMinScoreが設定されている場合は、足切りを見込んで
// limitの3倍（上限maxOversample）を取得し、スコア付与後にMinScore未満を
// 除外してから整列・切り詰めを行う。スコアリングサービスが無効または
// 失敗した場合は足切りせず新着順にフォールバックする。
func (s *Selector) Select(ctx context.Context, filters model.FeedFilters, opts Options) ([]model.ScoredArticle, error) {
	filters = filters.Normalize()

	limit := opts.Limit
	if limit <= 0 {
		limit = filters.Limit
	}

	sortMode := opts.Sort
	if sortMode == "" {
		sortMode = filters.SortMode
	}

	// MinScoreによる足切りは関連度ソートでなくてもスコア付与を必要とする
	needsScoring := sortMode == model.SortByRelevance || filters.MinScore > 0
	useScoring := needsScoring && s.scorer.Enabled()

	fetchLimit := limit
	if useScoring {
		fetchLimit = limit * 3
		if fetchLimit > maxOversample {
			fetchLimit = maxOversample
		}
	}

	query := buildQuery(filters, opts, fetchLimit)
	articles, err := s.articles.ListMatching(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("記事の検索に失敗しました: %w", err)
	}

	var scored []model.ScoredArticle
	if useScoring {
		scored = s.scorer.Score(ctx, opts.UserID, articles, filters)
		scored = cutBelowMinScore(scored, filters.MinScore)
	} else {
		scored = make([]model.ScoredArticle, len(articles))
		for i, a := range articles {
			scored[i] = model.ScoredArticle{Article: a}
		}
	}

	sortArticles(scored, sortMode)

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SelectBundle はバンドルのメンバーフィード群から記事を選択して返す。
// 各フィードの選択結果を記事IDで重複排除した和集合を作り、同一記事が
// 複数フィードに現れた場合は最大スコアを採用する。整列と切り詰めは
// マージ後に一括で行う。
func (s *Selector) SelectBundle(ctx context.Context, feeds []*model.Feed, opts Options) ([]model.ScoredArticle, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = model.DefaultFilters().Limit
	}

	sortMode := opts.Sort
	if sortMode == "" {
		sortMode = model.SortByDate
	}

	merged := make(map[string]model.ScoredArticle)
	for _, feed := range feeds {
		perFeed := opts
		perFeed.Limit = limit
		perFeed.Sort = sortMode

		selected, err := s.Select(ctx, feed.Filters, perFeed)
		if err != nil {
			return nil, fmt.Errorf("フィード %s の記事選択に失敗しました: %w", feed.Slug, err)
		}

		for _, sa := range selected {
			existing, ok := merged[sa.Article.ID]
			if !ok || effectiveScore(sa) > effectiveScore(existing) {
				merged[sa.Article.ID] = sa
			}
		}
	}

	result := make([]model.ScoredArticle, 0, len(merged))
	for _, sa := range merged {
		result = append(result, sa)
	}

	sortArticles(result, sortMode)

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// buildQuery はフィルタと上書きオプションからリポジトリクエリを構築する。
func buildQuery(filters model.FeedFilters, opts Options, fetchLimit int) repository.ArticleQuery {
	query := repository.ArticleQuery{
		Topics:          filters.Topics,
		ExcludeTopics:   filters.ExcludeTopics,
		Categories:      filters.Categories,
		Sources:         filters.Sources,
		ExcludeSources:  filters.ExcludeSources,
		Language:        filters.Language,
		Keywords:        filters.Keywords,
		ExcludeKeywords: filters.ExcludeKeywords,
		Since:           opts.Since,
		Limit:           fetchLimit,
	}

	if filters.MaxAgeDays > 0 {
		query.OldestPublished = time.Now().UTC().AddDate(0, 0, -filters.MaxAgeDays)
	}
	if filters.ExcludeRead && opts.UserID != "" {
		query.ExcludeReadBy = opts.UserID
	}
	return query
}

// cutBelowMinScore はスコア付与済みかつMinScore未満の記事を除外する。
// スコアリングが失敗した記事（Scored=false）は除外しない。
func cutBelowMinScore(scored []model.ScoredArticle, minScore float64) []model.ScoredArticle {
	if minScore <= 0 {
		return scored
	}
	kept := scored[:0]
	for _, sa := range scored {
		if sa.Scored && sa.Score < minScore {
			continue
		}
		kept = append(kept, sa)
	}
	return kept
}

// effectiveScore は未スコア記事を0として扱う比較用スコアを返す。
func effectiveScore(sa model.ScoredArticle) float64 {
	if sa.Scored {
		return sa.Score
	}
	return 0
}

// sortArticles は並び順に従って記事を整列する。
// 関連度ソートはスコア降順、同点は公開日時降順。新着順は公開日時降順、
// 同時刻はID昇順で決定的にする。
func sortArticles(scored []model.ScoredArticle, mode model.SortMode) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if mode == model.SortByRelevance {
			sa, sb := effectiveScore(a), effectiveScore(b)
			if sa != sb {
				return sa > sb
			}
		}
		if !a.Article.PublishedAt.Equal(b.Article.PublishedAt) {
			return a.Article.PublishedAt.After(b.Article.PublishedAt)
		}
		return a.Article.ID < b.Article.ID
	})
}
