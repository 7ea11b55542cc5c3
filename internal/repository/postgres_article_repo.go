package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ksaito/newsrelay/internal/model"
)

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
// 記事ストアへの読み取り専用クエリのみを提供する。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

const articleColumns = `id, title, url, source_name, author, excerpt, topics,
	        category, language, published_at, created_at`

// ListMatching はクエリ条件に一致する記事を公開日時の降順で返す。
// 条件はWHERE句として動的に組み立てる。キーワードはtitle/excerpt/contentの
// ILIKE部分一致（包含はOR結合、除外はAND結合）。
func (r *PostgresArticleRepo) ListMatching(ctx context.Context, q ArticleQuery) ([]*model.Article, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Topics) > 0 {
		conds = append(conds, fmt.Sprintf("topics && %s", arg(pq.Array(q.Topics))))
	}
	if len(q.ExcludeTopics) > 0 {
		conds = append(conds, fmt.Sprintf("NOT (topics && %s)", arg(pq.Array(q.ExcludeTopics))))
	}
	if len(q.Categories) > 0 {
		conds = append(conds, fmt.Sprintf("category = ANY(%s)", arg(pq.Array(q.Categories))))
	}
	if len(q.Sources) > 0 {
		conds = append(conds, fmt.Sprintf("source_name = ANY(%s)", arg(pq.Array(q.Sources))))
	}
	if len(q.ExcludeSources) > 0 {
		conds = append(conds, fmt.Sprintf("source_name != ALL(%s)", arg(pq.Array(q.ExcludeSources))))
	}
	if q.Language != "" {
		conds = append(conds, fmt.Sprintf("language = %s", arg(q.Language)))
	}
	if len(q.Keywords) > 0 {
		var ors []string
		for _, kw := range q.Keywords {
			p := arg("%" + kw + "%")
			ors = append(ors, fmt.Sprintf("(title ILIKE %s OR excerpt ILIKE %s OR content ILIKE %s)", p, p, p))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	for _, kw := range q.ExcludeKeywords {
		p := arg("%" + kw + "%")
		conds = append(conds, fmt.Sprintf("NOT (title ILIKE %s OR excerpt ILIKE %s OR content ILIKE %s)", p, p, p))
	}
	if !q.OldestPublished.IsZero() {
		conds = append(conds, fmt.Sprintf("published_at >= %s", arg(q.OldestPublished)))
	}
	if q.Since != nil {
		conds = append(conds, fmt.Sprintf("published_at > %s", arg(*q.Since)))
	}
	if q.ExcludeReadBy != "" {
		conds = append(conds, fmt.Sprintf(
			"id NOT IN (SELECT article_id FROM reading_history WHERE user_id = %s)", arg(q.ExcludeReadBy)))
	}

	query := "SELECT " + articleColumns + " FROM articles"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY published_at DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", arg(q.Limit))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事の検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var articles []*model.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事の読み取りに失敗しました: %w", err)
	}

	return articles, nil
}

// FindByIDs は指定IDの記事をまとめて取得する。見つからないIDは結果に含まれない。
func (r *PostgresArticleRepo) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Article, error) {
	result := make(map[string]*model.Article, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+articleColumns+" FROM articles WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("記事のID検索に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		result[article.ID] = article
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事の読み取りに失敗しました: %w", err)
	}

	return result, nil
}

// scanArticle は1行分の記事をスキャンする。
func scanArticle(rows *sql.Rows) (*model.Article, error) {
	article := &model.Article{}
	var author, excerpt, category sql.NullString

	err := rows.Scan(
		&article.ID, &article.Title, &article.URL, &article.SourceName,
		&author, &excerpt, pq.Array(&article.Topics),
		&category, &article.Language, &article.PublishedAt, &article.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("記事のスキャンに失敗しました: %w", err)
	}

	article.Author = nullStringValue(author)
	article.Excerpt = nullStringValue(excerpt)
	article.Category = nullStringValue(category)

	return article, nil
}
