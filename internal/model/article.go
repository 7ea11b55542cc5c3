// Package model はドメインモデルを定義する。
package model

import "time"

// Article は集約済みニュース記事を表す。
// 記事ストアはインジェスト側パイプラインが管理しており、
// 本システムからは読み取り専用のクエリ対象として扱う。
type Article struct {
	ID          string
	Title       string
	URL         string
	SourceName  string
	Author      string
	Excerpt     string
	Topics      []string
	Category    string
	Language    string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// ScoredArticle は関連度スコア付きの記事を表す。
// スコアリング未実施の場合、Scoredはfalseとなる。
type ScoredArticle struct {
	Article *Article
	Score   float64
	Scored  bool
}
