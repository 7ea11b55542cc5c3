package model

import "time"

// OutputFormat はフィード出力フォーマットを表す。
type OutputFormat string

const (
	// FormatJSON はJSON出力。
	FormatJSON OutputFormat = "json"
	// FormatRSS はRSS 2.0出力。
	FormatRSS OutputFormat = "rss"
	// FormatAtom はAtom出力。
	FormatAtom OutputFormat = "atom"
)

// ValidFormat は出力フォーマットがサポート対象かを返す。
func ValidFormat(f OutputFormat) bool {
	switch f {
	case FormatJSON, FormatRSS, FormatAtom:
		return true
	}
	return false
}

// SortMode は記事の並び順を表す。
type SortMode string

const (
	// SortByDate は公開日時の降順。
	SortByDate SortMode = "date"
	// SortByRelevance は関連度スコアの降順（同点は公開日時降順）。
	SortByRelevance SortMode = "relevance"
)

// FeedFilters はフィードの記事絞り込み条件を表す。
// JSONBカラムにそのまま永続化される。
type FeedFilters struct {
	Topics          []string `json:"topics"`
	ExcludeTopics   []string `json:"exclude_topics"`
	Categories      []string `json:"categories"`
	Keywords        []string `json:"keywords"`
	ExcludeKeywords []string `json:"exclude_keywords"`
	Sources         []string `json:"sources"`
	ExcludeSources  []string `json:"exclude_sources"`
	Language        string   `json:"language"`
	ExcludeRead     bool     `json:"exclude_read"`
	MinScore        float64  `json:"min_score"`
	MaxAgeDays      int      `json:"max_age_days"`
	Limit           int      `json:"limit"`
	SortMode        SortMode `json:"sort_mode"`
}

// DefaultFilters はフィルタのデフォルト値を返す。
func DefaultFilters() FeedFilters {
	return FeedFilters{
		Language:    "en",
		ExcludeRead: true,
		MaxAgeDays:  7,
		Limit:       20,
		SortMode:    SortByDate,
	}
}

// Normalize は未設定のフィルタ項目にデフォルト値を補完する。
func (f FeedFilters) Normalize() FeedFilters {
	if f.Language == "" {
		f.Language = "en"
	}
	if f.MaxAgeDays <= 0 {
		f.MaxAgeDays = 7
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.SortMode != SortByRelevance {
		f.SortMode = SortByDate
	}
	return f
}

// Feed はユーザーが保存した記事フィルタ（カスタムフィード）を表す。
type Feed struct {
	ID            string
	UserID        string
	APIKeyID      string
	Slug          string
	Name          string
	Description   string
	Filters       FeedFilters
	DefaultFormat OutputFormat
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bundle は複数フィードの名前付き合併を表す。
// 記事集合はアクティブなメンバーフィードの和集合を記事IDで重複排除したもの。
type Bundle struct {
	ID            string
	UserID        string
	APIKeyID      string
	Slug          string
	Name          string
	Description   string
	DefaultFormat OutputFormat
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BundleMembership はバンドルとフィードの所属関係を表す。
// (bundle_id, feed_id) はユニーク制約で保護される。
type BundleMembership struct {
	ID       int64
	BundleID string
	FeedID   string
	AddedAt  time.Time
}

// APIKey は統合APIのアクセスキーを表す。
// キー本体は保持せず、SHA-256ハッシュのみを永続化する。
// キーの発行・失効はアカウント管理側の責務であり、本システムは参照のみ行う。
type APIKey struct {
	ID        string
	UserID    string
	KeyHash   string
	KeyPrefix string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}
