// Package dispatch はプッシュ配信のペイロード構築と各プラットフォームへの
// 送信を提供する。
package dispatch

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// EventTypeFeedUpdate は新着記事バッチの配信イベント種別。
const EventTypeFeedUpdate = "feed_update"

// SourceKind は配信元の種別を表す。
type SourceKind string

const (
	// SourceFeed はカスタムフィードを配信元とするイベント。
	SourceFeed SourceKind = "feed"
	// SourceBundle はバンドルを配信元とするイベント。
	SourceBundle SourceKind = "bundle"
)

// Envelope はプラットフォーム非依存の配信イベント表現。
// genericプラットフォームではこの構造がそのままJSONボディになる。
type Envelope struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	GeneratedAt time.Time      `json:"generated_at"`
	Source      EnvelopeSource `json:"source"`
	Data        EnvelopeData   `json:"data"`
}

// EnvelopeSource は配信元のフィードまたはバンドルを識別する。
type EnvelopeSource struct {
	ID   string     `json:"id"`
	Kind SourceKind `json:"kind"`
	Name string     `json:"name"`
}

// EnvelopeData は新着記事バッチの内容。
type EnvelopeData struct {
	Count    int            `json:"count"`
	ItemsNew []EnvelopeItem `json:"items_new"`
}

// EnvelopeItem は配信される1記事の表現。
type EnvelopeItem struct {
	ArticleID   string   `json:"article_id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	SourceName  string   `json:"source_name,omitempty"`
	Topics      []string `json:"topics"`
	PublishedAt string   `json:"published_date"`
	Score       *float64 `json:"score,omitempty"`
}

// NewEnvelope は配信元と記事群からエンベロープを構築する。
// 記事の順序は呼び出し側で確定済み（配信アイテムのposition順）とする。
func NewEnvelope(source EnvelopeSource, articles []model.ScoredArticle, generatedAt time.Time) *Envelope {
	items := make([]EnvelopeItem, len(articles))
	for i, sa := range articles {
		topics := sa.Article.Topics
		if topics == nil {
			topics = []string{}
		}
		item := EnvelopeItem{
			ArticleID:   sa.Article.ID,
			Title:       sa.Article.Title,
			URL:         sa.Article.URL,
			SourceName:  sa.Article.SourceName,
			Topics:      topics,
			PublishedAt: sa.Article.PublishedAt.UTC().Format(time.RFC3339),
		}
		if sa.Scored {
			score := sa.Score
			item.Score = &score
		}
		items[i] = item
	}

	return &Envelope{
		ID:          newEventID(),
		Type:        EventTypeFeedUpdate,
		GeneratedAt: generatedAt.UTC(),
		Source:      source,
		Data: EnvelopeData{
			Count:    len(items),
			ItemsNew: items,
		},
	}
}

// Summary はチャット系プラットフォーム向けのテキスト表現を生成する。
// 各記事を1行のタイトル+URLで列挙する。
func (e *Envelope) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "【%s】新着記事 %d件\n", e.Source.Name, e.Data.Count)
	for _, item := range e.Data.ItemsNew {
		fmt.Fprintf(&b, "・%s\n  %s\n", item.Title, item.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// newEventID はevt_プレフィックス付きのイベントIDを生成する。
func newEventID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/randが失敗する環境では時刻ベースにフォールバックする
		return fmt.Sprintf("evt_%016x", time.Now().UnixNano())
	}
	return "evt_" + hex.EncodeToString(buf)
}

// PayloadDigest は記事ID列の決定的なダイジェストを返す。
// (webhook_id, window_end, payload_digest)のユニーク制約で同一バッチの
// 重複プランニングを弾くために使用する。ID列の順序が同じであれば
// 常に同じ値になる。
func PayloadDigest(articleIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(articleIDs, "|")))
	return hex.EncodeToString(sum[:])
}
