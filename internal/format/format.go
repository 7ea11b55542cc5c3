// Package format はフィード出力のJSON/RSS 2.0/Atomレンダリングを提供する。
package format

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// Source はレンダリング対象のフィードまたはバンドルのメタ情報。
type Source struct {
	Slug        string
	Name        string
	Description string
	// Link はフィードの購読用URL（BASE_URL + パス）。
	Link string
}

// ContentType は出力フォーマットに対応するContent-Typeヘッダ値を返す。
func ContentType(f model.OutputFormat) string {
	switch f {
	case model.FormatRSS:
		return "application/rss+xml; charset=utf-8"
	case model.FormatAtom:
		return "application/atom+xml; charset=utf-8"
	default:
		return "application/json; charset=utf-8"
	}
}

// Render は指定フォーマットでフィード出力をレンダリングする。
func Render(f model.OutputFormat, source Source, articles []model.ScoredArticle, generatedAt time.Time) ([]byte, error) {
	switch f {
	case model.FormatRSS:
		return renderRSS(source, articles, generatedAt)
	case model.FormatAtom:
		return renderAtom(source, articles, generatedAt)
	case model.FormatJSON:
		return renderJSON(source, articles, generatedAt)
	default:
		return nil, fmt.Errorf("未対応の出力フォーマットです: %s", f)
	}
}

// jsonOutput はJSONフォーマットの出力構造。
type jsonOutput struct {
	Feed        jsonFeedMeta `json:"feed"`
	GeneratedAt time.Time    `json:"generated_at"`
	Count       int          `json:"count"`
	Items       []jsonItem   `json:"items"`
}

type jsonFeedMeta struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type jsonItem struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	SourceName  string   `json:"source_name,omitempty"`
	Author      string   `json:"author,omitempty"`
	Excerpt     string   `json:"excerpt,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	PublishedAt string   `json:"published_at"`
	Score       *float64 `json:"score,omitempty"`
}

func renderJSON(source Source, articles []model.ScoredArticle, generatedAt time.Time) ([]byte, error) {
	out := jsonOutput{
		Feed: jsonFeedMeta{
			Slug:        source.Slug,
			Name:        source.Name,
			Description: source.Description,
		},
		GeneratedAt: generatedAt.UTC(),
		Count:       len(articles),
		Items:       make([]jsonItem, len(articles)),
	}
	for i, sa := range articles {
		item := jsonItem{
			ID:          sa.Article.ID,
			Title:       sa.Article.Title,
			URL:         sa.Article.URL,
			SourceName:  sa.Article.SourceName,
			Author:      sa.Article.Author,
			Excerpt:     sa.Article.Excerpt,
			Topics:      sa.Article.Topics,
			PublishedAt: sa.Article.PublishedAt.UTC().Format(time.RFC3339),
		}
		if sa.Scored {
			score := sa.Score
			item.Score = &score
		}
		out.Items[i] = item
	}
	return json.Marshal(out)
}

// rssDoc はRSS 2.0のXML構造。
type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title   string  `xml:"title"`
	Link    string  `xml:"link"`
	GUID    rssGUID `xml:"guid"`
	PubDate string  `xml:"pubDate"`
	Author  string  `xml:"author,omitempty"`
	Desc    string  `xml:"description,omitempty"`
	Source  string  `xml:"source,omitempty"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

func renderRSS(source Source, articles []model.ScoredArticle, generatedAt time.Time) ([]byte, error) {
	doc := rssDoc{
		Version: "2.0",
		Channel: rssChannel{
			Title:         source.Name,
			Link:          source.Link,
			Description:   source.Description,
			LastBuildDate: generatedAt.UTC().Format(time.RFC1123Z),
			Items:         make([]rssItem, len(articles)),
		},
	}
	for i, sa := range articles {
		doc.Channel.Items[i] = rssItem{
			Title:   sa.Article.Title,
			Link:    sa.Article.URL,
			GUID:    rssGUID{IsPermaLink: false, Value: sa.Article.ID},
			PubDate: sa.Article.PublishedAt.UTC().Format(time.RFC1123Z),
			Author:  sa.Article.Author,
			Desc:    sa.Article.Excerpt,
			Source:  sa.Article.SourceName,
		}
	}
	return marshalXML(doc)
}

// atomDoc はAtom 1.0のXML構造。
type atomDoc struct {
	XMLName  xml.Name    `xml:"feed"`
	XMLNS    string      `xml:"xmlns,attr"`
	Title    string      `xml:"title"`
	ID       string      `xml:"id"`
	Updated  string      `xml:"updated"`
	Subtitle string      `xml:"subtitle,omitempty"`
	Links    []atomLink  `xml:"link"`
	Entries  []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr,omitempty"`
}

type atomEntry struct {
	Title     string      `xml:"title"`
	ID        string      `xml:"id"`
	Updated   string      `xml:"updated"`
	Published string      `xml:"published"`
	Link      atomLink    `xml:"link"`
	Author    *atomPerson `xml:"author,omitempty"`
	Summary   string      `xml:"summary,omitempty"`
}

type atomPerson struct {
	Name string `xml:"name"`
}

func renderAtom(source Source, articles []model.ScoredArticle, generatedAt time.Time) ([]byte, error) {
	doc := atomDoc{
		XMLNS:    "http://www.w3.org/2005/Atom",
		Title:    source.Name,
		ID:       source.Link,
		Updated:  generatedAt.UTC().Format(time.RFC3339),
		Subtitle: source.Description,
		Links: []atomLink{
			{Href: source.Link, Rel: "self"},
		},
		Entries: make([]atomEntry, len(articles)),
	}
	for i, sa := range articles {
		entry := atomEntry{
			Title:     sa.Article.Title,
			ID:        "urn:newsrelay:article:" + sa.Article.ID,
			Updated:   sa.Article.PublishedAt.UTC().Format(time.RFC3339),
			Published: sa.Article.PublishedAt.UTC().Format(time.RFC3339),
			Link:      atomLink{Href: sa.Article.URL},
			Summary:   sa.Article.Excerpt,
		}
		if sa.Article.Author != "" {
			entry.Author = &atomPerson{Name: sa.Article.Author}
		}
		doc.Entries[i] = entry
	}
	return marshalXML(doc)
}

// marshalXML はXML宣言付きでインデント整形したバイト列を返す。
func marshalXML(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("XMLのエンコードに失敗しました: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
