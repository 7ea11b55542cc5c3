package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// httpSender はgeneric/slack/discordへのHTTP POST配信。
// genericでは完全なエンベロープJSONを送り、slack/discordでは各プラットフォームの
// メッセージ形式に変換する。シークレットが設定されていればどの形式でも
// ボディに対するHMAC署名ヘッダを付与する。
type httpSender struct {
	platform model.Platform
	client   *http.Client
}

func newHTTPSender(platform model.Platform, client *http.Client) *httpSender {
	return &httpSender{platform: platform, client: client}
}

// slackPayload はSlack Incoming Webhookのメッセージ形式。
// textはblocks非対応クライアント向けのフォールバック。
type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks,omitempty"`
}

// slackBlock はBlock Kitのsectionブロック。
type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

// slackText はmrkdwn形式のテキスト要素。
type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// discordPayload はDiscord Webhookのメッセージ形式。
type discordPayload struct {
	Content string `json:"content"`
}

// Send はエンベロープを配信先URLへPOSTする。
func (s *httpSender) Send(ctx context.Context, target, secret string, env *Envelope) Outcome {
	body, err := s.buildBody(env)
	if err != nil {
		return Outcome{Success: false, Message: redactedFailure(s.platform, "encode_failed")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Outcome{Success: false, Message: redactedFailure(s.platform, "request_failed")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "newsrelay/1.0")

	// 受信側が署名検証できるようタイムスタンプと署名を付与する。
	// 署名対象は送信するボディのバイト列そのもの。
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{Success: false, Message: redactedFailure(s.platform, "unreachable")}
	}
	defer resp.Body.Close()
	// 接続再利用のためボディは読み捨てる
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if !successStatus(resp.StatusCode) {
		return Outcome{
			Success:    false,
			StatusCode: resp.StatusCode,
			Message:    redactedError(s.platform, resp.StatusCode),
		}
	}
	return Outcome{Success: true, StatusCode: resp.StatusCode}
}

// buildBody はプラットフォームごとのリクエストボディを生成する。
func (s *httpSender) buildBody(env *Envelope) ([]byte, error) {
	switch s.platform {
	case model.PlatformSlack:
		return json.Marshal(slackPayload{Text: env.Summary(), Blocks: buildSlackBlocks(env)})
	case model.PlatformDiscord:
		return json.Marshal(discordPayload{Content: env.Summary()})
	default:
		return json.Marshal(env)
	}
}

// buildSlackBlocks はエンベロープをBlock Kitのsectionブロック列に変換する。
// 見出し1ブロック + 記事ごとのmrkdwnリンク1ブロック。
func buildSlackBlocks(env *Envelope) []slackBlock {
	blocks := make([]slackBlock, 0, len(env.Data.ItemsNew)+1)
	blocks = append(blocks, slackBlock{
		Type: "section",
		Text: &slackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*【%s】新着記事 %d件*", env.Source.Name, env.Data.Count),
		},
	})
	for _, item := range env.Data.ItemsNew {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("<%s|%s>", item.URL, item.Title),
			},
		})
	}
	return blocks
}
