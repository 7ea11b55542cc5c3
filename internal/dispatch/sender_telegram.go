package dispatch

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ksaito/newsrelay/internal/model"
)

// telegramAPI はtgbotapi.BotAPIのうち配信に必要な操作のみを抽出した
// インターフェース。テストでの差し替えを可能にする。
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// telegramSender はTelegram Bot API経由のチャット配信。
// ボットトークンはWebhookのシークレットとして保持されるため、
// Sendのたびにトークンからクライアントを構築する。
type telegramSender struct {
	client *http.Client

	// newAPI はトークンからAPIクライアントを生成する。テストで差し替える。
	newAPI func(token string) (telegramAPI, error)
}

func newTelegramSender(client *http.Client) *telegramSender {
	s := &telegramSender{client: client}
	s.newAPI = func(token string) (telegramAPI, error) {
		// NewBotAPIWithClientは初期化時にgetMeを呼び、トークンの有効性を検証する
		return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, s.client)
	}
	return s
}

// Send はチャットIDまたは@ユーザー名宛てにメッセージを送信する。
// targetはチャットID、secretはボットトークン。
func (s *telegramSender) Send(ctx context.Context, target, secret string, env *Envelope) Outcome {
	if secret == "" {
		return Outcome{Success: false, Message: redactedFailure(model.PlatformTelegram, "missing_token")}
	}

	api, err := s.newAPI(secret)
	if err != nil {
		return s.failureOutcome(err)
	}

	text := env.Summary()
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(target, "@") {
		msg = tgbotapi.NewMessageToChannel(target, text)
	} else {
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return Outcome{Success: false, Message: redactedFailure(model.PlatformTelegram, "invalid_chat_id")}
		}
		msg = tgbotapi.NewMessage(chatID, text)
	}
	msg.DisableWebPagePreview = true

	if _, err := api.Send(msg); err != nil {
		return s.failureOutcome(err)
	}
	return Outcome{Success: true, StatusCode: http.StatusOK}
}

// failureOutcome はTelegram APIのエラーを編集済みの結果に変換する。
// APIエラーコード以外の詳細（トークンを含むURL等）は保存しない。
func (s *telegramSender) failureOutcome(err error) Outcome {
	if apiErr, ok := err.(*tgbotapi.Error); ok && apiErr.Code != 0 {
		return Outcome{
			Success:    false,
			StatusCode: apiErr.Code,
			Message:    redactedError(model.PlatformTelegram, apiErr.Code),
		}
	}
	return Outcome{Success: false, Message: redactedFailure(model.PlatformTelegram, "unreachable")}
}
