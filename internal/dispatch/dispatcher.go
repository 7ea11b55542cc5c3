package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/security"
)

// Outcome は1回の配信試行の結果を表す。
// Messageには配信先URLやトークンを含めない（編集済みエラーのみ）。
type Outcome struct {
	Success    bool
	StatusCode int
	Message    string
}

// redactedError は外部に保存してよい編集済みエラー文字列を生成する。
// HTTPステータス以外の詳細（URL、レスポンスボディ、トークン）は含めない。
func redactedError(platform model.Platform, statusCode int) string {
	return fmt.Sprintf("%s_http_%d", platform, statusCode)
}

// redactedFailure はHTTP到達前の失敗（接続・タイムアウト等）の編集済み表現。
func redactedFailure(platform model.Platform, kind string) string {
	return fmt.Sprintf("%s_%s", platform, kind)
}

// Sender は1つのプラットフォームへの配信実装。
type Sender interface {
	// Send はエンベロープを配信先へ送信する。
	// targetとsecretは復号済みの値を受け取る。
	Send(ctx context.Context, target, secret string, env *Envelope) Outcome
}

// EmailConfig はメール配信の設定。
type EmailConfig struct {
	Provider      string // "mailgun" または "smtp"
	MailgunDomain string
	MailgunAPIKey string
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	From          string
}

// Dispatcher はプラットフォーム別のSenderを束ね、配信を振り分ける。
type Dispatcher struct {
	senders map[model.Platform]Sender
	logger  *slog.Logger
}

// NewDispatcher は全プラットフォームのSenderを構築して束ねる。
// HTTP系の送信はSSRFガードが生成するクライアントを通して行われる。
func NewDispatcher(
	guard security.SSRFGuardService,
	sanitizer security.ContentSanitizerService,
	timeout time.Duration,
	email EmailConfig,
	logger *slog.Logger,
) *Dispatcher {
	safeClient := guard.NewSafeClient(timeout)

	return &Dispatcher{
		senders: map[model.Platform]Sender{
			model.PlatformGeneric:  newHTTPSender(model.PlatformGeneric, safeClient),
			model.PlatformSlack:    newHTTPSender(model.PlatformSlack, safeClient),
			model.PlatformDiscord:  newHTTPSender(model.PlatformDiscord, safeClient),
			model.PlatformTelegram: newTelegramSender(safeClient),
			model.PlatformEmail:    newEmailSender(email, sanitizer, timeout),
		},
		logger: logger,
	}
}

// NewDispatcherWithSenders はテスト用にSenderを差し替えたDispatcherを生成する。
func NewDispatcherWithSenders(senders map[model.Platform]Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{senders: senders, logger: logger}
}

// Dispatch はプラットフォームに応じたSenderで配信を実行する。
func (d *Dispatcher) Dispatch(ctx context.Context, platform model.Platform, target, secret string, env *Envelope) Outcome {
	sender, ok := d.senders[platform]
	if !ok {
		return Outcome{Success: false, Message: redactedFailure(platform, "unsupported")}
	}

	outcome := sender.Send(ctx, target, secret, env)
	if outcome.Success {
		d.logger.Info("配信に成功しました",
			"platform", platform, "event_id", env.ID, "items", env.Data.Count)
	} else {
		d.logger.Warn("配信に失敗しました",
			"platform", platform, "event_id", env.ID, "reason", outcome.Message)
	}
	return outcome
}

// successStatus は2xxステータスかを返す。
func successStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
