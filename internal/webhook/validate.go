package webhook

import (
	"regexp"
	"strings"

	"github.com/ksaito/newsrelay/internal/model"
)

// Telegramの配信先・トークン形式。BotFatherが発行するトークンは
// 「ボットID:35文字の英数」、チャットIDは数値または@ユーザー名。
var (
	telegramTokenPattern  = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{35}$`)
	telegramChatIDPattern = regexp.MustCompile(`^(-?\d{1,20}|@[A-Za-z0-9_]{5,64})$`)
)

// slackとdiscordの公式Webhook URLプレフィックス。
const (
	slackWebhookPrefix   = "https://hooks.slack.com/services/"
	discordWebhookPrefix = "https://discord.com/api/webhooks/"
)

// maxEmailLength はRFC 5321の経路上限に基づくメールアドレスの最大長。
const maxEmailLength = 320

// validateTargetFormat はプラットフォームごとの配信先形式を検証する。
// HTTP系プラットフォームのSSRF検証は呼び出し側が別途行う。
func validateTargetFormat(platform model.Platform, target string) error {
	if target == "" {
		return model.NewInvalidTargetError("配信先は必須です")
	}

	switch platform {
	case model.PlatformSlack:
		if !strings.HasPrefix(target, slackWebhookPrefix) {
			return model.NewInvalidTargetError("Slack Incoming WebhookのURLを指定してください")
		}
	case model.PlatformDiscord:
		if !strings.HasPrefix(target, discordWebhookPrefix) {
			return model.NewInvalidTargetError("Discord WebhookのURLを指定してください")
		}
	case model.PlatformGeneric:
		if !strings.HasPrefix(target, "https://") {
			return model.NewInvalidTargetError("httpsのURLを指定してください")
		}
	case model.PlatformTelegram:
		if !telegramChatIDPattern.MatchString(target) {
			return model.NewInvalidTargetError("TelegramのチャットIDまたは@ユーザー名を指定してください")
		}
	case model.PlatformEmail:
		if len(target) > maxEmailLength || !validEmail(target) {
			return model.NewInvalidTargetError("正しいメールアドレスを指定してください")
		}
	default:
		return model.NewInvalidPlatformError(string(platform))
	}
	return nil
}

// validateSecret はプラットフォームごとのシークレット形式を検証する。
// telegramではボットトークンが必須、他のプラットフォームでは任意。
func validateSecret(platform model.Platform, secret string) error {
	if platform == model.PlatformTelegram {
		if !telegramTokenPattern.MatchString(secret) {
			return model.NewInvalidBotTokenError()
		}
	}
	return nil
}

// validEmail はメールアドレスの最小限の形式検証を行う。
// 厳密なRFC検証は行わず、ローカル部とドメイン部の存在のみ確認する。
func validEmail(addr string) bool {
	at := strings.Index(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return false
	}
	domain := addr[at+1:]
	return strings.Contains(domain, ".") || domain == "localhost"
}

// MaskTarget は配信先の表示用マスクを生成する。
// 復号済み配信先をAPIレスポンスへそのまま含めないための表現で、
// 先頭と末尾の数文字のみを残す。
func MaskTarget(platform model.Platform, target string) string {
	if target == "" {
		return ""
	}

	if platform == model.PlatformEmail {
		at := strings.Index(target, "@")
		if at > 0 {
			local := target[:at]
			if len(local) > 2 {
				local = local[:2] + "***"
			} else {
				local = "***"
			}
			return local + target[at:]
		}
	}

	if len(target) <= 12 {
		return target[:min(4, len(target))] + "***"
	}
	return target[:8] + "***" + target[len(target)-4:]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
