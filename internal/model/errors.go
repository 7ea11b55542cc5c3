package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 設定時バリデーションで同期的に返すエラーはすべてこの形式に揃える。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, feed, integration, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInvalidTarget   = "INVALID_TARGET"
	ErrCodeSSRFBlocked     = "SSRF_BLOCKED"
	ErrCodeInvalidBotToken = "INVALID_BOT_TOKEN"
	ErrCodeInvalidPlatform = "INVALID_PLATFORM"
	ErrCodeInvalidScope    = "INVALID_SCOPE"
	ErrCodeFeedNotFound    = "FEED_NOT_FOUND"
	ErrCodeBundleNotFound  = "BUNDLE_NOT_FOUND"
	ErrCodeWebhookNotFound = "WEBHOOK_NOT_FOUND"
	ErrCodeDuplicateMember = "DUPLICATE_BUNDLE_MEMBER"
	ErrCodeResourceLimit   = "RESOURCE_LIMIT"
	ErrCodeInvalidFormat   = "INVALID_FORMAT"
	ErrCodeInvalidSort     = "INVALID_SORT"
)

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "APIキーが無効または失効しています。",
		Category: "auth",
		Action:   "有効なAPIキーをX-API-Keyヘッダに指定してください。",
	}
}

// NewInvalidTargetError は配信先バリデーション失敗エラーを生成する。
func NewInvalidTargetError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTarget,
		Message:  fmt.Sprintf("配信先が無効です: %s", reason),
		Category: "validation",
		Action:   "プラットフォームに応じた正しい配信先を指定してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定された配信先へのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開ネットワーク上のHTTPSエンドポイントを指定してください。プライベートIPやローカルホストへの配信は許可されていません。",
	}
}

// NewInvalidBotTokenError はTelegramボットトークン不正エラーを生成する。
func NewInvalidBotTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBotToken,
		Message:  "Telegramボットトークンの形式が不正です。",
		Category: "validation",
		Action:   "BotFatherが発行した形式（数字:英数35文字）のトークンをsecretに指定してください。",
	}
}

// NewInvalidPlatformError はプラットフォーム不正エラーを生成する。
func NewInvalidPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "generic、slack、discord、telegram、emailのいずれかを指定してください。",
	}
}

// NewInvalidScopeError はフィード/バンドル指定の排他違反エラーを生成する。
func NewInvalidScopeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidScope,
		Message:  "Webhookにはfeed_idまたはbundle_idのどちらか一方のみを指定してください。",
		Category: "validation",
		Action:   "配信対象をフィードかバンドルのいずれか1つに限定してください。",
	}
}

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "feed",
		Action:   "フィードIDを確認してください。",
	}
}

// NewBundleNotFoundError はバンドル未検出エラーを生成する。
func NewBundleNotFoundError(bundleID string) *APIError {
	return &APIError{
		Code:     ErrCodeBundleNotFound,
		Message:  fmt.Sprintf("指定されたバンドルが見つかりません: %s", bundleID),
		Category: "feed",
		Action:   "バンドルIDを確認してください。",
	}
}

// NewWebhookNotFoundError はWebhook未検出エラーを生成する。
func NewWebhookNotFoundError(webhookID string) *APIError {
	return &APIError{
		Code:     ErrCodeWebhookNotFound,
		Message:  fmt.Sprintf("指定されたWebhookが見つかりません: %s", webhookID),
		Category: "integration",
		Action:   "WebhookのIDを確認してください。",
	}
}

// NewDuplicateMemberError はバンドルへの重複フィード追加エラーを生成する。
func NewDuplicateMemberError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateMember,
		Message:  "このフィードは既にバンドルに含まれています。",
		Category: "validation",
		Action:   "バンドルのメンバー一覧を確認してください。",
	}
}

// NewResourceLimitError はリソース上限エラーを生成する。
func NewResourceLimitError(resource string, limit int) *APIError {
	return &APIError{
		Code:     ErrCodeResourceLimit,
		Message:  fmt.Sprintf("%sの作成数が上限（%d件）に達しています。", resource, limit),
		Category: "validation",
		Action:   "不要なリソースを削除してから再度作成してください。",
	}
}

// NewInvalidFormatError は出力フォーマット不正エラーを生成する。
func NewInvalidFormatError(format string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFormat,
		Message:  fmt.Sprintf("未対応の出力フォーマットです: %s", format),
		Category: "validation",
		Action:   "json、rss、atomのいずれかを指定してください。",
	}
}

// NewInvalidSortError はソート指定不正エラーを生成する。
func NewInvalidSortError(sort string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSort,
		Message:  fmt.Sprintf("未対応のソート指定です: %s", sort),
		Category: "validation",
		Action:   "dateまたはrelevanceを指定してください。",
	}
}
