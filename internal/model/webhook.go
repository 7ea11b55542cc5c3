package model

import "time"

// Platform はWebhookの配信先プラットフォームを表す。
type Platform string

const (
	// PlatformGeneric は汎用HTTPSエンドポイント。
	PlatformGeneric Platform = "generic"
	// PlatformSlack はSlack Incoming Webhook。
	PlatformSlack Platform = "slack"
	// PlatformDiscord はDiscord Webhook。
	PlatformDiscord Platform = "discord"
	// PlatformTelegram はTelegram Bot API経由のチャット配信。
	PlatformTelegram Platform = "telegram"
	// PlatformEmail はメール配信。
	PlatformEmail Platform = "email"
)

// ValidPlatform はプラットフォームがサポート対象かを返す。
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformGeneric, PlatformSlack, PlatformDiscord, PlatformTelegram, PlatformEmail:
		return true
	}
	return false
}

// HTTPTarget はプラットフォームの配信先がHTTPS URLかを返す。
// telegramはチャットID、emailはメールアドレスが配信先となる。
func (p Platform) HTTPTarget() bool {
	switch p {
	case PlatformGeneric, PlatformSlack, PlatformDiscord:
		return true
	}
	return false
}

// Webhook はフィードまたはバンドルに紐づく定期プッシュ配信設定を表す。
// FeedIDとBundleIDは排他（どちらか一方のみ必須）で、DBのCHECK制約でも保護される。
// 配信先と署名シークレットは暗号化された状態でのみ保持する。
type Webhook struct {
	ID              string
	UserID          string
	FeedID          string // BundleIDと排他
	BundleID        string // FeedIDと排他
	Platform        Platform
	TargetEncrypted string
	SecretEncrypted string
	IsActive        bool
	IntervalMinutes int

	LastTriggeredAt   *time.Time
	LastAttemptedAt   *time.Time
	CursorPublishedAt *time.Time // 最後に配信成功した記事の公開日時
	CursorArticleID   string     // 最後に配信成功した記事のID

	FailureCount int
	MaxFailures  int
	CreatedAt    time.Time
}

// DueAt は次回バッチが実行可能になる時刻を返す。
// アンカーは last_attempted_at、未試行なら created_at。
func (w *Webhook) DueAt() time.Time {
	anchor := w.CreatedAt
	if w.LastAttemptedAt != nil && w.LastAttemptedAt.After(anchor) {
		anchor = *w.LastAttemptedAt
	}
	return anchor.Add(time.Duration(w.IntervalMinutes) * time.Minute)
}

// IsDue は指定時刻においてバッチ実行対象かを返す。
func (w *Webhook) IsDue(now time.Time) bool {
	return w.IsActive && w.FailureCount < w.MaxFailures && !now.Before(w.DueAt())
}
