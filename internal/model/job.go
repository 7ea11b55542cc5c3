package model

import "time"

// JobStatus は配信ジョブの状態を表す。
//
// 遷移図:
//
//	pending → processing → {delivered | retry_pending | dead_letter | cancelled}
//	retry_pending → processing （次回リトライ時）
//	pending / retry_pending → cancelled （Webhook無効化時）
//
// delivered / dead_letter / cancelled は終端状態であり、以降の遷移は許可されない。
type JobStatus string

const (
	// JobStatusPending は配信待ち。
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing はワーカーが配信実行中。
	JobStatusProcessing JobStatus = "processing"
	// JobStatusDelivered は配信成功（終端）。
	JobStatusDelivered JobStatus = "delivered"
	// JobStatusRetryPending はバックオフ待機中。
	JobStatusRetryPending JobStatus = "retry_pending"
	// JobStatusDeadLetter はリトライ上限超過による恒久失敗（終端）。
	JobStatusDeadLetter JobStatus = "dead_letter"
	// JobStatusCancelled はWebhook無効化等による取り消し（終端）。
	JobStatusCancelled JobStatus = "cancelled"
)

// jobTransitions は許可された状態遷移の表。
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:      {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing:   {JobStatusDelivered, JobStatusRetryPending, JobStatusDeadLetter, JobStatusCancelled},
	JobStatusRetryPending: {JobStatusProcessing, JobStatusCancelled},
}

// CanTransition は状態遷移が許可されているかを返す。
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal は終端状態かを返す。
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDelivered, JobStatusDeadLetter, JobStatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses は終端状態の一覧を返す。履歴の保持期間掃除で使用する。
func TerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusDelivered, JobStatusDeadLetter, JobStatusCancelled}
}

// DeliveryJob は1つのWebhookに対する1バッチ分の配信ジョブを表す。
// 時間窓は半開区間 [WindowStart, WindowEnd)。
// (webhook_id, window_end, payload_digest) のユニーク制約により
// 同一バッチの重複プランニングは挿入時に弾かれる（冪等性）。
type DeliveryJob struct {
	ID            string
	WebhookID     string
	WindowStart   time.Time
	WindowEnd     time.Time
	Status        JobStatus
	Attempts      int
	NextRetryAt   *time.Time
	PayloadDigest string
	ArticleCount  int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryItem はジョブに含まれた記事を順序付きで記録する。
// 再配信時にも同一ペイロードを決定的に再構築できるようにする。
type DeliveryItem struct {
	ID        int64
	JobID     string
	ArticleID string
	Position  int
	CreatedAt time.Time
}

// retryBackoffMinutes は配信失敗時のバックオフスケジュール（分）。
// 回数がスケジュールを超えた場合は最終値で頭打ちとなる。
var retryBackoffMinutes = []int{1, 5, 15, 60, 240}

// RetryBackoff はattempt回目（1始まり）の失敗後に適用する待機時間を返す。
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(retryBackoffMinutes) {
		idx = len(retryBackoffMinutes) - 1
	}
	return time.Duration(retryBackoffMinutes[idx]) * time.Minute
}
