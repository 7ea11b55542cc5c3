// Package lock はPostgreSQL上のリーステーブルによる分散ロックを提供する。
//
// 複数インスタンスが同時にプランナーを動かしても、リースを獲得した
// 1インスタンスだけがバッチプランニングを実行する。リースにはTTLがあり、
// 保持者がクラッシュしても期限切れ後に他インスタンスが引き継げる。
// 解放はトークン照合付きで行うため、期限切れ後に他者が取得したリースを
// 誤って解放することはない。
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LeaseLock はscheduler_leasesテーブルを使った名前付きリースロック。
type LeaseLock struct {
	db *sql.DB
}

// NewLeaseLock はLeaseLockを生成する。
func NewLeaseLock(db *sql.DB) *LeaseLock {
	return &LeaseLock{db: db}
}

// Acquire は名前付きリースの獲得を試みる。
// 獲得できた場合は解放用トークンとtrueを返す。他インスタンスが有効な
// リースを保持している場合はfalseを返す（エラーではない）。
func (l *LeaseLock) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	now := time.Now().UTC()

	// 未登録または期限切れの場合のみ上書きする
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO scheduler_leases (name, token, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET token = $2, expires_at = $3
		 WHERE scheduler_leases.expires_at <= $4`,
		name, token, now.Add(ttl), now,
	)
	if err != nil {
		return "", false, fmt.Errorf("リースの獲得に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("リース獲得結果の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Renew は保持中リースの期限を延長する。トークンが一致しない場合は
// 失権済みとしてfalseを返す。
func (l *LeaseLock) Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	result, err := l.db.ExecContext(ctx,
		`UPDATE scheduler_leases SET expires_at = $3 WHERE name = $1 AND token = $2`,
		name, token, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("リースの延長に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("リース延長結果の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// Release はトークンが一致する場合のみリースを解放する。
// 期限切れ後に他インスタンスが獲得したリースには作用しない。
func (l *LeaseLock) Release(ctx context.Context, name, token string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE name = $1 AND token = $2`,
		name, token,
	)
	if err != nil {
		return fmt.Errorf("リースの解放に失敗しました: %w", err)
	}
	return nil
}
