// Package cache はレンダリング済みフィード出力の短期TTLキャッシュを提供する。
//
// フィード出力は公開エンドポイントでポーリングされるため、同一フィード・
// 同一パラメータへの連続アクセスをDBクエリなしで返せるようにする。
// プロセスローカルのキャッシュであり、複数インスタンス間の共有はしない。
package cache

import (
	"sync"
	"time"
)

// entry は1件のキャッシュ項目。
type entry struct {
	value       []byte
	contentType string
	expiresAt   time.Time
}

// TTLCache は固定TTLのスレッドセーフなバイト列キャッシュ。
type TTLCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry

	// now はテストで差し替え可能な現在時刻関数。
	now func() time.Time
}

// New は指定TTLのキャッシュを生成する。ttlが0以下の場合キャッシュは無効となり、
// Getは常にミスする。
func New(ttl time.Duration) *TTLCache {
	return &TTLCache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get はキャッシュ済みの値とContent-Typeを返す。期限切れはミス扱いで削除する。
func (c *TTLCache) Get(key string) (value []byte, contentType string, ok bool) {
	if c.ttl <= 0 {
		return nil, "", false
	}

	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		return nil, "", false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, "", false
	}
	return e.value, e.contentType, true
}

// Set は値をTTL付きで保存する。期限切れ項目の掃除も兼ねて行う。
func (c *TTLCache) Set(key string, value []byte, contentType string) {
	if c.ttl <= 0 {
		return
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry{
		value:       value,
		contentType: contentType,
		expiresAt:   now.Add(c.ttl),
	}
}

// Invalidate は指定キーの項目を削除する。フィード設定の更新時に使用する。
func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len は現在の項目数を返す（テスト用）。
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
