package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig(generalBurst, writeBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(0.001), // テスト中に補充されない低レート
		GeneralBurst:    generalBurst,
		WriteRate:       rate.Limit(0.001),
		WriteBurst:      writeBurst,
		CleanupInterval: time.Hour,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// TestGeneralMiddleware_AllowsWithinBurst はバースト内のリクエストが通ることを検証する。
func TestGeneralMiddleware_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(3, 3))
	defer rl.Stop()
	mw := rl.GeneralMiddleware()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req = req.WithContext(ContextWithIdentity(req.Context(), "user-1", "key-1"))
		w := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%d回目のリクエストが拒否されました: %d", i+1, w.Code)
		}
	}
}

// TestGeneralMiddleware_RejectsOverBurst はバースト超過で429になることを検証する。
func TestGeneralMiddleware_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 2))
	defer rl.Stop()
	mw := rl.GeneralMiddleware()

	var lastCode int
	var retryAfter string
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req = req.WithContext(ContextWithIdentity(req.Context(), "user-1", "key-1"))
		w := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(w, req)
		lastCode = w.Code
		retryAfter = w.Header().Get("Retry-After")
	}

	if lastCode != http.StatusTooManyRequests {
		t.Errorf("バースト超過が拒否されていません: %d", lastCode)
	}
	if retryAfter == "" {
		t.Error("Retry-Afterヘッダーが設定されていません")
	}
}

// TestGeneralMiddleware_PerUserIsolation はユーザーごとに独立した制限であることを検証する。
func TestGeneralMiddleware_PerUserIsolation(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()
	mw := rl.GeneralMiddleware()

	// user-1 がバーストを使い切る
	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), "user-1", "key-1"))
	mw(okHandler()).ServeHTTP(httptest.NewRecorder(), req)

	// user-2 は影響を受けない
	req2 := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req2 = req2.WithContext(ContextWithIdentity(req2.Context(), "user-2", "key-2"))
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, req2)

	if w.Code != http.StatusOK {
		t.Errorf("別ユーザーのリクエストが拒否されました: %d", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("リミッターのエントリ数が一致しません: %d", rl.GeneralLimiterCount())
	}
}

// TestGeneralMiddleware_Unauthenticated は未認証コンテキストで401になることを検証する。
func TestGeneralMiddleware_Unauthenticated(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 10))
	defer rl.Stop()
	mw := rl.GeneralMiddleware()

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("ステータスが一致しません: %d", w.Code)
	}
}

// TestWriteMiddleware_SkipsReadMethods は読み取り系メソッドが対象外であることを検証する。
func TestWriteMiddleware_SkipsReadMethods(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()
	mw := rl.WriteMiddleware()

	// GETは書き込み制限を消費しない
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
		req = req.WithContext(ContextWithIdentity(req.Context(), "user-1", "key-1"))
		w := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("GETリクエストが拒否されました: %d", w.Code)
		}
	}
	if rl.WriteLimiterCount() != 0 {
		t.Errorf("GETで書き込みリミッターが作成されました: %d", rl.WriteLimiterCount())
	}
}

// TestWriteMiddleware_LimitsWrites は書き込み操作がバーストで制限されることを検証する。
func TestWriteMiddleware_LimitsWrites(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(10, 1))
	defer rl.Stop()
	mw := rl.WriteMiddleware()

	var codes []int
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/feeds", nil)
		req = req.WithContext(ContextWithIdentity(req.Context(), "user-1", "key-1"))
		w := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("書き込み制限が機能していません: %v", codes)
	}
}

// TestCleanup_RemovesStaleEntries は期限切れエントリの掃除を検証する。
func TestCleanup_RemovesStaleEntries(t *testing.T) {
	cfg := testRateLimiterConfig(10, 10)
	cfg.CleanupInterval = time.Nanosecond // TTL = 2ns で即期限切れ
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.getOrCreateGeneralLimiter("user-1")
	time.Sleep(10 * time.Millisecond)
	rl.cleanup()

	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("期限切れエントリが削除されていません: %d", rl.GeneralLimiterCount())
	}
}
