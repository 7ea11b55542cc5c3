// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ksaito/newsrelay/internal/model"
)

// apiKeyHeader は認証に使用するリクエストヘッダー名。
const apiKeyHeader = "X-API-Key"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// apiKeyIDContextKey はリクエストコンテキストにAPIキーIDを格納するためのキー。
var apiKeyIDContextKey = contextKey("api_key_id")

// APIKeyFinder はAPIキーの検索に必要なインターフェース。
// repository.APIKeyRepositoryの部分集合として定義する。
type APIKeyFinder interface {
	FindActiveByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
}

// NewAPIKeyMiddleware はX-API-KeyヘッダーのキーをSHA-256ハッシュで照合し、
// 有効性を検証するミドルウェアを返す。
// 認証済みユーザーIDとAPIキーIDをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewAPIKeyMiddleware(keyFinder APIKeyFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(apiKeyHeader)
			if rawKey == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// キー本体は保持しないためハッシュで照合する
			hash := sha256.Sum256([]byte(rawKey))
			apiKey, err := keyFinder.FindActiveByHash(r.Context(), hex.EncodeToString(hash[:]))
			if err != nil {
				slog.Error("failed to find api key",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if apiKey == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, apiKey.UserID)
			ctx = context.WithValue(ctx, apiKeyIDContextKey, apiKey.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// APIキーミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// APIKeyIDFromContext はリクエストコンテキストからAPIキーIDを取得する。
func APIKeyIDFromContext(ctx context.Context) (string, error) {
	keyID, ok := ctx.Value(apiKeyIDContextKey).(string)
	if !ok || keyID == "" {
		return "", fmt.Errorf("api key ID not found in context")
	}
	return keyID, nil
}

// ContextWithIdentity はコンテキストにユーザーIDとAPIキーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, userID, apiKeyID string) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey, userID)
	return context.WithValue(ctx, apiKeyIDContextKey, apiKeyID)
}
