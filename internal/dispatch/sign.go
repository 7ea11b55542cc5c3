package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// 署名付き配信で使用するHTTPヘッダ名。
const (
	// HeaderSignature はペイロード署名ヘッダ。値はHMAC-SHA256の16進表現。
	HeaderSignature = "X-Webhook-Signature"
	// HeaderTimestamp は送信時刻のUNIX秒タイムスタンプヘッダ。
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Sign はリクエストボディそのものをHMAC-SHA256で署名し16進文字列で返す。
// 受信側は受け取ったボディのバイト列に対して同じ計算を行えば検証できる。
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature は受信側検証の参照実装。署名の一致を定数時間比較で判定する。
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
