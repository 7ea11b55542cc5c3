package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

// newTestKey はテスト用の32バイト鍵をbase64で返す。
func newTestKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("鍵の生成に失敗: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestKeyring_EncryptDecrypt(t *testing.T) {
	kr, err := NewKeyring(newTestKey(t), "")
	if err != nil {
		t.Fatalf("キーリングの構築に失敗: %v", err)
	}

	plaintext := "https://hooks.example.com/services/T000/B000/secret"
	encrypted, err := kr.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("暗号化に失敗: %v", err)
	}

	if !strings.HasPrefix(encrypted, "v1:") {
		t.Errorf("暗号文にv1:プレフィックスがありません: %s", encrypted)
	}
	if strings.Contains(encrypted, plaintext) {
		t.Error("暗号文に平文が含まれています")
	}

	decrypted, err := kr.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("復号に失敗: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("復号結果が一致しません: got %s, want %s", decrypted, plaintext)
	}
}

func TestKeyring_EncryptIsNonDeterministic(t *testing.T) {
	kr, err := NewKeyring(newTestKey(t), "")
	if err != nil {
		t.Fatalf("キーリングの構築に失敗: %v", err)
	}

	a, _ := kr.Encrypt("same input")
	b, _ := kr.Encrypt("same input")
	if a == b {
		t.Error("同一平文の暗号文が一致しました: nonceが再利用されている可能性があります")
	}
}

func TestKeyring_DecryptWithPreviousKey(t *testing.T) {
	oldKey := newTestKey(t)
	newKey := newTestKey(t)

	oldRing, err := NewKeyring(oldKey, "")
	if err != nil {
		t.Fatalf("旧キーリングの構築に失敗: %v", err)
	}
	encrypted, err := oldRing.Encrypt("rotate me")
	if err != nil {
		t.Fatalf("暗号化に失敗: %v", err)
	}

	// ローテーション後: 新鍵が現行、旧鍵が前世代
	rotated, err := NewKeyring(newKey, oldKey)
	if err != nil {
		t.Fatalf("ローテーション後キーリングの構築に失敗: %v", err)
	}

	decrypted, err := rotated.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("前世代鍵での復号に失敗: %v", err)
	}
	if decrypted != "rotate me" {
		t.Errorf("復号結果が一致しません: got %s", decrypted)
	}

	if !rotated.NeedsRotation(encrypted) {
		t.Error("前世代鍵でのみ読める暗号文がNeedsRotation=falseになりました")
	}

	reEncrypted, err := rotated.Encrypt(decrypted)
	if err != nil {
		t.Fatalf("再暗号化に失敗: %v", err)
	}
	if rotated.NeedsRotation(reEncrypted) {
		t.Error("現行鍵で暗号化した暗号文がNeedsRotation=trueになりました")
	}
}

func TestKeyring_DecryptWithWrongKey(t *testing.T) {
	ringA, err := NewKeyring(newTestKey(t), "")
	if err != nil {
		t.Fatalf("キーリングの構築に失敗: %v", err)
	}
	ringB, err := NewKeyring(newTestKey(t), "")
	if err != nil {
		t.Fatalf("キーリングの構築に失敗: %v", err)
	}

	encrypted, _ := ringA.Encrypt("secret")
	if _, err := ringB.Decrypt(encrypted); err != ErrDecryptFailed {
		t.Errorf("別鍵での復号がErrDecryptFailedになりません: %v", err)
	}
}

func TestKeyring_DecryptMalformed(t *testing.T) {
	kr, err := NewKeyring(newTestKey(t), "")
	if err != nil {
		t.Fatalf("キーリングの構築に失敗: %v", err)
	}

	cases := []string{
		"",
		"not-a-ciphertext",
		"v1:",
		"v1:!!!not-base64!!!",
		"v1:" + base64.StdEncoding.EncodeToString([]byte("short")),
	}
	for _, c := range cases {
		if _, err := kr.Decrypt(c); err != ErrDecryptFailed {
			t.Errorf("不正な暗号文 %q がErrDecryptFailedになりません: %v", c, err)
		}
	}
}

func TestNewKeyring_InvalidKeys(t *testing.T) {
	if _, err := NewKeyring("not-base64!!!", ""); err == nil {
		t.Error("base64でない鍵がエラーになりません")
	}

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewKeyring(short, ""); err == nil {
		t.Error("短すぎる鍵がエラーになりません")
	}

	if _, err := NewKeyring(newTestKey(t), "broken"); err == nil {
		t.Error("不正な前世代鍵がエラーになりません")
	}
}
