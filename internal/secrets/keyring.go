// Package secrets は配信先URLやHMACシークレットの保存時暗号化を提供する。
//
// 鍵はbase64エンコードされた32バイトのAES-256鍵で、現行鍵と前世代鍵の
// 2本までを保持する。暗号化は常に現行鍵で行い、復号は新しい鍵から順に
// 試行するため、鍵ローテーション中も旧データを読み続けられる。
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ciphertextPrefix は暗号文形式のバージョン識別子。
const ciphertextPrefix = "v1:"

// ErrDecryptFailed はどの鍵でも復号できなかったことを表す。
// 平文や鍵の内容は含めない。
var ErrDecryptFailed = errors.New("暗号文を復号できませんでした")

// Keyring は現行鍵と前世代鍵を保持する暗号化キーリング。
type Keyring struct {
	aeads []cipher.AEAD // 復号試行順（現行が先頭）
}

// NewKeyring はbase64エンコードされた鍵からキーリングを構築する。
// previousKeyは空文字列で省略できる。
func NewKeyring(currentKey, previousKey string) (*Keyring, error) {
	kr := &Keyring{}

	aead, err := buildAEAD(currentKey)
	if err != nil {
		return nil, fmt.Errorf("現行鍵の読み込みに失敗しました: %w", err)
	}
	kr.aeads = append(kr.aeads, aead)

	if previousKey != "" {
		prev, err := buildAEAD(previousKey)
		if err != nil {
			return nil, fmt.Errorf("前世代鍵の読み込みに失敗しました: %w", err)
		}
		kr.aeads = append(kr.aeads, prev)
	}

	return kr, nil
}

// buildAEAD はbase64鍵文字列からAES-256-GCMのAEADを構築する。
func buildAEAD(encodedKey string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("鍵のbase64デコードに失敗しました: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("鍵長が不正です: 32バイトが必要ですが%dバイトでした", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt は平文を現行鍵で暗号化し、v1:<base64(nonce||ciphertext)>形式で返す。
func (kr *Keyring) Encrypt(plaintext string) (string, error) {
	aead := kr.aeads[0]

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt は暗号文を復号する。現行鍵、前世代鍵の順に試行し、
// いずれでも復号できない場合はErrDecryptFailedを返す。
func (kr *Keyring) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !ok {
		return "", ErrDecryptFailed
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}

	for _, aead := range kr.aeads {
		if len(sealed) < aead.NonceSize() {
			continue
		}
		nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, body, nil)
		if err == nil {
			return string(plaintext), nil
		}
	}

	return "", ErrDecryptFailed
}

// NeedsRotation は暗号文が現行鍵で復号できない（前世代鍵でのみ読める）場合に
// trueを返す。ローテーション後の再暗号化対象の判定に使用する。
func (kr *Keyring) NeedsRotation(ciphertext string) bool {
	encoded, ok := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !ok {
		return false
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}

	aead := kr.aeads[0]
	if len(sealed) < aead.NonceSize() {
		return false
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	_, err = aead.Open(nil, nonce, body, nil)
	return err != nil
}
