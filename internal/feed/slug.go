package feed

import (
	"strings"

	"github.com/google/uuid"
)

// maxSlugBaseLength はスラッグの名前由来部分の最大長。
const maxSlugBaseLength = 48

// GenerateSlug は表示名からURLセーフなスラッグを生成する。
// 英数字以外はハイフンに置換し、衝突回避のためUUID先頭8文字を付与する。
func GenerateSlug(name string) string {
	base := slugify(name)
	suffix := uuid.NewString()[:8]
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}

// slugify は文字列を小文字の英数字とハイフンのみに正規化する。
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // 先頭のハイフンを抑制
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > maxSlugBaseLength {
		out = strings.TrimSuffix(out[:maxSlugBaseLength], "-")
	}
	return out
}
