package admission

import (
	"net/http"
	"strings"
)

// Classify はリクエストを操作クラスに振り分ける。
//   - エクスポート/インポート/一括操作: bulk
//   - ファイルアップロード（multipartを含む）: upload
//   - 予約の作成・変更: booking
//   - それ以外: generic
func Classify(method, path, contentType string) Class {
	p := strings.ToLower(path)
	switch {
	case hasSegment(p, "bulk"), hasSegment(p, "export"), hasSegment(p, "import"):
		return ClassBulk
	case hasSegment(p, "upload"), hasSegment(p, "files"),
		strings.HasPrefix(strings.ToLower(contentType), "multipart/"):
		return ClassUpload
	case method != http.MethodGet && method != http.MethodHead &&
		(hasSegment(p, "bookings") || hasSegment(p, "appointments")):
		return ClassBooking
	default:
		return ClassGeneric
	}
}

// hasSegment はパスにsegと一致する区切りがあるかを判定する。
func hasSegment(path, seg string) bool {
	for _, s := range strings.Split(path, "/") {
		if s == seg {
			return true
		}
	}
	return false
}
