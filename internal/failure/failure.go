// Package failure は下流サービスへの転送で発生したトランスポート障害を
// クライアント向けの安定したエラーコードへ変換する。
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/nao1215/bizgate/pkg/apperr"
)

// Kind はトランスポート障害の分類。
type Kind string

// 障害分類の定義。
const (
	// KindRefused は接続拒否または名前解決の失敗。
	KindRefused Kind = "refused"
	// KindTimeout は応答待ちのタイムアウト。
	KindTimeout Kind = "timeout"
	// KindReset は通信途中での接続リセット。
	KindReset Kind = "reset"
	// KindTooLarge はリクエストボディの上限超過。
	KindTooLarge Kind = "too_large"
	// KindCanceled はクライアント切断によるキャンセル。
	KindCanceled Kind = "canceled"
	// KindUnknown は上記のいずれにも該当しない障害。
	KindUnknown Kind = "unknown"
)

// 再試行までの推奨秒数。
const (
	retryAfterUnavailable = 30
	retryAfterReset       = 5
)

// Classify はエラーを障害分類に振り分ける。
// 判定はerrors.Is/errors.Asでラップされたエラーを辿って行う。
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return KindTooLarge
	}
	// キャンセルはタイムアウトより先に判定する
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindRefused
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return KindReset
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// Translate はトランスポート障害を1つのapperr.Errorに変換する。
// serviceは"crm"のようなサービス名で、エラーコードの接頭辞に使う。
// maxSizeはFILE_TOO_LARGEで返す上限バイト数。
// 元のエラーはCauseに保持され、本番モードではクライアントに返らない。
func Translate(err error, service string, maxSize int64) *apperr.Error {
	prefix := strings.ToUpper(strings.ReplaceAll(service, "-", "_"))

	var out *apperr.Error
	switch Classify(err) {
	case KindRefused:
		out = apperr.New(http.StatusServiceUnavailable,
			prefix+"_SERVICE_UNAVAILABLE",
			fmt.Sprintf("%sサービスに接続できません", service)).
			WithRetryAfter(retryAfterUnavailable)
	case KindTimeout:
		out = apperr.New(http.StatusGatewayTimeout,
			prefix+"_SERVICE_TIMEOUT",
			fmt.Sprintf("%sサービスの応答がタイムアウトしました", service))
	case KindReset:
		out = apperr.New(http.StatusBadGateway,
			apperr.CodeConnectionReset,
			"通信中に接続がリセットされました。再試行してください").
			WithRetryAfter(retryAfterReset)
	case KindTooLarge:
		out = apperr.New(http.StatusRequestEntityTooLarge,
			apperr.CodeFileTooLarge,
			"リクエストボディが上限を超えています")
		out.MaxSize = maxSize
	case KindCanceled:
		out = apperr.New(http.StatusBadGateway,
			apperr.CodeRequestCancelled,
			"リクエストが中断されました")
	default:
		out = apperr.New(http.StatusBadGateway,
			prefix+"_SERVICE_ERROR",
			fmt.Sprintf("%sサービスでエラーが発生しました", service))
	}
	return out.WithCause(err)
}
