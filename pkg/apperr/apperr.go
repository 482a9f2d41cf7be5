// Package apperr はクライアントに返すエラーの語彙とエンベロープ形式を定義する。
//
// ゲートウェイが拒否・失敗したリクエストはすべてErrorEnvelopeとして返される。
// エラーコードはクライアントが分岐に使う安定した識別子であり、変更してはならない。
package apperr

import (
	"fmt"
	"net/http"
)

// エラーコード定義。
const (
	// CodeMissingAuthHeader はAuthorizationヘッダーが存在しないことを表す。
	CodeMissingAuthHeader = "MISSING_AUTH_HEADER"
	// CodeInvalidAuthFormat はAuthorizationヘッダーがBearer形式でないことを表す。
	CodeInvalidAuthFormat = "INVALID_AUTH_FORMAT"
	// CodeEmptyToken はBearerの後ろのトークンが空であることを表す。
	CodeEmptyToken = "EMPTY_TOKEN"
	// CodeInvalidToken はトークンが無効であることを表す。
	CodeInvalidToken = "INVALID_TOKEN"
	// CodeTokenExpired はトークンの有効期限切れを表す。
	CodeTokenExpired = "TOKEN_EXPIRED"
	// CodeIncompleteUserData はuserIdまたはcompanyIdが欠けた認証結果を表す。
	CodeIncompleteUserData = "INCOMPLETE_USER_DATA"
	// CodeAuthServiceError は認証サービスが想定外のステータスを返したことを表す。
	CodeAuthServiceError = "AUTH_SERVICE_ERROR"
	// CodeAuthServiceUnavailable は認証サービスに接続できないことを表す。
	CodeAuthServiceUnavailable = "AUTH_SERVICE_UNAVAILABLE"
	// CodeAuthServiceInvalidResponse は認証サービスの応答形式が不明であることを表す。
	CodeAuthServiceInvalidResponse = "AUTH_SERVICE_INVALID_RESPONSE"
	// CodeAuthTimeout は認証サービスの応答がタイムアウトしたことを表す。
	CodeAuthTimeout = "AUTH_TIMEOUT"
	// CodeRateLimitExceeded はレート制限を超過したことを表す。
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	// CodeConnectionReset は転送中に接続がリセットされたことを表す。
	CodeConnectionReset = "CONNECTION_RESET"
	// CodeFileTooLarge はリクエストボディが上限を超えたことを表す。
	CodeFileTooLarge = "FILE_TOO_LARGE"
	// CodeRequestCancelled はクライアント切断によりリクエストが中断されたことを表す。
	CodeRequestCancelled = "REQUEST_CANCELLED"
	// CodeMissingGatewaySignature はゲートウェイ署名ヘッダーが欠けていることを表す。
	CodeMissingGatewaySignature = "MISSING_GATEWAY_SIGNATURE"
	// CodeInvalidGatewaySignature はゲートウェイ署名が一致しないことを表す。
	CodeInvalidGatewaySignature = "INVALID_GATEWAY_SIGNATURE"
	// CodeGatewaySignatureExpired はゲートウェイ署名の有効期間外であることを表す。
	CodeGatewaySignatureExpired = "GATEWAY_SIGNATURE_EXPIRED"
	// CodeNotFound はルートが存在しないことを表す。
	CodeNotFound = "NOT_FOUND"
	// CodeInternalError は内部エラーを表す。
	CodeInternalError = "INTERNAL_ERROR"
)

// Error はクライアント向けに変換済みのエラー。
// 1つのErrorから必ず1つのEnvelopeが生成される。
type Error struct {
	// Status はHTTPステータスコード。
	Status int
	// Code は安定したエラーコード。
	Code string
	// Message は人間向けのメッセージ。
	Message string
	// RetryAfter は再試行までの推奨秒数。0の場合は付与しない。
	RetryAfter int
	// MaxSize はFILE_TOO_LARGEで返す上限バイト数。
	MaxSize int64
	// Cause は元のエラー。開発モード以外ではクライアントに返さない。
	Cause error
}

// New は新しいErrorを生成する。
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRetryAfter は再試行秒数を設定したコピーを返す。
func (e *Error) WithRetryAfter(seconds int) *Error {
	c := *e
	c.RetryAfter = seconds
	return &c
}

// WithCause は元のエラーを設定したコピーを返す。
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Cause = err
	return &c
}

// Envelope はエラー応答のJSON形式。
type Envelope struct {
	// Success は常にfalse。
	Success bool `json:"success"`
	// Code はエラーコード。
	Code string `json:"code"`
	// Message はエラーメッセージ。
	Message string `json:"message"`
	// RequestID は相関用のリクエストID。
	RequestID string `json:"requestId"`
	// RetryAfter は再試行までの秒数。
	RetryAfter int `json:"retryAfter,omitempty"`
	// MaxSize は許容される最大バイト数。
	MaxSize int64 `json:"maxSize,omitempty"`
	// Detail は開発モードでのみ付与される診断情報。
	Detail string `json:"detail,omitempty"`
}

// Envelope はErrorからエンベロープを組み立てる。
// devModeがtrueの場合のみ元のエラー文字列をDetailに含める。
func (e *Error) Envelope(requestID string, devMode bool) Envelope {
	env := Envelope{
		Success:    false,
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		RetryAfter: e.RetryAfter,
		MaxSize:    e.MaxSize,
	}
	if devMode && e.Cause != nil {
		env.Detail = e.Cause.Error()
	}
	return env
}

// StatusOrDefault はStatusが未設定の場合に500を返す。
func (e *Error) StatusOrDefault() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// Internal は内部エラーを生成する。
func Internal(cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalError,
		Message: "内部サーバーエラーが発生しました",
		Cause:   cause,
	}
}
