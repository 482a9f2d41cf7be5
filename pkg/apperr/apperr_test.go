package apperr

import (
	"errors"
	"net/http"
	"testing"
)

// TestEnvelope はエンベロープの組み立てを検証する。
func TestEnvelope(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp 10.0.0.1:3002: connect: connection refused")
	err := New(http.StatusServiceUnavailable, "CRM_SERVICE_UNAVAILABLE", "CRMサービスに接続できません").
		WithRetryAfter(30).
		WithCause(cause)

	t.Run("本番モードでは元のエラーを含めないこと", func(t *testing.T) {
		t.Parallel()
		env := err.Envelope("abc123def456", false)
		if env.Success || env.Code != "CRM_SERVICE_UNAVAILABLE" || env.RequestID != "abc123def456" {
			t.Errorf("envelope = %+v", env)
		}
		if env.RetryAfter != 30 {
			t.Errorf("retryAfter = %d, want 30", env.RetryAfter)
		}
		if env.Detail != "" {
			t.Errorf("detail = %q, want empty", env.Detail)
		}
	})

	t.Run("開発モードでは元のエラーを含めること", func(t *testing.T) {
		t.Parallel()
		env := err.Envelope("abc123def456", true)
		if env.Detail != cause.Error() {
			t.Errorf("detail = %q", env.Detail)
		}
	})

	t.Run("Unwrapで元のエラーを取り出せること", func(t *testing.T) {
		t.Parallel()
		if !errors.Is(err, cause) {
			t.Error("errors.Isで元のエラーに到達できない")
		}
	})
}

// TestWithCopies はWith系メソッドが元の値を変更しないことを検証する。
func TestWithCopies(t *testing.T) {
	t.Parallel()

	base := New(http.StatusTooManyRequests, CodeRateLimitExceeded, "リクエストが多すぎます")
	_ = base.WithRetryAfter(60)
	_ = base.WithCause(errors.New("x"))
	if base.RetryAfter != 0 || base.Cause != nil {
		t.Errorf("元のErrorが変更された: %+v", base)
	}
}

// TestStatusOrDefault はステータス未設定時の既定値を検証する。
func TestStatusOrDefault(t *testing.T) {
	t.Parallel()

	if got := (&Error{Code: CodeInternalError}).StatusOrDefault(); got != http.StatusInternalServerError {
		t.Errorf("StatusOrDefault() = %d, want 500", got)
	}
	if got := Internal(nil).StatusOrDefault(); got != http.StatusInternalServerError {
		t.Errorf("Internal().StatusOrDefault() = %d, want 500", got)
	}
}
