package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/metrics"
	"github.com/nao1215/bizgate/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestAuthenticator_Authenticate は2段階の身元解決を検証する。
func TestAuthenticator_Authenticate(t *testing.T) {
	t.Parallel()

	t.Run("認証サービスが応答した場合はremoteで解決されること", func(t *testing.T) {
		t.Parallel()

		ts := newAuthority(t, http.StatusOK, `{"data":{"userId":"u1","companyId":"c1","role":"admin"}}`)
		a := NewAuthenticator(newTestResolver(ts.URL, nil), NewFallback(testJWTSecret, nil), nil)

		res := a.Authenticate(context.Background(), "Bearer abc", Forwarded{})
		if res.Err != nil {
			t.Fatalf("予期しないエラー: %v", res.Err)
		}
		if res.Source != SourceRemote || res.Principal.UserID != "u1" {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("認証サービスの401はローカル検証に進まないこと", func(t *testing.T) {
		t.Parallel()

		ts := newAuthority(t, http.StatusUnauthorized, `{}`)
		a := NewAuthenticator(newTestResolver(ts.URL, nil), NewFallback(testJWTSecret, nil), nil)

		// ローカルでは有効なトークンでも拒否される
		token := signToken(t, testJWTSecret, validClaims("u1", "c1"))
		res := a.Authenticate(context.Background(), "Bearer "+token, Forwarded{})
		if res.Err == nil || res.Err.Code != apperr.CodeInvalidToken {
			t.Fatalf("err = %v, want INVALID_TOKEN", res.Err)
		}
		if res.Source != SourceRemote {
			t.Errorf("Source = %q, want remote", res.Source)
		}
	})

	t.Run("接続拒否時はローカル検証で解決されること", func(t *testing.T) {
		t.Parallel()

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		a := NewAuthenticator(newTestResolver(closedAuthorityURL(t), nil), NewFallback(testJWTSecret, nil), m)

		token := signToken(t, testJWTSecret, validClaims("u1", "c1"))
		res := a.Authenticate(context.Background(), "Bearer "+token, Forwarded{})
		if res.Err != nil {
			t.Fatalf("予期しないエラー: %v", res.Err)
		}
		if res.Source != SourceFallback || res.Principal.CompanyID != "c1" {
			t.Errorf("res = %+v", res)
		}
		if got := testutil.ToFloat64(m.AuthOutcomes.WithLabelValues("remote", apperr.CodeAuthServiceUnavailable)); got != 1 {
			t.Errorf("remote失敗の記録 = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.AuthOutcomes.WithLabelValues("fallback", "OK")); got != 1 {
			t.Errorf("fallback成功の記録 = %v, want 1", got)
		}
	})

	t.Run("認証サービスの5xx時もローカル検証に進むこと", func(t *testing.T) {
		t.Parallel()

		ts := newAuthority(t, http.StatusServiceUnavailable, `{}`)
		a := NewAuthenticator(newTestResolver(ts.URL, nil), NewFallback(testJWTSecret, nil), nil)

		token := signToken(t, "wrong-secret", validClaims("u1", "c1"))
		res := a.Authenticate(context.Background(), "Bearer "+token, Forwarded{})
		if res.Err == nil || res.Err.Code != apperr.CodeInvalidToken || res.Source != SourceFallback {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("フォールバック未設定の場合は不達エラーがそのまま返ること", func(t *testing.T) {
		t.Parallel()

		a := NewAuthenticator(newTestResolver(closedAuthorityURL(t), nil), nil, nil)
		res := a.Authenticate(context.Background(), "Bearer abc", Forwarded{})
		if res.Err == nil || res.Err.Code != apperr.CodeAuthServiceUnavailable || res.Err.RetryAfter != 30 {
			t.Errorf("err = %+v", res.Err)
		}
	})

	t.Run("リモート成功時のキャッシュが障害時のローカル検証で使われること", func(t *testing.T) {
		t.Parallel()

		cache := NewMemoryCache(time.Minute)
		ts := newAuthority(t, http.StatusOK, `{"data":{"userId":"u1","companyId":"c1","role":"admin","permissions":["crm:write"]}}`)
		token := signToken(t, testJWTSecret, validClaims("u1", "c1"))

		online := NewAuthenticator(newTestResolver(ts.URL, cache), nil, nil)
		if res := online.Authenticate(context.Background(), "Bearer "+token, Forwarded{}); res.Err != nil {
			t.Fatalf("予期しないエラー: %v", res.Err)
		}

		offline := NewAuthenticator(newTestResolver(closedAuthorityURL(t), cache), NewFallback(testJWTSecret, cache), nil)
		res := offline.Authenticate(context.Background(), "Bearer "+token, Forwarded{})
		if res.Err != nil || res.Source != SourceFallback {
			t.Fatalf("res = %+v", res)
		}
		if res.Principal.Role != "admin" || len(res.Principal.Permissions) != 1 {
			t.Errorf("キャッシュの属性が使われていない: %+v", res.Principal)
		}
	})
}

// TestAuthenticator_Middleware はGinミドルウェアとしての動作を検証する。
func TestAuthenticator_Middleware(t *testing.T) {
	t.Parallel()

	newRouter := func(a *Authenticator) *gin.Engine {
		r := gin.New()
		r.Use(middleware.RequestScope(nil, false))
		r.Use(a.Middleware())
		r.GET("/me", func(c *gin.Context) {
			p, _ := middleware.GetPrincipal(c)
			c.JSON(http.StatusOK, p)
		})
		return r
	}

	t.Run("認証成功時にPrincipalとX-Auth-Timeが設定されること", func(t *testing.T) {
		t.Parallel()

		ts := newAuthority(t, http.StatusOK, `{"success":true,"data":{"userId":"u1","companyId":"c1","role":"admin"}}`)
		r := newRouter(NewAuthenticator(newTestResolver(ts.URL, nil), nil, nil))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer abc")
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}
		if got := w.Header().Get(HeaderAuthTime); !strings.HasSuffix(got, "ms") {
			t.Errorf("X-Auth-Time = %q", got)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["userId"] != "u1" || body["companyId"] != "c1" || body["role"] != "admin" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("Authorizationヘッダーが無い場合に401エンベロープが返ること", func(t *testing.T) {
		t.Parallel()

		ts := newAuthority(t, http.StatusOK, `{}`)
		r := newRouter(NewAuthenticator(newTestResolver(ts.URL, nil), nil, nil))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード = %d, want 401", w.Code)
		}
		var env apperr.Envelope
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if env.Success || env.Code != apperr.CodeMissingAuthHeader || env.RequestID == "" {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("認証サービス不達時に503とRetry-Afterが返ること", func(t *testing.T) {
		t.Parallel()

		r := newRouter(NewAuthenticator(newTestResolver(closedAuthorityURL(t), nil), nil, nil))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer abc")
		r.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード = %d, want 503", w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != "30" {
			t.Errorf("Retry-After = %q, want 30", got)
		}
		var env apperr.Envelope
		_ = json.Unmarshal(w.Body.Bytes(), &env)
		if env.Code != apperr.CodeAuthServiceUnavailable || env.RetryAfter != 30 {
			t.Errorf("envelope = %+v", env)
		}
	})
}
