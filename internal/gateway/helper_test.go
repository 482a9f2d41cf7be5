package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/internal/config"
	"github.com/spf13/viper"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testHMACSecret はテスト用のゲートウェイ署名鍵。
const testHMACSecret = "test-hmac-secret"

// capturedRequest はモックバックエンドが受信したリクエスト。
type capturedRequest struct {
	method string
	uri    string
	header http.Header
	body   []byte
	req    *http.Request
}

// newAuthority はトークン"abc"のみを受け付けるモック認証サービスを起動する。
func newAuthority(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":{"userId":"u1","companyId":"c1","role":"admin"}}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// newCapturingBackend は受信したリクエストを記録して固定の応答を返すバックエンドを起動する。
func newCapturingBackend(t *testing.T, status int, body string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	ch := make(chan capturedRequest, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- capturedRequest{
			method: r.Method,
			uri:    r.URL.RequestURI(),
			header: r.Header.Clone(),
			body:   b,
			req:    r.Clone(context.Background()),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "X-Internal-Hop")
		w.Header().Set("X-Internal-Hop", "secret")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, ch
}

// newTestServer はテスト用のGatewayサーバーを生成する。
// 全サービスのURLをbackendURLに向け、valuesで設定を上書きする。
func newTestServer(t *testing.T, authorityURL, backendURL string, values map[string]any) *Server {
	t.Helper()

	v := viper.New()
	v.Set("GATEWAY_HMAC_SECRET", testHMACSecret)
	v.Set("AUTH_SERVICE_URL", authorityURL)
	v.Set("APP_ENV", "production")
	for _, name := range config.ServiceNames {
		v.Set(strings.ToUpper(name)+"_SERVICE_URL", backendURL)
	}
	for k, val := range values {
		v.Set(k, val)
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗: %v", err)
	}

	s, err := NewServer(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// doRequest はトークン"abc"付きでリクエストを送信する。
func doRequest(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer abc")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// closedURL は接続を拒否するURLを返す。
func closedURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := ts.URL
	ts.Close()
	return u
}
