package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/bizgate/pkg/httpclient"
)

const testJWTSecret = "test-jwt-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// signToken はテスト用のHS256トークンを生成する。
func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// validClaims は有効期限内のクレームを返す。
func validClaims(userID, companyID string) Claims {
	return Claims{
		UserID:    userID,
		CompanyID: companyID,
		Role:      "member",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

// newAuthority は固定の応答を返す認証サービスを起動する。
func newAuthority(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// closedAuthorityURL は接続を拒否するURLを返す。
func closedAuthorityURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := ts.URL
	ts.Close()
	return u
}

// newTestResolver はテスト用のResolverを生成する。
func newTestResolver(baseURL string, cache Cache) *Resolver {
	return NewResolver(httpclient.New(baseURL, time.Second), cache)
}
