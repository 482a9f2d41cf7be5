package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/bizgate/pkg/logging"
	"github.com/nao1215/bizgate/pkg/principal"
	"go.uber.org/zap"
)

// HeaderRequestID はクライアントへ返す相関用のリクエストIDヘッダー。
const HeaderRequestID = "X-Request-ID"

// Ginコンテキストのキー。
const (
	contextKeyRequest   = "request_context"
	contextKeyLogger    = "request_logger"
	contextKeyDevMode   = "dev_mode"
	contextKeyPrincipal = "principal"
)

// RequestContext はリクエスト入口で生成され、全ステージで共有される情報。
type RequestContext struct {
	// RequestID はリクエストごとに1度だけ採番される短いランダムトークン。
	RequestID string
	// Principal は認証済みの呼び出し元。認証前はnil。
	Principal *principal.Principal
	// Path はクライアントが要求したパス。
	Path string
	// Method はHTTPメソッド。
	Method string
	// StartTime はリクエストの受付時刻。
	StartTime time.Time
}

// NewRequestID は12文字の16進リクエストIDを生成する。
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// RequestScope はRequestContextとリクエスト単位のロガーを生成するGinミドルウェアを返す。
// devModeがtrueの場合、エラー応答に診断情報を含める。
func RequestScope(base *zap.Logger, devMode bool) gin.HandlerFunc {
	if base == nil {
		base = zap.NewNop()
	}
	return func(c *gin.Context) {
		rc := &RequestContext{
			RequestID: NewRequestID(),
			Path:      c.Request.URL.Path,
			Method:    c.Request.Method,
			StartTime: time.Now(),
		}
		c.Set(contextKeyRequest, rc)
		c.Set(contextKeyDevMode, devMode)
		setLogger(c, base.With(
			zap.String("request_id", rc.RequestID),
			zap.String("method", rc.Method),
			zap.String("path", rc.Path),
		))
		c.Header(HeaderRequestID, rc.RequestID)
		c.Next()
	}
}

// GetRequestContext はGinコンテキストからRequestContextを取得する。
// RequestScopeが適用されていない場合は空のRequestContextを生成して格納する。
func GetRequestContext(c *gin.Context) *RequestContext {
	if v, ok := c.Get(contextKeyRequest); ok {
		if rc, ok := v.(*RequestContext); ok {
			return rc
		}
	}
	rc := &RequestContext{
		RequestID: NewRequestID(),
		Path:      c.Request.URL.Path,
		Method:    c.Request.Method,
		StartTime: time.Now(),
	}
	c.Set(contextKeyRequest, rc)
	return rc
}

// setLogger はリクエスト単位のロガーをGinコンテキストとリクエストのcontext.Contextの両方に設定する。
// Gin以外の層はlogging.FromContextで同じロガーを取得できる。
func setLogger(c *gin.Context, l *zap.Logger) {
	c.Set(contextKeyLogger, l)
	c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), l))
}

// GetLogger はリクエスト単位のロガーを取得する。
func GetLogger(c *gin.Context) *zap.Logger {
	if v, ok := c.Get(contextKeyLogger); ok {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	return zap.NewNop()
}

// SetPrincipal は認証済みの呼び出し元をコンテキストに設定する。
func SetPrincipal(c *gin.Context, p principal.Principal) {
	rc := GetRequestContext(c)
	rc.Principal = &p
	c.Set(contextKeyPrincipal, p)
	if v, ok := c.Get(contextKeyLogger); ok {
		if l, ok := v.(*zap.Logger); ok {
			setLogger(c, l.With(
				zap.String("user_id", p.UserID),
				zap.String("company_id", p.CompanyID),
			))
		}
	}
}

// GetPrincipal は認証済みの呼び出し元を取得する。
func GetPrincipal(c *gin.Context) (principal.Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return principal.Principal{}, false
	}
	p, ok := v.(principal.Principal)
	return p, ok
}

// isDevMode は開発モードかどうかを返す。
func isDevMode(c *gin.Context) bool {
	return c.GetBool(contextKeyDevMode)
}
