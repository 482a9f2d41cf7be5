package admission

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/middleware"
	"go.uber.org/zap"
)

// レート制限の状態をクライアントへ返すヘッダー。
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
)

// IPMiddleware は認証前にIPアドレス単位のgenericクラスで数えるGinミドルウェアを返す。
func (c *Controller) IPMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.admit(ctx, Subject{IP: ctx.ClientIP()}, ClassGeneric)
	}
}

// UserMiddleware は認証後にユーザーID単位でルートの操作クラスを数えるGinミドルウェアを返す。
// Principalが無い場合はIPアドレス単位で数える。
func (c *Controller) UserMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		s := Subject{IP: ctx.ClientIP()}
		if p, ok := middleware.GetPrincipal(ctx); ok {
			s.UserID = p.UserID
		}
		class := Classify(ctx.Request.Method, ctx.Request.URL.Path, ctx.ContentType())
		c.admit(ctx, s, class)
	}
}

func (c *Controller) admit(ctx *gin.Context, s Subject, class Class) {
	d := c.Allow(ctx.Request.Context(), s, class)
	ctx.Header(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	ctx.Header(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	if d.Allowed {
		ctx.Next()
		return
	}

	middleware.GetLogger(ctx).Warn("レート制限を超過しました",
		zap.String("class", string(class)),
		zap.String("pool", string(d.Pool)),
		zap.Int("retry_after", d.RetryAfter),
	)
	middleware.AbortWithError(ctx, apperr.New(http.StatusTooManyRequests, apperr.CodeRateLimitExceeded,
		"リクエスト数が上限を超えました。しばらく待ってから再試行してください").
		WithRetryAfter(d.RetryAfter))
}
