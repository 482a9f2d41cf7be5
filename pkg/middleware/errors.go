package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/pkg/apperr"
)

// AbortWithError はエラーエンベロープを1つだけ書き込み、後続の処理を中断する。
// 拒否・失敗のすべての経路はこの関数を通る。
func AbortWithError(c *gin.Context, err *apperr.Error) {
	if err == nil {
		err = apperr.Internal(nil)
	}
	rc := GetRequestContext(c)
	if err.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(err.StatusOrDefault(), err.Envelope(rc.RequestID, isDevMode(c)))
}
