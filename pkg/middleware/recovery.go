package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/pkg/apperr"
	"go.uber.org/zap"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、INTERNAL_ERRORのエンベロープを返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				GetLogger(c).Error("パニックから回復しました",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				AbortWithError(c, apperr.Internal(fmt.Errorf("panic: %v", r)))
			}
		}()
		c.Next()
	}
}
