package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog はリクエスト完了時にステータスと所要時間を記録するGinミドルウェアを返す。
// RequestScopeの後に適用する。
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		rc := GetRequestContext(c)
		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(rc.StartTime)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}

		log := GetLogger(c)
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("リクエスト処理完了", fields...)
		case status >= 400:
			log.Warn("リクエスト処理完了", fields...)
		default:
			log.Info("リクエスト処理完了", fields...)
		}
	}
}
