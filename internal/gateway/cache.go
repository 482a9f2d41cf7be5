package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Cache-Controlの値。
const (
	cacheControlNoStore   = "no-cache, no-store, must-revalidate"
	cacheControlReference = "private, max-age=300"
	cacheControlDefault   = "private, no-cache"
)

// applyCachePolicy はコンテンツ種別に応じたキャッシュ方針をレスポンスヘッダーに設定する。
// 即時性が必要なリソースはステータスに関係なく常にキャッシュさせない。
func applyCachePolicy(h http.Header, class cacheClass, method string, status int) {
	switch {
	case class == cacheRealtime:
		h.Set("Cache-Control", cacheControlNoStore)
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	case class == cacheReference && method == http.MethodGet && status >= 200 && status < 300:
		h.Set("Cache-Control", cacheControlReference)
	default:
		h.Set("Cache-Control", cacheControlDefault)
	}
}

// realtimeCacheGuard はリアルタイム資源へのリクエストに先回りしてキャッシュ禁止ヘッダーを設定するGinミドルウェアを返す。
// 認証やレート制限で中断されたエラー応答にも同じ方針が適用される。
func realtimeCacheGuard() gin.HandlerFunc {
	var prefixes []string
	for _, rt := range routeTable {
		if rt.cache == cacheRealtime {
			prefixes = append(prefixes, apiPrefix+rt.public)
		}
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range prefixes {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				applyCachePolicy(c.Writer.Header(), cacheRealtime, c.Request.Method, 0)
				break
			}
		}
		c.Next()
	}
}
