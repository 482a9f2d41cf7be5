package gateway

import (
	"strings"

	"github.com/nao1215/bizgate/internal/config"
)

// cacheClass はレスポンスに付与するキャッシュ方針の種別。
type cacheClass int

const (
	// cacheDefault は既定の方針。
	cacheDefault cacheClass = iota
	// cacheRealtime は予約状況などの即時性が必要なリソース。常にキャッシュさせない。
	cacheRealtime
	// cacheReference はカタログなどの参照データ。成功したGETは数分キャッシュできる。
	cacheReference
)

// route は公開パスと内部サービスの対応。
type route struct {
	// service は転送先サービス名。
	service string
	// public は/api/v1配下の公開パスの接頭辞。
	public string
	// target は内部サービス側のパスの接頭辞。
	target string
	// cache はレスポンスのキャッシュ方針。
	cache cacheClass
}

// routeTable は転送ルートの一覧。
var routeTable = []route{
	{service: config.ServiceCRM, public: "/crm", target: "/api/crm", cache: cacheDefault},
	{service: config.ServiceScheduling, public: "/scheduling", target: "/api/scheduling", cache: cacheRealtime},
	{service: config.ServiceCatalog, public: "/catalog", target: "/api/catalog", cache: cacheReference},
	{service: config.ServiceNotification, public: "/notifications", target: "/api/notifications", cache: cacheDefault},
}

// apiPrefix は公開APIの接頭辞。
const apiPrefix = "/api/v1"

// rewrite は公開パスを内部サービスのパスに書き換える。
// 例: /api/v1/crm/customers/1 -> /api/crm/customers/1
func (r route) rewrite(path string) string {
	rest := strings.TrimPrefix(path, apiPrefix+r.public)
	if rest == "/" {
		rest = ""
	}
	return r.target + rest
}
