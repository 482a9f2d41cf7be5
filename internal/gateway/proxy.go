package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/internal/admission"
	"github.com/nao1215/bizgate/internal/failure"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/middleware"
	"github.com/nao1215/bizgate/pkg/principal"
	"go.uber.org/zap"
)

// 内部サービスのレスポンスに付与する診断ヘッダー。
const (
	HeaderServiceName      = "X-Service-Name"
	HeaderGatewayProcessed = "X-Gateway-Processed"
)

// forwardedRequestHeaders はクライアントから内部サービスへそのまま渡すヘッダー。
// テナント識別ヘッダーはクライアントの値を使わず、Principalから作り直す。
var forwardedRequestHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"User-Agent",
	"Authorization",
}

// hopByHopHeaders は転送してはならない接続単位のヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy は指定されたルートの内部サービスにリクエストを転送するハンドラを返す。
func (s *Server) handleProxy(rt route) gin.HandlerFunc {
	svc := s.cfg.Services[rt.service]
	return func(c *gin.Context) {
		start := time.Now()
		rc := middleware.GetRequestContext(c)
		p, ok := middleware.GetPrincipal(c)
		if !ok {
			middleware.AbortWithError(c, apperr.Internal(errors.New("principal not set")))
			return
		}

		limit := s.cfg.MaxBodyBytes
		if admission.Classify(c.Request.Method, c.Request.URL.Path, c.ContentType()) == admission.ClassUpload {
			limit = s.cfg.MaxUploadBytes
		}
		body, err := readBody(c, limit)
		if err != nil {
			s.proxyFailure(c, rt, svc.URL, err, limit, start)
			return
		}

		target := &url.URL{Path: rt.rewrite(c.Request.URL.Path), RawQuery: c.Request.URL.RawQuery}
		uri := target.RequestURI()

		// クライアントの切断でも転送を中止する
		ctx, cancel := context.WithTimeout(c.Request.Context(), svc.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, c.Request.Method, svc.URL+uri, bytes.NewReader(body))
		if err != nil {
			middleware.AbortWithError(c, apperr.Internal(err))
			return
		}
		s.buildUpstreamHeaders(req.Header, c, p, rc.RequestID)
		s.signer.Attach(req.Header, rc.RequestID, req.Method, uri, body)

		resp, err := s.upstream.Do(req)
		if err != nil {
			s.proxyFailure(c, rt, svc.URL, err, limit, start)
			return
		}
		defer resp.Body.Close()

		h := c.Writer.Header()
		copyResponseHeaders(h, resp.Header)
		h.Set(HeaderServiceName, rt.service)
		h.Set(HeaderGatewayProcessed, "true")
		applyCachePolicy(h, rt.cache, c.Request.Method, resp.StatusCode)

		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			// ステータスは送信済みのためエンベロープは返せない
			middleware.GetLogger(c).Warn("レスポンスの転送中に失敗しました",
				zap.String("target", svc.URL),
				zap.String("kind", string(failure.Classify(err))),
				zap.Error(err),
			)
			_ = c.Error(err)
		}

		if s.metrics != nil {
			s.metrics.Requests.WithLabelValues(rt.service, c.Request.Method, strconv.Itoa(resp.StatusCode)).Inc()
			s.metrics.RequestDuration.WithLabelValues(rt.service).Observe(time.Since(start).Seconds())
		}
	}
}

// buildUpstreamHeaders は内部サービスへ送るヘッダーを組み立てる。
func (s *Server) buildUpstreamHeaders(h http.Header, c *gin.Context, p principal.Principal, requestID string) {
	for _, name := range forwardedRequestHeaders {
		if v := c.GetHeader(name); v != "" {
			h.Set(name, v)
		}
	}

	h.Set(principal.HeaderCompanyID, p.CompanyID)
	h.Set(principal.HeaderUserID, p.UserID)
	h.Set(principal.HeaderUserRole, p.Role)

	// 信頼済みプロキシ以外から届いたX-Forwarded-Forは偽装できるため引き継がない
	clientIP := c.ClientIP()
	if prior := c.GetHeader("X-Forwarded-For"); prior != "" && s.fromTrustedProxy(c.RemoteIP()) {
		h.Set("X-Forwarded-For", prior+", "+c.RemoteIP())
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	h.Set("X-Real-IP", clientIP)
	h.Set(middleware.HeaderRequestID, requestID)
}

// fromTrustedProxy は直前の接続元が信頼済みプロキシかどうかを返す。
func (s *Server) fromTrustedProxy(remoteIP string) bool {
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseTrustedProxies はIPアドレスまたはCIDRの一覧を解析する。
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		if strings.Contains(v, "/") {
			prefix, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// readBody は転送するリクエストボディを読み込む。
// 上流のバインドで読み込み済みのボディがあれば、同じバイト列を再利用する。
func readBody(c *gin.Context, limit int64) ([]byte, error) {
	if cached, ok := c.Get(gin.BodyBytesKey); ok {
		if b, ok := cached.([]byte); ok {
			if int64(len(b)) > limit {
				return nil, &http.MaxBytesError{Limit: limit}
			}
			return b, nil
		}
	}
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	if c.Request.ContentLength > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
}

// copyResponseHeaders は接続単位のヘッダーを除いてレスポンスヘッダーを複製する。
// ゲートウェイが設定済みのヘッダー（X-Request-IDなど）は上書きしない。
func copyResponseHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopByHopHeaders))
	for _, name := range hopByHopHeaders {
		skip[name] = true
	}
	// Connectionヘッダーに列挙されたヘッダーも接続単位として扱う
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			skip[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}

	for name, values := range src {
		if skip[name] || len(dst.Values(name)) > 0 {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// proxyFailure は転送の失敗をエンベロープに変換して返す。
func (s *Server) proxyFailure(c *gin.Context, rt route, target string, err error, limit int64, start time.Time) {
	kind := failure.Classify(err)
	appErr := failure.Translate(err, rt.service, limit)
	elapsed := time.Since(start)

	fields := []zap.Field{
		zap.String("service", rt.service),
		zap.String("target", target),
		zap.String("kind", string(kind)),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	}
	log := middleware.GetLogger(c)
	switch kind {
	case failure.KindCanceled:
		log.Info("クライアントが切断したため転送を中止しました", fields...)
	case failure.KindTooLarge:
		log.Warn("リクエストボディが上限を超えました", append(fields, zap.Int64("max_size", limit))...)
	default:
		log.Error("内部サービスへの転送に失敗しました", fields...)
	}

	if s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues(rt.service, string(kind)).Inc()
		s.metrics.Requests.WithLabelValues(rt.service, c.Request.Method, strconv.Itoa(appErr.Status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(rt.service).Observe(elapsed.Seconds())
	}
	applyCachePolicy(c.Writer.Header(), rt.cache, c.Request.Method, appErr.StatusOrDefault())
	middleware.AbortWithError(c, appErr)
}
