package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/logging"
	"github.com/nao1215/bizgate/pkg/metrics"
	"github.com/nao1215/bizgate/pkg/middleware"
	"github.com/nao1215/bizgate/pkg/principal"
	"go.uber.org/zap"
)

// HeaderAuthTime は身元解決に要した時間をクライアントへ返すヘッダー。
const HeaderAuthTime = "X-Auth-Time"

// Source はPrincipalを確定したステージ。
type Source string

const (
	// SourceRemote は認証サービスによる解決。
	SourceRemote Source = "remote"
	// SourceFallback はローカル検証による解決。
	SourceFallback Source = "fallback"
)

// Result は2段階の身元解決の最終結果。
type Result struct {
	Principal principal.Principal
	Source    Source
	// Elapsed は確定したステージの所要時間。
	Elapsed time.Duration
	// Err はnilでなければ拒否を表す。
	Err *apperr.Error
}

// Authenticator はResolverとFallbackを順に適用する。
type Authenticator struct {
	resolver *Resolver
	fallback *Fallback
	metrics  *metrics.Metrics
}

// NewAuthenticator は新しいAuthenticatorを生成する。
// fallbackがnilの場合、認証サービス不達はそのまま拒否になる。
func NewAuthenticator(resolver *Resolver, fallback *Fallback, m *metrics.Metrics) *Authenticator {
	return &Authenticator{resolver: resolver, fallback: fallback, metrics: m}
}

// Authenticate はAuthorizationヘッダーから呼び出し元を解決する。
// ステージ2はステージ1がOutcomeUnavailableを返した場合にのみ実行する。
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string, fwd Forwarded) Result {
	remote := a.resolver.Resolve(ctx, authHeader, fwd)
	a.observe(SourceRemote, remote)

	switch remote.Outcome {
	case OutcomeResolved:
		return Result{Principal: remote.Principal, Source: SourceRemote, Elapsed: remote.Elapsed}
	case OutcomeRejected:
		return Result{Source: SourceRemote, Elapsed: remote.Elapsed, Err: remote.Err}
	}

	if a.fallback == nil {
		return Result{Source: SourceRemote, Elapsed: remote.Elapsed, Err: remote.Err}
	}

	local := a.fallback.Validate(ctx, authHeader)
	a.observe(SourceFallback, local)
	if local.Outcome != OutcomeResolved {
		return Result{Source: SourceFallback, Elapsed: remote.Elapsed + local.Elapsed, Err: local.Err}
	}
	logging.FromContext(ctx).Warn("認証サービス不達のためローカル検証で認証しました",
		zap.String("user_id", local.Principal.UserID),
		zap.String("remote_code", remote.Err.Code),
	)
	return Result{Principal: local.Principal, Source: SourceFallback, Elapsed: remote.Elapsed + local.Elapsed}
}

// observe はステージ結果をメトリクスに記録する。
func (a *Authenticator) observe(source Source, r StageResult) {
	if a.metrics == nil {
		return
	}
	code := "OK"
	if r.Err != nil {
		code = r.Err.Code
	}
	a.metrics.AuthOutcomes.WithLabelValues(string(source), code).Inc()
	a.metrics.AuthDuration.WithLabelValues(string(source)).Observe(r.Elapsed.Seconds())
}

// Middleware は身元解決を行うGinミドルウェアを返す。
// 成功時はPrincipalをコンテキストに設定し、X-Auth-Timeヘッダーを付与する。
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := middleware.GetRequestContext(c)
		res := a.Authenticate(c.Request.Context(), c.GetHeader("Authorization"), Forwarded{
			RequestID: rc.RequestID,
			ClientIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if res.Err != nil {
			middleware.AbortWithError(c, res.Err)
			return
		}

		c.Header(HeaderAuthTime, fmt.Sprintf("%dms", res.Elapsed.Milliseconds()))
		middleware.SetPrincipal(c, res.Principal)
		middleware.GetLogger(c).Debug("認証完了", zap.String("source", string(res.Source)))
		c.Next()
	}
}
