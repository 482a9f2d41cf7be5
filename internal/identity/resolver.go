package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nao1215/bizgate/internal/failure"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/httpclient"
	"github.com/nao1215/bizgate/pkg/logging"
	"github.com/nao1215/bizgate/pkg/principal"
	"go.uber.org/zap"
)

// ValidatePath は認証サービスのトークン検証エンドポイント。
const ValidatePath = "/api/auth/validate"

// bearerPrefix はAuthorizationヘッダーのスキーム接頭辞。
const bearerPrefix = "Bearer "

// retryAfterAuthUnavailable は認証サービス不達時の再試行推奨秒数。
const retryAfterAuthUnavailable = 30

// Outcome は解決ステージの結果種別。
type Outcome int

// 結果種別の定義。
const (
	// OutcomeResolved はPrincipalが得られたことを表す。
	OutcomeResolved Outcome = iota
	// OutcomeRejected は確定した拒否を表す。後続ステージには進まない。
	OutcomeRejected
	// OutcomeUnavailable は依存サービスに到達できなかったことを表す。
	// この結果のみがフォールバックの対象になる。
	OutcomeUnavailable
)

// String は結果種別の名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// StageResult は解決ステージの結果。
// OutcomeResolvedのときのみPrincipalが、それ以外ではErrが有効。
type StageResult struct {
	Outcome   Outcome
	Principal principal.Principal
	Err       *apperr.Error
	// Elapsed は計測した所要時間。結果の判定には使わない。
	Elapsed time.Duration
}

// Resolved はPrincipalが得られた結果を生成する。
func Resolved(p principal.Principal, elapsed time.Duration) StageResult {
	return StageResult{Outcome: OutcomeResolved, Principal: p, Elapsed: elapsed}
}

// Rejected は確定した拒否の結果を生成する。
func Rejected(err *apperr.Error, elapsed time.Duration) StageResult {
	return StageResult{Outcome: OutcomeRejected, Err: err, Elapsed: elapsed}
}

// Unavailable は依存サービス不達の結果を生成する。
func Unavailable(err *apperr.Error, elapsed time.Duration) StageResult {
	return StageResult{Outcome: OutcomeUnavailable, Err: err, Elapsed: elapsed}
}

// Forwarded は認証サービスへ伝播する相関情報。
type Forwarded struct {
	RequestID string
	ClientIP  string
	UserAgent string
}

// ParseBearer はAuthorizationヘッダーからトークンを取り出す。
func ParseBearer(header string) (string, *apperr.Error) {
	if header == "" {
		return "", apperr.New(http.StatusUnauthorized, apperr.CodeMissingAuthHeader,
			"Authorizationヘッダーが必要です")
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", apperr.New(http.StatusUnauthorized, apperr.CodeInvalidAuthFormat,
			"Authorizationヘッダーの形式が不正です。'Bearer <token>'形式で指定してください")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", apperr.New(http.StatusUnauthorized, apperr.CodeEmptyToken,
			"トークンが空です")
	}
	return token, nil
}

// Resolver は認証サービスにトークンを問い合わせて身元を解決する。
type Resolver struct {
	client *httpclient.Client
	cache  Cache
}

// NewResolver は新しいResolverを生成する。
// cacheがnilの場合、成功結果はキャッシュされない。
func NewResolver(client *httpclient.Client, cache Cache) *Resolver {
	return &Resolver{client: client, cache: cache}
}

// Resolve はAuthorizationヘッダーを検証し、ステージ結果を返す。
func (r *Resolver) Resolve(ctx context.Context, authHeader string, fwd Forwarded) StageResult {
	start := time.Now()
	log := logging.FromContext(ctx)

	token, perr := ParseBearer(authHeader)
	if perr != nil {
		return Rejected(perr, time.Since(start))
	}

	header := http.Header{}
	header.Set("Authorization", bearerPrefix+token)
	if fwd.ClientIP != "" {
		header.Set("X-Forwarded-For", fwd.ClientIP)
	}
	if fwd.UserAgent != "" {
		header.Set("User-Agent", fwd.UserAgent)
	}
	if fwd.RequestID != "" {
		ctx = httpclient.WithRequestID(ctx, fwd.RequestID)
	}

	resp, err := r.client.Get(ctx, ValidatePath, header)
	elapsed := time.Since(start)
	if err != nil {
		return r.transportFailure(log, err, elapsed)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Rejected(apperr.New(http.StatusUnauthorized, apperr.CodeInvalidToken,
			"トークンが無効です"), elapsed)
	case resp.StatusCode >= 500:
		log.Warn("認証サービスがエラーを返しました",
			zap.String("target", r.client.BaseURL()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed),
		)
		return Unavailable(apperr.New(http.StatusBadGateway, apperr.CodeAuthServiceError,
			"認証サービスでエラーが発生しました"), elapsed)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Rejected(apperr.New(http.StatusBadGateway, apperr.CodeAuthServiceError,
			"認証サービスでエラーが発生しました"), elapsed)
	}

	var p principal.Principal
	switch payload := adaptAuthorityResponse(resp.Body).(type) {
	case dataPayload:
		p = payload.principal
	case legacyUserPayload:
		p = payload.principal
	case unknownPayload:
		log.Warn("認証サービスの応答形式が不明です",
			zap.String("target", r.client.BaseURL()),
			zap.String("reason", payload.reason),
		)
		return Rejected(apperr.New(http.StatusBadGateway, apperr.CodeAuthServiceInvalidResponse,
			"認証サービスの応答形式が不正です"), elapsed)
	}

	if err := p.Validate(); err != nil {
		return Rejected(incompleteUserData(err), elapsed)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, p); err != nil {
			log.Warn("セッションキャッシュへの書き込みに失敗", zap.Error(err))
		}
	}
	return Resolved(p, elapsed)
}

// transportFailure は送信自体の失敗を結果に変換する。
func (r *Resolver) transportFailure(log *zap.Logger, err error, elapsed time.Duration) StageResult {
	kind := failure.Classify(err)
	log.Warn("認証サービスへの接続に失敗",
		zap.String("target", r.client.BaseURL()),
		zap.String("kind", string(kind)),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)

	switch kind {
	case failure.KindTimeout:
		return Unavailable(apperr.New(http.StatusGatewayTimeout, apperr.CodeAuthTimeout,
			"認証サービスの応答がタイムアウトしました").WithCause(err), elapsed)
	case failure.KindCanceled:
		// クライアントが切断済みのためフォールバックしない
		return Rejected(failure.Translate(err, "auth", 0), elapsed)
	default:
		return Unavailable(apperr.New(http.StatusServiceUnavailable, apperr.CodeAuthServiceUnavailable,
			"認証サービスに接続できません").
			WithRetryAfter(retryAfterAuthUnavailable).
			WithCause(err), elapsed)
	}
}

// incompleteUserData はuserIdまたはcompanyIdが欠けている場合のエラーを生成する。
func incompleteUserData(cause error) *apperr.Error {
	return apperr.New(http.StatusUnauthorized, apperr.CodeIncompleteUserData,
		"ユーザー情報が不完全です").WithCause(cause)
}
