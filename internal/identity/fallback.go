package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/logging"
	"github.com/nao1215/bizgate/pkg/principal"
	"go.uber.org/zap"
)

// Claims はローカル検証するJWTのクレーム。
// ユーザーIDはuserIdを優先し、無ければsubを使う。
type Claims struct {
	UserID    string `json:"userId,omitempty"`
	CompanyID string `json:"companyId"`
	Role      string `json:"role"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// subject はクレームからユーザーIDを取り出す。
func (c *Claims) subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Fallback は認証サービス不達時にJWTをローカル鍵で検証する。
type Fallback struct {
	secret []byte
	cache  Cache
}

// NewFallback は新しいFallbackを生成する。
// secretが空の場合はnilを返し、フォールバックは無効になる。
func NewFallback(secret string, cache Cache) *Fallback {
	if secret == "" {
		return nil
	}
	return &Fallback{secret: []byte(secret), cache: cache}
}

// Validate はAuthorizationヘッダーのJWTを検証する。
// キャッシュに同一テナントのPrincipalがあれば、クレームより優先してそのまま返す。
func (f *Fallback) Validate(ctx context.Context, authHeader string) StageResult {
	start := time.Now()

	tokenString, perr := ParseBearer(authHeader)
	if perr != nil {
		return Rejected(perr, time.Since(start))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return f.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// 有効期限の無いトークンは受け付けない
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Rejected(apperr.New(http.StatusUnauthorized, apperr.CodeTokenExpired,
				"トークンの有効期限が切れています").WithCause(err), time.Since(start))
		}
		return Rejected(apperr.New(http.StatusUnauthorized, apperr.CodeInvalidToken,
			"トークンが無効です").WithCause(err), time.Since(start))
	}

	p := principal.Principal{
		UserID:    claims.subject(),
		CompanyID: claims.CompanyID,
		Role:      claims.Role,
		Email:     claims.Email,
		Name:      claims.Name,
	}
	if err := p.Validate(); err != nil {
		return Rejected(incompleteUserData(err), time.Since(start))
	}

	if f.cache != nil {
		cached, ok, err := f.cache.Get(ctx, p.UserID)
		switch {
		case err != nil:
			logging.FromContext(ctx).Warn("セッションキャッシュの取得に失敗", zap.Error(err))
		case ok && cached.CompanyID == p.CompanyID:
			return Resolved(cached, time.Since(start))
		}
	}
	return Resolved(p, time.Since(start))
}
