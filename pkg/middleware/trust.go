package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/principal"
	"github.com/nao1215/bizgate/pkg/trust"
	"go.uber.org/zap"
)

// DefaultMaxSignedBody は署名検証のために読み込むボディの既定上限。
// ゲートウェイのMAX_UPLOAD_BYTESの既定値と同じ。
const DefaultMaxSignedBody int64 = 10 << 20

// errBodyTooLarge は署名対象のボディが上限を超えたことを表す。
var errBodyTooLarge = errors.New("リクエストボディが大きすぎます")

// GatewayTrust はゲートウェイ署名を検証する内部サービス向けGinミドルウェアを返す。
// 署名の検証に成功した場合のみ X-Company-ID 等のテナントヘッダーを読み取り、
// Principalとしてコンテキストに設定する。検証に失敗したリクエストは決して通さない。
// maxBodyは検証のために読み込むボディの上限で、0以下の場合はDefaultMaxSignedBodyを使う。
// ゲートウェイのMAX_UPLOAD_BYTES以上を指定する。
func GatewayTrust(verifier *trust.Signer, maxBody int64) gin.HandlerFunc {
	if maxBody <= 0 {
		maxBody = DefaultMaxSignedBody
	}
	return func(c *gin.Context) {
		body, err := readAndRestoreBody(c, maxBody)
		if errors.Is(err, errBodyTooLarge) {
			appErr := apperr.New(http.StatusRequestEntityTooLarge, apperr.CodeFileTooLarge,
				"リクエストボディが上限を超えています").WithCause(err)
			appErr.MaxSize = maxBody
			AbortWithError(c, appErr)
			return
		}
		if err != nil {
			AbortWithError(c, apperr.New(http.StatusBadRequest, apperr.CodeInvalidGatewaySignature,
				"リクエストボディの読み取りに失敗しました").WithCause(err))
			return
		}

		if err := verifier.VerifyRequest(c.Request, body); err != nil {
			GetLogger(c).Warn("ゲートウェイ署名の検証に失敗しました", zap.Error(err))
			AbortWithError(c, trustError(err))
			return
		}

		p := principal.Principal{
			UserID:    c.GetHeader(principal.HeaderUserID),
			CompanyID: c.GetHeader(principal.HeaderCompanyID),
			Role:      c.GetHeader(principal.HeaderUserRole),
		}
		if err := p.Validate(); err != nil {
			AbortWithError(c, apperr.New(http.StatusUnauthorized, apperr.CodeIncompleteUserData,
				"テナント情報が不足しています").WithCause(err))
			return
		}
		SetPrincipal(c, p)
		c.Next()
	}
}

// trustError は署名検証エラーをエンベロープ用のエラーに変換する。
func trustError(err error) *apperr.Error {
	switch {
	case errors.Is(err, trust.ErrMissingSignature):
		return apperr.New(http.StatusUnauthorized, apperr.CodeMissingGatewaySignature,
			"ゲートウェイ署名がありません").WithCause(err)
	case errors.Is(err, trust.ErrStaleSignature):
		return apperr.New(http.StatusUnauthorized, apperr.CodeGatewaySignatureExpired,
			"ゲートウェイ署名の有効期限が切れています").WithCause(err)
	default:
		return apperr.New(http.StatusForbidden, apperr.CodeInvalidGatewaySignature,
			"ゲートウェイ署名が不正です").WithCause(err)
	}
}

// readAndRestoreBody はボディを読み込み、後続のハンドラーが再度読めるように戻す。
func readAndRestoreBody(c *gin.Context, limit int64) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
