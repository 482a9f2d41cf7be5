package identity

import (
	"bytes"
	"encoding/json"

	"github.com/nao1215/bizgate/pkg/principal"
)

// authorityResponse は認証サービスの応答形式を表すタグ付き共用体。
// dataPayload、legacyUserPayload、unknownPayloadのいずれかになる。
type authorityResponse interface {
	isAuthorityResponse()
}

// dataPayload は{"data": {...}}形式の応答。
type dataPayload struct {
	principal principal.Principal
}

// legacyUserPayload は旧形式の{"user": {...}}応答。
type legacyUserPayload struct {
	principal principal.Principal
}

// unknownPayload はどちらの形式にも該当しない応答。
type unknownPayload struct {
	reason string
}

func (dataPayload) isAuthorityResponse()       {}
func (legacyUserPayload) isAuthorityResponse() {}
func (unknownPayload) isAuthorityResponse()    {}

// authorityEnvelope は認証サービス応答のトップレベル。
type authorityEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	User    json.RawMessage `json:"user"`
}

// authorityUser は認証サービスが返すユーザー情報。
// 旧形式ではuserIdの代わりにidを返すことがある。
type authorityUser struct {
	UserID      string   `json:"userId"`
	ID          string   `json:"id"`
	CompanyID   string   `json:"companyId"`
	Role        string   `json:"role"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (u authorityUser) toPrincipal() principal.Principal {
	userID := u.UserID
	if userID == "" {
		userID = u.ID
	}
	return principal.Principal{
		UserID:      userID,
		CompanyID:   u.CompanyID,
		Role:        u.Role,
		Email:       u.Email,
		Name:        u.Name,
		Permissions: u.Permissions,
	}
}

// adaptAuthorityResponse は認証サービスの応答ボディを共用体に変換する。
// dataキーをuserキーより優先する。不明な形式でもパニックしない。
func adaptAuthorityResponse(body []byte) authorityResponse {
	var env authorityEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return unknownPayload{reason: "JSONとして解釈できません"}
	}
	if env.Success != nil && !*env.Success {
		return unknownPayload{reason: "success=falseの応答です"}
	}
	if u, ok := decodeUser(env.Data); ok {
		return dataPayload{principal: u.toPrincipal()}
	}
	if u, ok := decodeUser(env.User); ok {
		return legacyUserPayload{principal: u.toPrincipal()}
	}
	return unknownPayload{reason: "dataまたはuserキーが見つかりません"}
}

// decodeUser はJSONオブジェクトであればユーザー情報として復号する。
func decodeUser(raw json.RawMessage) (authorityUser, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return authorityUser{}, false
	}
	var u authorityUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return authorityUser{}, false
	}
	return u, true
}
