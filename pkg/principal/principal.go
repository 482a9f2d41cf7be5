// Package principal は認証済み呼び出し元の識別情報とテナントヘッダーを定義する。
package principal

import "errors"

// 内部サービスへ伝播するテナント識別ヘッダー。
const (
	// HeaderCompanyID はテナント（会社）IDを伝播するヘッダー。
	HeaderCompanyID = "X-Company-ID"
	// HeaderUserID はユーザーIDを伝播するヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRole はユーザーのロールを伝播するヘッダー。
	HeaderUserRole = "X-User-Role"
)

// ErrIncomplete はuserIdまたはcompanyIdが欠けていることを表す。
var ErrIncomplete = errors.New("principal: userIdとcompanyIdは必須です")

// Principal は呼び出し元の識別情報とテナントコンテキスト。
// 1リクエストの間は不変であり、ゲートウェイが永続化することはない。
type Principal struct {
	// UserID はユーザーの一意識別子。
	UserID string `json:"userId"`
	// CompanyID は所属テナントの識別子。
	CompanyID string `json:"companyId"`
	// Role はテナント内でのロール。
	Role string `json:"role"`
	// Email はメールアドレス。
	Email string `json:"email,omitempty"`
	// Name は表示名。
	Name string `json:"name,omitempty"`
	// Permissions は認証サービスが付与した権限。トークン自体には含まれない。
	Permissions []string `json:"permissions,omitempty"`
}

// Validate はテナント分離に必要なフィールドが揃っていることを検証する。
func (p Principal) Validate() error {
	if p.UserID == "" || p.CompanyID == "" {
		return ErrIncomplete
	}
	return nil
}
