package identity

import "testing"

// TestAdaptAuthorityResponse は認証サービス応答の形式判定を検証する。
func TestAdaptAuthorityResponse(t *testing.T) {
	t.Parallel()

	t.Run("dataキーの応答がdataPayloadになること", func(t *testing.T) {
		t.Parallel()

		got := adaptAuthorityResponse([]byte(`{"success":true,"data":{"userId":"u1","companyId":"c1","role":"admin"}}`))
		p, ok := got.(dataPayload)
		if !ok {
			t.Fatalf("型 = %T, want dataPayload", got)
		}
		if p.principal.UserID != "u1" || p.principal.CompanyID != "c1" || p.principal.Role != "admin" {
			t.Errorf("principal = %+v", p.principal)
		}
	})

	t.Run("旧形式のuserキーがlegacyUserPayloadになりidを受け付けること", func(t *testing.T) {
		t.Parallel()

		got := adaptAuthorityResponse([]byte(`{"user":{"id":"u2","companyId":"c2","role":"staff","permissions":["crm:read"]}}`))
		p, ok := got.(legacyUserPayload)
		if !ok {
			t.Fatalf("型 = %T, want legacyUserPayload", got)
		}
		if p.principal.UserID != "u2" || len(p.principal.Permissions) != 1 {
			t.Errorf("principal = %+v", p.principal)
		}
	})

	t.Run("dataとuserの両方がある場合dataを優先すること", func(t *testing.T) {
		t.Parallel()

		got := adaptAuthorityResponse([]byte(`{"data":{"userId":"d"},"user":{"userId":"u"}}`))
		if p, ok := got.(dataPayload); !ok || p.principal.UserID != "d" {
			t.Errorf("got = %#v", got)
		}
	})

	tests := []struct {
		name string
		body string
	}{
		{"どちらのキーも無い応答", `{"success":true,"profile":{"userId":"u1"}}`},
		{"dataが配列の応答", `{"data":[1,2]}`},
		{"dataがnullの応答", `{"data":null}`},
		{"success=falseの応答", `{"success":false,"data":{"userId":"u1","companyId":"c1"}}`},
		{"JSONでない応答", `<html>ok</html>`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name+"がunknownPayloadになること", func(t *testing.T) {
			t.Parallel()
			got := adaptAuthorityResponse([]byte(tt.body))
			if _, ok := got.(unknownPayload); !ok {
				t.Errorf("型 = %T, want unknownPayload", got)
			}
		})
	}
}
