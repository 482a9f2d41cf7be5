package principal

import (
	"errors"
	"testing"
)

// TestValidate は必須フィールドの検証を検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       Principal
		wantErr bool
	}{
		{"全フィールドが揃っている場合は成功すること", Principal{UserID: "u1", CompanyID: "c1", Role: "admin"}, false},
		{"ロールが空でも成功すること", Principal{UserID: "u1", CompanyID: "c1"}, false},
		{"userIdが空の場合はエラーになること", Principal{CompanyID: "c1"}, true},
		{"companyIdが空の場合はエラーになること", Principal{UserID: "u1"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.p.Validate()
			if tt.wantErr != errors.Is(err, ErrIncomplete) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
