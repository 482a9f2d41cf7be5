package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nao1215/bizgate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// failingStore は常に失敗するStore。
type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration, time.Time) (Bucket, error) {
	return Bucket{}, errors.New("connection refused")
}

// fakeClock はテスト用に進められる時計。
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

// TestController_Allow は固定ウィンドウでの判定を検証する。
func TestController_Allow(t *testing.T) {
	t.Parallel()

	t.Run("N+1回目が拒否されウィンドウ経過後に再び許可されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		c := NewController(NewMemoryStore(), map[Class]Policy{
			ClassBulk: {Limit: 3, Window: 5 * time.Minute},
		}, WithClock(clock.Now))
		ctx := context.Background()
		s := Subject{UserID: "u1"}

		for i := 1; i <= 3; i++ {
			d := c.Allow(ctx, s, ClassBulk)
			if !d.Allowed {
				t.Fatalf("%d回目が拒否された", i)
			}
			if d.Remaining != int64(3-i) {
				t.Errorf("%d回目のRemaining = %d, want %d", i, d.Remaining, 3-i)
			}
		}

		clock.Advance(time.Minute)
		d := c.Allow(ctx, s, ClassBulk)
		if d.Allowed {
			t.Fatal("4回目が許可された")
		}
		if d.RetryAfter != 240 {
			t.Errorf("RetryAfter = %d, want 240", d.RetryAfter)
		}
		if d.Remaining != 0 || d.Pool != PoolUser {
			t.Errorf("decision = %+v", d)
		}

		clock.Advance(4 * time.Minute)
		if d := c.Allow(ctx, s, ClassBulk); !d.Allowed {
			t.Error("ウィンドウ経過後に拒否された")
		}
	})

	t.Run("ユーザーとIPのプールが独立していること", func(t *testing.T) {
		t.Parallel()

		c := NewController(nil, map[Class]Policy{
			ClassGeneric: {Limit: 1, Window: time.Minute},
		})
		ctx := context.Background()

		if d := c.Allow(ctx, Subject{IP: "10.0.0.1"}, ClassGeneric); !d.Allowed || d.Pool != PoolIP {
			t.Fatalf("IPプールの1回目 = %+v", d)
		}
		if d := c.Allow(ctx, Subject{UserID: "u1", IP: "10.0.0.1"}, ClassGeneric); !d.Allowed || d.Pool != PoolUser {
			t.Fatalf("ユーザープールの1回目 = %+v", d)
		}
		if d := c.Allow(ctx, Subject{IP: "10.0.0.1"}, ClassGeneric); d.Allowed {
			t.Error("IPプールの2回目が許可された")
		}
	})

	t.Run("クラスごとに独立して数えること", func(t *testing.T) {
		t.Parallel()

		c := NewController(nil, map[Class]Policy{
			ClassUpload: {Limit: 1, Window: time.Minute},
		})
		ctx := context.Background()
		s := Subject{UserID: "u1"}

		_ = c.Allow(ctx, s, ClassUpload)
		if d := c.Allow(ctx, s, ClassUpload); d.Allowed {
			t.Error("uploadの2回目が許可された")
		}
		if d := c.Allow(ctx, s, ClassGeneric); !d.Allowed {
			t.Error("genericが巻き添えで拒否された")
		}
	})

	t.Run("ストア障害時もプロセス内カウンターで拒否を続けること", func(t *testing.T) {
		t.Parallel()

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		c := NewController(failingStore{}, map[Class]Policy{
			ClassBooking: {Limit: 2, Window: time.Minute},
		}, WithMetrics(m))
		ctx := context.Background()
		s := Subject{UserID: "u1"}

		_ = c.Allow(ctx, s, ClassBooking)
		_ = c.Allow(ctx, s, ClassBooking)
		d := c.Allow(ctx, s, ClassBooking)
		if d.Allowed {
			t.Fatal("ストア障害時に上限を超えて許可された")
		}
		if got := testutil.ToFloat64(m.AdmissionRejections.WithLabelValues("booking", "user")); got != 1 {
			t.Errorf("admission_rejections_total = %v, want 1", got)
		}
	})

	t.Run("未知のクラスはgenericの上限が適用されること", func(t *testing.T) {
		t.Parallel()

		c := NewController(nil, nil)
		if got := c.Policy(Class("reports")); got != DefaultPolicies()[ClassGeneric] {
			t.Errorf("Policy() = %+v", got)
		}
	})

	t.Run("不正な上限は既定値で補われること", func(t *testing.T) {
		t.Parallel()

		c := NewController(nil, map[Class]Policy{ClassBulk: {Limit: 0, Window: time.Minute}})
		if got := c.Policy(ClassBulk); got.Limit != 10 || got.Window != 5*time.Minute {
			t.Errorf("Policy() = %+v", got)
		}
	})
}

// TestRetryAfterSeconds は残り秒数の切り上げを検証する。
func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Duration
		want int
	}{
		{"端数は切り上げること", 1500 * time.Millisecond, 2},
		{"ちょうどの秒数はそのままであること", 30 * time.Second, 30},
		{"0以下は1になること", 0, 1},
		{"1秒未満は1になること", time.Millisecond, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := retryAfterSeconds(tt.in); got != tt.want {
				t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

// TestClassify は操作クラスへの振り分けを検証する。
func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		want        Class
	}{
		{"エクスポートがbulkになること", "GET", "/api/v1/crm/customers/export", "", ClassBulk},
		{"一括更新がbulkになること", "POST", "/api/v1/crm/customers/bulk", "application/json", ClassBulk},
		{"インポートがbulkになること", "POST", "/api/v1/catalog/import", "text/csv", ClassBulk},
		{"uploadパスがuploadになること", "POST", "/api/v1/crm/upload", "application/octet-stream", ClassUpload},
		{"multipartがuploadになること", "POST", "/api/v1/crm/customers/1/attachments", "multipart/form-data", ClassUpload},
		{"予約の作成がbookingになること", "POST", "/api/v1/scheduling/bookings", "application/json", ClassBooking},
		{"予定の変更がbookingになること", "PATCH", "/api/v1/scheduling/appointments/9", "application/json", ClassBooking},
		{"予約の参照はgenericになること", "GET", "/api/v1/scheduling/bookings", "", ClassGeneric},
		{"部分一致はbulkにならないこと", "GET", "/api/v1/crm/exporters", "", ClassGeneric},
		{"通常の参照がgenericになること", "GET", "/api/v1/crm/customers", "", ClassGeneric},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.method, tt.path, tt.contentType); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
