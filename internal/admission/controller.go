package admission

import (
	"context"
	"time"

	"github.com/nao1215/bizgate/pkg/logging"
	"github.com/nao1215/bizgate/pkg/metrics"
	"go.uber.org/zap"
)

// Class は操作クラス。クラスごとに異なる上限とウィンドウを持つ。
type Class string

// 操作クラスの定義。
const (
	ClassGeneric Class = "generic"
	ClassBulk    Class = "bulk"
	ClassUpload  Class = "upload"
	ClassBooking Class = "booking"
)

// Classes は定義済みの操作クラスの一覧。
var Classes = []Class{ClassGeneric, ClassBulk, ClassUpload, ClassBooking}

// Policy はウィンドウあたりの上限。
type Policy struct {
	Limit  int64
	Window time.Duration
}

// DefaultPolicies は既定の操作クラスごとの上限を返す。
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassGeneric: {Limit: 200, Window: time.Minute},
		ClassBulk:    {Limit: 10, Window: 5 * time.Minute},
		ClassUpload:  {Limit: 20, Window: 10 * time.Minute},
		ClassBooking: {Limit: 30, Window: time.Minute},
	}
}

// Pool はカウンターの名前空間。
type Pool string

const (
	// PoolIP は認証前のIPアドレス単位のプール。
	PoolIP Pool = "ip"
	// PoolUser は認証後のユーザーID単位のプール。
	PoolUser Pool = "user"
)

// Subject はカウント対象の呼び出し元。
// UserIDがあればユーザー単位、無ければIPアドレス単位で数える。
type Subject struct {
	UserID string
	IP     string
}

// key はバケットのキーとプールを返す。
func (s Subject) key(class Class) (string, Pool) {
	if s.UserID != "" {
		return string(class) + ":user:" + s.UserID, PoolUser
	}
	return string(class) + ":ip:" + s.IP, PoolIP
}

// Decision はAllowの判定結果。
type Decision struct {
	Allowed   bool
	Pool      Pool
	Limit     int64
	Remaining int64
	// RetryAfter はウィンドウ終了までの秒数（切り上げ、最小1）。
	RetryAfter int
	ResetAt    time.Time
}

// Controller は操作クラスごとの上限を適用する。
type Controller struct {
	store    Store
	fallback *MemoryStore
	policies map[Class]Policy
	now      func() time.Time
	metrics  *metrics.Metrics
}

// Option はControllerの設定を変更する。
type Option func(*Controller)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController は新しいControllerを生成する。
// storeがnilの場合はMemoryStoreを使う。policiesに無いクラスは既定値で補う。
func NewController(store Store, policies map[Class]Policy, opts ...Option) *Controller {
	merged := DefaultPolicies()
	for class, p := range policies {
		if p.Limit > 0 && p.Window > 0 {
			merged[class] = p
		}
	}
	c := &Controller{
		store:    store,
		fallback: NewMemoryStore(),
		policies: merged,
		now:      time.Now,
	}
	if c.store == nil {
		c.store = c.fallback
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy はクラスに適用される上限を返す。未知のクラスはgenericとして扱う。
func (c *Controller) Policy(class Class) Policy {
	if p, ok := c.policies[class]; ok {
		return p
	}
	return c.policies[ClassGeneric]
}

// Allow は1回分の試行を数え、上限を超えていれば拒否する。
// 上限を超える試行そのものを拒否するため、許可された回数が上限を超えることはない。
// Storeが失敗した場合はプロセス内のカウンターで判定を続け、無条件に許可はしない。
func (c *Controller) Allow(ctx context.Context, s Subject, class Class) Decision {
	policy := c.Policy(class)
	key, pool := s.key(class)
	now := c.now()

	bucket, err := c.store.Increment(ctx, key, policy.Window, now)
	if err != nil {
		logging.FromContext(ctx).Warn("レート制限ストアが利用できないためプロセス内カウンターで判定します",
			zap.String("key", key),
			zap.Error(err),
		)
		bucket, _ = c.fallback.Increment(ctx, key, policy.Window, now)
	}

	resetAt := bucket.WindowStart.Add(policy.Window)
	d := Decision{
		Allowed:   bucket.Count <= policy.Limit,
		Pool:      pool,
		Limit:     policy.Limit,
		Remaining: max(policy.Limit-bucket.Count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfterSeconds(resetAt.Sub(now))
		if c.metrics != nil {
			c.metrics.AdmissionRejections.WithLabelValues(string(class), string(pool)).Inc()
		}
	}
	return d
}

// retryAfterSeconds は残り時間を秒単位に切り上げる。
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
