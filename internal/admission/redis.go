package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix はRedisに保存するキーの接頭辞。
const redisKeyPrefix = "ratelimit:"

// incrementScript はウィンドウの最初の1回で有効期限を設定し、カウントと残りTTLを返す。
// 有効期限の無いキーが残っていた場合も期限を付け直す。
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisStore は複数のゲートウェイで共有するRedis上のStore。
// ウィンドウの終了はキーの有効期限で表現する。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment はキーのカウンターを1増やす。
// ウィンドウ開始時刻は残りTTLから逆算する。
func (r *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Bucket{}, fmt.Errorf("レート制限カウンターの更新に失敗: %w", err)
	}
	if len(res) != 2 {
		return Bucket{}, fmt.Errorf("レート制限スクリプトの戻り値が不正: %v", res)
	}

	count, ttlMs := res[0], res[1]
	if ttlMs < 0 || ttlMs > window.Milliseconds() {
		ttlMs = window.Milliseconds()
	}
	return Bucket{
		Key:         key,
		WindowStart: now.Add(time.Duration(ttlMs)*time.Millisecond - window),
		Count:       count,
	}, nil
}
