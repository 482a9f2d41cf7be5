package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/bizgate/pkg/principal"
	"github.com/redis/go-redis/v9"
)

// DefaultSessionTTL はセッションキャッシュの既定の保持期間。
const DefaultSessionTTL = 5 * time.Minute

// sessionKeyPrefix はRedisに保存するキーの接頭辞。
const sessionKeyPrefix = "session:"

// Cache は認証済みPrincipalをユーザーID単位で短時間保持する。
type Cache interface {
	// Get はユーザーIDに対応するPrincipalを返す。存在しない場合はfalse。
	Get(ctx context.Context, userID string) (principal.Principal, bool, error)
	// Set はPrincipalを保存する。
	Set(ctx context.Context, p principal.Principal) error
}

// MemoryCache はプロセス内のTTL付きキャッシュ。
type MemoryCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]cachedPrincipal
	now   func() time.Time
}

type cachedPrincipal struct {
	principal principal.Principal
	expiresAt time.Time
}

// NewMemoryCache は新しいMemoryCacheを生成する。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryCache{
		ttl:   ttl,
		items: make(map[string]cachedPrincipal),
		now:   time.Now,
	}
}

// Get はキャッシュからPrincipalを取得する。
func (m *MemoryCache) Get(_ context.Context, userID string) (principal.Principal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[userID]
	if !ok {
		return principal.Principal{}, false, nil
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.items, userID)
		return principal.Principal{}, false, nil
	}
	return item.principal, true, nil
}

// Set はPrincipalを保存し、期限切れのエントリを掃除する。
func (m *MemoryCache) Set(_ context.Context, p principal.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
		}
	}
	m.items[p.UserID] = cachedPrincipal{principal: p, expiresAt: now.Add(m.ttl)}
	return nil
}

// RedisCache は複数のゲートウェイで共有するRedis上のキャッシュ。
// 値はPrincipalのJSONで保存する。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache は新しいRedisCacheを生成する。
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get はRedisからPrincipalを取得する。
func (r *RedisCache) Get(ctx context.Context, userID string) (principal.Principal, bool, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return principal.Principal{}, false, nil
	}
	if err != nil {
		return principal.Principal{}, false, fmt.Errorf("セッションの取得に失敗: %w", err)
	}
	var p principal.Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		return principal.Principal{}, false, fmt.Errorf("セッションの復号に失敗: %w", err)
	}
	return p, true, nil
}

// Set はPrincipalをTTL付きでRedisに保存する。
func (r *RedisCache) Set(ctx context.Context, p principal.Principal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("セッションの符号化に失敗: %w", err)
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+p.UserID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("セッションの保存に失敗: %w", err)
	}
	return nil
}
