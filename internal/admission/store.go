package admission

import (
	"context"
	"sync"
	"time"
)

// Bucket は1つのキーに対する固定ウィンドウのカウンター。
type Bucket struct {
	Key         string
	WindowStart time.Time
	Count       int64
}

// Store はウィンドウ付きカウンターの保存先。
// Incrementはキーのカウンターを原子的に1増やし、増加後の状態を返す。
// now-WindowStartがwindow以上であればウィンドウを開き直してから数える。
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error)
}

// sweepInterval は期限切れバケットを掃除する間隔。
const sweepInterval = time.Minute

// MemoryStore はプロセス内のStore。
// ゲートウェイを複数台に増やすと各プロセスが独立したカウンターを持つため、
// 全体の上限は台数倍になる。
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*memoryBucket
	lastSweep time.Time
}

type memoryBucket struct {
	Bucket
	window time.Duration
}

// NewMemoryStore は新しいMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

// Increment はキーのカウンターを1増やす。
func (m *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(now)

	b, ok := m.buckets[key]
	if !ok || now.Sub(b.WindowStart) >= window {
		b = &memoryBucket{Bucket: Bucket{Key: key, WindowStart: now}, window: window}
		m.buckets[key] = b
	}
	b.Count++
	return b.Bucket, nil
}

// Len は保持しているバケット数を返す。
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// sweepLocked はウィンドウが終了したバケットを削除する。
func (m *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	m.lastSweep = now
	for k, b := range m.buckets {
		if now.Sub(b.WindowStart) >= b.window {
			delete(m.buckets, k)
		}
	}
}
