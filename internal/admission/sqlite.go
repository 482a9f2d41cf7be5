package admission

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/bizgate/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// incrementQuery はウィンドウの判定と加算を1文で行う。
// ?1=key, ?2=now(ms), ?3=window(ms)
const incrementQuery = `
INSERT INTO admission_buckets (key, window_start_ms, window_ms, count)
VALUES (?1, ?2, ?3, 1)
ON CONFLICT(key) DO UPDATE SET
    count = CASE
        WHEN excluded.window_start_ms - admission_buckets.window_start_ms >= excluded.window_ms THEN 1
        ELSE admission_buckets.count + 1
    END,
    window_start_ms = CASE
        WHEN excluded.window_start_ms - admission_buckets.window_start_ms >= excluded.window_ms THEN excluded.window_start_ms
        ELSE admission_buckets.window_start_ms
    END,
    window_ms = excluded.window_ms
RETURNING window_start_ms, count`

// SQLiteStore は同一ホスト上の複数のゲートウェイプロセスで共有するStore。
type SQLiteStore struct {
	db *sql.DB

	mu        sync.Mutex
	lastPrune time.Time
	logger    *zap.Logger
}

// OpenSQLiteStore はpathのSQLiteファイルを開き、スキーマを適用する。
func OpenSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore は既存の接続からSQLiteStoreを生成し、スキーマを適用する。
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Increment はキーのカウンターを1増やす。
func (s *SQLiteStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	s.pruneIfDue(ctx, now)

	var startMs, count int64
	err := s.db.QueryRowContext(ctx, incrementQuery, key, now.UnixMilli(), window.Milliseconds()).
		Scan(&startMs, &count)
	if err != nil {
		return Bucket{}, fmt.Errorf("レート制限カウンターの更新に失敗: %w", err)
	}
	return Bucket{
		Key:         key,
		WindowStart: time.UnixMilli(startMs),
		Count:       count,
	}, nil
}

// Prune はウィンドウが終了したバケットを削除し、削除件数を返す。
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM admission_buckets WHERE window_start_ms + window_ms <= ?", now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("期限切れバケットの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// pruneIfDue は一定間隔ごとにPruneを実行する。失敗はログに残すだけにする。
func (s *SQLiteStore) pruneIfDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Sub(s.lastPrune) < sweepInterval {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	if _, err := s.Prune(ctx, now); err != nil {
		s.logger.Warn("期限切れバケットの削除に失敗", zap.Error(err))
	}
}
