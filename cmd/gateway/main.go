// Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、テナント識別と内部サービスへの信頼の境界線となる。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/bizgate/internal/config"
	"github.com/nao1215/bizgate/internal/gateway"
	"github.com/nao1215/bizgate/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrMissingHMACSecret) {
			return fmt.Errorf("GATEWAY_HMAC_SECRETを設定してください: %w", err)
		}
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Gatewayサーバーの初期化に失敗しました", zap.Error(err))
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("資源の解放に失敗しました", zap.Error(err))
		}
	}()

	logger.Info("設定を読み込みました",
		zap.String("env", cfg.Env),
		zap.String("rate_limit_store", cfg.RateLimit.Store),
		zap.String("cache_backend", cfg.Auth.CacheBackend),
		zap.Bool("local_fallback", cfg.Auth.JWTSecret != ""),
	)
	if err := server.Run(ctx); err != nil {
		logger.Error("Gatewayサービスが異常終了しました", zap.Error(err))
		return err
	}
	return nil
}
