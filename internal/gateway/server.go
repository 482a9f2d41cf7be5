package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bizgate/internal/admission"
	"github.com/nao1215/bizgate/internal/config"
	"github.com/nao1215/bizgate/internal/identity"
	"github.com/nao1215/bizgate/pkg/apperr"
	"github.com/nao1215/bizgate/pkg/httpclient"
	"github.com/nao1215/bizgate/pkg/metrics"
	"github.com/nao1215/bizgate/pkg/middleware"
	"github.com/nao1215/bizgate/pkg/trust"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg *config.Config
	// logger はサーバー全体のロガー。
	logger *zap.Logger
	// registry はPrometheusのレジストリ。
	registry *prometheus.Registry
	// metrics はゲートウェイのメトリクス。
	metrics *metrics.Metrics
	// signer は内部サービス向けの署名器。
	signer *trust.Signer
	// auth は身元解決のパイプライン。
	auth *identity.Authenticator
	// admission はレート制限。
	admission *admission.Controller
	// upstream は内部サービスへの転送に使うHTTPクライアント。
	upstream *http.Client
	// trustedProxies はX-Forwarded-Forを引き継ぐ直前のプロキシ。
	trustedProxies []netip.Prefix
	// closers は終了時に解放する資源。
	closers []func() error
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	signer, err := trust.NewSigner(cfg.HMACSecret)
	if err != nil {
		return nil, fmt.Errorf("署名器の初期化に失敗: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		signer:   signer,
		upstream: newUpstreamClient(),
	}

	var redisClient *redis.Client
	if cfg.Auth.CacheBackend == "redis" || cfg.RateLimit.Store == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, redisClient.Close)
	}

	store, err := s.newAdmissionStore(ctx, redisClient)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.admission = admission.NewController(store, cfg.RateLimit.Policies, admission.WithMetrics(m))

	var cache identity.Cache = identity.NewMemoryCache(cfg.Auth.SessionTTL)
	if cfg.Auth.CacheBackend == "redis" {
		cache = identity.NewRedisCache(redisClient, cfg.Auth.SessionTTL)
	}
	resolver := identity.NewResolver(httpclient.New(cfg.Auth.URL, cfg.Auth.Timeout), cache)
	fallback := identity.NewFallback(cfg.Auth.JWTSecret, cache)
	if fallback == nil {
		logger.Warn("JWT_SECRETが未設定のため、認証サービス不達時のローカル検証は無効です")
	}
	s.auth = identity.NewAuthenticator(resolver, fallback, m)

	s.router = gin.New()
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("TRUSTED_PROXIESが不正です: %w", err)
	}
	if s.trustedProxies, err = parseTrustedProxies(cfg.TrustedProxies); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("TRUSTED_PROXIESが不正です: %w", err)
	}
	s.setupRoutes()
	return s, nil
}

// newAdmissionStore は設定に応じたレート制限ストアを生成する。
func (s *Server) newAdmissionStore(ctx context.Context, redisClient *redis.Client) (admission.Store, error) {
	switch s.cfg.RateLimit.Store {
	case "redis":
		return admission.NewRedisStore(redisClient), nil
	case "sqlite":
		store, err := admission.OpenSQLiteStore(ctx, s.cfg.RateLimit.SQLitePath, s.logger)
		if err != nil {
			return nil, fmt.Errorf("レート制限ストアの初期化に失敗: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	default:
		s.logger.Info("プロセス内のレート制限ストアを使用します。複数台構成では台数分の上限になります")
		return admission.NewMemoryStore(), nil
	}
}

// newUpstreamClient は内部サービスへの転送用HTTPクライアントを生成する。
// タイムアウトはルートごとにコンテキストで設定する。リダイレクトは追わずにそのまま返す。
func newUpstreamClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	transport.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了するとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// Close はサーバーが保持する資源を解放する。
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestScope(s.logger, s.cfg.DevMode()))
	s.router.Use(middleware.AccessLog())
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.CORS(s.cfg.CORSAllowedOrigins))

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// 認証必須のAPIエンドポイント
	api := s.router.Group(apiPrefix)
	api.Use(realtimeCacheGuard())
	api.Use(s.admission.IPMiddleware())
	api.Use(s.auth.Middleware())
	api.Use(s.admission.UserMiddleware())
	{
		// ユーザー情報
		api.GET("/me", s.handleGetCurrentUser())

		for _, rt := range routeTable {
			api.Any(rt.public+"/*path", s.handleProxy(rt))
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, apperr.New(http.StatusNotFound, apperr.CodeNotFound,
			"指定されたパスは存在しません"))
	})
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.GetPrincipal(c)
		if !ok {
			middleware.AbortWithError(c, apperr.Internal(errors.New("principal not set")))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": p})
	}
}
