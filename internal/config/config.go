// Package config は環境変数からゲートウェイの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/bizgate/internal/admission"
	"github.com/spf13/viper"
)

// ErrMissingHMACSecret はGATEWAY_HMAC_SECRETが未設定であることを表す。
// 内部サービスとの信頼を確立できないため、起動を中止する。
var ErrMissingHMACSecret = errors.New("GATEWAY_HMAC_SECRETが設定されていません")

// 転送先サービス名。
const (
	ServiceCRM          = "crm"
	ServiceScheduling   = "scheduling"
	ServiceCatalog      = "catalog"
	ServiceNotification = "notification"
)

// ServiceNames は転送先サービスの一覧。
var ServiceNames = []string{ServiceCRM, ServiceScheduling, ServiceCatalog, ServiceNotification}

// Config はゲートウェイの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// Env は実行環境（productionまたはdevelopment）。
	Env string
	// HMACSecret は内部サービスと共有する署名鍵。
	HMACSecret string
	// Auth は身元解決の設定。
	Auth AuthConfig
	// Services は転送先サービスの設定。
	Services map[string]ServiceConfig
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig
	// Redis はRedis接続の設定。
	Redis RedisConfig
	// MaxBodyBytes は通常リクエストのボディ上限。
	MaxBodyBytes int64
	// MaxUploadBytes はアップロードのボディ上限。
	MaxUploadBytes int64
	// CORSAllowedOrigins はCORSで許可するオリジン。
	CORSAllowedOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼する手前のプロキシのアドレス。
	// 空の場合は接続元アドレスをクライアントIPとして扱う。
	TrustedProxies []string
	// Log はログ出力の設定。
	Log LogConfig
}

// AuthConfig は身元解決の設定。
type AuthConfig struct {
	URL     string
	Timeout time.Duration
	// JWTSecret はローカル検証の鍵。空の場合フォールバックは無効。
	JWTSecret    string
	SessionTTL   time.Duration
	CacheBackend string
}

// ServiceConfig は転送先サービス1つの設定。
type ServiceConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	Store      string
	SQLitePath string
	Policies   map[admission.Class]admission.Policy
}

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level  string
	Format string
}

// DevMode は開発モードかどうかを返す。
func (c *Config) DevMode() bool {
	return c.Env == "development"
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return LoadFrom(v)
}

// LoadFrom は指定したviperインスタンスから設定を読み込む。
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		Port:       v.GetString("PORT"),
		Env:        strings.ToLower(v.GetString("APP_ENV")),
		HMACSecret: v.GetString("GATEWAY_HMAC_SECRET"),
		Auth: AuthConfig{
			URL:          strings.TrimRight(v.GetString("AUTH_SERVICE_URL"), "/"),
			Timeout:      v.GetDuration("AUTH_SERVICE_TIMEOUT"),
			JWTSecret:    v.GetString("JWT_SECRET"),
			SessionTTL:   v.GetDuration("SESSION_CACHE_TTL"),
			CacheBackend: strings.ToLower(v.GetString("CACHE_BACKEND")),
		},
		Services: make(map[string]ServiceConfig, len(ServiceNames)),
		RateLimit: RateLimitConfig{
			Store:      strings.ToLower(v.GetString("RATE_LIMIT_STORE")),
			SQLitePath: v.GetString("RATE_LIMIT_SQLITE_PATH"),
			Policies:   make(map[admission.Class]admission.Policy, len(admission.Classes)),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		MaxBodyBytes:       v.GetInt64("MAX_BODY_BYTES"),
		MaxUploadBytes:     v.GetInt64("MAX_UPLOAD_BYTES"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		TrustedProxies:     splitList(v.GetString("TRUSTED_PROXIES")),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	defaultTimeout := v.GetDuration("DEFAULT_SERVICE_TIMEOUT")
	for _, name := range ServiceNames {
		key := strings.ToUpper(name)
		timeout := defaultTimeout
		if v.IsSet(key + "_SERVICE_TIMEOUT") {
			timeout = v.GetDuration(key + "_SERVICE_TIMEOUT")
		}
		cfg.Services[name] = ServiceConfig{
			Name:    name,
			URL:     strings.TrimRight(v.GetString(key+"_SERVICE_URL"), "/"),
			Timeout: timeout,
		}
	}

	for _, class := range admission.Classes {
		key := "RATE_LIMIT_" + strings.ToUpper(string(class))
		cfg.RateLimit.Policies[class] = admission.Policy{
			Limit:  v.GetInt64(key + "_MAX"),
			Window: v.GetDuration(key + "_WINDOW"),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults は既定値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("AUTH_SERVICE_URL", "http://localhost:3001")
	v.SetDefault("AUTH_SERVICE_TIMEOUT", 5*time.Second)
	v.SetDefault("SESSION_CACHE_TTL", 5*time.Minute)
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CRM_SERVICE_URL", "http://localhost:3002")
	v.SetDefault("SCHEDULING_SERVICE_URL", "http://localhost:3003")
	v.SetDefault("CATALOG_SERVICE_URL", "http://localhost:3004")
	v.SetDefault("NOTIFICATION_SERVICE_URL", "http://localhost:3005")
	v.SetDefault("DEFAULT_SERVICE_TIMEOUT", 60*time.Second)
	v.SetDefault("RATE_LIMIT_STORE", "memory")
	v.SetDefault("RATE_LIMIT_SQLITE_PATH", "/data/admission.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MAX_BODY_BYTES", int64(1<<20))
	v.SetDefault("MAX_UPLOAD_BYTES", int64(10<<20))
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	for class, p := range admission.DefaultPolicies() {
		key := "RATE_LIMIT_" + strings.ToUpper(string(class))
		v.SetDefault(key+"_MAX", p.Limit)
		v.SetDefault(key+"_WINDOW", p.Window)
	}
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	if strings.TrimSpace(c.HMACSecret) == "" {
		return ErrMissingHMACSecret
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Auth.CacheBackend) {
		return fmt.Errorf("CACHE_BACKENDが不正です: %q", c.Auth.CacheBackend)
	}
	if !slices.Contains([]string{"memory", "redis", "sqlite"}, c.RateLimit.Store) {
		return fmt.Errorf("RATE_LIMIT_STOREが不正です: %q", c.RateLimit.Store)
	}
	for class, p := range c.RateLimit.Policies {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("%sクラスのレート制限が不正です: max=%d window=%s", class, p.Limit, p.Window)
		}
	}
	for name, s := range c.Services {
		if s.URL == "" {
			return fmt.Errorf("%sサービスのURLが設定されていません", name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("%sサービスのタイムアウトが不正です: %s", name, s.Timeout)
		}
	}
	if c.MaxBodyBytes <= 0 || c.MaxUploadBytes <= 0 {
		return errors.New("MAX_BODY_BYTESとMAX_UPLOAD_BYTESは正の値である必要があります")
	}
	return nil
}

// splitList はカンマ区切りの値を分割し、空要素を除く。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
