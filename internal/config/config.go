package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// OAuth（Microsoft identity platform）
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Database（空の場合はセッションをメモリに保持する）
	DatabaseURL string

	// Sync
	SyncInterval        time.Duration
	SyncUserDelay       time.Duration
	InactivityThreshold time.Duration
	UpstreamTimeout     time.Duration
	GraphBaseURL        string
	ProfileCacheTTL     time.Duration

	// Storage
	DataDir string

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitRefresh int

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.TenantID = os.Getenv("TENANT_ID")
	if cfg.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}

	cfg.ClientID = os.Getenv("CLIENT_ID")
	if cfg.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}

	cfg.ClientSecret = os.Getenv("CLIENT_SECRET")
	if cfg.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}

	cfg.RedirectURL = os.Getenv("REDIRECT_URI")
	if cfg.RedirectURL == "" {
		missing = append(missing, "REDIRECT_URI")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncUserDelay = getEnvDuration("SYNC_USER_DELAY", 1*time.Second)
	cfg.InactivityThreshold = getEnvDuration("INACTIVITY_THRESHOLD", 2*time.Hour)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second)
	cfg.GraphBaseURL = getEnvString("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 1*time.Hour)
	cfg.DataDir = getEnvString("DATA_DIR", "data")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRefresh = getEnvInt("RATE_LIMIT_REFRESH", 10)
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvLevel は "debug", "info", "warn", "error" をslog.Levelに変換する。
func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
