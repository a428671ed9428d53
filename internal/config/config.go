package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/aigateway/internal/ratelimit"
)

const (
	envPort              = "PORT"
	envAuthServiceURL    = "AUTH_SERVICE_URL"
	envLLMServiceURL     = "LLM_SERVICE_URL"
	envKBServiceURL      = "KB_SERVICE_URL"
	envSecretKey         = "SECRET_KEY"
	envInternalAPIKey    = "INTERNAL_API_KEY"
	envRedisURL          = "REDIS_URL"
	envAllowedOrigins    = "ALLOWED_ORIGINS"
	envChatRateLimit     = "CHAT_RATE_LIMIT"
	envChatRateWindow    = "CHAT_RATE_WINDOW"
	envChatStreamTimeout = "CHAT_STREAM_TIMEOUT"
	envUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	envShutdownTimeout   = "SHUTDOWN_TIMEOUT"
	envPolicyFile        = "RATE_LIMIT_POLICY_FILE"
)

const (
	defaultPort              = "8080"
	defaultAuthServiceURL    = "http://auth-service:8000"
	defaultLLMServiceURL     = "http://llm-service:8000"
	defaultKBServiceURL      = "http://kb-service:8000"
	defaultRedisURL          = "redis://localhost:6379/0"
	defaultAllowedOrigins    = "*"
	defaultChatStreamTimeout = 60 * time.Second
	defaultUpstreamTimeout   = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Config はGatewayの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string
	// LLMServiceURL はLLMサービスのベースURL。
	LLMServiceURL string
	// KBServiceURL はナレッジベースサービスのベースURL。
	KBServiceURL string
	// SecretKey はアクセストークンの署名検証に使う共有秘密鍵。
	SecretKey string
	// InternalAPIKey は内部サービスへのリクエストに付与する内部キー。
	InternalAPIKey string
	// RedisURL はレート制限カウンターを保持するRedisのURL。
	RedisURL string
	// AllowedOrigins はCORSで許可するオリジン一覧。"*" はすべてを許可する。
	AllowedOrigins []string
	// ChatStreamTimeout はチャットストリームのアイドルタイムアウト。
	ChatStreamTimeout time.Duration
	// UpstreamTimeout はストリーミングしない上流呼び出しの全体タイムアウト。
	UpstreamTimeout time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待機時間。
	ShutdownTimeout time.Duration
	// RateLimits はルートクラスごとのレート制限ポリシー。
	RateLimits map[string]ratelimit.Policy
}

// Load は環境変数から設定を読み込む。
// envFileが存在する場合は先に読み込むが、既に設定済みの環境変数は上書きしない。
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%sの読み込みに失敗: %w", envFile, err)
		}
	}

	cfg := &Config{
		Port:           getEnvOr(envPort, defaultPort),
		AuthServiceURL: strings.TrimRight(getEnvOr(envAuthServiceURL, defaultAuthServiceURL), "/"),
		LLMServiceURL:  strings.TrimRight(getEnvOr(envLLMServiceURL, defaultLLMServiceURL), "/"),
		KBServiceURL:   strings.TrimRight(getEnvOr(envKBServiceURL, defaultKBServiceURL), "/"),
		SecretKey:      os.Getenv(envSecretKey),
		InternalAPIKey: os.Getenv(envInternalAPIKey),
		RedisURL:       getEnvOr(envRedisURL, defaultRedisURL),
		AllowedOrigins: splitList(getEnvOr(envAllowedOrigins, defaultAllowedOrigins)),
		RateLimits:     ratelimit.DefaultPolicies(),
	}

	var err error
	if cfg.ChatStreamTimeout, err = durationEnv(envChatStreamTimeout, defaultChatStreamTimeout); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = durationEnv(envUpstreamTimeout, defaultUpstreamTimeout); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv(envShutdownTimeout, defaultShutdownTimeout); err != nil {
		return nil, err
	}

	if path := os.Getenv(envPolicyFile); path != "" {
		policies, err := ratelimit.LoadPolicyFile(path)
		if err != nil {
			return nil, err
		}
		for class, p := range policies {
			cfg.RateLimits[class] = p
		}
	}

	chat := cfg.RateLimits[ratelimit.ClassChat]
	if v := os.Getenv(envChatRateLimit); v != "" {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%sの値が不正: %w", envChatRateLimit, err)
		}
		chat.Limit = limit
	}
	if chat.Window, err = durationEnv(envChatRateWindow, chat.Window); err != nil {
		return nil, err
	}
	cfg.RateLimits[ratelimit.ClassChat] = chat

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値が有効か検証する。
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("環境変数 %s が設定されていません", envSecretKey)
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("環境変数 %s が設定されていません", envInternalAPIKey)
	}
	for class, p := range c.RateLimits {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("ルートクラス %q のレート制限が不正: %w", class, err)
		}
	}
	return nil
}

// getEnvOr は環境変数の値を取得し、未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// durationEnv は環境変数を時間として解釈する。
// "60s" のような形式に加え、単位の無い整数は秒として扱う。
func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%sの値が不正: %w", key, err)
	}
	return d, nil
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
