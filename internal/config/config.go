package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr  string
	LogLevel    string
	StoreMode   string
	DatabaseURL string

	JWTSecret string
	TokenTTL  time.Duration

	CORSAllowedOrigins string

	GatewayMode        string
	IBKRDefaultHost    string
	IBKRDefaultPort    int
	ConnectTimeout     time.Duration
	SyncReadTimeout    time.Duration
	SyncCycleTimeout   time.Duration
	SyncMaxConcurrent  int
	SyncMinInterval    time.Duration
	OutcomeWebhookURL  string
	WebhookTimeout     time.Duration
	TelegramBotToken   string
	TelegramChatID     string
}

func Load() Config {
	return Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreMode:   getEnv("STORE_MODE", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", "change-this-secret"),
		TokenTTL:  getDuration("TOKEN_TTL", time.Hour),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:4200"),

		GatewayMode:       getEnv("GATEWAY_MODE", "sim"),
		IBKRDefaultHost:   getEnv("IBKR_DEFAULT_HOST", "127.0.0.1"),
		IBKRDefaultPort:   getInt("IBKR_DEFAULT_PORT", 7497),
		ConnectTimeout:    getDuration("CONNECT_TIMEOUT", 10*time.Second),
		SyncReadTimeout:   getDuration("SYNC_READ_TIMEOUT", 5*time.Second),
		SyncCycleTimeout:  getDuration("SYNC_CYCLE_TIMEOUT", 45*time.Second),
		SyncMaxConcurrent: getInt("SYNC_MAX_CONCURRENT", 10),
		SyncMinInterval:   getDuration("SYNC_MIN_INTERVAL", 5*time.Second),
		OutcomeWebhookURL: getEnv("OUTCOME_WEBHOOK_URL", ""),
		WebhookTimeout:    getDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
