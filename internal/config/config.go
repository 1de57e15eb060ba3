package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime configuration loaded from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	// Reservation engine settings.
	ReservationTimeout time.Duration
	PageSize           int

	// Code acquisition settings.
	PollInterval       time.Duration
	ProviderAPITimeout time.Duration
	WatchGrace         time.Duration
	WatchInterval      time.Duration
	SweepInterval      time.Duration

	// Group message security settings.
	HMACSecret      string
	TimestampWindow time.Duration

	// Provider webhook credentials (md5 hex digests).
	WebhookUsernameMD5 string
	WebhookPasswordMD5 string

	AdminChatID     string
	AdminSessionTTL time.Duration

	WhatsAppStorePath string
	WhatsAppLogLevel  string
}

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getString("APP_ENV", "development"),
		LogLevel:  getString("LOG_LEVEL", "info"),
		LogFormat: getString("LOG_FORMAT", "text"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getString("DATABASE_SCHEMA", ""),

		RedisAddr:     getString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		HTTPListenAddr:   getString("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   os.Getenv("PUBLIC_BASE_PATH"),
		MetricsNamespace: getString("METRICS_NAMESPACE", "numrent"),

		HMACSecret: os.Getenv("HMAC_SECRET"),

		WebhookUsernameMD5: strings.ToLower(os.Getenv("WEBHOOK_USERNAME_MD5")),
		WebhookPasswordMD5: strings.ToLower(os.Getenv("WEBHOOK_PASSWORD_MD5")),

		AdminChatID: os.Getenv("ADMIN_CHAT_ID"),

		WhatsAppStorePath: getString("WHATSAPP_STORE_PATH", "data/wa.db"),
		WhatsAppLogLevel:  getString("WHATSAPP_LOG_LEVEL", "WARN"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.PageSize, err = getInt("PAGE_SIZE", 10); err != nil {
		return nil, err
	}

	if cfg.ReservationTimeout, err = getMinutes("RESERVATION_TIMEOUT_MIN", 20); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getSeconds("POLL_INTERVAL_SEC", 5); err != nil {
		return nil, err
	}
	if cfg.ProviderAPITimeout, err = getSeconds("PROVIDER_API_TIMEOUT_SEC", 30); err != nil {
		return nil, err
	}
	if cfg.WatchGrace, err = getSeconds("WATCH_GRACE_SEC", 15); err != nil {
		return nil, err
	}
	if cfg.WatchInterval, err = getSeconds("WATCH_INTERVAL_SEC", 5); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getSeconds("SWEEP_INTERVAL_SEC", 60); err != nil {
		return nil, err
	}
	if cfg.TimestampWindow, err = getMinutes("MESSAGE_TIMESTAMP_WINDOW_MIN", 5); err != nil {
		return nil, err
	}
	if cfg.AdminSessionTTL, err = getMinutes("ADMIN_SESSION_TTL_MIN", 30); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getBool(key string, fallback bool) (bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getSeconds(key string, fallback int) (time.Duration, error) {
	val, err := getInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(val) * time.Second, nil
}

func getMinutes(key string, fallback int) (time.Duration, error) {
	val, err := getInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(val) * time.Minute, nil
}
