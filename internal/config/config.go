package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Encryption
	// EncryptionKeyはbase64エンコードされた32バイトのAES鍵。
	// ローテーション時はEncryptionKeyPreviousに旧鍵を残すことで
	// 既存Webhookの復号を継続できる。
	EncryptionKey         string
	EncryptionKeyPrevious string

	// Scorer
	ScorerURL     string
	ScorerTimeout time.Duration

	// Planner / Delivery
	PlannerInterval     time.Duration
	PlannerLockTTL      time.Duration
	DeliveryTimeout     time.Duration
	DeliveryMaxConc     int
	MinBatchIntervalMin int
	MaxItemsPerBatch    int
	MaxDeliveryAttempts int
	MaxWebhookFailures  int
	RetentionDays       int

	// Limits
	MaxFeedsPerUser    int
	MaxBundlesPerUser  int
	MaxWebhooksPerUser int
	MaxFeedsPerBundle  int

	// Email
	EmailProvider string // "mailgun" または "smtp"
	MailgunDomain string
	MailgunAPIKey string
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	EmailFrom     string

	// Rate Limit
	RateLimitGeneral int
	RateLimitWrite   int

	// Cache
	FeedCacheTTL time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.EncryptionKey = os.Getenv("INTEGRATION_ENCRYPTION_KEY")
	if cfg.EncryptionKey == "" {
		missing = append(missing, "INTEGRATION_ENCRYPTION_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.EncryptionKeyPrevious = os.Getenv("INTEGRATION_ENCRYPTION_KEY_PREVIOUS")
	cfg.ScorerURL = getEnvString("SCORER_URL", "")
	cfg.ScorerTimeout = getEnvDuration("SCORER_TIMEOUT", 3*time.Second)
	cfg.PlannerInterval = getEnvDuration("PLANNER_INTERVAL", 1*time.Minute)
	cfg.PlannerLockTTL = getEnvDuration("PLANNER_LOCK_TTL", 4*time.Minute)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second)
	cfg.DeliveryMaxConc = getEnvInt("DELIVERY_MAX_CONCURRENT", 10)
	cfg.MinBatchIntervalMin = getEnvInt("MIN_BATCH_INTERVAL_MINUTES", 15)
	cfg.MaxItemsPerBatch = getEnvInt("MAX_ITEMS_PER_BATCH", 50)
	cfg.MaxDeliveryAttempts = getEnvInt("MAX_DELIVERY_ATTEMPTS", 5)
	cfg.MaxWebhookFailures = getEnvInt("MAX_WEBHOOK_FAILURES", 5)
	cfg.RetentionDays = getEnvInt("DELIVERY_RETENTION_DAYS", 30)
	cfg.MaxFeedsPerUser = getEnvInt("MAX_FEEDS_PER_USER", 20)
	cfg.MaxBundlesPerUser = getEnvInt("MAX_BUNDLES_PER_USER", 10)
	cfg.MaxWebhooksPerUser = getEnvInt("MAX_WEBHOOKS_PER_USER", 10)
	cfg.MaxFeedsPerBundle = getEnvInt("MAX_FEEDS_PER_BUNDLE", 10)
	cfg.EmailProvider = getEnvString("EMAIL_PROVIDER", "smtp")
	cfg.MailgunDomain = getEnvString("MAILGUN_DOMAIN", "")
	cfg.MailgunAPIKey = getEnvString("MAILGUN_API_KEY", "")
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnvString("SMTP_USER", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.EmailFrom = getEnvString("EMAIL_FROM", "no-reply@localhost")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.FeedCacheTTL = getEnvDuration("FEED_CACHE_TTL", 5*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("BASE_URL must start with http:// or https://: %s", cfg.BaseURL)
	}

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
