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

	// Redis（ブロードキャストトピックと配信キュー）
	RedisURL               string
	FanoutTopic            string
	DeliveryQueue          string
	DeadLetterQueue        string
	QueueVisibilityTimeout time.Duration
	QueueMaxDeliveries     int64
	SubscriberPageSize     int

	// Feed
	FeedURL          string
	FeedPollURL      string
	FeedFetchTimeout time.Duration
	FeedFetchRetries int
	PollInterval     time.Duration

	// Retrieve
	RetrieveDelay   time.Duration
	RetrieveTimeout time.Duration
	BrowserEnabled  bool
	BrowserPath     string
	BrowserSettle   time.Duration
	BrowserTimeout  time.Duration

	// Summarizer
	SummarizerKeyFile    string
	SummarizerAPIKey     string
	SummarizerPromptFile string
	SummarizerTimeout    time.Duration
	HostedRuntime        bool

	// Mail
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	MailFrom       string
	MailReplyTo    string
	MailRatePerSec float64
	// 1プロセス内の並列送信数
	DispatchConcurrency int

	// Developer mode（内部フラグ専用。HTTP経由では切り替えられない）
	DeveloperMode  bool
	DeveloperEmail string

	// Logging
	LogLevel string

	// Stream retention
	RetentionDays int

	// Server
	ServerPort    string
	InternalToken string
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

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FanoutTopic = getEnvString("FANOUT_TOPIC", "feedrelay:broadcast")
	cfg.DeliveryQueue = getEnvString("DELIVERY_QUEUE", "feedrelay:deliveries")
	cfg.DeadLetterQueue = getEnvString("DEAD_LETTER_QUEUE", "feedrelay:deadletter")
	cfg.QueueVisibilityTimeout = getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute)
	cfg.QueueMaxDeliveries = getEnvInt64("QUEUE_MAX_DELIVERIES", 5)
	cfg.SubscriberPageSize = getEnvInt("SUBSCRIBER_PAGE_SIZE", 500)

	cfg.FeedURL = getEnvString("FEED_URL", "https://www.marines.mil/DesktopModules/ArticleCS/RSS.ashx?ContentType=6&Site=481&max=20&category=14336")
	cfg.FeedPollURL = getEnvString("FEED_POLL_URL", "https://www.marines.mil/DesktopModules/ArticleCS/RSS.ashx?ContentType=6&Site=481&max=1&category=14336")
	cfg.FeedFetchTimeout = getEnvDuration("FEED_FETCH_TIMEOUT", 2*time.Minute)
	cfg.FeedFetchRetries = getEnvInt("FEED_FETCH_RETRIES", 2)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 15*time.Minute)

	cfg.RetrieveDelay = getEnvDuration("RETRIEVE_DELAY", 2*time.Second)
	cfg.RetrieveTimeout = getEnvDuration("RETRIEVE_TIMEOUT", 30*time.Second)
	cfg.BrowserEnabled = getEnvBool("BROWSER_ENABLED", true)
	cfg.BrowserPath = getEnvString("BROWSER_PATH", "")
	cfg.BrowserSettle = getEnvDuration("BROWSER_SETTLE", 5*time.Second)
	cfg.BrowserTimeout = getEnvDuration("BROWSER_TIMEOUT", 90*time.Second)

	cfg.SummarizerKeyFile = getEnvString("SUMMARIZER_KEY_FILE", "/run/secrets/anthropic-api-key")
	cfg.SummarizerAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.SummarizerPromptFile = getEnvString("SUMMARIZER_PROMPT_FILE", "")
	cfg.SummarizerTimeout = getEnvDuration("SUMMARIZER_TIMEOUT", 3*time.Minute)
	cfg.HostedRuntime = getEnvBool("HOSTED_RUNTIME", false)

	cfg.SMTPHost = getEnvString("SMTP_HOST", "localhost")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", `"Notices" <notices@example.com>`)
	cfg.MailReplyTo = getEnvString("MAIL_REPLY_TO", "notices@example.com")
	cfg.MailRatePerSec = getEnvFloat("MAIL_RATE_PER_SEC", 14)
	cfg.DispatchConcurrency = getEnvInt("DISPATCH_CONCURRENCY", 4)

	cfg.DeveloperMode = getEnvBool("DEVELOPER_MODE", false)
	cfg.DeveloperEmail = getEnvString("DEVELOPER_EMAIL", "")
	if cfg.DeveloperMode && cfg.DeveloperEmail == "" {
		return nil, fmt.Errorf("DEVELOPER_EMAIL is required when DEVELOPER_MODE is enabled")
	}

	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.InternalToken = getEnvString("INTERNAL_TOKEN", "")

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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
