package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr          string
	DatabaseURL       string
	RabbitURL         string
	PaymentsExchange  string
	ReconcileExchange string
	ReconcileQueue    string

	GatewayBaseURL     string
	GatewayClientID    string
	GatewayAPIKey      string
	GatewayChecksumKey string
	GatewayTimeout     time.Duration
	WebhookURL         string
	ReturnURL          string
	CancelURL          string

	ReconcileMaxAttempts int
	ReconcileBackoffBase time.Duration
	ReconcileBackoffMax  time.Duration

	PollInterval   time.Duration
	PollStaleAfter time.Duration
	PollBatch      int
	PollRate       float64

	OutboxInterval      time.Duration
	OutboxBatch         int
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Load reads the configuration from the environment. Variables already set in
// the environment win over those in the optional .env file.
func Load() Config {
	_ = godotenv.Load(getEnv("PAYMENTS_ENV_FILE", ".env"))

	return Config{
		HTTPAddr:          getEnv("PAYMENTS_HTTP_ADDR", ":8081"),
		DatabaseURL:       getEnv("PAYMENTS_DATABASE_URL", ""),
		RabbitURL:         getEnv("PAYMENTS_RABBIT_URL", ""),
		PaymentsExchange:  getEnv("PAYMENTS_EXCHANGE", "payments.events"),
		ReconcileExchange: getEnv("PAYMENTS_RECONCILE_EXCHANGE", "payments.reconcile"),
		ReconcileQueue:    getEnv("PAYMENTS_RECONCILE_QUEUE", "payments.reconcile-requests"),

		GatewayBaseURL:     getEnv("PAYMENTS_GATEWAY_BASE_URL", "https://api-merchant.payos.vn"),
		GatewayClientID:    getEnv("PAYMENTS_GATEWAY_CLIENT_ID", ""),
		GatewayAPIKey:      getEnv("PAYMENTS_GATEWAY_API_KEY", ""),
		GatewayChecksumKey: getEnv("PAYMENTS_GATEWAY_CHECKSUM_KEY", ""),
		GatewayTimeout:     parseDuration("PAYMENTS_GATEWAY_TIMEOUT", 10*time.Second),
		WebhookURL:         getEnv("PAYMENTS_WEBHOOK_URL", ""),
		ReturnURL:          getEnv("PAYMENTS_RETURN_URL", ""),
		CancelURL:          getEnv("PAYMENTS_CANCEL_URL", ""),

		ReconcileMaxAttempts: parseInt("PAYMENTS_RECONCILE_MAX_ATTEMPTS", 5),
		ReconcileBackoffBase: parseDuration("PAYMENTS_RECONCILE_BACKOFF_BASE", 20*time.Millisecond),
		ReconcileBackoffMax:  parseDuration("PAYMENTS_RECONCILE_BACKOFF_MAX", 500*time.Millisecond),

		PollInterval:   parseDuration("PAYMENTS_POLL_INTERVAL", 30*time.Second),
		PollStaleAfter: parseDuration("PAYMENTS_POLL_STALE_AFTER", 2*time.Minute),
		PollBatch:      parseInt("PAYMENTS_POLL_BATCH", 50),
		PollRate:       parseFloat("PAYMENTS_POLL_RATE", 5),

		OutboxInterval:      parseDuration("PAYMENTS_OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatch:         parseInt("PAYMENTS_OUTBOX_BATCH", 32),
		ShutdownGracePeriod: parseDuration("PAYMENTS_SHUTDOWN_TIMEOUT", 10*time.Second),

		LogLevel:  strings.ToLower(getEnv("PAYMENTS_LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("PAYMENTS_LOG_FORMAT", "text")),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.GatewayChecksumKey == "" {
		errs = append(errs, errors.New("PAYMENTS_GATEWAY_CHECKSUM_KEY is required"))
	}
	if c.ReconcileMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("reconcile max attempts must be positive, got %d", c.ReconcileMaxAttempts))
	}
	if c.ReconcileBackoffBase <= 0 || c.ReconcileBackoffMax < c.ReconcileBackoffBase {
		errs = append(errs, fmt.Errorf("invalid reconcile backoff %s..%s", c.ReconcileBackoffBase, c.ReconcileBackoffMax))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("poll interval must not be negative"))
	}
	if c.PollBatch <= 0 || c.OutboxBatch <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if c.OutboxInterval <= 0 {
		errs = append(errs, errors.New("outbox interval must be positive"))
	}
	for name, u := range map[string]string{"return": c.ReturnURL, "cancel": c.CancelURL} {
		if strings.Contains(u, "&") {
			errs = append(errs, fmt.Errorf("%s url must not contain '&'", name))
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func parseDuration(key string, def time.Duration) time.Duration {
	if raw, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func parseFloat(key string, def float64) float64 {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return def
}
