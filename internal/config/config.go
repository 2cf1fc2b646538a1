package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	CORSOrigins    []string
	AdminJWTSecret string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string
	StripeAPIVersion    string
	StripeDryRun        bool
	DefaultCurrency     string

	// Workflow engine
	WorkflowConfirmationURL string
	WorkflowCancellationURL string
	WorkflowQueueURL        string
	WorkflowTimeout         time.Duration

	// Booking policy
	ReservationTTL           time.Duration
	ReservationSweepInterval time.Duration
	RefundWindow             time.Duration

	// Reserve-slot rate limiting
	ReserveRateLimit  int
	ReserveRateWindow time.Duration

	// Outbox delivery
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxMaxAttempts int
	WorkerMetricsPort string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	RawEventBucket      string

	// Operator alerts for bookings flagged for review
	ReviewAlertEmails []string
	SendGridAPIKey    string
	SendGridFromEmail string
	SESFromEmail      string
	AlertFromName     string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeBaseURL:       getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
		StripeAPIVersion:    getEnv("STRIPE_API_VERSION", "2024-12-18.acacia"),
		StripeDryRun:        getEnvAsBool("STRIPE_DRY_RUN", false),
		DefaultCurrency:     strings.ToLower(getEnv("DEFAULT_CURRENCY", "eur")),

		WorkflowConfirmationURL: getEnv("WORKFLOW_CONFIRMATION_URL", ""),
		WorkflowCancellationURL: getEnv("WORKFLOW_CANCELLATION_URL", ""),
		WorkflowQueueURL:        getEnv("WORKFLOW_QUEUE_URL", ""),
		WorkflowTimeout:         getEnvAsDuration("WORKFLOW_TIMEOUT", 10*time.Second),

		ReservationTTL:           getEnvAsDuration("RESERVATION_TTL", 30*time.Minute),
		ReservationSweepInterval: getEnvAsDuration("RESERVATION_SWEEP_INTERVAL", 0),
		RefundWindow:             getEnvAsDuration("REFUND_WINDOW", 24*time.Hour),

		ReserveRateLimit:  getEnvAsInt("RESERVE_RATE_LIMIT", 3),
		ReserveRateWindow: getEnvAsDuration("RESERVE_RATE_WINDOW", time.Minute),

		OutboxInterval:    getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		OutboxMaxAttempts: getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 5),
		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9090"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "eu-central-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		RawEventBucket:      getEnv("RAW_EVENT_BUCKET", ""),

		ReviewAlertEmails: getEnvAsList("REVIEW_ALERT_EMAILS", nil),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		AlertFromName:     getEnv("ALERT_FROM_NAME", "Clinic Bookings"),
	}
}

// ErrMissingSetting is wrapped by Validate for every absent required variable.
var ErrMissingSetting = errors.New("config: required setting missing")

// Validate fails closed when a secret or endpoint the booking core depends on is absent.
// There are no embedded fallbacks for credentials.
func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	require("DATABASE_URL", c.DatabaseURL)
	require("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	if !c.StripeDryRun {
		require("STRIPE_SECRET_KEY", c.StripeSecretKey)
	}
	if c.WorkflowQueueURL == "" {
		require("WORKFLOW_CONFIRMATION_URL", c.WorkflowConfirmationURL)
		require("WORKFLOW_CANCELLATION_URL", c.WorkflowCancellationURL)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}
	if c.ReservationTTL <= 0 {
		return fmt.Errorf("config: RESERVATION_TTL must be positive, got %s", c.ReservationTTL)
	}
	if c.RefundWindow <= 0 {
		return fmt.Errorf("config: REFUND_WINDOW must be positive, got %s", c.RefundWindow)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
