package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func clearRequired(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_DRY_RUN",
		"WORKFLOW_CONFIRMATION_URL", "WORKFLOW_CANCELLATION_URL", "WORKFLOW_QUEUE_URL",
		"RESERVATION_TTL", "REFUND_WINDOW", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearRequired(t)
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.ReservationTTL != 30*time.Minute {
		t.Fatalf("expected 30m reservation ttl, got %s", cfg.ReservationTTL)
	}
	if cfg.RefundWindow != 24*time.Hour {
		t.Fatalf("expected 24h refund window, got %s", cfg.RefundWindow)
	}
	if cfg.DefaultCurrency != "eur" {
		t.Fatalf("expected eur currency, got %s", cfg.DefaultCurrency)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("expected permissive cors default, got %v", cfg.CORSOrigins)
	}
	if cfg.StripeSecretKey != "" {
		t.Fatalf("expected no embedded stripe key, got %q", cfg.StripeSecretKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("RESERVATION_TTL", "45m")
	t.Setenv("RESERVE_RATE_LIMIT", "10")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.ReservationTTL != 45*time.Minute {
		t.Fatalf("expected ttl override, got %s", cfg.ReservationTTL)
	}
	if cfg.ReserveRateLimit != 10 {
		t.Fatalf("expected rate limit override, got %d", cfg.ReserveRateLimit)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestValidateFailsClosedWithoutSecrets(t *testing.T) {
	clearRequired(t)
	err := Load().Validate()
	if !errors.Is(err, ErrMissingSetting) {
		t.Fatalf("expected ErrMissingSetting, got %v", err)
	}
	for _, name := range []string{"DATABASE_URL", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "WORKFLOW_CONFIRMATION_URL", "WORKFLOW_CANCELLATION_URL"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expected %s in error, got %v", name, err)
		}
	}
}

func TestValidatePassesWithRequiredSettings(t *testing.T) {
	clearRequired(t)
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("WORKFLOW_CONFIRMATION_URL", "https://workflow.example/confirm")
	t.Setenv("WORKFLOW_CANCELLATION_URL", "https://workflow.example/cancel")
	if err := Load().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateQueueReplacesWorkflowURLs(t *testing.T) {
	clearRequired(t)
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("WORKFLOW_QUEUE_URL", "https://sqs.eu-central-1.amazonaws.com/123/workflow")
	if err := Load().Validate(); err != nil {
		t.Fatalf("expected queue-only config to validate, got %v", err)
	}
}

func TestValidateRejectsNonPositiveTTL(t *testing.T) {
	clearRequired(t)
	cfg := &Config{
		DatabaseURL:             "postgres://x",
		StripeSecretKey:         "sk",
		StripeWebhookSecret:     "whsec",
		WorkflowConfirmationURL: "https://w/c",
		WorkflowCancellationURL: "https://w/x",
		ReservationTTL:          0,
		RefundWindow:            time.Hour,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected ttl validation error")
	}
}

func TestLoadReviewAlertRecipients(t *testing.T) {
	clearRequired(t)
	t.Setenv("REVIEW_ALERT_EMAILS", " ops@clinic.example ,, desk@clinic.example ")
	cfg := Load()
	if len(cfg.ReviewAlertEmails) != 2 || cfg.ReviewAlertEmails[1] != "desk@clinic.example" {
		t.Fatalf("unexpected recipients %v", cfg.ReviewAlertEmails)
	}

	t.Setenv("REVIEW_ALERT_EMAILS", "")
	if got := Load().ReviewAlertEmails; len(got) != 0 {
		t.Fatalf("expected no recipients, got %v", got)
	}
}
