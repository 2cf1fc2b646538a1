package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

const (
	eventCheckoutCompleted = "checkout.session.completed"
	signatureTolerance     = 5 * time.Minute
	maxWebhookBody         = 1 << 20
)

// CheckoutCompleted is the decoded payment completion notification.
type CheckoutCompleted struct {
	EventID         string
	SessionID       string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
	Created         time.Time
	Raw             json.RawMessage
}

// RelayResult reports what processing a notification did.
type RelayResult struct {
	BookingID uuid.UUID
	Duplicate bool
	Outcome   string
}

// CompletionProcessor turns a completion notification into booking state.
// It must be idempotent on the session id.
type CompletionProcessor interface {
	ProcessCheckoutCompleted(ctx context.Context, evt CheckoutCompleted) (*RelayResult, error)
}

// StripeWebhookHandler handles Stripe webhook events for checkout session completion.
type StripeWebhookHandler struct {
	webhookSecret string
	processor     CompletionProcessor
	logger        *logging.Logger
	metrics       *metrics.BookingMetrics
	now           func() time.Time
}

// NewStripeWebhookHandler creates a new handler for Stripe webhooks. The
// signing secret is mandatory.
func NewStripeWebhookHandler(webhookSecret string, processor CompletionProcessor, logger *logging.Logger) *StripeWebhookHandler {
	if strings.TrimSpace(webhookSecret) == "" {
		panic("payments: stripe webhook secret required")
	}
	if processor == nil {
		panic("payments: completion processor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		processor:     processor,
		logger:        logger,
		now:           time.Now,
	}
}

func (h *StripeWebhookHandler) WithMetrics(m *metrics.BookingMetrics) *StripeWebhookHandler {
	h.metrics = m
	return h
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid body")
		return
	}

	if !verifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		h.logger.Warn("stripe webhook signature rejected", "remote_ip", r.RemoteAddr)
		respond.Error(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		respond.Error(w, http.StatusBadRequest, "Invalid event")
		return
	}
	if evt.ID == "" {
		respond.Error(w, http.StatusBadRequest, "Missing event id")
		return
	}
	defer func() {
		h.metrics.ObserveWebhookLatency(evt.Type, time.Since(start).Seconds())
	}()

	if evt.Type != eventCheckoutCompleted {
		respond.Success(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	session := evt.Data.Object
	if session.ID == "" {
		respond.Error(w, http.StatusBadRequest, "Missing session id")
		return
	}

	result, err := h.processor.ProcessCheckoutCompleted(r.Context(), CheckoutCompleted{
		EventID:         evt.ID,
		SessionID:       session.ID,
		PaymentIntentID: session.PaymentIntent,
		AmountTotal:     session.AmountTotal,
		Currency:        session.Currency,
		Metadata:        session.Metadata,
		Created:         time.Unix(evt.Created, 0).UTC(),
		Raw:             payload,
	})
	if err != nil {
		// Stripe redelivers on 5xx; the relay is idempotent on the session id.
		h.logger.Error("checkout completion processing failed", "error", err, "event_id", evt.ID, "session_id", session.ID)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		return
	}

	body := map[string]any{"received": true, "duplicate": result.Duplicate}
	if result.BookingID != uuid.Nil {
		body["booking_id"] = result.BookingID.String()
	}
	respond.Success(w, http.StatusOK, body)
}

// stripeWebhookEvent represents a Stripe webhook event envelope.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeSessionObject `json:"object"`
	} `json:"data"`
}

// stripeSessionObject is the checkout.session object from the webhook.
type stripeSessionObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	Status        string            `json:"status"`
}

// verifyStripeSignature verifies a Stripe webhook signature.
// Stripe signs with HMAC-SHA256 and sends the signature in the Stripe-Signature header
// as: t=<timestamp>,v1=<signature>[,v0=<test_signature>]
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if abs64(now.Unix()-ts) > int64(signatureTolerance/time.Second) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
