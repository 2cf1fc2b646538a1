package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dental-booking/pkg/logging"
)

var stripeTracer = otel.Tracer("dental-booking.payments.stripe")

// SessionRequest is everything needed to open a checkout session for a held slot.
type SessionRequest struct {
	AmountCents   int64
	Currency      string
	ServiceName   string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	Metadata      BookingMetadata
}

// Session is the processor's answer: where to send the customer.
type Session struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// Validate checks the request before any external call.
func (r SessionRequest) Validate() error {
	var fields []string
	if r.AmountCents <= 0 {
		fields = append(fields, "amount_cents")
	}
	if strings.TrimSpace(r.ServiceName) == "" {
		fields = append(fields, "service_name")
	}
	if !absoluteHTTPURL(r.SuccessURL) {
		fields = append(fields, "success_url")
	}
	if !absoluteHTTPURL(r.CancelURL) {
		fields = append(fields, "cancel_url")
	}
	if strings.TrimSpace(r.CustomerEmail) == "" {
		fields = append(fields, "customer_email")
	}
	if r.Metadata.ReservationID == uuid.Nil {
		fields = append(fields, "pending_booking_id")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func absoluteHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CheckoutService creates Stripe Checkout Sessions carrying complete booking metadata.
type CheckoutService struct {
	secretKey       string
	baseURL         string
	apiVersion      string
	defaultCurrency string
	httpClient      *http.Client
	logger          *logging.Logger
	dryRun          bool
}

// NewCheckoutService creates a new Stripe checkout service.
func NewCheckoutService(secretKey string, logger *logging.Logger) *CheckoutService {
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutService{
		secretKey:       secretKey,
		baseURL:         "https://api.stripe.com",
		apiVersion:      "2024-12-18.acacia",
		defaultCurrency: "eur",
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		logger:          logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *CheckoutService) WithBaseURL(baseURL string) *CheckoutService {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithAPIVersion pins the Stripe-Version header.
func (s *CheckoutService) WithAPIVersion(version string) *CheckoutService {
	if version != "" {
		s.apiVersion = version
	}
	return s
}

// WithDefaultCurrency sets the currency used when a request carries none.
func (s *CheckoutService) WithDefaultCurrency(currency string) *CheckoutService {
	if currency != "" {
		s.defaultCurrency = strings.ToLower(currency)
	}
	return s
}

// WithDryRun enables dry-run mode (returns fake URLs without calling Stripe).
func (s *CheckoutService) WithDryRun(enabled bool) *CheckoutService {
	s.dryRun = enabled
	return s
}

// CreateSession validates req and opens a checkout session. Failures from
// Stripe are returned as *ProcessorError and are never retried here.
func (s *CheckoutService) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.reservation_id", req.Metadata.ReservationID.String()),
		attribute.String("booking.clinic_id", req.Metadata.ClinicID),
		attribute.Int64("booking.amount_cents", req.AmountCents),
	)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	meta := req.Metadata
	meta.AmountCents = req.AmountCents
	meta.Currency = currency
	if meta.ServiceName == "" {
		meta.ServiceName = req.ServiceName
	}
	if meta.CustomerEmail == "" {
		meta.CustomerEmail = req.CustomerEmail
	}

	if s.dryRun {
		fakeID := "cs_dryrun_" + uuid.New().String()[:8]
		s.logger.Info("stripe dry run: skipping checkout session creation",
			"reservation_id", meta.ReservationID, "amount_cents", req.AmountCents)
		return &Session{
			ID:  fakeID,
			URL: fmt.Sprintf("https://checkout.stripe.com/dry-run/%s", fakeID),
		}, nil
	}

	form := url.Values{}
	form.Add("payment_method_types[]", "card")
	form.Add("payment_method_types[]", "link")
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.ServiceName)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("locale", "auto")
	form.Set("customer_email", req.CustomerEmail)
	form.Set("client_reference_id", meta.ReservationID.String())

	// Metadata is also copied to the payment intent so refunds can find it.
	encoded := meta.Encode()
	setFormMetadata(form, "metadata", encoded)
	setFormMetadata(form, "payment_intent_data[metadata]", encoded)

	apiURL := s.baseURL + "/v1/checkout/sessions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payments: stripe request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Stripe-Version", s.apiVersion)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, &ProcessorError{Message: err.Error()}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := stripeErrorMessage(body)
		s.logger.Error("stripe checkout session rejected", "status", resp.StatusCode, "message", msg, "reservation_id", meta.ReservationID)
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed stripeCheckoutSession
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Message: "malformed response"}
	}
	if parsed.ID == "" || parsed.URL == "" {
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Message: "response missing session id or url"}
	}
	return &Session{ID: parsed.ID, URL: parsed.URL}, nil
}

// stripeCheckoutSession is the subset of Stripe's Checkout Session we need.
type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// stripeErrorResponse represents a Stripe API error.
type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func stripeErrorMessage(body []byte) string {
	var parsed stripeErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "unknown error"
	}
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}
