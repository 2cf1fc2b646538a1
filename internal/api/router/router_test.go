package router

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dental-booking/internal/admin"
	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/cancellation"
	"github.com/wolfman30/dental-booking/internal/confirmation"
	"github.com/wolfman30/dental-booking/internal/events"
	"github.com/wolfman30/dental-booking/internal/fallback"
	httpmiddleware "github.com/wolfman30/dental-booking/internal/http/middleware"
	"github.com/wolfman30/dental-booking/internal/payments"
	"github.com/wolfman30/dental-booking/internal/reservations"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

const (
	webhookSecret = "whsec_router_test"
	adminSecret   = "admin-secret"
)

type testEnv struct {
	router     http.Handler
	store      *bookings.MemoryStore
	outbox     *events.MemoryOutbox
	stripeForm url.Values
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	logger := logging.Default()

	stripe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		env.stripeForm = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_router_1", "url": "https://checkout.stripe.com/c/pay/cs_router_1"})
	}))
	t.Cleanup(stripe.Close)

	env.store = bookings.NewMemoryStore().WithSlotExclusion()
	env.outbox = events.NewMemoryOutbox()
	eventLog := events.NewMemoryEventLog()

	holds := reservations.NewService(reservations.NewMemoryStore(env.store), 30*time.Minute, logger)
	checkout := payments.NewCheckoutService("sk_test", logger).WithBaseURL(stripe.URL)
	relay := confirmation.NewRelay(env.store, holds, events.NewMemoryProcessed(), env.outbox, logger).WithEventLog(eventLog)
	cancels := cancellation.NewService(env.store, env.outbox, 24*time.Hour, logger).WithEventLog(eventLog)

	env.router = New(&Config{
		Logger:             logger,
		Reservations:       reservations.NewHandler(holds, logger),
		Checkout:           payments.NewCheckoutHandler(checkout, holds, logger),
		StripeWebhook:      payments.NewStripeWebhookHandler(webhookSecret, relay, logger),
		Cancellation:       cancellation.NewHandler(cancels, logger),
		Fallback:           fallback.NewHandler(fallback.NewRecorder(env.store, logger), logger),
		Admin:              admin.NewHandler(env.store, cancels, logger).WithEventLog(eventLog, eventLog),
		AdminAuthSecret:    adminSecret,
		ReserveLimiter:     httpmiddleware.NewMemoryLimiter(3, time.Minute),
		MetricsHandler:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		CORSAllowedOrigins: []string{"*"},
	})
	return env
}

func (e *testEnv) call(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func signStripe(payload []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// completionFromForm rebuilds the webhook Stripe would send for the session
// the checkout handler just created.
func completionFromForm(t *testing.T, form url.Values, sessionID string) []byte {
	t.Helper()
	meta := map[string]string{}
	for key, values := range form {
		if strings.HasPrefix(key, "metadata[") && strings.HasSuffix(key, "]") {
			meta[strings.TrimSuffix(strings.TrimPrefix(key, "metadata["), "]")] = values[0]
		}
	}
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_" + sessionID,
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":             sessionID,
			"payment_intent": "pi_router_1",
			"amount_total":   3000,
			"currency":       "eur",
			"metadata":       meta,
		}},
	})
	require.NoError(t, err)
	return payload
}

func adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "front-desk",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.call(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = env.call(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterHealthReportsUnready(t *testing.T) {
	h := New(&Config{Ready: func(ctx context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterAnswersPreflightEverywhere(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/reserve-slot", "/api/webhook", "/api/get-booking", "/admin/clinics/x/bookings", "/nowhere"} {
		rec, _ := env.call(t, http.MethodOptions, path, nil, map[string]string{"Origin": "https://clinic.example"})
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), path)
	}
}

func TestRouterBookingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)

	rec, body := env.call(t, http.MethodPost, "/api/reserve-slot", map[string]any{
		"clinic_id":      "demo-clinic",
		"service_id":     "s6",
		"service_name":   "Whitening",
		"customer_email": "ana@example.com",
		"customer_name":  "Ana",
		"start_time":     start,
		"end_time":       start.Add(time.Hour),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	holdID := body["pending_booking_id"].(string)

	rec, body = env.call(t, http.MethodPost, "/api/create-stripe-session", map[string]any{
		"pending_booking_id": holdID,
		"amount_cents":       3000,
		"currency":           "eur",
		"service_name":       "Whitening",
		"success_url":        "https://clinic.example/ok",
		"cancel_url":         "https://clinic.example/cancel",
		"customer_email":     "ana@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cs_router_1", body["session_id"])

	payload := completionFromForm(t, env.stripeForm, "cs_router_1")
	for i := 0; i < 2; i++ {
		rec, body = env.call(t, http.MethodPost, "/api/webhook", payload, map[string]string{"Stripe-Signature": signStripe(payload, time.Now())})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, i == 1, body["duplicate"])
	}
	all, err := env.store.ListByClinic(context.Background(), "demo-clinic", bookings.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, env.outbox.Entries(events.DispatchBookingConfirmed), 1)

	booking, err := env.store.GetBySessionID(context.Background(), "cs_router_1")
	require.NoError(t, err)
	assert.Equal(t, bookings.StatusConfirmed, booking.Status)
	assert.Equal(t, int64(3000), booking.AmountPaid)

	rec, body = env.call(t, http.MethodGet, "/api/get-booking?token="+url.QueryEscape(booking.CancellationToken), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, float64(3000), body["amount_paid"])

	cancel := map[string]any{"token": booking.CancellationToken, "language": "en"}
	rec, body = env.call(t, http.MethodPost, "/api/process-cancellation", cancel, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["refund_eligible"])

	rec, body = env.call(t, http.MethodPost, "/api/process-cancellation", cancel, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "This appointment has already been cancelled", body["error"])
	assert.Len(t, env.outbox.Entries(events.DispatchBookingCancelled), 1)
}

func TestRouterReserveSlotIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec, _ := env.call(t, http.MethodPost, "/api/reserve-slot", map[string]any{}, nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestRouterAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.call(t, http.MethodGet, "/admin/clinics/demo-clinic/bookings", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := env.call(t, http.MethodGet, "/admin/clinics/demo-clinic/bookings", nil, map[string]string{"Authorization": "Bearer " + adminToken(t)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestRouterUnknownRouteIsJSON(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.call(t, http.MethodGet, "/api/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", body["error"])
}
