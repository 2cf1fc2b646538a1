package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dental-booking/internal/reservations"
)

type stubSessions struct {
	last *SessionRequest
	err  error
}

func (s *stubSessions) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	s.last = &req
	if s.err != nil {
		return nil, s.err
	}
	return &Session{ID: "cs_test_9", URL: "https://checkout.stripe.com/pay/cs_test_9"}, nil
}

type checkoutFixture struct {
	handler  *CheckoutHandler
	sessions *stubSessions
	hold     *reservations.Reservation
	now      *time.Time
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	svc := reservations.NewService(reservations.NewMemoryStore(nil), 30*time.Minute, nil).
		WithClock(func() time.Time { return now })
	start := time.Date(2026, 1, 6, 16, 0, 0, 0, time.UTC)
	hold, err := svc.Reserve(context.Background(), reservations.Request{
		ClinicID:      "demo-clinic",
		DoctorID:      "dr-1",
		ServiceID:     "s6",
		ServiceName:   "Whitening",
		CustomerName:  "Ana",
		CustomerEmail: "ana@example.com",
		StartTime:     start,
		EndTime:       start.Add(time.Hour),
	})
	require.NoError(t, err)
	sessions := &stubSessions{}
	return &checkoutFixture{
		handler:  NewCheckoutHandler(sessions, svc, nil),
		sessions: sessions,
		hold:     hold,
		now:      &now,
	}
}

func (f *checkoutFixture) post(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/create-stripe-session", strings.NewReader(string(raw)))
	rec := httptest.NewRecorder()
	f.handler.CreateSession(rec, req)
	return rec
}

func sessionBody(id uuid.UUID) map[string]any {
	return map[string]any{
		"pending_booking_id": id.String(),
		"amount_cents":       3000,
		"currency":           "EUR",
		"service_name":       "Whitening",
		"success_url":        "https://clinic.example/success",
		"cancel_url":         "https://clinic.example/cancel",
		"customer_email":     "ana@example.com",
		"language":           "hr",
	}
}

func TestCreateSessionBuildsMetadataFromHold(t *testing.T) {
	f := newCheckoutFixture(t)
	rec := f.post(t, sessionBody(f.hold.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "cs_test_9", body["session_id"])

	meta := f.sessions.last.Metadata
	assert.Equal(t, f.hold.ID, meta.ReservationID)
	assert.Equal(t, "demo-clinic", meta.ClinicID)
	assert.Equal(t, "s6", meta.ServiceID)
	assert.Equal(t, "Ana", meta.CustomerName)
	assert.Equal(t, "hr", meta.Language)
	assert.Equal(t, 60, meta.DurationMinutes)
	assert.True(t, meta.StartTime.Equal(f.hold.StartTime))
}

func TestCreateSessionRejectsExpiredHold(t *testing.T) {
	f := newCheckoutFixture(t)
	*f.now = f.now.Add(31 * time.Minute)

	rec := f.post(t, sessionBody(f.hold.ID))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "RESERVATION_EXPIRED")
	assert.Nil(t, f.sessions.last)
}

func TestCreateSessionUnknownHold(t *testing.T) {
	f := newCheckoutFixture(t)
	rec := f.post(t, sessionBody(uuid.New()))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.post(t, map[string]any{"pending_booking_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionMapsProcessorErrors(t *testing.T) {
	f := newCheckoutFixture(t)
	f.sessions.err = &ProcessorError{StatusCode: 400, Message: "Invalid currency"}
	rec := f.post(t, sessionBody(f.hold.ID))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid currency")

	f.sessions.err = &ValidationError{Fields: []string{"success_url"}}
	rec = f.post(t, sessionBody(f.hold.ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "success_url")
}
