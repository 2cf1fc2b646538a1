package cancellation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/events"
)

var fixedNow = time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)

func seedBooking(t *testing.T, store *bookings.MemoryStore, start time.Time, status bookings.Status) *bookings.Booking {
	t.Helper()
	session := "cs_" + uuid.NewString()[:8]
	intent := "pi_1"
	b := &bookings.Booking{
		ClinicID:        "demo-clinic",
		CustomerName:    "Ana",
		CustomerEmail:   "ana@example.com",
		CustomerPhone:   "+37120000000",
		ServiceID:       "s6",
		ServiceName:     "Whitening",
		Language:        "lv",
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		AmountPaid:      3000,
		Currency:        "eur",
		StripeSessionID: &session,
		PaymentIntentID: &intent,
		Status:          status,
		Source:          bookings.SourceRelay,
	}
	require.NoError(t, bookings.Prepare(b, fixedNow))
	require.NoError(t, store.Create(context.Background(), b))
	return b
}

func newTestService() (*Service, *bookings.MemoryStore, *events.MemoryOutbox, *events.MemoryEventLog) {
	store := bookings.NewMemoryStore()
	outbox := events.NewMemoryOutbox()
	log := events.NewMemoryEventLog()
	svc := NewService(store, outbox, 24*time.Hour, nil).
		WithEventLog(log).
		WithClock(func() time.Time { return fixedNow })
	return svc, store, outbox, log
}

func TestRefundEligibleBoundary(t *testing.T) {
	riga := time.FixedZone("Riga", 2*60*60)
	cases := []struct {
		name  string
		start time.Time
		want  bool
	}{
		{"24h01m ahead", fixedNow.Add(24*time.Hour + time.Minute), true},
		{"exactly 24h", fixedNow.Add(24 * time.Hour), false},
		{"23h59m ahead", fixedNow.Add(24*time.Hour - time.Minute), false},
		{"in the past", fixedNow.Add(-time.Hour), false},
		{"other zone 24h01m", fixedNow.Add(24*time.Hour + time.Minute).In(riga), true},
		{"other zone 23h59m", fixedNow.Add(24*time.Hour - time.Minute).In(riga), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RefundEligible(tc.start, fixedNow, DefaultRefundWindow))
			assert.Equal(t, tc.want, RefundEligible(tc.start, fixedNow.In(riga), DefaultRefundWindow))
		})
	}
}

func TestCancelEligibleBooking(t *testing.T) {
	svc, store, outbox, log := newTestService()
	b := seedBooking(t, store, fixedNow.Add(24*time.Hour+time.Minute), bookings.StatusConfirmed)

	res, err := svc.Cancel(context.Background(), b.CancellationToken, "")
	require.NoError(t, err)
	assert.True(t, res.RefundEligible)

	got, _ := store.GetByID(context.Background(), b.ID)
	assert.Equal(t, bookings.StatusCancelled, got.Status)
	assert.Equal(t, bookings.RefundPending, *got.RefundStatus)
	assert.True(t, got.CancelledAt.Equal(fixedNow))

	entries := outbox.Entries(events.DispatchBookingCancelled)
	require.Len(t, entries, 1)
	var payload events.CancellationNotificationV1
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, b.ID.String(), payload.BookingID)
	assert.True(t, payload.IsRefundEligible)
	assert.Equal(t, "lv", payload.Language, "falls back to the booking language")
	assert.Equal(t, "pi_1", payload.PaymentIntentID)
	assert.Equal(t, "+37120000000", payload.CustomerPhone)
	assert.Equal(t, int64(3000), payload.AmountPaid)

	assert.Len(t, log.OfType(events.EventBookingCancelled), 1)
}

func TestCancelInsideWindowIsNotEligible(t *testing.T) {
	svc, store, outbox, _ := newTestService()
	b := seedBooking(t, store, fixedNow.Add(24*time.Hour-time.Minute), bookings.StatusConfirmed)

	res, err := svc.Cancel(context.Background(), b.CancellationToken, "en")
	require.NoError(t, err)
	assert.False(t, res.RefundEligible)

	got, _ := store.GetByID(context.Background(), b.ID)
	assert.Equal(t, bookings.RefundNotEligible, *got.RefundStatus)

	var payload events.CancellationNotificationV1
	require.NoError(t, json.Unmarshal(outbox.Entries(events.DispatchBookingCancelled)[0].Payload, &payload))
	assert.False(t, payload.IsRefundEligible)
	assert.Equal(t, "en", payload.Language)
}

func TestCancelIsIdempotentWithSingleDispatch(t *testing.T) {
	svc, store, outbox, _ := newTestService()
	b := seedBooking(t, store, fixedNow.Add(48*time.Hour), bookings.StatusConfirmed)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Cancel(context.Background(), b.CancellationToken, "en")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, already := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, bookings.ErrAlreadyCancelled):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, already)
	assert.Len(t, outbox.Entries(events.DispatchBookingCancelled), 1)

	_, err := svc.Cancel(context.Background(), b.CancellationToken, "en")
	assert.ErrorIs(t, err, bookings.ErrAlreadyCancelled)
	assert.Len(t, outbox.Entries(events.DispatchBookingCancelled), 1)
}

func TestCancelRejectsUnknownAndCompleted(t *testing.T) {
	svc, store, outbox, _ := newTestService()

	_, err := svc.Cancel(context.Background(), "no-such-token", "en")
	assert.ErrorIs(t, err, bookings.ErrNotFound)

	b := seedBooking(t, store, fixedNow.Add(48*time.Hour), bookings.StatusConfirmed)
	_, err = store.Complete(context.Background(), b.ID)
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), b.CancellationToken, "en")
	assert.ErrorIs(t, err, bookings.ErrIllegalTransition)
	assert.Empty(t, outbox.Entries(""))
}

func TestGetBookingReturnsSanitizedView(t *testing.T) {
	svc, store, _, _ := newTestService()
	b := seedBooking(t, store, fixedNow.Add(48*time.Hour), bookings.StatusConfirmed)

	view, err := svc.GetBooking(context.Background(), b.CancellationToken)
	require.NoError(t, err)
	raw, err := json.Marshal(view)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, b.ID.String(), fields["id"])
	assert.Equal(t, "Ana", fields["customer_name"])
	for _, hidden := range []string{"customer_email", "customer_phone", "cancellation_token", "payment_intent_id", "stripe_session_id"} {
		assert.NotContains(t, fields, hidden)
	}
}

func TestCancelByIDUsesSamePolicyOnce(t *testing.T) {
	svc, store, outbox, log := newTestService()
	b := seedBooking(t, store, fixedNow.Add(72*time.Hour), bookings.StatusConfirmed)
	ctx := context.Background()

	res, err := svc.CancelByID(ctx, b.ID, "clinic closed")
	require.NoError(t, err)
	assert.True(t, res.RefundEligible)

	_, err = svc.CancelByID(ctx, b.ID, "clinic closed")
	assert.ErrorIs(t, err, bookings.ErrAlreadyCancelled)
	_, err = svc.Cancel(ctx, b.CancellationToken, "")
	assert.ErrorIs(t, err, bookings.ErrAlreadyCancelled)

	entries := outbox.Entries(events.DispatchBookingCancelled)
	require.Len(t, entries, 1)
	var payload events.CancellationNotificationV1
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "clinic closed", payload.Reason)

	recorded := log.OfType(events.EventBookingCancelled)
	require.Len(t, recorded, 1)
	assert.Contains(t, string(recorded[0].Data), "clinic closed")

	_, err = svc.CancelByID(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, bookings.ErrNotFound)
}
