package confirmation

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
	"github.com/wolfman30/dental-booking/internal/notify"
	"github.com/wolfman30/dental-booking/internal/payments"
	"github.com/wolfman30/dental-booking/internal/reservations"
)

var slotStart = time.Date(2026, 1, 6, 16, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []notify.ReviewAlert
}

func (r *recordingAlerts) NotifyReview(ctx context.Context, alert notify.ReviewAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

type recordingArchive struct {
	mu       sync.Mutex
	sessions []string
}

func (r *recordingArchive) ArchiveNotification(ctx context.Context, provider, sessionID string, payload []byte, receivedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

type failingOutbox struct{}

func (failingOutbox) Enqueue(ctx context.Context, dispatchType string, payload any) (uuid.UUID, error) {
	return uuid.Nil, errors.New("outbox unavailable")
}

type brokenStore struct {
	bookings.Store
}

func (brokenStore) GetBySessionID(ctx context.Context, sessionID string) (*bookings.Booking, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	relay    *Relay
	store    *bookings.MemoryStore
	holds    *reservations.Service
	clock    *clock
	outbox   *events.MemoryOutbox
	eventLog *events.MemoryEventLog
	alerts   *recordingAlerts
	archive  *recordingArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	store := bookings.NewMemoryStore().WithSlotExclusion()
	holds := reservations.NewService(reservations.NewMemoryStore(store), 30*time.Minute, nil).WithClock(c.Now)
	f := &fixture{
		store:    store,
		holds:    holds,
		clock:    c,
		outbox:   events.NewMemoryOutbox(),
		eventLog: events.NewMemoryEventLog(),
		alerts:   &recordingAlerts{},
		archive:  &recordingArchive{},
	}
	f.relay = NewRelay(store, holds, events.NewMemoryProcessed(), f.outbox, nil).
		WithEventLog(f.eventLog).
		WithAlerts(f.alerts).
		WithArchive(f.archive)
	return f
}

func (f *fixture) reserve(t *testing.T, email string) *reservations.Reservation {
	t.Helper()
	hold, err := f.holds.Reserve(context.Background(), reservations.Request{
		ClinicID:      "demo-clinic",
		DoctorID:      "dr-1",
		ServiceID:     "s6",
		ServiceName:   "Whitening",
		CustomerEmail: email,
		CustomerName:  "Ana",
		StartTime:     slotStart,
		EndTime:       slotStart.Add(time.Hour),
	})
	require.NoError(t, err)
	return hold
}

func completion(t *testing.T, sessionID string, hold *reservations.Reservation) payments.CheckoutCompleted {
	t.Helper()
	meta := payments.BookingMetadata{
		ReservationID:   hold.ID,
		CustomerName:    hold.CustomerName,
		CustomerEmail:   hold.CustomerEmail,
		ServiceID:       hold.ServiceID,
		ServiceName:     hold.ServiceName,
		ClinicID:        hold.ClinicID,
		DoctorID:        hold.DoctorID,
		Language:        "en",
		StartTime:       hold.StartTime,
		EndTime:         hold.EndTime,
		DurationMinutes: 60,
		AmountCents:     3000,
		Currency:        "eur",
	}
	raw, err := json.Marshal(map[string]any{"id": "evt_" + sessionID, "type": "checkout.session.completed"})
	require.NoError(t, err)
	return payments.CheckoutCompleted{
		EventID:         "evt_" + sessionID,
		SessionID:       sessionID,
		PaymentIntentID: "pi_" + sessionID,
		AmountTotal:     3000,
		Currency:        "eur",
		Metadata:        meta.Encode(),
		Created:         time.Date(2026, 1, 5, 10, 5, 0, 0, time.UTC),
		Raw:             raw,
	}
}

func TestRelayDoubleDeliveryCreatesOneBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hold := f.reserve(t, "ana@example.com")
	evt := completion(t, "cs_s6", hold)

	first, err := f.relay.ProcessCheckoutCompleted(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.False(t, first.Duplicate)

	second, err := f.relay.ProcessCheckoutCompleted(ctx, evt)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.BookingID, second.BookingID)

	assert.Equal(t, 1, f.store.Count())
	b, err := f.store.GetBySessionID(ctx, "cs_s6")
	require.NoError(t, err)
	assert.Equal(t, bookings.StatusConfirmed, b.Status)
	assert.Equal(t, int64(3000), b.AmountPaid)
	assert.Equal(t, "demo-clinic", b.ClinicID)
	assert.Equal(t, "s6", b.ServiceID)
	assert.True(t, b.StartTime.Equal(slotStart))
	assert.False(t, b.NeedsReview)

	promoted, err := f.holds.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StatusPromoted, promoted.Status)

	dispatches := f.outbox.Entries(events.DispatchBookingConfirmed)
	require.Len(t, dispatches, 1)
	assert.NotEqual(t, uuid.Nil, dispatches[0].DispatchID)
	var payload events.ConfirmationNotificationV1
	require.NoError(t, json.Unmarshal(dispatches[0].Payload, &payload))
	assert.Equal(t, b.ID.String(), payload.BookingID)
	assert.Equal(t, "cs_s6", payload.StripeSessionID)

	assert.Len(t, f.eventLog.OfType(events.EventBookingConfirmed), 1)
	assert.Equal(t, []string{"cs_s6"}, f.archive.sessions, "fast-path duplicates are not archived again")
}

func TestRelayConcurrentDeliveriesWithoutTracker(t *testing.T) {
	f := newFixture(t)
	hold := f.reserve(t, "ana@example.com")
	evt := completion(t, "cs_race", hold)

	var wg sync.WaitGroup
	results := make(chan *payments.RelayResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each delivery gets its own tracker so every one takes the slow path.
			relay := NewRelay(f.store, f.holds, events.NewMemoryProcessed(), f.outbox, nil)
			res, err := relay.ProcessCheckoutCompleted(context.Background(), evt)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for res := range results {
		if !res.Duplicate {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.store.Count())
}

func TestRelayFlagsExpiredReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hold := f.reserve(t, "ana@example.com")
	f.clock.Advance(45 * time.Minute)

	res, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_late_hold", hold))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, res.Outcome)

	b, err := f.store.GetByID(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, bookings.StatusConfirmed, b.Status)
	assert.True(t, b.NeedsReview)
	assert.Equal(t, reasonHoldExpired, b.ReviewReason)

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, b.ID, f.alerts.alerts[0].BookingID)
	assert.Len(t, f.eventLog.OfType(events.EventBookingFlagged), 1)
}

func TestRelayFlagsMissingReservation(t *testing.T) {
	f := newFixture(t)
	hold := &reservations.Reservation{
		ID:            uuid.New(),
		ClinicID:      "demo-clinic",
		ServiceID:     "s6",
		ServiceName:   "Whitening",
		CustomerEmail: "ana@example.com",
		CustomerName:  "Ana",
		StartTime:     slotStart,
		EndTime:       slotStart.Add(time.Hour),
	}
	res, err := f.relay.ProcessCheckoutCompleted(context.Background(), completion(t, "cs_nohold", hold))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, res.Outcome)
	b, _ := f.store.GetByID(context.Background(), res.BookingID)
	assert.Equal(t, reasonHoldMissing, b.ReviewReason)
}

func TestRelayResoldSlotKeepsPaymentForRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.reserve(t, "ana@example.com")
	f.clock.Advance(31 * time.Minute)
	second := f.reserve(t, "iva@example.com")
	_, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_second", second))
	require.NoError(t, err)

	res, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_first", first))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSlotResold, res.Outcome)

	b, err := f.store.GetBySessionID(ctx, "cs_first")
	require.NoError(t, err)
	assert.Equal(t, bookings.StatusCancelled, b.Status)
	require.NotNil(t, b.RefundStatus)
	assert.Equal(t, bookings.RefundPending, *b.RefundStatus)
	assert.True(t, b.NeedsReview)
	assert.Equal(t, int64(3000), b.AmountPaid)

	refunds := f.outbox.Entries(events.DispatchRefundRequired)
	require.Len(t, refunds, 1)
	var payload events.CancellationNotificationV1
	require.NoError(t, json.Unmarshal(refunds[0].Payload, &payload))
	assert.True(t, payload.IsRefundEligible)
	assert.Equal(t, "pi_cs_first", payload.PaymentIntentID)
	assert.Len(t, f.eventLog.OfType(events.EventSlotResold), 1)
}

func pendingFallbackBooking(t *testing.T, f *fixture, hold *reservations.Reservation) *bookings.Booking {
	t.Helper()
	reservationID := hold.ID
	b := &bookings.Booking{
		ClinicID:      hold.ClinicID,
		DoctorID:      hold.DoctorID,
		CustomerName:  hold.CustomerName,
		CustomerEmail: hold.CustomerEmail,
		ServiceID:     hold.ServiceID,
		ServiceName:   hold.ServiceName,
		StartTime:     hold.StartTime,
		EndTime:       hold.EndTime,
		Currency:      "eur",
		Status:        bookings.StatusPending,
		Source:        bookings.SourceFallback,
		ReservationID: &reservationID,
	}
	require.NoError(t, bookings.Prepare(b, f.clock.Now()))
	require.NoError(t, f.store.Create(context.Background(), b))
	return b
}

func TestRelayConfirmsPendingFallbackBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hold := f.reserve(t, "ana@example.com")
	pending := pendingFallbackBooking(t, f, hold)

	res, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_pending", hold))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, pending.ID, res.BookingID)
	assert.Equal(t, 1, f.store.Count())

	b, _ := f.store.GetByID(ctx, pending.ID)
	assert.Equal(t, bookings.StatusConfirmed, b.Status)
	require.NotNil(t, b.StripeSessionID)
	assert.Equal(t, "cs_pending", *b.StripeSessionID)
	assert.Equal(t, int64(3000), b.AmountPaid)
}

func TestRelayConflictOrderingEndsCancelled(t *testing.T) {
	ctx := context.Background()
	refunds := []bookings.RefundStatus{bookings.RefundNotEligible, bookings.RefundPending}

	for _, refund := range refunds {
		t.Run("cancel then confirm/"+string(refund), func(t *testing.T) {
			f := newFixture(t)
			hold := f.reserve(t, "ana@example.com")
			pending := pendingFallbackBooking(t, f, hold)
			_, err := f.store.CancelByID(ctx, pending.ID, f.clock.Now(), refund)
			require.NoError(t, err)

			res, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_after_cancel", hold))
			require.NoError(t, err)
			assert.Equal(t, OutcomeLatePayment, res.Outcome)
			assert.False(t, res.Duplicate)

			b, _ := f.store.GetByID(ctx, pending.ID)
			assert.Equal(t, bookings.StatusCancelled, b.Status)
			assert.Equal(t, bookings.RefundPending, *b.RefundStatus)
			assert.True(t, b.NeedsReview)
			require.NotNil(t, b.StripeSessionID)
			assert.Equal(t, "cs_after_cancel", *b.StripeSessionID)
			require.NotNil(t, b.PaymentIntentID)
			assert.Equal(t, "pi_cs_after_cancel", *b.PaymentIntentID)
			assert.Equal(t, int64(3000), b.AmountPaid)
			assert.Len(t, f.eventLog.OfType(events.EventPaymentAfterCancellation), 1)

			refundDispatches := f.outbox.Entries(events.DispatchRefundRequired)
			require.Len(t, refundDispatches, 1)
			var payload events.CancellationNotificationV1
			require.NoError(t, json.Unmarshal(refundDispatches[0].Payload, &payload))
			assert.Equal(t, "pi_cs_after_cancel", payload.PaymentIntentID)

			again, err := NewRelay(f.store, f.holds, events.NewMemoryProcessed(), f.outbox, nil).
				ProcessCheckoutCompleted(ctx, completion(t, "cs_after_cancel", hold))
			require.NoError(t, err)
			assert.True(t, again.Duplicate)
			assert.Len(t, f.outbox.Entries(events.DispatchRefundRequired), 1)
		})

		t.Run("confirm then cancel/"+string(refund), func(t *testing.T) {
			f := newFixture(t)
			hold := f.reserve(t, "ana@example.com")
			res, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_before_cancel", hold))
			require.NoError(t, err)
			_, err = f.store.CancelByID(ctx, res.BookingID, f.clock.Now(), refund)
			require.NoError(t, err)

			again, err := NewRelay(f.store, f.holds, events.NewMemoryProcessed(), f.outbox, nil).
				ProcessCheckoutCompleted(ctx, completion(t, "cs_before_cancel", hold))
			require.NoError(t, err)
			assert.True(t, again.Duplicate)
			assert.Equal(t, OutcomeDuplicate, again.Outcome)
			assert.Equal(t, res.BookingID, again.BookingID)

			b, _ := f.store.GetByID(ctx, res.BookingID)
			assert.Equal(t, bookings.StatusCancelled, b.Status)
			assert.Equal(t, refund, *b.RefundStatus)
			assert.Empty(t, f.outbox.Entries(events.DispatchRefundRequired))
			assert.Empty(t, f.eventLog.OfType(events.EventPaymentAfterCancellation))
			assert.Equal(t, 1, f.store.Count())
		})
	}
}

func TestRelaySecondSessionForPaidHoldIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hold := f.reserve(t, "ana@example.com")

	first, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_a", hold))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	second, err := f.relay.ProcessCheckoutCompleted(ctx, completion(t, "cs_b", hold))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExtraPaid, second.Outcome)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.BookingID, second.BookingID)

	original, _ := f.store.GetByID(ctx, first.BookingID)
	assert.Equal(t, bookings.StatusConfirmed, original.Status)
	assert.Equal(t, "cs_a", *original.StripeSessionID)

	extra, err := f.store.GetBySessionID(ctx, "cs_b")
	require.NoError(t, err)
	assert.Equal(t, bookings.StatusCancelled, extra.Status)
	assert.Equal(t, bookings.RefundPending, *extra.RefundStatus)
	assert.True(t, extra.NeedsReview)
	assert.Equal(t, reasonExtraPayment, extra.ReviewReason)
	assert.Equal(t, int64(3000), extra.AmountPaid)

	require.Len(t, f.outbox.Entries(events.DispatchRefundRequired), 1)
	assert.Len(t, f.eventLog.OfType(events.EventPaymentExtraSession), 1)
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, reasonExtraPayment, f.alerts.alerts[0].Reason)

	again, err := NewRelay(f.store, f.holds, events.NewMemoryProcessed(), f.outbox, nil).
		ProcessCheckoutCompleted(ctx, completion(t, "cs_b", hold))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, extra.ID, again.BookingID)
	assert.Len(t, f.outbox.Entries(events.DispatchRefundRequired), 1)
	assert.Equal(t, 2, f.store.Count())
}

func TestRelayUnmatchedMetadataIsForwardedAndAlerted(t *testing.T) {
	f := newFixture(t)
	evt := payments.CheckoutCompleted{
		EventID:     "evt_bad",
		SessionID:   "cs_bad",
		AmountTotal: 3000,
		Currency:    "eur",
		Metadata:    map[string]string{"customer_email": "ana@example.com"},
		Raw:         json.RawMessage(`{"id":"evt_bad"}`),
	}
	res, err := f.relay.ProcessCheckoutCompleted(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Equal(t, uuid.Nil, res.BookingID)
	assert.Equal(t, 0, f.store.Count())

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, reasonMetadata, f.alerts.alerts[0].Reason)
	require.Len(t, f.outbox.Entries(events.DispatchBookingConfirmed), 1)
	assert.Equal(t, []string{"cs_bad"}, f.archive.sessions)
}

func TestRelayOutboxFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	hold := f.reserve(t, "ana@example.com")
	relay := NewRelay(f.store, f.holds, events.NewMemoryProcessed(), failingOutbox{}, nil)

	res, err := relay.ProcessCheckoutCompleted(context.Background(), completion(t, "cs_noout", hold))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, 1, f.store.Count())
}

func TestRelayStoreFailureAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	hold := f.reserve(t, "ana@example.com")
	processed := events.NewMemoryProcessed()
	relay := NewRelay(brokenStore{Store: f.store}, f.holds, processed, f.outbox, nil)

	_, err := relay.ProcessCheckoutCompleted(context.Background(), completion(t, "cs_broken", hold))
	require.Error(t, err)
	seen, _ := processed.AlreadyProcessed(context.Background(), events.ProviderStripe, "cs_broken")
	assert.False(t, seen, "a failed delivery must not be marked processed")
	assert.Empty(t, f.outbox.Entries(""))
}
