// Package confirmation turns payment completion notifications into booking
// state. Delivery is at-least-once and may arrive before, after or without
// the reservation it refers to; every path is idempotent on the session id.
package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/events"
	"github.com/wolfman30/dental-booking/internal/notify"
	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/internal/payments"
	"github.com/wolfman30/dental-booking/internal/reservations"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

var tracer = otel.Tracer("dental-booking.confirmation")

// Relay outcomes, also used as metric labels.
const (
	OutcomeCreated     = "created"
	OutcomeConfirmed   = "confirmed_pending"
	OutcomeFlagged     = "flagged"
	OutcomeDuplicate   = "duplicate"
	OutcomeLatePayment = "late_payment"
	OutcomeSlotResold  = "slot_resold"
	OutcomeExtraPaid   = "extra_payment"
	OutcomeUnmatched   = "unmatched"
)

const (
	reasonLatePayment    = "payment received after cancellation"
	reasonSlotResold     = "slot already booked when payment arrived"
	reasonExtraPayment   = "booking already paid by another checkout session"
	reasonMetadata       = "notification metadata incomplete"
	reasonHoldMissing    = "reservation not found"
	reasonHoldExpired    = "reservation expired before payment"
	reasonHoldNotHeld    = "reservation no longer held"
	maxReconcileAttempts = 3
)

// Reservations is the slice of the reservation service the relay needs.
type Reservations interface {
	Get(ctx context.Context, id uuid.UUID) (*reservations.Reservation, error)
	Promote(ctx context.Context, id, bookingID uuid.UUID) (bool, error)
	Now() time.Time
}

// Archiver keeps the raw notification.
type Archiver interface {
	ArchiveNotification(ctx context.Context, provider, sessionID string, payload []byte, receivedAt time.Time) error
}

// ReviewNotifier alerts operators about flagged bookings.
type ReviewNotifier interface {
	NotifyReview(ctx context.Context, alert notify.ReviewAlert) error
}

// Relay implements payments.CompletionProcessor.
type Relay struct {
	bookings     bookings.Store
	reservations Reservations
	processed    events.ProcessedTracker
	outbox       events.Enqueuer
	eventLog     events.Recorder
	archive      Archiver
	alerts       ReviewNotifier
	metrics      *metrics.BookingMetrics
	logger       *logging.Logger
}

var _ payments.CompletionProcessor = (*Relay)(nil)

func NewRelay(store bookings.Store, holds Reservations, processed events.ProcessedTracker, outbox events.Enqueuer, logger *logging.Logger) *Relay {
	if store == nil || holds == nil {
		panic("confirmation: booking store and reservations required")
	}
	if processed == nil || outbox == nil {
		panic("confirmation: processed tracker and outbox required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{
		bookings:     store,
		reservations: holds,
		processed:    processed,
		outbox:       outbox,
		logger:       logger.Component("confirmation"),
	}
}

func (r *Relay) WithEventLog(log events.Recorder) *Relay {
	r.eventLog = log
	return r
}

// WithArchive enables raw notification archival. A disabled store is ignored.
func (r *Relay) WithArchive(a Archiver) *Relay {
	r.archive = a
	return r
}

func (r *Relay) WithAlerts(n ReviewNotifier) *Relay {
	r.alerts = n
	return r
}

func (r *Relay) WithMetrics(m *metrics.BookingMetrics) *Relay {
	r.metrics = m
	return r
}

// ProcessCheckoutCompleted reconciles one completion notification. It only
// returns an error when the booking store could not be read or written, so
// the processor redelivers.
func (r *Relay) ProcessCheckoutCompleted(ctx context.Context, evt payments.CheckoutCompleted) (*payments.RelayResult, error) {
	ctx, span := tracer.Start(ctx, "confirmation.process_checkout_completed")
	defer span.End()
	span.SetAttributes(
		attribute.String("stripe.session_id", evt.SessionID),
		attribute.String("stripe.event_id", evt.EventID),
	)

	seen, err := r.processed.AlreadyProcessed(ctx, events.ProviderStripe, evt.SessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("confirmation: check processed: %w", err)
	}
	if seen {
		result := &payments.RelayResult{Duplicate: true, Outcome: OutcomeDuplicate}
		if existing, err := r.bookings.GetBySessionID(ctx, evt.SessionID); err == nil {
			result.BookingID = existing.ID
		}
		r.metrics.ObserveRelay(OutcomeDuplicate)
		return result, nil
	}

	result, booking, err := r.reconcile(ctx, evt)
	if err != nil {
		span.RecordError(err)
		r.metrics.ObserveRelay("error")
		return nil, err
	}
	span.SetAttributes(attribute.String("relay.outcome", result.Outcome))
	r.metrics.ObserveRelay(result.Outcome)

	if !result.Duplicate {
		r.forward(ctx, evt, result, booking)
	}
	if _, err := r.processed.MarkProcessed(ctx, events.ProviderStripe, evt.SessionID); err != nil {
		// Redelivery takes the slow path, which is idempotent.
		r.logger.Warn("failed to mark session processed", "error", err, "session_id", evt.SessionID)
	}
	if r.archive != nil && len(evt.Raw) > 0 {
		if err := r.archive.ArchiveNotification(ctx, events.ProviderStripe, evt.SessionID, evt.Raw, evt.Created); err != nil {
			r.logger.Warn("failed to archive notification", "error", err, "session_id", evt.SessionID)
		}
	}

	r.logger.Info("checkout completion reconciled",
		"session_id", evt.SessionID,
		"booking_id", result.BookingID,
		"outcome", result.Outcome,
	)
	return result, nil
}

func (r *Relay) reconcile(ctx context.Context, evt payments.CheckoutCompleted) (*payments.RelayResult, *bookings.Booking, error) {
	meta, metaErr := payments.DecodeBookingMetadata(evt.Metadata)
	payment := bookings.ConfirmPayment{
		SessionID:       evt.SessionID,
		PaymentIntentID: evt.PaymentIntentID,
		AmountPaid:      evt.AmountTotal,
		Currency:        evt.Currency,
	}

	// A concurrent writer can move the row between our read and our
	// conditional write; re-read and decide again.
	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		existing, err := r.findExisting(ctx, evt.SessionID, meta.ReservationID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			result, booking, err := r.reconcileExisting(ctx, existing, payment, meta)
			if errors.Is(err, bookings.ErrIllegalTransition) || errors.Is(err, bookings.ErrAlreadyCancelled) {
				continue
			}
			return result, booking, err
		}
		if metaErr != nil {
			return r.unmatched(ctx, evt, metaErr), nil, nil
		}
		result, booking, err := r.createFromMetadata(ctx, evt, meta, payment)
		if errors.Is(err, bookings.ErrDuplicateSession) {
			continue
		}
		return result, booking, err
	}
	return nil, nil, fmt.Errorf("confirmation: session %s kept changing under reconciliation", evt.SessionID)
}

func (r *Relay) findExisting(ctx context.Context, sessionID string, reservationID uuid.UUID) (*bookings.Booking, error) {
	b, err := r.bookings.GetBySessionID(ctx, sessionID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, bookings.ErrNotFound) {
		return nil, fmt.Errorf("confirmation: lookup by session: %w", err)
	}
	if reservationID == uuid.Nil {
		return nil, nil
	}
	b, err = r.bookings.GetByReservationID(ctx, reservationID)
	if errors.Is(err, bookings.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirmation: lookup by reservation: %w", err)
	}
	return b, nil
}

func (r *Relay) reconcileExisting(ctx context.Context, existing *bookings.Booking, payment bookings.ConfirmPayment, meta payments.BookingMetadata) (*payments.RelayResult, *bookings.Booking, error) {
	if existing.StripeSessionID != nil {
		if *existing.StripeSessionID != payment.SessionID {
			return r.createExtraPayment(ctx, existing, payment)
		}
		// This session already reached the row, whatever happened to it since.
		if existing.Status != bookings.StatusPending {
			return &payments.RelayResult{BookingID: existing.ID, Duplicate: true, Outcome: OutcomeDuplicate}, existing, nil
		}
	}

	switch existing.Status {
	case bookings.StatusConfirmed, bookings.StatusCompleted:
		return &payments.RelayResult{BookingID: existing.ID, Duplicate: true, Outcome: OutcomeDuplicate}, existing, nil

	case bookings.StatusPending:
		confirmed, err := r.bookings.Confirm(ctx, existing.ID, payment)
		if errors.Is(err, bookings.ErrSlotTaken) {
			// Someone else holds the slot: cancel, then treat as a late payment.
			if _, cerr := r.bookings.CancelByID(ctx, existing.ID, r.reservations.Now(), bookings.RefundNotEligible); cerr != nil && !errors.Is(cerr, bookings.ErrAlreadyCancelled) {
				return nil, nil, fmt.Errorf("confirmation: cancel double-booked pending: %w", cerr)
			}
			return r.latePayment(ctx, existing.ID, payment, reasonSlotResold)
		}
		if err != nil {
			if errors.Is(err, bookings.ErrIllegalTransition) || errors.Is(err, bookings.ErrAlreadyCancelled) {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("confirmation: confirm pending booking: %w", err)
		}
		r.promote(ctx, meta.ReservationID, confirmed.ID)
		r.record(ctx, events.EventBookingConfirmed, payment.SessionID, confirmed.ID, map[string]any{
			"source":      confirmed.Source,
			"amount_paid": confirmed.AmountPaid,
		})
		return &payments.RelayResult{BookingID: confirmed.ID, Outcome: OutcomeConfirmed}, confirmed, nil

	case bookings.StatusCancelled:
		return r.latePayment(ctx, existing.ID, payment, reasonLatePayment)
	}
	return nil, nil, fmt.Errorf("confirmation: booking %s has unknown status %q", existing.ID, existing.Status)
}

// latePayment records money received for a cancelled booking. Status stays
// cancelled and a full refund is owed.
func (r *Relay) latePayment(ctx context.Context, id uuid.UUID, payment bookings.ConfirmPayment, reason string) (*payments.RelayResult, *bookings.Booking, error) {
	changed, err := r.bookings.RecordLatePayment(ctx, id, payment, reason)
	if err != nil {
		return nil, nil, fmt.Errorf("confirmation: record late payment: %w", err)
	}
	current, err := r.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("confirmation: reload booking: %w", err)
	}
	if !changed {
		if current.StripeSessionID != nil && *current.StripeSessionID == payment.SessionID {
			return &payments.RelayResult{BookingID: id, Duplicate: true, Outcome: OutcomeDuplicate}, current, nil
		}
		// Another payment got attached first; reconcile again so this one
		// takes the extra payment path.
		return nil, nil, bookings.ErrIllegalTransition
	}

	r.record(ctx, events.EventPaymentAfterCancellation, payment.SessionID, id, map[string]any{
		"amount_paid":       payment.AmountPaid,
		"payment_intent_id": payment.PaymentIntentID,
		"reason":            reason,
	})
	r.enqueueRefund(ctx, current, reason)
	r.alert(ctx, current, reason)
	return &payments.RelayResult{BookingID: id, Outcome: OutcomeLatePayment}, current, nil
}

func (r *Relay) createFromMetadata(ctx context.Context, evt payments.CheckoutCompleted, meta payments.BookingMetadata, payment bookings.ConfirmPayment) (*payments.RelayResult, *bookings.Booking, error) {
	now := r.reservations.Now().UTC()

	hold, err := r.reservations.Get(ctx, meta.ReservationID)
	if err != nil && !errors.Is(err, reservations.ErrNotFound) {
		return nil, nil, fmt.Errorf("confirmation: load reservation: %w", err)
	}
	live := hold != nil && hold.Live(now)

	b := bookingFromMetadata(meta, payment)
	if !live {
		b.NeedsReview = true
		b.ReviewReason = holdReason(hold, now)
	}
	if err := bookings.Prepare(b, now); err != nil {
		return nil, nil, fmt.Errorf("confirmation: prepare booking: %w", err)
	}

	err = r.bookings.Create(ctx, b)
	switch {
	case errors.Is(err, bookings.ErrSlotTaken):
		return r.createResold(ctx, b, now)
	case errors.Is(err, bookings.ErrDuplicateSession):
		return nil, nil, err
	case err != nil:
		return nil, nil, fmt.Errorf("confirmation: insert booking: %w", err)
	}

	if live {
		r.promote(ctx, hold.ID, b.ID)
	}
	r.record(ctx, events.EventBookingConfirmed, evt.SessionID, b.ID, map[string]any{
		"reservation_id": meta.ReservationID,
		"amount_paid":    b.AmountPaid,
	})
	if !live {
		r.record(ctx, events.EventBookingFlagged, evt.SessionID, b.ID, map[string]any{"reason": b.ReviewReason})
		r.alert(ctx, b, b.ReviewReason)
		return &payments.RelayResult{BookingID: b.ID, Outcome: OutcomeFlagged}, b, nil
	}
	return &payments.RelayResult{BookingID: b.ID, Outcome: OutcomeCreated}, b, nil
}

// createResold stores a paid booking whose slot was taken meanwhile. It is
// inserted cancelled so the payment is kept and refunded.
func (r *Relay) createResold(ctx context.Context, b *bookings.Booking, now time.Time) (*payments.RelayResult, *bookings.Booking, error) {
	cancelledAt := now
	refund := bookings.RefundPending
	b.Status = bookings.StatusCancelled
	b.CancelledAt = &cancelledAt
	b.RefundStatus = &refund
	b.NeedsReview = true
	b.ReviewReason = reasonSlotResold

	if err := r.bookings.Create(ctx, b); err != nil {
		if errors.Is(err, bookings.ErrDuplicateSession) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("confirmation: insert resold booking: %w", err)
	}
	session := ""
	if b.StripeSessionID != nil {
		session = *b.StripeSessionID
	}
	r.record(ctx, events.EventSlotResold, session, b.ID, map[string]any{
		"clinic_id":  b.ClinicID,
		"doctor_id":  b.DoctorID,
		"start_time": b.StartTime,
	})
	r.enqueueRefund(ctx, b, reasonSlotResold)
	r.alert(ctx, b, reasonSlotResold)
	return &payments.RelayResult{BookingID: b.ID, Outcome: OutcomeSlotResold}, b, nil
}

// createExtraPayment stores a second paid session for a booking that already
// carries a payment. The new row is cancelled and owed a refund; its session
// id makes redelivery a duplicate.
func (r *Relay) createExtraPayment(ctx context.Context, existing *bookings.Booking, payment bookings.ConfirmPayment) (*payments.RelayResult, *bookings.Booking, error) {
	now := r.reservations.Now().UTC()
	refund := bookings.RefundPending
	b := &bookings.Booking{
		ClinicID:      existing.ClinicID,
		DoctorID:      existing.DoctorID,
		DoctorName:    existing.DoctorName,
		CustomerName:  existing.CustomerName,
		CustomerEmail: existing.CustomerEmail,
		CustomerPhone: existing.CustomerPhone,
		ServiceID:     existing.ServiceID,
		ServiceName:   existing.ServiceName,
		Language:      existing.Language,
		StartTime:     existing.StartTime,
		EndTime:       existing.EndTime,
		AmountPaid:    payment.AmountPaid,
		Currency:      payment.Currency,
		Status:        bookings.StatusCancelled,
		Source:        bookings.SourceRelay,
		ReservationID: existing.ReservationID,
		CancelledAt:   &now,
		RefundStatus:  &refund,
		NeedsReview:   true,
		ReviewReason:  reasonExtraPayment,
	}
	if b.Currency == "" {
		b.Currency = existing.Currency
	}
	if payment.SessionID != "" {
		b.StripeSessionID = &payment.SessionID
	}
	if payment.PaymentIntentID != "" {
		b.PaymentIntentID = &payment.PaymentIntentID
	}
	if err := bookings.Prepare(b, now); err != nil {
		return nil, nil, fmt.Errorf("confirmation: prepare extra payment: %w", err)
	}
	if err := r.bookings.Create(ctx, b); err != nil {
		if errors.Is(err, bookings.ErrDuplicateSession) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("confirmation: insert extra payment: %w", err)
	}

	r.record(ctx, events.EventPaymentExtraSession, payment.SessionID, b.ID, map[string]any{
		"original_booking_id": existing.ID,
		"original_session_id": *existing.StripeSessionID,
		"amount_paid":         payment.AmountPaid,
		"payment_intent_id":   payment.PaymentIntentID,
	})
	r.enqueueRefund(ctx, b, reasonExtraPayment)
	r.alert(ctx, b, reasonExtraPayment)
	return &payments.RelayResult{BookingID: b.ID, Outcome: OutcomeExtraPaid}, b, nil
}

// unmatched handles a notification that cannot be turned into a booking.
// The payload is still forwarded and archived for manual reconstruction.
func (r *Relay) unmatched(ctx context.Context, evt payments.CheckoutCompleted, cause error) *payments.RelayResult {
	r.logger.Error("cannot reconstruct booking from notification", "error", cause, "session_id", evt.SessionID)
	r.record(ctx, events.EventBookingFlagged, evt.SessionID, uuid.Nil, map[string]any{
		"reason": reasonMetadata,
		"detail": cause.Error(),
	})
	if r.alerts != nil {
		alert := notify.ReviewAlert{
			StripeSessionID: evt.SessionID,
			AmountPaid:      evt.AmountTotal,
			Currency:        evt.Currency,
			Reason:          reasonMetadata,
		}
		if err := r.alerts.NotifyReview(ctx, alert); err != nil {
			r.logger.Warn("review alert failed", "error", err, "session_id", evt.SessionID)
		}
	}
	return &payments.RelayResult{Outcome: OutcomeUnmatched}
}

func bookingFromMetadata(meta payments.BookingMetadata, payment bookings.ConfirmPayment) *bookings.Booking {
	amount := payment.AmountPaid
	if amount == 0 {
		amount = meta.AmountCents
	}
	currency := payment.Currency
	if currency == "" {
		currency = meta.Currency
	}
	reservationID := meta.ReservationID
	b := &bookings.Booking{
		ClinicID:      meta.ClinicID,
		DoctorID:      meta.DoctorID,
		DoctorName:    meta.DoctorName,
		CustomerName:  meta.CustomerName,
		CustomerEmail: meta.CustomerEmail,
		CustomerPhone: meta.CustomerPhone,
		ServiceID:     meta.ServiceID,
		ServiceName:   meta.ServiceName,
		Language:      meta.Language,
		StartTime:     meta.StartTime,
		EndTime:       meta.EndTime,
		AmountPaid:    amount,
		Currency:      currency,
		Status:        bookings.StatusConfirmed,
		Source:        bookings.SourceRelay,
		ReservationID: &reservationID,
	}
	if payment.SessionID != "" {
		b.StripeSessionID = &payment.SessionID
	}
	if payment.PaymentIntentID != "" {
		b.PaymentIntentID = &payment.PaymentIntentID
	}
	return b
}

func holdReason(hold *reservations.Reservation, now time.Time) string {
	switch {
	case hold == nil:
		return reasonHoldMissing
	case hold.Status == reservations.StatusHeld && !now.Before(hold.ExpiresAt):
		return reasonHoldExpired
	default:
		return reasonHoldNotHeld
	}
}

func (r *Relay) promote(ctx context.Context, reservationID, bookingID uuid.UUID) {
	if reservationID == uuid.Nil {
		return
	}
	ok, err := r.reservations.Promote(ctx, reservationID, bookingID)
	if err != nil {
		r.logger.Warn("failed to promote reservation", "error", err, "reservation_id", reservationID, "booking_id", bookingID)
		return
	}
	if !ok {
		r.logger.Info("reservation was not held at promotion", "reservation_id", reservationID, "booking_id", bookingID)
	}
}

// forward hands the full notification to the workflow engine. The outbox
// write is best effort: the booking row is already authoritative.
func (r *Relay) forward(ctx context.Context, evt payments.CheckoutCompleted, result *payments.RelayResult, b *bookings.Booking) {
	payload := events.ConfirmationNotificationV1{
		StripeSessionID: evt.SessionID,
		Outcome:         result.Outcome,
		Notification:    evt.Raw,
	}
	if result.BookingID != uuid.Nil {
		payload.BookingID = result.BookingID.String()
	}
	if b != nil {
		payload.NeedsReview = b.NeedsReview
	} else {
		payload.NeedsReview = result.Outcome == OutcomeUnmatched
	}
	dispatchID, err := r.outbox.Enqueue(ctx, events.DispatchBookingConfirmed, payload)
	if err != nil {
		r.logger.Error("failed to enqueue confirmation dispatch", "error", err, "session_id", evt.SessionID)
		return
	}
	r.logger.Debug("confirmation dispatch enqueued", "dispatch_id", dispatchID, "session_id", evt.SessionID)
}

func (r *Relay) enqueueRefund(ctx context.Context, b *bookings.Booking, reason string) {
	payload := events.CancellationNotificationV1{
		BookingID:        b.ID.String(),
		CustomerName:     b.CustomerName,
		CustomerEmail:    b.CustomerEmail,
		CustomerPhone:    b.CustomerPhone,
		ServiceName:      b.ServiceName,
		StartTime:        b.StartTime,
		AmountPaid:       b.AmountPaid,
		Currency:         b.Currency,
		IsRefundEligible: true,
		Language:         b.Language,
		Reason:           reason,
	}
	if b.PaymentIntentID != nil {
		payload.PaymentIntentID = *b.PaymentIntentID
	}
	if b.StripeSessionID != nil {
		payload.StripeSessionID = *b.StripeSessionID
	}
	if b.CancelledAt != nil {
		payload.CancelledAt = *b.CancelledAt
	}
	if _, err := r.outbox.Enqueue(ctx, events.DispatchRefundRequired, payload); err != nil {
		r.logger.Error("failed to enqueue refund dispatch", "error", err, "booking_id", b.ID)
	}
}

func (r *Relay) record(ctx context.Context, eventType, sessionID string, bookingID uuid.UUID, data map[string]any) {
	if r.eventLog == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		r.logger.Error("failed to encode booking event", "error", err, "event_type", eventType)
		return
	}
	ev := events.BookingEvent{SessionID: sessionID, EventType: eventType, Data: raw}
	if bookingID != uuid.Nil {
		ev.BookingID = &bookingID
	}
	if err := r.eventLog.Append(ctx, ev); err != nil {
		r.logger.Error("failed to append booking event", "error", err, "event_type", eventType, "booking_id", bookingID)
	}
}

func (r *Relay) alert(ctx context.Context, b *bookings.Booking, reason string) {
	if r.alerts == nil {
		return
	}
	alert := notify.ReviewAlert{
		BookingID:     b.ID,
		ClinicID:      b.ClinicID,
		CustomerName:  b.CustomerName,
		CustomerEmail: b.CustomerEmail,
		ServiceName:   b.ServiceName,
		StartTime:     b.StartTime,
		AmountPaid:    b.AmountPaid,
		Currency:      b.Currency,
		Reason:        reason,
	}
	if b.StripeSessionID != nil {
		alert.StripeSessionID = *b.StripeSessionID
	}
	if err := r.alerts.NotifyReview(ctx, alert); err != nil {
		r.logger.Warn("review alert failed", "error", err, "booking_id", b.ID)
	}
}
