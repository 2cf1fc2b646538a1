package cancellation

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
	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

var tracer = otel.Tracer("dental-booking.cancellation")

// DefaultRefundWindow is the minimum notice for a refund.
const DefaultRefundWindow = 24 * time.Hour

// RefundEligible reports whether start is strictly more than window after now.
// Both instants are compared in UTC so the caller's zone never matters.
func RefundEligible(start, now time.Time, window time.Duration) bool {
	return start.UTC().Sub(now.UTC()) > window
}

// Result is what a successful cancellation reports back.
type Result struct {
	BookingID      uuid.UUID
	RefundEligible bool
}

// View is the booking as shown to the token holder.
type View struct {
	ID           uuid.UUID       `json:"id"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	ServiceName  string          `json:"service_name"`
	AmountPaid   int64           `json:"amount_paid"`
	Status       bookings.Status `json:"status"`
	CustomerName string          `json:"customer_name"`
}

// Fields flattens the view into a response body.
func (v *View) Fields() map[string]any {
	return map[string]any{
		"id":            v.ID,
		"start_time":    v.StartTime,
		"end_time":      v.EndTime,
		"service_name":  v.ServiceName,
		"amount_paid":   v.AmountPaid,
		"status":        v.Status,
		"customer_name": v.CustomerName,
	}
}

// Service cancels bookings by token and notifies the workflow engine once.
type Service struct {
	store    bookings.Store
	outbox   events.Enqueuer
	eventLog events.Recorder
	window   time.Duration
	now      func() time.Time
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
}

func NewService(store bookings.Store, outbox events.Enqueuer, window time.Duration, logger *logging.Logger) *Service {
	if store == nil || outbox == nil {
		panic("cancellation: store and outbox required")
	}
	if window <= 0 {
		window = DefaultRefundWindow
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:  store,
		outbox: outbox,
		window: window,
		now:    time.Now,
		logger: logger.Component("cancellation"),
	}
}

func (s *Service) WithEventLog(log events.Recorder) *Service {
	s.eventLog = log
	return s
}

func (s *Service) WithMetrics(m *metrics.BookingMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// GetBooking returns the sanitized view for token.
func (s *Service) GetBooking(ctx context.Context, token string) (*View, error) {
	b, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &View{
		ID:           b.ID,
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		ServiceName:  b.ServiceName,
		AmountPaid:   b.AmountPaid,
		Status:       b.Status,
		CustomerName: b.CustomerName,
	}, nil
}

// Cancel transitions the booking behind token to cancelled. Only the caller
// whose conditional update wins enqueues the workflow notification, so
// concurrent requests trigger at most one refund.
func (s *Service) Cancel(ctx context.Context, token, language string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "cancellation.cancel")
	defer span.End()

	current, err := s.store.GetByToken(ctx, token)
	if err != nil {
		s.observe(err, false)
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.id", current.ID.String()))
	return s.cancel(ctx, current, language, "", func(now time.Time, refund bookings.RefundStatus) (*bookings.Booking, error) {
		return s.store.CancelByToken(ctx, token, now, refund)
	})
}

// CancelByID is the operator override. It follows the same refund policy and
// single-dispatch rule as a customer cancellation.
func (s *Service) CancelByID(ctx context.Context, id uuid.UUID, reason string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "cancellation.cancel_by_id")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", id.String()))

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		s.observe(err, false)
		return nil, err
	}
	return s.cancel(ctx, current, "", reason, func(now time.Time, refund bookings.RefundStatus) (*bookings.Booking, error) {
		return s.store.CancelByID(ctx, id, now, refund)
	})
}

type cancelFunc func(now time.Time, refund bookings.RefundStatus) (*bookings.Booking, error)

func (s *Service) cancel(ctx context.Context, current *bookings.Booking, language, reason string, apply cancelFunc) (*Result, error) {
	now := s.now().UTC()
	eligible := RefundEligible(current.StartTime, now, s.window)
	refund := bookings.RefundNotEligible
	if eligible {
		refund = bookings.RefundPending
	}

	cancelled, err := apply(now, refund)
	if err != nil {
		s.observe(err, eligible)
		if !isUserFacing(err) {
			return nil, fmt.Errorf("cancellation: cancel booking: %w", err)
		}
		return nil, err
	}
	s.metrics.ObserveCancellation("cancelled", eligible)

	if language == "" {
		language = cancelled.Language
	}
	s.notify(ctx, cancelled, eligible, language, reason, now)
	s.record(ctx, cancelled, eligible, language, reason)

	s.logger.Info("booking cancelled",
		"booking_id", cancelled.ID,
		"refund_eligible", eligible,
		"hours_until_start", current.StartTime.Sub(now).Hours(),
		"reason", reason,
	)
	return &Result{BookingID: cancelled.ID, RefundEligible: eligible}, nil
}

func (s *Service) notify(ctx context.Context, b *bookings.Booking, eligible bool, language, reason string, at time.Time) {
	payload := events.CancellationNotificationV1{
		BookingID:        b.ID.String(),
		CustomerName:     b.CustomerName,
		CustomerEmail:    b.CustomerEmail,
		CustomerPhone:    b.CustomerPhone,
		ServiceName:      b.ServiceName,
		StartTime:        b.StartTime,
		AmountPaid:       b.AmountPaid,
		Currency:         b.Currency,
		IsRefundEligible: eligible,
		Language:         language,
		CancelledAt:      at,
		Reason:           reason,
	}
	if b.PaymentIntentID != nil {
		payload.PaymentIntentID = *b.PaymentIntentID
	}
	if b.StripeSessionID != nil {
		payload.StripeSessionID = *b.StripeSessionID
	}
	if _, err := s.outbox.Enqueue(ctx, events.DispatchBookingCancelled, payload); err != nil {
		// The status change already happened; an operator can replay from the event log.
		s.logger.Error("failed to enqueue cancellation dispatch", "error", err, "booking_id", b.ID)
	}
}

func (s *Service) record(ctx context.Context, b *bookings.Booking, eligible bool, language, reason string) {
	if s.eventLog == nil {
		return
	}
	fields := map[string]any{"refund_eligible": eligible, "language": language}
	if reason != "" {
		fields["reason"] = reason
	}
	data, _ := json.Marshal(fields)
	id := b.ID
	ev := events.BookingEvent{EventType: events.EventBookingCancelled, BookingID: &id, Data: data}
	if b.StripeSessionID != nil {
		ev.SessionID = *b.StripeSessionID
	}
	if err := s.eventLog.Append(ctx, ev); err != nil {
		s.logger.Error("failed to append cancellation event", "error", err, "booking_id", b.ID)
	}
}

func (s *Service) observe(err error, eligible bool) {
	switch {
	case errors.Is(err, bookings.ErrAlreadyCancelled):
		s.metrics.ObserveCancellation("already_cancelled", eligible)
	case errors.Is(err, bookings.ErrNotFound):
		s.metrics.ObserveCancellation("not_found", eligible)
	case errors.Is(err, bookings.ErrIllegalTransition):
		s.metrics.ObserveCancellation("illegal", eligible)
	default:
		s.metrics.ObserveCancellation("error", eligible)
	}
}

func isUserFacing(err error) bool {
	return errors.Is(err, bookings.ErrAlreadyCancelled) ||
		errors.Is(err, bookings.ErrNotFound) ||
		errors.Is(err, bookings.ErrIllegalTransition)
}
