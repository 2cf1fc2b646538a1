// Package fallback writes bookings straight into the store when the payment
// path is unavailable. It never reads or updates existing rows and does not
// check slot availability: two fallback writes for the same slot both succeed
// unless the database constraint rejects the second confirmed row.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// StoreError wraps any failure to persist the row.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "fallback: store booking: " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// Fields is the best-effort booking payload. Unknown keys are ignored by the
// JSON decoder; missing optional ones stay empty.
type Fields struct {
	CustomerName    string     `json:"customer_name"`
	CustomerEmail   string     `json:"customer_email"`
	Phone           string     `json:"phone"`
	ServiceID       string     `json:"service_id"`
	ServiceName     string     `json:"service_name"`
	ClinicID        string     `json:"clinic_id"`
	DoctorID        string     `json:"doctor_id"`
	DoctorName      string     `json:"doctor_name"`
	Language        string     `json:"language"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationMinutes int        `json:"duration"`
	AmountPaid      float64    `json:"amount_paid"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	StripePaymentID string     `json:"stripe_payment_id"`
	ReservationID   string     `json:"pending_booking_id"`
}

// Recorder inserts fallback bookings.
type Recorder struct {
	store  bookings.Store
	now    func() time.Time
	logger *logging.Logger
}

func NewRecorder(store bookings.Store, logger *logging.Logger) *Recorder {
	if store == nil {
		panic("fallback: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{store: store, now: time.Now, logger: logger.Component("fallback")}
}

// RecordBooking maps f onto a new booking row and inserts it. Only pending
// and confirmed are accepted; confirmed is the default.
func (r *Recorder) RecordBooking(ctx context.Context, f Fields) (uuid.UUID, error) {
	b, err := r.build(f)
	if err != nil {
		return uuid.Nil, err
	}
	if err := bookings.Prepare(b, r.now()); err != nil {
		return uuid.Nil, err
	}
	if err := r.store.Create(ctx, b); err != nil {
		r.logger.Error("fallback booking insert failed", "error", err, "clinic_id", b.ClinicID, "start_time", b.StartTime)
		return uuid.Nil, &StoreError{Err: err}
	}
	r.logger.Info("fallback booking recorded", "booking_id", b.ID, "status", b.Status, "clinic_id", b.ClinicID)
	return b.ID, nil
}

func (r *Recorder) build(f Fields) (*bookings.Booking, error) {
	status := bookings.Status(strings.ToLower(strings.TrimSpace(f.Status)))
	if status == "" {
		status = bookings.StatusConfirmed
	}
	if status != bookings.StatusPending && status != bookings.StatusConfirmed {
		return nil, fmt.Errorf("%w: status must be pending or confirmed", bookings.ErrInvalidBooking)
	}

	b := &bookings.Booking{
		ClinicID:      strings.TrimSpace(f.ClinicID),
		DoctorID:      f.DoctorID,
		DoctorName:    f.DoctorName,
		CustomerName:  f.CustomerName,
		CustomerEmail: strings.TrimSpace(f.CustomerEmail),
		CustomerPhone: f.Phone,
		ServiceID:     f.ServiceID,
		ServiceName:   f.ServiceName,
		Language:      f.Language,
		StartTime:     f.StartTime,
		Currency:      strings.ToLower(f.Currency),
		Status:        status,
		Source:        bookings.SourceFallback,
	}
	switch {
	case f.EndTime != nil:
		b.EndTime = *f.EndTime
	case f.DurationMinutes > 0:
		b.EndTime = f.StartTime.Add(time.Duration(f.DurationMinutes) * time.Minute)
	}
	if f.AmountPaid > 0 {
		// Amounts arrive in major units.
		b.AmountPaid = int64(f.AmountPaid*100 + 0.5)
	}
	if f.StripePaymentID != "" {
		session := f.StripePaymentID
		b.StripeSessionID = &session
	}
	if f.ReservationID != "" {
		id, err := uuid.Parse(f.ReservationID)
		if err != nil {
			return nil, fmt.Errorf("%w: pending_booking_id", bookings.ErrInvalidBooking)
		}
		b.ReservationID = &id
	}
	return b, nil
}

// IsValidation reports whether err was caused by the input rather than the store.
func IsValidation(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return false
	}
	return errors.Is(err, bookings.ErrInvalidBooking)
}
