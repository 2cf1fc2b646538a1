package bookings

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// RefundStatus tracks the refund side effect of a cancellation.
type RefundStatus string

const (
	RefundPending     RefundStatus = "pending"
	RefundNotEligible RefundStatus = "not_eligible"
	RefundRefunded    RefundStatus = "refunded"
)

// Source records which entry path created the row. Audit only.
type Source string

const (
	SourceRelay    Source = "relay"
	SourceFallback Source = "fallback"
	SourceAdmin    Source = "admin"
)

// Booking is the persisted appointment record.
type Booking struct {
	ID                uuid.UUID     `json:"id"`
	CancellationToken string        `json:"-"`
	ClinicID          string        `json:"clinic_id"`
	DoctorID          string        `json:"doctor_id,omitempty"`
	DoctorName        string        `json:"doctor_name,omitempty"`
	CustomerName      string        `json:"customer_name"`
	CustomerEmail     string        `json:"customer_email"`
	CustomerPhone     string        `json:"customer_phone,omitempty"`
	ServiceID         string        `json:"service_id"`
	ServiceName       string        `json:"service_name"`
	Language          string        `json:"language"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	AmountPaid        int64         `json:"amount_paid"`
	Currency          string        `json:"currency"`
	StripeSessionID   *string       `json:"stripe_session_id,omitempty"`
	PaymentIntentID   *string       `json:"payment_intent_id,omitempty"`
	RefundStatus      *RefundStatus `json:"refund_status,omitempty"`
	Status            Status        `json:"status"`
	Source            Source        `json:"source"`
	ReservationID     *uuid.UUID    `json:"reservation_id,omitempty"`
	NeedsReview       bool          `json:"needs_review"`
	ReviewReason      string        `json:"review_reason,omitempty"`
	ReviewedAt        *time.Time    `json:"reviewed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CancelledAt       *time.Time    `json:"cancelled_at,omitempty"`
}

// Validate checks the fields every insert path must provide.
func (b *Booking) Validate() error {
	if b == nil {
		return ErrInvalidBooking
	}
	var problems []string
	if strings.TrimSpace(b.ClinicID) == "" {
		problems = append(problems, "clinic_id")
	}
	if strings.TrimSpace(b.CustomerEmail) == "" {
		problems = append(problems, "customer_email")
	}
	if b.StartTime.IsZero() || b.EndTime.IsZero() || !b.StartTime.Before(b.EndTime) {
		problems = append(problems, "start_time must precede end_time")
	}
	if !b.Status.Valid() {
		problems = append(problems, "status")
	}
	if len(problems) > 0 {
		return invalidBooking(problems)
	}
	return nil
}

// Overlaps reports whether b occupies the same clinic/doctor lane as [start, end).
func (b *Booking) Overlaps(clinicID, doctorID string, start, end time.Time) bool {
	return b.ClinicID == clinicID && b.DoctorID == doctorID && b.StartTime.Before(end) && start.Before(b.EndTime)
}

// ConfirmPayment carries the processor facts recorded when a pending booking is confirmed.
type ConfirmPayment struct {
	SessionID       string
	PaymentIntentID string
	AmountPaid      int64
	Currency        string
}

// ListFilter narrows ListByClinic results. Zero values mean "no filter".
type ListFilter struct {
	Statuses []Status
	From     time.Time
	To       time.Time
	Limit    int
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func refundPtr(r RefundStatus) *RefundStatus {
	return &r
}

func (b *Booking) clone() *Booking {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}
