package events

import (
	"encoding/json"
	"time"
)

// Workflow dispatch types carried in the outbox.
const (
	DispatchBookingConfirmed = "booking.confirmed.v1"
	DispatchBookingCancelled = "booking.cancelled.v1"
	DispatchRefundRequired   = "booking.refund_required.v1"
)

// Booking event log types.
const (
	EventBookingConfirmed         = "booking.confirmed"
	EventBookingFlagged           = "booking.flagged_for_review"
	EventBookingCancelled         = "booking.cancelled"
	EventBookingCompleted         = "booking.completed"
	EventPaymentAfterCancellation = "payment.after_cancellation"
	EventSlotResold               = "booking.slot_resold"
	EventPaymentExtraSession      = "payment.extra_session"
	EventReviewResolved           = "booking.review_resolved"
	EventRefundRecorded           = "booking.refund_recorded"
)

// ConfirmationNotificationV1 forwards the full processor notification to the
// workflow engine along with the booking it produced.
type ConfirmationNotificationV1 struct {
	BookingID       string          `json:"booking_id"`
	StripeSessionID string          `json:"stripe_session_id"`
	Outcome         string          `json:"outcome"`
	NeedsReview     bool            `json:"needs_review"`
	Notification    json.RawMessage `json:"notification"`
}

// CancellationNotificationV1 asks the workflow engine to notify the patient
// and, when eligible, refund the payment.
type CancellationNotificationV1 struct {
	BookingID        string    `json:"booking_id"`
	CustomerName     string    `json:"customer_name"`
	CustomerEmail    string    `json:"customer_email"`
	CustomerPhone    string    `json:"customer_phone,omitempty"`
	ServiceName      string    `json:"service_name"`
	StartTime        time.Time `json:"start_time"`
	AmountPaid       int64     `json:"amount_paid"`
	Currency         string    `json:"currency"`
	PaymentIntentID  string    `json:"payment_intent_id,omitempty"`
	StripeSessionID  string    `json:"stripe_session_id,omitempty"`
	IsRefundEligible bool      `json:"is_refund_eligible"`
	Language         string    `json:"language"`
	CancelledAt      time.Time `json:"cancelled_at"`
	Reason           string    `json:"reason,omitempty"`
}
