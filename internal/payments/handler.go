package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/internal/reservations"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// ReservationReader loads the hold a session is opened for.
type ReservationReader interface {
	Get(ctx context.Context, id uuid.UUID) (*reservations.Reservation, error)
	Now() time.Time
}

// SessionCreator opens checkout sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// CheckoutHandler serves POST /api/create-stripe-session.
type CheckoutHandler struct {
	checkout     SessionCreator
	reservations ReservationReader
	logger       *logging.Logger
}

func NewCheckoutHandler(checkout SessionCreator, reservations ReservationReader, logger *logging.Logger) *CheckoutHandler {
	if checkout == nil || reservations == nil {
		panic("payments: checkout and reservations required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutHandler{checkout: checkout, reservations: reservations, logger: logger}
}

type createSessionRequest struct {
	PendingBookingID string `json:"pending_booking_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	ServiceName      string `json:"service_name"`
	SuccessURL       string `json:"success_url"`
	CancelURL        string `json:"cancel_url"`
	CustomerEmail    string `json:"customer_email"`
	CustomerName     string `json:"customer_name"`
	CustomerPhone    string `json:"customer_phone"`
	DoctorName       string `json:"doctor_name"`
	Language         string `json:"language"`
}

func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := respond.Decode(r, &body); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	reservationID, err := uuid.Parse(strings.TrimSpace(body.PendingBookingID))
	if err != nil {
		respond.ErrorWithDetails(w, http.StatusBadRequest, "Missing or invalid fields", []string{"pending_booking_id"})
		return
	}
	hold, err := h.reservations.Get(r.Context(), reservationID)
	if err != nil {
		if errors.Is(err, reservations.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, "Reservation not found")
			return
		}
		h.logger.Error("load reservation failed", "error", err, "reservation_id", reservationID)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		return
	}
	if !hold.Live(h.reservations.Now()) {
		respond.Error(w, http.StatusConflict, "RESERVATION_EXPIRED")
		return
	}

	customerName := body.CustomerName
	if customerName == "" {
		customerName = hold.CustomerName
	}
	language := body.Language
	if language == "" {
		language = "en"
	}
	req := SessionRequest{
		AmountCents:   body.AmountCents,
		Currency:      body.Currency,
		ServiceName:   body.ServiceName,
		SuccessURL:    body.SuccessURL,
		CancelURL:     body.CancelURL,
		CustomerEmail: body.CustomerEmail,
		Metadata: BookingMetadata{
			ReservationID:   hold.ID,
			CustomerName:    customerName,
			CustomerEmail:   body.CustomerEmail,
			CustomerPhone:   body.CustomerPhone,
			ServiceID:       hold.ServiceID,
			ServiceName:     body.ServiceName,
			ClinicID:        hold.ClinicID,
			DoctorID:        hold.DoctorID,
			DoctorName:      body.DoctorName,
			Language:        language,
			StartTime:       hold.StartTime,
			EndTime:         hold.EndTime,
			DurationMinutes: int(hold.EndTime.Sub(hold.StartTime) / time.Minute),
		},
	}

	session, err := h.checkout.CreateSession(r.Context(), req)
	if err != nil {
		var verr *ValidationError
		var perr *ProcessorError
		switch {
		case errors.As(err, &verr):
			respond.ErrorWithDetails(w, http.StatusBadRequest, "Missing or invalid fields", verr.Fields)
		case errors.As(err, &perr):
			respond.Error(w, http.StatusBadGateway, perr.Message)
		default:
			h.logger.Error("create checkout session failed", "error", err, "reservation_id", reservationID)
			respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		}
		return
	}
	h.logger.Info("checkout session created", "reservation_id", reservationID, "session_id", session.ID)
	respond.Success(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"url":        session.URL,
	})
}
