package reservations

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// Handler exposes reservation endpoints.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if service == nil {
		panic("reservations: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// ReserveSlot handles POST /api/reserve-slot.
func (h *Handler) ReserveSlot(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	res, err := h.service.Reserve(r.Context(), req)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			respond.ErrorWithDetails(w, http.StatusBadRequest, "Missing or invalid fields", verr.Fields)
		case errors.Is(err, ErrSlotConflict):
			respond.Error(w, http.StatusConflict, "SLOT_ALREADY_BOOKED")
		default:
			h.logger.Error("reserve slot failed", "error", err, "clinic_id", req.ClinicID)
			respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		}
		return
	}
	respond.Success(w, http.StatusOK, map[string]any{
		"pending_booking_id": res.ID.String(),
		"expires_at":         res.ExpiresAt,
	})
}

// Release handles DELETE /api/reservations/{reservationID}.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid reservation id")
		return
	}
	released, err := h.service.Release(r.Context(), id)
	if err != nil {
		h.logger.Error("release reservation failed", "error", err, "reservation_id", id)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		return
	}
	respond.Success(w, http.StatusOK, map[string]any{"released": released})
}
