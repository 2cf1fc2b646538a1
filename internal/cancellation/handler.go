package cancellation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

const (
	msgMissingToken     = "Missing cancellation token"
	msgNotFound         = "Booking not found or invalid token"
	msgAlreadyCancelled = "This appointment has already been cancelled"
	msgNotCancellable   = "This appointment can no longer be cancelled"
	msgCancelled        = "Appointment cancelled successfully"
)

// Handler serves the public token-based endpoints.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if service == nil {
		panic("cancellation: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// GetBooking handles GET /api/get-booking?token=.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		respond.Error(w, http.StatusBadRequest, msgMissingToken)
		return
	}
	view, err := h.service.GetBooking(r.Context(), token)
	if err != nil {
		if errors.Is(err, bookings.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, msgNotFound)
			return
		}
		h.logger.Error("get booking failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		return
	}
	respond.Success(w, http.StatusOK, view.Fields())
}

type cancelRequest struct {
	Token    string `json:"token"`
	Language string `json:"language"`
}

// ProcessCancellation handles POST /api/process-cancellation.
func (h *Handler) ProcessCancellation(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		respond.Error(w, http.StatusBadRequest, msgMissingToken)
		return
	}

	result, err := h.service.Cancel(r.Context(), token, req.Language)
	switch {
	case err == nil:
	case errors.Is(err, bookings.ErrAlreadyCancelled):
		h.logger.Info("cancellation repeated", "outcome", "already_cancelled")
		respond.Error(w, http.StatusBadRequest, msgAlreadyCancelled)
		return
	case errors.Is(err, bookings.ErrNotFound):
		respond.Error(w, http.StatusNotFound, msgNotFound)
		return
	case errors.Is(err, bookings.ErrIllegalTransition):
		respond.Error(w, http.StatusConflict, msgNotCancellable)
		return
	default:
		h.logger.Error("cancellation failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		return
	}

	respond.Success(w, http.StatusOK, map[string]any{
		"message":         msgCancelled,
		"refund_eligible": result.RefundEligible,
	})
}
