package fallback

import (
	"errors"
	"net/http"

	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// Handler serves POST /api/bookings.
type Handler struct {
	recorder *Recorder
	logger   *logging.Logger
}

func NewHandler(recorder *Recorder, logger *logging.Logger) *Handler {
	if recorder == nil {
		panic("fallback: recorder required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{recorder: recorder, logger: logger}
}

func (h *Handler) RecordBooking(w http.ResponseWriter, r *http.Request) {
	var f Fields
	if err := respond.Decode(r, &f); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	id, err := h.recorder.RecordBooking(r.Context(), f)
	if err != nil {
		var se *StoreError
		switch {
		case IsValidation(err):
			respond.Error(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &se) && errors.Is(err, bookings.ErrSlotTaken):
			respond.Error(w, http.StatusConflict, "SLOT_ALREADY_BOOKED")
		default:
			respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		}
		return
	}
	respond.Success(w, http.StatusCreated, map[string]any{"id": id.String()})
}
