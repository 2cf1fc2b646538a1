// Package admin is the operator surface over the booking store: listing,
// completing and cancelling bookings, acknowledging flagged bookings and
// recording refunds issued outside the system.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/internal/archive"
	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/cancellation"
	"github.com/wolfman30/dental-booking/internal/events"
	"github.com/wolfman30/dental-booking/internal/http/middleware"
	"github.com/wolfman30/dental-booking/internal/http/respond"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Canceller applies the operator cancel through the customer refund policy.
type Canceller interface {
	CancelByID(ctx context.Context, id uuid.UUID, reason string) (*cancellation.Result, error)
}

// NotificationLoader fetches an archived processor notification.
type NotificationLoader interface {
	LoadNotification(ctx context.Context, provider, sessionID string) ([]byte, error)
}

// Handler serves /admin routes. Every route sits behind AdminJWT.
type Handler struct {
	store     bookings.Store
	canceller Canceller
	history   events.Lister
	recorder  events.Recorder
	archive   NotificationLoader
	now       func() time.Time
	logger    *logging.Logger
}

func NewHandler(store bookings.Store, canceller Canceller, logger *logging.Logger) *Handler {
	if store == nil || canceller == nil {
		panic("admin: store and canceller required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:     store,
		canceller: canceller,
		now:       time.Now,
		logger:    logger.Component("admin"),
	}
}

// WithEventLog enables the history endpoint and audit events for operator actions.
func (h *Handler) WithEventLog(history events.Lister, recorder events.Recorder) *Handler {
	h.history = history
	h.recorder = recorder
	return h
}

func (h *Handler) WithArchive(loader NotificationLoader) *Handler {
	h.archive = loader
	return h
}

// Routes returns the admin sub-router. Authentication is applied by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/clinics/{clinicID}/bookings", h.ListBookings)
	r.Route("/bookings/{bookingID}", func(r chi.Router) {
		r.Get("/", h.GetBooking)
		r.Get("/events", h.ListEvents)
		r.Get("/notification", h.GetNotification)
		r.Post("/complete", h.Complete)
		r.Post("/cancel", h.Cancel)
		r.Post("/resolve-review", h.ResolveReview)
		r.Post("/refund-complete", h.RecordRefund)
	})
	return r
}

// ListBookings returns a clinic's bookings ordered by start time.
// GET /admin/clinics/{clinicID}/bookings?status=confirmed,pending&from=&to=&limit=
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
	if clinicID == "" {
		respond.Error(w, http.StatusBadRequest, "Missing clinic id")
		return
	}
	filter, err := parseListFilter(r)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid query: "+err.Error())
		return
	}
	list, err := h.store.ListByClinic(r.Context(), clinicID, filter)
	if err != nil {
		h.logger.Error("list bookings failed", "error", err, "clinic_id", clinicID)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
		return
	}
	if list == nil {
		list = []*bookings.Booking{}
	}
	respond.Success(w, http.StatusOK, map[string]any{"bookings": list, "count": len(list)})
}

func parseListFilter(r *http.Request) (bookings.ListFilter, error) {
	q := r.URL.Query()
	filter := bookings.ListFilter{Limit: defaultListLimit}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := bookings.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return filter, errors.New("unknown status")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for _, bound := range []struct {
		key string
		dst *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := strings.TrimSpace(q.Get(bound.key))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New(bound.key + " must be RFC3339")
		}
		*bound.dst = t.UTC()
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	return filter, nil
}

// GET /admin/bookings/{bookingID}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, err, id, "get booking")
		return
	}
	respond.Success(w, http.StatusOK, map[string]any{"booking": b})
}

// ListEvents returns the append-only history of a booking.
// GET /admin/bookings/{bookingID}/events?type=booking.cancelled
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		respond.Error(w, http.StatusNotImplemented, "Event log not configured")
		return
	}
	var types []string
	for _, t := range r.URL.Query()["type"] {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	list, err := h.history.ListForBooking(r.Context(), id, types)
	if err != nil {
		h.fail(w, err, id, "list booking events")
		return
	}
	if list == nil {
		list = []events.BookingEvent{}
	}
	respond.Success(w, http.StatusOK, map[string]any{"events": list})
}

// GetNotification returns the raw archived processor payload that created or
// confirmed the booking.
// GET /admin/bookings/{bookingID}/notification
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	if h.archive == nil {
		respond.Error(w, http.StatusNotImplemented, "Notification archive not configured")
		return
	}
	b, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, err, id, "get booking")
		return
	}
	if b.StripeSessionID == nil {
		respond.Error(w, http.StatusNotFound, "Booking has no payment notification")
		return
	}
	raw, err := h.archive.LoadNotification(r.Context(), events.ProviderStripe, *b.StripeSessionID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, "Notification not archived")
			return
		}
		h.fail(w, err, id, "load notification")
		return
	}
	respond.Success(w, http.StatusOK, map[string]any{
		"stripe_session_id": *b.StripeSessionID,
		"notification":      json.RawMessage(raw),
	})
}

// POST /admin/bookings/{bookingID}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	b, err := h.store.Complete(r.Context(), id)
	if err != nil {
		h.fail(w, err, id, "complete booking")
		return
	}
	h.record(r.Context(), b, events.EventBookingCompleted)
	h.logger.Info("booking completed", "booking_id", id, "operator", middleware.Operator(r.Context()))
	respond.Success(w, http.StatusOK, map[string]any{"booking": b})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel is the operator override; the refund window still decides eligibility.
// POST /admin/bookings/{bookingID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	var body cancelRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &body); err != nil {
			respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "cancelled by " + middleware.Operator(r.Context())
	}
	res, err := h.canceller.CancelByID(r.Context(), id, reason)
	if err != nil {
		h.fail(w, err, id, "cancel booking")
		return
	}
	respond.Success(w, http.StatusOK, map[string]any{
		"booking_id":      res.BookingID,
		"refund_eligible": res.RefundEligible,
	})
}

// ResolveReview records that an operator has looked at a flagged booking.
// POST /admin/bookings/{bookingID}/resolve-review
func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	h.conditional(w, r, "resolve review", events.EventReviewResolved, func(ctx context.Context, id uuid.UUID) (bool, error) {
		return h.store.ResolveReview(ctx, id, h.now().UTC())
	})
}

// RecordRefund marks a pending refund as paid out.
// POST /admin/bookings/{bookingID}/refund-complete
func (h *Handler) RecordRefund(w http.ResponseWriter, r *http.Request) {
	h.conditional(w, r, "record refund", events.EventRefundRecorded, h.store.MarkRefunded)
}

// conditional runs an idempotent flag update; "changed" is false when the
// booking was already in the target state.
func (h *Handler) conditional(w http.ResponseWriter, r *http.Request, action, eventType string, apply func(context.Context, uuid.UUID) (bool, error)) {
	id, ok := bookingID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	b, err := h.store.GetByID(ctx, id)
	if err != nil {
		h.fail(w, err, id, action)
		return
	}
	changed, err := apply(ctx, id)
	if err != nil {
		h.fail(w, err, id, action)
		return
	}
	if changed {
		h.record(ctx, b, eventType)
		h.logger.Info("operator action applied", "action", action, "booking_id", id, "operator", middleware.Operator(ctx))
	}
	respond.Success(w, http.StatusOK, map[string]any{"booking_id": id, "changed": changed})
}

func (h *Handler) record(ctx context.Context, b *bookings.Booking, eventType string) {
	if h.recorder == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{"operator": middleware.Operator(ctx)})
	id := b.ID
	ev := events.BookingEvent{EventType: eventType, BookingID: &id, Data: data}
	if b.StripeSessionID != nil {
		ev.SessionID = *b.StripeSessionID
	}
	if err := h.recorder.Append(ctx, ev); err != nil {
		h.logger.Error("failed to append admin event", "error", err, "booking_id", b.ID, "event_type", eventType)
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, id uuid.UUID, action string) {
	switch {
	case errors.Is(err, bookings.ErrNotFound):
		respond.Error(w, http.StatusNotFound, "Booking not found")
	case errors.Is(err, bookings.ErrAlreadyCancelled):
		respond.Error(w, http.StatusConflict, "Booking already cancelled")
	case errors.Is(err, bookings.ErrIllegalTransition):
		respond.Error(w, http.StatusConflict, "Status change not allowed")
	default:
		h.logger.Error("admin action failed", "action", action, "error", err, "booking_id", id)
		respond.Error(w, http.StatusInternalServerError, respond.MsgInternal)
	}
}

func bookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid booking id")
		return uuid.Nil, false
	}
	return id, true
}
