package reservations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

var reservationTracer = otel.Tracer("dental-booking.reservations")

// Service creates and manages slot holds.
type Service struct {
	store   Store
	ttl     time.Duration
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
	now     func() time.Time
}

func NewService(store Store, ttl time.Duration, logger *logging.Logger) *Service {
	if store == nil {
		panic("reservations: store required")
	}
	if ttl <= 0 {
		panic("reservations: ttl must be positive")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// WithMetrics attaches Prometheus counters.
func (s *Service) WithMetrics(m *metrics.BookingMetrics) *Service {
	s.metrics = m
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Reserve places a hold on the requested window or returns ErrSlotConflict.
func (s *Service) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	ctx, span := reservationTracer.Start(ctx, "reservations.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.id", req.ClinicID),
		attribute.String("doctor.id", req.DoctorID),
	)

	if err := req.Validate(); err != nil {
		s.metrics.ObserveReservation("invalid")
		return nil, err
	}
	now := s.now().UTC()
	r := &Reservation{
		ID:            uuid.New(),
		ClinicID:      req.ClinicID,
		DoctorID:      req.DoctorID,
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		StartTime:     req.StartTime.UTC(),
		EndTime:       req.EndTime.UTC(),
		ExpiresAt:     now.Add(s.ttl),
		Status:        StatusHeld,
		CreatedAt:     now,
	}
	if err := s.store.InsertIfFree(ctx, r, now); err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.metrics.ObserveReservation("conflict")
			s.logger.Info("slot already held or booked", "clinic_id", req.ClinicID, "doctor_id", req.DoctorID, "start_time", r.StartTime)
			return nil, err
		}
		span.RecordError(err)
		s.metrics.ObserveReservation("error")
		return nil, err
	}
	s.metrics.ObserveReservation("reserved")
	s.logger.Info("slot reserved", "reservation_id", r.ID, "clinic_id", r.ClinicID, "expires_at", r.ExpiresAt)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.store.Get(ctx, id)
}

// Release frees a hold before payment. Releasing twice is harmless.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (bool, error) {
	released, err := s.store.Release(ctx, id)
	if err != nil {
		return false, err
	}
	if released {
		s.logger.Info("reservation released", "reservation_id", id)
	}
	return released, nil
}

// Promote marks the hold as converted into bookingID.
func (s *Service) Promote(ctx context.Context, id, bookingID uuid.UUID) (bool, error) {
	return s.store.Promote(ctx, id, bookingID, s.now().UTC())
}

// Now exposes the service clock so callers judge expiry consistently.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// SweepExpired releases lapsed holds and returns how many changed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.store.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired reservations released", "count", n)
	}
	return n, nil
}

// RunSweeper calls SweepExpired on every tick until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("reservation sweep failed", "error", err)
			}
		}
	}
}
