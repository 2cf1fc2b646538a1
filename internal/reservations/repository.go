package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists reservations. Insert must be atomic with its overlap check.
type Store interface {
	InsertIfFree(ctx context.Context, r *Reservation, now time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Release(ctx context.Context, id uuid.UUID) (bool, error)
	Promote(ctx context.Context, id, bookingID uuid.UUID, now time.Time) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

const reservationColumns = `id, clinic_id, doctor_id, service_id, service_name, customer_email, customer_name,
	start_time, end_time, expires_at, status, booking_id, created_at`

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres Store. Concurrent inserts for one lane are
// serialized by a transaction-scoped advisory lock on the lane key.
type Repository struct {
	db db
}

var _ Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("reservations: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithDB(d db) *Repository {
	if d == nil {
		panic("reservations: db required")
	}
	return &Repository{db: d}
}

func laneKey(clinicID, doctorID string) string {
	return clinicID + "|" + doctorID
}

// InsertIfFree inserts r unless a live hold or a confirmed booking overlaps it.
func (s *Repository) InsertIfFree(ctx context.Context, r *Reservation, now time.Time) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reservations: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, laneKey(r.ClinicID, r.DoctorID)); err != nil {
		return fmt.Errorf("reservations: lock lane: %w", err)
	}

	var taken bool
	overlapQuery := `
		SELECT EXISTS (
			SELECT 1 FROM slot_reservations
			WHERE clinic_id = $1 AND doctor_id = $2 AND status = 'held' AND expires_at > $5
			  AND start_time < $4 AND $3 < end_time
		) OR EXISTS (
			SELECT 1 FROM bookings
			WHERE clinic_id = $1 AND doctor_id = $2 AND status = 'confirmed'
			  AND start_time < $4 AND $3 < end_time
		)
	`
	if err = tx.QueryRow(ctx, overlapQuery, r.ClinicID, r.DoctorID, r.StartTime, r.EndTime, now).Scan(&taken); err != nil {
		return fmt.Errorf("reservations: overlap check: %w", err)
	}
	if taken {
		err = ErrSlotConflict
		return err
	}

	insert := `
		INSERT INTO slot_reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err = tx.Exec(ctx, insert,
		r.ID, r.ClinicID, r.DoctorID, r.ServiceID, r.ServiceName, r.CustomerEmail, r.CustomerName,
		r.StartTime, r.EndTime, r.ExpiresAt, string(r.Status), r.BookingID, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("reservations: insert: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("reservations: commit: %w", err)
	}
	return nil
}

func (s *Repository) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM slot_reservations WHERE id = $1`
	var (
		r      Reservation
		status string
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.ClinicID, &r.DoctorID, &r.ServiceID, &r.ServiceName, &r.CustomerEmail, &r.CustomerName,
		&r.StartTime, &r.EndTime, &r.ExpiresAt, &status, &r.BookingID, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reservations: load: %w", err)
	}
	r.Status = Status(status)
	return &r, nil
}

// Release frees a held reservation. Returns false when it was not held.
func (s *Repository) Release(ctx context.Context, id uuid.UUID) (bool, error) {
	ct, err := s.db.Exec(ctx, `UPDATE slot_reservations SET status = 'released' WHERE id = $1 AND status = 'held'`, id)
	if err != nil {
		return false, fmt.Errorf("reservations: release: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Promote links a held, unexpired reservation to its booking.
func (s *Repository) Promote(ctx context.Context, id, bookingID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE slot_reservations SET status = 'promoted', booking_id = $2
		WHERE id = $1 AND status = 'held' AND expires_at > $3
	`
	ct, err := s.db.Exec(ctx, query, id, bookingID, now)
	if err != nil {
		return false, fmt.Errorf("reservations: promote: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// SweepExpired releases holds whose expiry has passed.
func (s *Repository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.db.Exec(ctx, `UPDATE slot_reservations SET status = 'released' WHERE status = 'held' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reservations: sweep: %w", err)
	}
	return ct.RowsAffected(), nil
}
