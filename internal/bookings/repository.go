package bookings

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

// Store is the booking persistence contract shared by the relay, the
// cancellation service, the fallback writer and the admin surface.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetByToken(ctx context.Context, token string) (*Booking, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Booking, error)
	GetByReservationID(ctx context.Context, reservationID uuid.UUID) (*Booking, error)
	ListByClinic(ctx context.Context, clinicID string, filter ListFilter) ([]*Booking, error)
	Confirm(ctx context.Context, id uuid.UUID, payment ConfirmPayment) (*Booking, error)
	CancelByToken(ctx context.Context, token string, at time.Time, refund RefundStatus) (*Booking, error)
	CancelByID(ctx context.Context, id uuid.UUID, at time.Time, refund RefundStatus) (*Booking, error)
	Complete(ctx context.Context, id uuid.UUID) (*Booking, error)
	RecordLatePayment(ctx context.Context, id uuid.UUID, payment ConfirmPayment, reason string) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error)
	ResolveReview(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"

	sessionConstraint = "bookings_stripe_session_id_key"
)

const bookingColumns = `id, cancellation_token, clinic_id, doctor_id, doctor_name, customer_name,
	customer_email, customer_phone, service_id, service_name, language, start_time, end_time,
	amount_paid, currency, stripe_session_id, payment_intent_id, refund_status, status, source,
	reservation_id, needs_review, review_reason, reviewed_at, created_at, cancelled_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository persists bookings in Postgres. Slot exclusivity for confirmed
// rows is enforced by the bookings_confirmed_slot_exclusive constraint.
type Repository struct {
	db querier
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("bookings: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithQuerier(db querier) *Repository {
	if db == nil {
		panic("bookings: querier required")
	}
	return &Repository{db: db}
}

// Create inserts a booking. Prepare must have been applied.
func (r *Repository) Create(ctx context.Context, b *Booking) error {
	if err := b.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err := r.db.Exec(ctx, query,
		b.ID, b.CancellationToken, b.ClinicID, b.DoctorID, b.DoctorName, b.CustomerName,
		b.CustomerEmail, b.CustomerPhone, b.ServiceID, b.ServiceName, b.Language, b.StartTime, b.EndTime,
		b.AmountPaid, b.Currency, b.StripeSessionID, b.PaymentIntentID, refundString(b.RefundStatus), string(b.Status), string(b.Source),
		b.ReservationID, b.NeedsReview, b.ReviewReason, b.ReviewedAt, b.CreatedAt, b.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("bookings: insert: %w", classifyPgError(err))
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *Repository) GetByToken(ctx context.Context, token string) (*Booking, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return r.getOne(ctx, "cancellation_token = $1", token)
}

func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (*Booking, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	return r.getOne(ctx, "stripe_session_id = $1", sessionID)
}

// GetByReservationID returns the most recent booking created from the reservation.
func (r *Repository) GetByReservationID(ctx context.Context, reservationID uuid.UUID) (*Booking, error) {
	return r.getOne(ctx, "reservation_id = $1 ORDER BY created_at DESC LIMIT 1", reservationID)
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where
	b, err := scanBooking(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: load: %w", err)
	}
	return b, nil
}

// ListByClinic returns bookings for a clinic ordered by start time.
func (r *Repository) ListByClinic(ctx context.Context, clinicID string, filter ListFilter) ([]*Booking, error) {
	var statuses []string
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE clinic_id = $1
		  AND ($2::text[] IS NULL OR status = ANY($2))
		  AND ($3::timestamptz IS NULL OR start_time >= $3)
		  AND ($4::timestamptz IS NULL OR start_time < $4)
		ORDER BY start_time
		LIMIT $5
	`
	rows, err := r.db.Query(ctx, query, clinicID, statuses, nullableTime(filter.From), nullableTime(filter.To), limit)
	if err != nil {
		return nil, fmt.Errorf("bookings: list: %w", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("bookings: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookings: list rows: %w", err)
	}
	return out, nil
}

// Confirm moves a pending booking to confirmed and records payment facts.
func (r *Repository) Confirm(ctx context.Context, id uuid.UUID, payment ConfirmPayment) (*Booking, error) {
	query := `
		UPDATE bookings
		SET status = $2,
		    stripe_session_id = COALESCE($3, stripe_session_id),
		    payment_intent_id = COALESCE($4, payment_intent_id),
		    amount_paid = $5,
		    currency = COALESCE(NULLIF($6, ''), currency)
		WHERE id = $1 AND status = ANY($7)
		RETURNING ` + bookingColumns
	b, err := scanBooking(r.db.QueryRow(ctx, query,
		id, string(StatusConfirmed), strPtr(payment.SessionID), strPtr(payment.PaymentIntentID),
		payment.AmountPaid, payment.Currency, sourceStrings(EventPaymentConfirmed),
	))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bookings: confirm: %w", classifyPgError(err))
	}
	return nil, r.rejected(ctx, "id = $1", id, EventPaymentConfirmed)
}

// CancelByToken cancels the booking owning token if its status allows it.
// Exactly one concurrent caller observes success.
func (r *Repository) CancelByToken(ctx context.Context, token string, at time.Time, refund RefundStatus) (*Booking, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return r.cancel(ctx, "cancellation_token = $1", token, at, refund)
}

func (r *Repository) CancelByID(ctx context.Context, id uuid.UUID, at time.Time, refund RefundStatus) (*Booking, error) {
	return r.cancel(ctx, "id = $1", id, at, refund)
}

func (r *Repository) cancel(ctx context.Context, where string, key any, at time.Time, refund RefundStatus) (*Booking, error) {
	query := `
		UPDATE bookings
		SET status = $2, cancelled_at = $3, refund_status = $4
		WHERE ` + where + ` AND status = ANY($5)
		RETURNING ` + bookingColumns
	b, err := scanBooking(r.db.QueryRow(ctx, query, key, string(StatusCancelled), at.UTC(), string(refund), sourceStrings(EventCancel)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bookings: cancel: %w", err)
	}
	return nil, r.rejected(ctx, where, key, EventCancel)
}

// Complete marks a confirmed booking as attended.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID) (*Booking, error) {
	query := `
		UPDATE bookings SET status = $2
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + bookingColumns
	b, err := scanBooking(r.db.QueryRow(ctx, query, id, string(StatusCompleted), sourceStrings(EventComplete)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bookings: complete: %w", err)
	}
	return nil, r.rejected(ctx, "id = $1", id, EventComplete)
}

// RecordLatePayment attaches a payment that arrived after cancellation and
// flags the booking for refund. A booking carries at most one payment, so it
// returns false once any session is attached.
func (r *Repository) RecordLatePayment(ctx context.Context, id uuid.UUID, payment ConfirmPayment, reason string) (bool, error) {
	query := `
		UPDATE bookings
		SET refund_status = $2,
		    stripe_session_id = $3,
		    payment_intent_id = COALESCE($4, payment_intent_id),
		    amount_paid = GREATEST(amount_paid, $5),
		    needs_review = TRUE,
		    review_reason = $6
		WHERE id = $1
		  AND status = $7
		  AND stripe_session_id IS NULL
	`
	ct, err := r.db.Exec(ctx, query,
		id, string(RefundPending), strPtr(payment.SessionID), strPtr(payment.PaymentIntentID),
		payment.AmountPaid, reason, string(StatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("bookings: record late payment: %w", classifyPgError(err))
	}
	return ct.RowsAffected() > 0, nil
}

// MarkRefunded records that the workflow engine issued the refund.
func (r *Repository) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE bookings SET refund_status = $2 WHERE id = $1 AND status = $3 AND refund_status = $4`
	ct, err := r.db.Exec(ctx, query, id, string(RefundRefunded), string(StatusCancelled), string(RefundPending))
	if err != nil {
		return false, fmt.Errorf("bookings: mark refunded: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ResolveReview acknowledges a flagged booking.
func (r *Repository) ResolveReview(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `UPDATE bookings SET reviewed_at = $2 WHERE id = $1 AND needs_review AND reviewed_at IS NULL`
	ct, err := r.db.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("bookings: resolve review: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// rejected re-reads the row after a conditional update matched nothing.
func (r *Repository) rejected(ctx context.Context, where string, key any, event Event) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM bookings WHERE `+where, key).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("bookings: reload status: %w", err)
	}
	return rejection(Status(status), event)
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b      Booking
		status string
		source string
		refund *string
	)
	err := row.Scan(
		&b.ID, &b.CancellationToken, &b.ClinicID, &b.DoctorID, &b.DoctorName, &b.CustomerName,
		&b.CustomerEmail, &b.CustomerPhone, &b.ServiceID, &b.ServiceName, &b.Language, &b.StartTime, &b.EndTime,
		&b.AmountPaid, &b.Currency, &b.StripeSessionID, &b.PaymentIntentID, &refund, &status, &source,
		&b.ReservationID, &b.NeedsReview, &b.ReviewReason, &b.ReviewedAt, &b.CreatedAt, &b.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.Source = Source(source)
	if refund != nil {
		b.RefundStatus = refundPtr(RefundStatus(*refund))
	}
	return &b, nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolation:
		return fmt.Errorf("%w: %s", ErrSlotTaken, pgErr.ConstraintName)
	case pgUniqueViolation:
		if pgErr.ConstraintName == sessionConstraint {
			return ErrDuplicateSession
		}
	}
	return err
}

func refundString(r *RefundStatus) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
