package bookings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local tooling. It
// applies the same conditional semantics as the Postgres repository.
type MemoryStore struct {
	mu            sync.Mutex
	rows          map[uuid.UUID]*Booking
	exclusiveSlot bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. Slot exclusion is off unless
// WithSlotExclusion is applied.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Booking)}
}

// WithSlotExclusion mirrors the confirmed-slot exclusion constraint.
func (m *MemoryStore) WithSlotExclusion() *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusiveSlot = true
	return m
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	if err := b.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.ID == b.ID || existing.CancellationToken == b.CancellationToken {
			return errDuplicateKey
		}
		if b.StripeSessionID != nil && existing.StripeSessionID != nil && *existing.StripeSessionID == *b.StripeSessionID {
			return ErrDuplicateSession
		}
	}
	if b.Status == StatusConfirmed && m.slotTakenLocked(b) {
		return ErrSlotTaken
	}
	m.rows[b.ID] = b.clone()
	return nil
}

func (m *MemoryStore) slotTakenLocked(b *Booking) bool {
	if !m.exclusiveSlot {
		return false
	}
	for _, existing := range m.rows {
		if existing.ID != b.ID && existing.Status == StatusConfirmed && existing.Overlaps(b.ClinicID, b.DoctorID, b.StartTime, b.EndTime) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return m.find(func(b *Booking) bool { return b.ID == id })
}

func (m *MemoryStore) GetByToken(ctx context.Context, token string) (*Booking, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return m.find(func(b *Booking) bool { return b.CancellationToken == token })
}

func (m *MemoryStore) GetBySessionID(ctx context.Context, sessionID string) (*Booking, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	return m.find(func(b *Booking) bool { return b.StripeSessionID != nil && *b.StripeSessionID == sessionID })
}

func (m *MemoryStore) GetByReservationID(ctx context.Context, reservationID uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Booking
	for _, b := range m.rows {
		if b.ReservationID == nil || *b.ReservationID != reservationID {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.clone(), nil
}

func (m *MemoryStore) find(match func(*Booking) bool) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.rows {
		if match(b) {
			return b.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByClinic(ctx context.Context, clinicID string, filter ListFilter) ([]*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Booking
	for _, b := range m.rows {
		if b.ClinicID != clinicID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, b.Status) {
			continue
		}
		if !filter.From.IsZero() && b.StartTime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !b.StartTime.Before(filter.To) {
			continue
		}
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Confirm(ctx context.Context, id uuid.UUID, payment ConfirmPayment) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	to, err := Transition(b.Status, EventPaymentConfirmed)
	if err != nil {
		return nil, rejection(b.Status, EventPaymentConfirmed)
	}
	if payment.SessionID != "" {
		for _, other := range m.rows {
			if other.ID != id && other.StripeSessionID != nil && *other.StripeSessionID == payment.SessionID {
				return nil, ErrDuplicateSession
			}
		}
	}
	next := b.clone()
	next.Status = to
	if m.slotTakenLocked(next) {
		return nil, ErrSlotTaken
	}
	if payment.SessionID != "" {
		next.StripeSessionID = strPtr(payment.SessionID)
	}
	if payment.PaymentIntentID != "" {
		next.PaymentIntentID = strPtr(payment.PaymentIntentID)
	}
	next.AmountPaid = payment.AmountPaid
	if payment.Currency != "" {
		next.Currency = payment.Currency
	}
	m.rows[id] = next
	return next.clone(), nil
}

func (m *MemoryStore) CancelByToken(ctx context.Context, token string, at time.Time, refund RefundStatus) (*Booking, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return m.cancel(func(b *Booking) bool { return b.CancellationToken == token }, at, refund)
}

func (m *MemoryStore) CancelByID(ctx context.Context, id uuid.UUID, at time.Time, refund RefundStatus) (*Booking, error) {
	return m.cancel(func(b *Booking) bool { return b.ID == id }, at, refund)
}

func (m *MemoryStore) cancel(match func(*Booking) bool, at time.Time, refund RefundStatus) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.rows {
		if !match(b) {
			continue
		}
		to, err := Transition(b.Status, EventCancel)
		if err != nil {
			return nil, rejection(b.Status, EventCancel)
		}
		next := b.clone()
		next.Status = to
		cancelledAt := at.UTC()
		next.CancelledAt = &cancelledAt
		next.RefundStatus = refundPtr(refund)
		m.rows[id] = next
		return next.clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Complete(ctx context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	to, err := Transition(b.Status, EventComplete)
	if err != nil {
		return nil, rejection(b.Status, EventComplete)
	}
	next := b.clone()
	next.Status = to
	m.rows[id] = next
	return next.clone(), nil
}

func (m *MemoryStore) RecordLatePayment(ctx context.Context, id uuid.UUID, payment ConfirmPayment, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.Status != StatusCancelled || b.StripeSessionID != nil {
		return false, nil
	}
	next := b.clone()
	next.RefundStatus = refundPtr(RefundPending)
	next.StripeSessionID = strPtr(payment.SessionID)
	if pi := strPtr(payment.PaymentIntentID); pi != nil {
		next.PaymentIntentID = pi
	}
	if payment.AmountPaid > next.AmountPaid {
		next.AmountPaid = payment.AmountPaid
	}
	next.NeedsReview = true
	next.ReviewReason = reason
	m.rows[id] = next
	return true, nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.Status != StatusCancelled || b.RefundStatus == nil || *b.RefundStatus != RefundPending {
		return false, nil
	}
	next := b.clone()
	next.RefundStatus = refundPtr(RefundRefunded)
	m.rows[id] = next
	return true, nil
}

func (m *MemoryStore) ResolveReview(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || !b.NeedsReview || b.ReviewedAt != nil {
		return false, nil
	}
	next := b.clone()
	reviewed := at.UTC()
	next.ReviewedAt = &reviewed
	m.rows[id] = next
	return true, nil
}

// Count returns the number of stored rows.
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func containsStatus(list []Status, s Status) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
