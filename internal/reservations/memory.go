package reservations

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-booking/internal/bookings"
)

// MemoryStore is an in-process Store. When constructed with a booking store
// it also treats confirmed bookings as occupied windows.
type MemoryStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*Reservation
	bookings bookings.Store
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(booked bookings.Store) *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Reservation), bookings: booked}
}

func (m *MemoryStore) InsertIfFree(ctx context.Context, r *Reservation, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.Live(now) && existing.Overlaps(r.ClinicID, r.DoctorID, r.StartTime, r.EndTime) {
			return ErrSlotConflict
		}
	}
	if m.bookings != nil {
		confirmed, err := m.bookings.ListByClinic(ctx, r.ClinicID, bookings.ListFilter{Statuses: []bookings.Status{bookings.StatusConfirmed}})
		if err != nil {
			return err
		}
		for _, b := range confirmed {
			if b.Overlaps(r.ClinicID, r.DoctorID, r.StartTime, r.EndTime) {
				return ErrSlotConflict
			}
		}
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Release(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status != StatusHeld {
		return false, nil
	}
	r.Status = StatusReleased
	return true, nil
}

func (m *MemoryStore) Promote(ctx context.Context, id, bookingID uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || !r.Live(now) {
		return false, nil
	}
	r.Status = StatusPromoted
	bid := bookingID
	r.BookingID = &bid
	return true, nil
}

func (m *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.Status == StatusHeld && !now.Before(r.ExpiresAt) {
			r.Status = StatusReleased
			n++
		}
	}
	return n, nil
}
