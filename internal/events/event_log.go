package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// BookingEvent is an immutable audit record of a booking lifecycle step.
type BookingEvent struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"event_data,omitempty"`
	BookingID *uuid.UUID      `json:"booking_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recorder appends booking events.
type Recorder interface {
	Append(ctx context.Context, event BookingEvent) error
}

// Lister reads a booking's history.
type Lister interface {
	ListForBooking(ctx context.Context, bookingID uuid.UUID, types []string) ([]BookingEvent, error)
}

// EventLog stores booking events. It only ever inserts; the table trigger
// rejects updates and deletes.
type EventLog struct {
	db *sql.DB
}

var (
	_ Recorder = (*EventLog)(nil)
	_ Lister   = (*EventLog)(nil)
	_ Recorder = (*MemoryEventLog)(nil)
	_ Lister   = (*MemoryEventLog)(nil)
)

func NewEventLog(db *sql.DB) *EventLog {
	if db == nil {
		panic("events: sql db required")
	}
	return &EventLog{db: db}
}

func (l *EventLog) Append(ctx context.Context, event BookingEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	data := event.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	var bookingID any
	if event.BookingID != nil {
		bookingID = event.BookingID.String()
	}
	query := `
		INSERT INTO booking_events (id, session_id, event_type, event_data, booking_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := l.db.ExecContext(ctx, query, event.ID.String(), event.SessionID, event.EventType, []byte(data), bookingID, event.CreatedAt); err != nil {
		return fmt.Errorf("events: append booking event: %w", err)
	}
	return nil
}

// ListForBooking returns events for a booking in insertion order, optionally
// limited to the given types.
func (l *EventLog) ListForBooking(ctx context.Context, bookingID uuid.UUID, types []string) ([]BookingEvent, error) {
	query := `
		SELECT id, session_id, event_type, event_data, booking_id, created_at
		FROM booking_events
		WHERE booking_id = $1
		  AND ($2::text[] IS NULL OR cardinality($2::text[]) = 0 OR event_type = ANY($2))
		ORDER BY created_at
	`
	rows, err := l.db.QueryContext(ctx, query, bookingID.String(), pq.Array(types))
	if err != nil {
		return nil, fmt.Errorf("events: list booking events: %w", err)
	}
	defer rows.Close()

	var out []BookingEvent
	for rows.Next() {
		var (
			ev      BookingEvent
			data    []byte
			booking uuid.NullUUID
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &data, &booking, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan booking event: %w", err)
		}
		ev.Data = append(json.RawMessage(nil), data...)
		if booking.Valid {
			id := booking.UUID
			ev.BookingID = &id
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MemoryEventLog is an in-process Recorder for tests.
type MemoryEventLog struct {
	mu     sync.Mutex
	events []BookingEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (m *MemoryEventLog) Append(ctx context.Context, event BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return nil
}

// OfType returns recorded events with the given type.
func (m *MemoryEventLog) OfType(eventType string) []BookingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BookingEvent
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (m *MemoryEventLog) ListForBooking(ctx context.Context, bookingID uuid.UUID, types []string) ([]BookingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BookingEvent
	for _, ev := range m.events {
		if ev.BookingID == nil || *ev.BookingID != bookingID {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, ev.EventType) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

