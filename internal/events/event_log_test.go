package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log := NewEventLog(db)
	bookingID := uuid.New()

	mock.ExpectExec("INSERT INTO booking_events").
		WithArgs(sqlmock.AnyArg(), "cs_1", EventBookingFlagged, []byte(`{"reason":"reservation expired"}`), bookingID.String(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = log.Append(context.Background(), BookingEvent{
		SessionID: "cs_1",
		EventType: EventBookingFlagged,
		Data:      json.RawMessage(`{"reason":"reservation expired"}`),
		BookingID: &bookingID,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogAppendDefaultsEmptyData(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO booking_events").
		WithArgs(sqlmock.AnyArg(), "cs_2", EventBookingConfirmed, []byte(`{}`), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewEventLog(db).Append(context.Background(), BookingEvent{SessionID: "cs_2", EventType: EventBookingConfirmed}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogListForBooking(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bookingID := uuid.New()
	eventID := uuid.New()
	now := time.Date(2026, 1, 6, 16, 5, 0, 0, time.UTC)
	types := []string{EventBookingCancelled, EventPaymentAfterCancellation}

	rows := sqlmock.NewRows([]string{"id", "session_id", "event_type", "event_data", "booking_id", "created_at"}).
		AddRow(eventID.String(), "cs_1", EventPaymentAfterCancellation, []byte(`{}`), bookingID.String(), now)
	mock.ExpectQuery("SELECT id, session_id, event_type").
		WithArgs(bookingID.String(), pq.Array(types)).
		WillReturnRows(rows)

	got, err := NewEventLog(db).ListForBooking(context.Background(), bookingID, types)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eventID, got[0].ID)
	assert.Equal(t, EventPaymentAfterCancellation, got[0].EventType)
	require.NotNil(t, got[0].BookingID)
	assert.Equal(t, bookingID, *got[0].BookingID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
