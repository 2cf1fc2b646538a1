package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata keys written on the checkout session and read back from the
// completion notification.
const (
	metaReservationID = "pending_booking_id"
	metaCustomerName  = "customer_name"
	metaCustomerEmail = "customer_email"
	metaCustomerPhone = "customer_phone"
	metaServiceID     = "service_id"
	metaServiceName   = "service_name"
	metaClinicID      = "clinic_id"
	metaDoctorID      = "doctor_id"
	metaDoctorName    = "doctor_name"
	metaLanguage      = "language"
	metaStartTime     = "start_time"
	metaEndTime       = "end_time"
	metaDuration      = "duration"
	metaAmountCents   = "amount_cents"
	metaCurrency      = "currency"
)

// ErrMetadataIncomplete is returned when a notification lacks the fields
// required to reconstruct a booking.
var ErrMetadataIncomplete = errors.New("payments: booking metadata incomplete")

// BookingMetadata carries everything needed to rebuild a booking from a
// payment completion notification alone.
type BookingMetadata struct {
	ReservationID   uuid.UUID
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ServiceID       string
	ServiceName     string
	ClinicID        string
	DoctorID        string
	DoctorName      string
	Language        string
	StartTime       time.Time
	EndTime         time.Time
	DurationMinutes int
	AmountCents     int64
	Currency        string
}

// Encode flattens m into processor metadata. Empty optional fields are omitted.
func (m BookingMetadata) Encode() map[string]string {
	out := map[string]string{
		metaReservationID: m.ReservationID.String(),
		metaCustomerEmail: m.CustomerEmail,
		metaServiceID:     m.ServiceID,
		metaServiceName:   m.ServiceName,
		metaClinicID:      m.ClinicID,
		metaStartTime:     m.StartTime.UTC().Format(time.RFC3339),
		metaEndTime:       m.EndTime.UTC().Format(time.RFC3339),
		metaDuration:      strconv.Itoa(m.DurationMinutes),
		metaAmountCents:   strconv.FormatInt(m.AmountCents, 10),
	}
	optional := map[string]string{
		metaCustomerName:  m.CustomerName,
		metaCustomerPhone: m.CustomerPhone,
		metaDoctorID:      m.DoctorID,
		metaDoctorName:    m.DoctorName,
		metaLanguage:      m.Language,
		metaCurrency:      m.Currency,
	}
	for k, v := range optional {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// DecodeBookingMetadata is the inverse of Encode.
func DecodeBookingMetadata(meta map[string]string) (BookingMetadata, error) {
	var (
		m       BookingMetadata
		missing []string
		err     error
	)
	// Parsed values tolerate padding; free text round-trips byte for byte.
	get := func(key string) string { return strings.TrimSpace(meta[key]) }

	if raw := get(metaReservationID); raw == "" {
		missing = append(missing, metaReservationID)
	} else if m.ReservationID, err = uuid.Parse(raw); err != nil {
		missing = append(missing, metaReservationID+" (malformed)")
	}
	m.CustomerName = meta[metaCustomerName]
	m.CustomerEmail = meta[metaCustomerEmail]
	m.CustomerPhone = meta[metaCustomerPhone]
	m.ServiceID = meta[metaServiceID]
	m.ServiceName = meta[metaServiceName]
	m.ClinicID = meta[metaClinicID]
	m.DoctorID = meta[metaDoctorID]
	m.DoctorName = meta[metaDoctorName]
	m.Language = meta[metaLanguage]
	m.Currency = get(metaCurrency)

	if strings.TrimSpace(m.ClinicID) == "" {
		missing = append(missing, metaClinicID)
	}
	if strings.TrimSpace(m.CustomerEmail) == "" {
		missing = append(missing, metaCustomerEmail)
	}
	if m.StartTime, err = time.Parse(time.RFC3339, get(metaStartTime)); err != nil {
		missing = append(missing, metaStartTime)
	}
	if m.EndTime, err = time.Parse(time.RFC3339, get(metaEndTime)); err != nil {
		missing = append(missing, metaEndTime)
	}
	m.StartTime = m.StartTime.UTC()
	m.EndTime = m.EndTime.UTC()
	if raw := get(metaDuration); raw != "" {
		if m.DurationMinutes, err = strconv.Atoi(raw); err != nil {
			missing = append(missing, metaDuration)
		}
	}
	if raw := get(metaAmountCents); raw != "" {
		if m.AmountCents, err = strconv.ParseInt(raw, 10, 64); err != nil {
			missing = append(missing, metaAmountCents)
		}
	}
	if len(missing) > 0 {
		return m, fmt.Errorf("%w: %s", ErrMetadataIncomplete, strings.Join(missing, ", "))
	}
	return m, nil
}

// setFormMetadata writes meta under prefix[key] form fields.
func setFormMetadata(form formSetter, prefix string, meta map[string]string) {
	for k, v := range meta {
		form.Set(prefix+"["+k+"]", v)
	}
}

type formSetter interface {
	Set(key, value string)
}
