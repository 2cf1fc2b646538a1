package reservations

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a slot hold.
type Status string

const (
	StatusHeld     Status = "held"
	StatusPromoted Status = "promoted"
	StatusReleased Status = "released"
)

var (
	// ErrSlotConflict is returned when a live hold or a confirmed booking overlaps the requested window.
	ErrSlotConflict = errors.New("reservations: slot already booked")

	// ErrNotFound is returned when no reservation matches the id.
	ErrNotFound = errors.New("reservations: not found")
)

// Reservation is a short-lived hold on a clinic/doctor/time window.
type Reservation struct {
	ID            uuid.UUID  `json:"id"`
	ClinicID      string     `json:"clinic_id"`
	DoctorID      string     `json:"doctor_id,omitempty"`
	ServiceID     string     `json:"service_id"`
	ServiceName   string     `json:"service_name"`
	CustomerEmail string     `json:"customer_email"`
	CustomerName  string     `json:"customer_name"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Status        Status     `json:"status"`
	BookingID     *uuid.UUID `json:"booking_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Live reports whether the hold still blocks its window at now.
func (r *Reservation) Live(now time.Time) bool {
	return r.Status == StatusHeld && now.Before(r.ExpiresAt)
}

// Overlaps reports whether r and the window share the same lane and intersect.
func (r *Reservation) Overlaps(clinicID, doctorID string, start, end time.Time) bool {
	return r.ClinicID == clinicID && r.DoctorID == doctorID && r.StartTime.Before(end) && start.Before(r.EndTime)
}

// Request is the caller-supplied part of a reservation.
type Request struct {
	ClinicID      string    `json:"clinic_id"`
	DoctorID      string    `json:"doctor_id"`
	ServiceID     string    `json:"service_id"`
	ServiceName   string    `json:"service_name"`
	CustomerEmail string    `json:"customer_email"`
	CustomerName  string    `json:"customer_name"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// ValidationError lists every offending request field.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("reservations: invalid request: %s", strings.Join(e.Fields, ", "))
}

// Validate checks the request before any store access.
func (r Request) Validate() error {
	var fields []string
	if strings.TrimSpace(r.ClinicID) == "" {
		fields = append(fields, "clinic_id")
	}
	if strings.TrimSpace(r.ServiceID) == "" {
		fields = append(fields, "service_id")
	}
	email := strings.TrimSpace(r.CustomerEmail)
	if email == "" {
		fields = append(fields, "customer_email")
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		fields = append(fields, "customer_email format")
	}
	if r.StartTime.IsZero() {
		fields = append(fields, "start_time")
	}
	if r.EndTime.IsZero() {
		fields = append(fields, "end_time")
	}
	if !r.StartTime.IsZero() && !r.EndTime.IsZero() && !r.StartTime.Before(r.EndTime) {
		fields = append(fields, "start_time must precede end_time")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
