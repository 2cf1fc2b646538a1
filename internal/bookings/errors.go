package bookings

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no booking matches the lookup key.
	ErrNotFound = errors.New("booking not found")

	// ErrAlreadyCancelled is returned when cancelling a booking that is already cancelled.
	ErrAlreadyCancelled = errors.New("booking already cancelled")

	// ErrIllegalTransition is returned when the transition table forbids a status change.
	ErrIllegalTransition = errors.New("illegal booking status transition")

	// ErrInvalidBooking is returned when required booking fields are missing or inconsistent.
	ErrInvalidBooking = errors.New("invalid booking")

	// ErrDuplicateSession is returned when a booking already carries the processor session id.
	ErrDuplicateSession = errors.New("booking already recorded for session")

	// ErrSlotTaken is returned when a confirmed booking already occupies the slot.
	ErrSlotTaken = errors.New("slot already confirmed for another booking")

	errDuplicateKey = errors.New("booking id or token already exists")
)

func invalidBooking(problems []string) error {
	return fmt.Errorf("%w: %s", ErrInvalidBooking, strings.Join(problems, ", "))
}
