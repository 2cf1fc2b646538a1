package bookings

import (
	"fmt"
	"sort"
)

// Event is a lifecycle input that may move a booking between statuses.
type Event string

const (
	EventPaymentConfirmed Event = "payment_confirmed"
	EventCancel           Event = "cancel"
	EventComplete         Event = "complete"
)

type transitionKey struct {
	from  Status
	event Event
}

// transitions is the only place legal status changes are declared. Every
// conditional UPDATE derives its allowed source statuses from this table.
var transitions = map[transitionKey]Status{
	{StatusPending, EventPaymentConfirmed}: StatusConfirmed,
	{StatusPending, EventCancel}:           StatusCancelled,
	{StatusConfirmed, EventCancel}:         StatusCancelled,
	{StatusConfirmed, EventComplete}:       StatusCompleted,
}

// Transition returns the status reached by applying event to from.
func Transition(from Status, event Event) (Status, error) {
	to, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, from)
	}
	return to, nil
}

// SourcesFor lists the statuses from which event is legal, in stable order.
func SourcesFor(event Event) []Status {
	var out []Status
	for key := range transitions {
		if key.event == event {
			out = append(out, key.from)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sourceStrings(event Event) []string {
	sources := SourcesFor(event)
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}

// rejection explains why a conditional update on current matched no row.
func rejection(current Status, event Event) error {
	if event == EventCancel && current == StatusCancelled {
		return ErrAlreadyCancelled
	}
	_, err := Transition(current, event)
	if err == nil {
		// The row moved between the update and the re-read.
		return fmt.Errorf("%w: %s raced on %s", ErrIllegalTransition, event, current)
	}
	return err
}
