package message

import (
	"errors"
	"fmt"
	"slices"
)

// Status is the lifecycle position of a message as seen by one observer.
// The sender and the recipient may hold different statuses for the same id.
type Status string

const (
	Composing   Status = "composing"
	QueuedLocal Status = "queued"
	Transmitted Status = "transmitted"
	Sent        Status = "sent"
	Delivered   Status = "delivered"
	Read        Status = "read"
	Failed      Status = "failed"
	Undelivered Status = "undelivered"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrStaleTransition   = errors.New("stale status transition")
)

var validTransitions = map[Status][]Status{
	Composing:   {QueuedLocal, Failed},
	QueuedLocal: {Transmitted, Sent, Failed},
	Transmitted: {QueuedLocal, Sent, Failed},
	Sent:        {Delivered, Undelivered},
	Delivered:   {Read},
	Failed:      {QueuedLocal},
	Read:        {},
	Undelivered: {},
}

// rank orders the happy path; a status event ranked below the current one
// is a late replay rather than a new fact.
var rank = map[Status]int{
	Composing:   0,
	QueuedLocal: 1,
	Transmitted: 2,
	Failed:      2,
	Sent:        3,
	Undelivered: 4,
	Delivered:   4,
	Read:        5,
}

func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Next reduces the current status with an incoming one.
// Repeating the current status is a no-op. Moving backwards returns
// ErrStaleTransition and keeps s; anything else outside the table returns
// ErrIllegalTransition and keeps s.
func (s Status) Next(to Status) (Status, error) {
	if !to.Valid() {
		return s, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if to == s {
		return s, nil
	}
	if slices.Contains(validTransitions[s], to) {
		return to, nil
	}
	if rank[to] < rank[s] {
		return s, fmt.Errorf("%w: %s after %s", ErrStaleTransition, to, s)
	}
	return s, fmt.Errorf("%w: %s to %s", ErrIllegalTransition, s, to)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}
