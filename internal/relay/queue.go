// Package relay holds messages for recipients that are not connected.
//
// Entries are kept in enqueue order per recipient until the recipient
// acknowledges delivery or the entry's deadline passes. A Queue does not
// serialize enqueue against drain for the same recipient; callers that need
// that guarantee (the delivery coordinator) hold a per-recipient lock.
package relay

import (
	"context"
	"time"

	"go-chat/internal/message"
)

type Entry struct {
	Recipient     string          `json:"recipient"`
	Message       message.Message `json:"message"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitzero"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type Queue interface {
	// Enqueue appends an entry. Enqueueing the same message id twice for a
	// recipient keeps the first entry.
	Enqueue(ctx context.Context, e Entry) error
	// Pending returns the recipient's unexpired entries oldest first and
	// records a delivery attempt on each.
	Pending(ctx context.Context, recipient string) ([]Entry, error)
	// Ack removes an entry after the recipient confirmed delivery.
	Ack(ctx context.Context, recipient, messageID string) (bool, error)
	// Expire removes and returns the recipient's expired entries.
	Expire(ctx context.Context, recipient string) ([]Entry, error)
	// Sweep removes and returns expired entries for every recipient.
	Sweep(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context, recipient string) (int, error)
}

// Clock is swapped in tests.
type Clock func() time.Time
