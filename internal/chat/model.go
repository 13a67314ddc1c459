package chat

import (
	"context"
	"errors"
	"time"

	"go-chat/internal/message"
	"go-chat/internal/protocol"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("message not found")
	ErrDuplicate      = errors.New("message already persisted")
	ErrClosed         = errors.New("connection closed")
)

// ---------------------------------------------
// Collaborators
// ---------------------------------------------

// MessageStore is the durable record of admitted messages. It is written
// before a message counts as admitted, independently of the relay path.
type MessageStore interface {
	// Persist returns ErrDuplicate if the message id is already stored.
	Persist(ctx context.Context, m *message.Message) error
	Find(ctx context.Context, id string) (*message.Message, error)
	// AppendStatus records a status event; message rows are never updated.
	AppendStatus(ctx context.Context, ev StatusEvent) error
	MaxSeq(ctx context.Context) (int64, error)
	History(ctx context.Context, q HistoryQuery) ([]message.Message, error)
}

type Contacts interface {
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

type Groups interface {
	MembersOf(ctx context.Context, groupID string) ([]string, error)
}

// ---------------------------------------------
// Models
// ---------------------------------------------

type StatusEvent struct {
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Status    message.Status `json:"status"`
	At        time.Time      `json:"at"`
}

// HistoryQuery selects a conversation of UserID with either Peer or GroupID,
// returning messages admitted after AfterSeq in seq order.
type HistoryQuery struct {
	UserID   string
	Peer     string
	GroupID  string
	AfterSeq int64
	Limit    int
}

// Admission is the authoritative outcome of admitting a message.
// Duplicate is set when the id had been admitted before; Message then
// carries the original seq and server time.
type Admission struct {
	Message   message.Message
	Duplicate bool
}

// Routing says where a message went for each addressee.
type Routing struct {
	Live   []string `json:"live,omitempty"`
	Queued []string `json:"queued,omitempty"`
}

type Stats struct {
	Online   int   `json:"online"`
	Admitted int64 `json:"admitted"`
	LastSeq  int64 `json:"last_seq"`
}

// Handle is one live connection of a user as seen by the registry and the
// coordinator.
type Handle interface {
	UserID() string
	// Send queues an event for the connection; it fails once the handle is
	// closed or when ctx ends before there is room.
	Send(ctx context.Context, ev protocol.Event) error
	Close(code int, reason string)
}
