package client

import (
	"fmt"

	"go-chat/internal/localstore"
	"go-chat/internal/message"
)

type UpdateKind int

const (
	// UpdateMessage carries a record that was stored locally.
	UpdateMessage UpdateKind = iota + 1
	// UpdateStatus carries a status change of MessageID.
	UpdateStatus
	UpdateTyping
	UpdatePresence
	UpdateConnection
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessage:
		return "message"
	case UpdateStatus:
		return "status"
	case UpdateTyping:
		return "typing"
	case UpdatePresence:
		return "presence"
	case UpdateConnection:
		return "connection"
	}
	return fmt.Sprintf("UpdateKind(%d)", int(k))
}

type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateUnreachable  ConnState = "unreachable"
	StateClosed       ConnState = "closed"
)

// Update is one change the UI may want to render. Only the fields of its
// Kind are set.
type Update struct {
	Kind UpdateKind

	Record *localstore.Record

	MessageID    string
	Conversation string
	Status       message.Status
	Seq          int64

	// UserID is the typing or presence subject, or who acknowledged a
	// receipt.
	UserID string
	Typing bool
	Online bool

	State  ConnState
	Epoch  uint64
	Reason string
}
