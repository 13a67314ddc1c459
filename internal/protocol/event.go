package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go-chat/internal/message"
)

// Kind names an event on the wire. Names are the contract, not the JSON layout.
type Kind string

// Client -> server.
const (
	KindMessage              Kind = "message"
	KindGroupMessage         Kind = "group_message"
	KindDeliveryConfirmation Kind = "delivery_confirmation"
	KindReadConfirmation     Kind = "read_confirmation"
)

// Server -> client.
const (
	KindNewMessage         Kind = "new_message"
	KindMessageSent        Kind = "message_sent"
	KindMessageDelivered   Kind = "message_delivered"
	KindMessageRead        Kind = "message_read"
	KindMessageUndelivered Kind = "message_undelivered"
	KindUserOnline         Kind = "user_online"
	KindUserOffline        Kind = "user_offline"
	KindError              Kind = "error"
)

// Both directions.
const KindTyping Kind = "typing"

// Websocket close codes in the private range.
const (
	CloseSuperseded   = 4000
	CloseAuthRejected = 4001
)

// Error codes carried by KindError events.
const (
	CodeForbidden = "forbidden"
	CodeInvalid   = "invalid_message"
	CodeInternal  = "internal"
)

// Ephemeral kinds are never queued or retried by either side.
func (k Kind) Ephemeral() bool {
	switch k {
	case KindTyping, KindUserOnline, KindUserOffline:
		return true
	}
	return false
}

// Event is the single flat envelope for every kind. Fields not relevant to
// a kind are left empty.
type Event struct {
	Type        Kind               `json:"type"`
	MessageID   string             `json:"message_id,omitempty"`
	SenderID    string             `json:"sender_id,omitempty"`
	RecipientID string             `json:"recipient_id,omitempty"`
	GroupID     string             `json:"group_id,omitempty"`
	UserID      string             `json:"user_id,omitempty"`
	Payload     string             `json:"payload,omitempty"`
	Media       []message.MediaRef `json:"media,omitempty"`
	Seq         int64              `json:"seq,omitempty"`
	ClientTime  time.Time          `json:"client_time,omitzero"`
	ServerTime  time.Time          `json:"server_time,omitzero"`
	IsTyping    bool               `json:"is_typing,omitempty"`
	Code        string             `json:"code,omitempty"`
	Reason      string             `json:"reason,omitempty"`

	// Epoch is set on locally generated connection events only.
	Epoch uint64 `json:"-"`
}

// FromMessage builds a message-bearing event of the given kind.
func FromMessage(kind Kind, m *message.Message) Event {
	return Event{
		Type:        kind,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Payload:     m.Payload,
		Media:       m.Media,
		Seq:         m.Seq,
		ClientTime:  m.ClientTime,
		ServerTime:  m.ServerTime,
	}
}

// Message extracts the message carried by a message-bearing event.
func (e Event) Message() message.Message {
	return message.Message{
		ID:          e.MessageID,
		Seq:         e.Seq,
		SenderID:    e.SenderID,
		RecipientID: e.RecipientID,
		GroupID:     e.GroupID,
		Payload:     e.Payload,
		Media:       e.Media,
		ClientTime:  e.ClientTime,
		ServerTime:  e.ServerTime,
	}
}

func Encode(e Event) ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("event type is required")
	}
	return json.Marshal(e)
}

// DecodeFrame returns every event in a frame. The server may coalesce
// several events into one frame separated by newlines.
func DecodeFrame(frame []byte) ([]Event, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var events []Event
	for {
		var e Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return events, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		if e.Type == "" {
			return events, fmt.Errorf("decode event %d: missing type", len(events))
		}
		events = append(events, e)
	}
	return events, nil
}
