package message

import (
	"errors"
	"time"
)

var ErrInvalid = errors.New("invalid message")

// MediaRef points at an attachment stored elsewhere, addressed by content hash.
type MediaRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Message is the unit moved by the sync core.
// ID is chosen by the sending device and never changes; Seq is assigned
// once by the server at admission and is 0 before that.
type Message struct {
	ID          string     `json:"message_id"`
	Seq         int64      `json:"seq,omitempty"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Payload     string     `json:"payload"`
	Media       []MediaRef `json:"media,omitempty"`
	ClientTime  time.Time  `json:"client_time"`
	ServerTime  time.Time  `json:"server_time,omitempty"`
}

func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

// ConversationKey returns the key a given observer files the message under:
// the group id for group messages, otherwise the other participant.
func (m *Message) ConversationKey(observer string) string {
	if m.IsGroup() {
		return m.GroupID
	}
	if m.SenderID == observer {
		return m.RecipientID
	}
	return m.SenderID
}

func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return errors.Join(ErrInvalid, errors.New("message id is required"))
	case m.SenderID == "":
		return errors.Join(ErrInvalid, errors.New("sender id is required"))
	case m.RecipientID == "" && m.GroupID == "":
		return errors.Join(ErrInvalid, errors.New("recipient or group id is required"))
	case m.RecipientID != "" && m.GroupID != "":
		return errors.Join(ErrInvalid, errors.New("message cannot target both a recipient and a group"))
	}
	return nil
}
