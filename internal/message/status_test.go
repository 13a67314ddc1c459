package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNext(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		want    Status
		wantErr error
	}{
		{"queue composed", Composing, QueuedLocal, QueuedLocal, nil},
		{"transmit", QueuedLocal, Transmitted, Transmitted, nil},
		{"ack before transmit recorded", QueuedLocal, Sent, Sent, nil},
		{"ack", Transmitted, Sent, Sent, nil},
		{"delivered", Sent, Delivered, Delivered, nil},
		{"read", Delivered, Read, Read, nil},
		{"expired in relay", Sent, Undelivered, Undelivered, nil},
		{"retry failed", Failed, QueuedLocal, QueuedLocal, nil},
		{"reconnect requeues", Transmitted, QueuedLocal, QueuedLocal, nil},
		{"same status is a no-op", Delivered, Delivered, Delivered, nil},
		{"read before delivered", Sent, Read, Sent, ErrIllegalTransition},
		{"read while queued", QueuedLocal, Read, QueuedLocal, ErrIllegalTransition},
		{"late delivered after read", Read, Delivered, Read, ErrStaleTransition},
		{"late sent after delivered", Delivered, Sent, Delivered, ErrStaleTransition},
		{"undelivered after delivered", Delivered, Undelivered, Delivered, ErrIllegalTransition},
		{"unknown status", Sent, Status("bogus"), Sent, ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Next(tt.to)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, Read.Terminal())
	assert.True(t, Undelivered.Terminal())
	assert.False(t, Sent.Terminal())
	assert.False(t, Failed.Terminal())
}

func TestValidate(t *testing.T) {
	ok := Message{ID: "m1", SenderID: "a", RecipientID: "b"}
	require.NoError(t, ok.Validate())

	group := Message{ID: "m2", SenderID: "a", GroupID: "g"}
	require.NoError(t, group.Validate())

	for _, bad := range []Message{
		{SenderID: "a", RecipientID: "b"},
		{ID: "m1", RecipientID: "b"},
		{ID: "m1", SenderID: "a"},
		{ID: "m1", SenderID: "a", RecipientID: "b", GroupID: "g"},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalid)
	}
}

func TestConversationKey(t *testing.T) {
	m := Message{ID: "m1", SenderID: "alice", RecipientID: "bob"}
	assert.Equal(t, "bob", m.ConversationKey("alice"))
	assert.Equal(t, "alice", m.ConversationKey("bob"))

	g := Message{ID: "m2", SenderID: "alice", GroupID: "team"}
	assert.Equal(t, "team", g.ConversationKey("alice"))
	assert.Equal(t, "team", g.ConversationKey("bob"))
}
