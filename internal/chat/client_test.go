package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat/internal/protocol"
)

func TestWritePumpFailureClosesHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clients := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(f.coord, conn, "bob", 16, nil)
		go c.WritePump()
		clients <- c
	}))
	defer srv.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	bob := <-clients
	f.coord.Connect(ctx, bob)

	// Kill the socket under the pump; the next write it attempts fails.
	require.NoError(t, bob.conn.UnderlyingConn().Close())
	require.Eventually(t, func() bool {
		err := bob.Send(ctx, protocol.Event{Type: protocol.KindTyping, UserID: "alice", IsTyping: true})
		return errors.Is(err, ErrClosed)
	}, 2*time.Second, 10*time.Millisecond)

	// Bob is still registered, but the message is not counted as live.
	adm, err := f.coord.Admit(ctx, "alice", direct("m1", "alice", "bob"))
	require.NoError(t, err)
	routing, err := f.coord.Route(ctx, &adm.Message)
	require.NoError(t, err)
	assert.Empty(t, routing.Live)
	assert.Equal(t, []string{"bob"}, routing.Queued)
	assert.Equal(t, 1, f.pending(t, "bob"))
}

func TestClientCloseSendsCode(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(f.coord, conn, "bob", 16, nil)
		go c.WritePump()
		c.Close(protocol.CloseAuthRejected, "token expired")
	}))
	defer srv.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthRejected), "got %v", err)
}
