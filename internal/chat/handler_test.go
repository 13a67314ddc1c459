package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat/internal/auth"
	"go-chat/internal/message"
	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/protocol"
	"go-chat/internal/relay"
)

type testServer struct {
	*httptest.Server
	jwt   *auth.JWT
	store *MemoryStore
	coord *Coordinator
	reg   *Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := NewMemoryStore()
	reg := NewRegistry(nil)
	coord, err := NewCoordinator(context.Background(), Deps{
		Registry: reg,
		Relay:    relay.NewMemoryQueue(nil),
		Store:    store,
		Contacts: store,
		Groups:   store,
	}, CoordinatorOptions{})
	require.NoError(t, err)

	jwt := auth.NewJWT("test-secret", "")
	h := NewHandler(coord, store, 16, nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(jwt).Handle)
		r.Get("/ws", h.ServeWs)
		r.Get("/api/messages", h.GetChatHistory)
	})
	r.Get("/api/relay/stats", h.Stats)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		reg.CloseAll(websocket.CloseGoingAway, "shutdown")
		srv.Close()
	})
	return &testServer{Server: srv, jwt: jwt, store: store, coord: coord, reg: reg}
}

func (s *testServer) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := s.jwt.Issue(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + s.token(t, user)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return s.reg.IsOnline(user) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// next reads until an event of the wanted kind arrives.
func next(t *testing.T, conn *websocket.Conn, kind protocol.Kind) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		events, err := protocol.DecodeFrame(frame)
		require.NoError(t, err)
		for _, ev := range events {
			if ev.Type == kind {
				return ev
			}
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestServeWsRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=garbage"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")

	// Bob is offline: the message is admitted and relayed.
	write(t, alice, direct("m1", "alice", "bob"))
	sent := next(t, alice, protocol.KindMessageSent)
	assert.Equal(t, "m1", sent.MessageID)
	assert.Equal(t, int64(1), sent.Seq)
	assert.False(t, sent.ServerTime.IsZero())

	bob := s.dial(t, "bob")
	got := next(t, bob, protocol.KindNewMessage)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "ciphertext:m1", got.Payload)

	write(t, bob, protocol.Event{Type: protocol.KindDeliveryConfirmation, MessageID: "m1"})
	delivered := next(t, alice, protocol.KindMessageDelivered)
	assert.Equal(t, "m1", delivered.MessageID)

	// Live path.
	write(t, bob, direct("m2", "bob", "alice"))
	assert.Equal(t, "m2", next(t, alice, protocol.KindNewMessage).MessageID)
}

func TestServeWsSupersededClose(t *testing.T) {
	s := newTestServer(t)
	first := s.dial(t, "alice")
	s.dial(t, "alice")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, protocol.CloseSuperseded), "got %v", err)
		break
	}
	assert.True(t, s.reg.IsOnline("alice"))
}

func TestServeWsClosesWhenTokenExpires(t *testing.T) {
	s := newTestServer(t)
	// Expiry has second precision, so this lapses within two seconds.
	tok, err := s.jwt.Issue("alice", 2*time.Second)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthRejected), "got %v", err)
		break
	}
	assert.Eventually(t, func() bool { return !s.reg.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestGetChatHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.store.AddGroupMember("g1", "alice")
	for _, m := range []message.Message{
		{ID: "m1", Seq: 1, SenderID: "alice", RecipientID: "bob", Payload: "a"},
		{ID: "m2", Seq: 2, SenderID: "bob", RecipientID: "alice", Payload: "b"},
		{ID: "m3", Seq: 3, SenderID: "alice", RecipientID: "carol", Payload: "c"},
		{ID: "m4", Seq: 4, SenderID: "alice", GroupID: "g1", Payload: "d"},
	} {
		require.NoError(t, s.store.Persist(ctx, &m))
	}

	get := func(user, query string) (*http.Response, []message.Message) {
		req, err := http.NewRequest(http.MethodGet, s.URL+"/api/messages?"+query, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+s.token(t, user))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var msgs []message.Message
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
		}
		return resp, msgs
	}

	resp, msgs := get("alice", "with=bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"m1", "m2"}, historyIDs(msgs))

	_, msgs = get("bob", "with=alice&after=1")
	assert.Equal(t, []string{"m2"}, historyIDs(msgs))

	_, msgs = get("alice", "group=g1")
	assert.Equal(t, []string{"m4"}, historyIDs(msgs))

	resp, _ = get("bob", "group=g1")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = get("alice", "with=bob&group=g1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get("alice", "with=bob&after=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.dial(t, "alice")

	resp, err := http.Get(s.URL + "/api/relay/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Online)
}

func historyIDs(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
