package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat/internal/auth"
	"go-chat/internal/chat"
	"go-chat/internal/localstore"
	"go-chat/internal/message"
	"go-chat/internal/protocol"
	"go-chat/internal/relay"
	"go-chat/internal/server"
	"go-chat/internal/transport"
)

const waitFor = 3 * time.Second

type testEnv struct {
	*httptest.Server
	jwt   *auth.JWT
	store *chat.MemoryStore
	reg   *chat.Registry
	coord *chat.Coordinator
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := chat.NewMemoryStore()
	reg := chat.NewRegistry(nil)
	coord, err := chat.NewCoordinator(context.Background(), chat.Deps{
		Registry: reg,
		Relay:    relay.NewMemoryQueue(nil),
		Store:    store,
		Contacts: store,
		Groups:   store,
	}, chat.CoordinatorOptions{})
	require.NoError(t, err)

	jwt := auth.NewJWT("test-secret", "")
	srv := httptest.NewServer(server.NewRouter(chat.NewHandler(coord, store, 16, nil), jwt))
	t.Cleanup(func() {
		reg.CloseAll(websocket.CloseGoingAway, "shutdown")
		srv.Close()
	})
	return &testEnv{Server: srv, jwt: jwt, store: store, reg: reg, coord: coord}
}

type peer struct {
	*Client
	session *transport.Session
	local   *localstore.Store
}

// newPeer builds a client for user without connecting it.
func (e *testEnv) newPeer(t *testing.T, user string, opts Options) *peer {
	t.Helper()
	token, err := e.jwt.Issue(user, time.Hour)
	require.NoError(t, err)

	local, err := localstore.Open(filepath.Join(t.TempDir(), user+".db"), user)
	require.NoError(t, err)
	_, err = local.Migrate()
	require.NoError(t, err)

	sess := transport.New(transport.Options{
		URL:            "ws" + strings.TrimPrefix(e.URL, "http") + "/ws",
		Token:          token,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	opts.APIBase = e.URL
	opts.Token = token
	c := New(local, sess, opts)

	t.Cleanup(func() {
		c.Close()
		_ = sess.Close()
		_ = local.Close()
	})
	return &peer{Client: c, session: sess, local: local}
}

func (e *testEnv) connect(t *testing.T, user string, opts Options) *peer {
	t.Helper()
	p := e.newPeer(t, user, opts)
	require.NoError(t, p.session.Start(context.Background()))
	require.Eventually(t, func() bool { return e.reg.IsOnline(user) }, waitFor, 10*time.Millisecond)
	return p
}

func waitStatus(t *testing.T, p *peer, id string, want message.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := p.local.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}, waitFor, 10*time.Millisecond, "waiting for %s to reach %s", id, want)
}

// waitUpdate reads updates until match accepts one.
func waitUpdate(t *testing.T, p *peer, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case u := <-p.Updates():
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func TestOfflineRecipientThenDeliveryConfirmation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice", Options{})

	rec, err := alice.Compose(ctx, "bob", "ciphertext")
	require.NoError(t, err)
	assert.Equal(t, message.QueuedLocal, rec.Status)
	waitStatus(t, alice, rec.ID, message.Sent)

	bob := env.connect(t, "bob", Options{})
	waitStatus(t, bob, rec.ID, message.Delivered)
	waitStatus(t, alice, rec.ID, message.Delivered)

	got, err := bob.local.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ciphertext", got.Payload)
	assert.Equal(t, "alice", got.Conversation)

	n, err := bob.MarkRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitStatus(t, bob, rec.ID, message.Read)
	waitStatus(t, alice, rec.ID, message.Read)

	statuses := env.store.Statuses(rec.ID)
	require.Len(t, statuses, 2)
	assert.Equal(t, message.Delivered, statuses[0].Status)
	assert.Equal(t, message.Read, statuses[1].Status)
}

func TestDoubleSendDeliveredOnce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice", Options{})
	bob := env.connect(t, "bob", Options{})

	rec, err := alice.Compose(ctx, "bob", "m1")
	require.NoError(t, err)
	waitStatus(t, alice, rec.ID, message.Delivered)

	first, err := env.store.Find(ctx, rec.ID)
	require.NoError(t, err)

	// The same id again, as after a lost ack.
	require.NoError(t, alice.session.Send(ctx, protocol.FromMessage(protocol.KindMessage, &rec.Message)))
	require.Eventually(t, func() bool { return env.coord.Stats().Admitted == 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	again, err := env.store.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, int64(1), env.coord.Stats().Admitted)

	conv, err := bob.Conversation(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, conv, 1)

	got, err := alice.local.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, message.Delivered, got.Status)
	assert.Equal(t, first.Seq, got.Seq)
}

func TestDropMidComposeFlushesOnReconnect(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice", Options{})
	bob := env.connect(t, "bob", Options{})

	h, ok := env.reg.Lookup("alice")
	require.True(t, ok)
	h.Close(websocket.CloseGoingAway, "restart")
	waitUpdate(t, alice, func(u Update) bool {
		return u.Kind == UpdateConnection && u.State == StateDisconnected
	})

	rec, err := alice.Compose(ctx, "bob", "written offline")
	require.NoError(t, err)
	assert.Equal(t, message.QueuedLocal, rec.Status)

	waitUpdate(t, alice, func(u Update) bool {
		return u.Kind == UpdateConnection && u.State == StateConnected
	})
	waitStatus(t, alice, rec.ID, message.Delivered)
	waitStatus(t, bob, rec.ID, message.Delivered)

	items, err := alice.local.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	conv, err := bob.Conversation(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, conv, 1)
}

func TestConversationOrderFollowsAdmission(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice", Options{})
	bob := env.connect(t, "bob", Options{})

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		rec, err := alice.Compose(ctx, "bob", body)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		waitStatus(t, bob, id, message.Delivered)
	}

	conv, err := bob.Conversation(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	for i, rec := range conv {
		assert.Equal(t, ids[i], rec.ID)
		if i > 0 {
			assert.Greater(t, rec.Seq, conv[i-1].Seq)
		}
	}
}

func TestSyncHistory(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	alice := env.connect(t, "alice", Options{})

	rec, err := alice.Compose(ctx, "bob", "from history")
	require.NoError(t, err)
	waitStatus(t, alice, rec.ID, message.Sent)

	bob := env.newPeer(t, "bob", Options{})
	n, err := bob.SyncHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := bob.local.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "from history", got.Payload)
	assert.Equal(t, message.Delivered, got.Status)

	checkpoint, err := bob.local.Checkpoint(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, got.Seq, checkpoint)

	n, err = bob.SyncHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTypingAndPresence(t *testing.T) {
	env := newEnv(t)
	env.store.AddContact("alice", "bob")
	ctx := context.Background()

	alice := env.connect(t, "alice", Options{TypingTimeout: 100 * time.Millisecond})
	bob := env.connect(t, "bob", Options{})
	require.Eventually(t, func() bool { return alice.IsOnline("bob") }, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.SendTyping(ctx, "alice", true))
	require.Eventually(t, func() bool { return alice.IsTyping("bob") }, waitFor, 5*time.Millisecond)
	// No refresh, so it lapses.
	require.Eventually(t, func() bool { return !alice.IsTyping("bob") }, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.session.Close())
	require.Eventually(t, func() bool { return !alice.IsOnline("bob") }, waitFor, 10*time.Millisecond)
}

func TestRejectedMessageFails(t *testing.T) {
	env := newEnv(t)
	env.store.AddGroupMember("team", "bob")
	ctx := context.Background()
	alice := env.connect(t, "alice", Options{})

	rec, err := alice.ComposeGroup(ctx, "team", "not a member")
	require.NoError(t, err)
	waitStatus(t, alice, rec.ID, message.Failed)

	items, err := alice.local.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://localhost:8080/ws", want: "http://localhost:8080"},
		{in: "wss://chat.example.com/ws?token=x", want: "https://chat.example.com"},
		{in: "http://localhost:8080", want: "http://localhost:8080"},
		{in: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		got, err := HTTPBase(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
