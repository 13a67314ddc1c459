package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat/internal/localstore"
	"go-chat/internal/message"
	"go-chat/internal/protocol"
	"go-chat/internal/transport"
)

// fakeConn records sent events and fails on demand.
type fakeConn struct {
	mu     sync.Mutex
	epoch  uint64
	sent   []protocol.Event
	failOn map[string]error
}

func (c *fakeConn) Send(_ context.Context, ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failOn[ev.MessageID]; err != nil {
		return err
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *fakeConn) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.sent {
		out = append(out, ev.MessageID)
	}
	return out
}

func testStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "test.db"), "alice")
	require.NoError(t, err)
	_, err = s.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queue(t *testing.T, s *localstore.Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		m := &message.Message{
			ID:          id,
			SenderID:    "alice",
			RecipientID: "bob",
			Payload:     "hi",
			ClientTime:  time.Unix(int64(1000+i), 0),
		}
		_, err := s.SaveOptimistic(context.Background(), m)
		require.NoError(t, err)
	}
}

func TestDrainSendsInOrderOncePerEpoch(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{epoch: 1}
	s := NewSender(store, conn, Options{})
	ctx := context.Background()
	queue(t, store, "m1", "m2", "m3")

	n, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"m1", "m2", "m3"}, conn.ids())

	// Same epoch, ack not yet overdue.
	n, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, message.Transmitted, rec.Status)

	// A new connection resends everything unacknowledged.
	conn.epoch = 2
	n, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDrainResendsOverdue(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{epoch: 1}
	s := NewSender(store, conn, Options{ResendAfter: time.Minute})
	ctx := context.Background()
	queue(t, store, "m1")

	_, err := s.Drain(ctx)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m1", "m1"}, conn.ids())
}

func TestDrainSkipsWhileNeverConnected(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{}
	s := NewSender(store, conn, Options{})
	queue(t, store, "m1")

	n, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, conn.ids())
}

func TestDrainStopsWhenDisconnected(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{epoch: 1, failOn: map[string]error{
		"m2": fmt.Errorf("%w: broken pipe", transport.ErrNotConnected),
	}}
	s := NewSender(store, conn, Options{})
	ctx := context.Background()
	queue(t, store, "m1", "m2", "m3")

	n, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m1"}, conn.ids())

	items, err := store.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Contains(t, items[1].LastError, "not connected")
	assert.Zero(t, items[2].Attempts)

	// The failed item is due again on the next drain of the same epoch.
	delete(conn.failOn, "m2")
	n, err = s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2", "m3"}, conn.ids())
}

func TestDrainContinuesPastOtherErrors(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{epoch: 1, failOn: map[string]error{"m1": errors.New("encode failed")}}
	s := NewSender(store, conn, Options{})
	queue(t, store, "m1", "m2")

	n, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m2"}, conn.ids())
}

func TestAcknowledgeLeavesQueue(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{epoch: 1}
	s := NewSender(store, conn, Options{})
	ctx := context.Background()
	queue(t, store, "m1")

	_, err := s.Drain(ctx)
	require.NoError(t, err)
	st, err := s.Acknowledge(ctx, "m1", 5, time.Now())
	require.NoError(t, err)
	assert.Equal(t, message.Sent, st)

	conn.epoch = 2
	n, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunDrainsOnKick(t *testing.T) {
	store := testStore(t)
	conn := &fakeConn{epoch: 1}
	s := NewSender(store, conn, Options{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	queue(t, store, "m1")
	s.Kick()
	require.Eventually(t, func() bool { return len(conn.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
