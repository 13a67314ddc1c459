package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-chat/internal/protocol"
	"go-chat/internal/relay"
)

// fakeHandle records everything sent to it.
type fakeHandle struct {
	user string

	mu        sync.Mutex
	events    []protocol.Event
	closed    bool
	closeCode int
	failSend  bool
}

func newHandle(user string) *fakeHandle {
	return &fakeHandle{user: user}
}

func (h *fakeHandle) UserID() string { return h.user }

func (h *fakeHandle) Send(_ context.Context, ev protocol.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.failSend {
		return ErrClosed
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandle) Close(code int, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.closeCode = code
	}
}

func (h *fakeHandle) ofType(kind protocol.Kind) []protocol.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Event
	for _, ev := range h.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *fakeHandle) isClosed() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.closeCode
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	coord *Coordinator
	store *MemoryStore
	relay *relay.MemoryQueue
	reg   *Registry
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newClock()
	store := NewMemoryStore()
	queue := relay.NewMemoryQueue(clock.Now)
	reg := NewRegistry(nil)

	coord, err := NewCoordinator(context.Background(), Deps{
		Registry: reg,
		Relay:    queue,
		Store:    store,
		Contacts: store,
		Groups:   store,
	}, CoordinatorOptions{RelayTTL: time.Hour, Now: clock.Now})
	require.NoError(t, err)

	return &fixture{coord: coord, store: store, relay: queue, reg: reg, clock: clock}
}

func (f *fixture) connect(user string) *fakeHandle {
	h := newHandle(user)
	f.coord.Connect(context.Background(), h)
	return h
}

func (f *fixture) pending(t *testing.T, user string) int {
	t.Helper()
	n, err := f.relay.Len(context.Background(), user)
	require.NoError(t, err)
	return n
}

func direct(id, from, to string) protocol.Event {
	return protocol.Event{
		Type:        protocol.KindMessage,
		MessageID:   id,
		SenderID:    from,
		RecipientID: to,
		Payload:     "ciphertext:" + id,
		ClientTime:  time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC),
	}
}

func group(id, from, groupID string) protocol.Event {
	return protocol.Event{
		Type:       protocol.KindGroupMessage,
		MessageID:  id,
		SenderID:   from,
		GroupID:    groupID,
		Payload:    "ciphertext:" + id,
		ClientTime: time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC),
	}
}

func messageIDs(events []protocol.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.MessageID
	}
	return out
}
