package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat/internal/protocol"
)

func TestRegistryLastConnectionWins(t *testing.T) {
	r := NewRegistry(nil)
	first := newHandle("alice")
	second := newHandle("alice")

	assert.Nil(t, r.Register(first))
	assert.Equal(t, Handle(first), r.Register(second))

	closed, code := first.isClosed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseSuperseded, code)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Online())
}

func TestRegistryStaleUnregisterKeepsSuccessor(t *testing.T) {
	r := NewRegistry(nil)
	first := newHandle("alice")
	second := newHandle("alice")
	r.Register(first)
	r.Register(second)

	assert.False(t, r.Unregister(first))
	assert.True(t, r.IsOnline("alice"))

	assert.True(t, r.Unregister(second))
	assert.False(t, r.IsOnline("alice"))
	assert.False(t, r.Unregister(second))
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry(nil)
	clock := newClock()
	r.now = clock.Now

	h := newHandle("bob")
	r.Register(h)
	clock.Advance(time.Minute)
	r.Touch(h)

	seen, ok := r.LastSeen("bob")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), seen)

	// A replaced handle cannot refresh its successor's timestamp.
	stale := newHandle("bob")
	r.Register(stale)
	clock.Advance(time.Minute)
	r.Touch(h)
	seen, _ = r.LastSeen("bob")
	assert.Equal(t, clock.Now().Add(-time.Minute), seen)

	_, ok = r.LastSeen("nobody")
	assert.False(t, ok)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newHandle("a"), newHandle("b")
	r.Register(a)
	r.Register(b)

	r.CloseAll(1001, "shutdown")

	assert.Equal(t, 0, r.Online())
	for _, h := range []*fakeHandle{a, b} {
		closed, code := h.isClosed()
		assert.True(t, closed)
		assert.Equal(t, 1001, code)
	}
}
