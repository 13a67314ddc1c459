package chat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"go-chat/internal/logging"
	"go-chat/internal/protocol"
)

type registryEntry struct {
	handle      Handle
	connectedAt time.Time
	lastSeen    time.Time
}

// Registry maps a user to their single current connection.
// The newest connection wins; the one it replaces is closed here so it can
// never be picked as a delivery target again.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	now     func() time.Time
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		now:     time.Now,
		logger:  logging.OrNop(logger),
	}
}

// Register makes h the current handle for its user and returns the handle
// it replaced, if any.
func (r *Registry) Register(h Handle) Handle {
	now := r.now()
	r.mu.Lock()
	var prev Handle
	if e, ok := r.entries[h.UserID()]; ok {
		prev = e.handle
	}
	r.entries[h.UserID()] = &registryEntry{handle: h, connectedAt: now, lastSeen: now}
	total := len(r.entries)
	r.mu.Unlock()

	if prev != nil && prev != h {
		r.logger.Info("connection superseded", zap.String("user_id", h.UserID()))
		prev.Close(protocol.CloseSuperseded, "superseded")
	}
	r.logger.Debug("connection registered", zap.String("user_id", h.UserID()), zap.Int("online", total))
	return prev
}

// Unregister removes h only if it is still the user's current handle, so a
// late unregister from a replaced connection cannot evict its successor.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.UserID()]
	if !ok || e.handle != h {
		return false
	}
	delete(r.entries, h.UserID())
	return true
}

func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Touch refreshes the liveness timestamp when h is current.
func (r *Registry) Touch(h Handle) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[h.UserID()]; ok && e.handle == h {
		e.lastSeen = now
	}
}

func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every registered handle, e.g. on server shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		handles = append(handles, e.handle)
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close(code, reason)
	}
}
