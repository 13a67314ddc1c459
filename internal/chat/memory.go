package chat

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"go-chat/internal/message"
)

// MemoryStore keeps messages, status events, contacts and group membership
// in process. It backs tests and the server when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]message.Message
	statuses []StatusEvent
	contacts map[string][]string
	groups   map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]message.Message),
		contacts: make(map[string][]string),
		groups:   make(map[string][]string),
	}
}

func (s *MemoryStore) Persist(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; ok {
		return ErrDuplicate
	}
	stored := *m
	stored.Media = slices.Clone(m.Media)
	s.messages[m.ID] = stored
	return nil
}

func (s *MemoryStore) Find(_ context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Media = slices.Clone(m.Media)
	return &m, nil
}

func (s *MemoryStore) AppendStatus(_ context.Context, ev StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
	return nil
}

// Statuses returns the status events recorded for a message, oldest first.
func (s *MemoryStore) Statuses(messageID string) []StatusEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StatusEvent
	for _, ev := range s.statuses {
		if ev.MessageID == messageID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *MemoryStore) MaxSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, m := range s.messages {
		last = max(last, m.Seq)
	}
	return last, nil
}

func (s *MemoryStore) History(_ context.Context, q HistoryQuery) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, m := range s.messages {
		if m.Seq <= q.AfterSeq || !inConversation(&m, q) {
			continue
		}
		m.Media = slices.Clone(m.Media)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b message.Message) int { return cmp.Compare(a.Seq, b.Seq) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func inConversation(m *message.Message, q HistoryQuery) bool {
	if q.GroupID != "" {
		return m.GroupID == q.GroupID
	}
	if m.IsGroup() {
		return false
	}
	return (m.SenderID == q.UserID && m.RecipientID == q.Peer) ||
		(m.SenderID == q.Peer && m.RecipientID == q.UserID)
}

// AddContact records a mutual contact relation.
func (s *MemoryStore) AddContact(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.contacts[a], b) {
		s.contacts[a] = append(s.contacts[a], b)
	}
	if !slices.Contains(s.contacts[b], a) {
		s.contacts[b] = append(s.contacts[b], a)
	}
}

func (s *MemoryStore) ContactsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.contacts[userID]), nil
}

func (s *MemoryStore) AddGroupMember(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.groups[groupID], userID) {
		s.groups[groupID] = append(s.groups[groupID], userID)
	}
}

func (s *MemoryStore) MembersOf(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.groups[groupID]), nil
}
