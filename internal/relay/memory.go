package relay

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryQueue keeps entries in process memory. Contents are lost on restart;
// use RedisQueue where the relay must survive the server process.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]*Entry
	now    Clock
}

func NewMemoryQueue(now Clock) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{
		queues: make(map[string][]*Entry),
		now:    now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.queues[e.Recipient] {
		if existing.Message.ID == e.Message.ID {
			return nil
		}
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.queues[e.Recipient] = append(q.queues[e.Recipient], &e)
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, recipient string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Entry
	for _, e := range q.queues[recipient] {
		if e.Expired(now) {
			continue
		}
		e.Attempts++
		e.LastAttemptAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, recipient, messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[recipient]
	i := slices.IndexFunc(entries, func(e *Entry) bool { return e.Message.ID == messageID })
	if i < 0 {
		return false, nil
	}
	q.setQueue(recipient, slices.Delete(entries, i, i+1))
	return true, nil
}

func (q *MemoryQueue) Expire(_ context.Context, recipient string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expireLocked(recipient, q.now()), nil
}

func (q *MemoryQueue) Sweep(_ context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []Entry
	for recipient := range q.queues {
		expired = append(expired, q.expireLocked(recipient, now)...)
	}
	return expired, nil
}

func (q *MemoryQueue) Len(_ context.Context, recipient string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipient]), nil
}

func (q *MemoryQueue) expireLocked(recipient string, now time.Time) []Entry {
	var expired []Entry
	kept := q.queues[recipient][:0]
	for _, e := range q.queues[recipient] {
		if e.Expired(now) {
			expired = append(expired, *e)
			continue
		}
		kept = append(kept, e)
	}
	q.setQueue(recipient, kept)
	return expired
}

func (q *MemoryQueue) setQueue(recipient string, entries []*Entry) {
	if len(entries) == 0 {
		delete(q.queues, recipient)
		return
	}
	q.queues[recipient] = entries
}
