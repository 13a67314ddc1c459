package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "relay:"

// Per recipient:
//
//	{prefix}q:{recipient}  ZSET  message id scored by a global enqueue counter
//	{prefix}m:{recipient}  HASH  message id -> JSON entry
//
// plus {prefix}recipients (SET of recipients with entries) for sweeping and
// {prefix}seq (the enqueue counter).
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('SADD', KEYS[4], ARGV[3])
return 1
`)

var removeScript = redis.NewScript(`
local n = redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[3], ARGV[2])
end
return n
`)

// attemptScript rewrites entry bodies (ARGV id, body pairs) only for ids
// still in the ordering set, so an entry acked or expired since it was
// read is not resurrected in the hash.
var attemptScript = redis.NewScript(`
local n = 0
for i = 1, #ARGV, 2 do
	if redis.call('ZSCORE', KEYS[1], ARGV[i]) then
		redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
		n = n + 1
	end
end
return n
`)

type RedisQueue struct {
	rdb    redis.Cmdable
	prefix string
	now    Clock
}

func NewRedisQueue(rdb redis.Cmdable, prefix string, now Clock) *RedisQueue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, now: now}
}

func (q *RedisQueue) queueKey(r string) string { return q.prefix + "q:" + r }
func (q *RedisQueue) msgKey(r string) string   { return q.prefix + "m:" + r }
func (q *RedisQueue) recipientsKey() string    { return q.prefix + "recipients" }
func (q *RedisQueue) seqKey() string           { return q.prefix + "seq" }

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal relay entry: %w", err)
	}

	keys := []string{q.queueKey(e.Recipient), q.msgKey(e.Recipient), q.seqKey(), q.recipientsKey()}
	if err := enqueueScript.Run(ctx, q.rdb, keys, e.Message.ID, data, e.Recipient).Err(); err != nil {
		return fmt.Errorf("failed to enqueue relay entry: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, recipient string) ([]Entry, error) {
	entries, err := q.load(ctx, recipient)
	if err != nil {
		return nil, err
	}

	now := q.now()
	var out []Entry
	var updates []any
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		e.Attempts++
		e.LastAttemptAt = now
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal relay entry: %w", err)
		}
		updates = append(updates, e.Message.ID, data)
		out = append(out, e)
	}

	if len(updates) > 0 {
		keys := []string{q.queueKey(recipient), q.msgKey(recipient)}
		if err := attemptScript.Run(ctx, q.rdb, keys, updates...).Err(); err != nil {
			return nil, fmt.Errorf("failed to record delivery attempt: %w", err)
		}
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, recipient, messageID string) (bool, error) {
	n, err := q.remove(ctx, recipient, messageID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *RedisQueue) Expire(ctx context.Context, recipient string) ([]Entry, error) {
	entries, err := q.load(ctx, recipient)
	if err != nil {
		return nil, err
	}

	now := q.now()
	var expired []Entry
	for _, e := range entries {
		if !e.Expired(now) {
			continue
		}
		if _, err := q.remove(ctx, recipient, e.Message.ID); err != nil {
			return expired, err
		}
		expired = append(expired, e)
	}
	return expired, nil
}

func (q *RedisQueue) Sweep(ctx context.Context) ([]Entry, error) {
	recipients, err := q.rdb.SMembers(ctx, q.recipientsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list relay recipients: %w", err)
	}

	var expired []Entry
	for _, r := range recipients {
		got, err := q.Expire(ctx, r)
		expired = append(expired, got...)
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func (q *RedisQueue) Len(ctx context.Context, recipient string) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.queueKey(recipient)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count relay entries: %w", err)
	}
	return int(n), nil
}

// load returns the recipient's entries in enqueue order. Ids whose entry
// body has gone missing are dropped from the ordering set.
func (q *RedisQueue) load(ctx context.Context, recipient string) ([]Entry, error) {
	ids, err := q.rdb.ZRange(ctx, q.queueKey(recipient), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read relay queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.rdb.HMGet(ctx, q.msgKey(recipient), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read relay entries: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			q.rdb.ZRem(ctx, q.queueKey(recipient), ids[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("failed to decode relay entry %s: %w", ids[i], err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *RedisQueue) remove(ctx context.Context, recipient, messageID string) (int64, error) {
	keys := []string{q.queueKey(recipient), q.msgKey(recipient), q.recipientsKey()}
	n, err := removeScript.Run(ctx, q.rdb, keys, messageID, recipient).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to remove relay entry: %w", err)
	}
	return n, nil
}
