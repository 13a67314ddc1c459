package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-chat/internal/message"
)

// Record is a message as the local user sees it.
type Record struct {
	message.Message
	Conversation string
	Status       message.Status
	Synced       bool
	Outgoing     bool
}

const recordColumns = `id, seq, conversation, sender_id, recipient_id, group_id, payload, media,
	client_time, server_time, status, synced, outgoing`

// SaveOptimistic stores a message composed locally and queues it for
// sending, in one transaction. Nothing here touches the network.
func (s *Store) SaveOptimistic(ctx context.Context, m *message.Message) (*Record, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	rec := &Record{
		Message:      *m,
		Conversation: m.ConversationKey(s.owner),
		Status:       message.QueuedLocal,
		Outgoing:     true,
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertRecord(ctx, tx, rec, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: %s", ErrExists, m.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (message_id, created_at) VALUES (?, ?)`,
		m.ID, s.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("queue outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertInbound stores a message received from the server. It reports false
// when the id was already stored, which is how redeliveries are dropped.
func (s *Store) InsertInbound(ctx context.Context, m *message.Message, status message.Status) (bool, error) {
	rec := &Record{
		Message:      *m,
		Conversation: m.ConversationKey(s.owner),
		Status:       status,
		Synced:       true,
		Outgoing:     m.SenderID == s.owner,
	}
	return insertRecord(ctx, s.DB, rec, s.now().UnixMilli())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r *Record, now int64) (bool, error) {
	media, err := json.Marshal(r.Media)
	if err != nil {
		return false, fmt.Errorf("encode media: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, seq, conversation, sender_id, recipient_id, group_id, payload, media,
			client_time, server_time, status, synced, outgoing, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Seq, r.Conversation, r.SenderID, r.RecipientID, r.GroupID, r.Payload, string(media),
		toMillis(r.ClientTime), toMillis(r.ServerTime), string(r.Status), r.Synced, r.Outgoing, now)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM messages WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// MarkSynced records the server's admission of an outgoing message and
// removes it from the outbox. A late or repeated ack is harmless.
func (s *Store) MarkSynced(ctx context.Context, id string, seq int64, serverTime time.Time) (message.Status, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := currentStatus(ctx, tx, id)
	if err != nil {
		return "", err
	}
	next, err := cur.Next(message.Sent)
	if err != nil && !errors.Is(err, message.ErrStaleTransition) {
		return cur, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET seq = ?, server_time = ?, synced = 1, status = ?, updated_at = ?
		WHERE id = ?`,
		seq, toMillis(serverTime), string(next), s.now().UnixMilli(), id); err != nil {
		return cur, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, id); err != nil {
		return cur, err
	}
	return next, tx.Commit()
}

// ApplyStatus moves a message through the status reducer. Stale updates
// leave the record unchanged and return message.ErrStaleTransition; illegal
// ones return message.ErrIllegalTransition.
func (s *Store) ApplyStatus(ctx context.Context, id string, to message.Status) (message.Status, error) {
	return s.applyPath(ctx, id, []message.Status{to}, false)
}

// ApplyReceipt applies a receipt for an outgoing message. A receipt proves
// every earlier step of the sender's happy path, so the record is walked
// through them one legal transition at a time: a read receipt for a message
// still marked sent passes through delivered.
func (s *Store) ApplyReceipt(ctx context.Context, id string, to message.Status) (message.Status, error) {
	var path []message.Status
	switch to {
	case message.Delivered:
		path = []message.Status{message.Sent, message.Delivered}
	case message.Read:
		path = []message.Status{message.Sent, message.Delivered, message.Read}
	case message.Undelivered:
		path = []message.Status{message.Sent, message.Undelivered}
	default:
		path = []message.Status{to}
	}
	return s.applyPath(ctx, id, path, true)
}

// applyPath applies each status in turn. With admitted set, the record is
// also marked synced and leaves the outbox.
func (s *Store) applyPath(ctx context.Context, id string, path []message.Status, admitted bool) (message.Status, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := currentStatus(ctx, tx, id)
	if err != nil {
		return "", err
	}
	start := cur
	var lastErr error
	for _, to := range path {
		next, err := cur.Next(to)
		lastErr = err
		if errors.Is(err, message.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return start, err
		}
		cur = next
	}
	if cur == start {
		return cur, lastErr
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, synced = synced OR ?, updated_at = ? WHERE id = ?`,
		string(cur), admitted, s.now().UnixMilli(), id); err != nil {
		return start, err
	}
	if admitted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, id); err != nil {
			return start, err
		}
	}
	return cur, tx.Commit()
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (message.Status, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return message.Status(st), err
}

// Conversation returns up to limit records in render order: admitted
// messages by seq, then pending ones by client time.
func (s *Store) Conversation(ctx context.Context, key string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM (
			SELECT * FROM messages WHERE conversation = ?
			ORDER BY seq = 0 DESC, seq DESC, client_time DESC
			LIMIT ?
		)
		ORDER BY seq = 0 ASC, seq ASC, client_time ASC`, key, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Unread returns incoming messages of a conversation still marked delivered.
func (s *Store) Unread(ctx context.Context, key string) ([]Record, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM messages
		WHERE conversation = ? AND outgoing = 0 AND status = ?
		ORDER BY seq ASC`, key, string(message.Delivered))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Reconcile merges messages fetched from the server's history. Unknown ids
// are inserted; known ones pick up the server's seq and timestamp and leave
// the outbox. It returns the number of records inserted.
func (s *Store) Reconcile(ctx context.Context, msgs []message.Message) (int, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	inserted := 0
	for i := range msgs {
		m := &msgs[i]
		status := message.Delivered
		if m.SenderID == s.owner {
			status = message.Sent
		}
		ok, err := insertRecord(ctx, tx, &Record{
			Message:      *m,
			Conversation: m.ConversationKey(s.owner),
			Status:       status,
			Synced:       true,
			Outgoing:     m.SenderID == s.owner,
		}, now)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
			continue
		}

		cur, err := currentStatus(ctx, tx, m.ID)
		if err != nil {
			return inserted, err
		}
		if next, err := cur.Next(message.Sent); err == nil {
			cur = next
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET seq = ?, server_time = ?, synced = 1, status = ?, updated_at = ?
			WHERE id = ?`,
			m.Seq, toMillis(m.ServerTime), string(cur), now, m.ID); err != nil {
			return inserted, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, m.ID); err != nil {
			return inserted, err
		}
	}
	return inserted, tx.Commit()
}

// Checkpoint returns the highest seq seen for a conversation.
func (s *Store) Checkpoint(ctx context.Context, key string) (int64, error) {
	var seq int64
	err := s.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE conversation = ?`, key).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// SetCheckpoint only ever raises the stored checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, key string, seq int64) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO checkpoints (conversation, seq) VALUES (?, ?)
		ON CONFLICT(conversation) DO UPDATE SET seq = MAX(seq, excluded.seq)`, key, seq)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var media, status string
	var clientTime, serverTime int64
	if err := row.Scan(&r.ID, &r.Seq, &r.Conversation, &r.SenderID, &r.RecipientID, &r.GroupID, &r.Payload, &media,
		&clientTime, &serverTime, &status, &r.Synced, &r.Outgoing); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &r.Media); err != nil {
		return nil, fmt.Errorf("decode media of %s: %w", r.ID, err)
	}
	r.ClientTime = fromMillis(clientTime)
	r.ServerTime = fromMillis(serverTime)
	r.Status = message.Status(status)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
