package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go-chat/internal/message"
)

// OutboxItem is a locally composed message not yet acknowledged by the
// server.
type OutboxItem struct {
	Message       message.Message
	Attempts      int
	LastEpoch     uint64
	LastAttemptAt time.Time
	LastError     string
}

// PendingOutbox returns every unacknowledged message, oldest first.
func (s *Store) PendingOutbox(ctx context.Context) ([]OutboxItem, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT m.id, m.sender_id, m.recipient_id, m.group_id, m.payload, m.media, m.client_time,
			o.attempts, o.last_epoch, o.last_attempt_at, o.last_error
		FROM outbox o JOIN messages m ON m.id = o.message_id
		ORDER BY o.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		var media string
		var clientTime, lastAttempt int64
		if err := rows.Scan(&it.Message.ID, &it.Message.SenderID, &it.Message.RecipientID, &it.Message.GroupID,
			&it.Message.Payload, &media, &clientTime,
			&it.Attempts, &it.LastEpoch, &lastAttempt, &it.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(media), &it.Message.Media); err != nil {
			return nil, fmt.Errorf("decode media of %s: %w", it.Message.ID, err)
		}
		it.Message.ClientTime = fromMillis(clientTime)
		it.LastAttemptAt = fromMillis(lastAttempt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// RecordAttempt notes a transmission attempt on the given connection epoch.
// A nil sendErr means the frame was written; the message then counts as
// transmitted until the server acknowledges it.
func (s *Store) RecordAttempt(ctx context.Context, id string, epoch uint64, sendErr error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}
	now := s.now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_epoch = ?, last_attempt_at = ?, last_error = ?
		WHERE message_id = ?`, epoch, now, errText, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s not in outbox", ErrNotFound, id)
	}

	if sendErr == nil {
		if err := transition(ctx, tx, id, message.Transmitted, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Requeue puts transmitted but unacknowledged messages back to queued, e.g.
// after the connection they were written to dropped.
func (s *Store) Requeue(ctx context.Context) (int, error) {
	res, err := s.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE status = ? AND id IN (SELECT message_id FROM outbox)`,
		string(message.QueuedLocal), s.now().UnixMilli(), string(message.Transmitted))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkFailed takes a message the server rejected out of the outbox.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	if err := transition(ctx, tx, id, message.Failed, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Retry queues a failed message again.
func (s *Store) Retry(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	if err := transition(ctx, tx, id, message.QueuedLocal, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (message_id, created_at) VALUES (?, ?) ON CONFLICT(message_id) DO NOTHING`,
		id, now); err != nil {
		return err
	}
	return tx.Commit()
}

func transition(ctx context.Context, tx *sql.Tx, id string, to message.Status, now int64) error {
	cur, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	next, err := cur.Next(to)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, string(next), now, id)
	return err
}
