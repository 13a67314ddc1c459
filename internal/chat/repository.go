package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-chat/internal/message"
)

// Repository is the PostgreSQL message store. Message rows are written once;
// everything that happens to a message later is an appended status event.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Persist(ctx context.Context, m *message.Message) error {
	media, err := json.Marshal(m.Media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}

	query := `
		INSERT INTO messages (id, seq, sender_id, recipient_id, group_id, payload, media, client_time, server_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		m.ID, m.Seq, m.SenderID, m.RecipientID, m.GroupID, m.Payload, media, m.ClientTime, m.ServerTime)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

const messageColumns = `id, seq, sender_id, recipient_id, group_id, payload, media, client_time, server_time`

func (r *Repository) Find(ctx context.Context, id string) (*message.Message, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) AppendStatus(ctx context.Context, ev StatusEvent) error {
	query := "INSERT INTO message_events (message_id, user_id, status, created_at) VALUES ($1, $2, $3, $4)"
	_, err := r.db.ExecContext(ctx, query, ev.MessageID, ev.UserID, string(ev.Status), ev.At)
	return err
}

func (r *Repository) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM messages").Scan(&seq)
	return seq, err
}

func (r *Repository) History(ctx context.Context, q HistoryQuery) ([]message.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if q.GroupID != "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE group_id = $1 AND seq > $2
			ORDER BY seq ASC
			LIMIT $3`, q.GroupID, q.AfterSeq, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE group_id = ''
			  AND ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
			  AND seq > $3
			ORDER BY seq ASC
			LIMIT $4`, q.UserID, q.Peer, q.AfterSeq, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (r *Repository) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	return r.strings(ctx, "SELECT contact_id FROM contacts WHERE user_id = $1 ORDER BY contact_id", userID)
}

func (r *Repository) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	return r.strings(ctx, "SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id", groupID)
}

// AddContact stores the relation in both directions.
func (r *Repository) AddContact(ctx context.Context, a, b string) error {
	query := `
		INSERT INTO contacts (user_id, contact_id) VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, a, b)
	return err
}

func (r *Repository) AddGroupMember(ctx context.Context, groupID, userID string) error {
	query := "INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING"
	_, err := r.db.ExecContext(ctx, query, groupID, userID)
	return err
}

func (r *Repository) strings(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*message.Message, error) {
	var m message.Message
	var media []byte
	if err := s.Scan(&m.ID, &m.Seq, &m.SenderID, &m.RecipientID, &m.GroupID, &m.Payload, &media, &m.ClientTime, &m.ServerTime); err != nil {
		return nil, err
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &m.Media); err != nil {
			return nil, fmt.Errorf("decode media of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}
