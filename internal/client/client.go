// Package client ties a user's local store, outbound queue and transport
// session together into the operations a chat UI needs.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-chat/internal/localstore"
	"go-chat/internal/logging"
	"go-chat/internal/message"
	"go-chat/internal/outbox"
	"go-chat/internal/protocol"
	"go-chat/internal/transport"
)

const DefaultTypingTimeout = 3 * time.Second

// Session is the transport the client runs on; *transport.Session
// satisfies it.
type Session interface {
	On(kind protocol.Kind, h transport.Handler) transport.Subscription
	Send(ctx context.Context, ev protocol.Event) error
	Epoch() uint64
}

type Options struct {
	// APIBase is the server's HTTP root, used for history sync.
	APIBase string
	Token   string

	ResendAfter   time.Duration
	TypingTimeout time.Duration
	UpdateBuffer  int

	HTTP   HTTPDoer
	Logger *zap.Logger
}

type Client struct {
	store   *localstore.Store
	session Session
	sender  *outbox.Sender
	history *historyClient
	opts    Options
	logger  *zap.Logger

	updates chan Update

	mu       sync.Mutex
	typing   map[string]*time.Timer
	presence map[string]bool

	// ctx bounds work done from session handlers; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New registers the client's handlers on session. Call it before the
// session is started so no event is missed.
func New(store *localstore.Store, session Session, opts Options) *Client {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 256
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("user_id", store.Owner()))

	c := &Client{
		store:   store,
		session: session,
		sender: outbox.NewSender(store, session, outbox.Options{
			ResendAfter: opts.ResendAfter,
			Logger:      logger,
		}),
		history:  newHistoryClient(opts.APIBase, opts.Token, opts.HTTP),
		opts:     opts,
		logger:   logger,
		updates:  make(chan Update, opts.UpdateBuffer),
		typing:   make(map[string]*time.Timer),
		presence: make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	session.On(transport.KindReady, c.onReady)
	session.On(transport.KindDisconnected, c.onConnection(StateDisconnected))
	session.On(transport.KindUnreachable, c.onConnection(StateUnreachable))
	session.On(transport.KindClosed, c.onConnection(StateClosed))
	session.On(protocol.KindNewMessage, c.onNewMessage)
	session.On(protocol.KindMessageSent, c.onMessageSent)
	session.On(protocol.KindMessageDelivered, c.onReceipt(message.Delivered))
	session.On(protocol.KindMessageRead, c.onReceipt(message.Read))
	session.On(protocol.KindMessageUndelivered, c.onReceipt(message.Undelivered))
	session.On(protocol.KindError, c.onError)
	session.On(protocol.KindTyping, c.onTyping)
	session.On(protocol.KindUserOnline, c.onPresence(true))
	session.On(protocol.KindUserOffline, c.onPresence(false))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sender.Run(c.ctx)
	}()
	return c
}

func (c *Client) UserID() string { return c.store.Owner() }

// Updates delivers changes for the UI. It is never closed; slow readers
// lose updates, never messages, since the store stays authoritative.
func (c *Client) Updates() <-chan Update { return c.updates }

// Close stops the outbound queue and typing timers. The session is owned
// by the caller.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for user, t := range c.typing {
		t.Stop()
		delete(c.typing, user)
	}
	c.mu.Unlock()
}

// ---------------------------------------------
// Outgoing
// ---------------------------------------------

// Compose stores a direct message and queues it. It only touches the local
// store; delivery happens in the background.
func (c *Client) Compose(ctx context.Context, recipient, payload string, media ...message.MediaRef) (*localstore.Record, error) {
	return c.compose(ctx, &message.Message{RecipientID: recipient, Payload: payload, Media: media})
}

func (c *Client) ComposeGroup(ctx context.Context, groupID, payload string, media ...message.MediaRef) (*localstore.Record, error) {
	return c.compose(ctx, &message.Message{GroupID: groupID, Payload: payload, Media: media})
}

func (c *Client) compose(ctx context.Context, m *message.Message) (*localstore.Record, error) {
	m.ID = uuid.NewString()
	m.SenderID = c.store.Owner()
	m.ClientTime = time.Now().UTC()

	rec, err := c.store.SaveOptimistic(ctx, m)
	if err != nil {
		return nil, err
	}
	c.emit(Update{Kind: UpdateMessage, Record: rec})
	c.sender.Kick()
	return rec, nil
}

// Retry queues a failed message again.
func (c *Client) Retry(ctx context.Context, id string) error {
	if err := c.store.Retry(ctx, id); err != nil {
		return err
	}
	c.emit(Update{Kind: UpdateStatus, MessageID: id, Status: message.QueuedLocal})
	c.sender.Kick()
	return nil
}

// MarkRead marks every delivered incoming message of a conversation as read
// and tells the server. Messages whose confirmation could not be sent stay
// unread so a later call retries them.
func (c *Client) MarkRead(ctx context.Context, conversation string) (int, error) {
	unread, err := c.store.Unread(ctx, conversation)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range unread {
		if err := c.session.Send(ctx, protocol.Event{
			Type:      protocol.KindReadConfirmation,
			MessageID: rec.ID,
			SenderID:  rec.SenderID,
		}); err != nil {
			return n, fmt.Errorf("read confirmation %s: %w", rec.ID, err)
		}
		st, err := c.store.ApplyStatus(ctx, rec.ID, message.Read)
		if err != nil && !errors.Is(err, message.ErrStaleTransition) {
			return n, err
		}
		c.emit(Update{Kind: UpdateStatus, MessageID: rec.ID, Conversation: conversation, Status: st})
		n++
	}
	return n, nil
}

// SendTyping is best effort; it is dropped while disconnected.
func (c *Client) SendTyping(ctx context.Context, to string, typing bool) error {
	return c.session.Send(ctx, protocol.Event{Type: protocol.KindTyping, RecipientID: to, IsTyping: typing})
}

// Conversation returns the local view of a conversation in render order.
func (c *Client) Conversation(ctx context.Context, key string, limit int) ([]localstore.Record, error) {
	return c.store.Conversation(ctx, key, limit)
}

func (c *Client) IsTyping(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[user]
	return ok
}

func (c *Client) IsOnline(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence[user]
}

// ---------------------------------------------
// Session handlers
// ---------------------------------------------

func (c *Client) onReady(ev protocol.Event) {
	// Whatever was written to the previous connection may never have
	// arrived.
	if n, err := c.store.Requeue(c.ctx); err != nil {
		c.logger.Error("failed to requeue outbox", zap.Error(err))
	} else if n > 0 {
		c.logger.Info("requeued unacknowledged messages", zap.Int("count", n))
	}
	c.emit(Update{Kind: UpdateConnection, State: StateConnected, Epoch: ev.Epoch})
	c.sender.Kick()
}

func (c *Client) onConnection(state ConnState) transport.Handler {
	return func(ev protocol.Event) {
		c.emit(Update{Kind: UpdateConnection, State: state, Epoch: ev.Epoch, Reason: ev.Reason})
	}
}

func (c *Client) onNewMessage(ev protocol.Event) {
	m := ev.Message()
	if err := m.Validate(); err != nil {
		c.logger.Warn("dropping malformed message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}

	inserted, err := c.store.InsertInbound(c.ctx, &m, message.Delivered)
	if err != nil {
		// Not confirmed, so the server redelivers it.
		c.logger.Error("failed to store inbound message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}

	// Redeliveries are confirmed again since the previous confirmation may
	// be what was lost.
	if err := c.session.Send(c.ctx, protocol.Event{
		Type:      protocol.KindDeliveryConfirmation,
		MessageID: m.ID,
		SenderID:  m.SenderID,
	}); err != nil {
		c.logger.Debug("delivery confirmation not sent", zap.String("message_id", m.ID), zap.Error(err))
	}
	if !inserted {
		c.logger.Debug("duplicate message dropped", zap.String("message_id", m.ID))
		return
	}

	rec, err := c.store.Get(c.ctx, m.ID)
	if err != nil {
		c.logger.Error("failed to load stored message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	if !m.IsGroup() {
		c.setTyping(m.SenderID, false)
	}
	c.emit(Update{Kind: UpdateMessage, Record: rec})
}

func (c *Client) onMessageSent(ev protocol.Event) {
	st, err := c.sender.Acknowledge(c.ctx, ev.MessageID, ev.Seq, ev.ServerTime)
	if err != nil {
		c.logger.Warn("ack for unknown message", zap.String("message_id", ev.MessageID), zap.Error(err))
		return
	}
	c.emit(Update{Kind: UpdateStatus, MessageID: ev.MessageID, Status: st, Seq: ev.Seq})
}

func (c *Client) onReceipt(to message.Status) transport.Handler {
	return func(ev protocol.Event) {
		st, err := c.store.ApplyReceipt(c.ctx, ev.MessageID, to)
		switch {
		case errors.Is(err, message.ErrStaleTransition):
			return
		case err != nil:
			c.logger.Debug("receipt not applied",
				zap.String("message_id", ev.MessageID),
				zap.String("status", string(to)),
				zap.Error(err))
			return
		}
		c.emit(Update{Kind: UpdateStatus, MessageID: ev.MessageID, Status: st, UserID: ev.UserID})
	}
}

// onError fails messages the server refused for good. Internal errors leave
// the message queued for another attempt.
func (c *Client) onError(ev protocol.Event) {
	c.logger.Warn("server error", zap.String("code", ev.Code), zap.String("message_id", ev.MessageID), zap.String("reason", ev.Reason))
	if ev.MessageID == "" || ev.Code == protocol.CodeInternal {
		return
	}
	if err := c.store.MarkFailed(c.ctx, ev.MessageID, ev.Code); err != nil {
		c.logger.Debug("failed message not marked", zap.String("message_id", ev.MessageID), zap.Error(err))
		return
	}
	c.emit(Update{Kind: UpdateStatus, MessageID: ev.MessageID, Status: message.Failed, Reason: ev.Reason})
}

func (c *Client) onTyping(ev protocol.Event) {
	if ev.UserID == "" {
		return
	}
	c.setTyping(ev.UserID, ev.IsTyping)
}

// setTyping records a typing signal. A true signal lapses on its own after
// the typing timeout unless refreshed.
func (c *Client) setTyping(user string, typing bool) {
	c.mu.Lock()
	t, was := c.typing[user]
	if t != nil {
		t.Stop()
		delete(c.typing, user)
	}
	if typing {
		var timer *time.Timer
		timer = time.AfterFunc(c.opts.TypingTimeout, func() {
			c.mu.Lock()
			if c.typing[user] != timer {
				c.mu.Unlock()
				return
			}
			delete(c.typing, user)
			c.mu.Unlock()
			c.emit(Update{Kind: UpdateTyping, UserID: user, Typing: false})
		})
		c.typing[user] = timer
	}
	c.mu.Unlock()

	if typing || was {
		c.emit(Update{Kind: UpdateTyping, UserID: user, Typing: typing})
	}
}

func (c *Client) onPresence(online bool) transport.Handler {
	return func(ev protocol.Event) {
		c.mu.Lock()
		c.presence[ev.UserID] = online
		c.mu.Unlock()
		if !online {
			c.setTyping(ev.UserID, false)
		}
		c.emit(Update{Kind: UpdatePresence, UserID: ev.UserID, Online: online})
	}
}

func (c *Client) emit(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Warn("update dropped, reader too slow", zap.String("kind", u.Kind.String()))
	}
}
