package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-chat/internal/logging"
	"go-chat/internal/message"
	"go-chat/internal/protocol"
	"go-chat/internal/relay"
)

const (
	DefaultRelayTTL      = 7 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
	DefaultSendTimeout   = 5 * time.Second
)

type CoordinatorOptions struct {
	RelayTTL      time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
	Now           func() time.Time
}

type Deps struct {
	Registry *Registry
	Relay    relay.Queue
	Store    MessageStore
	Contacts Contacts
	Groups   Groups
	Logger   *zap.Logger
}

// Coordinator is the single point where messages are admitted, ordered and
// routed, and where acknowledgments are sent back to senders.
//
// Two independent per-user locks are used: admissions serialize per sender
// (idempotency), and live delivery, relay enqueue and relay drain serialize
// per recipient so nothing enqueued mid-drain is skipped or reordered.
type Coordinator struct {
	registry *Registry
	relay    relay.Queue
	store    MessageStore
	contacts Contacts
	groups   Groups
	logger   *zap.Logger
	opts     CoordinatorOptions

	seq      atomic.Int64
	admitted atomic.Int64

	// Admitted messages whose routing failed. A resend of one is routed
	// again instead of being answered as a plain duplicate.
	unrouted sync.Map

	senders    *keyLock
	recipients *keyLock
}

// NewCoordinator seeds the ordering token from the store so tokens keep
// increasing across restarts.
func NewCoordinator(ctx context.Context, deps Deps, opts CoordinatorOptions) (*Coordinator, error) {
	if deps.Registry == nil || deps.Relay == nil || deps.Store == nil {
		return nil, errors.New("coordinator requires a registry, relay queue and message store")
	}
	if opts.RelayTTL <= 0 {
		opts.RelayTTL = DefaultRelayTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		registry:   deps.Registry,
		relay:      deps.Relay,
		store:      deps.Store,
		contacts:   deps.Contacts,
		groups:     deps.Groups,
		logger:     logging.OrNop(deps.Logger),
		opts:       opts,
		senders:    newKeyLock(),
		recipients: newKeyLock(),
	}

	last, err := deps.Store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	c.seq.Store(last)
	return c, nil
}

// ---------------------------------------------
// Connections
// ---------------------------------------------

// Connect registers h as its user's current connection and drains the
// user's relay queue to it in enqueue order.
func (c *Coordinator) Connect(ctx context.Context, h Handle) {
	userID := h.UserID()

	unlock := c.recipients.Lock(userID)
	prev := c.registry.Register(h)
	c.drain(ctx, h)
	unlock()

	if prev == nil {
		c.broadcastPresence(ctx, userID, protocol.KindUserOnline)
	}
}

// Disconnect releases h's registry slot if it still holds it.
func (c *Coordinator) Disconnect(ctx context.Context, h Handle) {
	if c.registry.Unregister(h) {
		c.broadcastPresence(ctx, h.UserID(), protocol.KindUserOffline)
	}
}

func (c *Coordinator) drain(ctx context.Context, h Handle) {
	userID := h.UserID()

	expired, err := c.relay.Expire(ctx, userID)
	if err != nil {
		c.logger.Error("failed to expire relay entries", zap.String("user_id", userID), zap.Error(err))
	}
	c.reportUndelivered(ctx, expired)

	pending, err := c.relay.Pending(ctx, userID)
	if err != nil {
		c.logger.Error("failed to read relay queue", zap.String("user_id", userID), zap.Error(err))
		return
	}

	for i, e := range pending {
		if err := c.send(ctx, h, protocol.FromMessage(protocol.KindNewMessage, &e.Message)); err != nil {
			// Entries stay queued until acknowledged; the next connect retries them.
			c.logger.Warn("relay drain interrupted",
				zap.String("user_id", userID),
				zap.Int("delivered", i),
				zap.Int("pending", len(pending)),
				zap.Error(err))
			return
		}
	}
	if len(pending) > 0 {
		c.logger.Info("relay queue drained", zap.String("user_id", userID), zap.Int("count", len(pending)))
	}
}

// ---------------------------------------------
// Admission & routing
// ---------------------------------------------

// Admit validates, orders and persists a message sent by owner. Admitting
// an id that was admitted before returns the original result with
// Duplicate set and has no other effect.
func (c *Coordinator) Admit(ctx context.Context, owner string, ev protocol.Event) (Admission, error) {
	m := ev.Message()
	if m.SenderID == "" {
		m.SenderID = owner
	}
	if m.SenderID != owner {
		return Admission{}, fmt.Errorf("%w: sender %q is not the connection owner", ErrForbidden, m.SenderID)
	}
	switch {
	case ev.Type == protocol.KindGroupMessage && m.GroupID == "":
		return Admission{}, fmt.Errorf("%w: group message without group id", ErrInvalidMessage)
	case ev.Type == protocol.KindMessage && m.GroupID != "":
		return Admission{}, fmt.Errorf("%w: direct message with group id", ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return Admission{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.IsGroup() {
		members, err := c.members(ctx, m.GroupID)
		if err != nil {
			return Admission{}, err
		}
		if !slices.Contains(members, owner) {
			return Admission{}, fmt.Errorf("%w: %s is not a member of group %s", ErrForbidden, owner, m.GroupID)
		}
	}

	unlock := c.senders.Lock(owner)
	defer unlock()

	if adm, ok, err := c.previousAdmission(ctx, owner, m.ID); err != nil || ok {
		return adm, err
	}

	m.Seq = c.seq.Add(1)
	m.ServerTime = c.opts.Now().UTC()
	if err := c.store.Persist(ctx, &m); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Another owner's connection got there first with the same id.
			if adm, ok, ferr := c.previousAdmission(ctx, owner, m.ID); ferr != nil || ok {
				return adm, ferr
			}
		}
		return Admission{}, fmt.Errorf("persist message %s: %w", m.ID, err)
	}

	c.admitted.Add(1)
	return Admission{Message: m}, nil
}

func (c *Coordinator) previousAdmission(ctx context.Context, owner, id string) (Admission, bool, error) {
	existing, err := c.store.Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Admission{}, false, nil
	}
	if err != nil {
		return Admission{}, false, fmt.Errorf("look up message %s: %w", id, err)
	}
	if existing.SenderID != owner {
		return Admission{}, false, fmt.Errorf("%w: message id %s belongs to another sender", ErrForbidden, id)
	}
	return Admission{Message: *existing, Duplicate: true}, true, nil
}

// Route queues an admitted message in the relay for each addressee and
// hands it to the addressee's live connection if there is one. Live
// addressees are reported as Live, the rest as Queued.
func (c *Coordinator) Route(ctx context.Context, m *message.Message) (Routing, error) {
	addressees := []string{m.RecipientID}
	if m.IsGroup() {
		members, err := c.members(ctx, m.GroupID)
		if err != nil {
			return Routing{}, err
		}
		addressees = slices.DeleteFunc(slices.Clone(members), func(id string) bool { return id == m.SenderID })
	}

	var routing Routing
	var errs []error
	for _, to := range addressees {
		live, err := c.deliver(ctx, to, m)
		switch {
		case err != nil:
			errs = append(errs, err)
		case live:
			routing.Live = append(routing.Live, to)
		default:
			routing.Queued = append(routing.Queued, to)
		}
	}
	return routing, errors.Join(errs...)
}

// deliver enqueues before the live send. The entry is only removed by the
// addressee's confirmation, so a frame that dies with a half-open
// connection is drained again on the next connect.
func (c *Coordinator) deliver(ctx context.Context, to string, m *message.Message) (bool, error) {
	unlock := c.recipients.Lock(to)
	defer unlock()

	now := c.opts.Now()
	qerr := c.relay.Enqueue(ctx, relay.Entry{
		Recipient:  to,
		Message:    *m,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(c.opts.RelayTTL),
	})
	if qerr != nil {
		qerr = fmt.Errorf("queue message %s for %s: %w", m.ID, to, qerr)
	}

	h, ok := c.registry.Lookup(to)
	if !ok {
		return false, qerr
	}
	if err := c.send(ctx, h, protocol.FromMessage(protocol.KindNewMessage, m)); err != nil {
		c.logger.Warn("live delivery failed", zap.String("recipient", to), zap.String("message_id", m.ID), zap.Error(err))
		return false, qerr
	}
	return true, qerr
}

// ---------------------------------------------
// Inbound events
// ---------------------------------------------

// HandleEvent processes one event read from h.
func (c *Coordinator) HandleEvent(ctx context.Context, h Handle, ev protocol.Event) {
	c.registry.Touch(h)

	switch ev.Type {
	case protocol.KindMessage, protocol.KindGroupMessage:
		c.handleMessage(ctx, h, ev)
	case protocol.KindTyping:
		c.forwardTyping(ctx, h, ev)
	case protocol.KindDeliveryConfirmation:
		c.handleReceipt(ctx, h, ev.MessageID, message.Delivered, protocol.KindMessageDelivered)
	case protocol.KindReadConfirmation:
		c.handleReceipt(ctx, h, ev.MessageID, message.Read, protocol.KindMessageRead)
	default:
		c.logger.Debug("ignoring unknown event", zap.String("type", string(ev.Type)), zap.String("user_id", h.UserID()))
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, h Handle, ev protocol.Event) {
	adm, err := c.Admit(ctx, h.UserID(), ev)
	if err != nil {
		c.logger.Warn("message rejected", zap.String("user_id", h.UserID()), zap.String("message_id", ev.MessageID), zap.Error(err))
		c.sendBestEffort(ctx, h, protocol.Event{
			Type:      protocol.KindError,
			MessageID: ev.MessageID,
			Code:      errorCode(err),
			Reason:    err.Error(),
		})
		return
	}

	m := adm.Message
	if _, retry := c.unrouted.Load(m.ID); adm.Duplicate && !retry {
		c.logger.Debug("duplicate admission", zap.String("message_id", m.ID), zap.Int64("seq", m.Seq))
		c.ackSent(ctx, h, &m)
		return
	}

	// message_sent only goes out once every addressee holds a relay entry.
	// On failure the sender keeps the message queued and resends it.
	routing, err := c.Route(ctx, &m)
	if err != nil {
		c.unrouted.Store(m.ID, struct{}{})
		c.logger.Error("failed to route message", zap.String("message_id", m.ID), zap.Error(err))
		c.sendBestEffort(ctx, h, protocol.Event{
			Type:      protocol.KindError,
			MessageID: m.ID,
			Code:      protocol.CodeInternal,
			Reason:    "message could not be routed",
		})
		return
	}
	c.unrouted.Delete(m.ID)

	c.logger.Debug("message routed",
		zap.String("message_id", m.ID),
		zap.Int64("seq", m.Seq),
		zap.Bool("retry", adm.Duplicate),
		zap.Strings("live", routing.Live),
		zap.Strings("queued", routing.Queued))
	c.ackSent(ctx, h, &m)
}

func (c *Coordinator) ackSent(ctx context.Context, h Handle, m *message.Message) {
	c.sendBestEffort(ctx, h, protocol.Event{
		Type:        protocol.KindMessageSent,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Seq:         m.Seq,
		ServerTime:  m.ServerTime,
	})
}

// forwardTyping passes the signal on only if the recipient is connected.
func (c *Coordinator) forwardTyping(ctx context.Context, h Handle, ev protocol.Event) {
	if ev.RecipientID == "" {
		return
	}
	to, ok := c.registry.Lookup(ev.RecipientID)
	if !ok {
		return
	}
	c.sendBestEffort(ctx, to, protocol.Event{
		Type:        protocol.KindTyping,
		UserID:      h.UserID(),
		RecipientID: ev.RecipientID,
		IsTyping:    ev.IsTyping,
	})
}

// handleReceipt records a delivery or read acknowledgment from an addressee
// and forwards it to the sender's current connection. Acks to unreachable
// senders are dropped.
func (c *Coordinator) handleReceipt(ctx context.Context, h Handle, messageID string, status message.Status, kind protocol.Kind) {
	acker := h.UserID()
	m, err := c.store.Find(ctx, messageID)
	if err != nil {
		c.logger.Warn("receipt for unknown message", zap.String("message_id", messageID), zap.String("user_id", acker), zap.Error(err))
		return
	}
	if !c.isAddressee(ctx, m, acker) {
		c.logger.Warn("receipt from non-addressee", zap.String("message_id", messageID), zap.String("user_id", acker))
		return
	}

	if _, err := c.relay.Ack(ctx, acker, m.ID); err != nil {
		c.logger.Error("failed to ack relay entry", zap.String("message_id", m.ID), zap.Error(err))
	}

	now := c.opts.Now().UTC()
	if err := c.store.AppendStatus(ctx, StatusEvent{MessageID: m.ID, UserID: acker, Status: status, At: now}); err != nil {
		c.logger.Error("failed to record status", zap.String("message_id", m.ID), zap.String("status", string(status)), zap.Error(err))
	}

	if sender, ok := c.registry.Lookup(m.SenderID); ok {
		c.sendBestEffort(ctx, sender, protocol.Event{
			Type:        kind,
			MessageID:   m.ID,
			SenderID:    m.SenderID,
			RecipientID: m.RecipientID,
			GroupID:     m.GroupID,
			UserID:      acker,
			ServerTime:  now,
		})
	}
}

func (c *Coordinator) isAddressee(ctx context.Context, m *message.Message, userID string) bool {
	if !m.IsGroup() {
		return m.RecipientID == userID
	}
	if userID == m.SenderID {
		return false
	}
	members, err := c.members(ctx, m.GroupID)
	return err == nil && slices.Contains(members, userID)
}

// ---------------------------------------------
// Presence, expiry
// ---------------------------------------------

func (c *Coordinator) broadcastPresence(ctx context.Context, userID string, kind protocol.Kind) {
	if c.contacts == nil {
		return
	}
	contacts, err := c.contacts.ContactsOf(ctx, userID)
	if err != nil {
		c.logger.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	ev := protocol.Event{Type: kind, UserID: userID, ServerTime: c.opts.Now().UTC()}
	for _, contact := range contacts {
		if h, ok := c.registry.Lookup(contact); ok {
			c.sendBestEffort(ctx, h, ev)
		}
	}
}

// Sweep drops expired relay entries across all recipients and reports them
// to their senders.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	expired, err := c.relay.Sweep(ctx)
	c.reportUndelivered(ctx, expired)
	return len(expired), err
}

// reportUndelivered records an undelivered status for each expired entry
// and tells the sender if they are connected.
func (c *Coordinator) reportUndelivered(ctx context.Context, expired []relay.Entry) {
	now := c.opts.Now().UTC()
	for _, e := range expired {
		m := e.Message
		c.logger.Info("relay entry expired",
			zap.String("message_id", m.ID),
			zap.String("recipient", e.Recipient),
			zap.Int("attempts", e.Attempts))

		if err := c.store.AppendStatus(ctx, StatusEvent{MessageID: m.ID, UserID: e.Recipient, Status: message.Undelivered, At: now}); err != nil {
			c.logger.Error("failed to record undelivered status", zap.String("message_id", m.ID), zap.Error(err))
		}
		if sender, ok := c.registry.Lookup(m.SenderID); ok {
			c.sendBestEffort(ctx, sender, protocol.Event{
				Type:        protocol.KindMessageUndelivered,
				MessageID:   m.ID,
				SenderID:    m.SenderID,
				RecipientID: m.RecipientID,
				GroupID:     m.GroupID,
				UserID:      e.Recipient,
				ServerTime:  now,
			})
		}
	}
}

// Run sweeps the relay queue periodically until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Error("relay sweep failed", zap.Error(err))
			}
			if n > 0 {
				c.logger.Info("relay sweep", zap.Int("expired", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Online:   c.registry.Online(),
		Admitted: c.admitted.Load(),
		LastSeq:  c.seq.Load(),
	}
}

// ---------------------------------------------
// helpers
// ---------------------------------------------

func (c *Coordinator) members(ctx context.Context, groupID string) ([]string, error) {
	if c.groups == nil {
		return nil, fmt.Errorf("%w: groups are not configured", ErrForbidden)
	}
	members, err := c.groups.MembersOf(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("look up members of %s: %w", groupID, err)
	}
	return members, nil
}

func (c *Coordinator) send(ctx context.Context, h Handle, ev protocol.Event) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	return h.Send(ctx, ev)
}

func (c *Coordinator) sendBestEffort(ctx context.Context, h Handle, ev protocol.Event) {
	if err := c.send(ctx, h, ev); err != nil {
		c.logger.Debug("dropped event", zap.String("type", string(ev.Type)), zap.String("user_id", h.UserID()), zap.Error(err))
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, ErrInvalidMessage):
		return protocol.CodeInvalid
	default:
		return protocol.CodeInternal
	}
}
