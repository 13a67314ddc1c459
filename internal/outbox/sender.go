// Package outbox drains the client's queue of locally composed messages
// onto the transport until the server acknowledges each one.
package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"go-chat/internal/localstore"
	"go-chat/internal/logging"
	"go-chat/internal/message"
	"go-chat/internal/protocol"
	"go-chat/internal/transport"
)

// Conn is the part of the transport session the sender needs.
type Conn interface {
	Send(ctx context.Context, ev protocol.Event) error
	Epoch() uint64
}

type Options struct {
	// ResendAfter is how long an unacknowledged message waits before it is
	// written again on the same connection.
	ResendAfter time.Duration
	// Interval is the polling period of Run.
	Interval time.Duration
	Logger   *zap.Logger
}

// Sender drains the outbox. Every pending message is written at most once
// per connection epoch unless its ack is overdue.
type Sender struct {
	store  *localstore.Store
	conn   Conn
	opts   Options
	logger *zap.Logger
	kick   chan struct{}
	now    func() time.Time
}

func NewSender(store *localstore.Store, conn Conn, opts Options) *Sender {
	if opts.ResendAfter <= 0 {
		opts.ResendAfter = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Sender{
		store:  store,
		conn:   conn,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Kick asks Run for a drain without waiting for the next tick.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drains on every kick and tick until ctx is done.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("outbox drain failed", zap.Error(err))
		}
	}
}

// Drain writes due messages in queue order and returns how many were
// written. It stops early when the transport is down.
func (s *Sender) Drain(ctx context.Context) (int, error) {
	epoch := s.conn.Epoch()
	if epoch == 0 {
		return 0, nil
	}
	items, err := s.store.PendingOutbox(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, it := range items {
		if !s.due(it, epoch) {
			continue
		}

		kind := protocol.KindMessage
		if it.Message.IsGroup() {
			kind = protocol.KindGroupMessage
		}
		sendErr := s.conn.Send(ctx, protocol.FromMessage(kind, &it.Message))

		if err := s.store.RecordAttempt(ctx, it.Message.ID, epoch, sendErr); err != nil {
			// Acknowledged while we were writing it.
			if errors.Is(err, localstore.ErrNotFound) {
				continue
			}
			return sent, err
		}
		if sendErr != nil {
			s.logger.Debug("outbox send failed", zap.String("message_id", it.Message.ID), zap.Error(sendErr))
			if errors.Is(sendErr, transport.ErrNotConnected) || errors.Is(sendErr, transport.ErrClosed) {
				return sent, nil
			}
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Debug("outbox drained", zap.Int("sent", sent), zap.Uint64("epoch", epoch))
	}
	return sent, nil
}

func (s *Sender) due(it localstore.OutboxItem, epoch uint64) bool {
	if it.Attempts == 0 || it.LastError != "" || it.LastEpoch != epoch {
		return true
	}
	return s.now().Sub(it.LastAttemptAt) >= s.opts.ResendAfter
}

// Acknowledge records the server's admission of id.
func (s *Sender) Acknowledge(ctx context.Context, id string, seq int64, serverTime time.Time) (message.Status, error) {
	return s.store.MarkSynced(ctx, id, seq, serverTime)
}
