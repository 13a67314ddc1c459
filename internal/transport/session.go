// Package transport keeps one authenticated websocket connection to the chat
// server alive for a client, reconnecting with exponential backoff, and
// dispatches inbound events to handlers registered per event kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat/internal/logging"
	"go-chat/internal/protocol"
)

var (
	ErrAuthRejected = errors.New("authentication rejected")
	ErrSuperseded   = errors.New("connection superseded by a newer one")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("session closed")
)

// Local event kinds, generated by the session itself.
const (
	KindReady        protocol.Kind = "ready"
	KindDisconnected protocol.Kind = "disconnected"
	KindUnreachable  protocol.Kind = "unreachable"
	KindClosed       protocol.Kind = "closed"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	URL   string
	Token string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OfflineNotice is how long reconnecting may go on before an
	// unreachable event is emitted. Reconnecting continues afterwards.
	OfflineNotice time.Duration
	// ReadTimeout bounds the silence between server frames or pings.
	ReadTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(30*time.Second, o.InitialBackoff)
	}
	if o.OfflineNotice <= 0 {
		o.OfflineNotice = 2 * time.Minute
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 75 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type Handler func(protocol.Event)

type Subscription struct {
	kind protocol.Kind
	id   uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Session is a client's connection to the server across reconnects.
// Each successful connect starts a new epoch and emits KindReady.
type Session struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	epoch    uint64
	handlers map[protocol.Kind][]handlerEntry
	nextID   uint64
	err      error

	// writeMu makes the connection single-writer; frames go out in the
	// order Send is called.
	writeMu sync.Mutex

	events    *queue
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a session without connecting, so handlers can be registered
// before the first event arrives.
func New(opts Options) *Session {
	opts.setDefaults()
	s := &Session{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger),
		state:    StateConnecting,
		handlers: make(map[protocol.Kind][]handlerEntry),
		events:   newQueue(),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Dial is New followed by Start.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	s := New(opts)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start makes the first connection attempt synchronously. A rejected token
// is returned as ErrAuthRejected and closes the session. Any other failure
// leaves the session reconnecting in the background and returns nil.
func (s *Session) Start(ctx context.Context) error {
	err := ErrClosed
	s.startOnce.Do(func() {
		var conn *websocket.Conn
		conn, err = s.dial(ctx)
		if errors.Is(err, ErrAuthRejected) {
			s.stopUnstarted(err)
			return
		}
		if err != nil {
			s.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
			s.setState(StateDisconnected)
			err = nil
		}

		go s.dispatch()
		go s.run(conn)
	})
	return err
}

func (s *Session) stopUnstarted(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.err = err
	s.mu.Unlock()
	s.cancel()
	s.events.close()
	close(s.done)
}

// On registers h for events of kind. Handlers of one kind run in
// registration order on a single goroutine.
func (s *Session) On(kind protocol.Kind, h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.handlers[kind] = append(s.handlers[kind], handlerEntry{id: s.nextID, fn: h})
	return Subscription{kind: kind, id: s.nextID}
}

func (s *Session) Off(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.handlers[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			s.handlers[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Send writes ev to the current connection. Ephemeral kinds are dropped
// silently while disconnected; everything else fails with ErrNotConnected
// so the caller can keep it queued.
func (s *Session) Send(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state == StateClosed {
		return ErrClosed
	}
	if conn == nil {
		if ev.Type.Ephemeral() {
			return nil
		}
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the broken connection and reconnects.
		conn.Close()
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch counts successful connects; 0 until the first one.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Err is the reason the session closed, nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has stopped for good.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops reconnecting and closes the current connection.
func (s *Session) Close() error {
	s.startOnce.Do(func() { s.stopUnstarted(ErrClosed) })
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
		}
	})
	<-s.done
	return nil
}

// ---------------------------------------------
// connection loop
// ---------------------------------------------

func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)

	for {
		if conn != nil {
			if err := s.serve(conn); err != nil {
				s.finish(err)
				return
			}
		}
		if s.ctx.Err() != nil {
			s.finish(ErrClosed)
			return
		}

		var err error
		conn, err = s.reconnect()
		if err != nil {
			s.finish(err)
			return
		}
	}
}

// serve reads from conn until it fails. A non-nil result is terminal.
func (s *Session) serve(conn *websocket.Conn) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.state = StateConnected
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Info("connected", zap.Uint64("epoch", epoch))
	s.events.push(protocol.Event{Type: KindReady, Epoch: epoch})

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	var readErr error
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		events, err := protocol.DecodeFrame(frame)
		if err != nil {
			s.logger.Warn("malformed frame from server", zap.Error(err))
		}
		for _, ev := range events {
			s.events.push(ev)
		}
	}

	s.mu.Lock()
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	conn.Close()

	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		switch closeErr.Code {
		case protocol.CloseSuperseded:
			return ErrSuperseded
		case protocol.CloseAuthRejected:
			return ErrAuthRejected
		}
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	s.logger.Warn("disconnected", zap.Uint64("epoch", epoch), zap.Error(readErr))
	s.events.push(protocol.Event{Type: KindDisconnected, Epoch: epoch, Reason: readErr.Error()})
	return nil
}

func (s *Session) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0 // never give up

	since := time.Now()
	noticed := false
	notify := func(err error, next time.Duration) {
		s.logger.Debug("reconnect failed", zap.Error(err), zap.Duration("next", next))
		if !noticed && time.Since(since) >= s.opts.OfflineNotice {
			noticed = true
			s.events.push(protocol.Event{Type: KindUnreachable, Reason: err.Error()})
		}
	}

	s.setState(StateConnecting)
	conn, err := backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		conn, err := s.dial(s.ctx)
		if errors.Is(err, ErrAuthRejected) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}, backoff.WithContext(b, s.ctx), notify)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.err = err
	s.mu.Unlock()

	s.cancel()
	if errors.Is(err, ErrClosed) {
		s.logger.Info("session closed")
	} else {
		s.logger.Warn("session closed", zap.Error(err))
	}
	s.events.push(protocol.Event{Type: KindClosed, Reason: err.Error()})
	s.events.close()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ---------------------------------------------
// dispatch
// ---------------------------------------------

func (s *Session) dispatch() {
	for {
		ev, ok := s.events.pop()
		if !ok {
			return
		}

		s.mu.Lock()
		entries := append([]handlerEntry(nil), s.handlers[ev.Type]...)
		s.mu.Unlock()

		for _, e := range entries {
			e.fn(ev)
		}
	}
}

// queue is an unbounded FIFO so the read loop never waits on handlers.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []protocol.Event
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(ev protocol.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// pop blocks for the next event. It reports false once closed and drained.
func (q *queue) pop() (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return protocol.Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}
