package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat/internal/auth"
	"go-chat/internal/logging"
	"go-chat/internal/protocol"
)

var (
	wsURL    = flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	pairs    = flag.Int("pairs", 50, "number of sender/recipient pairs")
	msgCount = flag.Int("msgs", 20, "messages per sender")
	interval = flag.Duration("interval", 10*time.Millisecond, "pause between sends")
	timeout  = flag.Duration("timeout", time.Minute, "overall deadline")
)

type stats struct {
	sent      atomic.Int64
	admitted  atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func main() {
	flag.Parse()
	logger, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET must match the server's")
	}
	issuer := auth.NewJWT(secret, os.Getenv("JWT_ISSUER"))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger.Info("starting load test", zap.Int("users", *pairs*2), zap.Int("msgs_per_sender", *msgCount))
	st := &stats{}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *pairs; i++ {
		g.Go(func() error {
			return runPair(ctx, issuer, i, st)
		})
	}
	err = g.Wait()

	elapsed := time.Since(start)
	p50, p99 := percentiles(st.latencies)
	logger.Info("load test complete",
		zap.Duration("elapsed", elapsed),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("admitted", st.admitted.Load()),
		zap.Int64("delivered", st.delivered.Load()),
		zap.Int64("rejected", st.rejected.Load()),
		zap.Duration("delivery_p50", p50),
		zap.Duration("delivery_p99", p99),
		zap.Error(err))
	if err != nil {
		os.Exit(1)
	}
}

// runPair has user A send to user B, which confirms every delivery. It
// returns once A has seen every message delivered.
func runPair(ctx context.Context, issuer *auth.JWT, pairID int, st *stats) error {
	if *msgCount <= 0 {
		return nil
	}
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	connA, err := dial(ctx, issuer, userA)
	if err != nil {
		return err
	}
	defer connA.Close()
	connB, err := dial(ctx, issuer, userB)
	if err != nil {
		return err
	}
	defer connB.Close()

	g, ctx := errgroup.WithContext(ctx)

	// B: confirm whatever arrives.
	g.Go(func() error {
		return readLoop(ctx, connB, func(ev protocol.Event) (bool, error) {
			if ev.Type != protocol.KindNewMessage {
				return false, nil
			}
			return false, write(connB, protocol.Event{
				Type:      protocol.KindDeliveryConfirmation,
				MessageID: ev.MessageID,
				SenderID:  ev.SenderID,
			})
		})
	})

	var sentAt sync.Map
	remaining := *msgCount

	// A: count acks until every message is delivered.
	g.Go(func() error {
		return readLoop(ctx, connA, func(ev protocol.Event) (bool, error) {
			switch ev.Type {
			case protocol.KindMessageSent:
				st.admitted.Add(1)
			case protocol.KindError:
				st.rejected.Add(1)
				return false, fmt.Errorf("%s rejected: %s", ev.MessageID, ev.Reason)
			case protocol.KindMessageDelivered:
				st.delivered.Add(1)
				if t, ok := sentAt.Load(ev.MessageID); ok {
					st.observe(time.Since(t.(time.Time)))
				}
				remaining--
				return remaining == 0, nil
			}
			return false, nil
		})
	})

	g.Go(func() error {
		for i := 0; i < *msgCount; i++ {
			id := uuid.NewString()
			sentAt.Store(id, time.Now())
			if err := write(connA, protocol.Event{
				Type:        protocol.KindMessage,
				MessageID:   id,
				RecipientID: userB,
				Payload:     fmt.Sprintf("loadtest %d from %s", i, userA),
				ClientTime:  time.Now().UTC(),
			}); err != nil {
				return err
			}
			st.sent.Add(1)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(*interval):
			}
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

var errDone = errors.New("done")

func dial(ctx context.Context, issuer *auth.JWT, user string) (*websocket.Conn, error) {
	token, err := issuer.Issue(user, time.Hour)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *wsURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", user, err)
	}
	return conn, nil
}

// write is only called from one goroutine per connection.
func write(conn *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop feeds events to fn until fn reports done, fails, or the
// connection closes. Done is reported as errDone so the group unwinds.
func readLoop(ctx context.Context, conn *websocket.Conn, fn func(protocol.Event) (bool, error)) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		events, err := protocol.DecodeFrame(frame)
		if err != nil {
			return err
		}
		for _, ev := range events {
			done, err := fn(ev)
			if err != nil {
				return err
			}
			if done {
				return errDone
			}
		}
	}
}

func percentiles(ds []time.Duration) (p50, p99 time.Duration) {
	if len(ds) == 0 {
		return 0, 0
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	return ds[len(ds)*50/100], ds[min(len(ds)-1, len(ds)*99/100)]
}
