package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"go-chat/internal/message"
)

var ErrNoHistoryEndpoint = errors.New("history endpoint not configured")

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type historyClient struct {
	base  string
	token string
	http  HTTPDoer
}

func newHistoryClient(base, token string, doer HTTPDoer) *historyClient {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &historyClient{base: strings.TrimRight(base, "/"), token: token, http: doer}
}

// historyPage is the server's maximum page size.
const historyPage = 200

func (h *historyClient) fetch(ctx context.Context, param, key string, after int64) ([]message.Message, error) {
	if h.base == "" {
		return nil, ErrNoHistoryEndpoint
	}
	q := url.Values{}
	q.Set(param, key)
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(historyPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/api/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var msgs []message.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

// SyncHistory fetches the direct conversation with peer past the local
// checkpoint and merges it into the local store. It returns how many
// messages were new.
func (c *Client) SyncHistory(ctx context.Context, peer string) (int, error) {
	return c.sync(ctx, "with", peer)
}

func (c *Client) SyncGroupHistory(ctx context.Context, groupID string) (int, error) {
	return c.sync(ctx, "group", groupID)
}

func (c *Client) sync(ctx context.Context, param, key string) (int, error) {
	after, err := c.store.Checkpoint(ctx, key)
	if err != nil {
		return 0, err
	}

	total, fetched := 0, 0
	for {
		msgs, err := c.history.fetch(ctx, param, key, after)
		if err != nil {
			return total, err
		}
		if len(msgs) == 0 {
			break
		}
		n, err := c.store.Reconcile(ctx, msgs)
		if err != nil {
			return total, err
		}
		total += n
		fetched += len(msgs)
		for _, m := range msgs {
			after = max(after, m.Seq)
		}
		if err := c.store.SetCheckpoint(ctx, key, after); err != nil {
			return total, err
		}
		for _, m := range msgs {
			if rec, err := c.store.Get(ctx, m.ID); err == nil {
				c.emit(Update{Kind: UpdateMessage, Record: rec})
			}
		}
		if len(msgs) < historyPage {
			break
		}
	}

	c.logger.Info("history synced", zap.String("conversation", key), zap.Int("fetched", fetched), zap.Int("new", total))
	return total, nil
}

// HTTPBase derives the server's HTTP root from its websocket URL.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
