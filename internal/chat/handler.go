package chat

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat/internal/logging"
	"go-chat/internal/message"
	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

const maxHistoryLimit = 200

type Handler struct {
	coord      *Coordinator
	store      MessageStore
	sendBuffer int
	logger     *zap.Logger
}

func NewHandler(coord *Coordinator, store MessageStore, sendBuffer int, logger *zap.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Handler{
		coord:      coord,
		store:      store,
		sendBuffer: sendBuffer,
		logger:     logging.OrNop(logger),
	}
}

// ServeWs upgrades an authenticated request and serves the connection until
// it drops. The auth middleware has already rejected bad tokens with 401.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := NewClient(h.coord, conn, userID, h.sendBuffer, h.logger)
	go client.WritePump()

	// The session ends with its token; the client must reconnect with a new one.
	if expires, ok := myMiddleware.ExpiresAt(r.Context()); ok {
		timer := time.AfterFunc(time.Until(expires), func() {
			client.Close(protocol.CloseAuthRejected, "token expired")
		})
		defer timer.Stop()
	}

	ctx := r.Context()
	h.coord.Connect(ctx, client)
	client.ReadPump(ctx)
}

// GetChatHistory returns the authenticated user's conversation with a peer
// (?with=) or a group (?group=), optionally after a seq (?after=).
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := HistoryQuery{
		UserID:  userID,
		Peer:    r.URL.Query().Get("with"),
		GroupID: r.URL.Query().Get("group"),
		Limit:   50,
	}
	if (q.Peer == "") == (q.GroupID == "") {
		http.Error(w, "exactly one of 'with' or 'group' is required", http.StatusBadRequest)
		return
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			http.Error(w, "invalid 'after'", http.StatusBadRequest)
			return
		}
		q.AfterSeq = after
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid 'limit'", http.StatusBadRequest)
			return
		}
		q.Limit = min(limit, maxHistoryLimit)
	}

	if q.GroupID != "" {
		members, err := h.coord.members(r.Context(), q.GroupID)
		if err != nil || !slices.Contains(members, userID) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msgs, err := h.store.History(r.Context(), q)
	if err != nil {
		h.logger.Error("history query failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	writeJSON(w, msgs)
}

// Stats reports live connection and admission counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.coord.Stats())
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
