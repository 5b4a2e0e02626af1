package ws

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pairquiz/internal/limiter"
	"pairquiz/internal/registry"
	"pairquiz/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// Handler upgrades HTTP requests to WebSocket connections, gates them through
// the rate limiter, and runs the read/write pumps.
type Handler struct {
	hub     *Hub
	limiter *limiter.SlidingWindow
	reg     *registry.Registry
	router  *Router
	metrics *session.Metrics
	logger  *slog.Logger
}

func NewHandler(
	hub *Hub,
	lim *limiter.SlidingWindow,
	reg *registry.Registry,
	router *Router,
	metrics *session.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		hub:     hub,
		limiter: lim,
		reg:     reg,
		router:  router,
		metrics: metrics,
		logger:  logger,
	}
}

type connectedPayload struct {
	SID        string   `json:"sid"`
	ServerTime float64  `json:"serverTime"`
	Features   []string `json:"features"`
}

// ServeWS handles GET /v1/ws?userId=...
//
// The user id is a claim; it is verified against session membership when the
// client sends join_session. Rate-limited attempts are refused before the
// upgrade, which is this transport's equivalent of closing the socket.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)

	if !h.limiter.Admit(addr) {
		h.logger.Warn("rate limit exceeded", "addr", addr)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = "anonymous"
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "addr", addr, "error", err)
		return
	}

	connID := uuid.New().String()
	client := &Client{ConnID: connID, Send: make(chan []byte, sendBufferSize)}
	h.hub.Add(client)

	// The watchdog owns the force-disconnect decision; closing the socket
	// makes the read pump exit, which drives the single unregister path.
	h.reg.Register(connID, userID, addr, func() {
		wsConn.Close()
	})
	h.metrics.ConnectionOpened()

	h.hub.Send(connID, "connected", connectedPayload{
		SID:        connID,
		ServerTime: nowUnix(),
		Features:   []string{"pair_quiz", "realtime_sync", "heartbeat"},
	})

	h.logger.Info("client connected", "conn_id", connID, "user_id", userID, "addr", addr)

	go h.writePump(wsConn, client)
	go h.readPump(wsConn, client)
}

func (h *Handler) readPump(wsConn *websocket.Conn, client *Client) {
	defer func() {
		h.router.Disconnected(client.ConnID)
		wsConn.Close()
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "conn_id", client.ConnID, "error", err)
			}
			break
		}
		h.router.Dispatch(client.ConnID, data)
	}
}

func (h *Handler) writePump(wsConn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientAddr prefers the first X-Forwarded-For hop so the limiter keys on the
// real source behind a proxy, falling back to the peer address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
