package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signal-engine/internal/engine"
	"signal-engine/internal/events"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

// Hub tracks the open monitor sessions per user and forwards stored signals
// to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*engine.Session]context.CancelFunc
	logger   zerolog.Logger
}

// NewHub creates a hub and subscribes it to signal events on bus.
func NewHub(bus *events.EventBus, logger zerolog.Logger) *Hub {
	h := &Hub{
		sessions: make(map[string]map[*engine.Session]context.CancelFunc),
		logger:   logger.With().Str("component", "MonitorHub").Logger(),
	}
	if bus != nil {
		bus.Subscribe(events.EventSignalGenerated, h.deliver)
	}
	return h
}

func (h *Hub) add(s *engine.Session, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.UserID] == nil {
		h.sessions[s.UserID] = make(map[*engine.Session]context.CancelFunc)
	}
	h.sessions[s.UserID][s] = cancel
}

func (h *Hub) remove(s *engine.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[s.UserID], s)
	if len(h.sessions[s.UserID]) == 0 {
		delete(h.sessions, s.UserID)
	}
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byUser := range h.sessions {
		n += len(byUser)
	}
	return n
}

// CloseAll ends every session.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, byUser := range h.sessions {
		for _, cancel := range byUser {
			cancel()
		}
	}
}

func (h *Hub) deliver(ev events.Event) {
	if ev.Signal == nil || ev.UserID == "" {
		return
	}
	msg := engine.SignalMessage(ev.Signal)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[ev.UserID] {
		s.Send(msg)
	}
}

type monitorQuery struct {
	UserID   string `form:"user_id" binding:"required"`
	Exchange string `form:"exchange" binding:"required,oneof=binance bybit"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(s.config.AllowedOrigins) == 0 || containsWildcard(s.config.AllowedOrigins) {
				return true
			}
			for _, allowed := range s.config.AllowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
}

// handleMonitor upgrades to a WebSocket and runs one monitoring session for
// the user and exchange in the query string. The session ends when the
// client disconnects.
func (s *Server) handleMonitor(c *gin.Context) {
	var q monitorQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade monitor connection")
		return
	}
	logger := s.logger.With().Str("user_id", q.UserID).Str("exchange", q.Exchange).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	session, err := s.sessions.NewSession(ctx, q.UserID, q.Exchange)
	if err != nil {
		cancel()
		logger.Warn().Err(err).Msg("Monitor session rejected")
		writeFinal(conn, engine.ErrorMessage(clientError(err)))
		return
	}

	s.hub.add(session, cancel)
	go readPump(conn, cancel)
	go writePump(conn, session.Messages(), cancel, logger)
	go func() {
		defer s.hub.remove(session)
		defer cancel()
		if err := session.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("Monitor session ended with error")
		}
	}()
}

// clientError keeps internal details out of client frames.
func clientError(err error) string {
	switch {
	case errors.Is(err, engine.ErrNoStrategies):
		return "no active strategies for this exchange"
	case errors.Is(err, engine.ErrClosed):
		return "server is shutting down"
	default:
		return "failed to start monitoring session"
	}
}

// readPump discards client frames and cancels the session once the socket
// closes.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxClientFrame)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends session frames until the session closes its queue.
func writePump(conn *websocket.Conn, messages <-chan engine.ClientMessage, cancel context.CancelFunc, logger zerolog.Logger) {
	defer conn.Close()

	for msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to marshal client message")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug().Err(err).Msg("Monitor write failed")
			cancel()
			for range messages {
			}
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func writeFinal(conn *websocket.Conn, msg engine.ClientMessage) {
	defer conn.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg.Message))
}
