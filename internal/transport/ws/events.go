package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"pairquiz/internal/registry"
	"pairquiz/internal/service"
	"pairquiz/internal/session"
)

// Machine-readable error types carried on the error event.
const (
	errInvalidData     = "INVALID_DATA"
	errSessionNotFound = "SESSION_NOT_FOUND"
	errSessionInactive = "SESSION_INACTIVE"
	errUnauthorized    = "UNAUTHORIZED"
	errJoinFailed      = "JOIN_FAILED"
)

const opTimeout = 10 * time.Second

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type joinPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type answerPayload struct {
	SessionID      string `json:"sessionId"`
	UserID         string `json:"userId"`
	QuestionIndex  *int   `json:"questionIndex"`
	SelectedOption string `json:"selectedOption"`
}

type nextQuestionPayload struct {
	SessionID     string `json:"sessionId"`
	QuestionIndex *int   `json:"questionIndex"`
}

type completePayload struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Score     *float64 `json:"score"`
	TimeTaken float64  `json:"timeTaken"`
}

type timerPayload struct {
	SessionID    string `json:"sessionId"`
	TimerSeconds *int   `json:"timerSeconds"`
}

type cancelPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type heartbeatPayload struct {
	ClientTime float64 `json:"clientTime"`
}

type heartbeatAck struct {
	ServerTime float64 `json:"serverTime"`
	ClientTime float64 `json:"clientTime"`
	Latency    float64 `json:"latency"`
}

type metricsRequest struct {
	Token string `json:"token"`
}

// Router translates each inbound event into exactly one coordinator call and
// converts failures to a single error event for the offending connection.
// Nothing here ever reaches the transport as a panic or a dropped goroutine.
type Router struct {
	coord   *session.Coordinator
	reg     *registry.Registry
	hub     *Hub
	auth    *service.AuthService
	metrics *session.Metrics
	logger  *slog.Logger
}

func NewRouter(
	coord *session.Coordinator,
	reg *registry.Registry,
	hub *Hub,
	auth *service.AuthService,
	metrics *session.Metrics,
	logger *slog.Logger,
) *Router {
	return &Router{
		coord:   coord,
		reg:     reg,
		hub:     hub,
		auth:    auth,
		metrics: metrics,
		logger:  logger,
	}
}

// Dispatch routes one inbound message from a connection.
func (rt *Router) Dispatch(connID string, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		rt.sendError(connID, errInvalidData, "malformed message")
		return
	}

	switch msg.Event {
	case "join_session":
		rt.handleJoin(connID, msg.Data)
	case "answer_selected":
		rt.handleAnswer(connID, msg.Data)
	case "next_question":
		rt.handleNextQuestion(connID, msg.Data)
	case "quiz_complete":
		rt.handleComplete(connID, msg.Data)
	case "update_timer":
		rt.handleTimer(connID, msg.Data)
	case "cancel_session":
		rt.handleCancel(connID, msg.Data)
	case "heartbeat":
		rt.handleHeartbeat(connID, msg.Data)
	case "get_metrics":
		rt.handleMetrics(connID, msg.Data)
	default:
		rt.sendError(connID, errInvalidData, "unknown event: "+msg.Event)
	}
}

// Disconnected runs the teardown for a closed connection: unregister exactly
// once, drop the client from the hub, and detach it from its session.
func (rt *Router) Disconnected(connID string) {
	sessionID, ok := rt.reg.Unregister(connID)
	if !ok {
		return
	}
	rt.metrics.ConnectionClosed()
	rt.hub.Remove(connID)
	if sessionID != "" {
		rt.coord.Leave(sessionID, connID)
	}
	rt.logger.Info("client disconnected", "conn_id", connID, "session_id", sessionID)
}

func (rt *Router) handleJoin(connID string, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.UserID == "" {
		rt.sendError(connID, errInvalidData, "Session ID and User ID are required")
		return
	}

	// A connection belongs to at most one session; detach before rebinding.
	if rec, ok := rt.reg.Get(connID); ok && rec.SessionID != "" && rec.SessionID != p.SessionID {
		rt.coord.Leave(rec.SessionID, connID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, _, err := rt.coord.Join(ctx, p.SessionID, connID, p.UserID); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			rt.sendError(connID, errSessionNotFound, "Session not found")
		case errors.Is(err, session.ErrSessionInactive):
			rt.sendError(connID, errSessionInactive, "Session is not active")
		case errors.Is(err, session.ErrUnauthorized):
			rt.sendError(connID, errUnauthorized, "You are not authorized to join this session")
		default:
			rt.sendError(connID, errJoinFailed, err.Error())
		}
		return
	}

	rt.reg.BindSession(connID, p.SessionID)
}

func (rt *Router) handleAnswer(connID string, data json.RawMessage) {
	var p answerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.QuestionIndex == nil || p.SelectedOption == "" {
		rt.sendError(connID, errInvalidData, "Invalid answer data")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rt.coord.RecordAnswer(ctx, p.SessionID, connID, *p.QuestionIndex, p.SelectedOption); err != nil {
		rt.sendOpError(connID, err)
	}
}

func (rt *Router) handleNextQuestion(connID string, data json.RawMessage) {
	var p nextQuestionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.QuestionIndex == nil {
		rt.sendError(connID, errInvalidData, "Invalid question navigation data")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rt.coord.AdvanceQuestion(ctx, p.SessionID, connID, *p.QuestionIndex); err != nil {
		rt.sendOpError(connID, err)
	}
}

func (rt *Router) handleComplete(connID string, data json.RawMessage) {
	var p completePayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.UserID == "" || p.Score == nil {
		rt.sendError(connID, errInvalidData, "Invalid completion data")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rt.coord.Complete(ctx, p.SessionID, connID, p.UserID, *p.Score, p.TimeTaken); err != nil {
		rt.sendOpError(connID, err)
	}
}

func (rt *Router) handleTimer(connID string, data json.RawMessage) {
	var p timerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.TimerSeconds == nil {
		rt.sendError(connID, errInvalidData, "Invalid timer data")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rt.coord.UpdateTimer(ctx, p.SessionID, connID, *p.TimerSeconds); err != nil {
		rt.sendOpError(connID, err)
	}
}

func (rt *Router) handleCancel(connID string, data json.RawMessage) {
	var p cancelPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		rt.sendError(connID, errInvalidData, "Session ID required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rt.coord.Cancel(ctx, p.SessionID, connID, p.Reason); err != nil {
		rt.sendOpError(connID, err)
	}
}

func (rt *Router) handleHeartbeat(connID string, data json.RawMessage) {
	var p heartbeatPayload
	// A missing clientTime still resets the watchdog.
	_ = json.Unmarshal(data, &p)

	serverTime, ok := rt.reg.Touch(connID)
	if !ok {
		return
	}

	now := float64(serverTime.UnixNano()) / float64(time.Second)
	ack := heartbeatAck{
		ServerTime: now,
		ClientTime: p.ClientTime,
	}
	if p.ClientTime > 0 {
		ack.Latency = now - p.ClientTime
	}
	rt.hub.Send(connID, "heartbeat_ack", ack)
}

type metricsPayload struct {
	Counters          session.MetricsSnapshot `json:"counters"`
	ActiveConnections int                     `json:"activeConnections"`
	LiveSessions      int                     `json:"liveSessions"`
}

func (rt *Router) handleMetrics(connID string, data json.RawMessage) {
	var p metricsRequest
	_ = json.Unmarshal(data, &p)

	if _, err := rt.auth.ValidateAdminToken(p.Token); err != nil {
		rt.sendError(connID, errUnauthorized, "admin token required")
		return
	}

	rt.hub.Send(connID, "metrics", metricsPayload{
		Counters:          rt.metrics.Snapshot(),
		ActiveConnections: rt.reg.ActiveCount(),
		LiveSessions:      rt.coord.LiveSessions(),
	})
}

// sendOpError maps coordinator failures on play-time operations to the wire
// taxonomy. Store failures fall through as INVALID_DATA, the recoverable
// class: the client may simply resend.
func (rt *Router) sendOpError(connID string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		rt.sendError(connID, errSessionNotFound, "Session not found")
	case errors.Is(err, session.ErrSessionInactive):
		rt.sendError(connID, errSessionInactive, "Session not active")
	case errors.Is(err, session.ErrNotParticipant), errors.Is(err, session.ErrUnauthorized):
		rt.sendError(connID, errUnauthorized, "Not a participant in this session")
	default:
		rt.sendError(connID, errInvalidData, err.Error())
	}
}

func (rt *Router) sendError(connID, errType, message string) {
	rt.metrics.ErrorRecorded()
	rt.logger.Warn("client error", "conn_id", connID, "type", errType, "message", message)
	rt.hub.Send(connID, "error", errorPayload{Type: errType, Message: message})
}
