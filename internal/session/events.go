package session

import (
	"time"

	"pairquiz/internal/model"
)

// Outbound event names.
const (
	EventSessionJoined       = "session_joined"
	EventPartnerJoined       = "partner_joined"
	EventPartnerDisconnected = "partner_disconnected"
	EventStateUpdate         = "state_update"
)

// state_update discriminators.
const (
	UpdatePartnerJoined    = "PARTNER_JOINED"
	UpdateAnswerSelected   = "ANSWER_SELECTED"
	UpdateNextQuestion     = "NEXT_QUESTION"
	UpdateTimer            = "TIMER_UPDATE"
	UpdateQuizComplete     = "QUIZ_COMPLETE"
	UpdateSessionCancelled = "SESSION_CANCELLED"
)

// Broadcaster delivers events to connections grouped into per-session rooms.
// Implemented by the websocket hub; the coordinator never touches the
// transport directly.
type Broadcaster interface {
	Subscribe(sessionID, connID string)
	Unsubscribe(sessionID, connID string)
	CloseRoom(sessionID string)
	Send(connID, event string, payload interface{})
	Broadcast(sessionID, event string, payload interface{})
	BroadcastExcept(sessionID, exceptConnID, event string, payload interface{})
}

// SessionJoined is sent to the joining connection only.
type SessionJoined struct {
	SessionID string         `json:"sessionId"`
	Role      model.Role     `json:"role"`
	Session   *model.Session `json:"session"`
	Timestamp float64        `json:"timestamp"`
}

// PartnerJoined is broadcast to the room once both slots are populated.
type PartnerJoined struct {
	Message   string         `json:"message"`
	Session   *model.Session `json:"session"`
	Timestamp float64        `json:"timestamp"`
}

// PartnerDisconnected is sent to the surviving participant.
type PartnerDisconnected struct {
	Message   string  `json:"message"`
	SessionID string  `json:"sessionId"`
	Timestamp float64 `json:"timestamp"`
}

// StateUpdate is the room-broadcast envelope for play-time mutations. Fields
// are populated per Type; pointers distinguish absent from zero.
type StateUpdate struct {
	Type           string         `json:"type"`
	UserID         string         `json:"userId,omitempty"`
	QuestionIndex  *int           `json:"questionIndex,omitempty"`
	SelectedOption string         `json:"selectedOption,omitempty"`
	TimerSeconds   *int           `json:"timerSeconds,omitempty"`
	Score          *float64       `json:"score,omitempty"`
	TimeTaken      *float64       `json:"timeTaken,omitempty"`
	BothCompleted  *bool          `json:"bothCompleted,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Session        *model.Session `json:"session,omitempty"`
	Timestamp      float64        `json:"timestamp"`
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
