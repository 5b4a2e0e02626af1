package model

import "time"

// ConnectionRecord tracks one live transport connection and its claimed
// identity. The user id is unverified beyond the session-membership check
// performed at join time. A connection belongs to at most one session.
type ConnectionRecord struct {
	ID          string    `json:"connectionId"`
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId,omitempty"`
	ClientAddr  string    `json:"clientAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}
