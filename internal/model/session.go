package model

import (
	"strconv"
	"time"
)

type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Role identifies which side of a paired session a user plays.
type Role string

const (
	RoleHost    Role = "host"
	RolePartner Role = "partner"
)

// Session is the durable record of one paired-quiz attempt. The session-creation
// service is the sole writer of HostUserID, PartnerUserID and Questions; this
// service reads them and owns everything that changes during play.
//
// Answer maps are keyed by decimal question index (JSON object keys are strings).
type Session struct {
	ID                   string                   `json:"sessionId" bson:"_id"`
	Code                 string                   `json:"sessionCode,omitempty" bson:"sessionCode,omitempty"`
	Status               SessionStatus            `json:"status" bson:"status"`
	HostUserID           string                   `json:"hostUserId" bson:"hostUserId"`
	PartnerUserID        string                   `json:"partnerUserId" bson:"partnerUserId"`
	Questions            []map[string]interface{} `json:"questions" bson:"questions"`
	CurrentQuestionIndex int                      `json:"currentQuestionIndex" bson:"currentQuestionIndex"`
	HostAnswers          map[string]string        `json:"hostAnswers" bson:"hostAnswers"`
	PartnerAnswers       map[string]string        `json:"partnerAnswers" bson:"partnerAnswers"`
	TimerSeconds         int                      `json:"timerSeconds" bson:"timerSeconds"`
	HostScore            *float64                 `json:"hostScore" bson:"hostScore,omitempty"`
	PartnerScore         *float64                 `json:"partnerScore" bson:"partnerScore,omitempty"`
	HostTimeTaken        *float64                 `json:"hostTimeTaken,omitempty" bson:"hostTimeTaken,omitempty"`
	PartnerTimeTaken     *float64                 `json:"partnerTimeTaken,omitempty" bson:"partnerTimeTaken,omitempty"`
	CreatedAt            time.Time                `json:"createdAt" bson:"createdAt"`
	StartedAt            *time.Time               `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt          *time.Time               `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// RoleOf matches a claimed user id against the designated participants.
func (s *Session) RoleOf(userID string) (Role, bool) {
	switch userID {
	case s.HostUserID:
		return RoleHost, true
	case s.PartnerUserID:
		return RolePartner, true
	default:
		return "", false
	}
}

// AnswerKey converts a question index to its answer-map key.
func AnswerKey(questionIndex int) string {
	return strconv.Itoa(questionIndex)
}

// SetAnswer records a selected option for one side, last write wins.
func (s *Session) SetAnswer(role Role, questionIndex int, option string) {
	if role == RoleHost {
		if s.HostAnswers == nil {
			s.HostAnswers = make(map[string]string)
		}
		s.HostAnswers[AnswerKey(questionIndex)] = option
		return
	}
	if s.PartnerAnswers == nil {
		s.PartnerAnswers = make(map[string]string)
	}
	s.PartnerAnswers[AnswerKey(questionIndex)] = option
}

// SetCompletion records one side's final score and elapsed time.
func (s *Session) SetCompletion(role Role, score, timeTaken float64) {
	if role == RoleHost {
		s.HostScore = &score
		s.HostTimeTaken = &timeTaken
		return
	}
	s.PartnerScore = &score
	s.PartnerTimeTaken = &timeTaken
}

// BothCompleted reports whether both sides have reported a score.
func (s *Session) BothCompleted() bool {
	return s.HostScore != nil && s.PartnerScore != nil
}
