// Package session owns the in-memory state and state machine of live paired
// quiz sessions. All mutations for a given session funnel through the
// Coordinator and are serialized by a per-session lock: two operations on the
// same session queue, operations on different sessions run concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairquiz/internal/cache"
	"pairquiz/internal/model"
	"pairquiz/internal/repository"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is not active")
	ErrUnauthorized    = errors.New("user is not authorized for this session")
	ErrNotParticipant  = errors.New("connection is not a participant in this session")
)

// liveSession is one session's in-memory state. rec is loaded lazily on the
// first join and mutated only while mu is held. The per-session mutex stays
// held across durable-store writes: that is what queues same-session
// operations instead of interleaving them.
type liveSession struct {
	mu            sync.Mutex
	rec           *model.Session
	hostConnID    string
	partnerConnID string
	participants  map[string]struct{}
	enteredAt     time.Time
	evicted       bool
}

func (ls *liveSession) roleOfConn(connID string) (model.Role, bool) {
	switch connID {
	case ls.hostConnID:
		return model.RoleHost, connID != ""
	case ls.partnerConnID:
		return model.RolePartner, connID != ""
	default:
		return "", false
	}
}

func (ls *liveSession) isParticipant(connID string) bool {
	_, ok := ls.participants[connID]
	return ok
}

// snapshotLocked copies the record so callers can hand it to the transport
// after the session lock is released. The answer maps are copied; the question
// list is read-only and shared.
func (ls *liveSession) snapshotLocked() *model.Session {
	if ls.rec == nil {
		return nil
	}
	snap := *ls.rec
	snap.HostAnswers = make(map[string]string, len(ls.rec.HostAnswers))
	for k, v := range ls.rec.HostAnswers {
		snap.HostAnswers[k] = v
	}
	snap.PartnerAnswers = make(map[string]string, len(ls.rec.PartnerAnswers))
	for k, v := range ls.rec.PartnerAnswers {
		snap.PartnerAnswers[k] = v
	}
	return &snap
}

// Coordinator attaches connections to sessions, applies play-time mutations,
// persists them through the durable-store adapter, and broadcasts the
// resulting events to the session's room.
type Coordinator struct {
	repo      repository.SessionRepo
	snapshots cache.SessionCache
	rooms     Broadcaster
	metrics   *Metrics
	staleness time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

func NewCoordinator(
	repo repository.SessionRepo,
	snapshots cache.SessionCache,
	rooms Broadcaster,
	metrics *Metrics,
	staleness time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		snapshots: snapshots,
		rooms:     rooms,
		metrics:   metrics,
		staleness: staleness,
		logger:    logger,
		live:      make(map[string]*liveSession),
	}
}

// liveFor returns the live entry for a session, creating a stub if needed.
// Retries when it races a sweeper or cancel eviction.
func (c *Coordinator) liveFor(sessionID string) *liveSession {
	for {
		c.mu.Lock()
		ls, ok := c.live[sessionID]
		if !ok {
			ls = &liveSession{participants: make(map[string]struct{})}
			c.live[sessionID] = ls
		}
		c.mu.Unlock()

		ls.mu.Lock()
		if !ls.evicted {
			return ls // returned locked
		}
		ls.mu.Unlock()
	}
}

// lookup returns an existing live entry locked, or nil.
func (c *Coordinator) lookup(sessionID string) *liveSession {
	c.mu.Lock()
	ls, ok := c.live[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	ls.mu.Lock()
	if ls.evicted {
		ls.mu.Unlock()
		return nil
	}
	return ls
}

func (c *Coordinator) evict(sessionID string, ls *liveSession) {
	ls.evicted = true
	c.mu.Lock()
	delete(c.live, sessionID)
	c.mu.Unlock()
	if ls.rec != nil {
		c.metrics.SessionEvicted()
	}
}

// Join attaches a connection to a session and assigns its role. When both
// slots are populated the room is told the partner joined; the first time that
// happens the session moves waiting -> active.
func (c *Coordinator) Join(ctx context.Context, sessionID, connID, userID string) (model.Role, *model.Session, error) {
	ls := c.liveFor(sessionID)
	defer ls.mu.Unlock()

	if ls.rec == nil {
		rec, err := c.loadRecord(ctx, sessionID)
		if err != nil {
			if len(ls.participants) == 0 {
				c.evict(sessionID, ls)
			}
			return "", nil, err
		}
		ls.rec = rec
		ls.enteredAt = time.Now()
		c.metrics.SessionLoaded()
	}

	if ls.rec.Status.Terminal() {
		return "", nil, ErrSessionInactive
	}

	role, ok := ls.rec.RoleOf(userID)
	if !ok {
		return "", nil, ErrUnauthorized
	}

	if role == model.RoleHost {
		c.claimSlot(sessionID, ls, &ls.hostConnID, connID)
	} else {
		c.claimSlot(sessionID, ls, &ls.partnerConnID, connID)
	}
	ls.participants[connID] = struct{}{}

	c.rooms.Subscribe(sessionID, connID)

	snap := ls.snapshotLocked()
	c.rooms.Send(connID, EventSessionJoined, SessionJoined{
		SessionID: sessionID,
		Role:      role,
		Session:   snap,
		Timestamp: unixNow(),
	})

	if ls.hostConnID != "" && ls.partnerConnID != "" {
		if ls.rec.Status == model.SessionWaiting {
			now := time.Now()
			ls.rec.Status = model.SessionActive
			ls.rec.StartedAt = &now
		}
		c.refreshSnapshot(ctx, ls.rec)

		snap = ls.snapshotLocked()
		c.rooms.Broadcast(sessionID, EventPartnerJoined, PartnerJoined{
			Message:   "Your partner has joined!",
			Session:   snap,
			Timestamp: unixNow(),
		})
		c.rooms.Broadcast(sessionID, EventStateUpdate, StateUpdate{
			Type:      UpdatePartnerJoined,
			Session:   snap,
			Timestamp: unixNow(),
		})
		c.logger.Info("both participants connected", "session_id", sessionID)
	}

	c.logger.Info("user joined session", "session_id", sessionID, "user_id", userID, "role", role)
	return role, snap, nil
}

// claimSlot installs a connection on a role slot. A role has at most one live
// connection: when a different connection still holds the slot (second tab, or
// a reconnect racing the old socket's teardown) the old one is detached so it
// can no longer act on the session.
func (c *Coordinator) claimSlot(sessionID string, ls *liveSession, slot *string, connID string) {
	if prev := *slot; prev != "" && prev != connID {
		delete(ls.participants, prev)
		c.rooms.Unsubscribe(sessionID, prev)
		c.metrics.ReconnectionRecorded()
		c.logger.Info("role slot taken over", "session_id", sessionID, "old_conn_id", prev, "conn_id", connID)
	}
	*slot = connID
}

// RecordAnswer stores a selected option for the answering side, last write
// wins, and echoes it to the rest of the room.
func (c *Coordinator) RecordAnswer(ctx context.Context, sessionID, connID string, questionIndex int, option string) error {
	ls := c.lookup(sessionID)
	if ls == nil {
		return ErrSessionInactive
	}
	defer ls.mu.Unlock()

	if !ls.isParticipant(connID) {
		return ErrNotParticipant
	}
	if ls.rec.Status.Terminal() {
		return ErrSessionInactive
	}

	role, ok := ls.roleOfConn(connID)
	if !ok {
		return ErrNotParticipant
	}
	ls.rec.SetAnswer(role, questionIndex, option)

	if err := c.repo.SaveAnswer(ctx, sessionID, role, questionIndex, option); err != nil {
		c.metrics.ErrorRecorded()
		return fmt.Errorf("save answer: %w", err)
	}
	c.refreshSnapshot(ctx, ls.rec)

	userID := ls.rec.HostUserID
	if role == model.RolePartner {
		userID = ls.rec.PartnerUserID
	}
	idx := questionIndex
	c.rooms.BroadcastExcept(sessionID, connID, EventStateUpdate, StateUpdate{
		Type:           UpdateAnswerSelected,
		UserID:         userID,
		QuestionIndex:  &idx,
		SelectedOption: option,
		Timestamp:      unixNow(),
	})

	c.logger.Info("answer selected", "session_id", sessionID, "question", questionIndex, "option", option)
	return nil
}

// AdvanceQuestion sets the shared question pointer and tells the whole room,
// sender included, so both clients converge on the same index.
func (c *Coordinator) AdvanceQuestion(ctx context.Context, sessionID, connID string, questionIndex int) error {
	ls := c.lookup(sessionID)
	if ls == nil {
		return ErrSessionInactive
	}
	defer ls.mu.Unlock()

	if !ls.isParticipant(connID) {
		return ErrNotParticipant
	}
	if ls.rec.Status.Terminal() {
		return ErrSessionInactive
	}

	ls.rec.CurrentQuestionIndex = questionIndex
	if err := c.repo.SaveQuestionIndex(ctx, sessionID, questionIndex); err != nil {
		c.metrics.ErrorRecorded()
		return fmt.Errorf("save question index: %w", err)
	}
	c.refreshSnapshot(ctx, ls.rec)

	idx := questionIndex
	c.rooms.Broadcast(sessionID, EventStateUpdate, StateUpdate{
		Type:          UpdateNextQuestion,
		QuestionIndex: &idx,
		Timestamp:     unixNow(),
	})

	c.logger.Info("question advanced", "session_id", sessionID, "question", questionIndex)
	return nil
}

// UpdateTimer records the shared countdown and echoes it to the other side.
func (c *Coordinator) UpdateTimer(ctx context.Context, sessionID, connID string, seconds int) error {
	ls := c.lookup(sessionID)
	if ls == nil {
		return ErrSessionInactive
	}
	defer ls.mu.Unlock()

	if !ls.isParticipant(connID) {
		return ErrNotParticipant
	}
	if ls.rec.Status.Terminal() {
		return ErrSessionInactive
	}

	ls.rec.TimerSeconds = seconds
	if err := c.repo.SaveTimer(ctx, sessionID, seconds); err != nil {
		c.metrics.ErrorRecorded()
		return fmt.Errorf("save timer: %w", err)
	}
	c.refreshSnapshot(ctx, ls.rec)

	secs := seconds
	c.rooms.BroadcastExcept(sessionID, connID, EventStateUpdate, StateUpdate{
		Type:         UpdateTimer,
		TimerSeconds: &secs,
		Timestamp:    unixNow(),
	})
	return nil
}

// Complete records one side's score. When the second side reports, the
// session moves active -> completed and the broadcast carries the full
// snapshot.
func (c *Coordinator) Complete(ctx context.Context, sessionID, connID, userID string, score, timeTaken float64) error {
	ls := c.lookup(sessionID)
	if ls == nil {
		return ErrSessionInactive
	}
	defer ls.mu.Unlock()

	if !ls.isParticipant(connID) {
		return ErrNotParticipant
	}
	if ls.rec.Status.Terminal() {
		return ErrSessionInactive
	}

	role, ok := ls.roleOfConn(connID)
	if !ok {
		return ErrNotParticipant
	}
	if claimed, ok := ls.rec.RoleOf(userID); !ok || claimed != role {
		return ErrUnauthorized
	}

	ls.rec.SetCompletion(role, score, timeTaken)

	var completedAt *time.Time
	both := ls.rec.BothCompleted()
	if both {
		now := time.Now()
		ls.rec.Status = model.SessionCompleted
		ls.rec.CompletedAt = &now
		completedAt = &now
	}

	if err := c.repo.SaveCompletion(ctx, sessionID, role, score, timeTaken, completedAt); err != nil {
		c.metrics.ErrorRecorded()
		return fmt.Errorf("save completion: %w", err)
	}
	if both {
		c.dropSnapshot(ctx, sessionID)
	} else {
		c.refreshSnapshot(ctx, ls.rec)
	}

	update := StateUpdate{
		Type:          UpdateQuizComplete,
		UserID:        userID,
		Score:         &score,
		TimeTaken:     &timeTaken,
		BothCompleted: &both,
		Timestamp:     unixNow(),
	}
	if both {
		update.Session = ls.snapshotLocked()
	}
	c.rooms.Broadcast(sessionID, EventStateUpdate, update)

	c.logger.Info("quiz completed", "session_id", sessionID, "user_id", userID, "score", score, "both_completed", both)
	return nil
}

// Cancel moves the session to cancelled, broadcasts the reason, and evicts it
// from memory immediately.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, connID, reason string) error {
	ls := c.lookup(sessionID)
	if ls == nil {
		return ErrSessionInactive
	}
	defer ls.mu.Unlock()

	if !ls.isParticipant(connID) {
		return ErrNotParticipant
	}
	if ls.rec.Status.Terminal() {
		return ErrSessionInactive
	}

	if reason == "" {
		reason = "User cancelled"
	}

	now := time.Now()
	ls.rec.Status = model.SessionCancelled
	ls.rec.CompletedAt = &now

	if err := c.repo.SaveCancellation(ctx, sessionID, reason, now); err != nil {
		c.metrics.ErrorRecorded()
		return fmt.Errorf("save cancellation: %w", err)
	}
	c.dropSnapshot(ctx, sessionID)

	c.rooms.Broadcast(sessionID, EventStateUpdate, StateUpdate{
		Type:      UpdateSessionCancelled,
		Reason:    reason,
		Timestamp: unixNow(),
	})
	c.rooms.CloseRoom(sessionID)

	c.evict(sessionID, ls)
	c.logger.Info("session cancelled", "session_id", sessionID, "reason", reason)
	return nil
}

// Leave detaches a connection after a disconnect or a rebind. The session
// status is untouched; a lone survivor may still finish or wait for a
// reconnect. An empty session stays in memory until the sweeper reaps it.
func (c *Coordinator) Leave(sessionID, connID string) {
	ls := c.lookup(sessionID)
	if ls == nil {
		return
	}
	defer ls.mu.Unlock()

	if !ls.isParticipant(connID) {
		return
	}
	delete(ls.participants, connID)
	if ls.hostConnID == connID {
		ls.hostConnID = ""
	}
	if ls.partnerConnID == connID {
		ls.partnerConnID = ""
	}
	c.rooms.Unsubscribe(sessionID, connID)

	if ls.rec != nil && ls.rec.Status == model.SessionActive && len(ls.participants) > 0 {
		c.rooms.Broadcast(sessionID, EventPartnerDisconnected, PartnerDisconnected{
			Message:   "Your partner has disconnected",
			SessionID: sessionID,
			Timestamp: unixNow(),
		})
	}

	c.logger.Info("connection left session", "session_id", sessionID, "conn_id", connID, "remaining", len(ls.participants))
}

// Sweep evicts sessions that have sat in memory past the staleness threshold
// with no participants attached. The durable record is left as-is; staleness
// never forces a terminal status. Returns the number of sessions evicted.
func (c *Coordinator) Sweep(ctx context.Context) int {
	c.mu.Lock()
	candidates := make(map[string]*liveSession, len(c.live))
	for id, ls := range c.live {
		candidates[id] = ls
	}
	c.mu.Unlock()

	cutoff := time.Now().Add(-c.staleness)
	evicted := 0
	for id, ls := range candidates {
		ls.mu.Lock()
		if !ls.evicted && len(ls.participants) == 0 && ls.rec != nil && ls.enteredAt.Before(cutoff) {
			c.evict(id, ls)
			c.dropSnapshot(ctx, id)
			evicted++
			c.logger.Info("swept stale session", "session_id", id)
		}
		ls.mu.Unlock()
	}
	return evicted
}

// LiveSessions returns the number of sessions currently held in memory.
func (c *Coordinator) LiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// loadRecord reads the session through the snapshot cache, falling back to
// the durable store on a miss.
func (c *Coordinator) loadRecord(ctx context.Context, sessionID string) (*model.Session, error) {
	if cached, err := c.snapshots.Get(ctx, sessionID); err != nil {
		c.logger.Warn("snapshot cache read failed", "session_id", sessionID, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	rec, err := c.repo.Load(ctx, sessionID)
	if err != nil {
		c.metrics.ErrorRecorded()
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	c.refreshSnapshot(ctx, rec)
	return rec, nil
}

func (c *Coordinator) refreshSnapshot(ctx context.Context, rec *model.Session) {
	if err := c.snapshots.Set(ctx, rec); err != nil {
		c.logger.Warn("snapshot cache write failed", "session_id", rec.ID, "error", err)
	}
}

func (c *Coordinator) dropSnapshot(ctx context.Context, sessionID string) {
	if err := c.snapshots.Delete(ctx, sessionID); err != nil {
		c.logger.Warn("snapshot cache delete failed", "session_id", sessionID, "error", err)
	}
}
