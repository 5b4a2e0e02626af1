package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairquiz/internal/model"
	"pairquiz/internal/registry"
	"pairquiz/internal/service"
	"pairquiz/internal/session"
)

// stubRepo is an in-memory durable store for router tests.
type stubRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newStubRepo(sessions ...*model.Session) *stubRepo {
	r := &stubRepo{sessions: make(map[string]*model.Session)}
	for _, s := range sessions {
		r.sessions[s.ID] = s
	}
	return r
}

func (r *stubRepo) Load(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *stubRepo) SaveAnswer(ctx context.Context, id string, role model.Role, questionIndex int, option string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id].SetAnswer(role, questionIndex, option)
	return nil
}

func (r *stubRepo) SaveQuestionIndex(ctx context.Context, id string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id].CurrentQuestionIndex = index
	return nil
}

func (r *stubRepo) SaveCompletion(ctx context.Context, id string, role model.Role, score, timeTaken float64, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	s.SetCompletion(role, score, timeTaken)
	if completedAt != nil {
		s.Status = model.SessionCompleted
		s.CompletedAt = completedAt
	}
	return nil
}

func (r *stubRepo) SaveTimer(ctx context.Context, id string, seconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id].TimerSeconds = seconds
	return nil
}

func (r *stubRepo) SaveCancellation(ctx context.Context, id string, reason string, cancelledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	s.Status = model.SessionCancelled
	s.CompletedAt = &cancelledAt
	return nil
}

func (r *stubRepo) answers(id string, role model.Role) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if role == model.RoleHost {
		return s.HostAnswers
	}
	return s.PartnerAnswers
}

// stubCache drops snapshots; cache behavior is covered by the coordinator tests.
type stubCache struct{}

func (stubCache) Set(ctx context.Context, s *model.Session) error            { return nil }
func (stubCache) Get(ctx context.Context, id string) (*model.Session, error) { return nil, nil }
func (stubCache) Delete(ctx context.Context, id string) error                { return nil }

type routerFixture struct {
	rt    *Router
	hub   *Hub
	reg   *registry.Registry
	auth  *service.AuthService
	coord *session.Coordinator
	repo  *stubRepo
}

func newRouterFixture(sessions ...*model.Session) *routerFixture {
	logger := testLogger()
	repo := newStubRepo(sessions...)
	hub := NewHub(logger)
	reg := registry.New(time.Minute, time.Second, logger)
	auth := service.NewAuthService("test-secret")
	metrics := session.NewMetrics()
	coord := session.NewCoordinator(repo, stubCache{}, hub, metrics, time.Hour, logger)
	rt := NewRouter(coord, reg, hub, auth, metrics, logger)
	return &routerFixture{rt: rt, hub: hub, reg: reg, auth: auth, coord: coord, repo: repo}
}

// connect simulates an upgraded connection: hub client plus registry entry.
func (f *routerFixture) connect(connID, userID string) *Client {
	c := newTestClient(connID)
	f.hub.Add(c)
	f.reg.Register(connID, userID, "10.0.0.1", nil)
	return c
}

func (f *routerFixture) dispatch(connID, event, data string) {
	f.rt.Dispatch(connID, []byte(fmt.Sprintf(`{"event":%q,"data":%s}`, event, data)))
}

func pairedSession(id string) *model.Session {
	return &model.Session{
		ID:             id,
		Status:         model.SessionWaiting,
		HostUserID:     "user-h",
		PartnerUserID:  "user-p",
		Questions:      []map[string]interface{}{{"text": "Q1"}},
		HostAnswers:    map[string]string{},
		PartnerAnswers: map[string]string{},
		CreatedAt:      time.Now(),
	}
}

func findEvent(msgs []Message, event string) (Message, bool) {
	for _, m := range msgs {
		if m.Event == event {
			return m, true
		}
	}
	return Message{}, false
}

func requireError(t *testing.T, msgs []Message, wantType string) {
	t.Helper()
	m, ok := findEvent(msgs, "error")
	require.True(t, ok, "expected an error event, got %v", eventNames(msgs))
	var p errorPayload
	require.NoError(t, json.Unmarshal(m.Data, &p))
	assert.Equal(t, wantType, p.Type)
}

func TestDispatchMalformedMessage(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("conn-1", "user-h")

	f.rt.Dispatch("conn-1", []byte(`{not json`))
	requireError(t, drain(c), errInvalidData)
}

func TestDispatchUnknownEvent(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("conn-1", "user-h")

	f.dispatch("conn-1", "teleport", `{}`)
	requireError(t, drain(c), errInvalidData)
}

func TestJoinSession(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	c := f.connect("conn-1", "user-h")

	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)

	msgs := drain(c)
	m, ok := findEvent(msgs, session.EventSessionJoined)
	require.True(t, ok, "got %v", eventNames(msgs))

	var joined struct {
		SessionID string     `json:"sessionId"`
		Role      model.Role `json:"role"`
	}
	require.NoError(t, json.Unmarshal(m.Data, &joined))
	assert.Equal(t, "session-A", joined.SessionID)
	assert.Equal(t, model.RoleHost, joined.Role)

	rec, ok := f.reg.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, "session-A", rec.SessionID, "successful join binds the connection")
}

func TestJoinSessionValidation(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	c := f.connect("conn-1", "user-h")

	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A"}`)
	requireError(t, drain(c), errInvalidData)

	rec, _ := f.reg.Get("conn-1")
	assert.Empty(t, rec.SessionID)
}

func TestJoinSessionErrorMapping(t *testing.T) {
	done := pairedSession("session-done")
	done.Status = model.SessionCompleted

	tests := []struct {
		name     string
		data     string
		wantType string
	}{
		{"not found", `{"sessionId":"session-missing","userId":"user-h"}`, errSessionNotFound},
		{"not a participant", `{"sessionId":"session-A","userId":"user-x"}`, errUnauthorized},
		{"terminal", `{"sessionId":"session-done","userId":"user-h"}`, errSessionInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(pairedSession("session-A"), done)
			c := f.connect("conn-1", "user-h")

			f.dispatch("conn-1", "join_session", tt.data)
			requireError(t, drain(c), tt.wantType)
		})
	}
}

func TestJoinRebindDetachesFromPreviousSession(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"), pairedSession("session-B"))
	host := f.connect("conn-1", "user-h")
	partner := f.connect("conn-2", "user-p")

	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)
	f.dispatch("conn-2", "join_session", `{"sessionId":"session-A","userId":"user-p"}`)
	drain(host)
	drain(partner)

	f.dispatch("conn-1", "join_session", `{"sessionId":"session-B","userId":"user-h"}`)

	_, ok := findEvent(drain(partner), session.EventPartnerDisconnected)
	assert.True(t, ok, "survivor in the old session hears the detach")

	rec, _ := f.reg.Get("conn-1")
	assert.Equal(t, "session-B", rec.SessionID)
}

func TestAnswerSelectedEchoesToPartnerOnly(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	host := f.connect("conn-1", "user-h")
	partner := f.connect("conn-2", "user-p")

	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)
	f.dispatch("conn-2", "join_session", `{"sessionId":"session-A","userId":"user-p"}`)
	drain(host)
	drain(partner)

	f.dispatch("conn-1", "answer_selected", `{"sessionId":"session-A","userId":"user-h","questionIndex":0,"selectedOption":"B"}`)

	m, ok := findEvent(drain(partner), session.EventStateUpdate)
	require.True(t, ok)
	var update session.StateUpdate
	require.NoError(t, json.Unmarshal(m.Data, &update))
	assert.Equal(t, session.UpdateAnswerSelected, update.Type)
	assert.Equal(t, "B", update.SelectedOption)

	assert.Empty(t, drain(host), "the sender already rendered its own selection")
	assert.Equal(t, "B", f.repo.answers("session-A", model.RoleHost)["0"])
}

func TestAnswerSelectedValidation(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	c := f.connect("conn-1", "user-h")
	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)
	drain(c)

	// questionIndex must be present, zero is a valid index.
	f.dispatch("conn-1", "answer_selected", `{"sessionId":"session-A","userId":"user-h","selectedOption":"B"}`)
	requireError(t, drain(c), errInvalidData)
}

func TestAnswerFromNonParticipant(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	host := f.connect("conn-1", "user-h")
	intruder := f.connect("conn-3", "user-x")
	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)
	drain(host)

	f.dispatch("conn-3", "answer_selected", `{"sessionId":"session-A","userId":"user-x","questionIndex":0,"selectedOption":"B"}`)
	requireError(t, drain(intruder), errUnauthorized)
}

func TestCancelSessionReachesBothSides(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	host := f.connect("conn-1", "user-h")
	partner := f.connect("conn-2", "user-p")
	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)
	f.dispatch("conn-2", "join_session", `{"sessionId":"session-A","userId":"user-p"}`)
	drain(host)
	drain(partner)

	f.dispatch("conn-1", "cancel_session", `{"sessionId":"session-A","reason":"lost interest"}`)

	for _, c := range []*Client{host, partner} {
		m, ok := findEvent(drain(c), session.EventStateUpdate)
		require.True(t, ok)
		var update session.StateUpdate
		require.NoError(t, json.Unmarshal(m.Data, &update))
		assert.Equal(t, session.UpdateSessionCancelled, update.Type)
		assert.Equal(t, "lost interest", update.Reason)
	}

	// The session is gone; further play bounces.
	f.dispatch("conn-1", "answer_selected", `{"sessionId":"session-A","userId":"user-h","questionIndex":0,"selectedOption":"B"}`)
	requireError(t, drain(host), errSessionInactive)
}

func TestHeartbeatAck(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("conn-1", "user-h")

	f.dispatch("conn-1", "heartbeat", `{"clientTime":1000.5}`)

	m, ok := findEvent(drain(c), "heartbeat_ack")
	require.True(t, ok)

	var ack heartbeatAck
	require.NoError(t, json.Unmarshal(m.Data, &ack))
	assert.Equal(t, 1000.5, ack.ClientTime)
	assert.Greater(t, ack.ServerTime, float64(0))
	assert.Greater(t, ack.Latency, float64(0))
}

func TestHeartbeatFromUnknownConnection(t *testing.T) {
	f := newRouterFixture()
	c := newTestClient("conn-ghost")
	f.hub.Add(c)

	f.dispatch("conn-ghost", "heartbeat", `{"clientTime":1000.5}`)
	assert.Empty(t, drain(c), "unregistered connections get no ack")
}

func TestGetMetricsRequiresAdminToken(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("conn-1", "user-h")

	f.dispatch("conn-1", "get_metrics", `{"token":"bogus"}`)
	requireError(t, drain(c), errUnauthorized)

	token, err := f.auth.IssueAdminToken(time.Minute)
	require.NoError(t, err)

	f.dispatch("conn-1", "get_metrics", fmt.Sprintf(`{"token":%q}`, token))

	m, ok := findEvent(drain(c), "metrics")
	require.True(t, ok)

	var p metricsPayload
	require.NoError(t, json.Unmarshal(m.Data, &p))
	assert.Equal(t, 1, p.ActiveConnections)
}

func TestDisconnectedTeardown(t *testing.T) {
	f := newRouterFixture(pairedSession("session-A"))
	host := f.connect("conn-1", "user-h")
	partner := f.connect("conn-2", "user-p")
	f.dispatch("conn-1", "join_session", `{"sessionId":"session-A","userId":"user-h"}`)
	f.dispatch("conn-2", "join_session", `{"sessionId":"session-A","userId":"user-p"}`)
	drain(host)
	drain(partner)

	f.rt.Disconnected("conn-2")

	_, ok := findEvent(drain(host), session.EventPartnerDisconnected)
	assert.True(t, ok)
	assert.Equal(t, 1, f.reg.ActiveCount())

	_, open := <-partner.Send
	assert.False(t, open, "teardown closes the hub client")

	// Teardown is idempotent for a connection already gone.
	f.rt.Disconnected("conn-2")
	assert.Equal(t, 1, f.reg.ActiveCount())
}
