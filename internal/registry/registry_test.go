package registry_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairquiz/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestRegisterAndGet(t *testing.T) {
	r := registry.New(time.Minute, time.Second, testLogger())

	rec := r.Register("conn-1", "user-1", "10.0.0.1", nil)
	assert.Equal(t, "conn-1", rec.ID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Empty(t, rec.SessionID)
	assert.False(t, rec.ConnectedAt.IsZero())

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestBindSession(t *testing.T) {
	r := registry.New(time.Minute, time.Second, testLogger())
	r.Register("conn-1", "user-1", "10.0.0.1", nil)

	prev, ok := r.BindSession("conn-1", "session-A")
	require.True(t, ok)
	assert.Empty(t, prev)

	prev, ok = r.BindSession("conn-1", "session-B")
	require.True(t, ok)
	assert.Equal(t, "session-A", prev, "rebinding reports the previous session")

	_, ok = r.BindSession("missing", "session-A")
	assert.False(t, ok)
}

func TestUnregisterExactlyOnce(t *testing.T) {
	r := registry.New(time.Minute, time.Second, testLogger())
	r.Register("conn-1", "user-1", "10.0.0.1", nil)
	r.BindSession("conn-1", "session-A")

	sessionID, ok := r.Unregister("conn-1")
	require.True(t, ok)
	assert.Equal(t, "session-A", sessionID)
	assert.Equal(t, 0, r.ActiveCount())

	_, ok = r.Unregister("conn-1")
	assert.False(t, ok, "second unregister for the same connection must report not found")
}

func TestTouchUnknownConnection(t *testing.T) {
	r := registry.New(time.Minute, time.Second, testLogger())

	_, ok := r.Touch("missing")
	assert.False(t, ok)
}

func TestWatchdogDisconnectsSilentConnection(t *testing.T) {
	r := registry.New(50*time.Millisecond, 10*time.Millisecond, testLogger())

	closed := make(chan struct{})
	r.Register("conn-1", "user-1", "10.0.0.1", func() { close(closed) })

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired for a silent connection")
	}

	// The transport read loop reacts to the forced close and unregisters once.
	_, ok := r.Unregister("conn-1")
	assert.True(t, ok)
	_, ok = r.Unregister("conn-1")
	assert.False(t, ok)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	r := registry.New(80*time.Millisecond, 10*time.Millisecond, testLogger())

	closed := make(chan struct{})
	r.Register("conn-1", "user-1", "10.0.0.1", func() { close(closed) })

	deadline := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, ok := r.Touch("conn-1")
			require.True(t, ok)
		case <-closed:
			t.Fatal("connection was disconnected despite regular heartbeats")
		case <-deadline:
			return
		}
	}
}

func TestWatchdogStopsAfterUnregister(t *testing.T) {
	r := registry.New(30*time.Millisecond, 10*time.Millisecond, testLogger())

	closed := make(chan struct{}, 1)
	r.Register("conn-1", "user-1", "10.0.0.1", func() { closed <- struct{}{} })

	_, ok := r.Unregister("conn-1")
	require.True(t, ok)

	select {
	case <-closed:
		t.Fatal("watchdog fired for an unregistered connection")
	case <-time.After(150 * time.Millisecond):
	}
}
