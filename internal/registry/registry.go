// Package registry tracks live transport connections and watches each one for
// heartbeat silence. The per-connection watchdog is the only owner of the
// decision to force-disconnect on timeout; the transport read loop then drives
// the single unregister.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"pairquiz/internal/model"
)

type entry struct {
	rec      model.ConnectionRecord
	lastSeen time.Time
	close    func()
}

type Registry struct {
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*entry
}

func New(timeout, interval time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		conns:    make(map[string]*entry),
	}
}

// Register records a new connection and starts its heartbeat watchdog.
// forceClose is invoked at most once, from the watchdog, when the connection
// has been silent longer than the configured timeout.
func (r *Registry) Register(connID, userID, addr string, forceClose func()) model.ConnectionRecord {
	now := time.Now()
	rec := model.ConnectionRecord{
		ID:          connID,
		UserID:      userID,
		ClientAddr:  addr,
		ConnectedAt: now,
	}

	r.mu.Lock()
	r.conns[connID] = &entry{rec: rec, lastSeen: now, close: forceClose}
	r.mu.Unlock()

	go r.watch(connID)

	r.logger.Info("connection registered", "conn_id", connID, "user_id", userID, "addr", addr)
	return rec
}

// BindSession attaches the connection to a session, returning the previously
// bound session id if there was one. A connection belongs to at most one
// session; callers detach from the previous session before rebinding.
func (r *Registry) BindSession(connID, sessionID string) (previous string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	previous = e.rec.SessionID
	e.rec.SessionID = sessionID
	return previous, true
}

// Get returns a copy of the connection record.
func (r *Registry) Get(connID string) (model.ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return model.ConnectionRecord{}, false
	}
	return e.rec, true
}

// Touch resets the heartbeat clock for a connection and returns the server
// time used, for the heartbeat_ack reply.
func (r *Registry) Touch(connID string) (time.Time, bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return time.Time{}, false
	}
	e.lastSeen = now
	return now, true
}

// Unregister removes the connection and returns the session it belonged to,
// if any. The watchdog exits on its next tick. A second call for the same id
// reports ok false, so disconnect handling runs exactly once per connection.
func (r *Registry) Unregister(connID string) (sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)
	return e.rec.SessionID, true
}

// ActiveCount returns the number of registered connections.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) watch(connID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		e, ok := r.conns[connID]
		if !ok {
			r.mu.Unlock()
			return
		}
		silence := time.Since(e.lastSeen)
		closeFn := e.close
		r.mu.Unlock()

		if silence > r.timeout {
			r.logger.Warn("heartbeat timeout, disconnecting", "conn_id", connID, "silence", silence)
			if closeFn != nil {
				closeFn()
			}
			return
		}
	}
}
