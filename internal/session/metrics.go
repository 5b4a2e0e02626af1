package session

import "sync/atomic"

// Metrics holds the diagnostics counters served by the get_metrics event.
type Metrics struct {
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	totalSessions     atomic.Int64
	activeSessions    atomic.Int64
	reconnections     atomic.Int64
	errors            atomic.Int64
}

type MetricsSnapshot struct {
	TotalConnections  int64   `json:"totalConnections"`
	ActiveConnections int64   `json:"activeConnections"`
	TotalSessions     int64   `json:"totalSessions"`
	ActiveSessions    int64   `json:"activeSessions"`
	Reconnections     int64   `json:"reconnections"`
	Errors            int64   `json:"errors"`
	Timestamp         float64 `json:"timestamp"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ConnectionOpened() {
	m.totalConnections.Add(1)
	m.activeConnections.Add(1)
}

func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Add(-1)
}

func (m *Metrics) SessionLoaded() {
	m.totalSessions.Add(1)
	m.activeSessions.Add(1)
}

func (m *Metrics) SessionEvicted() {
	m.activeSessions.Add(-1)
}

func (m *Metrics) ReconnectionRecorded() {
	m.reconnections.Add(1)
}

func (m *Metrics) ErrorRecorded() {
	m.errors.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalConnections:  m.totalConnections.Load(),
		ActiveConnections: m.activeConnections.Load(),
		TotalSessions:     m.totalSessions.Load(),
		ActiveSessions:    m.activeSessions.Load(),
		Reconnections:     m.reconnections.Load(),
		Errors:            m.errors.Load(),
		Timestamp:         unixNow(),
	}
}
