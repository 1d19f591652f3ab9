package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime websocket connections accepted
	ActiveConnections atomic.Int64 // current active connections
	FailedAuths       atomic.Int64 // failed authentication attempts
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Routing counters
	MessagesRouted  atomic.Int64 // chat messages pushed to online recipients
	MessagesOffline atomic.Int64 // routing attempts that ended in an offline notification

	// Lobby counters
	LobbyJoins      atomic.Int64 // accepted joins that changed membership
	LobbyLeaves     atomic.Int64 // accepted leaves that changed membership
	DeltasBroadcast atomic.Int64 // presence deltas broadcast

	// Frame counters
	MalformedFrames atomic.Int64 // inbound frames rejected by the codec
	FramesDropped   atomic.Int64 // outbound frames dropped (retired or slow consumers)
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	MessagesRouted  int64 `json:"messages_routed"`
	MessagesOffline int64 `json:"messages_offline"`

	LobbyJoins      int64 `json:"lobby_joins"`
	LobbyLeaves     int64 `json:"lobby_leaves"`
	DeltasBroadcast int64 `json:"deltas_broadcast"`

	MalformedFrames int64 `json:"malformed_frames"`
	FramesDropped   int64 `json:"frames_dropped"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		MessagesRouted:    m.MessagesRouted.Load(),
		MessagesOffline:   m.MessagesOffline.Load(),
		LobbyJoins:        m.LobbyJoins.Load(),
		LobbyLeaves:       m.LobbyLeaves.Load(),
		DeltasBroadcast:   m.DeltasBroadcast.Load(),
		MalformedFrames:   m.MalformedFrames.Load(),
		FramesDropped:     m.FramesDropped.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"routed", s.MessagesRouted,
		"offline", s.MessagesOffline,
		"joins", s.LobbyJoins,
		"leaves", s.LobbyLeaves,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
