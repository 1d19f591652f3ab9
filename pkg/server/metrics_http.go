package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address comes from Config.MetricsAddr; empty disables the endpoint.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("driftchat_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("driftchat_connections_active", "Current active connections.", "gauge",
		m.ActiveConnections.Load())
	write("driftchat_connections_total", "Lifetime websocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("driftchat_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("driftchat_auth_success_total", "Successful authentication attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("driftchat_auth_failed_total", "Failed authentication attempts.", "counter",
		m.FailedAuths.Load())

	write("driftchat_messages_routed_total", "Chat messages pushed to online recipients.", "counter",
		m.MessagesRouted.Load())
	write("driftchat_messages_offline_total", "Routing attempts ending in an offline notification.", "counter",
		m.MessagesOffline.Load())

	write("driftchat_lobby_size", "Current lobby membership.", "gauge",
		int64(s.lobby.Count()))
	write("driftchat_lobby_joins_total", "Accepted lobby joins.", "counter",
		m.LobbyJoins.Load())
	write("driftchat_lobby_leaves_total", "Accepted lobby leaves.", "counter",
		m.LobbyLeaves.Load())
	write("driftchat_deltas_broadcast_total", "Presence deltas broadcast.", "counter",
		m.DeltasBroadcast.Load())

	write("driftchat_malformed_frames_total", "Inbound frames rejected by the codec.", "counter",
		m.MalformedFrames.Load())
	write("driftchat_frames_dropped_total", "Outbound frames dropped.", "counter",
		m.FramesDropped.Load())
}
