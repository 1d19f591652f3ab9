package server

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the relay and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	slog.Info("driftchat relay running", "addr", s.Addr())

	// Prometheus metrics HTTP endpoint (optional)
	s.StartMetricsHTTP()

	// Periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}
