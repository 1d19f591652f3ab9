// Package server implements the driftchat relay: an ephemeral presence and
// message-routing core. Clients authenticate by public-key signature, join
// a live lobby, receive presence deltas, and exchange end-to-end-signed
// messages. Nothing is persisted; all state lives in process memory for the
// duration of a session.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Server is the driftchat relay server.
type Server struct {
	cfg      Config
	lobby    *Lobby
	router   *Router
	metrics  *Metrics
	upgrader websocket.Upgrader

	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	lobby := NewLobby(metrics)

	s := &Server{
		cfg:     cfg,
		lobby:   lobby,
		router:  NewRouter(lobby, metrics),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Lobby returns the lobby registry.
func (s *Server) Lobby() *Lobby { return s.lobby }

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the bound listen address, useful when ListenAddr used
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Start binds the websocket listener and begins accepting connections.
// Bind errors surface synchronously; serving continues in the background.
func (s *Server) Start() error {
	if err := s.cfg.validate(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("relay listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case <-s.ctx.Done():
			default:
				slog.Error("serve error", "err", err)
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the server: stop accepting, retire every live
// handle (sessions drain and deregister), and close the HTTP server.
func (s *Server) Shutdown() {
	s.cancel()
	s.lobby.RetireAll()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}
