package server

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"driftchat/pkg/identity"
	"driftchat/pkg/protocol"
)

// Conn is the ordered, reliable frame transport a session runs over.
// The production implementation wraps a websocket connection; tests use an
// in-memory fake.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	WritePing() error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// sessionState is the connection lifecycle state.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// stateTransitions is the allowed-transition table. Anything not listed is
// rejected; closed is terminal.
var stateTransitions = map[sessionState]map[sessionState]bool{
	stateConnecting:    {stateAuthenticated: true, stateClosed: true},
	stateAuthenticated: {stateActive: true, stateClosed: true},
	stateActive:        {stateClosed: true},
	stateClosed:        {},
}

// Session is the per-connection lifecycle state machine: it authenticates,
// registers with the lobby, pumps inbound frames into the router, and pumps
// outbound pushes and broadcasts to the transport.
type Session struct {
	srv  *Server
	conn Conn

	mu    sync.Mutex
	state sessionState

	handle    *Handle
	closeOnce sync.Once
}

func newSession(srv *Server, conn Conn) *Session {
	return &Session{srv: srv, conn: conn, state: stateConnecting}
}

// transition moves the session to a new state, rejecting transitions not in
// the allowed table.
func (s *Session) transition(to sessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !stateTransitions[s.state][to] {
		return fmt.Errorf("server: invalid session transition %s to %s", s.state, to)
	}
	s.state = to
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run drives the session to completion. It blocks until the connection
// closes; callers run it on the per-connection goroutine.
func (s *Session) run() {
	s.srv.metrics.TotalConnections.Add(1)
	s.srv.metrics.ActiveConnections.Add(1)
	defer s.close()

	id, err := s.authenticate()
	if err != nil {
		s.srv.metrics.FailedAuths.Add(1)
		slog.Debug("auth failed", "remote", s.conn.RemoteAddr(), "err", err)
		return
	}

	s.handle = newHandle(id, s.srv.cfg.SendBuffer, s.conn.RemoteAddr())

	// Acknowledge before registering so the snapshot is the next frame the
	// client sees; deltas accepted after registration buffer behind it.
	if err := s.writeDirect(&protocol.AuthOK{Type: protocol.KindAuthOK, PublicKey: id.Hex()}); err != nil {
		return
	}

	others, _ := s.srv.lobby.Register(id, s.handle)
	users := make([]protocol.User, 0, len(others))
	for _, member := range others {
		users = append(users, protocol.User{PublicKey: member.Hex()})
	}
	if err := s.writeDirect(&protocol.Lobby{Type: protocol.KindLobby, Users: users}); err != nil {
		return
	}

	if err := s.transition(stateActive); err != nil {
		slog.Error("session state error", "err", err)
		return
	}

	s.srv.metrics.SuccessfulAuths.Add(1)
	slog.Info("client joined", "identity", id.Short(), "remote", s.conn.RemoteAddr(), "lobby", s.srv.lobby.Count())

	go s.writePump()
	s.readLoop()
}

// authenticate reads and verifies the credential frame. The first frame
// must arrive within AuthTimeout, be an auth frame, carry a timestamp
// within AuthSkew of server time, and its signature must verify against
// the claimed public key. Failures are fatal to the session; there is no
// retry within the same connection.
func (s *Session) authenticate() (identity.PublicKey, error) {
	var zero identity.PublicKey

	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.AuthTimeout.Std()))
	data, err := s.conn.ReadFrame()
	if err != nil {
		return zero, fmt.Errorf("read credential: %w", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		s.srv.metrics.MalformedFrames.Add(1)
		s.rejectAuth(protocol.ReasonMalformedJSON, "credential frame is malformed")
		return zero, err
	}
	if env.Kind != protocol.KindAuth {
		s.rejectAuth(protocol.ReasonAuthFailed, "first frame must be auth")
		return zero, fmt.Errorf("first frame was %q", env.Kind)
	}
	auth := env.Auth

	pub, err := identity.ParsePublicKey(auth.PublicKey)
	if err != nil {
		s.rejectAuth(protocol.ReasonAuthFailed, "invalid public key")
		return zero, err
	}
	sig, err := hex.DecodeString(auth.Signature)
	if err != nil {
		s.rejectAuth(protocol.ReasonAuthFailed, "invalid signature encoding")
		return zero, fmt.Errorf("decode signature: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, auth.Timestamp)
	if err != nil {
		s.rejectAuth(protocol.ReasonAuthFailed, "invalid credential timestamp")
		return zero, fmt.Errorf("parse timestamp: %w", err)
	}
	if drift := time.Since(ts); drift > s.srv.cfg.AuthSkew.Std() || drift < -s.srv.cfg.AuthSkew.Std() {
		s.rejectAuth(protocol.ReasonAuthFailed, "credential timestamp outside accepted window")
		return zero, fmt.Errorf("credential drift %s", drift)
	}
	if !identity.Verify(pub, auth.PublicKey, auth.Timestamp, sig) {
		s.rejectAuth(protocol.ReasonAuthFailed, "signature does not verify")
		return zero, fmt.Errorf("credential signature invalid for %s", pub.Short())
	}

	if err := s.transition(stateAuthenticated); err != nil {
		return zero, err
	}

	// Steady-state read deadline; refreshed by the transport's keepalive.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadTimeout.Std()))
	return pub, nil
}

// readLoop pumps inbound frames until the transport fails or the session
// closes. Malformed frames on an active session are reported and the
// connection stays open; only transport errors end the loop.
func (s *Session) readLoop() {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			slog.Debug("read loop ended", "identity", s.handle.Identity().Short(), "err", err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadTimeout.Std()))

		env, err := protocol.Decode(data)
		if err != nil {
			s.srv.metrics.MalformedFrames.Add(1)
			s.sendError(protocol.ReasonMalformedJSON, "frame rejected")
			continue
		}

		switch env.Kind {
		case protocol.KindMessage:
			s.handleChat(env.Message)
		default:
			s.sendError(protocol.ReasonMalformedJSON, fmt.Sprintf("unexpected frame type %q", env.Kind))
		}
	}
}

// handleChat admits one signed chat frame into the router: the recipient
// must parse, the content must be valid UTF-8, and the signature must
// verify against this session's identity. Routing outcomes (including an
// offline recipient) are not errors and produce no error frame.
func (s *Session) handleChat(msg *protocol.ChatMessage) {
	if msg.RecipientPublicKey == "" {
		s.sendError(protocol.ReasonMalformedJSON, "message missing recipient")
		return
	}
	to, err := identity.ParsePublicKey(msg.RecipientPublicKey)
	if err != nil {
		s.sendError(protocol.ReasonMalformedJSON, "invalid recipient key")
		return
	}
	if !utf8.ValidString(msg.Message) {
		s.sendError(protocol.ReasonBinaryContent, "message content is not valid UTF-8")
		return
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil {
		s.sendError(protocol.ReasonAuthFailed, "invalid message signature encoding")
		return
	}
	if !identity.Verify(s.handle.Identity(), msg.Message, msg.Timestamp, sig) {
		s.sendError(protocol.ReasonAuthFailed, "message signature does not verify")
		return
	}

	outcome := s.srv.router.Route(s.handle, to, msg)
	slog.Debug("routed", "from", s.handle.Identity().Short(), "to", to.Short(), "outcome", outcome)
}

// writePump serializes all outbound delivery for this connection: pushes
// and broadcasts drain from the handle's channel in FIFO order. When the
// handle is retired it performs a bounded drain of already-accepted frames
// and closes the session rather than waiting indefinitely.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval.Std())
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case frame := <-s.handle.send:
			if err := s.conn.WriteFrame(frame); err != nil {
				slog.Debug("write failed", "identity", s.handle.Identity().Short(), "err", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WritePing(); err != nil {
				return
			}
		case <-s.handle.done:
			s.drain()
			return
		}
	}
}

// drain flushes frames that were accepted before retirement, bounded by
// DrainTimeout. Frames that cannot be written in time are discarded.
func (s *Session) drain() {
	deadline := time.NewTimer(s.srv.cfg.DrainTimeout.Std())
	defer deadline.Stop()
	for {
		select {
		case frame := <-s.handle.send:
			if err := s.conn.WriteFrame(frame); err != nil {
				return
			}
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

// close tears the session down exactly once: transition to closed, retire
// the handle, close the transport, and deregister. Deregistration emits at
// most one leave delta even when concurrent paths (read loop, write pump,
// shutdown) race to close.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.transition(stateClosed)
		if s.handle != nil {
			s.handle.Retire()
			if s.srv.lobby.Deregister(s.handle.Identity(), s.handle) {
				slog.Info("client left", "identity", s.handle.Identity().Short(), "lobby", s.srv.lobby.Count())
			}
		}
		_ = s.conn.Close()
		s.srv.metrics.ActiveConnections.Add(-1)
		s.srv.metrics.TotalDisconnects.Add(1)
	})
}

// writeDirect writes a frame straight to the transport. Only used before
// the write pump starts and for auth rejections.
func (s *Session) writeDirect(frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(data)
}

// sendError reports an error frame through the outbound channel.
func (s *Session) sendError(reason, details string) {
	frame, err := protocol.Encode(protocol.NewError(reason, details))
	if err != nil {
		return
	}
	if err := s.handle.enqueue(frame); err != nil {
		s.srv.metrics.FramesDropped.Add(1)
	}
}

// rejectAuth reports an auth-phase error directly; the session has no
// handle yet.
func (s *Session) rejectAuth(reason, details string) {
	_ = s.writeDirect(protocol.NewError(reason, details))
}
