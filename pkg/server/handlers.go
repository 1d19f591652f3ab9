package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"driftchat/pkg/protocol"
)

// wsConn adapts a gorilla websocket connection to the session transport.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func newWSConn(ws *websocket.Conn, cfg Config) *wsConn {
	c := &wsConn{
		ws:           ws,
		writeTimeout: cfg.WriteTimeout.Std(),
		readTimeout:  cfg.ReadTimeout.Std(),
	}
	ws.SetReadLimit(protocol.MaxFrameSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	return c
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) WritePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *wsConn) Close() error                      { return c.ws.Close() }
func (c *wsConn) RemoteAddr() string                { return c.ws.RemoteAddr().String() }

// handleWS upgrades an HTTP request and runs the connection's session on
// the handler goroutine (one concurrent task per connection).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}
	sess := newSession(s, newWSConn(ws, s.cfg))
	sess.run()
}

// checkOrigin enforces the allowed-origins policy. Requests without an
// Origin header (non-browser clients) are accepted; browser requests must
// match the request host or an entry in AllowedOrigins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) || strings.EqualFold(u.Host, allowed) {
			return true
		}
	}
	return false
}
