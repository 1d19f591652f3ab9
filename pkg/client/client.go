// Package client implements the driftchat client engine: it dials the
// relay, authenticates with a signing identity, and surfaces everything the
// server pushes as a stream of typed events. Rendering and input belong to
// the caller.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driftchat/pkg/identity"
	"driftchat/pkg/protocol"
)

// Event is anything the relay pushed to this client.
type Event interface{ isEvent() }

// LobbySnapshot is the initial membership list received on join. It never
// contains the client's own identity.
type LobbySnapshot struct {
	Peers []identity.PublicKey
}

// PeerJoined reports a peer entering the lobby.
type PeerJoined struct {
	Peer identity.PublicKey
}

// PeerLeft reports a peer leaving the lobby.
type PeerLeft struct {
	Peer identity.PublicKey
}

// Message is an inbound chat message. Verified reports whether the relayed
// signature checks out against the sender's key; the text is delivered
// either way so the caller can decide how to present it.
type Message struct {
	From      identity.PublicKey
	Text      string
	Timestamp string
	Verified  bool
}

// SendFailed reports that a sent message could not be delivered because the
// recipient was offline. Text is the original content when this client still
// remembers the send, empty otherwise.
type SendFailed struct {
	To   identity.PublicKey
	Text string
	Ref  string
}

// ServerError is an error frame pushed by the relay.
type ServerError struct {
	Reason  string
	Details string
}

// Disconnected is the final event on the stream; the events channel closes
// after it.
type Disconnected struct {
	Err error
}

func (LobbySnapshot) isEvent() {}
func (PeerJoined) isEvent()    {}
func (PeerLeft) isEvent()      {}
func (Message) isEvent()       {}
func (SendFailed) isEvent()    {}
func (ServerError) isEvent()   {}
func (Disconnected) isEvent()  {}

type pendingSend struct {
	to   identity.PublicKey
	text string
}

// Client is a connected, authenticated relay session.
type Client struct {
	ws *websocket.Conn
	kp identity.KeyPair

	events chan Event

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingSend

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay at url (ws:// or wss://), authenticates as kp,
// and starts the event stream. It returns once the server has accepted the
// credential; the lobby snapshot arrives as the first event.
func Dial(ctx context.Context, url string, kp identity.KeyPair) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Client{
		ws:      ws,
		kp:      kp,
		events:  make(chan Event, 64),
		pending: make(map[string]pendingSend),
		done:    make(chan struct{}),
	}

	if err := c.authenticate(); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// Identity returns the public key this client authenticated as.
func (c *Client) Identity() identity.PublicKey { return c.kp.Public }

// Events returns the inbound event stream. The channel closes after a
// Disconnected event.
func (c *Client) Events() <-chan Event { return c.events }

// Send signs and sends text to the given peer, returning the message
// reference used to correlate a possible offline notification.
func (c *Client) Send(to identity.PublicKey, text string) (string, error) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig, err := identity.Sign(c.kp.Private, text, ts)
	if err != nil {
		return "", err
	}

	frame, err := protocol.Encode(&protocol.ChatMessage{
		Type:               protocol.KindMessage,
		Message:            text,
		RecipientPublicKey: to.Hex(),
		Signature:          hex.EncodeToString(sig),
		Timestamp:          ts,
	})
	if err != nil {
		return "", err
	}

	ref := identity.MessageRef(text, ts)
	c.mu.Lock()
	c.pending[ref] = pendingSend{to: to, text: text}
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return "", err
	}
	return ref, nil
}

// Close tears down the connection. The event stream ends shortly after.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// authenticate sends the credential frame and waits for the verdict.
func (c *Client) authenticate() error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig, err := identity.Sign(c.kp.Private, c.kp.Public.Hex(), ts)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(&protocol.Auth{
		Type:      protocol.KindAuth,
		PublicKey: c.kp.Public.Hex(),
		Timestamp: ts,
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame); err != nil {
		return err
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: read auth reply: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("client: auth reply: %w", err)
	}
	switch env.Kind {
	case protocol.KindAuthOK:
		return nil
	case protocol.KindError:
		return fmt.Errorf("client: server rejected credential: %s (%s)", env.Error.Reason, env.Error.Details)
	default:
		return fmt.Errorf("client: unexpected auth reply %q", env.Kind)
	}
}

// readLoop pumps server frames into events until the connection drops.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.events <- Disconnected{}
			default:
				c.events <- Disconnected{Err: err}
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("client: dropping undecodable frame", "err", err)
			continue
		}
		for _, ev := range c.dispatch(env) {
			c.events <- ev
		}
	}
}

// dispatch turns one decoded server frame into client events.
func (c *Client) dispatch(env *protocol.Envelope) []Event {
	switch env.Kind {
	case protocol.KindLobby:
		peers := make([]identity.PublicKey, 0, len(env.Lobby.Users))
		for _, u := range env.Lobby.Users {
			pk, err := identity.ParsePublicKey(u.PublicKey)
			if err != nil {
				continue
			}
			peers = append(peers, pk)
		}
		return []Event{LobbySnapshot{Peers: peers}}

	case protocol.KindLobbyUpdate:
		var evs []Event
		for _, u := range env.LobbyUpdate.Joined {
			if pk, err := identity.ParsePublicKey(u.PublicKey); err == nil {
				evs = append(evs, PeerJoined{Peer: pk})
			}
		}
		for _, keyHex := range env.LobbyUpdate.Left {
			if pk, err := identity.ParsePublicKey(keyHex); err == nil {
				evs = append(evs, PeerLeft{Peer: pk})
			}
		}
		return evs

	case protocol.KindMessage:
		msg := env.Message
		from, err := identity.ParsePublicKey(msg.SenderPublicKey)
		if err != nil {
			slog.Debug("client: message with unparseable sender", "err", err)
			return nil
		}
		verified := false
		if sig, err := hex.DecodeString(msg.Signature); err == nil {
			verified = identity.Verify(from, msg.Message, msg.Timestamp, sig)
		}
		return []Event{Message{From: from, Text: msg.Message, Timestamp: msg.Timestamp, Verified: verified}}

	case protocol.KindNotification:
		notif := env.Notification
		if notif.Event != protocol.EventRecipientOffline {
			return nil
		}
		ev := SendFailed{Ref: notif.OriginalMessage}
		if pk, err := identity.ParsePublicKey(notif.Recipient); err == nil {
			ev.To = pk
		}
		c.mu.Lock()
		if p, ok := c.pending[notif.OriginalMessage]; ok {
			ev.Text = p.text
			delete(c.pending, notif.OriginalMessage)
		}
		c.mu.Unlock()
		return []Event{ev}

	case protocol.KindError:
		return []Event{ServerError{Reason: env.Error.Reason, Details: env.Error.Details}}

	default:
		return nil
	}
}

func (c *Client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
