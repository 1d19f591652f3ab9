// Package protocol defines the JSON wire format exchanged between clients
// and the relay server.
//
// Every frame is a JSON object carrying a "type" discriminator. Decoding
// fails closed: frames with an unknown type or a structurally malformed
// payload are rejected with a distinct error, never silently dropped.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the maximum encoded frame size (64KB).
const MaxFrameSize = 65536

// Kind is the value of a frame's "type" discriminator.
type Kind string

const (
	KindAuth         Kind = "auth"
	KindAuthOK       Kind = "auth_ok"
	KindLobby        Kind = "lobby"
	KindLobbyUpdate  Kind = "lobby_update"
	KindMessage      Kind = "message"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
)

// Closed set of error reason codes carried by Error frames.
const (
	ReasonConnectionLost   = "connection_lost"
	ReasonMalformedJSON    = "malformed_json"
	ReasonAuthFailed       = "auth_failed"
	ReasonBinaryContent    = "binary_content"
	ReasonNotAuthenticated = "not_authenticated"
)

// EventRecipientOffline is the only notification event the relay emits.
const EventRecipientOffline = "recipient_offline"

var (
	// ErrMalformed is returned for frames that are not valid JSON objects
	// or are missing the type discriminator.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned for frames with an unrecognized type.
	ErrUnknownType = errors.New("protocol: unknown frame type")

	// ErrTooLarge is returned when an encoded frame exceeds MaxFrameSize.
	ErrTooLarge = errors.New("protocol: frame too large")
)

// Auth is the credential a client presents as its first frame. The
// signature covers the canonical pair (publicKey, timestamp).
type Auth struct {
	Type      Kind   `json:"type"`
	PublicKey string `json:"publicKey"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// AuthOK acknowledges a successful authentication.
type AuthOK struct {
	Type      Kind   `json:"type"`
	PublicKey string `json:"publicKey"`
}

// User is a lobby member entry.
type User struct {
	PublicKey string `json:"publicKey"`
}

// Lobby is the full membership snapshot, sent exactly once after auth.
type Lobby struct {
	Type  Kind   `json:"type"`
	Users []User `json:"users"`
}

// LobbyUpdate is a presence delta: only identities that changed state,
// never the full membership.
type LobbyUpdate struct {
	Type   Kind     `json:"type"`
	Joined []User   `json:"joined"`
	Left   []string `json:"left"`
}

// ChatMessage is a signed chat frame. Clients send it with
// recipientPublicKey set; the relay pushes it with senderPublicKey set.
// The relay never alters message, signature, or timestamp in transit.
type ChatMessage struct {
	Type               Kind   `json:"type"`
	Message            string `json:"message"`
	SenderPublicKey    string `json:"senderPublicKey,omitempty"`
	RecipientPublicKey string `json:"recipientPublicKey,omitempty"`
	Signature          string `json:"signature"`
	Timestamp          string `json:"timestamp"`
}

// Notification reports a routing outcome back to the original sender.
// OriginalMessage is a content-free reference (the message digest).
type Notification struct {
	Type            Kind   `json:"type"`
	Event           string `json:"event"`
	Recipient       string `json:"recipient"`
	OriginalMessage string `json:"originalMessage"`
}

// Error reports a protocol, authentication, or content error.
type Error struct {
	Type    Kind   `json:"type"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// Envelope is a decoded frame. Exactly one payload field is non-nil,
// matching Kind.
type Envelope struct {
	Kind         Kind
	Auth         *Auth
	AuthOK       *AuthOK
	Lobby        *Lobby
	LobbyUpdate  *LobbyUpdate
	Message      *ChatMessage
	Notification *Notification
	Error        *Error
}

// Encode serializes a frame to JSON, enforcing MaxFrameSize.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a frame, dispatching on the type discriminator.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env := &Envelope{Kind: head.Type}
	var err error
	switch head.Type {
	case KindAuth:
		env.Auth = &Auth{}
		err = json.Unmarshal(data, env.Auth)
	case KindAuthOK:
		env.AuthOK = &AuthOK{}
		err = json.Unmarshal(data, env.AuthOK)
	case KindLobby:
		env.Lobby = &Lobby{}
		err = json.Unmarshal(data, env.Lobby)
	case KindLobbyUpdate:
		env.LobbyUpdate = &LobbyUpdate{}
		err = json.Unmarshal(data, env.LobbyUpdate)
	case KindMessage:
		env.Message = &ChatMessage{}
		err = json.Unmarshal(data, env.Message)
	case KindNotification:
		env.Notification = &Notification{}
		err = json.Unmarshal(data, env.Notification)
	case KindError:
		env.Error = &Error{}
		err = json.Unmarshal(data, env.Error)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// NewError builds an Error frame with a reason from the closed set.
func NewError(reason, details string) *Error {
	return &Error{Type: KindError, Reason: reason, Details: details}
}
