package server

import (
	"log/slog"

	"driftchat/pkg/identity"
	"driftchat/pkg/protocol"
)

// RouteOutcome is the result of one routing attempt.
type RouteOutcome int

const (
	// Delivered means the message was enqueued on the recipient's
	// outbound channel unmodified.
	Delivered RouteOutcome = iota

	// RecipientOffline means the recipient was not reachable and the
	// sender was notified. This is an expected runtime state, not a fault.
	RecipientOffline
)

func (o RouteOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RecipientOffline:
		return "recipient_offline"
	default:
		return "unknown"
	}
}

// Router routes signed chat messages to online recipients. Admission checks
// (signature verification, content validation) happen in the session before
// a message reaches Route; the router only looks up and pushes.
type Router struct {
	lobby   *Lobby
	metrics *Metrics
}

// NewRouter creates a router over the given lobby.
func NewRouter(lobby *Lobby, m *Metrics) *Router {
	if m == nil {
		m = NewMetrics()
	}
	return &Router{lobby: lobby, metrics: m}
}

// Route pushes msg to the recipient if online, or emits an offline
// notification back to the sender. The pushed frame carries message,
// signature, and timestamp byte-for-byte as received, plus the sender's
// identity; the recipient field is dropped. The message is never retained
// past this call regardless of outcome.
func (r *Router) Route(sender *Handle, to identity.PublicKey, msg *protocol.ChatMessage) RouteOutcome {
	push := &protocol.ChatMessage{
		Type:            protocol.KindMessage,
		Message:         msg.Message,
		SenderPublicKey: sender.Identity().Hex(),
		Signature:       msg.Signature,
		Timestamp:       msg.Timestamp,
	}
	frame, err := protocol.Encode(push)
	if err != nil {
		slog.Error("router: encode push", "err", err)
		return r.offline(sender, to, msg)
	}

	if h, ok := r.lobby.Lookup(to); ok {
		if err := h.enqueue(frame); err == nil {
			r.metrics.MessagesRouted.Add(1)
			return Delivered
		}
		// Recipient disconnected in the window between lookup and send.
		// Collapses to the offline outcome; the sender cannot distinguish
		// "never was online" from "disconnected mid-flight".
		slog.Debug("router: push race lost", "to", to.Short())
	}
	return r.offline(sender, to, msg)
}

func (r *Router) offline(sender *Handle, to identity.PublicKey, msg *protocol.ChatMessage) RouteOutcome {
	notif := &protocol.Notification{
		Type:            protocol.KindNotification,
		Event:           protocol.EventRecipientOffline,
		Recipient:       to.Hex(),
		OriginalMessage: identity.MessageRef(msg.Message, msg.Timestamp),
	}
	frame, err := protocol.Encode(notif)
	if err != nil {
		slog.Error("router: encode notification", "err", err)
		return RecipientOffline
	}
	// Best effort: the sender may itself be gone by now.
	if err := sender.enqueue(frame); err != nil {
		slog.Debug("router: notification not delivered", "to", sender.Identity().Short(), "err", err)
	}
	r.metrics.MessagesOffline.Add(1)
	return RecipientOffline
}
