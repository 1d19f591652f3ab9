package client

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"driftchat/pkg/identity"
	"driftchat/pkg/protocol"
	"driftchat/pkg/server"
)

func newTestKeyPair(t *testing.T) identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return kp
}

func newDispatchClient(t *testing.T) *Client {
	t.Helper()
	return &Client{
		kp:      newTestKeyPair(t),
		pending: make(map[string]pendingSend),
	}
}

func TestDispatchLobbyFrames(t *testing.T) {
	c := newDispatchClient(t)
	peer := newTestKeyPair(t).Public

	evs := c.dispatch(&protocol.Envelope{
		Kind:  protocol.KindLobby,
		Lobby: &protocol.Lobby{Users: []protocol.User{{PublicKey: peer.Hex()}}},
	})
	if len(evs) != 1 {
		t.Fatalf("events = %v, want one snapshot", evs)
	}
	snap, ok := evs[0].(LobbySnapshot)
	if !ok || len(snap.Peers) != 1 || snap.Peers[0] != peer {
		t.Fatalf("event = %+v, want snapshot [peer]", evs[0])
	}

	evs = c.dispatch(&protocol.Envelope{
		Kind: protocol.KindLobbyUpdate,
		LobbyUpdate: &protocol.LobbyUpdate{
			Joined: []protocol.User{{PublicKey: peer.Hex()}},
			Left:   []string{peer.Hex()},
		},
	})
	if len(evs) != 2 {
		t.Fatalf("events = %v, want join then leave", evs)
	}
	if j, ok := evs[0].(PeerJoined); !ok || j.Peer != peer {
		t.Fatalf("first event = %+v, want PeerJoined", evs[0])
	}
	if l, ok := evs[1].(PeerLeft); !ok || l.Peer != peer {
		t.Fatalf("second event = %+v, want PeerLeft", evs[1])
	}
}

func TestDispatchVerifiesInboundSignature(t *testing.T) {
	c := newDispatchClient(t)
	sender := newTestKeyPair(t)

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig, err := identity.Sign(sender.Private, "hello", ts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	evs := c.dispatch(&protocol.Envelope{
		Kind: protocol.KindMessage,
		Message: &protocol.ChatMessage{
			Message:         "hello",
			SenderPublicKey: sender.Public.Hex(),
			Signature:       hex.EncodeToString(sig),
			Timestamp:       ts,
		},
	})
	msg, ok := evs[0].(Message)
	if !ok {
		t.Fatalf("event = %+v, want Message", evs[0])
	}
	if !msg.Verified || msg.From != sender.Public || msg.Text != "hello" {
		t.Fatalf("message = %+v, want verified from sender", msg)
	}

	// Tampered content still surfaces, flagged unverified.
	evs = c.dispatch(&protocol.Envelope{
		Kind: protocol.KindMessage,
		Message: &protocol.ChatMessage{
			Message:         "hello!",
			SenderPublicKey: sender.Public.Hex(),
			Signature:       hex.EncodeToString(sig),
			Timestamp:       ts,
		},
	})
	if msg := evs[0].(Message); msg.Verified {
		t.Fatal("tampered message reported as verified")
	}
}

func TestDispatchCorrelatesOfflineNotification(t *testing.T) {
	c := newDispatchClient(t)
	to := newTestKeyPair(t).Public

	ref := identity.MessageRef("you there?", "2026-08-23T12:00:00Z")
	c.pending[ref] = pendingSend{to: to, text: "you there?"}

	evs := c.dispatch(&protocol.Envelope{
		Kind: protocol.KindNotification,
		Notification: &protocol.Notification{
			Event:           protocol.EventRecipientOffline,
			Recipient:       to.Hex(),
			OriginalMessage: ref,
		},
	})
	failed, ok := evs[0].(SendFailed)
	if !ok {
		t.Fatalf("event = %+v, want SendFailed", evs[0])
	}
	if failed.To != to || failed.Text != "you there?" || failed.Ref != ref {
		t.Fatalf("event = %+v, want correlated send", failed)
	}
	if len(c.pending) != 0 {
		t.Fatal("pending entry not cleared after correlation")
	}

	// An unknown reference still surfaces, without recovered text.
	evs = c.dispatch(&protocol.Envelope{
		Kind: protocol.KindNotification,
		Notification: &protocol.Notification{
			Event:           protocol.EventRecipientOffline,
			Recipient:       to.Hex(),
			OriginalMessage: "deadbeef",
		},
	})
	if failed := evs[0].(SendFailed); failed.Text != "" || failed.Ref != "deadbeef" {
		t.Fatalf("event = %+v, want bare reference", failed)
	}
}

func waitForEvent[T Event](t *testing.T, c *Client) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if want, ok := ev.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// End-to-end over a real websocket: two clients join, exchange a signed
// message, and observe presence and offline notifications.
func TestClientServerRoundTrip(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "" // not needed here
	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()
	url := "ws://" + srv.Addr() + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, bob := newTestKeyPair(t), newTestKeyPair(t)

	ca, err := Dial(ctx, url, alice)
	if err != nil {
		t.Fatalf("Dial alice: %v", err)
	}
	defer ca.Close()
	if snap := waitForEvent[LobbySnapshot](t, ca); len(snap.Peers) != 0 {
		t.Fatalf("snapshot = %v, want empty", snap.Peers)
	}

	cb, err := Dial(ctx, url, bob)
	if err != nil {
		t.Fatalf("Dial bob: %v", err)
	}
	defer cb.Close()
	snap := waitForEvent[LobbySnapshot](t, cb)
	if len(snap.Peers) != 1 || snap.Peers[0] != alice.Public {
		t.Fatalf("snapshot = %v, want [alice]", snap.Peers)
	}
	if joined := waitForEvent[PeerJoined](t, ca); joined.Peer != bob.Public {
		t.Fatalf("joined = %v, want bob", joined.Peer)
	}

	if _, err := ca.Send(bob.Public, "hey bob"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := waitForEvent[Message](t, cb)
	if msg.From != alice.Public || msg.Text != "hey bob" || !msg.Verified {
		t.Fatalf("message = %+v, want verified hello from alice", msg)
	}

	// Bob leaves; a message to him now fails over to a notification.
	cb.Close()
	if left := waitForEvent[PeerLeft](t, ca); left.Peer != bob.Public {
		t.Fatalf("left = %v, want bob", left.Peer)
	}
	ref, err := ca.Send(bob.Public, "still there?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	failed := waitForEvent[SendFailed](t, ca)
	if failed.To != bob.Public || failed.Ref != ref || failed.Text != "still there?" {
		t.Fatalf("send failure = %+v, want correlated ref %s", failed, ref)
	}
}
