package server

import (
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"driftchat/pkg/identity"
	"driftchat/pkg/protocol"
)

// fakeConn is an in-memory frame transport for session tests.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeConn) WritePing() error                { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) RemoteAddr() string              { return "fake" }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func newTestServer() *Server {
	cfg := DefaultConfig()
	cfg.SendBuffer = 16
	cfg.DrainTimeout = Duration(100 * time.Millisecond)
	return New(cfg)
}

func newTestKeyPair(t *testing.T) identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return kp
}

func authFrame(t *testing.T, kp identity.KeyPair, ts string) []byte {
	t.Helper()
	sig, err := identity.Sign(kp.Private, kp.Public.Hex(), ts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, err := protocol.Encode(&protocol.Auth{
		Type:      protocol.KindAuth,
		PublicKey: kp.Public.Hex(),
		Timestamp: ts,
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func chatFrame(t *testing.T, kp identity.KeyPair, to identity.PublicKey, text, ts string) []byte {
	t.Helper()
	sig, err := identity.Sign(kp.Private, text, ts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, err := protocol.Encode(&protocol.ChatMessage{
		Type:               protocol.KindMessage,
		Message:            text,
		RecipientPublicKey: to.Hex(),
		Signature:          hex.EncodeToString(sig),
		Timestamp:          ts,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

// readWire pops one decoded frame from the fake transport.
func readWire(t *testing.T, conn *fakeConn) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-conn.out:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode wire frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wire frame")
		return nil
	}
}

// waitForKind reads frames until one of the wanted kind arrives, skipping
// interleaved presence deltas.
func waitForKind(t *testing.T, conn *fakeConn, kind protocol.Kind) *protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.out:
			env, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("decode wire frame: %v", err)
			}
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", kind)
		}
	}
}

func waitForState(t *testing.T, sess *Session, want sessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %v, want %v", sess.State(), want)
}

// joinSession authenticates a fresh connection and consumes the auth_ok and
// lobby snapshot frames, returning the snapshot.
func joinSession(t *testing.T, srv *Server, kp identity.KeyPair) (*Session, *fakeConn, *protocol.Lobby) {
	t.Helper()
	conn := newFakeConn()
	sess := newSession(srv, conn)
	go sess.run()

	conn.in <- authFrame(t, kp, time.Now().UTC().Format(time.RFC3339Nano))

	ack := readWire(t, conn)
	if ack.Kind != protocol.KindAuthOK {
		t.Fatalf("first frame = %q, want auth_ok", ack.Kind)
	}
	if ack.AuthOK.PublicKey != kp.Public.Hex() {
		t.Fatalf("auth_ok publicKey = %q, want own identity", ack.AuthOK.PublicKey)
	}
	snap := readWire(t, conn)
	if snap.Kind != protocol.KindLobby {
		t.Fatalf("second frame = %q, want lobby snapshot", snap.Kind)
	}
	return sess, conn, snap.Lobby
}

func TestJoinFlowSnapshotAndDelta(t *testing.T) {
	srv := newTestServer()
	alice, bob := newTestKeyPair(t), newTestKeyPair(t)

	_, aConn, aSnap := joinSession(t, srv, alice)
	if len(aSnap.Users) != 0 {
		t.Fatalf("first joiner snapshot = %v, want empty", aSnap.Users)
	}

	_, _, bSnap := joinSession(t, srv, bob)
	if len(bSnap.Users) != 1 || bSnap.Users[0].PublicKey != alice.Public.Hex() {
		t.Fatalf("second joiner snapshot = %v, want [alice]", bSnap.Users)
	}

	// Alice sees Bob's join as a delta; Bob does not see his own join.
	env := waitForKind(t, aConn, protocol.KindLobbyUpdate)
	if len(env.LobbyUpdate.Joined) != 1 || env.LobbyUpdate.Joined[0].PublicKey != bob.Public.Hex() {
		t.Fatalf("delta = %+v, want join bob", env.LobbyUpdate)
	}
}

func TestAuthRejectsBadSignature(t *testing.T) {
	srv := newTestServer()
	alice, mallory := newTestKeyPair(t), newTestKeyPair(t)

	conn := newFakeConn()
	sess := newSession(srv, conn)
	go sess.run()

	// Credential signed with the wrong private key.
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	sig, _ := identity.Sign(mallory.Private, alice.Public.Hex(), ts)
	frame, _ := protocol.Encode(&protocol.Auth{
		Type:      protocol.KindAuth,
		PublicKey: alice.Public.Hex(),
		Timestamp: ts,
		Signature: hex.EncodeToString(sig),
	})
	conn.in <- frame

	env := readWire(t, conn)
	if env.Kind != protocol.KindError || env.Error.Reason != protocol.ReasonAuthFailed {
		t.Fatalf("got %+v, want auth_failed error", env)
	}
	waitForState(t, sess, stateClosed)
	if srv.Lobby().Count() != 0 {
		t.Fatal("failed auth still registered an identity")
	}
}

func TestAuthRejectsStaleTimestamp(t *testing.T) {
	srv := newTestServer()
	alice := newTestKeyPair(t)

	conn := newFakeConn()
	sess := newSession(srv, conn)
	go sess.run()

	stale := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339Nano)
	conn.in <- authFrame(t, alice, stale)

	env := readWire(t, conn)
	if env.Kind != protocol.KindError || env.Error.Reason != protocol.ReasonAuthFailed {
		t.Fatalf("got %+v, want auth_failed error", env)
	}
	waitForState(t, sess, stateClosed)
}

func TestAuthRejectsNonAuthFirstFrame(t *testing.T) {
	srv := newTestServer()
	alice := newTestKeyPair(t)

	conn := newFakeConn()
	sess := newSession(srv, conn)
	go sess.run()

	conn.in <- chatFrame(t, alice, alice.Public, "too eager", "t1")

	env := readWire(t, conn)
	if env.Kind != protocol.KindError || env.Error.Reason != protocol.ReasonAuthFailed {
		t.Fatalf("got %+v, want auth_failed error", env)
	}
	waitForState(t, sess, stateClosed)
}

func TestMessageDeliveryBetweenSessions(t *testing.T) {
	srv := newTestServer()
	alice, bob := newTestKeyPair(t), newTestKeyPair(t)

	_, aConn, _ := joinSession(t, srv, alice)
	_, bConn, _ := joinSession(t, srv, bob)
	waitForKind(t, aConn, protocol.KindLobbyUpdate) // bob joined

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	aConn.in <- chatFrame(t, alice, bob.Public, "hey bob", ts)

	env := waitForKind(t, bConn, protocol.KindMessage)
	push := env.Message
	if push.Message != "hey bob" || push.Timestamp != ts {
		t.Fatalf("push = %+v, want original content and timestamp", push)
	}
	if push.SenderPublicKey != alice.Public.Hex() {
		t.Fatalf("senderPublicKey = %q, want alice", push.SenderPublicKey)
	}
	// The recipient can verify the relayed signature end to end.
	sig, err := hex.DecodeString(push.Signature)
	if err != nil {
		t.Fatalf("decode relayed signature: %v", err)
	}
	if !identity.Verify(alice.Public, push.Message, push.Timestamp, sig) {
		t.Fatal("relayed signature does not verify against the sender key")
	}
}

func TestOfflineRecipientNotifiesSender(t *testing.T) {
	srv := newTestServer()
	alice, carol := newTestKeyPair(t), newTestKeyPair(t)

	_, aConn, _ := joinSession(t, srv, alice)

	ts1 := time.Now().UTC().Format(time.RFC3339Nano)
	aConn.in <- chatFrame(t, alice, carol.Public, "you there?", ts1)
	first := waitForKind(t, aConn, protocol.KindNotification).Notification
	if first.Recipient != carol.Public.Hex() {
		t.Fatalf("recipient = %q, want carol", first.Recipient)
	}
	if want := identity.MessageRef("you there?", ts1); first.OriginalMessage != want {
		t.Fatalf("originalMessage = %q, want %q", first.OriginalMessage, want)
	}

	// A retry carries a fresh timestamp, so its reference differs.
	ts2 := time.Now().Add(time.Millisecond).UTC().Format(time.RFC3339Nano)
	aConn.in <- chatFrame(t, alice, carol.Public, "you there?", ts2)
	second := waitForKind(t, aConn, protocol.KindNotification).Notification
	if second.OriginalMessage == first.OriginalMessage {
		t.Fatal("retry produced an identical message reference")
	}
}

func TestMessageWithForeignSignatureRejected(t *testing.T) {
	srv := newTestServer()
	alice, bob, mallory := newTestKeyPair(t), newTestKeyPair(t), newTestKeyPair(t)

	_, aConn, _ := joinSession(t, srv, alice)
	_, bConn, _ := joinSession(t, srv, bob)
	waitForKind(t, aConn, protocol.KindLobbyUpdate)

	// Alice relays a frame signed by someone else.
	aConn.in <- chatFrame(t, mallory, bob.Public, "spoofed", "t1")

	env := waitForKind(t, aConn, protocol.KindError)
	if env.Error.Reason != protocol.ReasonAuthFailed {
		t.Fatalf("reason = %q, want auth_failed", env.Error.Reason)
	}
	noWireFrame(t, bConn)
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	srv := newTestServer()
	alice, bob := newTestKeyPair(t), newTestKeyPair(t)

	sess, aConn, _ := joinSession(t, srv, alice)
	_, bConn, _ := joinSession(t, srv, bob)
	waitForKind(t, aConn, protocol.KindLobbyUpdate)

	aConn.in <- []byte("{not json")
	env := waitForKind(t, aConn, protocol.KindError)
	if env.Error.Reason != protocol.ReasonMalformedJSON {
		t.Fatalf("reason = %q, want malformed_json", env.Error.Reason)
	}
	if sess.State() != stateActive {
		t.Fatalf("state = %v, want active after malformed frame", sess.State())
	}

	// The session still routes.
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	aConn.in <- chatFrame(t, alice, bob.Public, "still here", ts)
	if got := waitForKind(t, bConn, protocol.KindMessage).Message.Message; got != "still here" {
		t.Fatalf("message = %q, want still here", got)
	}
}

func TestDisconnectEmitsSingleLeaveDelta(t *testing.T) {
	srv := newTestServer()
	alice, bob := newTestKeyPair(t), newTestKeyPair(t)

	aSess, aConn, _ := joinSession(t, srv, alice)
	_, bConn, _ := joinSession(t, srv, bob)
	waitForKind(t, aConn, protocol.KindLobbyUpdate)

	// Transport drop: the read loop and write pump both race to close.
	aConn.Close()
	waitForState(t, aSess, stateClosed)

	env := waitForKind(t, bConn, protocol.KindLobbyUpdate)
	if len(env.LobbyUpdate.Left) != 1 || env.LobbyUpdate.Left[0] != alice.Public.Hex() {
		t.Fatalf("delta = %+v, want leave alice", env.LobbyUpdate)
	}
	// Exactly one leave; nothing further for bob.
	time.Sleep(50 * time.Millisecond)
	noWireFrame(t, bConn)
	if srv.Lobby().Count() != 1 {
		t.Fatalf("lobby count = %d, want 1", srv.Lobby().Count())
	}
}

func TestReconnectEvictsOldSession(t *testing.T) {
	srv := newTestServer()
	alice, bob := newTestKeyPair(t), newTestKeyPair(t)

	_, bConn, _ := joinSession(t, srv, bob)

	first, _, _ := joinSession(t, srv, alice)
	waitForKind(t, bConn, protocol.KindLobbyUpdate) // alice joined

	second, _, snap := joinSession(t, srv, alice)
	if len(snap.Users) != 1 || snap.Users[0].PublicKey != bob.Public.Hex() {
		t.Fatalf("snapshot = %v, want [bob] without stale self entry", snap.Users)
	}

	waitForState(t, first, stateClosed)
	if second.State() != stateActive {
		t.Fatalf("replacement state = %v, want active", second.State())
	}
	if srv.Lobby().Count() != 2 {
		t.Fatalf("lobby count = %d, want 2", srv.Lobby().Count())
	}
	// Membership never changed, so bob sees no delta for the replacement.
	time.Sleep(50 * time.Millisecond)
	noWireFrame(t, bConn)
}

func TestStateTransitionTable(t *testing.T) {
	srv := newTestServer()
	sess := newSession(srv, newFakeConn())

	if err := sess.transition(stateActive); err == nil {
		t.Fatal("connecting to active was accepted")
	}
	if err := sess.transition(stateAuthenticated); err != nil {
		t.Fatalf("connecting to authenticated rejected: %v", err)
	}
	if err := sess.transition(stateClosed); err != nil {
		t.Fatalf("authenticated to closed rejected: %v", err)
	}
	// Closed is terminal.
	for _, to := range []sessionState{stateConnecting, stateAuthenticated, stateActive} {
		if err := sess.transition(to); err == nil {
			t.Fatalf("closed to %v was accepted", to)
		}
	}
}

func noWireFrame(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case data := <-conn.out:
		t.Fatalf("unexpected wire frame: %s", data)
	default:
	}
}
