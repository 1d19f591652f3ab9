package server

import (
	"log/slog"
	"sync"

	"driftchat/pkg/identity"
	"driftchat/pkg/protocol"
)

// Lobby is the authoritative mapping of identity to live connection handle.
// It is the single piece of cross-session shared state; all mutation goes
// through Register/Deregister. Reads (lookups for routing) take the read
// lock only, so routing does not block on unrelated joins and leaves.
//
// Join/leave deltas are enqueued while the write lock is held, which gives
// every observer the deltas in registry-acceptance order (FIFO per outbound
// channel). Enqueueing never blocks: a slow consumer has its handle retired
// instead of stalling the lobby.
type Lobby struct {
	mu      sync.RWMutex
	entries map[identity.PublicKey]*Handle
	metrics *Metrics
}

// NewLobby creates an empty lobby.
func NewLobby(m *Metrics) *Lobby {
	if m == nil {
		m = NewMetrics()
	}
	return &Lobby{
		entries: make(map[identity.PublicKey]*Handle),
		metrics: m,
	}
}

// Register inserts the identity → handle mapping and broadcasts a join
// delta to every other member. Duplicate identities follow the
// evict-and-replace policy: the newest connection wins, the previous handle
// is retired, and no join delta is sent because lobby membership did not
// change. The returned slice is the membership snapshot (excluding the new
// identity) at the moment of acceptance, for the post-auth lobby frame.
func (l *Lobby) Register(id identity.PublicKey, h *Handle) (others []identity.PublicKey, replaced *Handle) {
	l.mu.Lock()
	replaced = l.entries[id]
	l.entries[id] = h

	others = make([]identity.PublicKey, 0, len(l.entries)-1)
	for member := range l.entries {
		if member != id {
			others = append(others, member)
		}
	}

	if replaced == nil {
		l.broadcastDeltaLocked(&protocol.LobbyUpdate{
			Type:   protocol.KindLobbyUpdate,
			Joined: []protocol.User{{PublicKey: id.Hex()}},
			Left:   []string{},
		}, id)
		l.metrics.LobbyJoins.Add(1)
	}
	l.mu.Unlock()

	if replaced != nil {
		// Retire outside the lock; the evicted session drains and closes.
		replaced.Retire()
		slog.Info("lobby: connection replaced", "identity", id.Short(), "old", replaced.remote, "new", h.remote)
	}
	return others, replaced
}

// Deregister removes the mapping, but only if it still points at h (an
// evicted handle must not remove its replacement). Idempotent: removing an
// absent identity is a no-op and emits no leave delta. A leave delta is
// broadcast only when removal actually changed lobby state, which keeps
// concurrent disconnect paths from emitting duplicate leaves.
func (l *Lobby) Deregister(id identity.PublicKey, h *Handle) bool {
	l.mu.Lock()
	cur, ok := l.entries[id]
	if !ok || cur != h {
		l.mu.Unlock()
		return false
	}
	delete(l.entries, id)
	l.broadcastDeltaLocked(&protocol.LobbyUpdate{
		Type:   protocol.KindLobbyUpdate,
		Joined: []protocol.User{},
		Left:   []string{id.Hex()},
	}, id)
	l.metrics.LobbyLeaves.Add(1)
	l.mu.Unlock()
	return true
}

// Lookup returns the live handle for an identity. The handle may be
// deregistered concurrently after the call returns; push attempts must
// treat a retired handle as a soft failure.
func (l *Lobby) Lookup(id identity.PublicKey) (*Handle, bool) {
	l.mu.RLock()
	h, ok := l.entries[id]
	l.mu.RUnlock()
	return h, ok
}

// Count returns the current lobby size.
func (l *Lobby) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// RetireAll retires every registered handle. Used during server shutdown.
func (l *Lobby) RetireAll() {
	l.mu.RLock()
	handles := make([]*Handle, 0, len(l.entries))
	for _, h := range l.entries {
		handles = append(handles, h)
	}
	l.mu.RUnlock()
	for _, h := range handles {
		h.Retire()
	}
}

// broadcastDeltaLocked delivers a presence delta to every member except
// exclude. Callers hold the write lock; enqueue is non-blocking so holding
// the lock here is bounded. A member that cannot accept the delta (buffer
// full) is retired rather than allowed to fall behind the lobby state.
func (l *Lobby) broadcastDeltaLocked(delta *protocol.LobbyUpdate, exclude identity.PublicKey) {
	frame, err := protocol.Encode(delta)
	if err != nil {
		slog.Error("lobby: encode delta", "err", err)
		return
	}
	for member, h := range l.entries {
		if member == exclude {
			continue
		}
		if err := h.enqueue(frame); err != nil {
			l.metrics.FramesDropped.Add(1)
			slog.Debug("lobby: delta not delivered", "to", member.Short(), "err", err)
			if err == errSendFull {
				h.Retire()
			}
		}
	}
	l.metrics.DeltasBroadcast.Add(1)
}
