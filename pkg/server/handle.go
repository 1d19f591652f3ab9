package server

import (
	"errors"
	"sync"

	"driftchat/pkg/identity"
)

var (
	errHandleClosed = errors.New("server: handle retired")
	errSendFull     = errors.New("server: outbound buffer full")
)

// Handle represents one live connection in the lobby: the authenticated
// identity plus the connection's outbound frame channel. Direct pushes and
// lobby broadcasts share the same enqueue primitive, so they share ordering
// and backpressure discipline.
//
// A handle is retired exactly once; after retirement every enqueue fails
// softly and the owning session tears down.
type Handle struct {
	id         identity.PublicKey
	send       chan []byte
	done       chan struct{}
	retireOnce sync.Once
	remote     string
}

func newHandle(id identity.PublicKey, buffer int, remote string) *Handle {
	return &Handle{
		id:     id,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		remote: remote,
	}
}

// Identity returns the authenticated identity bound to this handle.
func (h *Handle) Identity() identity.PublicKey { return h.id }

// Retire marks the handle dead. Idempotent.
func (h *Handle) Retire() {
	h.retireOnce.Do(func() { close(h.done) })
}

// Retired reports whether the handle has been retired.
func (h *Handle) Retired() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// enqueue places an encoded frame on the outbound channel. It never blocks:
// a retired handle returns errHandleClosed and a full buffer returns
// errSendFull. Both are soft failures for callers.
func (h *Handle) enqueue(frame []byte) error {
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}
	select {
	case h.send <- frame:
		return nil
	case <-h.done:
		return errHandleClosed
	default:
		return errSendFull
	}
}
