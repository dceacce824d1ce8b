// Package backend implements the Backend contract: the only component that
// talks to the assistant process. It ships two implementations — a
// scriptable MockBackend for tests, and a PTYBackend that spawns and
// supervises a real assistant subprocess.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/relaycode/relayd/internal/wire"
)

// ErrShutdown is returned by Send once a backend has been shut down.
var ErrShutdown = errors.New("backend: already shut down")

// Backend is the opaque adapter a Session uses to talk to its assistant
// process. Exactly one exists per session for its lifetime.
type Backend interface {
	// Send submits user input. It returns once input is queued, not once
	// the assistant has produced a response.
	Send(ctx context.Context, input string) error

	// Subscribe returns a lossy live stream of fine-grained events in
	// emission order, plus a cancel function that releases it.
	Subscribe(ctx context.Context) (<-chan wire.Event, func())

	// RespondPermission unblocks a permission wait the backend raised via
	// a permission-request event.
	RespondPermission(requestID string, approved bool) error

	// ResumeHandle returns the opaque token the backend can later use to
	// resume this conversation, or "" if it never produced one.
	ResumeHandle() string

	// Shutdown terminates the backend gracefully. After it returns,
	// Subscribe yields no further events.
	Shutdown(ctx context.Context) error
}

// fanout is shared subscriber bookkeeping for broadcasting backend-emitted
// events: a bounded channel per subscriber, best-effort delivery, no
// blocking on a slow reader.
type fanout struct {
	mu     sync.Mutex
	subs   map[uint64]chan wire.Event
	nextID uint64
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uint64]chan wire.Event)}
}

func (f *fanout) subscribe() (<-chan wire.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan wire.Event, 128)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (f *fanout) emit(ev wire.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
