package backend

import (
	"context"
	"sync"
	"time"

	"github.com/relaycode/relayd/internal/wire"
)

// ScriptStep is one queued event a MockBackend emits after an optional
// delay, used to drive deterministic end-to-end tests.
type ScriptStep struct {
	Event wire.Event
	Delay time.Duration
}

// MockBackend replays a fixed script of events on every Send call. It never
// talks to a real process; it exists so the rest of the daemon can be
// tested without one.
type MockBackend struct {
	fanout *fanout

	mu           sync.Mutex
	script       []ScriptStep
	resumeHandle string
	shutDown     bool
}

// NewMockBackend returns a backend that replays script on every Send.
func NewMockBackend(script []ScriptStep) *MockBackend {
	return &MockBackend{fanout: newFanout(), script: script}
}

// SetResumeHandle fixes the value ResumeHandle reports, for tests that
// exercise the resume-handle surface.
func (m *MockBackend) SetResumeHandle(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeHandle = handle
}

func (m *MockBackend) Send(ctx context.Context, input string) error {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return ErrShutdown
	}
	script := m.script
	m.mu.Unlock()

	go func() {
		for _, step := range script {
			if step.Delay > 0 {
				select {
				case <-time.After(step.Delay):
				case <-ctx.Done():
					return
				}
			}
			m.fanout.emit(step.Event)
		}
	}()
	return nil
}

func (m *MockBackend) Subscribe(ctx context.Context) (<-chan wire.Event, func()) {
	return m.fanout.subscribe()
}

// RespondPermission is a no-op for MockBackend: test scripts decide their
// own behavior ahead of time and do not block on a live approval.
func (m *MockBackend) RespondPermission(requestID string, approved bool) error {
	return nil
}

func (m *MockBackend) ResumeHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeHandle
}

func (m *MockBackend) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return nil
	}
	m.shutDown = true
	m.mu.Unlock()
	m.fanout.closeAll()
	return nil
}
