// Package session implements the Session Manager: creation, listing,
// ownership/subscriber bookkeeping, input routing, and removal for the
// daemon's runtime conversations.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaycode/relayd/internal/aggregator"
	"github.com/relaycode/relayd/internal/backend"
	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/wire"
)

// BackendFactory constructs the backend for a freshly created session.
type BackendFactory func(sessionID string) (backend.Backend, error)

// Manager owns the session-id -> Session mapping. The top-level lock
// guards only mapping membership; all other session state is guarded by
// each Session's own mutex, so a slow operation on one session never
// blocks List or an operation on another session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	log        *eventlog.EventLog
	store      *historystore.Store
	newBackend BackendFactory
}

// NewManager returns a Manager that durably logs through log and persists
// aggregated messages through store, constructing backends via newBackend.
func NewManager(log *eventlog.EventLog, store *historystore.Store, newBackend BackendFactory) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		log:        log,
		store:      store,
		newBackend: newBackend,
	}
}

// Create mints a fresh session owned and solely subscribed by ownerID.
func (m *Manager) Create(ctx context.Context, name, ownerID string) (string, error) {
	id := ulid.Make().String()

	b, err := m.newBackend(id)
	if err != nil {
		return "", fmt.Errorf("session: construct backend: %w", err)
	}

	agg := aggregator.New(id, m.store)
	pumpCtx, cancel := context.WithCancel(context.Background())
	sess := newSession(id, name, ownerID, b, agg, cancel)

	if err := m.store.SaveSession(historystore.Session{
		ID:             id,
		Name:           name,
		State:          historystore.StateIdle,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.CreatedAt,
	}); err != nil {
		cancel()
		b.Shutdown(context.Background())
		return "", fmt.Errorf("session: persist new session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if _, err := m.log.Publish(id, wire.NewSessionCreated(id)); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to publish session-created event")
	}

	go m.pump(pumpCtx, sess)

	return id, nil
}

// List returns a snapshot of every session. It must never block
// on an in-flight backend send: it only ever takes the top-level read
// lock plus one brief per-session lock to clone summary fields.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.summary())
	}
	return out
}

// GetHistoricalSession reads the persisted metadata record for id,
// available even after the runtime session has been removed.
func (m *Manager) GetHistoricalSession(id string) (historystore.Session, error) {
	return m.store.GetSession(id)
}

// HistoryStore exposes the underlying History Store for components (the
// historical-query side-channel) that need operations beyond what the
// Session Manager wraps.
func (m *Manager) HistoryStore() *historystore.Store {
	return m.store
}

// EventLog exposes the underlying Event Log for components (the Client
// Protocol Endpoint's event pump) that need to subscribe directly.
func (m *Manager) EventLog() *eventlog.EventLog {
	return m.log
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// WithSession acquires exclusive access to one session and runs f against
// it, returning f's result. f must not block on backend I/O while the
// session is locked.
func WithSession[T any](m *Manager, id string, f func(*Session) (T, error)) (T, error) {
	var zero T
	s, err := m.get(id)
	if err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return f(s)
}

// SendInput appends a user-input event to the log and hands it to the
// backend, rejecting the call while the session is waiting on a
// permission response or has reached a terminal state.
func (m *Manager) SendInput(ctx context.Context, id, content string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch s.State {
	case historystore.StateWaitingPermission:
		s.mu.Unlock()
		return fmt.Errorf("%w: session is waiting on a permission response", ErrInvalidState)
	case historystore.StateFinished, historystore.StateFailed:
		s.mu.Unlock()
		return fmt.Errorf("%w: session has reached a terminal state", ErrInvalidState)
	}
	s.LastActivity = time.Now().Unix()
	b := s.backend
	s.mu.Unlock()

	if _, err := m.log.Publish(id, wire.NewUserInput(id, content)); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to publish user-input event")
	}
	s.aggMu.Lock()
	err = s.aggregator.Handle(wire.NewUserInput(id, content))
	s.aggMu.Unlock()
	if err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to persist user-input message")
	}

	if err := b.Send(ctx, content); err != nil {
		return fmt.Errorf("session: backend send: %w", err)
	}

	s.mu.Lock()
	if s.State == historystore.StateIdle {
		s.State = historystore.StateProcessing
	}
	newState := s.State
	s.mu.Unlock()
	m.publishStateChanged(id, newState)

	return nil
}

// RespondPermission forwards a human's decision to the backend, moving the
// session to Processing on approval or back to Idle on denial.
func (m *Manager) RespondPermission(id, requestID string, approved bool) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.State != historystore.StateWaitingPermission {
		s.mu.Unlock()
		return fmt.Errorf("%w: no permission request is pending", ErrInvalidState)
	}
	b := s.backend
	s.pendingPermissionID = ""
	if approved {
		s.State = historystore.StateProcessing
	} else {
		s.State = historystore.StateIdle
	}
	newState := s.State
	s.mu.Unlock()

	if err := b.RespondPermission(requestID, approved); err != nil {
		return fmt.Errorf("session: backend respond permission: %w", err)
	}
	m.publishStateChanged(id, newState)
	return nil
}

// Remove drains the session's backend, publishes a session-removed event,
// and removes the mapping. It is idempotent.
func (m *Manager) Remove(ctx context.Context, id string, reason wire.RemovedReason) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.mu.Lock()
	s.cancelPump()
	s.aggregator.Abandon()
	b := s.backend
	s.mu.Unlock()

	if handle := b.ResumeHandle(); handle != "" {
		if persisted, err := m.store.GetSession(id); err == nil {
			persisted.ResumeHandle = handle
			if err := m.store.UpdateSession(persisted); err != nil {
				logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to persist resume handle on removal")
			}
		}
	}

	if err := b.Shutdown(ctx); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("backend shutdown returned an error")
	}

	if _, err := m.log.Publish(id, wire.NewSessionRemoved(id, reason)); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to publish session-removed event")
	}
	return nil
}

// SessionsOwnedBy returns the ids of sessions clientID currently owns.
func (m *Manager) SessionsOwnedBy(clientID string) []string {
	var out []string
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if s.Ownership.OwnerID == clientID {
			out = append(out, s.ID)
		}
		s.mu.Unlock()
	}
	return out
}

// SessionsSubscribedBy returns the ids of sessions clientID currently
// subscribes to.
func (m *Manager) SessionsSubscribedBy(clientID string) []string {
	var out []string
	for _, s := range m.snapshot() {
		s.mu.Lock()
		_, subscribed := s.Ownership.Subscribers[clientID]
		s.mu.Unlock()
		if subscribed {
			out = append(out, s.ID)
		}
	}
	return out
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AddSubscriber adds clientID to the session's subscriber set.
func (m *Manager) AddSubscriber(id, clientID string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Ownership.Subscribers[clientID]; !ok {
		s.Ownership.Subscribers[clientID] = time.Now().UnixNano()
	}
	return nil
}

// RemoveSubscriber removes clientID from the session's subscriber set and
// reports whether any subscribers remain and whether clientID was the
// owner at the time of removal.
func (m *Manager) RemoveSubscriber(id, clientID string) (subscribersRemain bool, wasOwner bool, err error) {
	s, err := m.get(id)
	if err != nil {
		return false, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wasOwner = s.Ownership.OwnerID == clientID
	delete(s.Ownership.Subscribers, clientID)
	return len(s.Ownership.Subscribers) > 0, wasOwner, nil
}

// TransferOwnership atomically makes newOwnerID, an existing subscriber,
// the session's owner.
func (m *Manager) TransferOwnership(id, newOwnerID string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Ownership.Subscribers[newOwnerID]; !ok {
		return fmt.Errorf("session: %s is not a subscriber of %s", newOwnerID, id)
	}
	s.Ownership.OwnerID = newOwnerID
	s.Ownership.OwnedSince = time.Now().Unix()
	return nil
}

// TransferOwnershipToEarliestSubscriber makes the longest-standing current
// subscriber the new owner and reports who was picked. It reports ok=false
// if the session has no subscribers left to promote.
func (m *Manager) TransferOwnershipToEarliestSubscriber(id string) (newOwnerID string, ok bool, err error) {
	s, err := m.get(id)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	earliest, found := s.earliestSubscriberLocked()
	if !found {
		return "", false, nil
	}
	s.Ownership.OwnerID = earliest
	s.Ownership.OwnedSince = time.Now().Unix()
	return earliest, true, nil
}

// ResumeHandle returns the opaque backend token for resuming id, preferring
// a live backend's current value and falling back to the last value
// persisted for a removed session. It reports ErrNotResumable if the
// session never produced one.
func (m *Manager) ResumeHandle(id string) (string, error) {
	if s, err := m.get(id); err == nil {
		s.mu.Lock()
		b := s.backend
		s.mu.Unlock()
		if handle := b.ResumeHandle(); handle != "" {
			return handle, nil
		}
	}
	persisted, err := m.store.GetSession(id)
	if err != nil {
		return "", err
	}
	if persisted.ResumeHandle == "" {
		return "", ErrNotResumable
	}
	return persisted.ResumeHandle, nil
}

// Rename sets a session's human-readable name, persists it, and publishes a
// session-renamed event so every subscriber's listing stays current.
func (m *Manager) Rename(id, name string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Name = name
	s.mu.Unlock()

	persisted, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	persisted.Name = name
	if err := m.store.UpdateSession(persisted); err != nil {
		return fmt.Errorf("session: persist rename: %w", err)
	}

	if _, err := m.log.Publish(id, wire.NewSessionRenamed(id, name)); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to publish session-renamed event")
	}
	return nil
}

// Fork creates a new session owned by ownerID, seeded with sourceID's
// persisted messages up to and including uptoMessageID (or the full
// history, if uptoMessageID is zero), and returns the new session's id. The
// new session starts with a fresh backend; it does not replay the source's
// conversation into the backend itself, only into its durable history.
func (m *Manager) Fork(ctx context.Context, sourceID string, uptoMessageID int64, ownerID string) (string, error) {
	source, err := m.store.GetSession(sourceID)
	if err != nil {
		return "", err
	}
	var messages []historystore.Message
	for offset := 0; ; {
		page, total, err := m.store.GetMessages(sourceID, historystore.MaxMessagesLimit, offset, "")
		if err != nil {
			return "", err
		}
		messages = append(messages, page...)
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}

	name := source.Name
	if name == "" {
		name = sourceID
	}
	newID, err := m.Create(ctx, name+" (fork)", ownerID)
	if err != nil {
		return "", err
	}

	for _, msg := range messages {
		if uptoMessageID > 0 && msg.ID > uptoMessageID {
			break
		}
		sourceMessageID := msg.ID
		msg.ID = 0
		msg.SessionID = newID
		if _, err := m.store.SaveMessage(msg); err != nil {
			logging.Logger.Warn().Str("session_id", newID).Int64("source_message_id", sourceMessageID).Err(err).Msg("failed to copy message while forking session")
		}
	}

	return newID, nil
}

func (m *Manager) publishStateChanged(id string, state historystore.RunState) {
	if _, err := m.log.Publish(id, wire.NewStateChanged(id, string(state))); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to publish state-changed event")
	}

	persisted, err := m.store.GetSession(id)
	if err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to load session before persisting state transition")
		return
	}
	persisted.State = state
	if err := m.store.UpdateSession(persisted); err != nil {
		logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to persist state transition")
	}
}
