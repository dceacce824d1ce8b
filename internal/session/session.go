package session

import (
	"sync"
	"time"

	"github.com/relaycode/relayd/internal/aggregator"
	"github.com/relaycode/relayd/internal/backend"
	"github.com/relaycode/relayd/internal/historystore"
)

// Ownership tracks who may act on a session and who is watching it.
// Subscribers maps client id to its join time (unix nanoseconds), which
// gives the Lifecycle Manager a deterministic "earliest-joined" candidate
// when the owner disconnects.
type Ownership struct {
	OwnerID     string
	Subscribers map[string]int64
	OwnedSince  int64
}

// Session is one runtime conversation: exactly one backend and one
// aggregator for its entire lifetime. Everything but top-level map
// membership is guarded by its own mutex so a slow backend send never
// blocks an operation on another session.
type Session struct {
	mu sync.Mutex

	ID           string
	Name         string
	State        historystore.RunState
	CreatedAt    int64
	LastActivity int64
	Ownership    Ownership

	backend    backend.Backend
	aggregator *aggregator.Aggregator
	// aggMu serializes aggregator.Handle calls between the event pump and
	// SendInput's immediate user-input emission, independent of mu so
	// aggregation I/O never blocks ownership/state reads.
	aggMu sync.Mutex

	pendingPermissionID string

	cancelPump func()
}

func newSession(id, name, ownerID string, b backend.Backend, agg *aggregator.Aggregator, cancelPump func()) *Session {
	now := time.Now().Unix()
	return &Session{
		ID:           id,
		Name:         name,
		State:        historystore.StateIdle,
		CreatedAt:    now,
		LastActivity: now,
		Ownership: Ownership{
			OwnerID:     ownerID,
			Subscribers: map[string]int64{ownerID: time.Now().UnixNano()},
			OwnedSince:  now,
		},
		backend:    b,
		aggregator: agg,
		cancelPump: cancelPump,
	}
}

// earliestSubscriberLocked returns the client id that joined s's subscriber set
// first, and whether any subscriber exists at all. Callers must hold s's
// lock.
func (s *Session) earliestSubscriberLocked() (string, bool) {
	var earliestID string
	var earliestAt int64
	first := true
	for id, joinedAt := range s.Ownership.Subscribers {
		if first || joinedAt < earliestAt {
			earliestID, earliestAt, first = id, joinedAt, false
		}
	}
	return earliestID, !first
}

// Summary is a lock-free read-only snapshot of a session for listings.
type Summary struct {
	ID              string
	Name            string
	State           historystore.RunState
	CreatedAt       int64
	LastActivity    int64
	SubscriberCount int
	OwnerID         string
}

func (s *Session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:              s.ID,
		Name:            s.Name,
		State:           s.State,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		SubscriberCount: len(s.Ownership.Subscribers),
		OwnerID:         s.Ownership.OwnerID,
	}
}

// Backend returns the session's backend. Safe to call without the
// session's lock: the backend pointer never changes after creation.
func (s *Session) Backend() backend.Backend {
	return s.backend
}
