// Package lifecycle reacts to client disconnects: for every session the
// departing client subscribed to, it either transfers ownership to another
// subscriber or removes the session once its subscriber set is empty.
package lifecycle

import (
	"context"

	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/session"
	"github.com/relaycode/relayd/internal/wire"
)

// Manager drives the disconnect reaction described above. It has no state
// of its own: every decision is read from and written back to the Session
// Manager.
type Manager struct {
	sessions *session.Manager
	log      *eventlog.EventLog
}

// New returns a lifecycle Manager acting on sessions through sm and
// publishing its decisions through log.
func New(sm *session.Manager, log *eventlog.EventLog) *Manager {
	return &Manager{sessions: sm, log: log}
}

// HandleClientDisconnect applies the disconnect rule to every session
// clientID was subscribed to: ownership transfer if subscribers remain,
// removal otherwise. The same logic applies whether the client's socket
// actually closed or it unsubscribed from everything explicitly.
func (m *Manager) HandleClientDisconnect(ctx context.Context, clientID string) {
	for _, sessionID := range m.sessions.SessionsSubscribedBy(clientID) {
		m.handleOne(ctx, sessionID, clientID)
	}
}

// HandleSessionUnsubscribe applies the same ownership-transfer-or-removal
// rule as a disconnect, but scoped to a single session an explicit
// Unsubscribe dropped rather than every session a vanished client held.
func (m *Manager) HandleSessionUnsubscribe(ctx context.Context, sessionID, clientID string) {
	m.handleOne(ctx, sessionID, clientID)
}

func (m *Manager) handleOne(ctx context.Context, sessionID, clientID string) {
	subscribersRemain, wasOwner, err := m.sessions.RemoveSubscriber(sessionID, clientID)
	if err != nil {
		logging.Logger.Warn().Str("session_id", sessionID).Str("client_id", clientID).Err(err).Msg("failed to remove departing subscriber")
		return
	}

	if !subscribersRemain {
		if err := m.sessions.Remove(ctx, sessionID, wire.ReasonOwnerDisconnected); err != nil {
			logging.Logger.Warn().Str("session_id", sessionID).Err(err).Msg("failed to remove session with no subscribers left")
		}
		return
	}

	if !wasOwner {
		return
	}

	newOwnerID, ok, err := m.sessions.TransferOwnershipToEarliestSubscriber(sessionID)
	if err != nil || !ok {
		if err != nil {
			logging.Logger.Warn().Str("session_id", sessionID).Err(err).Msg("failed to transfer ownership after owner disconnect")
		}
		return
	}

	if _, err := m.log.Publish(sessionID, wire.NewOwnershipTransferred(sessionID, newOwnerID)); err != nil {
		logging.Logger.Warn().Str("session_id", sessionID).Err(err).Msg("failed to publish ownership-transferred event")
	}
}
