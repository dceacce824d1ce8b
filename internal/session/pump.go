package session

import (
	"context"
	"time"

	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/wire"
)

// pump is the sole consumer of a session's backend event stream: it
// durably publishes every event, feeds it to the aggregator in order, and
// drives the run-state transitions that are implicit in the event grammar
// (permission-request, turn-complete). It runs for the session's entire
// lifetime until Remove cancels it.
func (m *Manager) pump(ctx context.Context, s *Session) {
	ch, cancel := s.backend.Subscribe(ctx)
	defer cancel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				select {
				case <-ctx.Done():
					return
				default:
				}
				m.handleBackendFailure(s.ID)
				return
			}
			m.handleBackendEvent(s, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleBackendEvent(s *Session, ev wire.Event) {
	if _, err := m.log.Publish(s.ID, ev); err != nil {
		logging.Logger.Warn().Str("session_id", s.ID).Err(err).Msg("failed to publish backend event")
	}

	s.aggMu.Lock()
	err := s.aggregator.Handle(ev)
	s.aggMu.Unlock()
	if err != nil {
		logging.Logger.Warn().Str("session_id", s.ID).Str("event_kind", string(ev.Kind)).Err(err).Msg("failed to persist aggregated message")
	}

	switch ev.Kind {
	case wire.EventPermissionRequest:
		s.mu.Lock()
		if s.State == historystore.StateProcessing {
			s.State = historystore.StateWaitingPermission
			s.pendingPermissionID = ev.PermissionRequest.RequestID
		}
		newState := s.State
		s.mu.Unlock()
		m.publishStateChanged(s.ID, newState)

	case wire.EventTurnComplete:
		s.mu.Lock()
		if s.State == historystore.StateProcessing {
			s.State = historystore.StateIdle
		}
		s.LastActivity = time.Now().Unix()
		newState := s.State
		s.mu.Unlock()
		m.publishStateChanged(s.ID, newState)
	}
}

// handleBackendFailure is invoked when the backend's event channel closes
// without Remove having cancelled the pump first, i.e. the backend ended its
// own event stream. This is the "fatal error" transition of the run-state
// machine.
func (m *Manager) handleBackendFailure(id string) {
	s, err := m.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.State = historystore.StateFailed
	s.mu.Unlock()

	logging.Logger.Error().Str("session_id", id).Msg("backend gave up, session marked Failed")
	m.publishStateChanged(id, historystore.StateFailed)

	persisted, err := m.store.GetSession(id)
	if err == nil {
		persisted.ErrorMessage = "assistant process exited and could not be restarted"
		if err := m.store.UpdateSession(persisted); err != nil {
			logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to persist failure error message")
		}
	}
}
