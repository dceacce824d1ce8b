package wireserver

import (
	"context"
	"errors"

	"github.com/relaycode/relayd/internal/historystore"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/session"
	"github.com/relaycode/relayd/internal/wire"
)

func (c *conn) dispatch(msg any) {
	switch m := msg.(type) {
	case wire.CreateSessionMsg:
		c.handleCreateSession(m)
	case wire.SubscribeMsg:
		c.handleSubscribe(m)
	case wire.UnsubscribeMsg:
		c.handleUnsubscribe(m)
	case wire.InputMsg:
		c.handleInput(m)
	case wire.PermissionMsg:
		c.handlePermission(m)
	case wire.ListSessionsMsg:
		c.handleListSessions(m)
	case wire.KillSessionMsg:
		c.handleKillSession(m)
	case wire.RenameSessionMsg:
		c.handleRenameSession(m)
	case wire.ForkSessionMsg:
		c.handleForkSession(m)
	default:
		c.enqueue(wire.NewErrorMsg("", wire.ErrCodeBadRequest, "unrecognized message"))
	}
}

func (c *conn) handleCreateSession(m wire.CreateSessionMsg) {
	id, err := c.sessions.Create(c.ctx, m.Name, c.id)
	if err != nil {
		c.enqueue(wire.NewErrorMsg("", wire.ErrCodeInternal, err.Error()))
		return
	}
	c.startForwarding(id)
	c.enqueue(wire.NewSessionCreatedMsg(id))
}

func (c *conn) handleSubscribe(m wire.SubscribeMsg) {
	for _, id := range m.SessionIDs {
		if err := c.sessions.AddSubscriber(id, c.id); err != nil {
			c.enqueue(wire.NewErrorMsg(id, wire.ErrCodeNotFound, err.Error()))
			continue
		}

		var history []wire.HistoricalMessage
		if m.CatchUp {
			messages, _, err := c.sessions.HistoryStore().GetMessages(id, historystore.MaxMessagesLimit, 0, "")
			if err != nil {
				logging.Logger.Warn().Str("session_id", id).Err(err).Msg("failed to load catch-up history")
			}
			history = toHistoricalMessages(messages)
		}

		c.enqueue(wire.NewSubscribeAckMsg(id, history))
		c.startForwarding(id)
	}
}

func (c *conn) handleUnsubscribe(m wire.UnsubscribeMsg) {
	for _, id := range m.SessionIDs {
		c.stopForwarding(id)
		c.lifecycle.HandleSessionUnsubscribe(context.Background(), id, c.id)
	}
}

func (c *conn) handleInput(m wire.InputMsg) {
	if !c.subscribedTo(m.SessionID) {
		c.enqueue(wire.NewErrorMsg(m.SessionID, wire.ErrCodeBadRequest, "not subscribed to session"))
		return
	}
	if err := c.sessions.SendInput(c.ctx, m.SessionID, m.Content); err != nil {
		c.enqueue(wire.NewErrorMsg(m.SessionID, errCode(err), err.Error()))
	}
}

func (c *conn) handlePermission(m wire.PermissionMsg) {
	if !c.subscribedTo(m.SessionID) {
		c.enqueue(wire.NewErrorMsg(m.SessionID, wire.ErrCodeBadRequest, "not subscribed to session"))
		return
	}
	if err := c.sessions.RespondPermission(m.SessionID, m.RequestID, m.Approved); err != nil {
		c.enqueue(wire.NewErrorMsg(m.SessionID, errCode(err), err.Error()))
	}
}

func (c *conn) handleListSessions(m wire.ListSessionsMsg) {
	summaries := c.sessions.List()
	out := make([]wire.SessionSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, wire.SessionSummary{
			ID:              s.ID,
			Name:            s.Name,
			State:           string(s.State),
			OwnerID:         s.OwnerID,
			IsOwner:         s.OwnerID == c.id,
			SubscriberCount: s.SubscriberCount,
			CreatedAt:       s.CreatedAt,
			LastActivityAt:  s.LastActivity,
		})
	}
	c.enqueue(wire.NewSessionListMsg(m.RequestID, out))
}

func (c *conn) handleKillSession(m wire.KillSessionMsg) {
	if !c.subscribedTo(m.SessionID) {
		c.enqueue(wire.NewErrorMsg(m.SessionID, wire.ErrCodeBadRequest, "not subscribed to session"))
		return
	}
	if err := c.sessions.Remove(c.ctx, m.SessionID, wire.ReasonKilled); err != nil {
		c.enqueue(wire.NewErrorMsg(m.SessionID, wire.ErrCodeInternal, err.Error()))
	}
}

func (c *conn) handleRenameSession(m wire.RenameSessionMsg) {
	if !c.subscribedTo(m.SessionID) {
		c.enqueue(wire.NewErrorMsg(m.SessionID, wire.ErrCodeBadRequest, "not subscribed to session"))
		return
	}
	if err := c.sessions.Rename(m.SessionID, m.Name); err != nil {
		c.enqueue(wire.NewErrorMsg(m.SessionID, errCode(err), err.Error()))
	}
}

func (c *conn) handleForkSession(m wire.ForkSessionMsg) {
	if !c.subscribedTo(m.SessionID) {
		c.enqueue(wire.NewErrorMsg(m.SessionID, wire.ErrCodeBadRequest, "not subscribed to session"))
		return
	}
	newID, err := c.sessions.Fork(c.ctx, m.SessionID, m.UptoMessageID, c.id)
	if err != nil {
		c.enqueue(wire.NewErrorMsg(m.SessionID, errCode(err), err.Error()))
		return
	}
	c.startForwarding(newID)
	c.enqueue(wire.NewSessionForkedMsg(m.SessionID, newID))
}

func (c *conn) subscribedTo(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

func errCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, historystore.ErrNotFound):
		return wire.ErrCodeNotFound
	case errors.Is(err, session.ErrInvalidState):
		return wire.ErrCodeBadRequest
	default:
		return wire.ErrCodeInternal
	}
}

func toHistoricalMessages(messages []historystore.Message) []wire.HistoricalMessage {
	out := make([]wire.HistoricalMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, wire.HistoricalMessage{
			ID:           m.ID,
			SessionID:    m.SessionID,
			Role:         string(m.Role),
			Content:      m.Content,
			ToolName:     m.ToolName,
			InvocationID: m.InvocationID,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			CreatedAt:    m.CreatedAt,
		})
	}
	return out
}
