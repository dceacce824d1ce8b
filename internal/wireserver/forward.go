package wireserver

import (
	"context"

	"github.com/relaycode/relayd/internal/wire"
)

// startForwarding begins streaming live events for sessionID to this
// connection, if it is not already doing so.
func (c *conn) startForwarding(sessionID string) {
	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(c.ctx)
	c.subs[sessionID] = cancel
	c.mu.Unlock()

	go c.forwardSession(subCtx, sessionID)
}

// stopForwarding cancels sessionID's forwarding goroutine, if any.
func (c *conn) stopForwarding(sessionID string) {
	c.mu.Lock()
	cancel, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// forwardSession streams live deliveries for sessionID to the client until
// ctx is cancelled or the event log closes the subscription. A lag signal
// resubscribes from the reported offset instead of ending the stream.
func (c *conn) forwardSession(ctx context.Context, sessionID string) {
	ch, cancel := c.log.Subscribe(ctx, sessionID)
	defer func() { cancel() }()

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return
			}
			if d.Event != nil {
				c.enqueue(c.translateEvent(*d.Event))
				continue
			}
			c.enqueue(wire.NewLaggedMsg(sessionID, d.LaggedFrom))
			cancel()
			ch, cancel = c.log.SubscribeFrom(ctx, sessionID, d.LaggedFrom)
		case <-ctx.Done():
			return
		}
	}
}

// translateEvent maps one Event Log record onto the server message it
// produces for this connection. Ownership-transfer carries a per-client
// you_are_owner flag, which is why this is a conn method rather than a
// free function.
func (c *conn) translateEvent(ev wire.Event) any {
	switch ev.Kind {
	case wire.EventStateChanged:
		return wire.NewSessionStateChangedMsg(ev.SessionID, ev.StateChanged.State)
	case wire.EventSessionCreated:
		return wire.NewSessionCreatedMsg(ev.SessionID)
	case wire.EventSessionRemoved:
		return wire.NewSessionRemovedMsg(ev.SessionID, ev.SessionRemoved.Reason)
	case wire.EventOwnershipTransferred:
		return wire.NewOwnershipTransferredMsg(ev.SessionID, ev.OwnershipTransferred.NewOwnerID, ev.OwnershipTransferred.NewOwnerID == c.id)
	case wire.EventSessionRenamed:
		return wire.NewSessionRenamedMsg(ev.SessionID, ev.SessionRenamed.Name)
	default:
		// text_delta, tool_use_start, tool_input_delta, tool_result,
		// turn_complete, permission_request, and user_input (mirrored to
		// every subscriber, the sender included) all travel as Assistant
		// frames.
		return wire.NewAssistantMsg(ev)
	}
}
