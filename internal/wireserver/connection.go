package wireserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/lifecycle"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/session"
	"github.com/relaycode/relayd/internal/wire"
)

// conn is one connected client: its socket, its client id, and the set of
// sessions it currently subscribes to (each with its own event-forwarding
// goroutine so Unsubscribe can stop one without disturbing the others).
type conn struct {
	id string
	ws *websocket.Conn

	sessions  *session.Manager
	log       *eventlog.EventLog
	lifecycle *lifecycle.Manager

	ctx    context.Context
	cancel context.CancelFunc

	send chan any

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	source, identity := authContext(r)
	if source == wire.AuthAnonymous {
		http.Error(w, "anonymous connections are not accepted", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:        newClientID(),
		ws:        ws,
		sessions:  s.sessions,
		log:       s.log,
		lifecycle: s.lifecycle,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan any, 256),
		subs:      make(map[string]context.CancelFunc),
	}

	logging.Logger.Info().Str("client_id", c.id).Str("auth_source", string(source)).Msg("client connected")

	go c.writePump()
	c.enqueue(wire.NewAuthContextMsg(source, identity))

	c.readPump()
}

// enqueue hands msg to the write pump without blocking the caller; a
// connection too slow to drain its own send buffer is disconnected rather
// than allowed to stall event forwarding for every other client.
func (c *conn) enqueue(msg any) {
	select {
	case c.send <- msg:
	default:
		logging.Logger.Warn().Str("client_id", c.id).Msg("client send buffer full, disconnecting")
		c.cancel()
	}
}

func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeClientMessage(data)
		if err != nil {
			c.enqueue(wire.NewErrorMsg("", wire.ErrCodeBadRequest, err.Error()))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) teardown() {
	c.mu.Lock()
	for _, cancel := range c.subs {
		cancel()
	}
	c.subs = map[string]context.CancelFunc{}
	c.mu.Unlock()

	c.cancel()
	c.lifecycle.HandleClientDisconnect(context.Background(), c.id)
	logging.Logger.Info().Str("client_id", c.id).Msg("client disconnected")
}
