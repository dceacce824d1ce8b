// Package wireserver implements the Client Protocol Endpoint: one
// websocket connection per client, dispatching the inbound message
// grammar and forwarding event-log deliveries for every session the
// connection is subscribed to. It also exposes the synchronous
// historical-query side-channel as a plain HTTP API.
package wireserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/relaycode/relayd/internal/eventlog"
	"github.com/relaycode/relayd/internal/lifecycle"
	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the Session Manager, Event Log, and Lifecycle Manager to
// an HTTP router serving the /ws socket and the /api/* side-channel.
type Server struct {
	sessions  *session.Manager
	log       *eventlog.EventLog
	lifecycle *lifecycle.Manager
	router    *mux.Router
	http      *http.Server
}

// New builds a Server and registers its routes on a fresh router.
func New(sessions *session.Manager, log *eventlog.EventLog, lc *lifecycle.Manager) *Server {
	s := &Server{sessions: sessions, log: log, lifecycle: lc, router: mux.NewRouter()}
	s.routes()
	return s
}

// Router exposes the underlying router, e.g. for tests using httptest.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/messages", s.handleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/resume_handle", s.handleResumeHandle).Methods(http.MethodGet)
}

// ListenAndServe starts the HTTP server on addr, blocking until it stops.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	logging.Logger.Info().Str("addr", addr).Msg("wire server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func newClientID() string {
	return ulid.Make().String()
}
