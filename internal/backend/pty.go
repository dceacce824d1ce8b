package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creack/pty"
	"github.com/google/uuid"
	gops "github.com/mitchellh/go-ps"
	"github.com/gorilla/mux"

	"github.com/relaycode/relayd/internal/logging"
	"github.com/relaycode/relayd/internal/permission"
	"github.com/relaycode/relayd/internal/wire"
)

// cliEvent is one NDJSON line the assistant process writes to its PTY's
// output, in a JSON-Lines subset of the event grammar §4.2 requires.
type cliEvent struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	InvocationID string `json:"invocation_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Output       string `json:"output,omitempty"`
	Error        bool   `json:"error,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// hookPermissionRequest is the body the assistant POSTs to the hook
// endpoint to raise a permission-request, advertised to the child process
// via the RELAYD_HOOK_ADDR environment variable.
type hookPermissionRequest struct {
	Tool    string `json:"tool"`
	Command string `json:"command"`
}

// PTYBackend spawns the external assistant under a pseudo-terminal and
// speaks its JSON-Lines event stream, respawning on unexpected exit with
// exponential backoff.
type PTYBackend struct {
	sessionID string
	command   []string
	workDir   string

	fanout *fanout
	waiter *permission.Waiter

	mu           sync.Mutex
	ptmx         *os.File
	cmd          *exec.Cmd
	resumeHandle string

	hookServer *http.Server
	hookAddr   string

	shuttingDown int32
	done         chan struct{}
}

// NewPTYBackend spawns command (argv[0] plus args) with workDir as its
// working directory and begins supervising it.
func NewPTYBackend(sessionID string, command []string, workDir string) (*PTYBackend, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("pty backend: empty command")
	}

	b := &PTYBackend{
		sessionID: sessionID,
		command:   command,
		workDir:   workDir,
		fanout:    newFanout(),
		waiter:    permission.NewWaiter(),
		done:      make(chan struct{}),
	}

	if err := b.startHookServer(); err != nil {
		return nil, fmt.Errorf("pty backend: start hook server: %w", err)
	}
	if err := b.spawn(); err != nil {
		b.hookServer.Close()
		return nil, fmt.Errorf("pty backend: spawn: %w", err)
	}

	go b.supervise()
	return b, nil
}

func (b *PTYBackend) startHookServer() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	router := mux.NewRouter()
	router.HandleFunc("/permission", b.handlePermissionHook).Methods(http.MethodPost)
	b.hookServer = &http.Server{Handler: router}
	b.hookAddr = "http://" + ln.Addr().String()
	go b.hookServer.Serve(ln)
	return nil
}

func (b *PTYBackend) handlePermissionHook(w http.ResponseWriter, r *http.Request) {
	var req hookPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reqID := uuid.NewString()
	b.fanout.emit(wire.NewPermissionRequest(b.sessionID, reqID, req.Tool, req.Command))

	resp, err := b.waiter.Await(r.Context(), permission.Request{ID: reqID, SessionID: b.sessionID, Tool: req.Tool, Command: req.Command})
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"approved": resp.Approved})
}

func (b *PTYBackend) spawn() error {
	cmd := exec.Command(b.command[0], b.command[1:]...)
	cmd.Dir = b.workDir
	cmd.Env = append(os.Environ(), "RELAYD_HOOK_ADDR="+b.hookAddr)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.ptmx = ptmx
	b.cmd = cmd
	b.mu.Unlock()

	go b.readLoop(ptmx)
	return nil
}

func (b *PTYBackend) readLoop(ptmx *os.File) {
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ce cliEvent
		if err := json.Unmarshal(line, &ce); err != nil {
			// Not a structured line; treat raw terminal output as an
			// incremental text delta rather than dropping it.
			b.fanout.emit(wire.NewTextDelta(b.sessionID, string(line)))
			continue
		}
		if ev, ok := b.toEvent(ce); ok {
			b.fanout.emit(ev)
		}
	}
}

func (b *PTYBackend) toEvent(ce cliEvent) (wire.Event, bool) {
	switch wire.EventKind(ce.Type) {
	case wire.EventTextDelta:
		return wire.NewTextDelta(b.sessionID, ce.Text), true
	case wire.EventToolUseStart:
		return wire.NewToolUseStart(b.sessionID, ce.InvocationID, ce.ToolName), true
	case wire.EventToolInputDelta:
		return wire.NewToolInputDelta(b.sessionID, ce.InvocationID, ce.PartialJSON), true
	case wire.EventToolResult:
		return wire.NewToolResult(b.sessionID, ce.InvocationID, ce.Output, ce.Error), true
	case wire.EventTurnComplete:
		return wire.NewTurnComplete(b.sessionID, ce.InputTokens, ce.OutputTokens), true
	default:
		return wire.Event{}, false
	}
}

// supervise respawns the subprocess with exponential backoff whenever it
// exits before Shutdown has been requested, and runs a liveness backstop
// in case the exit is missed by cmd.Wait (e.g. a killed process group).
func (b *PTYBackend) supervise() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	watchdog := time.NewTicker(2 * time.Second)
	defer watchdog.Stop()

	for {
		b.mu.Lock()
		cmd := b.cmd
		b.mu.Unlock()

		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()

	waitLoop:
		for {
			select {
			case err := <-waitErr:
				if atomic.LoadInt32(&b.shuttingDown) == 1 {
					return
				}
				logging.Logger.Warn().Str("session_id", b.sessionID).Err(err).Msg("assistant process exited, respawning")
				break waitLoop
			case <-watchdog.C:
				if atomic.LoadInt32(&b.shuttingDown) == 1 {
					return
				}
				if !b.alive() {
					logging.Logger.Warn().Str("session_id", b.sessionID).Msg("assistant process disappeared, respawning")
					break waitLoop
				}
			case <-b.done:
				return
			}
		}

		delay := bo.NextBackOff()
		select {
		case <-time.After(delay):
		case <-b.done:
			return
		}

		if err := b.spawn(); err != nil {
			logging.Logger.Error().Str("session_id", b.sessionID).Err(err).Msg("failed to respawn assistant process")
			continue
		}
		bo.Reset()
	}
}

func (b *PTYBackend) alive() bool {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	proc, err := gops.FindProcess(cmd.Process.Pid)
	return err == nil && proc != nil
}

func (b *PTYBackend) Send(ctx context.Context, input string) error {
	if atomic.LoadInt32(&b.shuttingDown) == 1 {
		return ErrShutdown
	}
	b.mu.Lock()
	ptmx := b.ptmx
	b.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("pty backend: process not running")
	}
	_, err := ptmx.Write(append([]byte(input), '\n'))
	if err != nil {
		return fmt.Errorf("pty backend: write input: %w", err)
	}
	return nil
}

func (b *PTYBackend) Subscribe(ctx context.Context) (<-chan wire.Event, func()) {
	return b.fanout.subscribe()
}

func (b *PTYBackend) RespondPermission(requestID string, approved bool) error {
	if !b.waiter.Respond(permission.Response{RequestID: requestID, Approved: approved}) {
		return fmt.Errorf("pty backend: no pending permission request %s", requestID)
	}
	return nil
}

func (b *PTYBackend) ResumeHandle() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumeHandle
}

// SetResumeHandle records the value ResumeHandle reports. The hook server
// serves only the permission route, so nothing inside this package calls it.
func (b *PTYBackend) SetResumeHandle(handle string) {
	b.mu.Lock()
	b.resumeHandle = handle
	b.mu.Unlock()
}

func (b *PTYBackend) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.shuttingDown, 0, 1) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	cmd := b.cmd
	ptmx := b.ptmx
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
	if ptmx != nil {
		ptmx.Close()
	}
	if b.hookServer != nil {
		b.hookServer.Shutdown(ctx)
	}
	b.fanout.closeAll()
	return nil
}
