// Package wire defines the types that travel between relayd's internal
// components and out over the client socket: session events and the
// client/server protocol frames built on top of them.
package wire

// EventKind discriminates the variants of Event.
type EventKind string

const (
	EventTextDelta            EventKind = "text_delta"
	EventToolUseStart         EventKind = "tool_use_start"
	EventToolInputDelta       EventKind = "tool_input_delta"
	EventToolResult           EventKind = "tool_result"
	EventTurnComplete         EventKind = "turn_complete"
	EventPermissionRequest    EventKind = "permission_request"
	EventStateChanged         EventKind = "state_changed"
	EventSessionCreated       EventKind = "session_created"
	EventSessionRemoved       EventKind = "session_removed"
	EventOwnershipTransferred EventKind = "ownership_transferred"
	EventUserInput            EventKind = "user_input"
	EventSessionRenamed       EventKind = "session_renamed"
)

// RemovedReason explains why a session was removed.
type RemovedReason string

const (
	ReasonOwnerDisconnected RemovedReason = "owner_disconnected"
	ReasonKilled            RemovedReason = "killed"
	ReasonSessionFinished   RemovedReason = "session_finished"
)

type TextDeltaData struct {
	Text string `json:"text"`
}

type ToolUseStartData struct {
	InvocationID string `json:"invocation_id"`
	ToolName     string `json:"tool_name"`
}

type ToolInputDeltaData struct {
	InvocationID string `json:"invocation_id"`
	PartialJSON  string `json:"partial_json"`
}

type ToolResultData struct {
	InvocationID string `json:"invocation_id"`
	Output       string `json:"output"`
	Error        bool   `json:"error"`
}

type TurnCompleteData struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type PermissionRequestData struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Command   string `json:"command,omitempty"`
}

type StateChangedData struct {
	State string `json:"state"`
}

type SessionRemovedEventData struct {
	Reason RemovedReason `json:"reason"`
}

type OwnershipTransferredEventData struct {
	NewOwnerID string `json:"new_owner_id"`
}

type UserInputData struct {
	Content string `json:"content"`
}

type SessionRenamedData struct {
	Name string `json:"name"`
}

// Event is one record in a session's Event Log. Exactly one of the
// variant-specific fields is populated, selected by Kind. SessionID and Seq
// are assigned by the Event Log at publish time; At is the publish wall
// clock time in seconds since epoch.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	At        int64     `json:"at"`

	TextDelta            *TextDeltaData                 `json:"text_delta,omitempty"`
	ToolUseStart         *ToolUseStartData               `json:"tool_use_start,omitempty"`
	ToolInputDelta       *ToolInputDeltaData             `json:"tool_input_delta,omitempty"`
	ToolResult           *ToolResultData                 `json:"tool_result,omitempty"`
	TurnComplete         *TurnCompleteData               `json:"turn_complete,omitempty"`
	PermissionRequest    *PermissionRequestData          `json:"permission_request,omitempty"`
	StateChanged         *StateChangedData               `json:"state_changed,omitempty"`
	SessionRemoved       *SessionRemovedEventData        `json:"session_removed,omitempty"`
	OwnershipTransferred *OwnershipTransferredEventData  `json:"ownership_transferred,omitempty"`
	UserInput            *UserInputData                  `json:"user_input,omitempty"`
	SessionRenamed       *SessionRenamedData             `json:"session_renamed,omitempty"`
}

// NewTextDelta builds an unpublished text-delta event for sessionID.
func NewTextDelta(sessionID, text string) Event {
	return Event{SessionID: sessionID, Kind: EventTextDelta, TextDelta: &TextDeltaData{Text: text}}
}

// NewToolUseStart builds an unpublished tool-use-start event.
func NewToolUseStart(sessionID, invocationID, toolName string) Event {
	return Event{SessionID: sessionID, Kind: EventToolUseStart, ToolUseStart: &ToolUseStartData{InvocationID: invocationID, ToolName: toolName}}
}

// NewToolInputDelta builds an unpublished tool-input-delta event.
func NewToolInputDelta(sessionID, invocationID, partialJSON string) Event {
	return Event{SessionID: sessionID, Kind: EventToolInputDelta, ToolInputDelta: &ToolInputDeltaData{InvocationID: invocationID, PartialJSON: partialJSON}}
}

// NewToolResult builds an unpublished tool-result event.
func NewToolResult(sessionID, invocationID, output string, isErr bool) Event {
	return Event{SessionID: sessionID, Kind: EventToolResult, ToolResult: &ToolResultData{InvocationID: invocationID, Output: output, Error: isErr}}
}

// NewTurnComplete builds an unpublished turn-complete event.
func NewTurnComplete(sessionID string, inputTokens, outputTokens int) Event {
	return Event{SessionID: sessionID, Kind: EventTurnComplete, TurnComplete: &TurnCompleteData{InputTokens: inputTokens, OutputTokens: outputTokens}}
}

// NewPermissionRequest builds an unpublished permission-request event.
func NewPermissionRequest(sessionID, requestID, tool, command string) Event {
	return Event{SessionID: sessionID, Kind: EventPermissionRequest, PermissionRequest: &PermissionRequestData{RequestID: requestID, Tool: tool, Command: command}}
}

// NewStateChanged builds an unpublished session-state-changed event.
func NewStateChanged(sessionID, state string) Event {
	return Event{SessionID: sessionID, Kind: EventStateChanged, StateChanged: &StateChangedData{State: state}}
}

// NewSessionCreated builds an unpublished session-created event.
func NewSessionCreated(sessionID string) Event {
	return Event{SessionID: sessionID, Kind: EventSessionCreated}
}

// NewSessionRemoved builds an unpublished session-removed event.
func NewSessionRemoved(sessionID string, reason RemovedReason) Event {
	return Event{SessionID: sessionID, Kind: EventSessionRemoved, SessionRemoved: &SessionRemovedEventData{Reason: reason}}
}

// NewOwnershipTransferred builds an unpublished ownership-transferred event.
func NewOwnershipTransferred(sessionID, newOwnerID string) Event {
	return Event{SessionID: sessionID, Kind: EventOwnershipTransferred, OwnershipTransferred: &OwnershipTransferredEventData{NewOwnerID: newOwnerID}}
}

// NewUserInput builds an unpublished user-input event.
func NewUserInput(sessionID, content string) Event {
	return Event{SessionID: sessionID, Kind: EventUserInput, UserInput: &UserInputData{Content: content}}
}

// NewSessionRenamed builds an unpublished session-renamed event.
func NewSessionRenamed(sessionID, name string) Event {
	return Event{SessionID: sessionID, Kind: EventSessionRenamed, SessionRenamed: &SessionRenamedData{Name: name}}
}
