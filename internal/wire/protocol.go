package wire

import (
	"encoding/json"
	"fmt"
)

// AuthSource classifies how a connecting client was authenticated, per the
// record handed to the endpoint by an external collaborator.
type AuthSource string

const (
	AuthLocal         AuthSource = "local"
	AuthAuthenticated AuthSource = "authenticated"
	AuthAnonymous     AuthSource = "anonymous"
)

// Identity describes an Authenticated client. Nil for Local connections.
type Identity struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"`
}

// ClientMessageType discriminates inbound frames.
type ClientMessageType string

const (
	MsgCreateSession ClientMessageType = "create_session"
	MsgSubscribe     ClientMessageType = "subscribe"
	MsgUnsubscribe   ClientMessageType = "unsubscribe"
	MsgInput         ClientMessageType = "input"
	MsgPermission    ClientMessageType = "permission"
	MsgListSessions  ClientMessageType = "list_sessions"
	MsgKillSession   ClientMessageType = "kill_session"
	MsgRenameSession ClientMessageType = "rename_session"
	MsgForkSession   ClientMessageType = "fork_session"
)

type clientEnvelope struct {
	Type ClientMessageType `json:"type"`
}

// CreateSessionMsg requests a new session.
type CreateSessionMsg struct {
	Type ClientMessageType `json:"type"`
	Name string            `json:"name,omitempty"`
}

// SubscribeMsg adds session ids to the connection's subscription set.
type SubscribeMsg struct {
	Type       ClientMessageType `json:"type"`
	SessionIDs []string          `json:"session_ids"`
	CatchUp    bool              `json:"catch_up"`
}

// UnsubscribeMsg removes session ids from the subscription set.
type UnsubscribeMsg struct {
	Type       ClientMessageType `json:"type"`
	SessionIDs []string          `json:"session_ids"`
}

// InputMsg routes user content to a session's backend.
type InputMsg struct {
	Type      ClientMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
}

// PermissionMsg answers an outstanding permission request.
type PermissionMsg struct {
	Type      ClientMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id"`
	Approved  bool              `json:"approved"`
}

// ListSessionsMsg asks for a snapshot of all sessions.
type ListSessionsMsg struct {
	Type      ClientMessageType `json:"type"`
	RequestID string            `json:"request_id"`
}

// KillSessionMsg removes a session the connection is subscribed to.
type KillSessionMsg struct {
	Type      ClientMessageType `json:"type"`
	SessionID string            `json:"session_id"`
}

// RenameSessionMsg renames a session the connection is subscribed to.
type RenameSessionMsg struct {
	Type      ClientMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	Name      string            `json:"name"`
}

// ForkSessionMsg copies a session's history up to a message into a new
// session. UptoMessageID of zero forks the entire history.
type ForkSessionMsg struct {
	Type          ClientMessageType `json:"type"`
	SessionID     string            `json:"session_id"`
	UptoMessageID int64             `json:"upto_message_id,omitempty"`
}

// DecodeClientMessage inspects the type discriminator and unmarshals data
// into the matching concrete message type.
func DecodeClientMessage(data []byte) (any, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode client frame: %w", err)
	}

	var (
		target any
		err    error
	)
	switch env.Type {
	case MsgCreateSession:
		var m CreateSessionMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgInput:
		var m InputMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgPermission:
		var m PermissionMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgListSessions:
		var m ListSessionsMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgKillSession:
		var m KillSessionMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgRenameSession:
		var m RenameSessionMsg
		err = json.Unmarshal(data, &m)
		target = m
	case MsgForkSession:
		var m ForkSessionMsg
		err = json.Unmarshal(data, &m)
		target = m
	default:
		return nil, fmt.Errorf("unknown client message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
	}
	return target, nil
}

// ServerMessageType discriminates outbound frames.
type ServerMessageType string

const (
	MsgAuthContext          ServerMessageType = "auth_context"
	MsgSessionCreated       ServerMessageType = "session_created"
	MsgSubscribeAck         ServerMessageType = "subscribe_ack"
	MsgAssistant            ServerMessageType = "assistant"
	MsgSessionStateChanged  ServerMessageType = "session_state_changed"
	MsgSessionList          ServerMessageType = "session_list"
	MsgSessionRemoved       ServerMessageType = "session_removed"
	MsgOwnershipTransferred ServerMessageType = "ownership_transferred"
	MsgLagged               ServerMessageType = "lagged"
	MsgError                ServerMessageType = "error"
	MsgSessionRenamed       ServerMessageType = "session_renamed"
	MsgSessionForked        ServerMessageType = "session_forked"
)

// HistoricalMessage is the wire shape of a persisted Message.
type HistoricalMessage struct {
	ID           int64  `json:"id"`
	SessionID    string `json:"session_id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ToolName     string `json:"tool_name,omitempty"`
	InvocationID string `json:"invocation_id,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// SessionSummary is one row of a SessionList reply.
type SessionSummary struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	State            string `json:"state"`
	OwnerID          string `json:"owner_id"`
	IsOwner          bool   `json:"is_owner"`
	SubscriberCount  int    `json:"subscriber_count"`
	CreatedAt        int64  `json:"created_at"`
	LastActivityAt   int64  `json:"last_activity_at"`
}

// AuthContextMsg is the first frame sent after a connection is accepted.
type AuthContextMsg struct {
	Type     ServerMessageType `json:"type"`
	Source   AuthSource        `json:"source"`
	Identity *Identity         `json:"identity,omitempty"`
}

func NewAuthContextMsg(source AuthSource, identity *Identity) AuthContextMsg {
	return AuthContextMsg{Type: MsgAuthContext, Source: source, Identity: identity}
}

// SessionCreatedMsg acknowledges a CreateSession request.
type SessionCreatedMsg struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"session_id"`
}

func NewSessionCreatedMsg(sessionID string) SessionCreatedMsg {
	return SessionCreatedMsg{Type: MsgSessionCreated, SessionID: sessionID}
}

// SubscribeAckMsg acknowledges a Subscribe request, optionally carrying
// catch-up history.
type SubscribeAckMsg struct {
	Type      ServerMessageType   `json:"type"`
	SessionID string              `json:"session_id"`
	History   []HistoricalMessage `json:"history"`
}

func NewSubscribeAckMsg(sessionID string, history []HistoricalMessage) SubscribeAckMsg {
	if history == nil {
		history = []HistoricalMessage{}
	}
	return SubscribeAckMsg{Type: MsgSubscribeAck, SessionID: sessionID, History: history}
}

// AssistantMsg forwards one fine-grained backend event to a client.
type AssistantMsg struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	Event     Event             `json:"event"`
}

func NewAssistantMsg(event Event) AssistantMsg {
	return AssistantMsg{Type: MsgAssistant, SessionID: event.SessionID, Event: event}
}

// SessionStateChangedMsg announces a run-state transition.
type SessionStateChangedMsg struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
}

func NewSessionStateChangedMsg(sessionID, state string) SessionStateChangedMsg {
	return SessionStateChangedMsg{Type: MsgSessionStateChanged, SessionID: sessionID, State: state}
}

// SessionListMsg answers a ListSessions request.
type SessionListMsg struct {
	Type      ServerMessageType `json:"type"`
	RequestID string            `json:"request_id"`
	Sessions  []SessionSummary  `json:"sessions"`
}

func NewSessionListMsg(requestID string, sessions []SessionSummary) SessionListMsg {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return SessionListMsg{Type: MsgSessionList, RequestID: requestID, Sessions: sessions}
}

// SessionRemovedMsg announces a session's removal.
type SessionRemovedMsg struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	Reason    RemovedReason     `json:"reason"`
}

func NewSessionRemovedMsg(sessionID string, reason RemovedReason) SessionRemovedMsg {
	return SessionRemovedMsg{Type: MsgSessionRemoved, SessionID: sessionID, Reason: reason}
}

// OwnershipTransferredMsg announces a new owner for a session.
type OwnershipTransferredMsg struct {
	Type        ServerMessageType `json:"type"`
	SessionID   string            `json:"session_id"`
	NewOwnerID  string            `json:"new_owner_id"`
	YouAreOwner bool              `json:"you_are_owner"`
}

func NewOwnershipTransferredMsg(sessionID, newOwnerID string, youAreOwner bool) OwnershipTransferredMsg {
	return OwnershipTransferredMsg{Type: MsgOwnershipTransferred, SessionID: sessionID, NewOwnerID: newOwnerID, YouAreOwner: youAreOwner}
}

// LaggedMsg tells a client its live feed overflowed and it must replay.
type LaggedMsg struct {
	Type       ServerMessageType `json:"type"`
	SessionID  string            `json:"session_id"`
	FromOffset uint64            `json:"from_offset"`
}

func NewLaggedMsg(sessionID string, fromOffset uint64) LaggedMsg {
	return LaggedMsg{Type: MsgLagged, SessionID: sessionID, FromOffset: fromOffset}
}

// SessionRenamedMsg announces a session's new name.
type SessionRenamedMsg struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"session_id"`
	Name      string            `json:"name"`
}

func NewSessionRenamedMsg(sessionID, name string) SessionRenamedMsg {
	return SessionRenamedMsg{Type: MsgSessionRenamed, SessionID: sessionID, Name: name}
}

// SessionForkedMsg acknowledges a ForkSession request with the id of the
// newly created session.
type SessionForkedMsg struct {
	Type        ServerMessageType `json:"type"`
	SessionID   string            `json:"session_id"`
	NewSessionID string           `json:"new_session_id"`
}

func NewSessionForkedMsg(sessionID, newSessionID string) SessionForkedMsg {
	return SessionForkedMsg{Type: MsgSessionForked, SessionID: sessionID, NewSessionID: newSessionID}
}

// Error codes used by ErrorMsg.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeInternal    = "INTERNAL"
)

// ErrorMsg reports a non-fatal failure for one client request.
type ErrorMsg struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Message   string            `json:"message"`
	Code      string            `json:"code"`
}

func NewErrorMsg(sessionID, code, message string) ErrorMsg {
	return ErrorMsg{Type: MsgError, SessionID: sessionID, Message: message, Code: code}
}
