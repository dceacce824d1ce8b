// Package historystore persists sessions and their messages beyond the
// runtime lifetime of a Session, and exposes full-text search over message
// content.
package historystore

import "errors"

// ErrNotFound is returned when a session or message lookup misses.
var ErrNotFound = errors.New("historystore: not found")

// Role classifies a persisted Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// RunState mirrors a session's terminal or in-flight run state at the time
// it was last persisted.
type RunState string

const (
	StateIdle              RunState = "Idle"
	StateProcessing        RunState = "Processing"
	StateWaitingPermission RunState = "WaitingPermission"
	StateFailed            RunState = "Failed"
	StateFinished          RunState = "Finished"
)

// Session is the persisted metadata record for one conversation. It
// outlives the runtime Session once removed.
type Session struct {
	ID                string          `json:"id"`
	Name              string          `json:"name,omitempty"`
	ResumeHandle      string          `json:"resume_handle,omitempty"`
	State             RunState        `json:"state"`
	CreatedAt         int64           `json:"created_at"`
	LastAccessedAt    int64           `json:"last_accessed_at"`
	TotalInputTokens  int             `json:"total_input_tokens"`
	TotalOutputTokens int             `json:"total_output_tokens"`
	MessageCount      int             `json:"message_count"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ToolsUsed         map[string]bool `json:"tools_used,omitempty"`
}

// Message is one post-aggregation durable unit of a conversation.
type Message struct {
	ID           int64  `json:"id"`
	SessionID    string `json:"session_id"`
	Role         Role   `json:"role"`
	Content      string `json:"content"`
	ToolName     string `json:"tool_name,omitempty"`
	InvocationID string `json:"invocation_id,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// SortField selects the field list_sessions orders by.
type SortField string

const (
	SortCreatedAt    SortField = "created_at"
	SortLastAccessed SortField = "last_accessed"
	SortMessageCount SortField = "message_count"
	SortTotalTokens  SortField = "total_tokens"
)

// SortOrder selects ascending or descending order.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Query parameterizes list_sessions.
type Query struct {
	Search          string
	NameContains    string
	State           RunState
	ToolUsed        string
	MinTotalTokens  int
	CreatedAfter    int64
	CreatedBefore   int64
	Sort            SortField
	Order           SortOrder
	Limit           int
	Offset          int
}

// Summary is one row of a list_sessions result.
type Summary struct {
	ID              string
	Name            string
	State           RunState
	CreatedAt       int64
	LastAccessedAt  int64
	MessageCount    int
	TotalTokens     int
	Preview         string
}
