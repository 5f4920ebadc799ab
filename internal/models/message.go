// Package models defines the data types shared across the conversation
// coordinator, tool pipeline, compaction manager, and snapshot core.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's append-only history.
//
// Invariant: a Tool message is always preceded (not necessarily
// immediately) by the Assistant message whose ToolCall it answers, and
// every ToolCall has exactly one matching Tool message unless the turn was
// cancelled.
type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Text       string     `json:"text,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// ShouldEndTurn is set on an Assistant message whose emission ends the
	// dialog turn (no tool call follow-up expected).
	ShouldEndTurn bool `json:"should_end_turn,omitempty"`

	// Cancelled marks a turn-ending cancellation marker in place of a
	// normal end-of-turn assistant message.
	Cancelled bool `json:"cancelled,omitempty"`

	TokenCount int       `json:"token_count,omitempty"`
	Seq        int64     `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCall is the model's request to invoke a tool.
//
// Invariant: ToolName is either nonempty and registered, or IsError is
// true.
type ToolCall struct {
	ToolID        string          `json:"tool_id"`
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	ShouldEndTurn bool            `json:"should_end_turn,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// ToolResult is the pipeline's report of a completed tool call.
//
// Invariant: ResultForAssistant is never empty once the pipeline has
// finished processing it.
type ToolResult struct {
	ToolID             string        `json:"tool_id"`
	ToolName           string        `json:"tool_name"`
	Result             any           `json:"result,omitempty"`
	ResultForAssistant string        `json:"result_for_assistant"`
	IsError            bool          `json:"is_error,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// Session owns an ordered, append-only (except via compaction) message
// history.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DialogTurn is a contiguous subrange of a session's messages, numbered
// from 0, beginning with a User message and ending either with the
// Assistant message whose ShouldEndTurn is set, or a cancellation marker.
type DialogTurn struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Index      int    `json:"index"`
	StartSeq   int64  `json:"start_seq"`
	EndSeq     int64  `json:"end_seq,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}
