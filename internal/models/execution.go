package models

import "time"

// ToolCall is one tool invocation made by an agent during a run.
type ToolCall struct {
	Seq    int            `json:"seq"` // global across the run, starts at 1
	ID     string         `json:"id"`
	Agent  string         `json:"agent"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	// IsError marks a tool result that carries a ToolError.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCallRequest is a tool call as requested by a provider.
type ToolCallRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type EventType string

const (
	EventExecution EventType = "execution"
	EventTurn      EventType = "turn"
	EventTool      EventType = "tool"
	EventLog       EventType = "log"
	EventHITL      EventType = "hitl"
)

type Stage string

const (
	StageStart    Stage = "start"
	StageProgress Stage = "progress"
	StageComplete Stage = "complete"
	StageError    Stage = "error"
)

type Event struct {
	Seq         int64          `json:"seq"`
	Type        EventType      `json:"event_type"`
	Stage       Stage          `json:"lifecycle_stage"`
	ProcedureID string         `json:"procedure_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}
