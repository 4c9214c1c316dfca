package models

import "time"

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the persisted history entry for one procedure run.
type RunRecord struct {
	RunID       string     `json:"run_id"`
	ProcedureID string     `json:"procedure_id"`
	Name        string     `json:"name"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	Iterations  int        `json:"iterations"`
	ToolsUsed   []string   `json:"tools_used"`
	Result      any        `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is the envelope returned for every run, successful or not.
type Result struct {
	RunID       string               `json:"run_id"`
	ProcedureID string               `json:"procedure_id"`
	Success     bool                 `json:"success"`
	Error       string               `json:"error,omitempty"`
	Result      any                  `json:"result,omitempty"`
	State       map[string]any       `json:"state,omitempty"`
	Iterations  int                  `json:"iterations"`
	ToolsUsed   []string             `json:"tools_used"`
	ToolCalls   []ToolCall           `json:"tool_calls,omitempty"`
	Transcripts map[string][]Message `json:"transcripts,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
}
