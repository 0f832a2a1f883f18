// Package agent defines the boundary to the coding agent runtime. The rest
// of the system drives steps through the Runtime interface and never touches
// the underlying process directly.
package agent

import "context"

// EventKind tags streamed events so observers can route main-agent output
// separately from subagent output.
type EventKind string

const (
	EventText         EventKind = "text"
	EventToolCall     EventKind = "tool_call"
	EventSubagentText EventKind = "subagent_text"
	EventSubagentTool EventKind = "subagent_tool_call"
)

// Event is one streamed occurrence during a step run. Subagent events carry
// the parent tool invocation id that spawned them.
type Event struct {
	Kind         EventKind `json:"kind"`
	Text         string    `json:"text,omitempty"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolUseID    string    `json:"tool_use_id,omitempty"`
	ParentToolID string    `json:"parent_tool_use_id,omitempty"`
	Arguments    string    `json:"arguments,omitempty"`
}

// ClarificationRequest is emitted when the agent needs a decision from the
// user before the step can finish.
type ClarificationRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Context  string   `json:"context,omitempty"`
}

// StepResult is the terminal outcome of one step invocation.
type StepResult struct {
	Content       string                `json:"content"`
	Structured    map[string]any        `json:"structured,omitempty"`
	TokensUsed    int                   `json:"tokens_used"`
	Cost          float64               `json:"cost"`
	Interrupted   bool                  `json:"interrupted"`
	Clarification *ClarificationRequest `json:"clarification,omitempty"`
}

// TicketContext is the ticket information a session is started with.
type TicketContext struct {
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// SessionOptions configure a new or reconnected session.
type SessionOptions struct {
	Ticket TicketContext
	Cwd    string
	Model  string
	// Primer is prior-conversation context injected when a fresh session
	// replaces one that could not be reconnected.
	Primer string
}

// Session is one live agent conversation. RunStep streams events to the
// provided channel while it runs and closes nothing; the caller owns the
// channel. Interrupt requests a cooperative stop of the in-flight step.
type Session interface {
	ID() string
	RunStep(ctx context.Context, prompt string, events chan<- Event) (*StepResult, error)
	Interrupt()
	Close() error
}

// Runtime creates and reattaches sessions.
type Runtime interface {
	StartSession(ctx context.Context, opts SessionOptions) (Session, error)
	// Reconnect reattaches to an existing external session. Implementations
	// return an error when the session is gone, in which case the caller
	// starts a fresh session primed with a conversation summary.
	Reconnect(ctx context.Context, externalSessionID string, opts SessionOptions) (Session, error)
}
