// Package domain contains core business entities and interfaces.
package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of an agent event.
type EventType string

// Event types emitted by agent controllers.
const (
	// EventUserMessage is a prompt sent to the agent.
	EventUserMessage EventType = "user_message"

	// EventMessagePartial is a normalized partial assistant message chunk.
	EventMessagePartial EventType = "message_partial"

	// EventMessageFinal is a normalized complete assistant message.
	EventMessageFinal EventType = "message_final"

	// EventStreamBlockStart opens a raw streaming content block.
	EventStreamBlockStart EventType = "stream_block_start"

	// EventStreamDelta carries raw streaming delta text.
	EventStreamDelta EventType = "stream_delta"

	// EventAssistant is the legacy whole-message assistant event.
	EventAssistant EventType = "assistant"

	// EventToolUse records a tool invocation by the agent.
	EventToolUse EventType = "tool_use"

	// EventToolResult records the result of a tool invocation.
	EventToolResult EventType = "tool_result"

	// EventResult carries token usage for a completed request.
	EventResult EventType = "result"

	// EventTurnCompleted marks the end of an assistant turn.
	EventTurnCompleted EventType = "turn_completed"

	// EventTaskStarted marks the start of work on a task.
	EventTaskStarted EventType = "task_started"

	// EventTaskCompleted marks the completion of a task.
	EventTaskCompleted EventType = "task_completed"

	// EventOutput carries raw non-JSON output lines from the agent process.
	EventOutput EventType = "output"

	// EventError reports a non-fatal error from the agent or loop.
	EventError EventType = "error"

	// EventIdle reports that a worker found no ready task.
	EventIdle EventType = "idle"
)

// AgentEvent is a single entry in an instance's event history.
// Only the fields relevant to its Type are populated; the rest stay zero.
// Fields are ordered to minimize memory padding.
type AgentEvent struct {
	Timestamp    time.Time       `json:"timestamp"`
	Type         EventType       `json:"type"`
	Role         string          `json:"role,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolUseID    string          `json:"toolUseId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ToolInput    json.RawMessage `json:"toolInput,omitempty"`
	Output       string          `json:"output,omitempty"`
	Message      string          `json:"message,omitempty"`
	TaskID       string          `json:"taskId,omitempty"`
	TaskTitle    string          `json:"taskTitle,omitempty"`
	InputTokens  int             `json:"inputTokens,omitempty"`
	OutputTokens int             `json:"outputTokens,omitempty"`
	IsError      bool            `json:"isError,omitempty"`
}

// EventHistoryCap is the maximum number of events retained per instance.
// Older events are trimmed first.
const EventHistoryCap = 1000
