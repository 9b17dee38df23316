package domain

import (
	"encoding/json"
	"time"
)

// ToolUse is a tool invocation attached to an assistant message.
// Fields are ordered to minimize memory padding.
type ToolUse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// Message is one entry in a reconstructed conversation.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolUses  []ToolUse `json:"toolUses,omitempty"`
}

// TokenUsage accumulates token counts across a conversation.
// Total is always Input + Output.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// ConversationContext is the resumable dialogue representation derived
// from an instance's event history. It is always rebuilt from events and
// never mutated independently.
type ConversationContext struct {
	Timestamp  time.Time  `json:"timestamp"`
	LastPrompt string     `json:"lastPrompt,omitempty"`
	Messages   []Message  `json:"messages"`
	Usage      TokenUsage `json:"usage"`
}

// IterationStateVersion is the schema version written with every snapshot.
const IterationStateVersion = 1

// IterationState is the durable checkpoint for one instance.
type IterationState struct {
	SavedAt       time.Time           `json:"savedAt"`
	InstanceID    string              `json:"instanceId"`
	Status        InstanceStatus      `json:"status"`
	CurrentTaskID string              `json:"currentTaskId,omitempty"`
	Context       ConversationContext `json:"conversationContext"`
	Version       int                 `json:"version"`
}
