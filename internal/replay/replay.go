// Package replay rebuilds conversation state from raw agent event logs.
// The transform is pure: given the same event list and timestamp it
// always produces the same ConversationContext.
package replay

import (
	"time"

	"github.com/foremanhq/foreman/internal/domain"
)

// turn accumulates one in-progress assistant turn.
type turn struct {
	started  time.Time
	text     string
	toolUses []domain.ToolUse
	live     bool
}

func (t *turn) touch(at time.Time) {
	if !t.live {
		t.started = at
		t.live = true
	}
}

func (t *turn) empty() bool {
	return t.text == "" && len(t.toolUses) == 0
}

// Reconstruct scans events in order and produces the conversation they
// describe. The returned context's Timestamp is the supplied now; every
// other field is fully determined by the input.
func Reconstruct(events []domain.AgentEvent, now time.Time) domain.ConversationContext {
	ctx := domain.ConversationContext{
		Timestamp: now,
		Messages:  []domain.Message{},
	}

	var cur turn
	flush := func() {
		if !cur.live || cur.empty() {
			cur = turn{}
			return
		}
		ctx.Messages = append(ctx.Messages, domain.Message{
			Timestamp: cur.started,
			Role:      "assistant",
			Content:   cur.text,
			ToolUses:  cur.toolUses,
		})
		cur = turn{}
	}

	for _, ev := range events {
		switch ev.Type {
		case domain.EventUserMessage:
			flush()
			ctx.Messages = append(ctx.Messages, domain.Message{
				Timestamp: ev.Timestamp,
				Role:      "user",
				Content:   ev.Content,
			})
			ctx.LastPrompt = ev.Content

		case domain.EventMessagePartial:
			cur.touch(ev.Timestamp)
			cur.text += ev.Content

		case domain.EventMessageFinal:
			cur.touch(ev.Timestamp)
			cur.text = ev.Content

		case domain.EventStreamBlockStart, domain.EventStreamDelta:
			cur.touch(ev.Timestamp)
			cur.text += ev.Content

		case domain.EventAssistant:
			cur.touch(ev.Timestamp)
			cur.text = ev.Content

		case domain.EventToolUse:
			if ev.ToolUseID == "" || ev.ToolName == "" {
				continue
			}
			cur.touch(ev.Timestamp)
			cur.toolUses = append(cur.toolUses, domain.ToolUse{
				ID:    ev.ToolUseID,
				Name:  ev.ToolName,
				Input: ev.ToolInput,
			})

		case domain.EventToolResult:
			attachResult(&cur, ev)

		case domain.EventResult:
			ctx.Usage.Input += ev.InputTokens
			ctx.Usage.Output += ev.OutputTokens
			ctx.Usage.Total = ctx.Usage.Input + ctx.Usage.Output
		}
	}

	flush()
	return ctx
}

// attachResult binds a tool result to the matching pending tool use.
// Results for unknown IDs are dropped.
func attachResult(cur *turn, ev domain.AgentEvent) {
	for i := range cur.toolUses {
		if cur.toolUses[i].ID != ev.ToolUseID {
			continue
		}
		cur.toolUses[i].Output = ev.Output
		cur.toolUses[i].Error = ev.Message
		cur.toolUses[i].IsError = ev.IsError
		return
	}
}
