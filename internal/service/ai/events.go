package ai

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"finassist/internal/models"
)

type EventKind string

const (
	EventToken  EventKind = "token"
	EventStep   EventKind = "step"
	EventCustom EventKind = "custom"
)

// TurnEvent is one classified engine event. Token events may additionally
// carry finish/usage metadata when the model reports it on the same chunk.
type TurnEvent struct {
	Kind         EventKind
	Text         string // token delta
	Tool         string // step: tool name
	Label        string // step: human-readable action
	Payload      any    // custom: passed through verbatim
	FinishReason string
	Usage        *models.TokenUsage
}

// stepLabels maps known tool names to a present-progressive action label.
var stepLabels = map[string]string{
	"categorize_transaction": "categorizing transaction",
	"create_budget_rule":     "creating budget rule",
	"save_user_profile":      "saving user profile",
}

// StepLabel returns the display label for a tool. Unknown tools still get a
// generic label so the client sees that something is happening.
func StepLabel(tool string) string {
	if label, ok := stepLabels[tool]; ok {
		return label
	}
	return "processing"
}

// ClassifyChunk sorts one model stream chunk into a turn event. It returns
// false for chunks with nothing to act on: tool-role messages (the tool's own
// output, not user-visible text), tool-call argument fragments without a
// name, and whitespace-only content without metadata.
func ClassifyChunk(msg *schema.Message) (*TurnEvent, bool) {
	if msg == nil {
		return nil, false
	}
	if len(msg.ToolCalls) > 0 {
		name := strings.TrimSpace(msg.ToolCalls[0].Function.Name)
		if name == "" {
			return nil, false
		}
		return &TurnEvent{Kind: EventStep, Tool: name, Label: StepLabel(name)}, true
	}
	if msg.Role == schema.Tool {
		return nil, false
	}

	event := &TurnEvent{Kind: EventToken, Text: msg.Content}
	if meta := msg.ResponseMeta; meta != nil {
		event.FinishReason = meta.FinishReason
		if meta.Usage != nil {
			event.Usage = &models.TokenUsage{
				PromptTokens:     meta.Usage.PromptTokens,
				CompletionTokens: meta.Usage.CompletionTokens,
				TotalTokens:      meta.Usage.TotalTokens,
			}
		}
	}
	if strings.TrimSpace(msg.Content) == "" {
		event.Text = ""
		// keep chunks that only close out the generation with metadata
		if event.FinishReason == "" && event.Usage == nil {
			return nil, false
		}
	}
	return event, true
}
