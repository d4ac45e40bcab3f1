package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusCompleted MessageStatus = "completed"
	StatusError     MessageStatus = "error"
	StatusCancelled MessageStatus = "cancelled"
)

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// ToolCallRecord is one observed tool invocation, kept in message metadata
// for display; arguments and results never leave the engine.
type ToolCallRecord struct {
	Tool  string `json:"tool"`
	Label string `json:"label"`
}

// TokenUsage mirrors what the model reported for one generation, if anything.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// MessageMetadata is the structured metadata attached to a message. Kept as
// a small typed struct so the shallow-merge rule on update stays explicit.
type MessageMetadata struct {
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Error     string           `json:"error,omitempty"`
	Usage     *TokenUsage      `json:"usage,omitempty"`
}

// Merge overlays the non-empty fields of other onto m, preserving the rest.
func (m *MessageMetadata) Merge(other *MessageMetadata) *MessageMetadata {
	if other == nil {
		return m
	}
	if m == nil {
		cp := *other
		return &cp
	}
	if other.ToolCalls != nil {
		m.ToolCalls = other.ToolCalls
	}
	if other.Error != "" {
		m.Error = other.Error
	}
	if other.Usage != nil {
		m.Usage = other.Usage
	}
	return m
}

// ChatMessage is one stored turn fragment of a conversation.
type ChatMessage struct {
	ID               int64            `json:"id"`
	ConversationID   int64            `json:"conversation_id"`
	ParentMessageID  *int64           `json:"parent_message_id,omitempty"`
	Role             Role             `json:"role"`
	Content          string           `json:"content"`
	Model            string           `json:"model,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	PromptTokens     *int             `json:"prompt_tokens,omitempty"`
	CompletionTokens *int             `json:"completion_tokens,omitempty"`
	TotalTokens      *int             `json:"total_tokens,omitempty"`
	Status           MessageStatus    `json:"status"`
	FinishReason     *FinishReason    `json:"finish_reason,omitempty"`
	LatencyMS        *int64           `json:"latency_ms,omitempty"`
	Metadata         *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
