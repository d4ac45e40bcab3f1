package ai

import (
	"testing"

	"github.com/cloudwego/eino/schema"
)

func TestClassifyChunkTokens(t *testing.T) {
	event, ok := ClassifyChunk(&schema.Message{Role: schema.Assistant, Content: "Hello"})
	if !ok || event.Kind != EventToken || event.Text != "Hello" {
		t.Fatalf("token chunk misclassified: ok=%v event=%#v", ok, event)
	}

	if _, ok := ClassifyChunk(&schema.Message{Role: schema.Assistant, Content: "   \n"}); ok {
		t.Fatalf("whitespace-only chunk must be discarded")
	}
	if _, ok := ClassifyChunk(nil); ok {
		t.Fatalf("nil chunk must be discarded")
	}
}

func TestClassifyChunkToolCalls(t *testing.T) {
	chunk := &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{Function: schema.FunctionCall{Name: "create_budget_rule"}},
		},
	}
	event, ok := ClassifyChunk(chunk)
	if !ok || event.Kind != EventStep {
		t.Fatalf("tool call misclassified: ok=%v event=%#v", ok, event)
	}
	if event.Tool != "create_budget_rule" || event.Label != "creating budget rule" {
		t.Fatalf("wrong step fields: %#v", event)
	}

	// argument fragments stream without a name and carry nothing to show
	fragment := &schema.Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Arguments: `{"limit`}}},
	}
	if _, ok := ClassifyChunk(fragment); ok {
		t.Fatalf("nameless tool-call fragment must be discarded")
	}

	unknown := &schema.Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Name: "web_search"}}},
	}
	event, ok = ClassifyChunk(unknown)
	if !ok || event.Label != "processing" {
		t.Fatalf("unknown tool should get the generic label: %#v", event)
	}
}

func TestClassifyChunkToolRoleDiscarded(t *testing.T) {
	if _, ok := ClassifyChunk(&schema.Message{Role: schema.Tool, Content: "raw tool output"}); ok {
		t.Fatalf("tool-role chunk must be discarded")
	}
}

func TestClassifyChunkKeepsFinishMetadata(t *testing.T) {
	chunk := &schema.Message{
		Role: schema.Assistant,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
		},
	}
	event, ok := ClassifyChunk(chunk)
	if !ok {
		t.Fatalf("metadata-only chunk must be kept")
	}
	if event.Text != "" || event.FinishReason != "stop" {
		t.Fatalf("unexpected event: %#v", event)
	}
	if event.Usage == nil || event.Usage.TotalTokens != 12 {
		t.Fatalf("usage not carried: %#v", event.Usage)
	}
}

func TestStepLabel(t *testing.T) {
	cases := map[string]string{
		"categorize_transaction": "categorizing transaction",
		"create_budget_rule":     "creating budget rule",
		"save_user_profile":      "saving user profile",
		"anything_else":          "processing",
	}
	for tool, want := range cases {
		if got := StepLabel(tool); got != want {
			t.Fatalf("StepLabel(%q) = %q, want %q", tool, got, want)
		}
	}
}
