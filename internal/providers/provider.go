// Package providers defines the provider-agnostic LLMProvider abstraction
// (SPEC_FULL.md §9) and its concrete Anthropic/OpenAI/Bedrock backends,
// grounded on internal/agent/provider_types.go.
package providers

import (
	"context"
	"encoding/json"

	"github.com/nexus-assist/core/internal/models"
)

// LLMProvider is the "lazy sequence of LLM deltas" abstraction every
// concrete backend implements.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
	Models() []Model
	SupportsTools() bool
}

// CompletionRequest carries one round's worth of conversation state to a
// provider.
type CompletionRequest struct {
	Model                string
	System               string
	Messages             []CompletionMessage
	Tools                []ToolSpec
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionMessage is a provider-neutral turn in the conversation.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec is what a provider needs to advertise a callable tool: name,
// description, and JSON Schema. It intentionally does not carry the
// executable toolkit.Tool so providers never import the pipeline.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionChunk is one delta in a streamed completion. Exactly one of
// Text/ToolCall/Done/Error/Thinking is meaningful per chunk, matching the
// union the teacher's CompletionChunk models.
type CompletionChunk struct {
	Text          string
	ToolCall      *models.ToolCall
	Done          bool
	Error         error
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	InputTokens   int
	OutputTokens  int
	// FinishReason is set on the Done chunk: "stop", "tool_calls", "length",
	// or "content_filter" depending on the provider's native reason.
	FinishReason string
}

// Finish reasons normalized across providers (SPEC_FULL.md §9/§11).
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// Model describes one model a provider exposes.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}
