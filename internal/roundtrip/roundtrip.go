// Package roundtrip implements the Round Executor (SPEC_FULL.md §11): one
// request/response cycle with the provider, followed by tool-call
// dispatch through the Tool Pipeline. Grounded on the single-round slice of
// internal/agent/runtime.go's run() loop (message send -> stream drain ->
// tool execution -> decide whether to continue).
package roundtrip

import (
	"context"

	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/pipeline"
	"github.com/nexus-assist/core/internal/providers"
	"github.com/nexus-assist/core/internal/stream"
)

// Outcome classifies what happened at the end of one round.
type Outcome string

const (
	OutcomeContinueWithTools Outcome = "continue_with_tools"
	OutcomeEndOfTurn         Outcome = "end_of_turn"
	OutcomeError             Outcome = "error"
	// OutcomeBudgetExceeded is produced when the provider's finish reason is
	// "length": the model ran out of its output-token budget mid-response
	// (SPEC_FULL.md §11's finish-reason mapping).
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
)

// Result is the product of executing one round.
type Result struct {
	Outcome      Outcome
	AssistantMsg *models.Message
	ToolResults  []models.ToolResult
	Err          error
}

// Executor runs a single round: send the provider request, drain the
// stream, and if the assistant requested tools, dispatch them through the
// pipeline.
type Executor struct {
	provider providers.LLMProvider
	streamer *stream.Processor
	pipeline *pipeline.Pipeline
}

func New(provider providers.LLMProvider, streamer *stream.Processor, pl *pipeline.Pipeline) *Executor {
	return &Executor{provider: provider, streamer: streamer, pipeline: pl}
}

// Run executes exactly one round for sessionID against req, then - if the
// model requested tool calls - dispatches them via the Tool Pipeline using
// allowedTools as the batch filter.
func (e *Executor) Run(ctx context.Context, sessionID string, req *providers.CompletionRequest, allowedTools []string) Result {
	chunks, err := e.provider.Complete(ctx, req)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: corerr.Wrap(corerr.AIClient, "provider completion failed", err)}
	}

	acc, err := e.streamer.Drain(ctx, sessionID, chunks)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	assistantMsg := &models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Text:      acc.Text,
		Reasoning: acc.Reasoning,
		ToolCalls: acc.ToolCalls,
		TokenCount: acc.OutputTokens,
	}

	// Finish-reason mapping (SPEC_FULL.md §11): "length" means the model
	// was truncated mid-response and never reached a natural stop or a
	// tool call, so the round ends without dispatching anything. A
	// content-filter finish is treated as a hard error, same as a
	// transport failure.
	switch acc.FinishReason {
	case providers.FinishContentFilter:
		return Result{Outcome: OutcomeError, AssistantMsg: assistantMsg, Err: corerr.New(corerr.AIClient, "completion blocked by content filter")}
	case providers.FinishLength:
		assistantMsg.ShouldEndTurn = false
		return Result{Outcome: OutcomeBudgetExceeded, AssistantMsg: assistantMsg}
	}

	if len(acc.ToolCalls) == 0 {
		assistantMsg.ShouldEndTurn = true
		return Result{Outcome: OutcomeEndOfTurn, AssistantMsg: assistantMsg}
	}

	batchResults, err := e.pipeline.Run(ctx, sessionID, acc.ToolCalls, allowedTools)
	if err != nil {
		return Result{Outcome: OutcomeError, AssistantMsg: assistantMsg, Err: err}
	}

	toolResults := make([]models.ToolResult, 0, len(batchResults))
	endTurn := false
	for i, br := range batchResults {
		toolResults = append(toolResults, br.Result)
		if i < len(acc.ToolCalls) && acc.ToolCalls[i].ShouldEndTurn {
			endTurn = true
		}
	}
	assistantMsg.ShouldEndTurn = endTurn

	outcome := OutcomeContinueWithTools
	if endTurn {
		outcome = OutcomeEndOfTurn
	}
	return Result{Outcome: outcome, AssistantMsg: assistantMsg, ToolResults: toolResults}
}
