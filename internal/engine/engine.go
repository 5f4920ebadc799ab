// Package engine implements the Execution Engine (SPEC_FULL.md §12): it
// drives the Round Executor across successive rounds until the turn ends,
// errors, is cancelled, or hits the round cap, re-reading the (possibly
// compacted) conversation view between rounds. Grounded on
// internal/agent/runtime.go's maxIterations loop and its MaxToolCallsPerIteration
// guard.
package engine

import (
	"context"
	"fmt"

	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/providers"
	"github.com/nexus-assist/core/internal/roundtrip"
	"github.com/nexus-assist/core/internal/session"
)

// DefaultMaxRounds matches internal/agent/runtime.go's default maxIterations.
const DefaultMaxRounds = 5

// ContextView builds the provider-ready message list for the next round,
// implemented by the Context Compression Manager.
type ContextView interface {
	BuildRequest(ctx context.Context, sessionID string) (*providers.CompletionRequest, error)
}

// Engine runs the round loop for a single turn.
type Engine struct {
	executor  *roundtrip.Executor
	sessions  session.Store
	view      ContextView
	maxRounds int
}

func New(executor *roundtrip.Executor, sessions session.Store, view ContextView, maxRounds int) *Engine {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Engine{executor: executor, sessions: sessions, view: view, maxRounds: maxRounds}
}

// TurnResult is what the Engine hands back to the Coordinator.
type TurnResult struct {
	Rounds     int
	Messages   []*models.Message
	EndedEarly bool
	Err        error
}

// RunTurn executes rounds until the assistant ends its turn, an error
// occurs, ctx is cancelled, or maxRounds is exhausted.
func (e *Engine) RunTurn(ctx context.Context, sessionID string, allowedTools []string) TurnResult {
	var produced []*models.Message

	for round := 0; round < e.maxRounds; round++ {
		select {
		case <-ctx.Done():
			return TurnResult{Rounds: round, Messages: produced, Err: ctx.Err()}
		default:
		}

		req, err := e.view.BuildRequest(ctx, sessionID)
		if err != nil {
			return TurnResult{Rounds: round, Messages: produced, Err: corerr.Wrap(corerr.Service, "build context view", err)}
		}

		result := e.executor.Run(ctx, sessionID, req, allowedTools)
		if result.AssistantMsg != nil {
			if err := e.sessions.AppendMessage(ctx, sessionID, result.AssistantMsg); err != nil {
				return TurnResult{Rounds: round + 1, Messages: produced, Err: corerr.Wrap(corerr.IO, "persist assistant message", err)}
			}
			produced = append(produced, result.AssistantMsg)
		}
		for _, tr := range result.ToolResults {
			msg := &models.Message{SessionID: sessionID, Role: models.RoleTool, ToolResult: &tr}
			if err := e.sessions.AppendMessage(ctx, sessionID, msg); err != nil {
				return TurnResult{Rounds: round + 1, Messages: produced, Err: corerr.Wrap(corerr.IO, "persist tool result message", err)}
			}
			produced = append(produced, msg)
		}

		switch result.Outcome {
		case roundtrip.OutcomeEndOfTurn:
			return TurnResult{Rounds: round + 1, Messages: produced}
		case roundtrip.OutcomeError:
			return TurnResult{Rounds: round + 1, Messages: produced, Err: result.Err}
		case roundtrip.OutcomeBudgetExceeded:
			return TurnResult{
				Rounds:     round + 1,
				Messages:   produced,
				EndedEarly: true,
				Err:        corerr.New(corerr.Service, "round ended on output-token budget exhaustion"),
			}
		case roundtrip.OutcomeContinueWithTools:
			continue
		}
	}

	return TurnResult{
		Rounds:     e.maxRounds,
		Messages:   produced,
		EndedEarly: true,
		Err:        fmt.Errorf("max rounds (%d) reached without end of turn", e.maxRounds),
	}
}
