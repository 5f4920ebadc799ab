package compaction

import (
	"context"

	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/providers"
	"github.com/nexus-assist/core/internal/session"
)

// MessageLoader resolves a session's full message history, matching
// internal/session.Store's ListMessages signature.
type MessageLoader interface {
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// View implements internal/engine.ContextView by running the Manager's
// compaction algorithm over a session's stored history before handing it
// to the provider as a CompletionRequest.
type View struct {
	messages  MessageLoader
	manager   *Manager
	system    string
	model     string
	window    int
	maxTokens int
	toolSpecs []providers.ToolSpec
	pruning   PruningSettings
}

func NewView(messages session.Store, manager *Manager, system, model string, windowTokens, maxTokens int, toolSpecs []providers.ToolSpec) *View {
	return &View{
		messages:  messages,
		manager:   manager,
		system:    system,
		model:     model,
		window:    windowTokens,
		maxTokens: maxTokens,
		toolSpecs: toolSpecs,
		pruning:   DefaultPruningSettings(),
	}
}

// WithPruning overrides the view's tool-result pruning settings (by default
// DefaultPruningSettings()). Returns the view for chaining at construction.
func (v *View) WithPruning(settings PruningSettings) *View {
	v.pruning = settings
	return v
}

// BuildRequest loads the session's full history, strips leading System
// messages, compresses the result per spec §4.5, and assembles the
// provider-ready request with the caller's system prompt re-prepended.
func (v *View) BuildRequest(ctx context.Context, sessionID string) (*providers.CompletionRequest, error) {
	history, err := v.messages.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, corerr.Wrap(corerr.IO, "load session history", err)
	}

	pruned := PruneMessages(history, v.pruning, v.window*CharsPerToken)

	compressed, err := v.manager.Compress(ctx, pruned, v.window)
	if err != nil {
		return nil, corerr.Wrap(corerr.Service, "compress session history", err)
	}

	return &providers.CompletionRequest{
		Model:     v.model,
		System:    v.system,
		Messages:  toCompletionMessages(compressed),
		Tools:     v.toolSpecs,
		MaxTokens: v.maxTokens,
	}, nil
}
