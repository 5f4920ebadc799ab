package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/providers"
)

// Tuning ratios against the context window, fixed by the turn-suffix
// algorithm below.
const (
	// KeepRatio bounds the cumulative tokens of turns kept verbatim.
	KeepRatio = 0.30
	// LastTurnRatio is the fallback bound used when no suffix fits under
	// KeepRatio but the single last turn might still be kept whole.
	LastTurnRatio = 0.40
	// PerRequestRatio bounds the accumulated input tokens of one
	// summarization request.
	PerRequestRatio = 0.70

	// SummaryRetries is the number of attempts made per summarization call
	// before giving up.
	SummaryRetries = 3
	// SummaryRetryBaseDelay is the base of the exponential backoff between
	// summarization retries.
	SummaryRetryBaseDelay = 500 * time.Millisecond
)

const reminderPrefix = "<system-reminder>Previous conversation is summarized below: "
const reminderSuffix = "</system-reminder>"

// Turn is a contiguous run of messages starting at a User message (the
// first turn may start at whatever role follows the stripped System
// messages).
type Turn struct {
	Messages []*models.Message
	Tokens   int
}

// Summarizer produces an updated summary for a run of turns, optionally
// folding in a prior summary (incremental-update mode).
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, turns []*models.Message) (string, error)
}

// ProviderSummarizer adapts an LLMProvider into a Summarizer by issuing a
// non-tool completion whose system prompt embeds the prior summary.
type ProviderSummarizer struct {
	Provider providers.LLMProvider
	Model    string
}

func (s *ProviderSummarizer) Summarize(ctx context.Context, priorSummary string, turns []*models.Message) (string, error) {
	system := "Summarize the conversation below, preserving decisions, open tasks, and file state. Be concise."
	if priorSummary != "" {
		system = fmt.Sprintf("%s\n\nPrior summary to update, not discard:\n%s", system, priorSummary)
	}

	req := &providers.CompletionRequest{
		Model:     s.Model,
		System:    system,
		Messages:  toCompletionMessages(turns),
		MaxTokens: 1024,
	}

	chunks, err := s.Provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var text string
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		text += chunk.Text
	}
	return text, nil
}

func toCompletionMessages(msgs []*models.Message) []providers.CompletionMessage {
	out := make([]providers.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Text,
			ToolCalls:   m.ToolCalls,
			ToolResults: toolResultSlice(m),
		})
	}
	return out
}

func toolResultSlice(m *models.Message) []models.ToolResult {
	if m.ToolResult == nil {
		return nil
	}
	return []models.ToolResult{*m.ToolResult}
}

// Manager implements the Context Compression Manager (SPEC_FULL.md §6 /
// spec §4.5): the turn-suffix keep/compress split, incremental
// summarization of the prefix, and the synthetic system-reminder prepend.
type Manager struct {
	summarizer Summarizer
	// ArtifactReminder, when set, inspects the last turn and returns a
	// reminder string to re-append alongside the last User message when
	// the kept suffix is empty (e.g. a to-do list artifact). Returns ""
	// when there is nothing to carry forward.
	ArtifactReminder func(lastTurn []*models.Message) string
}

func NewManager(summarizer Summarizer) *Manager {
	return &Manager{summarizer: summarizer}
}

// estimateTokens approximates a message's token count at ~4 chars/token,
// matching EstimateTokens' heuristic but over models.Message.
func estimateTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Text) + len(m.Reasoning)
	for _, tc := range m.ToolCalls {
		chars += len(tc.ToolName) + len(tc.Arguments)
	}
	if m.ToolResult != nil {
		chars += len(m.ToolResult.ResultForAssistant)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// groupTurns strips leading System messages and groups what remains into
// turns, where a turn boundary is any User message except the first
// message retained.
func groupTurns(messages []*models.Message) []Turn {
	start := 0
	for start < len(messages) && messages[start].Role == models.RoleSystem {
		start++
	}
	rest := messages[start:]
	if len(rest) == 0 {
		return nil
	}

	var turns []Turn
	cur := []*models.Message{rest[0]}
	for _, m := range rest[1:] {
		if m.Role == models.RoleUser {
			turns = append(turns, newTurn(cur))
			cur = []*models.Message{m}
			continue
		}
		cur = append(cur, m)
	}
	turns = append(turns, newTurn(cur))
	return turns
}

func newTurn(messages []*models.Message) Turn {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return Turn{Messages: messages, Tokens: total}
}

// keepSuffix finds the largest suffix of turns whose cumulative tokens
// stay within keepBudget. If no non-empty suffix fits but the single last
// turn fits within lastTurnBudget, that turn alone is returned as the
// suffix.
func keepSuffix(turns []Turn, keepBudget, lastTurnBudget int) (suffix []Turn, prefix []Turn) {
	if len(turns) == 0 {
		return nil, nil
	}

	cum := 0
	cut := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		next := cum + turns[i].Tokens
		if next > keepBudget {
			break
		}
		cum = next
		cut = i
	}

	if cut < len(turns) {
		return turns[cut:], turns[:cut]
	}

	last := turns[len(turns)-1]
	if last.Tokens <= lastTurnBudget {
		return []Turn{last}, turns[:len(turns)-1]
	}

	return nil, turns
}

// splitTurnAtMidpoint halves a turn's messages at a message boundary so
// each half can be summarized within budget. A single-message turn cannot
// be split.
func splitTurnAtMidpoint(t Turn) (Turn, Turn, error) {
	if len(t.Messages) < 2 {
		return Turn{}, Turn{}, corerr.New(corerr.Validation, "turn exceeds per-request budget and cannot be split further")
	}
	mid := len(t.Messages) / 2
	if mid == 0 {
		mid = 1
	}
	return newTurn(t.Messages[:mid]), newTurn(t.Messages[mid:]), nil
}

// summarizeWithRetry calls the summarizer, retrying on error up to
// SummaryRetries times with exponential backoff.
func summarizeWithRetry(ctx context.Context, s Summarizer, priorSummary string, turns []*models.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < SummaryRetries; attempt++ {
		if attempt > 0 {
			delay := SummaryRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		summary, err := s.Summarize(ctx, priorSummary, turns)
		if err == nil {
			return summary, nil
		}
		lastErr = err
	}
	return "", corerr.Wrap(corerr.AIClient, "summarization failed after retries", lastErr)
}

// compressPrefix streams through turns, batching whole turns up to
// perRequestBudget input tokens per summarization call and folding each
// call's result into the next as the prior summary.
func (m *Manager) compressPrefix(ctx context.Context, turns []Turn, perRequestBudget int) (string, error) {
	var summary string
	var batch []*models.Message
	batchTokens := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		next, err := summarizeWithRetry(ctx, m.summarizer, summary, batch)
		if err != nil {
			return err
		}
		summary = next
		batch = nil
		batchTokens = 0
		return nil
	}

	for _, t := range turns {
		if t.Tokens > perRequestBudget {
			if err := flush(); err != nil {
				return "", err
			}
			first, second, err := splitTurnAtMidpoint(t)
			if err != nil {
				return "", err
			}
			for _, half := range []Turn{first, second} {
				next, err := summarizeWithRetry(ctx, m.summarizer, summary, half.Messages)
				if err != nil {
					return "", err
				}
				summary = next
			}
			continue
		}

		if batchTokens+t.Tokens > perRequestBudget {
			if err := flush(); err != nil {
				return "", err
			}
		}
		batch = append(batch, t.Messages...)
		batchTokens += t.Tokens
	}

	if err := flush(); err != nil {
		return "", err
	}
	return summary, nil
}

// lastUserMessage returns the last User message within a turn, if any.
func lastUserMessage(turn []*models.Message) *models.Message {
	for i := len(turn) - 1; i >= 0; i-- {
		if turn[i].Role == models.RoleUser {
			return turn[i]
		}
	}
	return nil
}

// Compress runs the turn-suffix compaction algorithm (spec §4.5) over
// messages against a context window of W tokens, returning the list ready
// to send in the next request. System messages are expected to be
// re-prepended by the caller.
func (m *Manager) Compress(ctx context.Context, messages []*models.Message, windowTokens int) ([]*models.Message, error) {
	turns := groupTurns(messages)
	if len(turns) == 0 {
		return nil, nil
	}

	keepBudget := int(float64(windowTokens) * KeepRatio)
	lastTurnBudget := int(float64(windowTokens) * LastTurnRatio)
	perRequestBudget := int(float64(windowTokens) * PerRequestRatio)

	suffix, prefix := keepSuffix(turns, keepBudget, lastTurnBudget)

	var kept []*models.Message
	for _, t := range suffix {
		kept = append(kept, t.Messages...)
	}

	if len(prefix) == 0 {
		return kept, nil
	}

	summary, err := m.compressPrefix(ctx, prefix, perRequestBudget)
	if err != nil {
		return nil, err
	}

	reminder := &models.Message{
		Role: models.RoleUser,
		Text: reminderPrefix + summary + reminderSuffix,
	}

	if len(suffix) == 0 {
		out := []*models.Message{reminder}
		lastTurn := prefix[len(prefix)-1].Messages
		if u := lastUserMessage(lastTurn); u != nil {
			out = append(out, u)
		}
		if m.ArtifactReminder != nil {
			if note := m.ArtifactReminder(lastTurn); note != "" {
				out = append(out, &models.Message{Role: models.RoleUser, Text: note})
			}
		}
		return out, nil
	}

	return append([]*models.Message{reminder}, kept...), nil
}
