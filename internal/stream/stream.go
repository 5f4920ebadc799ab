// Package stream implements the Stream Processor (SPEC_FULL.md §10): it
// consumes a providers.CompletionChunk channel for one round and accumulates
// full_text/full_reasoning plus any finalized tool calls, publishing deltas
// onto the event bus as they arrive. Grounded on the streaming-consumption
// shape of internal/agent/runtime.go's run() loop.
package stream

import (
	"context"

	"github.com/nexus-assist/core/internal/bus"
	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/providers"
)

// Accumulated is the fully drained result of one round's completion stream.
type Accumulated struct {
	Text         string
	Reasoning    string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Processor drains a provider's chunk channel, publishing incremental text
// and reasoning deltas to the bus as they arrive and assembling the final
// Accumulated result once the stream closes.
type Processor struct {
	bus *bus.Bus
}

func New(eventBus *bus.Bus) *Processor {
	return &Processor{bus: eventBus}
}

// Drain consumes chunks until the channel closes or ctx is cancelled. It
// returns the first error chunk received, if any.
func (p *Processor) Drain(ctx context.Context, sessionID string, chunks <-chan *providers.CompletionChunk) (*Accumulated, error) {
	var acc Accumulated
	var pendingToolCall *models.ToolCall

	for {
		select {
		case <-ctx.Done():
			return &acc, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return &acc, nil
			}
			if chunk.Error != nil {
				return &acc, corerr.Wrap(corerr.AIClient, "completion stream error", chunk.Error)
			}
			if chunk.Text != "" {
				acc.Text += chunk.Text
				p.publish(sessionID, bus.TopicStreamText, chunk.Text)
			}
			if chunk.Thinking != "" {
				acc.Reasoning += chunk.Thinking
				p.publish(sessionID, bus.TopicStreamReason, chunk.Thinking)
			}
			if chunk.ToolCall != nil {
				pendingToolCall = chunk.ToolCall
				acc.ToolCalls = append(acc.ToolCalls, *pendingToolCall)
				p.publish(sessionID, bus.TopicStreamToolCall, *pendingToolCall)
			}
			if chunk.Done {
				acc.InputTokens = chunk.InputTokens
				acc.OutputTokens = chunk.OutputTokens
				acc.FinishReason = chunk.FinishReason
				return &acc, nil
			}
		}
	}
}

func (p *Processor) publish(sessionID, topic string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, struct {
		SessionID string
		Payload   any
	}{sessionID, payload})
}
