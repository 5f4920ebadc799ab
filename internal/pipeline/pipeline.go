// Package pipeline implements the Tool Pipeline (SPEC_FULL.md §8): the
// ToolTask state machine, batch policy, confirmation flow, and retry/backoff,
// grounded on internal/agent/executor.go's Executor and
// internal/agent/approval.go's ApprovalChecker.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-assist/core/internal/backoff"
	"github.com/nexus-assist/core/internal/bus"
	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/toolkit"
	"golang.org/x/sync/semaphore"
)

// State is a ToolTask's position in its lifecycle (SPEC_FULL.md §8).
type State string

const (
	StateQueued              State = "queued"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateRunning              State = "running"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// Task tracks one tool call through the pipeline.
type Task struct {
	ID         string
	SessionID  string
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
	State      State
	Attempts   int
	Result     *models.ToolResult
	Err        error
	confirmCh  chan bool
	mu         sync.Mutex
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.State = s
	t.mu.Unlock()
}

func (t *Task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// Config mirrors internal/agent/executor.go's ExecutorConfig, scaled to the
// pipeline's batch semantics.
type Config struct {
	MaxConcurrency  int
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ConfirmFunc decides whether a tool call requires user confirmation before
// it may run. A nil ConfirmFunc means nothing ever needs confirmation.
type ConfirmFunc func(toolName string) bool

// Pipeline executes batches of tool calls against a toolkit.Registry,
// applying the batch policy from SPEC_FULL.md §8: at most one end-turn tool
// call per batch, concurrency-safe calls run in parallel, allowed_tools
// filters the batch before execution.
type Pipeline struct {
	registry *toolkit.Registry
	cfg      Config
	bus      *bus.Bus
	confirm  ConfirmFunc
	sem      *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*Task
}

func New(registry *toolkit.Registry, cfg Config, eventBus *bus.Bus, confirm ConfirmFunc) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Pipeline{
		registry: registry,
		cfg:      cfg,
		bus:      eventBus,
		confirm:  confirm,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		tasks:    map[string]*Task{},
	}
}

// BatchResult is the per-call outcome of one Run invocation.
type BatchResult struct {
	ToolCallID string
	ToolName   string
	Result     models.ToolResult
}

// ErrMultipleEndTurn is returned when a batch contains more than one tool
// call marked ShouldEndTurn (SPEC_FULL.md §8 invariant: at most one end-turn
// call survives per round).
var ErrMultipleEndTurn = corerr.New(corerr.Validation, "batch contains more than one end-turn tool call")

// Run executes a batch of tool calls under the given allowed_tools filter
// (nil/empty means all tools allowed) and returns one BatchResult per call,
// in input order.
func (p *Pipeline) Run(ctx context.Context, sessionID string, calls []models.ToolCall, allowedTools []string) ([]BatchResult, error) {
	if err := validateBatch(calls); err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		task := p.newTask(sessionID, call)
		if len(allowedTools) > 0 && !toolkit.MatchAny(allowedTools, call.ToolName) {
			task.setState(StateFailed)
			results[i] = BatchResult{
				ToolCallID: call.ToolID,
				ToolName:   call.ToolName,
				Result: models.ToolResult{
					ToolID:   call.ToolID,
					ToolName: call.ToolName,
					IsError:  true,
					ResultForAssistant: fmt.Sprintf(
						"tool %q is not in the allowed set for this turn", call.ToolName),
				},
			}
			continue
		}

		tool, known := p.registry.Get(call.ToolName)
		safe := known && tool.ConcurrencySafe()
		if !safe {
			// Serialize unsafe tools relative to the rest of the batch by
			// running them synchronously before moving on.
			results[i] = p.execute(ctx, task)
			continue
		}

		wg.Add(1)
		go func(idx int, t *Task) {
			defer wg.Done()
			results[idx] = p.execute(ctx, t)
		}(i, task)
	}
	wg.Wait()
	return results, nil
}

func validateBatch(calls []models.ToolCall) error {
	endTurnCount := 0
	for _, c := range calls {
		if c.ShouldEndTurn {
			endTurnCount++
		}
	}
	if endTurnCount > 1 {
		return ErrMultipleEndTurn
	}
	return nil
}

func (p *Pipeline) newTask(sessionID string, call models.ToolCall) *Task {
	t := &Task{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolCallID: call.ToolID,
		ToolName:   call.ToolName,
		Input:      call.Arguments,
		State:      StateQueued,
		confirmCh:  make(chan bool, 1),
	}
	p.mu.Lock()
	p.tasks[t.ID] = t
	p.mu.Unlock()
	p.publish(t)
	return t
}

func (p *Pipeline) publish(t *Task) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.TopicToolState, struct {
		TaskID   string
		ToolName string
		State    State
	}{t.ID, t.ToolName, t.getState()})
}

// Confirm resolves a pending confirmation for the given task id. approved
// false is equivalent to a user rejection; the task moves to Cancelled.
func (p *Pipeline) Confirm(taskID string, approved bool) error {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return corerr.New(corerr.NotFound, "unknown tool task: "+taskID)
	}
	select {
	case t.confirmCh <- approved:
		return nil
	default:
		return corerr.New(corerr.Validation, "task is not awaiting confirmation: "+taskID)
	}
}

func (p *Pipeline) execute(ctx context.Context, t *Task) BatchResult {
	if p.confirm != nil && p.confirm(t.ToolName) {
		t.setState(StateAwaitingConfirmation)
		p.publish(t)
		select {
		case approved := <-t.confirmCh:
			if !approved {
				t.setState(StateCancelled)
				p.publish(t)
				return BatchResult{
					ToolCallID: t.ToolCallID,
					ToolName:   t.ToolName,
					Result: models.ToolResult{
						ToolID:             t.ToolCallID,
						ToolName:           t.ToolName,
						IsError:            true,
						ResultForAssistant: "tool call rejected by user",
					},
				}
			}
		case <-ctx.Done():
			t.setState(StateCancelled)
			p.publish(t)
			return BatchResult{
				ToolCallID: t.ToolCallID,
				ToolName:   t.ToolName,
				Result: models.ToolResult{
					ToolID: t.ToolCallID, ToolName: t.ToolName, IsError: true,
					ResultForAssistant: "tool call cancelled before confirmation",
				},
			}
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		t.setState(StateCancelled)
		return BatchResult{
			ToolCallID: t.ToolCallID, ToolName: t.ToolName,
			Result: models.ToolResult{ToolID: t.ToolCallID, ToolName: t.ToolName, IsError: true, ResultForAssistant: "cancelled: " + err.Error()},
		}
	}
	defer p.sem.Release(1)

	t.setState(StateRunning)
	p.publish(t)

	start := time.Now()
	result, execErr := p.runWithRetry(ctx, t)
	duration := time.Since(start)

	if execErr != nil {
		t.setState(StateFailed)
		t.Err = execErr
		p.publish(t)
		return BatchResult{
			ToolCallID: t.ToolCallID, ToolName: t.ToolName,
			Result: models.ToolResult{
				ToolID: t.ToolCallID, ToolName: t.ToolName, IsError: true,
				ResultForAssistant: execErr.Error(), Duration: duration,
			},
		}
	}

	t.setState(StateCompleted)
	p.publish(t)
	resultForAssistant := result.Content
	if resultForAssistant == "" && result.IsError {
		resultForAssistant = "tool returned an empty error result"
	}
	return BatchResult{
		ToolCallID: t.ToolCallID, ToolName: t.ToolName,
		Result: models.ToolResult{
			ToolID: t.ToolCallID, ToolName: t.ToolName,
			Result:             result,
			ResultForAssistant: resultForAssistant,
			IsError:            result.IsError,
			Duration:           duration,
		},
	}
}

func (p *Pipeline) runWithRetry(ctx context.Context, t *Task) (*toolkit.Result, error) {
	timeout := p.cfg.DefaultTimeout
	policy := backoff.BackoffPolicy{
		InitialMs: float64(p.cfg.RetryBackoff.Milliseconds()),
		MaxMs:     float64(p.cfg.MaxRetryBackoff.Milliseconds()),
		Factor:    2,
		Jitter:    0.1,
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.DefaultRetries; attempt++ {
		t.Attempts = attempt + 1
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := p.registry.Execute(execCtx, t.ToolName, t.Input)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt >= p.cfg.DefaultRetries {
			break
		}
		sleep := backoff.ComputeBackoff(policy, attempt+1)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = p.cfg.DefaultRetries
		}
	}
	return nil, corerr.Wrap(corerr.Tool, "tool execution failed for "+t.ToolName, lastErr)
}
