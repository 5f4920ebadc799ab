package termsuper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-assist/core/internal/corerr"
)

// pollInterval is how often execute_command polls integration state.
const pollInterval = 50 * time.Millisecond

// idlePolls is the number of consecutive idle polls (unchanged output
// length) required after Finished is observed before completion is
// declared, i.e. 200ms of idleness at pollInterval.
const idlePolls = 4

// fallbackIdle is the idle duration used for the best-effort completion
// path when no Finished marker ever arrives.
const fallbackIdle = 1 * time.Second

// streamTrailingIdle is the additional idleness required after Finished
// before a streaming exec closes its event channel, to recover
// late-arriving trailing output.
const streamTrailingIdle = 500 * time.Millisecond

// ExecResult is what execute_command returns.
type ExecResult struct {
	Command   string
	CommandID string
	Output    string
	ExitCode  *int
}

// ExecEvent is one event of the streaming exec variant.
type ExecEvent struct {
	Kind      string // "started", "output", "completed", "error"
	CommandID string
	Data      string
	ExitCode  *int
	Message   string
}

// ExecuteCommand implements SPEC_FULL.md §4.8's execute_command: it waits
// for the session to be ready, clears the output buffer, writes the
// command (optionally prefixed with a space to dodge shell history), and
// polls the integration state until completion or timeout.
func (s *Session) ExecuteCommand(ctx context.Context, command string, preventHistory bool, timeout time.Duration) (ExecResult, error) {
	if s.integration == nil {
		return ExecResult{}, corerr.New(corerr.Validation, "session has no shell integration")
	}
	if err := s.waitReady(ctx); err != nil {
		return ExecResult{}, err
	}

	s.clearOutputBuffer()
	commandID := uuid.NewString()

	line := command
	if preventHistory {
		line = " " + line
	}
	if err := s.Write([]byte(line + "\r")); err != nil {
		return ExecResult{}, corerr.Wrap(corerr.IO, "write command", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	result, err := s.pollUntilDone(ctx, timeoutCh)
	result.Command = command
	result.CommandID = commandID
	return result, err
}

func (s *Session) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(ReadyTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if s.Active() {
			state, _, _ := s.integration.snapshot()
			if state != StateIdle {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return corerr.New(corerr.Timeout, "session not ready within 30s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollUntilDone implements the completion rule shared by the exec-and-wait
// and streaming variants: Finished observed and output idle for
// idlePolls*pollInterval, or a 1s idle fallback with no Finished at all.
func (s *Session) pollUntilDone(ctx context.Context, timeoutCh <-chan time.Time) (ExecResult, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastLen := -1
	idleCount := 0
	sawFinished := false
	var idleSince time.Time

	for {
		select {
		case <-ctx.Done():
			return ExecResult{Output: s.Aggregated()}, ctx.Err()
		case <-timeoutCh:
			return ExecResult{Output: s.Aggregated()}, corerr.New(corerr.Timeout, "command execution timed out")
		case <-ticker.C:
		}

		state, _, exitCode := s.integration.snapshot()
		output := s.Aggregated()

		if len(output) == lastLen {
			idleCount++
		} else {
			idleCount = 0
			idleSince = time.Now()
		}
		lastLen = len(output)

		if state == StateFinished {
			sawFinished = true
			if idleCount >= idlePolls {
				return ExecResult{Output: output, ExitCode: exitCode}, nil
			}
			continue
		}

		if !sawFinished && (state == StatePrompt || state == StateInput) {
			if !idleSince.IsZero() && time.Since(idleSince) >= fallbackIdle {
				return ExecResult{Output: output, ExitCode: nil}, nil
			}
		}
	}
}

// StreamCommand is the streaming variant of ExecuteCommand: it emits
// Started/Output/Completed/Error events on ch until completion, holding
// an extra streamTrailingIdle after Finished to catch late output before
// closing.
func (s *Session) StreamCommand(ctx context.Context, command string, preventHistory bool, ch chan<- ExecEvent) {
	defer close(ch)

	if s.integration == nil {
		ch <- ExecEvent{Kind: "error", Message: "session has no shell integration"}
		return
	}
	if err := s.waitReady(ctx); err != nil {
		ch <- ExecEvent{Kind: "error", Message: err.Error()}
		return
	}

	s.clearOutputBuffer()
	commandID := uuid.NewString()
	select {
	case ch <- ExecEvent{Kind: "started", CommandID: commandID}:
	default:
	}

	line := command
	if preventHistory {
		line = " " + line
	}
	if err := s.Write([]byte(line + "\r")); err != nil {
		ch <- ExecEvent{Kind: "error", CommandID: commandID, Message: err.Error()}
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastEmitted := 0
	finishedAt := time.Time{}

	for {
		select {
		case <-ctx.Done():
			ch <- ExecEvent{Kind: "error", CommandID: commandID, Message: ctx.Err().Error()}
			return
		case <-ticker.C:
		}

		state, _, exitCode := s.integration.snapshot()
		output := s.Aggregated()
		if len(output) > lastEmitted {
			delta := output[lastEmitted:]
			lastEmitted = len(output)
			select {
			case ch <- ExecEvent{Kind: "output", CommandID: commandID, Data: delta}:
			default:
			}
		}

		if state == StateFinished {
			if finishedAt.IsZero() {
				finishedAt = time.Now()
			}
			if time.Since(finishedAt) >= streamTrailingIdle {
				ch <- ExecEvent{Kind: "completed", CommandID: commandID, Data: output, ExitCode: exitCode}
				return
			}
		}
	}
}

// SendCommand is the fire-and-forget variant: it only requires the
// session to be Active and does not depend on shell integration, for
// shells like cmd.exe that never emit markers.
func (s *Session) SendCommand(ctx context.Context, command string) error {
	deadline := time.Now().Add(ReadyTimeout)
	for !s.Active() {
		if time.Now().After(deadline) {
			return corerr.New(corerr.Timeout, "session not active within 30s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return s.Write([]byte(command + "\r"))
}

// describeTruncation renders a human note when aggregated output was
// truncated, surfaced alongside ExecResult.Output by callers that care.
func (s *Session) describeTruncation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.truncated {
		return ""
	}
	return fmt.Sprintf("[output truncated to last %d bytes]", MaxOutputChars)
}
