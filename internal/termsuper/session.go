// Package termsuper implements the Terminal/Shell Supervisor (SPEC_FULL.md
// §4.8): PTY-backed interactive shells with a shell-integration marker
// protocol for detecting command boundaries and exit codes, an
// exec-and-wait operation, a streaming operation, and a fire-and-forget
// send_command for shells without integration. Output buffering,
// truncation, and the running/finished session bookkeeping are grounded
// on internal/shell/process_registry.go's ProcessRegistry; the PTY itself
// is driven through github.com/creack/pty, the pack's pseudo-terminal
// library.
package termsuper

import (
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/nexus-assist/core/internal/corerr"
)

// Status is a terminal session's lifecycle state.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusExited      Status = "exited"
	StatusOrphaned    Status = "orphaned"
)

// MaxOutputChars bounds how much aggregated output a session retains,
// matching process_registry.go's DefaultPendingOutputChars cap.
const MaxOutputChars = 200_000

// ReadyTimeout bounds how long execute_command waits for a session to
// leave Idle before issuing a command.
const ReadyTimeout = 30 * time.Second

// Session is one PTY-backed shell. Output ingest is single-reader (the
// readLoop goroutine); writers go through writeMu, matching the
// concurrency discipline of SPEC_FULL.md §5's Terminal supervisor
// section.
type Session struct {
	ID     string
	logger *slog.Logger

	cmd *exec.Cmd
	pty *os.File

	writeMu sync.Mutex

	mu         sync.Mutex
	status     Status
	exitCode   *int
	aggregated []byte
	truncated  bool

	integration *integrationState

	nonce string
}

// Start launches shell under a PTY and, if withIntegration is true,
// installs and sources the shell-integration script before returning.
func Start(shell string, args []string, withIntegration bool, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(shell, args...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, corerr.Wrap(corerr.IO, "start pty", err)
	}

	s := &Session{
		ID:     uuid.NewString(),
		logger: logger.With("component", "termsuper", "session", "pending"),
		cmd:    cmd,
		pty:    f,
		status: StatusStarting,
		nonce:  uuid.NewString(),
	}
	s.logger = s.logger.With("session", s.ID)

	if withIntegration {
		s.integration = newIntegrationState(s.nonce)
	}

	go s.readLoop()
	go s.waitForExit()

	s.mu.Lock()
	s.status = StatusActive
	s.mu.Unlock()

	if withIntegration {
		if err := s.installIntegration(shell); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.ingest(buf[:n])
		}
		if err != nil {
			s.mu.Lock()
			if s.status != StatusExited {
				s.status = StatusExited
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) ingest(chunk []byte) {
	s.mu.Lock()
	s.aggregated = append(s.aggregated, chunk...)
	if len(s.aggregated) > MaxOutputChars {
		overflow := len(s.aggregated) - MaxOutputChars
		s.aggregated = s.aggregated[overflow:]
		s.truncated = true
	}
	s.mu.Unlock()

	if s.integration != nil {
		s.integration.feed(chunk)
	}
}

func (s *Session) waitForExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.status = StatusExited
	if err == nil {
		code := 0
		s.exitCode = &code
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		s.exitCode = &code
	}
	s.mu.Unlock()
	_ = s.pty.Close()
}

// Write sends raw bytes to the PTY's stdin, serialized against other
// writers.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.pty.Write(data)
	return err
}

// Active reports whether the session is ready to accept input.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

// Status returns the current lifecycle state.
func (s *Session) StatusNow() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitCode returns the process exit code once Exited, and false before.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Aggregated returns a snapshot of all output ingested so far.
func (s *Session) Aggregated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.aggregated)
}

// clearOutputBuffer discards aggregated output, used before issuing a new
// command through execute_command.
func (s *Session) clearOutputBuffer() {
	s.mu.Lock()
	s.aggregated = nil
	s.mu.Unlock()
}

// Resize updates the PTY's window size. It flushes any pending writes
// before resizing and, since creack/pty's Setsize is synchronous on
// POSIX, returns only once the OS call has completed (SPEC_FULL.md §4.8's
// "emits Resized only after the OS confirms" rule, trivially satisfied on
// platforms where resize is not asynchronous).
func (s *Session) Resize(cols, rows int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Terminate signals the shell to exit and closes the PTY once it does, or
// after a grace period.
func (s *Session) Terminate(grace time.Duration) {
	s.mu.Lock()
	s.status = StatusTerminating
	s.mu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
	}

	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

func (s *Session) installIntegration(shell string) error {
	script := integrationScript(s.nonce)
	path, err := writeIntegrationScript(s.ID, script)
	if err != nil {
		return err
	}
	source := "source " + strconv.Quote(path) + "\n"
	return s.Write([]byte(source))
}

