package termsuper

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nexus-assist/core/internal/bus"
	"github.com/nexus-assist/core/internal/corerr"
)

// DefaultSessionTTL bounds how long an Exited session's bookkeeping is
// retained before the sweeper reclaims it, mirroring
// internal/shell/process_registry.go's job-TTL sweeper.
const DefaultSessionTTL = 30 * time.Minute

// ExitEvent is published when a session's process terminates.
type ExitEvent struct {
	SessionID string
	ExitCode  *int
}

// ResizedEvent is published once a resize call is confirmed by the OS.
type ResizedEvent struct {
	SessionID string
	Cols, Rows int
}

// Supervisor owns every terminal session's lifecycle, matching the
// running/finished bookkeeping and TTL sweep of
// internal/shell/process_registry.go's ProcessRegistry, adapted from
// shell command jobs to PTY-backed interactive sessions.
type Supervisor struct {
	bus    *bus.Bus
	logger *slog.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepStop chan struct{}
}

func NewSupervisor(eventBus *bus.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	sup := &Supervisor{
		bus:      eventBus,
		logger:   logger.With("component", "termsuper"),
		ttl:      DefaultSessionTTL,
		sessions: map[string]*Session{},
	}
	sup.startSweeper()
	return sup
}

// Open starts a new PTY-backed session and registers it.
func (sup *Supervisor) Open(shell string, args []string, withIntegration bool) (*Session, error) {
	s, err := Start(shell, args, withIntegration, sup.logger)
	if err != nil {
		return nil, err
	}

	sup.mu.Lock()
	sup.sessions[s.ID] = s
	sup.mu.Unlock()

	go sup.watchExit(s)
	return s, nil
}

func (sup *Supervisor) watchExit(s *Session) {
	for s.StatusNow() != StatusExited {
		time.Sleep(pollInterval)
	}
	var codePtr *int
	if c, ok := s.ExitCode(); ok {
		codePtr = &c
	}
	sup.publish(ExitEvent{SessionID: s.ID, ExitCode: codePtr})
}

func (sup *Supervisor) Get(id string) (*Session, error) {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	s, ok := sup.sessions[id]
	if !ok {
		return nil, corerr.New(corerr.NotFound, "terminal session not found: "+id)
	}
	return s, nil
}

// Resize applies a resize to a session and publishes ResizedEvent once
// the OS call returns.
func (sup *Supervisor) Resize(id string, cols, rows int) error {
	s, err := sup.Get(id)
	if err != nil {
		return err
	}
	if err := s.Resize(cols, rows); err != nil {
		return corerr.Wrap(corerr.IO, "resize pty", err)
	}
	sup.publish(ResizedEvent{SessionID: id, Cols: cols, Rows: rows})
	return nil
}

// Close terminates a session and removes it from the registry.
func (sup *Supervisor) Close(id string, grace time.Duration) error {
	s, err := sup.Get(id)
	if err != nil {
		return err
	}
	s.Terminate(grace)

	sup.mu.Lock()
	delete(sup.sessions, id)
	sup.mu.Unlock()
	return nil
}

func (sup *Supervisor) List() []*Session {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	out := make([]*Session, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		out = append(out, s)
	}
	return out
}

func (sup *Supervisor) publish(payload any) {
	if sup.bus == nil {
		return
	}
	sup.bus.Publish(bus.TopicTerminalEvent, payload)
}

func (sup *Supervisor) startSweeper() {
	sup.sweepStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(sup.ttl / 6)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sup.sweep()
			case <-sup.sweepStop:
				return
			}
		}
	}()
}

func (sup *Supervisor) sweep() {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for id, s := range sup.sessions {
		if s.StatusNow() == StatusExited {
			delete(sup.sessions, id)
		}
	}
}

// Shutdown stops the sweeper and terminates every open session.
func (sup *Supervisor) Shutdown(grace time.Duration) {
	close(sup.sweepStop)
	for _, s := range sup.List() {
		s.Terminate(grace)
	}
}
